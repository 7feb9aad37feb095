package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// ResponseType indicates the type of response.
type ResponseType string

const (
	ResponseOK   ResponseType = "OK"
	ResponseErr  ResponseType = "ERR"
	ResponseJSON ResponseType = "JSON"
	ResponsePong ResponseType = "PONG"
)

// Response is a parsed daemon response.
type Response struct {
	Type    ResponseType
	Message string    // OK and ERR text
	Code    ErrorCode // ERR code
	Data    []byte    // JSON payload
}

// Err converts an ERR response into an error; other types return nil.
func (r *Response) Err() error {
	if r.Type != ResponseErr {
		return nil
	}
	return &Error{Code: r.Code, Message: r.Message}
}

// ErrorCode classifies ERR responses.
type ErrorCode string

const (
	ErrNotFound     ErrorCode = "not_found"
	ErrInvalidArgs  ErrorCode = "invalid_args"
	ErrInvalidState ErrorCode = "invalid_state"
	ErrShuttingDown ErrorCode = "shutting_down"
	ErrTimeout      ErrorCode = "timeout"
	ErrInternal     ErrorCode = "internal"
)

// Error is an ERR response seen by a client.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FormatOK formats an OK response.
func FormatOK(message string) []byte {
	if message == "" {
		return []byte("OK" + Terminator)
	}
	return []byte("OK " + oneLine(message) + Terminator)
}

// FormatErr formats an ERR response.
func FormatErr(code ErrorCode, message string) []byte {
	return []byte(fmt.Sprintf("ERR %s %s%s", code, oneLine(message), Terminator))
}

// FormatPong formats a PONG response.
func FormatPong() []byte {
	return []byte(string(ResponsePong) + Terminator)
}

// FormatJSON formats a JSON response carrying data.
func FormatJSON(data []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(string(ResponseJSON))
	appendData(&buf, data)
	buf.WriteString(Terminator)
	return buf.Bytes()
}

// oneLine keeps free text from breaking the framing.
func oneLine(s string) string {
	return strings.NewReplacer("\n", " ", "\r", " ", Terminator, "; ;").Replace(s)
}

// Writer writes protocol messages.
type Writer struct {
	w io.Writer
}

// NewWriter creates a writer over w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteOK writes an OK response.
func (w *Writer) WriteOK(message string) error {
	_, err := w.w.Write(FormatOK(message))
	return err
}

// WriteErr writes an ERR response.
func (w *Writer) WriteErr(code ErrorCode, message string) error {
	_, err := w.w.Write(FormatErr(code, message))
	return err
}

// WritePong writes a PONG response.
func (w *Writer) WritePong() error {
	_, err := w.w.Write(FormatPong())
	return err
}

// WriteJSON marshals v into a JSON response.
func (w *Writer) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return w.WriteErr(ErrInternal, err.Error())
	}
	_, err = w.w.Write(FormatJSON(data))
	return err
}

// WriteCommand writes a command.
func (w *Writer) WriteCommand(cmd *Command) error {
	_, err := w.w.Write(FormatCommand(cmd))
	return err
}
