package protocol

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	// Terminator ends every command and response.
	Terminator = ";;"
	// DataMarker separates arguments from the payload length.
	DataMarker = "--"

	dataSep = " " + DataMarker + " "
)

// MaxMessageSize bounds a single message.
const MaxMessageSize = 16 << 20

// ErrJSONInsteadOfCommand means raw JSON arrived where a command was
// expected.
var ErrJSONInsteadOfCommand = errors.New("json_instead_of_command")

// ErrUnknownCommand is returned for a verb outside ValidVerbs.
type ErrUnknownCommand struct {
	Verb string
}

func (e *ErrUnknownCommand) Error() string {
	return "unknown_command:" + e.Verb
}

// Parser reads commands or responses from a stream.
type Parser struct {
	reader *bufio.Reader
}

// NewParser creates a parser over r.
func NewParser(r io.Reader) *Parser {
	return &Parser{reader: bufio.NewReader(r)}
}

// ParseCommand reads the next command.
func (p *Parser) ParseCommand() (*Command, error) {
	content, err := p.readMessage()
	if err != nil {
		return nil, err
	}
	if strings.HasPrefix(content, "{") || strings.HasPrefix(content, "[") {
		return nil, ErrJSONInsteadOfCommand
	}

	head, payload, err := splitPayload(content)
	if err != nil {
		return nil, err
	}
	parts := strings.Fields(head)
	if len(parts) == 0 {
		return nil, errors.New("empty command")
	}

	verb := strings.ToUpper(parts[0])
	if !isValidVerb(verb) {
		return nil, &ErrUnknownCommand{Verb: verb}
	}
	cmd := &Command{Verb: verb}
	if len(parts) > 1 {
		if sub := strings.ToUpper(parts[1]); isSubVerb(sub) {
			cmd.SubVerb = sub
			cmd.Args = parts[2:]
		} else {
			cmd.Args = parts[1:]
		}
	}
	if payload != "" {
		if cmd.Data, err = decodeData(payload); err != nil {
			return nil, fmt.Errorf("failed to parse data: %w", err)
		}
	}
	return cmd, nil
}

// ParseResponse reads the next response.
func (p *Parser) ParseResponse() (*Response, error) {
	content, err := p.readMessage()
	if err != nil {
		return nil, err
	}
	head, payload, err := splitPayload(content)
	if err != nil {
		return nil, err
	}

	parts := strings.SplitN(head, " ", 3)
	resp := &Response{Type: ResponseType(strings.ToUpper(parts[0]))}
	switch resp.Type {
	case ResponseOK:
		if len(parts) > 1 {
			resp.Message = strings.Join(parts[1:], " ")
		}
	case ResponseErr:
		if len(parts) >= 2 {
			resp.Code = ErrorCode(parts[1])
		}
		if len(parts) >= 3 {
			resp.Message = parts[2]
		}
	case ResponsePong:
	case ResponseJSON:
		if payload == "" {
			return nil, errors.New("JSON response requires data")
		}
		if resp.Data, err = decodeData(payload); err != nil {
			return nil, fmt.Errorf("failed to parse JSON data: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown response type: %s", resp.Type)
	}
	return resp, nil
}

// Resync skips to the next terminator after a parse error.
func (p *Parser) Resync() error {
	_, err := p.readUntilTerminator()
	return err
}

func (p *Parser) readMessage() (string, error) {
	raw, err := p.readUntilTerminator()
	if err != nil {
		return "", err
	}
	content := strings.TrimSpace(raw)
	if content == "" {
		return "", errors.New("empty message")
	}
	return content, nil
}

// readUntilTerminator returns the bytes before the next ";;". Base64 never
// contains ';' so payloads cannot end a message early.
func (p *Parser) readUntilTerminator() (string, error) {
	var buf bytes.Buffer
	for {
		chunk, err := p.reader.ReadSlice(';')
		buf.Write(chunk)
		if err != nil && !errors.Is(err, bufio.ErrBufferFull) {
			if errors.Is(err, io.EOF) && buf.Len() > 0 {
				return "", fmt.Errorf("unexpected EOF, missing terminator %q", Terminator)
			}
			return "", err
		}
		if buf.Len() > MaxMessageSize {
			return "", fmt.Errorf("message exceeds %d bytes", MaxMessageSize)
		}
		if bytes.HasSuffix(buf.Bytes(), []byte(Terminator)) {
			return string(buf.Bytes()[:buf.Len()-len(Terminator)]), nil
		}
	}
}

// splitPayload separates "HEAD -- LEN\nB64" into its parts.
func splitPayload(content string) (head, payload string, err error) {
	if i := strings.Index(content, dataSep); i != -1 {
		return content[:i], content[i+len(dataSep):], nil
	}
	if strings.HasSuffix(content, " "+DataMarker) {
		return "", "", errors.New("data marker present but no data length")
	}
	return content, "", nil
}

func decodeData(part string) ([]byte, error) {
	nl := strings.IndexByte(part, '\n')
	if nl == -1 {
		return nil, errors.New("data length without data content (missing newline)")
	}
	lengthStr := strings.TrimSpace(part[:nl])
	length, err := strconv.Atoi(lengthStr)
	if err != nil {
		return nil, fmt.Errorf("invalid data length %q: %w", lengthStr, err)
	}
	encoded := part[nl+1:]
	if len(encoded) != length {
		return nil, fmt.Errorf("data length mismatch: expected %d, got %d", length, len(encoded))
	}
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 data: %w", err)
	}
	return decoded, nil
}

func appendData(buf *bytes.Buffer, data []byte) {
	if len(data) == 0 {
		return
	}
	encoded := base64.StdEncoding.EncodeToString(data)
	buf.WriteString(dataSep)
	buf.WriteString(strconv.Itoa(len(encoded)))
	buf.WriteByte('\n')
	buf.WriteString(encoded)
}

// FormatCommand encodes cmd for transmission.
func FormatCommand(cmd *Command) []byte {
	var buf bytes.Buffer
	buf.WriteString(cmd.Verb)
	if cmd.SubVerb != "" {
		buf.WriteByte(' ')
		buf.WriteString(cmd.SubVerb)
	}
	for _, arg := range cmd.Args {
		buf.WriteByte(' ')
		buf.WriteString(arg)
	}
	appendData(&buf, cmd.Data)
	buf.WriteString(Terminator)
	return buf.Bytes()
}
