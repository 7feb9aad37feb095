package protocol

import (
	"bytes"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  *Command
	}{
		{
			name:  "PING",
			input: "PING;;",
			want:  &Command{Verb: "PING"},
		},
		{
			name:  "lowercase verb",
			input: "info;;",
			want:  &Command{Verb: "INFO"},
		},
		{
			name:  "SETTINGS GET",
			input: "SETTINGS GET whatsappMode;;",
			want:  &Command{Verb: "SETTINGS", SubVerb: "GET", Args: []string{"whatsappMode"}},
		},
		{
			name:  "SETTINGS SET",
			input: "SETTINGS SET extensionEnabled false;;",
			want:  &Command{Verb: "SETTINGS", SubVerb: "SET", Args: []string{"extensionEnabled", "false"}},
		},
		{
			name:  "SETTINGS LIST",
			input: "SETTINGS LIST;;",
			want:  &Command{Verb: "SETTINGS", SubVerb: "LIST"},
		},
		{
			name:  "DOWNLOAD STATUS",
			input: "DOWNLOAD STATUS 42;;",
			want:  &Command{Verb: "DOWNLOAD", SubVerb: "STATUS", Args: []string{"42"}},
		},
		{
			name:  "surrounding whitespace",
			input: "\r\n  PING  \n;;",
			want:  &Command{Verb: "PING"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewParser(strings.NewReader(tt.input)).ParseCommand()
			if err != nil {
				t.Fatalf("ParseCommand() error = %v", err)
			}
			if got.Verb != tt.want.Verb || got.SubVerb != tt.want.SubVerb {
				t.Errorf("got %s %s, want %s %s", got.Verb, got.SubVerb, tt.want.Verb, tt.want.SubVerb)
			}
			if len(got.Args) != len(tt.want.Args) || (len(got.Args) > 0 && !reflect.DeepEqual(got.Args, tt.want.Args)) {
				t.Errorf("Args = %v, want %v", got.Args, tt.want.Args)
			}
		})
	}
}

func TestParseCommand_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		check func(error) bool
	}{
		{"unknown verb", "PROXY START;;", func(err error) bool {
			var uc *ErrUnknownCommand
			return errors.As(err, &uc) && uc.Verb == "PROXY"
		}},
		{"json", `{"type":"merge"};;`, func(err error) bool { return errors.Is(err, ErrJSONInsteadOfCommand) }},
		{"empty", "  ;;", func(err error) bool { return err != nil }},
		{"marker without length", "MERGE --;;", func(err error) bool { return err != nil }},
		{"length mismatch", "MERGE -- 10\nYWJj;;", func(err error) bool { return err != nil && strings.Contains(err.Error(), "mismatch") }},
		{"missing terminator", "PING", func(err error) bool { return err != nil && strings.Contains(err.Error(), "terminator") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewParser(strings.NewReader(tt.input)).ParseCommand()
			if !tt.check(err) {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestCommandRoundTrip(t *testing.T) {
	payload := []byte(`{"type":"merge","videoUrl":"https://cdn/v.mp4?a=1;b=2","audioUrl":"","outputFileName":"alice_30"}`)
	cmd := &Command{Verb: VerbMerge, Data: payload}

	got, err := NewParser(bytes.NewReader(FormatCommand(cmd))).ParseCommand()
	if err != nil {
		t.Fatalf("ParseCommand() error = %v", err)
	}
	if got.Verb != VerbMerge {
		t.Errorf("Verb = %s", got.Verb)
	}
	if !bytes.Equal(got.Data, payload) {
		t.Errorf("Data = %s, want %s", got.Data, payload)
	}
}

func TestSequentialCommands(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(FormatCommand(&Command{Verb: VerbPing}))
	buf.Write(FormatCommand(&Command{Verb: VerbDownload, SubVerb: SubVerbStart, Data: []byte(`{"fileName":"x"}`)}))
	buf.Write(FormatCommand(&Command{Verb: VerbShutdown}))

	p := NewParser(&buf)
	for _, want := range []string{VerbPing, VerbDownload, VerbShutdown} {
		cmd, err := p.ParseCommand()
		if err != nil {
			t.Fatalf("ParseCommand() error = %v", err)
		}
		if cmd.Verb != want {
			t.Errorf("Verb = %s, want %s", cmd.Verb, want)
		}
	}
}

func TestResync(t *testing.T) {
	p := NewParser(strings.NewReader("BOGUS;;PING;;"))
	if _, err := p.ParseCommand(); err == nil {
		t.Fatal("expected error for unknown verb")
	}
	cmd, err := p.ParseCommand()
	if err != nil || cmd.Verb != VerbPing {
		t.Fatalf("after bad command got %v, %v", cmd, err)
	}
}

func TestParseResponse(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
		want Response
	}{
		{"ok", FormatOK(""), Response{Type: ResponseOK}},
		{"ok message", FormatOK("download started"), Response{Type: ResponseOK, Message: "download started"}},
		{"err", FormatErr(ErrNotFound, "no such key\nreally"), Response{Type: ResponseErr, Code: ErrNotFound, Message: "no such key really"}},
		{"pong", FormatPong(), Response{Type: ResponsePong}},
		{"json", FormatJSON([]byte(`{"success":true}`)), Response{Type: ResponseJSON, Data: []byte(`{"success":true}`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewParser(bytes.NewReader(tt.raw)).ParseResponse()
			if err != nil {
				t.Fatalf("ParseResponse() error = %v", err)
			}
			if !reflect.DeepEqual(*got, tt.want) {
				t.Errorf("got %+v, want %+v", *got, tt.want)
			}
		})
	}
}

func TestResponseErr(t *testing.T) {
	r := &Response{Type: ResponseErr, Code: ErrInvalidArgs, Message: "bad"}
	var pe *Error
	if !errors.As(r.Err(), &pe) || pe.Code != ErrInvalidArgs {
		t.Errorf("Err() = %v", r.Err())
	}
	if (&Response{Type: ResponseOK}).Err() != nil {
		t.Error("OK response produced an error")
	}
}

func TestWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.WriteJSON(map[string]bool{"whatsappMode": true}); err != nil {
		t.Fatal(err)
	}
	resp, err := NewParser(&buf).ParseResponse()
	if err != nil {
		t.Fatal(err)
	}
	if string(resp.Data) != `{"whatsappMode":true}` {
		t.Errorf("Data = %s", resp.Data)
	}
}
