package sse

import (
	"bytes"
	"io"
	"strings"
)

// Frame is one server-sent event. Stream and UserID route the frame and are
// not written to the wire.
type Frame struct {
	ID      string
	Event   string
	Data    []byte
	Comment string

	Stream string
	UserID string
}

// KeepAlive is the payload-less comment frame.
var KeepAlive = Frame{Comment: "keep-alive"}

// IsComment reports a frame with nothing but a comment.
func (f Frame) IsComment() bool {
	return f.Comment != "" && f.ID == "" && f.Event == "" && f.Data == nil
}

// Encode renders the wire format: optional comment, id and event lines, one
// data line per payload line, then a blank line.
func (f Frame) Encode() []byte {
	var b bytes.Buffer
	if f.Comment != "" {
		for _, line := range splitLines(f.Comment) {
			b.WriteString(": ")
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	if f.ID != "" {
		b.WriteString("id: ")
		b.WriteString(oneLine(f.ID))
		b.WriteByte('\n')
	}
	if f.Event != "" {
		b.WriteString("event: ")
		b.WriteString(oneLine(f.Event))
		b.WriteByte('\n')
	}
	if !f.IsComment() {
		for _, line := range splitLines(string(f.Data)) {
			b.WriteString("data: ")
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	b.WriteByte('\n')
	return b.Bytes()
}

func (f Frame) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(f.Encode())
	return int64(n), err
}

func splitLines(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return strings.Split(s, "\n")
}

func oneLine(s string) string {
	return strings.NewReplacer("\r", "", "\n", "").Replace(s)
}
