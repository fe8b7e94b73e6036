package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
)

const (
	readChunkSize = 512
	maxLineLength = 64 * 1024
)

// Kind classifies a decoded frame
type Kind int

const (
	KindText Kind = iota
	KindOTAStatus
	KindConfigStatus
	KindAnswer
	KindUnknown
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindOTAStatus:
		return "ota_status"
	case KindConfigStatus:
		return "config_status"
	case KindAnswer:
		return "answer"
	default:
		return "unknown"
	}
}

// Frame is one non-empty line read from a device port. Payload is set when
// the line starts with '{' and decodes as a JSON object.
type Frame struct {
	Line    string
	Payload map[string]interface{}
}

// IsJSON reports whether the line decoded as a JSON object
func (f Frame) IsJSON() bool {
	return f.Payload != nil
}

// Kind classifies the frame by the keys it carries. OTA wins over CONFIG,
// which wins over answer fields.
func (f Frame) Kind() Kind {
	if f.Payload == nil {
		return KindText
	}
	if _, ok := f.Payload["OTA"]; ok {
		return KindOTAStatus
	}
	if _, ok := f.Payload["CONFIG"]; ok {
		return KindConfigStatus
	}
	_, hasAns := f.Payload["Ans"]
	_, hasID := f.Payload["Id"]
	if hasAns || hasID {
		return KindAnswer
	}
	return KindUnknown
}

// Framer splits a device byte stream into newline-delimited frames. It
// drops invalid UTF-8 and discards runaway lines longer than maxLineLength.
type Framer struct {
	r     io.Reader
	buf   []byte
	chunk []byte
}

// NewFramer creates a framer over r
func NewFramer(r io.Reader) *Framer {
	return &Framer{
		r:     r,
		chunk: make([]byte, readChunkSize),
	}
}

// Next blocks until a non-empty line is available. Reads that return no
// data (serial read timeout) are retried until ctx is done.
func (f *Framer) Next(ctx context.Context) (Frame, error) {
	for {
		if line, ok := f.nextLine(); ok {
			return ParseLine(line), nil
		}

		if err := ctx.Err(); err != nil {
			return Frame{}, err
		}

		n, err := f.r.Read(f.chunk)
		if n > 0 {
			f.buf = append(f.buf, f.chunk[:n]...)
			if len(f.buf) > maxLineLength && bytes.IndexByte(f.buf, '\n') < 0 {
				f.buf = f.buf[:0]
			}
		}
		if err != nil {
			return Frame{}, err
		}
	}
}

// nextLine pops the next non-empty line from the buffer
func (f *Framer) nextLine() (string, bool) {
	for {
		idx := bytes.IndexByte(f.buf, '\n')
		if idx < 0 {
			return "", false
		}

		raw := f.buf[:idx]
		f.buf = f.buf[idx+1:]

		line := strings.TrimSpace(strings.ToValidUTF8(string(raw), ""))
		if line != "" {
			return line, true
		}
	}
}

// ParseLine builds a frame from one trimmed line
func ParseLine(line string) Frame {
	frame := Frame{Line: line}
	if !strings.HasPrefix(line, "{") {
		return frame
	}

	payload, err := DecodeObject(line)
	if err == nil {
		frame.Payload = payload
	}
	return frame
}

// ErrTrailingData is returned when a JSON object is followed by more input
var ErrTrailingData = errors.New("trailing data after JSON object")

// DecodeObject decodes a single JSON object, keeping numbers as json.Number
// so ids are forwarded exactly as the device sent them.
func DecodeObject(s string) (map[string]interface{}, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()

	var payload map[string]interface{}
	if err := dec.Decode(&payload); err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, errors.New("not a JSON object")
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, ErrTrailingData
	}
	return payload, nil
}
