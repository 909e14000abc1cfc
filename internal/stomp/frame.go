package stomp

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/go-stomp/stomp/v3/frame"
)

// Frame is a single STOMP frame. A frame with an empty Command is a heart-beat.
type Frame = frame.Frame

// NewFrame creates a frame with the given command and header pairs
func NewFrame(command string, kv ...string) *Frame {
	return frame.New(command, kv...)
}

// IsHeartbeat returns true for a bare EOL keep-alive
func IsHeartbeat(f *Frame) bool {
	return f == nil || f.Command == ""
}

// Encode serializes f for one websocket text message. A content-length
// header is set on frames carrying a body.
func Encode(f *Frame) []byte {
	if IsHeartbeat(f) {
		return []byte{'\n'}
	}
	if f.Header == nil {
		f.Header = frame.New(f.Command).Header
	}
	if len(f.Body) > 0 {
		f.Header.Set(HeaderContentLength, strconv.Itoa(len(f.Body)))
	}

	var buf bytes.Buffer
	// writes to a bytes.Buffer do not fail
	_ = frame.NewWriter(&buf).Write(f)
	return buf.Bytes()
}

// Parse decodes exactly one frame (or heart-beat) from data
func Parse(data []byte) (*Frame, error) {
	frames, err := ParseAll(data)
	if err != nil {
		return nil, err
	}
	if len(frames) != 1 {
		return nil, fmt.Errorf("%w: expected one frame, got %d", ErrMalformedFrame, len(frames))
	}
	return frames[0], nil
}

// ParseAll decodes every frame in data. A websocket message may carry several
// frames and heart-beats back to back; each heart-beat is returned as a frame
// with an empty Command.
func ParseAll(data []byte) ([]*Frame, error) {
	// the reader reports a truncated frame as a plain EOF
	if rest := bytes.TrimRight(data, "\r\n"); len(rest) > 0 && rest[len(rest)-1] != 0 {
		return nil, fmt.Errorf("%w: missing NUL terminator", ErrMalformedFrame)
	}

	r := frame.NewReader(bytes.NewReader(data))
	var frames []*Frame
	for {
		f, err := r.Read()
		if errors.Is(err, io.EOF) {
			return frames, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		if f == nil {
			frames = append(frames, frame.New(""))
			continue
		}
		if !knownCommands[f.Command] {
			return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, f.Command)
		}
		frames = append(frames, f)
	}
}
