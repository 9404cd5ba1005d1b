package protocol

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"relayd/internal/errors"
)

// MaxFrameSize bounds a single inbound frame.
const MaxFrameSize = 4096

// ReadFrame performs one read of at most MaxFrameSize bytes.  Messages
// larger than that, or split across TCP segments, arrive truncated and
// fail to decode.  A peer that closes without sending yields io.EOF.
func ReadFrame(r io.Reader) ([]byte, error) {
	buf := make([]byte, MaxFrameSize)
	n, err := r.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	if err == nil {
		return nil, errors.ErrEmptyFrame
	}
	return nil, err
}

// WriteMessage encodes m and writes it, newline-terminated when
// newline is set.
func WriteMessage(w io.Writer, m *Message, newline bool) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}
	if newline {
		data = append(data, '\n')
	}
	_, err = w.Write(data)
	return err
}

// FrameReader splits a stream into newline-delimited frames of at
// most MaxFrameSize bytes.  Blank lines are skipped.
type FrameReader struct {
	br *bufio.Reader
}

// NewFrameReader wraps r.
func NewFrameReader(r io.Reader) *FrameReader {
	// Room for a full frame plus its "\r\n" terminator.
	return &FrameReader{br: bufio.NewReaderSize(r, MaxFrameSize+2)}
}

// Next returns the next frame without its line terminator.  A final
// unterminated line is returned before io.EOF.
func (f *FrameReader) Next() ([]byte, error) {
	for {
		line, err := f.br.ReadSlice('\n')
		if err == bufio.ErrBufferFull {
			return nil, errTooLarge()
		}
		line = bytes.TrimRight(line, "\r\n")
		if len(line) > MaxFrameSize {
			return nil, errTooLarge()
		}
		if len(line) > 0 {
			return bytes.Clone(line), nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func errTooLarge() error {
	return errors.Decode("frame", fmt.Errorf("frame exceeds %d bytes", MaxFrameSize))
}
