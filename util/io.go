package util

import (
	"errors"
	"io"
	"net"
	"os"
	"syscall"
)

// DefaultBufSize is the standard buffer size for stream I/O (32 KiB).
const DefaultBufSize = 32 * 1024

// Pump copies src into dst through a pooled buffer until src reports
// EOF or either side fails.  onChunk, when non-nil, sees the size of
// every chunk written.  Expected close errors are reported as nil.
func Pump(dst io.Writer, src io.Reader, onChunk func(n int)) (int64, error) {
	buf := GetBuf()
	defer PutBuf(buf)

	var total int64
	for {
		n, rerr := src.Read(*buf)
		if n > 0 {
			w, werr := dst.Write((*buf)[:n])
			total += int64(w)
			if onChunk != nil {
				onChunk(w)
			}
			if werr != nil {
				if IsExpectedClose(werr) {
					return total, nil
				}
				return total, werr
			}
		}
		if rerr != nil {
			if IsExpectedClose(rerr) {
				return total, nil
			}
			return total, rerr
		}
	}
}

// IsExpectedClose reports whether err is the normal result of a peer
// or local side going away: EOF, a closed connection, file or pipe, a
// broken pipe or a connection reset.
func IsExpectedClose(err error) bool {
	if err == nil {
		return true
	}
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, os.ErrClosed),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ECONNRESET):
		return true
	}
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		// Reading a pipe whose child was reaped yields "file already closed".
		return errors.Is(pathErr.Err, os.ErrClosed)
	}
	return false
}
