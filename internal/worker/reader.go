package worker

import (
	"bufio"
	"errors"
	"io"
)

var errLineTooLong = errors.New("request line exceeds limit")

// lineReader yields newline-terminated records. Lines over max bytes are
// consumed and reported as errLineTooLong without being buffered whole.
type lineReader struct {
	br  *bufio.Reader
	max int
	buf []byte
}

func newLineReader(r io.Reader, max int) *lineReader {
	return &lineReader{br: bufio.NewReaderSize(r, 64*1024), max: max}
}

// Next returns the next line without its terminator. A final line without a
// newline is returned before io.EOF.
func (r *lineReader) Next() ([]byte, error) {
	r.buf = r.buf[:0]
	tooLong := false
	sawData := false
	for {
		chunk, err := r.br.ReadSlice('\n')
		if len(chunk) > 0 {
			sawData = true
		}
		if !tooLong {
			if r.max > 0 && len(r.buf)+len(chunk) > r.max+len(trailingNewline(chunk)) {
				tooLong = true
				r.buf = r.buf[:0]
			} else {
				r.buf = append(r.buf, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) && sawData {
				break
			}
			return nil, err
		}
		break
	}
	if tooLong {
		return nil, errLineTooLong
	}
	return trimNewline(r.buf), nil
}

func trailingNewline(b []byte) []byte {
	if n := len(b); n > 0 && b[n-1] == '\n' {
		if n > 1 && b[n-2] == '\r' {
			return b[n-2:]
		}
		return b[n-1:]
	}
	return nil
}

func trimNewline(b []byte) []byte {
	return b[:len(b)-len(trailingNewline(b))]
}
