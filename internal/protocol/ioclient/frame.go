package ioclient

import (
	"bufio"
	"bytes"
	"io"
)

const defaultMaxFrame = 64 * 1024

// Framer splits a byte stream into delimited frames.
type Framer struct {
	sc *bufio.Scanner
}

// NewFramer reads frames separated by delim from r. With an empty delim
// every read chunk is one frame. strip removes the delimiter from frames.
func NewFramer(r io.Reader, delim []byte, strip bool, maxLen int) *Framer {
	if maxLen <= 0 {
		maxLen = defaultMaxFrame
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, min(maxLen, 4096)), maxLen)
	sc.Split(splitOn(delim, strip))
	return &Framer{sc: sc}
}

// Next returns the next frame.
func (f *Framer) Next() ([]byte, error) {
	if f.sc.Scan() {
		frame := f.sc.Bytes()
		out := make([]byte, len(frame))
		copy(out, frame)
		return out, nil
	}
	if err := f.sc.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func splitOn(delim []byte, strip bool) bufio.SplitFunc {
	return func(data []byte, atEOF bool) (int, []byte, error) {
		if atEOF && len(data) == 0 {
			return 0, nil, nil
		}
		if len(delim) == 0 {
			return len(data), data, nil
		}
		if i := bytes.Index(data, delim); i >= 0 {
			end := i + len(delim)
			if strip {
				return end, data[:i], nil
			}
			return end, data[:end], nil
		}
		if atEOF {
			return len(data), data, nil
		}
		return 0, nil, nil
	}
}
