package executor

import "bytes"

// LineSplitter reassembles newline-delimited records from arbitrarily chunked
// reads. Complete lines are handed to the callback as they appear; a trailing
// fragment is held back until its newline arrives or Flush is called.
//
// It implements io.Writer so a subprocess stdout can be piped straight in.
type LineSplitter struct {
	handle func(line string)
	buf    bytes.Buffer
}

// NewLineSplitter creates a splitter delivering complete lines to handle.
func NewLineSplitter(handle func(line string)) *LineSplitter {
	return &LineSplitter{handle: handle}
}

// Write appends a chunk and emits every complete line it closes.
func (s *LineSplitter) Write(p []byte) (int, error) {
	s.buf.Write(p)
	for {
		data := s.buf.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			return len(p), nil
		}
		line := string(bytes.TrimRight(data[:i], "\r"))
		s.buf.Next(i + 1)
		if line != "" {
			s.handle(line)
		}
	}
}

// Flush emits any held-back trailing fragment. Called at stream end so a
// final record without a newline is not lost.
func (s *LineSplitter) Flush() {
	if s.buf.Len() == 0 {
		return
	}
	line := string(bytes.TrimRight(s.buf.Bytes(), "\r\n"))
	s.buf.Reset()
	if line != "" {
		s.handle(line)
	}
}
