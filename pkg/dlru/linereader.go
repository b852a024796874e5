package dlru

import (
	"errors"
	"io"
)

const defaultLineReaderCapacity = 8 * 1024

// LineReader is a buffered line reader over a byte stream, tuned for
// parsing the journal's textual body.
//
// Lines are terminated by LF or CRLF; ReadLine strips the terminator and
// any trailing CR. End of stream is signaled distinctly from a general I/O
// failure via [ErrEOF], and only fires at a buffer-refill point — an
// unterminated trailing line (no final LF) is discarded, not returned, and
// [LineReader.TruncatedTrailer] reports that it happened.
//
// LineReader assumes CR (0x0D) and LF (0x0A) only ever appear as
// themselves, i.e. an ASCII-family encoding. It is not safe for arbitrary
// binary data or multi-byte charsets where 0x0D/0x0A can appear as part of
// a longer sequence.
type LineReader struct {
	r   io.Reader
	buf []byte
	pos int // next unread byte in buf
	end int // end of valid data in buf

	spill     []byte // assembled when a line spans more than one refill
	truncated bool
	eof       bool // underlying reader has signaled io.EOF at least once
}

// NewLineReader returns a [LineReader] with the default 8 KiB buffer.
func NewLineReader(r io.Reader) *LineReader {
	lr, err := NewLineReaderSize(r, defaultLineReaderCapacity)
	if err != nil {
		// defaultLineReaderCapacity is a package constant known to be valid.
		panic(err)
	}

	return lr
}

// NewLineReaderSize returns a [LineReader] with a buffer of the given
// capacity. Capacity must be at least 1.
func NewLineReaderSize(r io.Reader, capacity int) (*LineReader, error) {
	if capacity < 1 {
		return nil, newArgumentError("line reader capacity must be >= 1, got %d", capacity)
	}

	return &LineReader{
		r:   r,
		buf: make([]byte, capacity),
	}, nil
}

// ReadLine returns the next line, without its terminator. Returns
// [ErrEOF] once the stream is exhausted at a refill boundary.
// Any other error is a genuine I/O failure from the underlying reader.
func (lr *LineReader) ReadLine() (string, error) {
	for {
		if nl := indexByte(lr.buf[lr.pos:lr.end], '\n'); nl >= 0 {
			var line []byte
			if len(lr.spill) > 0 {
				line = append(lr.spill, lr.buf[lr.pos:lr.pos+nl]...)
				lr.spill = nil
			} else {
				line = lr.buf[lr.pos : lr.pos+nl]
			}

			lr.pos += nl + 1

			return lr.finishLine(line), nil
		}

		if lr.eof {
			if len(lr.spill) > 0 {
				lr.truncated = true
				lr.spill = nil
			}

			return "", ErrEOF
		}

		// No newline in the buffered remainder: stash it and refill.
		lr.spill = append(lr.spill, lr.buf[lr.pos:lr.end]...)

		n, err := lr.r.Read(lr.buf)
		lr.pos, lr.end = 0, n

		if err != nil {
			if errors.Is(err, io.EOF) {
				// A reader may return (n>0, io.EOF) together; loop back to
				// drain the freshly read bytes before reporting end-of-stream.
				lr.eof = true

				continue
			}

			return "", err
		}
	}
}

// finishLine strips a trailing CR (for CRLF terminators) and returns the
// line as a string. ReadLine resets the spill buffer before calling it.
func (lr *LineReader) finishLine(line []byte) string {
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}

	return string(line)
}

// TruncatedTrailer reports whether the stream ended with an unterminated
// trailing line that was discarded.
func (lr *LineReader) TruncatedTrailer() bool {
	return lr.truncated
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}

	return -1
}
