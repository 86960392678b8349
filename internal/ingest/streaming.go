package ingest

// streaming.go wraps raw upload streams so the CSV reader never has to
// buffer the whole file:
//
//   - bomSkipper drops a leading UTF-8 BOM written by Windows tools
//   - utf8Sanitizer replaces invalid bytes with '?' on the fly
//   - CountingReader tracks bytes consumed for logging
//
// wrapInput applies them in that order.

import (
	"bufio"
	"bytes"
	"io"
	"unicode/utf8"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// bomSkipper strips a UTF-8 BOM from the start of the stream.
type bomSkipper struct {
	br      *bufio.Reader
	checked bool
}

func newBOMSkipper(r io.Reader) *bomSkipper {
	return &bomSkipper{br: bufio.NewReader(r)}
}

func (b *bomSkipper) Read(p []byte) (int, error) {
	if !b.checked {
		b.checked = true
		head, err := b.br.Peek(len(utf8BOM))
		if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
			return 0, err
		}
		if bytes.Equal(head, utf8BOM) {
			_, _ = b.br.Discard(len(utf8BOM))
		}
	}
	return b.br.Read(p)
}

// sanitizeChunk is how much raw input utf8Sanitizer reads at a time.
const sanitizeChunk = 4096

// utf8Sanitizer rewrites invalid UTF-8 as '?' so encoding/csv and the
// database never see malformed text. A multi-byte sequence split across
// two reads is carried over in pending. Sanitized bytes wait in out until
// the caller has room, so any buffer size works.
type utf8Sanitizer struct {
	r       io.Reader
	buf     []byte
	pending []byte
	out     []byte
	spare   []byte
	err     error // returned once out is drained
}

func newUTF8Sanitizer(r io.Reader) *utf8Sanitizer {
	return &utf8Sanitizer{
		r:       r,
		buf:     make([]byte, sanitizeChunk+utf8.UTFMax),
		pending: make([]byte, 0, utf8.UTFMax),
	}
}

func (s *utf8Sanitizer) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for len(s.out) == 0 {
		if s.err != nil {
			return 0, s.err
		}
		s.fill()
	}
	n := copy(p, s.out)
	s.out = s.out[n:]
	return n, nil
}

// fill reads one chunk behind any held-back partial rune and sanitizes
// the result into out.
func (s *utf8Sanitizer) fill() {
	n := copy(s.buf, s.pending)
	s.pending = s.pending[:0]

	m, err := s.r.Read(s.buf[n : n+sanitizeChunk])
	s.err = err
	s.out = s.sanitize(s.spare[:0], s.buf[:n+m], err == io.EOF)
	s.spare = s.out
}

// sanitize appends the valid form of data to dst. When more input may
// follow, a trailing partial rune is held back in pending.
func (s *utf8Sanitizer) sanitize(dst, data []byte, atEOF bool) []byte {
	if asciiOnly(data) {
		return append(dst, data...)
	}
	for i := 0; i < len(data); {
		if !atEOF && !utf8.FullRune(data[i:]) {
			s.pending = append(s.pending, data[i:]...)
			break
		}
		r, size := utf8.DecodeRune(data[i:])
		if r == utf8.RuneError && size == 1 {
			dst = append(dst, '?')
			i++
			continue
		}
		dst = append(dst, data[i:i+size]...)
		i += size
	}
	return dst
}

func asciiOnly(data []byte) bool {
	for _, b := range data {
		if b >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

// CountingReader counts the bytes read through it.
type CountingReader struct {
	r         io.Reader
	BytesRead int64
}

// NewCountingReader wraps r.
func NewCountingReader(r io.Reader) *CountingReader {
	return &CountingReader{r: r}
}

// Read implements io.Reader.
func (c *CountingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.BytesRead += int64(n)
	return n, err
}

// wrapInput strips the BOM first, then sanitizes, then counts.
func wrapInput(r io.Reader) *CountingReader {
	return NewCountingReader(newUTF8Sanitizer(newBOMSkipper(r)))
}
