package source

// readers.go holds the io.Reader wrappers applied to every input file:
//
//   - bomSkipper drops a leading UTF-8 BOM written by Windows tools
//   - utf8Sanitizer replaces invalid UTF-8 bytes with '?'
//   - CountingReader tracks bytes consumed so loading progress can be logged
//
// wrap applies them in that order.

import (
	"bufio"
	"io"
	"sync/atomic"
	"unicode/utf8"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

type bomSkipper struct {
	r       *bufio.Reader
	checked bool
}

func newBOMSkipper(r io.Reader) *bomSkipper {
	return &bomSkipper{r: bufio.NewReader(r)}
}

func (b *bomSkipper) Read(p []byte) (int, error) {
	if !b.checked {
		b.checked = true
		head, err := b.r.Peek(len(utf8BOM))
		if err != nil && err != io.EOF {
			return 0, err
		}
		if len(head) == len(utf8BOM) && string(head) == string(utf8BOM) {
			if _, err := b.r.Discard(len(utf8BOM)); err != nil {
				return 0, err
			}
		}
	}
	return b.r.Read(p)
}

// utf8Sanitizer rewrites invalid bytes in place. A multi-byte sequence split
// across two reads is held back until the next read completes it.
type utf8Sanitizer struct {
	r       io.Reader
	pending []byte
}

func newUTF8Sanitizer(r io.Reader) *utf8Sanitizer {
	return &utf8Sanitizer{r: r, pending: make([]byte, 0, utf8.UTFMax)}
}

func (s *utf8Sanitizer) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	n := copy(p, s.pending)
	if n < len(s.pending) {
		s.pending = append(s.pending[:0], s.pending[n:]...)
		return n, nil
	}
	s.pending = s.pending[:0]

	m, err := s.r.Read(p[n:])
	n += m
	if n == 0 {
		return 0, err
	}
	return s.sanitize(p[:n], err == io.EOF), err
}

func (s *utf8Sanitizer) sanitize(data []byte, atEOF bool) int {
	if !atEOF {
		if tail := incompleteTail(data); tail > 0 {
			s.pending = append(s.pending, data[len(data)-tail:]...)
			data = data[:len(data)-tail]
		}
	}
	if utf8.Valid(data) {
		return len(data)
	}

	w := 0
	for r := 0; r < len(data); {
		c, size := utf8.DecodeRune(data[r:])
		if c == utf8.RuneError && size == 1 {
			data[w] = '?'
			w++
			r++
			continue
		}
		copy(data[w:], data[r:r+size])
		w += size
		r += size
	}
	return w
}

// incompleteTail returns how many trailing bytes start a multi-byte sequence
// that is not finished yet.
func incompleteTail(data []byte) int {
	for i := 1; i <= utf8.UTFMax-1 && i <= len(data); i++ {
		b := data[len(data)-i]
		if b&0xC0 == 0x80 {
			continue
		}
		if b >= 0xC0 && i < seqLen(b) {
			return i
		}
		return 0
	}
	return 0
}

func seqLen(lead byte) int {
	switch {
	case lead < 0x80:
		return 1
	case lead < 0xC0:
		return 0
	case lead < 0xE0:
		return 2
	case lead < 0xF0:
		return 3
	default:
		return 4
	}
}

// CountingReader counts the bytes read through it. BytesRead may be called
// from another goroutine.
type CountingReader struct {
	r     io.Reader
	n     atomic.Int64
	total int64
}

// NewCountingReader wraps r. total is the expected size, 0 if unknown.
func NewCountingReader(r io.Reader, total int64) *CountingReader {
	return &CountingReader{r: r, total: total}
}

func (c *CountingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}

// BytesRead returns the bytes consumed so far.
func (c *CountingReader) BytesRead() int64 {
	return c.n.Load()
}

// Percent returns progress in [0, 100], or 0 when the total is unknown.
func (c *CountingReader) Percent() float64 {
	if c.total <= 0 {
		return 0
	}
	return min(float64(c.n.Load())*100/float64(c.total), 100)
}

// wrap strips the BOM, then sanitises, then counts.
func wrap(r io.Reader, total int64) *CountingReader {
	return NewCountingReader(newUTF8Sanitizer(newBOMSkipper(r)), total)
}
