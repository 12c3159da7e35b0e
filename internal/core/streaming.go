package core

// streaming.go wraps source-file readers so CSV parsing never sees two
// common artifacts of exported spreadsheets:
//
//   - a UTF-8 BOM (0xEF 0xBB 0xBF) prepended by Windows tools
//   - invalid UTF-8 sequences from mixed-encoding exports
//
// Both are handled on the fly in O(buffer) memory rather than by
// loading and rewriting the whole file.

import (
	"io"
	"unicode/utf8"
)

// utf8Sanitizer replaces invalid UTF-8 bytes with '?' as data streams
// through. A single '?' keeps the transform in place without expanding
// the buffer the way the 3-byte replacement character would.
type utf8Sanitizer struct {
	reader io.Reader

	// pending holds trailing bytes that may start a multi-byte sequence
	// completed by the next read.
	pending []byte
}

func newUTF8Sanitizer(r io.Reader) *utf8Sanitizer {
	return &utf8Sanitizer{reader: r, pending: make([]byte, 0, utf8.UTFMax)}
}

func (s *utf8Sanitizer) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	offset := 0
	if len(s.pending) > 0 {
		offset = copy(p, s.pending)
		s.pending = s.pending[:0]
	}

	n, err := s.reader.Read(p[offset:])
	n += offset
	if n == 0 {
		return 0, err
	}

	if allASCII(p[:n]) {
		return n, err
	}
	return s.sanitize(p[:n], err == io.EOF), err
}

// allASCII is the fast path; most product feeds are plain ASCII.
func allASCII(data []byte) bool {
	for _, b := range data {
		if b >= 0x80 {
			return false
		}
	}
	return true
}

// sanitize cleans data in place and returns the number of bytes to
// surface. When not at EOF, an incomplete trailing sequence is held in
// pending for the next read.
func (s *utf8Sanitizer) sanitize(data []byte, atEOF bool) int {
	if utf8.Valid(data) {
		if !atEOF {
			if trailing := incompleteTrailing(data); trailing > 0 {
				s.pending = append(s.pending, data[len(data)-trailing:]...)
				return len(data) - trailing
			}
		}
		return len(data)
	}

	write := 0
	for read := 0; read < len(data); {
		r, size := utf8.DecodeRune(data[read:])

		// A lead byte whose sequence extends past the buffer may be
		// completed by the next read; hold the remainder instead of
		// replacing it.
		if !atEOF && incompleteRune(data[read:]) {
			s.pending = append(s.pending, data[read:]...)
			return write
		}

		if r == utf8.RuneError && size == 1 {
			data[write] = '?'
			write++
			read++
		} else {
			copy(data[write:], data[read:read+size])
			write += size
			read += size
		}
	}
	return write
}

// incompleteTrailing reports how many bytes at the end of data could be
// the start of a multi-byte sequence still awaiting continuation bytes.
func incompleteTrailing(data []byte) int {
	for i := 1; i <= 3 && i <= len(data); i++ {
		b := data[len(data)-i]
		if b >= 0xC0 {
			if i < utf8SeqLen(b) {
				return i
			}
			return 0
		}
		if b&0xC0 != 0x80 {
			return 0
		}
	}
	return 0
}

// utf8SeqLen returns the expected sequence length for a lead byte.
func utf8SeqLen(b byte) int {
	switch {
	case b < 0x80:
		return 1
	case b < 0xC0:
		return 0 // continuation byte
	case b < 0xE0:
		return 2
	case b < 0xF0:
		return 3
	default:
		return 4
	}
}

func incompleteRune(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	return utf8SeqLen(data[0]) > len(data)
}

// bomReader skips a UTF-8 BOM on the first read if one is present.
type bomReader struct {
	reader  io.Reader
	checked bool
	buf     [3]byte
	bufData []byte
	bufOff  int
}

func newBOMReader(r io.Reader) *bomReader {
	return &bomReader{reader: r}
}

func (r *bomReader) Read(p []byte) (int, error) {
	if !r.checked {
		r.checked = true

		n, err := io.ReadFull(r.reader, r.buf[:])
		if n == 0 {
			return 0, err
		}

		if n >= 3 && r.buf[0] == 0xEF && r.buf[1] == 0xBB && r.buf[2] == 0xBF {
			r.bufData = nil
		} else {
			r.bufData = r.buf[:n]
			r.bufOff = 0
		}

		if err == io.ErrUnexpectedEOF {
			err = io.EOF
		}
		if err != nil && err != io.EOF {
			return 0, err
		}

		if len(r.bufData) > 0 {
			copied := copy(p, r.bufData[r.bufOff:])
			r.bufOff += copied
			if r.bufOff >= len(r.bufData) {
				r.bufData = nil
			}
			if copied < len(p) && err != io.EOF {
				n, err2 := r.reader.Read(p[copied:])
				return copied + n, err2
			}
			return copied, err
		}
	}

	if len(r.bufData) > r.bufOff {
		copied := copy(p, r.bufData[r.bufOff:])
		r.bufOff += copied
		if r.bufOff >= len(r.bufData) {
			r.bufData = nil
		}
		return copied, nil
	}

	return r.reader.Read(p)
}

// wrapSourceReader applies BOM skipping, then UTF-8 sanitization.
func wrapSourceReader(r io.Reader) io.Reader {
	return newUTF8Sanitizer(newBOMReader(r))
}
