// Package binario provides a single big-endian read/write helper pair for
// the fixed-width integer fields that appear throughout the RA wire
// protocol, so that byte-order conversions never get scattered across the
// codec (see SPEC_FULL.md §1, "network-byte-order discipline").
package binario

import "encoding/binary"

// Writer appends big-endian fields to an in-memory buffer.
type Writer struct {
	buf []byte
}

// NewWriter returns a Writer that appends to buf.
func NewWriter(buf []byte) *Writer {
	return &Writer{buf: buf}
}

func (w *Writer) Uint32(v uint32) *Writer {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
	return w
}

func (w *Writer) Uint16(v uint16) *Writer {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
	return w
}

// FixedString appends s, zero-padded or truncated to exactly n bytes.
func (w *Writer) FixedString(s string, n int) *Writer {
	field := make([]byte, n)
	copy(field, s)
	w.buf = append(w.buf, field...)
	return w
}

// Bytes returns the accumulated buffer.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Reader consumes big-endian fields from a fixed buffer, tracking how many
// bytes have been read so callers can bounds-check before extracting a
// field.
type Reader struct {
	buf []byte
	pos int
}

func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Len reports how many bytes remain unread.
func (r *Reader) Len() int {
	return len(r.buf) - r.pos
}

func (r *Reader) Uint32() uint32 {
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v
}

func (r *Reader) Int32() int32 {
	return int32(r.Uint32())
}

func (r *Reader) Uint16() uint16 {
	v := binary.BigEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v
}

// FixedString reads exactly n bytes and trims the trailing NUL padding.
// A missing terminator within the field is permitted (RA wire convention).
func (r *Reader) FixedString(n int) string {
	field := r.buf[r.pos : r.pos+n]
	r.pos += n

	end := len(field)
	for i, b := range field {
		if b == 0 {
			end = i
			break
		}
	}

	return string(field[:end])
}
