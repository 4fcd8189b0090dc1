// Package wire provides the little-endian binary primitives that message
// payloads are serialized with.
package wire

import (
	"encoding/binary"
	"math"
)

// Writer appends little-endian encoded values to an internal buffer.
// The buffer grows as needed; the zero value is not usable, use NewWriter.
type Writer struct {
	buf []byte
	enc Encoding
}

// NewWriter creates a writer that encodes strings with enc.
func NewWriter(enc Encoding) *Writer {
	return &Writer{buf: make([]byte, 0, 256), enc: enc}
}

// NewWriterBuffer creates a writer that appends into buf[:0], reusing its
// capacity. Used with pooled buffers.
func NewWriterBuffer(buf []byte, enc Encoding) *Writer {
	return &Writer{buf: buf[:0], enc: enc}
}

// Encoding returns the character encoding used for strings.
func (w *Writer) Encoding() Encoding {
	return w.enc
}

// Reset empties the writer, keeping its capacity.
func (w *Writer) Reset() {
	w.buf = w.buf[:0]
}

// Bytes returns the encoded bytes. The slice is valid until the next write
// or Reset.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Len returns the number of bytes written so far.
func (w *Writer) Len() int {
	return len(w.buf)
}

// WriteUint8 appends a single byte.
func (w *Writer) WriteUint8(b byte) {
	w.buf = append(w.buf, b)
}

// WriteBool appends 0x01 or 0x00.
func (w *Writer) WriteBool(v bool) {
	if v {
		w.buf = append(w.buf, 1)
		return
	}
	w.buf = append(w.buf, 0)
}

func (w *Writer) WriteUint16(v uint16) {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
}

func (w *Writer) WriteUint32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

func (w *Writer) WriteUint64(v uint64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

func (w *Writer) WriteInt32(v int32) {
	w.WriteUint32(uint32(v))
}

func (w *Writer) WriteInt64(v int64) {
	w.WriteUint64(uint64(v))
}

func (w *Writer) WriteFloat32(v float32) {
	w.WriteUint32(math.Float32bits(v))
}

func (w *Writer) WriteFloat64(v float64) {
	w.WriteUint64(math.Float64bits(v))
}

// WriteUvarint appends an unsigned LEB128 varint.
func (w *Writer) WriteUvarint(v uint64) {
	w.buf = binary.AppendUvarint(w.buf, v)
}

// WriteRaw appends b without a length prefix.
func (w *Writer) WriteRaw(b []byte) {
	w.buf = append(w.buf, b...)
}

// WriteBytes appends b prefixed with its length as an int32.
func (w *Writer) WriteBytes(b []byte) {
	w.WriteInt32(int32(len(b)))
	w.buf = append(w.buf, b...)
}

// WriteString appends s in the writer's encoding, prefixed with the encoded
// byte length as a uvarint.
func (w *Writer) WriteString(s string) error {
	b, err := w.enc.Encode(s)
	if err != nil {
		return err
	}
	w.WriteUvarint(uint64(len(b)))
	w.buf = append(w.buf, b...)
	return nil
}

// StringSize returns the number of bytes WriteString would append for s
// under enc.
func StringSize(s string, enc Encoding) (int, error) {
	n, err := enc.ByteCount(s)
	if err != nil {
		return 0, err
	}
	return UvarintSize(uint64(n)) + n, nil
}

// UvarintSize returns the encoded size of v.
func UvarintSize(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}
