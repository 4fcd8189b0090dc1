package wire

import (
	"encoding/binary"
	"errors"
	"io"
	"math"
)

// MaxStringLength caps a single decoded string. A length prefix above it is
// rejected before anything is allocated.
const MaxStringLength = 1 << 20

var (
	ErrVarintOverflow = errors.New("wire: varint overflow")
	ErrStringTooLarge = errors.New("wire: string length exceeds limit")
	ErrNegativeLength = errors.New("wire: negative length prefix")
)

// Reader decodes little-endian values from a byte slice.
type Reader struct {
	buf []byte
	pos int
	enc Encoding
}

// NewReader creates a reader over buf that decodes strings with enc.
func NewReader(buf []byte, enc Encoding) *Reader {
	return &Reader{buf: buf, enc: enc}
}

// Encoding returns the character encoding used for strings.
func (r *Reader) Encoding() Encoding {
	return r.enc
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.buf) - r.pos
}

// Position returns the current read offset.
func (r *Reader) Position() int {
	return r.pos
}

func (r *Reader) take(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.buf) {
		return nil, io.ErrUnexpectedEOF
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *Reader) ReadByte() (byte, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadBool reads one byte; any non-zero value is true.
func (r *Reader) ReadBool() (bool, error) {
	b, err := r.ReadByte()
	return b != 0, err
}

func (r *Reader) ReadUint16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *Reader) ReadUint32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *Reader) ReadUint64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *Reader) ReadInt32() (int32, error) {
	v, err := r.ReadUint32()
	return int32(v), err
}

func (r *Reader) ReadInt64() (int64, error) {
	v, err := r.ReadUint64()
	return int64(v), err
}

func (r *Reader) ReadFloat32() (float32, error) {
	v, err := r.ReadUint32()
	return math.Float32frombits(v), err
}

func (r *Reader) ReadFloat64() (float64, error) {
	v, err := r.ReadUint64()
	return math.Float64frombits(v), err
}

// ReadUvarint reads an unsigned LEB128 varint.
func (r *Reader) ReadUvarint() (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.pos:])
	switch {
	case n == 0:
		return 0, io.ErrUnexpectedEOF
	case n < 0:
		return 0, ErrVarintOverflow
	}
	r.pos += n
	return v, nil
}

// ReadRaw returns the next n bytes. The slice aliases the reader's buffer.
func (r *Reader) ReadRaw(n int) ([]byte, error) {
	return r.take(n)
}

// ReadBytes reads an int32 length prefix followed by that many bytes. The
// result aliases the reader's buffer.
func (r *Reader) ReadBytes() ([]byte, error) {
	n, err := r.ReadInt32()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, ErrNegativeLength
	}
	return r.take(int(n))
}

// ReadString reads a uvarint-prefixed string in the reader's encoding.
func (r *Reader) ReadString() (string, error) {
	n, err := r.ReadUvarint()
	if err != nil {
		return "", err
	}
	if n > MaxStringLength {
		return "", ErrStringTooLarge
	}
	if n > uint64(r.Remaining()) {
		return "", io.ErrUnexpectedEOF
	}
	b, _ := r.take(int(n))
	return r.enc.Decode(b)
}
