package wire

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

// Encoding selects the character encoding used for strings on the wire.
type Encoding uint8

const (
	// UTF8 is the default encoding.
	UTF8 Encoding = iota
	UTF16LE
	UTF16BE
	Latin1
	ASCII
)

// String returns the canonical name of the encoding.
func (e Encoding) String() string {
	switch e {
	case UTF8:
		return "utf-8"
	case UTF16LE:
		return "utf-16le"
	case UTF16BE:
		return "utf-16be"
	case Latin1:
		return "latin1"
	case ASCII:
		return "ascii"
	default:
		return fmt.Sprintf("Encoding(%d)", uint8(e))
	}
}

// ParseEncoding parses an encoding name. Matching is case-insensitive and
// ignores dashes and underscores, so "UTF_16LE" and "utf16le" are equivalent.
func ParseEncoding(name string) (Encoding, error) {
	n := strings.ToLower(strings.NewReplacer("-", "", "_", "").Replace(strings.TrimSpace(name)))
	switch n {
	case "utf8", "":
		return UTF8, nil
	case "utf16le", "utf16", "unicode":
		return UTF16LE, nil
	case "utf16be", "bigendianunicode":
		return UTF16BE, nil
	case "latin1", "iso88591":
		return Latin1, nil
	case "ascii", "usascii":
		return ASCII, nil
	}
	return UTF8, fmt.Errorf("wire: unknown character encoding %q", name)
}

// Encodings lists every supported encoding.
func Encodings() []Encoding {
	return []Encoding{UTF8, UTF16LE, UTF16BE, Latin1, ASCII}
}

func (e Encoding) codec() encoding.Encoding {
	switch e {
	case UTF16LE:
		return unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)
	case UTF16BE:
		return unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)
	case Latin1:
		return charmap.ISO8859_1
	default:
		return nil
	}
}

// Encode converts s to its byte representation.
func (e Encoding) Encode(s string) ([]byte, error) {
	if e == ASCII {
		for i := 0; i < len(s); i++ {
			if s[i] >= utf8.RuneSelf {
				return nil, fmt.Errorf("wire: encode %s: non-ascii byte at offset %d", e, i)
			}
		}
		return []byte(s), nil
	}
	c := e.codec()
	if c == nil {
		return []byte(s), nil
	}
	b, err := c.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("wire: encode %s: %w", e, err)
	}
	return b, nil
}

// Decode converts b back to a string.
func (e Encoding) Decode(b []byte) (string, error) {
	if e == ASCII {
		for i, c := range b {
			if c >= utf8.RuneSelf {
				return "", fmt.Errorf("wire: decode %s: non-ascii byte at offset %d", e, i)
			}
		}
		return string(b), nil
	}
	c := e.codec()
	if c == nil {
		return string(b), nil
	}
	out, err := c.NewDecoder().Bytes(b)
	if err != nil {
		return "", fmt.Errorf("wire: decode %s: %w", e, err)
	}
	return string(out), nil
}

// ByteCount returns the encoded length of s.
func (e Encoding) ByteCount(s string) (int, error) {
	if e == UTF8 {
		return len(s), nil
	}
	b, err := e.Encode(s)
	return len(b), err
}
