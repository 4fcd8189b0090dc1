package protocol

import (
	"fmt"
	"strconv"

	gocache "github.com/patrickmn/go-cache"

	"github.com/luciancaetano/boltnet"
	"github.com/luciancaetano/boltnet/wire"
)

const (
	flagLiteral byte = 0
	flagCached  byte = 1
)

// TagCache resolves message tags to string cache ids and back.
type TagCache interface {
	TryGetID(s string) (uint32, bool)
	TryGetString(id uint32) (string, bool)
}

// Codec encodes messages to frames and decodes frames to messages.
type Codec struct {
	registry *Registry
	cache    TagCache
	enc      wire.Encoding

	// header sizes keyed by tag and flags, flushed on cache changes
	headers *gocache.Cache
}

// NewCodec returns a codec resolving tags through registry. A nil cache
// disables string caching: every tag is written literally and cached frames
// are rejected.
func NewCodec(registry *Registry, cache TagCache, enc wire.Encoding) *Codec {
	return &Codec{
		registry: registry,
		cache:    cache,
		enc:      enc,
		headers:  gocache.New(gocache.NoExpiration, 0),
	}
}

// Encoding returns the character encoding used for strings.
func (c *Codec) Encoding() wire.Encoding {
	return c.enc
}

// Registry returns the registry used to construct decoded messages.
func (c *Codec) Registry() *Registry {
	return c.registry
}

// CachingEnabled reports whether tags may be written as cache ids.
func (c *Codec) CachingEnabled() bool {
	return c.cache != nil
}

// Encode returns the frame for m.
func (c *Codec) Encode(m boltnet.Message) ([]byte, error) {
	w := wire.NewWriter(c.enc)
	if err := c.EncodeTo(w, m); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// EncodeTo appends the frame for m to w.
func (c *Codec) EncodeTo(w *wire.Writer, m boltnet.Message) error {
	tag := m.Tag()

	if m.CacheTag() && c.cache != nil {
		id, ok := c.cache.TryGetID(tag)
		if !ok {
			return fmt.Errorf("encode %q: %w", tag, boltnet.ErrCacheMiss)
		}
		w.WriteUint8(flagCached)
		w.WriteUint32(id)
	} else {
		w.WriteUint8(flagLiteral)
		if err := w.WriteString(tag); err != nil {
			return fmt.Errorf("encode %q: tag: %w", tag, err)
		}
	}

	if err := m.Serialize(w); err != nil {
		return fmt.Errorf("encode %q: %w", tag, err)
	}
	return nil
}

// Decode reconstructs the message held in frame. Payload fields that are
// byte slices may alias frame.
func (c *Codec) Decode(frame []byte) (boltnet.Message, error) {
	r := wire.NewReader(frame, c.enc)

	tag, err := c.readTag(r)
	if err != nil {
		return nil, err
	}

	m, ok := c.registry.New(tag)
	if !ok {
		return nil, fmt.Errorf("decode %q: %w", tag, boltnet.ErrUnknownType)
	}

	if err := m.Deserialize(r); err != nil {
		return nil, fmt.Errorf("decode %q: %w: %w", tag, boltnet.ErrMalformedFrame, err)
	}
	return m, nil
}

func (c *Codec) readTag(r *wire.Reader) (string, error) {
	flag, err := r.ReadByte()
	if err != nil {
		return "", fmt.Errorf("decode: %w: empty frame", boltnet.ErrMalformedFrame)
	}

	switch flag {
	case flagLiteral:
		tag, err := r.ReadString()
		if err != nil {
			return "", fmt.Errorf("decode: %w: tag: %w", boltnet.ErrMalformedFrame, err)
		}
		return tag, nil

	case flagCached:
		id, err := r.ReadUint32()
		if err != nil {
			return "", fmt.Errorf("decode: %w: cache id: %w", boltnet.ErrMalformedFrame, err)
		}
		if c.cache == nil {
			return "", fmt.Errorf("decode: cache id %d with caching disabled: %w", id, boltnet.ErrCacheMiss)
		}
		tag, ok := c.cache.TryGetString(id)
		if !ok {
			return "", fmt.Errorf("decode: cache id %d: %w", id, boltnet.ErrCacheMiss)
		}
		return tag, nil

	default:
		return "", fmt.Errorf("decode: %w: cache flag %d", boltnet.ErrMalformedFrame, flag)
	}
}

// HeaderSize returns the number of bytes that precede a message payload for
// tag. With fragment set it includes the piece count and piece length that
// precede fragment data.
func (c *Codec) HeaderSize(tag string, cacheTag, fragment bool) (int, error) {
	key := tag + "\x00" + strconv.FormatBool(cacheTag) + strconv.FormatBool(fragment)
	if v, ok := c.headers.Get(key); ok {
		return v.(int), nil
	}

	size := 1
	if cacheTag && c.cache != nil {
		size += 4
	} else {
		n, err := wire.StringSize(tag, c.enc)
		if err != nil {
			return 0, fmt.Errorf("header size %q: %w", tag, err)
		}
		size += n
	}
	if fragment {
		size += FragmentHeaderSize
	}

	c.headers.Set(key, size, gocache.NoExpiration)
	return size, nil
}

// PartialHeaderSize returns the size of everything in a PartialMessage
// frame except the piece data.
func (c *Codec) PartialHeaderSize() (int, error) {
	return c.HeaderSize(TagPartial, false, true)
}
