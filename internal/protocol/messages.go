package protocol

import (
	"fmt"

	"github.com/luciancaetano/boltnet"
	"github.com/luciancaetano/boltnet/internal/stringcache"
	"github.com/luciancaetano/boltnet/wire"
)

// Control message tags.
const (
	TagDisconnect        = "boltnet.Disconnect"
	TagStringCacheUpdate = "boltnet.StringCacheUpdate"
	TagPartial           = "boltnet.Partial"
)

// FragmentHeaderSize is the size of the piece count and piece length that
// precede a fragment's data.
const FragmentHeaderSize = 8

// maxSnapshotEntries bounds the entry count accepted from a snapshot.
const maxSnapshotEntries = 1 << 20

// DisconnectMessage tells the peer the connection is ending and why. Its tag
// is never cached since it can be sent before the peer holds a snapshot.
type DisconnectMessage struct {
	Reason boltnet.DisconnectReason
}

func (*DisconnectMessage) Tag() string    { return TagDisconnect }
func (*DisconnectMessage) CacheTag() bool { return false }

func (m *DisconnectMessage) Serialize(w *wire.Writer) error {
	w.WriteUint8(byte(m.Reason))
	return nil
}

func (m *DisconnectMessage) Deserialize(r *wire.Reader) error {
	b, err := r.ReadByte()
	if err != nil {
		return err
	}
	m.Reason = boltnet.DisconnectReason(b)
	if !m.Reason.Valid() {
		return fmt.Errorf("unknown disconnect reason %d", b)
	}
	return nil
}

// StringCacheUpdateMessage carries a full string cache snapshot from the
// server to a client.
type StringCacheUpdateMessage struct {
	Entries []stringcache.Entry
}

func (*StringCacheUpdateMessage) Tag() string    { return TagStringCacheUpdate }
func (*StringCacheUpdateMessage) CacheTag() bool { return false }

func (m *StringCacheUpdateMessage) Serialize(w *wire.Writer) error {
	w.WriteInt32(int32(len(m.Entries)))
	for _, e := range m.Entries {
		if err := w.WriteString(e.Value); err != nil {
			return err
		}
		w.WriteUint32(e.ID)
	}
	return nil
}

func (m *StringCacheUpdateMessage) Deserialize(r *wire.Reader) error {
	n, err := r.ReadInt32()
	if err != nil {
		return err
	}
	if n < 0 || n > maxSnapshotEntries {
		return fmt.Errorf("snapshot entry count %d out of range", n)
	}

	m.Entries = make([]stringcache.Entry, 0, min(int(n), r.Remaining()))
	for i := int32(0); i < n; i++ {
		s, err := r.ReadString()
		if err != nil {
			return err
		}
		id, err := r.ReadUint32()
		if err != nil {
			return err
		}
		m.Entries = append(m.Entries, stringcache.Entry{Value: s, ID: id})
	}
	return nil
}

// PartialMessage carries one piece of a frame that was too large to send
// whole.
type PartialMessage struct {
	PieceCount int32
	Data       []byte
}

func (*PartialMessage) Tag() string    { return TagPartial }
func (*PartialMessage) CacheTag() bool { return false }

func (m *PartialMessage) Serialize(w *wire.Writer) error {
	w.WriteInt32(m.PieceCount)
	w.WriteBytes(m.Data)
	return nil
}

// Deserialize aliases Data into the frame being decoded.
func (m *PartialMessage) Deserialize(r *wire.Reader) error {
	n, err := r.ReadInt32()
	if err != nil {
		return err
	}
	data, err := r.ReadBytes()
	if err != nil {
		return err
	}
	m.PieceCount = n
	m.Data = data
	return nil
}
