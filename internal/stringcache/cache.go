// Package stringcache interns strings, chiefly message type tags, as small
// numeric ids.
//
// The server holds the authoritative cache and is the only side allowed to
// add or remove entries. Clients hold a replica that is replaced wholesale
// whenever the server sends a new snapshot.
package stringcache

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/luciancaetano/boltnet"
)

// Realm selects which side of the connection a cache lives on.
type Realm uint8

const (
	Authority Realm = iota
	Replica
)

func (r Realm) String() string {
	if r == Authority {
		return "authority"
	}
	return "replica"
}

// Entry is one interned string.
type Entry struct {
	Value string
	ID    uint32
}

// Listener is notified after every authoritative change with the new
// snapshot's entries.
type Listener func(entries []Entry)

type snapshot struct {
	byValue map[string]uint32
	byID    map[uint32]string
	entries []Entry
}

func newSnapshot(entries []Entry) *snapshot {
	s := &snapshot{
		byValue: make(map[string]uint32, len(entries)),
		byID:    make(map[uint32]string, len(entries)),
		entries: entries,
	}
	for _, e := range entries {
		s.byValue[e.Value] = e.ID
		s.byID[e.ID] = e.Value
	}
	return s
}

// Cache is a bidirectional string/id table. Reads never block: they go
// against an immutable snapshot that writers replace atomically.
type Cache struct {
	realm     Realm
	current   atomic.Pointer[snapshot]
	listeners []Listener

	mu     sync.Mutex // serializes writers
	nextID uint32
}

// Option configures a Cache.
type Option func(*Cache)

// WithListener registers l to be called after every Add and Remove.
func WithListener(l Listener) Option {
	return func(c *Cache) {
		c.listeners = append(c.listeners, l)
	}
}

// New creates an empty cache for realm.
func New(realm Realm, opts ...Option) *Cache {
	c := &Cache{realm: realm, nextID: 1}
	for _, opt := range opts {
		opt(c)
	}
	c.current.Store(newSnapshot(nil))
	return c
}

// Realm returns the side this cache belongs to.
func (c *Cache) Realm() Realm {
	return c.realm
}

// TryGetID returns the id interned for s.
func (c *Cache) TryGetID(s string) (uint32, bool) {
	id, ok := c.current.Load().byValue[s]
	return id, ok
}

// TryGetString returns the string interned under id.
func (c *Cache) TryGetString(id uint32) (string, bool) {
	s, ok := c.current.Load().byID[id]
	return s, ok
}

// Entries returns the current snapshot ordered by id. The slice is shared
// and must not be modified.
func (c *Cache) Entries() []Entry {
	return c.current.Load().entries
}

// Len returns the number of interned strings.
func (c *Cache) Len() int {
	return len(c.current.Load().entries)
}

// Add interns s and returns its new id.
func (c *Cache) Add(s string) (uint32, error) {
	if c.realm != Authority {
		return 0, fmt.Errorf("add %q: %w", s, boltnet.ErrWrongRealm)
	}

	c.mu.Lock()
	cur := c.current.Load()
	if _, ok := cur.byValue[s]; ok {
		c.mu.Unlock()
		return 0, fmt.Errorf("add %q: %w", s, boltnet.ErrDuplicateEntry)
	}

	id := c.nextID
	c.nextID++

	entries := make([]Entry, len(cur.entries), len(cur.entries)+1)
	copy(entries, cur.entries)
	entries = append(entries, Entry{Value: s, ID: id})
	next := newSnapshot(entries)
	c.current.Store(next)
	c.mu.Unlock()

	c.notify(next.entries)
	return id, nil
}

// Remove drops s from the cache. Its id is never handed out again.
func (c *Cache) Remove(s string) error {
	if c.realm != Authority {
		return fmt.Errorf("remove %q: %w", s, boltnet.ErrWrongRealm)
	}

	c.mu.Lock()
	cur := c.current.Load()
	if _, ok := cur.byValue[s]; !ok {
		c.mu.Unlock()
		return fmt.Errorf("remove %q: %w", s, boltnet.ErrNotFound)
	}

	entries := make([]Entry, 0, len(cur.entries)-1)
	for _, e := range cur.entries {
		if e.Value != s {
			entries = append(entries, e)
		}
	}
	next := newSnapshot(entries)
	c.current.Store(next)
	c.mu.Unlock()

	c.notify(next.entries)
	return nil
}

// Swap replaces the whole table with entries received from the authority.
// Listeners are not notified.
func (c *Cache) Swap(entries []Entry) error {
	if c.realm != Replica {
		return fmt.Errorf("swap: %w", boltnet.ErrWrongRealm)
	}

	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	c.mu.Lock()
	c.current.Store(newSnapshot(sorted))
	c.mu.Unlock()
	return nil
}

// Reset empties a replica, used when it connects to a new authority.
func (c *Cache) Reset() error {
	return c.Swap(nil)
}

func (c *Cache) notify(entries []Entry) {
	for _, l := range c.listeners {
		l(entries)
	}
}
