// Package protocol implements the boltnet frame format.
//
// Every frame starts with a one byte cache flag. When the flag is set the
// message tag follows as a little-endian uint32 string cache id, otherwise it
// follows as a length-prefixed string in the configured character encoding.
// The message payload comes last.
//
// Messages are reconstructed through a Registry that maps tags to factories.
package protocol

import (
	"fmt"
	"sort"
	"sync"

	"github.com/luciancaetano/boltnet"
)

// Registry maps message tags to the factories that construct them.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]entry
}

type entry struct {
	factory  boltnet.Factory
	cacheTag bool
}

// NewRegistry returns a registry holding the control messages.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]entry)}
	r.MustRegister(TagDisconnect, func() boltnet.Message { return &DisconnectMessage{} })
	r.MustRegister(TagStringCacheUpdate, func() boltnet.Message { return &StringCacheUpdateMessage{} })
	r.MustRegister(TagPartial, func() boltnet.Message { return &PartialMessage{} })
	return r
}

// Register adds factory under tag. The factory is called once to learn
// whether the message caches its tag.
func (r *Registry) Register(tag string, factory boltnet.Factory) error {
	if factory == nil {
		return fmt.Errorf("register %q: nil factory", tag)
	}
	sample := factory()
	if sample == nil {
		return fmt.Errorf("register %q: factory returned nil", tag)
	}
	if sample.Tag() != tag {
		return fmt.Errorf("register %q: factory builds %q", tag, sample.Tag())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.factories[tag]; ok {
		return fmt.Errorf("register %q: %w", tag, boltnet.ErrDuplicateType)
	}
	r.factories[tag] = entry{factory: factory, cacheTag: sample.CacheTag()}
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(tag string, factory boltnet.Factory) {
	if err := r.Register(tag, factory); err != nil {
		panic(err)
	}
}

// New constructs an empty message for tag.
func (r *Registry) New(tag string) (boltnet.Message, bool) {
	r.mu.RLock()
	e, ok := r.factories[tag]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}

	m := e.factory()
	return m, m != nil
}

// Tags returns every registered tag in sorted order.
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tags := make([]string, 0, len(r.factories))
	for tag := range r.factories {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// CachedTags returns the registered tags whose messages cache their tag.
func (r *Registry) CachedTags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var tags []string
	for tag, e := range r.factories {
		if e.cacheTag {
			tags = append(tags, tag)
		}
	}
	sort.Strings(tags)
	return tags
}
