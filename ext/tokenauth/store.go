package tokenauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/luciancaetano/boltnet"
)

// ErrUnknownToken is returned by a TokenStore for a token it does not hold
// or that has expired.
var ErrUnknownToken = errors.New("tokenauth: unknown or expired token")

// TokenStore resolves an access token to the identity it was issued for.
type TokenStore interface {
	Lookup(ctx context.Context, token string) (boltnet.ClientIdentifier, error)
}

// MemoryStore keeps tokens in process memory. Tokens expire after the TTL
// they were issued with.
type MemoryStore struct {
	tokens *cache.Cache
}

// NewMemoryStore creates a store that removes expired tokens every
// cleanupInterval.
func NewMemoryStore(cleanupInterval time.Duration) *MemoryStore {
	return &MemoryStore{tokens: cache.New(cache.NoExpiration, cleanupInterval)}
}

// Issue records token for id. A ttl <= 0 never expires.
func (s *MemoryStore) Issue(token string, id boltnet.ClientIdentifier, ttl time.Duration) {
	if ttl <= 0 {
		ttl = cache.NoExpiration
	}
	s.tokens.Set(token, id, ttl)
}

// Revoke forgets token.
func (s *MemoryStore) Revoke(token string) {
	s.tokens.Delete(token)
}

// Len returns the number of tokens held, including expired ones not yet
// cleaned up.
func (s *MemoryStore) Len() int {
	return s.tokens.ItemCount()
}

func (s *MemoryStore) Lookup(ctx context.Context, token string) (boltnet.ClientIdentifier, error) {
	if err := ctx.Err(); err != nil {
		return boltnet.ClientIdentifier{}, err
	}
	v, ok := s.tokens.Get(token)
	if !ok {
		return boltnet.ClientIdentifier{}, ErrUnknownToken
	}
	return v.(boltnet.ClientIdentifier), nil
}

// DefaultRedisPrefix is the key prefix used when none is given.
const DefaultRedisPrefix = "boltnet:token:"

// RedisStore keeps tokens in Redis, so any number of servers can share them.
// Each token is a key holding the identifier's text form.
//
// Example:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	store := tokenauth.NewRedisStore(client, "")
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a store on client. An empty prefix uses
// DefaultRedisPrefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(token string) string {
	return s.prefix + token
}

// Issue records token for id. A ttl <= 0 never expires.
func (s *RedisStore) Issue(ctx context.Context, token string, id boltnet.ClientIdentifier, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.key(token), id.String(), ttl).Err(); err != nil {
		return fmt.Errorf("tokenauth: issue token: %w", err)
	}
	return nil
}

// Revoke deletes token.
func (s *RedisStore) Revoke(ctx context.Context, token string) error {
	if err := s.client.Del(ctx, s.key(token)).Err(); err != nil {
		return fmt.Errorf("tokenauth: revoke token: %w", err)
	}
	return nil
}

func (s *RedisStore) Lookup(ctx context.Context, token string) (boltnet.ClientIdentifier, error) {
	val, err := s.client.Get(ctx, s.key(token)).Result()
	if errors.Is(err, redis.Nil) {
		return boltnet.ClientIdentifier{}, ErrUnknownToken
	}
	if err != nil {
		return boltnet.ClientIdentifier{}, fmt.Errorf("tokenauth: redis get: %w", err)
	}

	id, err := boltnet.ParseClientIdentifier(val)
	if err != nil {
		return boltnet.ClientIdentifier{}, fmt.Errorf("tokenauth: stored identifier: %w", err)
	}
	return id, nil
}

// CachedStore remembers successful lookups of another store for a while.
// Concurrent lookups of the same token share one call to the backing store.
type CachedStore struct {
	store TokenStore
	ttl   time.Duration
	hits  *cache.Cache
	group singleflight.Group
}

// NewCachedStore wraps store, caching resolved tokens for ttl.
func NewCachedStore(store TokenStore, ttl time.Duration) *CachedStore {
	return &CachedStore{
		store: store,
		ttl:   ttl,
		hits:  cache.New(ttl, 2*ttl),
	}
}

func (s *CachedStore) Lookup(ctx context.Context, token string) (boltnet.ClientIdentifier, error) {
	if v, ok := s.hits.Get(token); ok {
		return v.(boltnet.ClientIdentifier), nil
	}

	v, err, _ := s.group.Do(token, func() (any, error) {
		if v, ok := s.hits.Get(token); ok {
			return v, nil
		}
		id, err := s.store.Lookup(ctx, token)
		if err != nil {
			return nil, err
		}
		s.hits.Set(token, id, s.ttl)
		return id, nil
	})
	if err != nil {
		return boltnet.ClientIdentifier{}, err
	}
	return v.(boltnet.ClientIdentifier), nil
}

// Forget drops token from the cache, so the next lookup reaches the
// backing store.
func (s *CachedStore) Forget(token string) {
	s.hits.Delete(token)
}

var (
	_ TokenStore = (*MemoryStore)(nil)
	_ TokenStore = (*RedisStore)(nil)
	_ TokenStore = (*CachedStore)(nil)
)
