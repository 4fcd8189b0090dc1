// Package ratelimit provides a server extension that limits how many
// messages each session may send, using a token bucket per session.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/luciancaetano/boltnet"
	"github.com/luciancaetano/boltnet/logging"
)

// Name is the extension name.
const Name = "rate-limit"

// RateLimitConfig defines rate limiting for received messages.
type RateLimitConfig struct {
	// MessagesPerSecond defines how many messages a session can send per second
	MessagesPerSecond rate.Limit
	// Burst defines the maximum burst size (token bucket capacity)
	Burst int
	// Enabled determines if rate limiting is active
	Enabled bool
	// DisconnectAfter disconnects a session after this many consecutive
	// dropped messages. Zero only drops.
	DisconnectAfter int
	// DisconnectTimeout bounds the graceful disconnect of an offender.
	DisconnectTimeout time.Duration
}

// DefaultRateLimitConfig returns the default rate limit configuration.
// Allows 100 messages per second with burst of 200.
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		MessagesPerSecond: 100,
		Burst:             200,
		Enabled:           true,
		DisconnectTimeout: 5 * time.Second,
	}
}

// NoRateLimit returns a configuration with rate limiting disabled.
func NoRateLimit() *RateLimitConfig {
	return &RateLimitConfig{
		Enabled: false,
	}
}

type bucket struct {
	limiter *rate.Limiter
	// dropped counts consecutive dropped messages
	dropped int
}

// Extension drops messages from sessions over their rate. Dropped messages
// are claimed so they never reach the handler.
type Extension struct {
	cfg *RateLimitConfig
	log logging.Logger

	mu      sync.Mutex
	buckets map[string]*bucket
}

// New creates the extension. A nil cfg uses DefaultRateLimitConfig.
func New(cfg *RateLimitConfig, log logging.Logger) *Extension {
	if cfg == nil {
		cfg = DefaultRateLimitConfig()
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Extension{
		cfg:     cfg,
		log:     log,
		buckets: make(map[string]*bucket),
	}
}

func (*Extension) Name() string { return Name }

func (e *Extension) OnSessionConnected(s boltnet.Session) error {
	if !e.cfg.Enabled {
		return nil
	}
	e.mu.Lock()
	e.buckets[s.ID()] = &bucket{limiter: rate.NewLimiter(e.cfg.MessagesPerSecond, e.cfg.Burst)}
	e.mu.Unlock()
	return nil
}

func (e *Extension) OnSessionDisconnected(s boltnet.Session) error {
	e.mu.Lock()
	delete(e.buckets, s.ID())
	e.mu.Unlock()
	return nil
}

// OnMessageReceived claims, and so drops, messages over the limit.
func (e *Extension) OnMessageReceived(s boltnet.Session, m boltnet.Message) (boltnet.Claim, error) {
	if !e.cfg.Enabled {
		return boltnet.Unclaimed, nil
	}

	e.mu.Lock()
	b, ok := e.buckets[s.ID()]
	if !ok {
		e.mu.Unlock()
		return boltnet.Unclaimed, nil
	}
	if b.limiter.Allow() {
		b.dropped = 0
		e.mu.Unlock()
		return boltnet.Unclaimed, nil
	}
	b.dropped++
	dropped := b.dropped
	e.mu.Unlock()

	e.log.Warn("rate limit exceeded, dropping message",
		logging.F("session_id", s.ID()),
		logging.F("tag", m.Tag()),
		logging.F("dropped", dropped),
	)

	if e.cfg.DisconnectAfter > 0 && dropped == e.cfg.DisconnectAfter {
		go e.disconnect(s)
	}
	return boltnet.Claimed, nil
}

// disconnect runs off the tick goroutine since it waits for the drain.
func (e *Extension) disconnect(s boltnet.Session) {
	timeout := e.cfg.DisconnectTimeout
	if timeout <= 0 {
		timeout = DefaultRateLimitConfig().DisconnectTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.Disconnect(ctx, boltnet.DisconnectForced); err != nil {
		e.log.Warn("disconnect rate limited session", logging.F("session_id", s.ID()), logging.Err(err))
	}
}

var (
	_ boltnet.ConnectHook    = (*Extension)(nil)
	_ boltnet.DisconnectHook = (*Extension)(nil)
	_ boltnet.MessageHook    = (*Extension)(nil)
)
