// Package bufpool provides a bounded pool of fixed-size byte buffers.
package bufpool

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Pool hands out buffers of a fixed capacity. Once the limit is reached, Get
// blocks until a buffer is returned.
type Pool struct {
	size int
	max  int64
	sem  *semaphore.Weighted
	free chan []byte
}

// New creates a pool of buffers with capacity size, at most limit of them
// outstanding.
func New(size, limit int) *Pool {
	if size < 1 {
		size = 1
	}
	if limit < 1 {
		limit = 1
	}
	return &Pool{
		size: size,
		max:  int64(limit),
		sem:  semaphore.NewWeighted(int64(limit)),
		free: make(chan []byte, limit),
	}
}

// ForServer sizes a pool the way the server needs it: every buffer holds a
// whole reassembled message and there are two per client, doubled again
// when fragments are accepted.
func ForServer(maxMessageSize, maxClients int, allowPartial bool, maxPartialCount int) *Pool {
	size := maxMessageSize
	count := 2 * maxClients
	if allowPartial {
		size *= maxPartialCount
		count *= 2
	}
	return New(size, count)
}

// BufferSize returns the capacity of each buffer.
func (p *Pool) BufferSize() int {
	return p.size
}

// Get returns an empty buffer with capacity BufferSize, waiting for one to
// be returned if the pool is exhausted.
func (p *Pool) Get(ctx context.Context) ([]byte, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	select {
	case b := <-p.free:
		return b[:0], nil
	default:
		return make([]byte, 0, p.size), nil
	}
}

// TryGet is like Get but fails instead of waiting.
func (p *Pool) TryGet() ([]byte, bool) {
	if !p.sem.TryAcquire(1) {
		return nil, false
	}

	select {
	case b := <-p.free:
		return b[:0], true
	default:
		return make([]byte, 0, p.size), true
	}
}

// Put returns a buffer obtained from Get. Buffers that grew past their
// original capacity are dropped rather than kept.
func (p *Pool) Put(b []byte) {
	if cap(b) == p.size {
		select {
		case p.free <- b[:0]:
		default:
		}
	}
	p.sem.Release(1)
}
