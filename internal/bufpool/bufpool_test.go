package bufpool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetPut(t *testing.T) {
	t.Parallel()

	p := New(64, 2)
	b, err := p.Get(context.Background())
	require.NoError(t, err)
	assert.Zero(t, len(b))
	assert.Equal(t, 64, cap(b))

	b = append(b, 1, 2, 3)
	p.Put(b)

	again, err := p.Get(context.Background())
	require.NoError(t, err)
	assert.Zero(t, len(again), "returned buffers come back empty")
	assert.Equal(t, 64, cap(again))
}

func TestGetBlocksWhenExhausted(t *testing.T) {
	t.Parallel()

	p := New(8, 1)
	first, err := p.Get(context.Background())
	require.NoError(t, err)

	_, ok := p.TryGet()
	assert.False(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Get(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	done := make(chan struct{})
	go func() {
		defer close(done)
		b, err := p.Get(context.Background())
		assert.NoError(t, err)
		p.Put(b)
	}()

	p.Put(first)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Get did not unblock after Put")
	}
}

func TestGrownBufferIsDropped(t *testing.T) {
	t.Parallel()

	p := New(4, 1)
	b, err := p.Get(context.Background())
	require.NoError(t, err)

	b = append(b, make([]byte, 100)...)
	p.Put(b)

	again, ok := p.TryGet()
	require.True(t, ok)
	assert.Equal(t, 4, cap(again))
}

func TestForServer(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		allowPartial bool
		wantSize     int
		wantMax      int64
	}{
		{"whole messages only", false, 1000, 20},
		{"fragments allowed", true, 10000, 40},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p := ForServer(1000, 10, tt.allowPartial, 10)
			assert.Equal(t, tt.wantSize, p.BufferSize())
			assert.Equal(t, tt.wantMax, p.max)
		})
	}
}
