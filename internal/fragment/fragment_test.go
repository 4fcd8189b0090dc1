package fragment

import (
	"bytes"
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/boltnet/internal/bufpool"
)

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 7)
	}
	return b
}

func TestSplitSizes(t *testing.T) {
	t.Parallel()

	pieces, err := Split(payload(250), 100, 8)
	require.NoError(t, err)

	sizes := make([]int, len(pieces))
	for i, p := range pieces {
		sizes[i] = len(p)
	}
	assert.Equal(t, []int{92, 92, 66}, sizes)

	n, err := PieceCount(250, 100, 8)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestFrameTooSmall(t *testing.T) {
	t.Parallel()

	_, err := PieceCount(10, 8, 8)
	assert.ErrorIs(t, err, ErrFrameTooSmall)

	_, err = Split(payload(10), 4, 8)
	assert.ErrorIs(t, err, ErrFrameTooSmall)
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	const maxFrame, header = 100, 8
	pool := bufpool.New(1000, 1)
	rng := rand.New(rand.NewSource(1))

	for _, size := range []int{101, 184, 185, 250, 919, 920} {
		msg := make([]byte, size)
		rng.Read(msg)

		pieces, err := Split(msg, maxFrame, header)
		require.NoError(t, err)

		want, err := PieceCount(size, maxFrame, header)
		require.NoError(t, err)
		require.Len(t, pieces, want)

		r := NewReassembler(Config{Enabled: true, MaxPieces: 10, PieceSize: maxFrame - header}, pool)
		for i, p := range pieces {
			got, done, err := r.Feed(context.Background(), len(pieces), p)
			require.NoError(t, err)
			if i < len(pieces)-1 {
				assert.False(t, done)
				assert.True(t, r.InProgress())
				continue
			}
			require.True(t, done)
			assert.True(t, bytes.Equal(msg, got), "size %d not reassembled intact", size)
		}
		assert.False(t, r.InProgress())
	}

	// every rented buffer went back
	_, ok := pool.TryGet()
	assert.True(t, ok)
}

func TestFeedViolations(t *testing.T) {
	t.Parallel()

	cfg := Config{Enabled: true, MaxPieces: 10, PieceSize: 92}

	tests := []struct {
		name    string
		cfg     Config
		feed    func(r *Reassembler) error
		wantErr error
	}{
		{
			name: "fragments disabled",
			cfg:  Config{Enabled: false, MaxPieces: 10, PieceSize: 92},
			feed: func(r *Reassembler) error {
				_, _, err := r.Feed(context.Background(), 2, payload(10))
				return err
			},
			wantErr: ErrFragmentsDisabled,
		},
		{
			name: "too many pieces",
			cfg:  cfg,
			feed: func(r *Reassembler) error {
				_, _, err := r.Feed(context.Background(), 11, payload(10))
				return err
			},
			wantErr: ErrTooManyPieces,
		},
		{
			name: "zero pieces",
			cfg:  cfg,
			feed: func(r *Reassembler) error {
				_, _, err := r.Feed(context.Background(), 0, payload(10))
				return err
			},
			wantErr: ErrPieceCountMismatch,
		},
		{
			name: "count changes mid message",
			cfg:  cfg,
			feed: func(r *Reassembler) error {
				if _, _, err := r.Feed(context.Background(), 3, payload(92)); err != nil {
					return err
				}
				_, _, err := r.Feed(context.Background(), 4, payload(92))
				return err
			},
			wantErr: ErrPieceCountMismatch,
		},
		{
			name: "piece too large",
			cfg:  cfg,
			feed: func(r *Reassembler) error {
				_, _, err := r.Feed(context.Background(), 2, payload(93))
				return err
			},
			wantErr: ErrPieceTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			pool := bufpool.New(1000, 1)
			r := NewReassembler(tt.cfg, pool)

			assert.ErrorIs(t, tt.feed(r), tt.wantErr)
			assert.False(t, r.InProgress(), "violation must discard the partial message")

			_, ok := pool.TryGet()
			assert.True(t, ok, "buffer must be returned after a violation")
		})
	}
}

func TestResetReturnsBuffer(t *testing.T) {
	t.Parallel()

	pool := bufpool.New(100, 1)
	r := NewReassembler(Config{Enabled: true, MaxPieces: 4, PieceSize: 25}, pool)

	_, done, err := r.Feed(context.Background(), 4, payload(25))
	require.NoError(t, err)
	require.False(t, done)

	_, ok := pool.TryGet()
	assert.False(t, ok, "buffer is held while the message is in progress")

	r.Reset()
	b, ok := pool.TryGet()
	assert.True(t, ok)
	pool.Put(b)
}

func TestReassemblerWithoutPool(t *testing.T) {
	t.Parallel()

	r := NewReassembler(Config{Enabled: true, MaxPieces: 2, PieceSize: 4}, nil)

	_, done, err := r.Feed(context.Background(), 2, []byte{1, 2, 3, 4})
	require.NoError(t, err)
	require.False(t, done)

	got, done, err := r.Feed(context.Background(), 2, []byte{5})
	require.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, []byte{1, 2, 3, 4, 5}, got)
}
