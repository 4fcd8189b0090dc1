// Package fragment splits frames that exceed the maximum frame size into
// pieces and reassembles them on the receiving side.
//
// Pieces of one logical message must arrive back to back. The piece count
// carried by the first piece fixes how many follow.
package fragment

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrFrameTooSmall      = errors.New("fragment: frame too small to carry piece data")
	ErrFragmentsDisabled  = errors.New("fragment: partial messages are disabled")
	ErrTooManyPieces      = errors.New("fragment: piece count over limit")
	ErrPieceCountMismatch = errors.New("fragment: piece count mismatch")
	ErrPieceTooLarge      = errors.New("fragment: piece too large")
)

// PieceSize returns how many bytes of message data fit in one piece.
func PieceSize(maxFrameSize, headerSize int) (int, error) {
	per := maxFrameSize - headerSize
	if per <= 0 {
		return 0, fmt.Errorf("%w: max frame %d, header %d", ErrFrameTooSmall, maxFrameSize, headerSize)
	}
	return per, nil
}

// PieceCount returns how many pieces a message of messageSize bytes is
// split into.
func PieceCount(messageSize, maxFrameSize, headerSize int) (int, error) {
	per, err := PieceSize(maxFrameSize, headerSize)
	if err != nil {
		return 0, err
	}
	return (messageSize + per - 1) / per, nil
}

// Split cuts frame into ordered pieces of at most maxFrameSize-headerSize
// bytes. The pieces alias frame.
func Split(frame []byte, maxFrameSize, headerSize int) ([][]byte, error) {
	per, err := PieceSize(maxFrameSize, headerSize)
	if err != nil {
		return nil, err
	}

	pieces := make([][]byte, 0, (len(frame)+per-1)/per)
	for start := 0; start < len(frame); start += per {
		end := min(start+per, len(frame))
		pieces = append(pieces, frame[start:end])
	}
	return pieces, nil
}

// BufferSource supplies reassembly buffers.
type BufferSource interface {
	Get(ctx context.Context) ([]byte, error)
	Put(b []byte)
}

// Config controls what a Reassembler accepts.
type Config struct {
	// Enabled allows fragments at all.
	Enabled bool
	// MaxPieces is the largest piece count a message may declare.
	MaxPieces int
	// PieceSize is the largest piece accepted.
	PieceSize int
}

// Reassembler rebuilds one logical message at a time from its pieces. It is
// not safe for concurrent use.
type Reassembler struct {
	cfg  Config
	pool BufferSource

	expected int
	received int
	buf      []byte
}

// NewReassembler returns a reassembler that rents buffers from pool while a
// message is in progress. A nil pool allocates instead.
func NewReassembler(cfg Config, pool BufferSource) *Reassembler {
	return &Reassembler{cfg: cfg, pool: pool}
}

// InProgress reports whether pieces of a message have been received but the
// message is not complete yet.
func (r *Reassembler) InProgress() bool {
	return r.expected > 0
}

// Feed adds the next piece. When it completes the message, Feed returns a
// copy of the reassembled frame and done is true. On error the partial
// message is discarded.
func (r *Reassembler) Feed(ctx context.Context, pieceCount int, data []byte) (complete []byte, done bool, err error) {
	if !r.cfg.Enabled {
		return nil, false, ErrFragmentsDisabled
	}

	if r.expected == 0 {
		if pieceCount < 1 {
			return nil, false, fmt.Errorf("%w: declared %d", ErrPieceCountMismatch, pieceCount)
		}
		if pieceCount > r.cfg.MaxPieces {
			return nil, false, fmt.Errorf("%w: declared %d, limit %d", ErrTooManyPieces, pieceCount, r.cfg.MaxPieces)
		}
		if err := r.rent(ctx); err != nil {
			return nil, false, err
		}
		r.expected = pieceCount
	} else if pieceCount != r.expected {
		expected := r.expected
		r.Reset()
		return nil, false, fmt.Errorf("%w: declared %d, first piece declared %d", ErrPieceCountMismatch, pieceCount, expected)
	}

	if len(data) > r.cfg.PieceSize {
		r.Reset()
		return nil, false, fmt.Errorf("%w: %d bytes, limit %d", ErrPieceTooLarge, len(data), r.cfg.PieceSize)
	}

	r.buf = append(r.buf, data...)
	r.received++
	if r.received < r.expected {
		return nil, false, nil
	}

	complete = make([]byte, len(r.buf))
	copy(complete, r.buf)
	r.Reset()
	return complete, true, nil
}

// Reset discards any message in progress and returns its buffer.
func (r *Reassembler) Reset() {
	if r.buf != nil && r.pool != nil {
		r.pool.Put(r.buf)
	}
	r.buf = nil
	r.expected = 0
	r.received = 0
}

func (r *Reassembler) rent(ctx context.Context) error {
	if r.pool == nil {
		r.buf = make([]byte, 0, r.cfg.MaxPieces*r.cfg.PieceSize)
		return nil
	}

	b, err := r.pool.Get(ctx)
	if err != nil {
		return fmt.Errorf("fragment: rent buffer: %w", err)
	}
	r.buf = b
	return nil
}
