package genericauth

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/boltnet"
)

func negotiate(t *testing.T, e *Extension, req *boltnet.NegotiationRequest) boltnet.ClientIdentifier {
	t.Helper()

	v, err := e.OnNegotiate(context.Background(), req, &boltnet.NegotiationResponse{})
	require.NoError(t, err)
	require.Equal(t, boltnet.Accept, v)

	id, by, ok := req.Identifier()
	require.True(t, ok)
	assert.NotEmpty(t, by)
	return id
}

func TestStampsIncrementingIdentifiers(t *testing.T) {
	t.Parallel()

	e := New()
	for i := int64(1); i <= 3; i++ {
		id := negotiate(t, e, &boltnet.NegotiationRequest{})
		assert.Equal(t, boltnet.GenericIdentifier(i), id)
	}
}

func TestKeepsEarlierStamp(t *testing.T) {
	t.Parallel()

	req := &boltnet.NegotiationRequest{}
	require.NoError(t, req.StampIdentifier(boltnet.SteamIdentifier(76561198000000000), "steam"))

	e := New()
	id := negotiate(t, e, req)
	assert.Equal(t, boltnet.SteamIdentifier(76561198000000000), id)
	assert.Zero(t, e.last.Load())
}

func TestConcurrentNegotiationsAreUnique(t *testing.T) {
	t.Parallel()

	e := New()
	const n = 64

	var (
		mu   sync.Mutex
		seen = make(map[boltnet.ClientIdentifier]struct{})
		wg   sync.WaitGroup
	)
	for range n {
		wg.Go(func() {
			req := &boltnet.NegotiationRequest{}
			_, _ = e.OnNegotiate(context.Background(), req, &boltnet.NegotiationResponse{})
			id, _, _ := req.Identifier()
			mu.Lock()
			seen[id] = struct{}{}
			mu.Unlock()
		})
	}
	wg.Wait()

	assert.Len(t, seen, n)
}
