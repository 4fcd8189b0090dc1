package server

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/boltnet"
	"github.com/luciancaetano/boltnet/internal/fragment"
	"github.com/luciancaetano/boltnet/internal/protocol"
	"github.com/luciancaetano/boltnet/internal/stringcache"
	"github.com/luciancaetano/boltnet/wire"
)

const waitFor = 2 * time.Second

// fakeConn is an in-memory boltnet.Conn. Frames pushed to in are read by
// the server; frames the server writes arrive on out.
type fakeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}

	closeOnce sync.Once
	closeCode atomic.Int32
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 1024),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case f := <-c.in:
		return f, nil
	case <-c.closed:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) WriteFrame(ctx context.Context, frame []byte) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}

	cp := make([]byte, len(frame))
	copy(cp, frame)
	select {
	case c.out <- cp:
		return nil
	case <-c.closed:
		return net.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeConn) Close(code int, _ string) error {
	c.closeOnce.Do(func() {
		c.closeCode.Store(int32(code))
		close(c.closed)
	})
	return nil
}

func (c *fakeConn) Latency() time.Duration { return 3 * time.Millisecond }
func (c *fakeConn) RemoteAddr() string     { return "127.0.0.1:4000" }

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

type handshakeResult struct {
	status int
	conn   *fakeConn
}

type fakeHandshake struct {
	req    *boltnet.NegotiationRequest
	result chan handshakeResult
}

func (h *fakeHandshake) Request() *boltnet.NegotiationRequest { return h.req }

func (h *fakeHandshake) Reject(status int, _ string) error {
	h.result <- handshakeResult{status: status}
	return nil
}

func (h *fakeHandshake) Upgrade() (boltnet.Conn, error) {
	conn := newFakeConn()
	h.result <- handshakeResult{status: http.StatusSwitchingProtocols, conn: conn}
	return conn, nil
}

type fakeListener struct {
	handshakes chan *fakeHandshake
	closed     chan struct{}
	closeOnce  sync.Once
	seq        atomic.Int64
}

func newFakeListener() *fakeListener {
	return &fakeListener{
		handshakes: make(chan *fakeHandshake),
		closed:     make(chan struct{}),
	}
}

func (l *fakeListener) Accept(ctx context.Context) (boltnet.Handshake, error) {
	select {
	case hs := <-l.handshakes:
		return hs, nil
	case <-l.closed:
		return nil, boltnet.ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *fakeListener) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

// dial offers a handshake and waits for the server's decision.
func (l *fakeListener) dial(t *testing.T, header http.Header) handshakeResult {
	t.Helper()

	if header == nil {
		header = http.Header{"User-Agent": {"boltnet-test"}}
	}
	hs := &fakeHandshake{
		req: &boltnet.NegotiationRequest{
			ID:         "req-" + strconv.FormatInt(l.seq.Add(1), 10),
			RemoteAddr: "127.0.0.1:4000",
			Header:     header,
		},
		result: make(chan handshakeResult, 1),
	}

	select {
	case l.handshakes <- hs:
	case <-time.After(waitFor):
		t.Fatal("handshake not accepted")
	}

	select {
	case res := <-hs.result:
		return res
	case <-time.After(waitFor):
		t.Fatal("handshake not settled")
		return handshakeResult{}
	}
}

// echoMessage has a cached tag.
type echoMessage struct {
	Text string
}

func (*echoMessage) Tag() string    { return "test.Echo" }
func (*echoMessage) CacheTag() bool { return true }

func (m *echoMessage) Serialize(w *wire.Writer) error {
	return w.WriteString(m.Text)
}

func (m *echoMessage) Deserialize(r *wire.Reader) (err error) {
	m.Text, err = r.ReadString()
	return err
}

// blobMessage has a literal tag and an arbitrary payload.
type blobMessage struct {
	Data []byte
}

func (*blobMessage) Tag() string    { return "test.Blob" }
func (*blobMessage) CacheTag() bool { return false }

func (m *blobMessage) Serialize(w *wire.Writer) error {
	w.WriteBytes(m.Data)
	return nil
}

func (m *blobMessage) Deserialize(r *wire.Reader) error {
	b, err := r.ReadBytes()
	if err != nil {
		return err
	}
	m.Data = append([]byte(nil), b...)
	return nil
}

func testRegistry() *protocol.Registry {
	reg := protocol.NewRegistry()
	reg.MustRegister("test.Echo", func() boltnet.Message { return &echoMessage{} })
	reg.MustRegister("test.Blob", func() boltnet.Message { return &blobMessage{} })
	return reg
}

// stamper stamps incrementing generic identifiers.
type stamper struct {
	next atomic.Int64
}

func (*stamper) Name() string { return "stamper" }

func (s *stamper) OnNegotiate(_ context.Context, req *boltnet.NegotiationRequest, _ *boltnet.NegotiationResponse) (boltnet.Verdict, error) {
	return boltnet.Accept, req.StampIdentifier(boltnet.GenericIdentifier(s.next.Add(1)), "stamper")
}

// peer is the client end of a fakeConn, with its own replica cache.
type peer struct {
	t     *testing.T
	conn  *fakeConn
	cache *stringcache.Cache
	codec *protocol.Codec
}

func newPeer(t *testing.T, conn *fakeConn, caching bool) *peer {
	cache := stringcache.New(stringcache.Replica)
	var tags protocol.TagCache
	if caching {
		tags = cache
	}
	return &peer{
		t:     t,
		conn:  conn,
		cache: cache,
		codec: protocol.NewCodec(testRegistry(), tags, wire.UTF8),
	}
}

func (p *peer) send(m boltnet.Message) {
	p.t.Helper()
	frame, err := p.codec.Encode(m)
	require.NoError(p.t, err)
	p.conn.in <- frame
}

// next returns the next frame the server wrote.
func (p *peer) next() []byte {
	p.t.Helper()
	select {
	case f := <-p.conn.out:
		return f
	case <-time.After(waitFor):
		p.t.Fatal("no frame from server")
		return nil
	}
}

// receive decodes the next frame, applying snapshots to the replica cache.
func (p *peer) receive() boltnet.Message {
	p.t.Helper()
	m, err := p.codec.Decode(p.next())
	require.NoError(p.t, err)
	if u, ok := m.(*protocol.StringCacheUpdateMessage); ok {
		require.NoError(p.t, p.cache.Swap(u.Entries))
	}
	return m
}

// receiveReassembled reads partial frames until a whole message is rebuilt.
func (p *peer) receiveReassembled(cfg fragment.Config) (boltnet.Message, int) {
	p.t.Helper()
	r := fragment.NewReassembler(cfg, nil)
	pieces := 0
	for {
		m := p.receive()
		part, ok := m.(*protocol.PartialMessage)
		require.True(p.t, ok, "expected a partial message, got %s", m.Tag())
		pieces++

		complete, done, err := r.Feed(context.Background(), int(part.PieceCount), part.Data)
		require.NoError(p.t, err)
		if done {
			whole, err := p.codec.Decode(complete)
			require.NoError(p.t, err)
			return whole, pieces
		}
	}
}

func (p *peer) waitClosed() {
	p.t.Helper()
	select {
	case <-p.conn.closed:
	case <-time.After(waitFor):
		p.t.Fatal("connection not closed")
	}
}

func stringcacheEntry(value string, id uint32) stringcache.Entry {
	return stringcache.Entry{Value: value, ID: id}
}

type negotiatorFunc func(ctx context.Context, req *boltnet.NegotiationRequest, resp *boltnet.NegotiationResponse) (boltnet.Verdict, error)

func (negotiatorFunc) Name() string { return "negotiator" }

func (f negotiatorFunc) OnNegotiate(ctx context.Context, req *boltnet.NegotiationRequest, resp *boltnet.NegotiationResponse) (boltnet.Verdict, error) {
	return f(ctx, req, resp)
}

// hookExt records connect and message hooks.
type hookExt struct {
	name           string
	panicOnConnect bool
	panicOnMessage bool
	claim          bool

	mu        sync.Mutex
	connected int
	messages  int
}

func (h *hookExt) Name() string { return h.name }

func (h *hookExt) OnSessionConnected(boltnet.Session) error {
	if h.panicOnConnect {
		panic("connect hook exploded")
	}
	h.mu.Lock()
	h.connected++
	h.mu.Unlock()
	return nil
}

func (h *hookExt) OnMessageReceived(boltnet.Session, boltnet.Message) (boltnet.Claim, error) {
	if h.panicOnMessage {
		panic("message hook exploded")
	}
	h.mu.Lock()
	h.messages++
	h.mu.Unlock()
	if h.claim {
		return boltnet.Claimed, nil
	}
	return boltnet.Unclaimed, nil
}

func (h *hookExt) connectedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connected
}

func (h *hookExt) messageCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.messages
}
