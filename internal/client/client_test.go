package client

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/boltnet"
	"github.com/luciancaetano/boltnet/ext/genericauth"
	"github.com/luciancaetano/boltnet/internal/protocol"
	"github.com/luciancaetano/boltnet/internal/server"
	"github.com/luciancaetano/boltnet/internal/websocket"
	"github.com/luciancaetano/boltnet/wire"
)

const waitFor = 3 * time.Second

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

// recorder collects what the client handlers see.
type recorder struct {
	mu       sync.Mutex
	messages []boltnet.Message
	reasons  []boltnet.DisconnectReason
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnMessage: func(_ *Client, m boltnet.Message) {
			r.mu.Lock()
			r.messages = append(r.messages, m)
			r.mu.Unlock()
		},
		OnDisconnect: func(_ *Client, reason boltnet.DisconnectReason) {
			r.mu.Lock()
			r.reasons = append(r.reasons, reason)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) received() []boltnet.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]boltnet.Message(nil), r.messages...)
}

func (r *recorder) disconnects() []boltnet.DisconnectReason {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]boltnet.DisconnectReason(nil), r.reasons...)
}

// pump calls ProcessIncomingMessages until cond holds.
func pump(t *testing.T, c *Client, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		c.ProcessIncomingMessages()
		return cond()
	}, waitFor, 2*time.Millisecond)
}

type serverEvents struct {
	mu      sync.Mutex
	reasons []boltnet.DisconnectReason
}

func (e *serverEvents) disconnects() []boltnet.DisconnectReason {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]boltnet.DisconnectReason(nil), e.reasons...)
}

func serverOptions() *server.Options {
	opts := server.DefaultOptions()
	opts.Registry = testRegistry()
	opts.Extensions = []boltnet.Extension{genericauth.New()}
	opts.Metrics = server.NewMetrics(nil, "test")
	opts.ShutdownTimeout = time.Second
	return opts
}

// startServer runs an echoing server behind an httptest server and ticks it
// in the background. It returns the websocket URL.
func startServer(t *testing.T, opts *server.Options) (*server.Server, *serverEvents, string) {
	t.Helper()

	l := websocket.NewListener(&websocket.ListenerConfig{
		CheckOrigin: func(*http.Request) bool { return true },
		ReadLimit:   int64(opts.MaxMessageSize),
		PingTimeout: opts.PingTimeout,
	})
	hs := httptest.NewServer(l)

	ev := &serverEvents{}
	srv, err := server.New(l, opts, server.Handlers{
		OnMessage: func(s boltnet.Session, m boltnet.Message) {
			_ = s.QueueMessage(m)
		},
		OnDisconnect: func(_ boltnet.Session, reason boltnet.DisconnectReason) {
			ev.mu.Lock()
			ev.reasons = append(ev.reasons, reason)
			ev.mu.Unlock()
		},
	})
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Go(func() {
		ticker := time.NewTicker(2 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = srv.ProcessAllEvents()
			}
		}
	})

	t.Cleanup(func() {
		stopCtx, stop := context.WithTimeout(context.Background(), waitFor)
		defer stop()
		_ = srv.Stop(stopCtx)
		cancel()
		wg.Wait()
		hs.Close()
	})
	return srv, ev, "ws" + strings.TrimPrefix(hs.URL, "http")
}

func clientOptions() *Options {
	opts := DefaultOptions()
	opts.Registry = testRegistry()
	return opts
}

func newClient(t *testing.T, opts *Options, h Handlers) *Client {
	t.Helper()
	c, err := New(opts, h)
	require.NoError(t, err)
	t.Cleanup(func() {
		if c.Connected() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = c.Disconnect(ctx)
		}
	})
	return c
}

func TestEchoRoundTrip(t *testing.T) {
	t.Parallel()

	_, _, url := startServer(t, serverOptions())

	var rec recorder
	c := newClient(t, clientOptions(), rec.handlers())
	require.NoError(t, c.Connect(context.Background(), url, nil))
	assert.True(t, c.Connected())

	// queued before the snapshot arrives; sent once it does
	require.NoError(t, c.QueueMessage(&echoMessage{Text: "hello"}))
	require.NoError(t, c.QueueMessage(&blobMessage{Data: []byte{1, 2, 3}}))

	pump(t, c, func() bool { return len(rec.received()) == 2 })

	msgs := rec.received()
	require.IsType(t, &echoMessage{}, msgs[0])
	assert.Equal(t, "hello", msgs[0].(*echoMessage).Text)
	require.IsType(t, &blobMessage{}, msgs[1])
	assert.Equal(t, []byte{1, 2, 3}, msgs[1].(*blobMessage).Data)

	_, ok := c.StringCache().TryGetID("test.Echo")
	assert.True(t, ok, "replica holds the server's entries")
	assert.GreaterOrEqual(t, c.Ping(), time.Duration(0))
}

func TestDisconnectIsAcknowledged(t *testing.T) {
	t.Parallel()

	_, ev, url := startServer(t, serverOptions())

	var rec recorder
	c := newClient(t, clientOptions(), rec.handlers())
	require.NoError(t, c.Connect(context.Background(), url, nil))

	require.NoError(t, c.QueueMessage(&echoMessage{Text: "ping"}))
	pump(t, c, func() bool { return len(rec.received()) == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, c.Disconnect(ctx))
	assert.False(t, c.Connected())
	assert.Equal(t, time.Duration(-1), c.Ping())

	pump(t, c, func() bool { return len(rec.disconnects()) == 1 })
	assert.Equal(t, boltnet.DisconnectRequested, rec.disconnects()[0])

	require.Eventually(t, func() bool { return len(ev.disconnects()) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, boltnet.DisconnectRequested, ev.disconnects()[0])
}

func TestServerStopReportsShutdown(t *testing.T) {
	t.Parallel()

	srv, _, url := startServer(t, serverOptions())

	var rec recorder
	c := newClient(t, clientOptions(), rec.handlers())
	require.NoError(t, c.Connect(context.Background(), url, nil))
	require.Eventually(t, func() bool { return srv.Len() == 1 }, waitFor, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))

	pump(t, c, func() bool { return len(rec.disconnects()) == 1 })
	assert.Equal(t, boltnet.DisconnectShutdown, rec.disconnects()[0])
	assert.False(t, c.Connected())
}

func TestConnectRejected(t *testing.T) {
	t.Parallel()

	opts := serverOptions()
	opts.IdentificationHeader = "X-Game-Client"
	_, _, url := startServer(t, opts)

	c := newClient(t, clientOptions(), Handlers{})
	err := c.Connect(context.Background(), url, nil)
	require.Error(t, err)

	var hsErr *websocket.HandshakeError
	require.ErrorAs(t, err, &hsErr)
	assert.Equal(t, http.StatusBadRequest, hsErr.Status)
	assert.False(t, c.Connected())

	require.NoError(t, c.Connect(context.Background(), url, map[string][]string{"X-Game-Client": {"1"}}))
	assert.True(t, c.Connected())
}

func TestConnectionStateErrors(t *testing.T) {
	t.Parallel()

	_, _, url := startServer(t, serverOptions())

	connected := 0
	c := newClient(t, clientOptions(), Handlers{OnConnect: func(*Client) { connected++ }})

	assert.ErrorIs(t, c.QueueMessage(&echoMessage{}), boltnet.ErrNotConnected)
	assert.ErrorIs(t, c.Disconnect(context.Background()), boltnet.ErrNotConnected)
	assert.Equal(t, time.Duration(-1), c.Ping())

	require.NoError(t, c.Connect(context.Background(), url, nil))
	assert.ErrorIs(t, c.Connect(context.Background(), url, nil), boltnet.ErrAlreadyConnected)
	assert.Equal(t, 1, connected)
}

func TestFragmentedRoundTrip(t *testing.T) {
	t.Parallel()

	sopts := serverOptions()
	sopts.MaxMessageSize = 256
	sopts.AllowPartialMessages = true
	_, _, url := startServer(t, sopts)

	copts := clientOptions()
	copts.MaxMessageSize = 256
	copts.AllowPartialMessages = true

	var rec recorder
	c := newClient(t, copts, rec.handlers())
	require.NoError(t, c.Connect(context.Background(), url, nil))

	data := bytes.Repeat([]byte("0123456789"), 150)
	require.NoError(t, c.QueueMessage(&blobMessage{Data: data}))

	pump(t, c, func() bool { return len(rec.received()) == 1 })
	require.IsType(t, &blobMessage{}, rec.received()[0])
	assert.Equal(t, data, rec.received()[0].(*blobMessage).Data)
}

func TestOversizedMessageIsDroppedWithoutPartials(t *testing.T) {
	t.Parallel()

	sopts := serverOptions()
	sopts.MaxMessageSize = 256
	_, _, url := startServer(t, sopts)

	copts := clientOptions()
	copts.MaxMessageSize = 256

	var rec recorder
	c := newClient(t, copts, rec.handlers())
	require.NoError(t, c.Connect(context.Background(), url, nil))

	require.NoError(t, c.QueueMessage(&blobMessage{Data: make([]byte, 1024)}))
	require.NoError(t, c.QueueMessage(&echoMessage{Text: "after"}))

	pump(t, c, func() bool { return len(rec.received()) == 1 })
	require.IsType(t, &echoMessage{}, rec.received()[0])
	assert.True(t, c.Connected())
}

func TestOversizedIncomingFrameIsDropped(t *testing.T) {
	t.Parallel()

	after, err := protocol.NewCodec(testRegistry(), nil, wire.UTF8).Encode(&echoMessage{Text: "after"})
	require.NoError(t, err)

	var upgrader gorilla.Upgrader
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(gorilla.BinaryMessage, make([]byte, 1024))
		_ = conn.WriteMessage(gorilla.BinaryMessage, after)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(hs.Close)

	opts := clientOptions()
	opts.StringCachingEnabled = false
	opts.MaxMessageSize = 256

	var rec recorder
	c := newClient(t, opts, rec.handlers())
	require.NoError(t, c.Connect(context.Background(), "ws"+strings.TrimPrefix(hs.URL, "http"), nil))

	pump(t, c, func() bool { return len(rec.received()) == 1 })
	assert.Equal(t, &echoMessage{Text: "after"}, rec.received()[0])
	assert.True(t, c.Connected())
	assert.Empty(t, rec.disconnects())
}

func TestServerDisconnectsOversizedFrame(t *testing.T) {
	t.Parallel()

	for name, size := range map[string]int{
		"over limit":     1000,
		"far over limit": 4096,
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			opts := serverOptions()
			opts.MaxMessageSize = 128
			srv, ev, url := startServer(t, opts)

			conn, _, err := gorilla.DefaultDialer.Dial(url, nil)
			require.NoError(t, err)
			defer conn.Close()

			require.Eventually(t, func() bool { return srv.Len() == 1 }, waitFor, 2*time.Millisecond)
			require.NoError(t, conn.WriteMessage(gorilla.BinaryMessage, make([]byte, size)))

			require.Eventually(t, func() bool { return len(ev.disconnects()) == 1 }, waitFor, 2*time.Millisecond)
			assert.Equal(t, boltnet.DisconnectPartialMessageViolation, ev.disconnects()[0])
		})
	}
}

func TestServerSendsViolationBeforeClosing(t *testing.T) {
	t.Parallel()

	opts := serverOptions()
	opts.MaxMessageSize = 128
	srv, _, url := startServer(t, opts)

	conn, _, err := gorilla.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return srv.Len() == 1 }, waitFor, 2*time.Millisecond)
	require.NoError(t, conn.WriteMessage(gorilla.BinaryMessage, make([]byte, 1000)))

	codec := protocol.NewCodec(testRegistry(), nil, wire.UTF8)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	for {
		_, frame, err := conn.ReadMessage()
		require.NoError(t, err, "connection closed before the disconnect message")
		m, err := codec.Decode(frame)
		require.NoError(t, err)
		if d, ok := m.(*protocol.DisconnectMessage); ok {
			assert.Equal(t, boltnet.DisconnectPartialMessageViolation, d.Reason)
			return
		}
	}
}

// pipeConn is an in-memory boltnet.Conn driven by the test.
type pipeConn struct {
	in        chan []byte
	out       chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newPipeConn() *pipeConn {
	return &pipeConn{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (p *pipeConn) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case f := <-p.in:
		return f, nil
	case <-p.closed:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeConn) WriteFrame(ctx context.Context, frame []byte) error {
	select {
	case p.out <- append([]byte(nil), frame...):
		return nil
	case <-p.closed:
		return net.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeConn) Close(int, string) error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

func (p *pipeConn) Latency() time.Duration { return time.Millisecond }
func (p *pipeConn) RemoteAddr() string     { return "pipe" }

func TestFragmentViolationIsDropped(t *testing.T) {
	t.Parallel()

	opts := clientOptions()
	opts.StringCachingEnabled = false
	opts.AllowPartialMessages = true

	var rec recorder
	c := newClient(t, opts, rec.handlers())
	conn := newPipeConn()
	c.dial = func(context.Context, string, http.Header) (boltnet.Conn, error) { return conn, nil }
	require.NoError(t, c.Connect(context.Background(), "ws://pipe", nil))

	codec := protocol.NewCodec(testRegistry(), nil, wire.UTF8)
	encode := func(m boltnet.Message) []byte {
		frame, err := codec.Encode(m)
		require.NoError(t, err)
		return frame
	}

	conn.in <- encode(&protocol.PartialMessage{PieceCount: 50, Data: []byte{1}})
	conn.in <- []byte{0xff, 0x00}
	conn.in <- encode(&echoMessage{Text: "still here"})

	pump(t, c, func() bool { return len(rec.received()) == 1 })
	assert.Equal(t, "still here", rec.received()[0].(*echoMessage).Text)
	assert.True(t, c.Connected())
	assert.Empty(t, rec.disconnects())
}

func TestTransportFailureIsUnexpected(t *testing.T) {
	t.Parallel()

	opts := clientOptions()
	opts.StringCachingEnabled = false

	var rec recorder
	c := newClient(t, opts, rec.handlers())
	conn := newPipeConn()
	c.dial = func(context.Context, string, http.Header) (boltnet.Conn, error) { return conn, nil }
	require.NoError(t, c.Connect(context.Background(), "ws://pipe", nil))

	require.NoError(t, c.QueueMessage(&echoMessage{Text: "out"}))
	select {
	case frame := <-conn.out:
		m, err := protocol.NewCodec(testRegistry(), nil, wire.UTF8).Decode(frame)
		require.NoError(t, err)
		assert.Equal(t, "out", m.(*echoMessage).Text)
	case <-time.After(waitFor):
		t.Fatal("no frame written")
	}

	require.NoError(t, conn.Close(websocket.CloseGoingAway, ""))

	pump(t, c, func() bool { return len(rec.disconnects()) == 1 })
	assert.Equal(t, boltnet.DisconnectUnexpected, rec.disconnects()[0])
	assert.False(t, c.Connected())
}

func TestDialFailure(t *testing.T) {
	t.Parallel()

	c := newClient(t, clientOptions(), Handlers{})
	want := errors.New("refused")
	c.dial = func(context.Context, string, http.Header) (boltnet.Conn, error) { return nil, want }

	err := c.Connect(context.Background(), "ws://nowhere", nil)
	assert.ErrorIs(t, err, want)
	assert.False(t, c.Connected())
}

func TestOptionsValidate(t *testing.T) {
	t.Parallel()

	opts := DefaultOptions()
	require.NoError(t, opts.Validate())

	opts.MaxMessageSize = 0
	opts.AllowPartialMessages = true
	opts.MaxPartialMessageCount = 1
	err := opts.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MaxMessageSize")
	assert.Contains(t, err.Error(), "MaxPartialMessageCount")

	_, err = New(opts, Handlers{})
	assert.Error(t, err)
}
