// Package client implements the replica side of boltnet. A Client dials a
// server, mirrors the server's string cache from the snapshots it receives
// and queues messages in both directions. Received messages and the
// disconnect notification are delivered on the host's goroutine by
// ProcessIncomingMessages.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/luciancaetano/boltnet"
	"github.com/luciancaetano/boltnet/internal/bufpool"
	"github.com/luciancaetano/boltnet/internal/fragment"
	"github.com/luciancaetano/boltnet/internal/protocol"
	"github.com/luciancaetano/boltnet/internal/stringcache"
	"github.com/luciancaetano/boltnet/internal/websocket"
	"github.com/luciancaetano/boltnet/logging"
	"github.com/luciancaetano/boltnet/wire"
)

const flushInterval = 10 * time.Millisecond

// Options configures a Client. The limits must match the server's.
type Options struct {
	MaxMessageSize         int
	AllowPartialMessages   bool
	MaxPartialMessageCount int
	StringCachingEnabled   bool
	CharacterEncoding      wire.Encoding
	PingTimeout            time.Duration
	HandshakeTimeout       time.Duration
	// UserAgent is sent when the connect header carries none.
	UserAgent string

	Logger   logging.Logger
	Registry *protocol.Registry
}

// DefaultOptions mirrors the server defaults.
func DefaultOptions() *Options {
	return &Options{
		MaxMessageSize:         65536,
		AllowPartialMessages:   false,
		MaxPartialMessageCount: 10,
		StringCachingEnabled:   true,
		CharacterEncoding:      wire.UTF8,
		PingTimeout:            5 * time.Second,
		HandshakeTimeout:       10 * time.Second,
		UserAgent:              "boltnet-client",
	}
}

// Validate checks that every limit is usable.
func (o *Options) Validate() error {
	var errs []error
	if o.MaxMessageSize <= 0 {
		errs = append(errs, fmt.Errorf("MaxMessageSize must be > 0, got %d", o.MaxMessageSize))
	}
	if o.MaxPartialMessageCount <= 0 {
		errs = append(errs, fmt.Errorf("MaxPartialMessageCount must be > 0, got %d", o.MaxPartialMessageCount))
	}
	if o.AllowPartialMessages && o.MaxPartialMessageCount <= 1 {
		errs = append(errs, fmt.Errorf("MaxPartialMessageCount must be > 1 when partial messages are allowed, got %d", o.MaxPartialMessageCount))
	}
	if o.PingTimeout <= 0 {
		errs = append(errs, fmt.Errorf("PingTimeout must be > 0, got %s", o.PingTimeout))
	}
	if !slices.Contains(wire.Encodings(), o.CharacterEncoding) {
		errs = append(errs, fmt.Errorf("CharacterEncoding %d is not supported", o.CharacterEncoding))
	}
	if len(errs) > 0 {
		return fmt.Errorf("client options: %w", errors.Join(errs...))
	}
	return nil
}

// Handlers are invoked from ProcessIncomingMessages, except OnConnect which
// runs at the end of a successful Connect.
type Handlers struct {
	OnConnect    func(c *Client)
	OnDisconnect func(c *Client, reason boltnet.DisconnectReason)
	OnMessage    func(c *Client, m boltnet.Message)
}

// link is the state of one connection.
type link struct {
	conn   boltnet.Conn
	ctx    context.Context
	cancel context.CancelFunc

	// ack is closed when the server's disconnect message arrives
	ack     chan struct{}
	ackOnce sync.Once
	done    chan struct{}
	reason  atomic.Int32

	// ready is set once frames with cached tags can be encoded
	ready   atomic.Bool
	closing atomic.Bool
}

func (l *link) acknowledge(reason boltnet.DisconnectReason) {
	l.reason.CompareAndSwap(-1, int32(reason))
	l.ackOnce.Do(func() { close(l.ack) })
}

// Client is the replica end of a boltnet connection.
type Client struct {
	opts     *Options
	log      logging.Logger
	handlers Handlers

	cache       *stringcache.Cache
	codec       *protocol.Codec
	pool        *bufpool.Pool
	reassembler *fragment.Reassembler
	header      int

	mu   sync.Mutex
	link *link
	wake chan struct{}

	outMu    sync.Mutex
	outgoing []boltnet.Message

	inMu     sync.Mutex
	incoming []boltnet.Message
	// left holds the reasons of connections that ended but have not been
	// reported yet
	left []boltnet.DisconnectReason

	// dial is replaced in tests
	dial func(ctx context.Context, url string, header http.Header) (boltnet.Conn, error)
}

// New creates a disconnected client.
func New(opts *Options, handlers Handlers) (*Client, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	o := *opts
	if o.Logger == nil {
		o.Logger = logging.Nop()
	}
	if o.Registry == nil {
		o.Registry = protocol.NewRegistry()
	}

	c := &Client{
		opts:     &o,
		log:      o.Logger,
		handlers: handlers,
		cache:    stringcache.New(stringcache.Replica),
		wake:     make(chan struct{}, 1),
	}

	var tags protocol.TagCache
	if o.StringCachingEnabled {
		tags = c.cache
	}
	c.codec = protocol.NewCodec(o.Registry, tags, o.CharacterEncoding)

	header, err := c.codec.PartialHeaderSize()
	if err != nil {
		return nil, err
	}
	c.header = header

	count := 1
	if o.AllowPartialMessages {
		count = o.MaxPartialMessageCount
	}
	// one buffer for reassembly, one for the write path
	c.pool = bufpool.New(o.MaxMessageSize*count, 2)
	c.reassembler = fragment.NewReassembler(fragment.Config{
		Enabled:   o.AllowPartialMessages,
		MaxPieces: o.MaxPartialMessageCount,
		PieceSize: o.MaxMessageSize - header,
	}, c.pool)

	c.dial = func(ctx context.Context, url string, h http.Header) (boltnet.Conn, error) {
		return websocket.Dial(ctx, url, h, websocket.DialConfig{
			ReadLimit:        int64(o.MaxMessageSize),
			PingTimeout:      o.PingTimeout,
			HandshakeTimeout: o.HandshakeTimeout,
		})
	}
	return c, nil
}

// StringCache returns the replica cache.
func (c *Client) StringCache() *stringcache.Cache {
	return c.cache
}

// Connect dials url. The replica cache is cleared first; until the server's
// snapshot arrives, queued messages with cached tags wait.
func (c *Client) Connect(ctx context.Context, url string, header map[string][]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.link != nil {
		return boltnet.ErrAlreadyConnected
	}

	h := http.Header(header).Clone()
	if h == nil {
		h = http.Header{}
	}
	if h.Get("User-Agent") == "" && c.opts.UserAgent != "" {
		h.Set("User-Agent", c.opts.UserAgent)
	}

	if err := c.cache.Reset(); err != nil {
		return err
	}
	c.reassembler.Reset()

	conn, err := c.dial(ctx, url, h)
	if err != nil {
		return fmt.Errorf("client: connect: %w", err)
	}

	linkCtx, cancel := context.WithCancel(context.Background())
	l := &link{
		conn:   conn,
		ctx:    linkCtx,
		cancel: cancel,
		ack:    make(chan struct{}),
		done:   make(chan struct{}),
	}
	l.reason.Store(-1)
	l.ready.Store(!c.opts.StringCachingEnabled)
	c.link = l

	go c.readLoop(l)
	go c.writeLoop(l)

	c.log.Info("connected", logging.F("url", url), logging.F("remote_addr", conn.RemoteAddr()))
	if c.handlers.OnConnect != nil {
		c.handlers.OnConnect(c)
	}
	return nil
}

// Connected reports whether the client holds a live connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link != nil
}

// Ping returns the latest round-trip time, or -1 when disconnected.
func (c *Client) Ping() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link == nil {
		return -1
	}
	return c.link.conn.Latency()
}

// QueueMessage queues m for the server.
func (c *Client) QueueMessage(m boltnet.Message) error {
	if m == nil {
		return errors.New("client: nil message")
	}
	c.mu.Lock()
	connected := c.link != nil
	c.mu.Unlock()
	if !connected {
		return boltnet.ErrNotConnected
	}

	c.outMu.Lock()
	c.outgoing = append(c.outgoing, m)
	c.outMu.Unlock()
	c.signal()
	return nil
}

// Disconnect sends DisconnectRequested after everything already queued and
// waits for the server to acknowledge it or for ctx to end. The connection
// is closed either way.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	l := c.link
	c.mu.Unlock()
	if l == nil {
		return boltnet.ErrNotConnected
	}

	if l.closing.CompareAndSwap(false, true) {
		c.outMu.Lock()
		c.outgoing = append(c.outgoing, &protocol.DisconnectMessage{Reason: boltnet.DisconnectRequested})
		c.outMu.Unlock()
		c.signal()
	}

	var err error
	select {
	case <-l.ack:
	case <-l.done:
	case <-ctx.Done():
		err = ctx.Err()
		c.log.Warn("disconnect not acknowledged", logging.Err(err))
	}

	l.reason.CompareAndSwap(-1, int32(boltnet.DisconnectRequested))
	if cerr := l.conn.Close(websocket.CloseNormal, ""); cerr != nil {
		c.log.Debug("close connection", logging.Err(cerr))
	}
	<-l.done
	return err
}

// ProcessIncomingMessages dispatches the messages received since the last
// call, then reports a connection that ended.
func (c *Client) ProcessIncomingMessages() {
	c.inMu.Lock()
	msgs := c.incoming
	c.incoming = nil
	left := c.left
	c.left = nil
	c.inMu.Unlock()

	for _, m := range msgs {
		if c.handlers.OnMessage != nil {
			c.handlers.OnMessage(c, m)
		}
	}
	for _, reason := range left {
		if c.handlers.OnDisconnect != nil {
			c.handlers.OnDisconnect(c, reason)
		}
	}
}

func (c *Client) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Client) readLoop(l *link) {
	defer c.teardown(l)

	for {
		frame, err := l.conn.ReadFrame(l.ctx)
		if errors.Is(err, boltnet.ErrMessageTooLarge) && !errors.Is(err, websocket.ErrReadLimit) {
			c.log.Warn("dropping oversized frame", logging.Err(err))
			continue
		}
		if err != nil {
			if l.ctx.Err() == nil && !websocket.IsCloseError(err) {
				c.log.Debug("read failed", logging.Err(err))
			}
			return
		}
		c.handleFrame(l, frame, false)
	}
}

func (c *Client) handleFrame(l *link, frame []byte, reassembled bool) {
	m, err := c.codec.Decode(frame)
	if err != nil {
		c.log.Warn("dropping malformed frame", logging.F("size", len(frame)), logging.Err(err))
		return
	}

	switch msg := m.(type) {
	case *protocol.PartialMessage:
		if reassembled {
			c.log.Warn("dropping fragment nested in a reassembled message")
			return
		}
		complete, done, err := c.reassembler.Feed(l.ctx, int(msg.PieceCount), msg.Data)
		if err != nil {
			c.log.Warn("dropping partial message", logging.Err(err))
			return
		}
		if done {
			c.handleFrame(l, complete, true)
		}

	case *protocol.StringCacheUpdateMessage:
		if err := c.cache.Swap(msg.Entries); err != nil {
			c.log.Error("apply string cache snapshot", logging.Err(err))
			return
		}
		l.ready.Store(true)
		c.signal()
		c.log.Debug("string cache updated", logging.F("entries", len(msg.Entries)))

	case *protocol.DisconnectMessage:
		c.log.Info("server disconnected", logging.F("reason", msg.Reason.String()))
		l.acknowledge(msg.Reason)

	default:
		c.inMu.Lock()
		c.incoming = append(c.incoming, m)
		c.inMu.Unlock()
	}
}

// teardown runs once the read loop exits.
func (c *Client) teardown(l *link) {
	l.reason.CompareAndSwap(-1, int32(boltnet.DisconnectUnexpected))
	l.cancel()
	if err := l.conn.Close(websocket.CloseGoingAway, ""); err != nil {
		c.log.Debug("close connection", logging.Err(err))
	}

	c.mu.Lock()
	if c.link == l {
		c.link = nil
	}
	c.mu.Unlock()

	c.outMu.Lock()
	c.outgoing = nil
	c.outMu.Unlock()

	reason := boltnet.DisconnectReason(l.reason.Load())
	c.inMu.Lock()
	c.left = append(c.left, reason)
	c.inMu.Unlock()

	c.log.Info("disconnected", logging.F("reason", reason.String()))
	close(l.done)
}

func (c *Client) writeLoop(l *link) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-c.wake:
		case <-ticker.C:
		}

		// Cached tags cannot be encoded before the first snapshot, unless
		// the connection is closing anyway.
		if !l.ready.Load() && !l.closing.Load() {
			continue
		}
		if err := c.flush(l); err != nil {
			c.log.Warn("write failed", logging.Err(err))
			_ = l.conn.Close(websocket.CloseGoingAway, "")
			return
		}
	}
}

func (c *Client) flush(l *link) error {
	c.outMu.Lock()
	msgs := c.outgoing
	c.outgoing = nil
	c.outMu.Unlock()

	for _, m := range msgs {
		if err := c.send(l, m); err != nil {
			return err
		}
	}
	return nil
}

// send writes m, fragmenting it when needed. Only transport errors are
// returned.
func (c *Client) send(l *link, m boltnet.Message) error {
	buf, err := c.pool.Get(l.ctx)
	if err != nil {
		return err
	}
	w := wire.NewWriterBuffer(buf, c.codec.Encoding())
	defer func() { c.pool.Put(w.Bytes()) }()

	if err := c.codec.EncodeTo(w, m); err != nil {
		c.log.Warn("dropping outgoing message", logging.F("tag", m.Tag()), logging.Err(err))
		return nil
	}

	frame := w.Bytes()
	if len(frame) <= c.opts.MaxMessageSize {
		return l.conn.WriteFrame(l.ctx, frame)
	}

	if !c.opts.AllowPartialMessages {
		c.log.Warn("dropping outgoing message", logging.F("tag", m.Tag()), logging.Err(boltnet.ErrMessageTooLarge))
		return nil
	}
	pieces, err := fragment.Split(frame, c.opts.MaxMessageSize, c.header)
	if err != nil || len(pieces) > c.opts.MaxPartialMessageCount {
		c.log.Warn("dropping outgoing message", logging.F("tag", m.Tag()), logging.F("size", len(frame)), logging.Err(boltnet.ErrMessageTooLarge))
		return nil
	}

	pw := wire.NewWriter(c.codec.Encoding())
	for _, piece := range pieces {
		pw.Reset()
		if err := c.codec.EncodeTo(pw, &protocol.PartialMessage{PieceCount: int32(len(pieces)), Data: piece}); err != nil {
			return err
		}
		if err := l.conn.WriteFrame(l.ctx, pw.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

var _ boltnet.Client = (*Client)(nil)
