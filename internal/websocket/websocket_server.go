package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/luciancaetano/boltnet"
	"github.com/luciancaetano/boltnet/logging"
)

// CheckOriginFn is a function that validates the origin of a WebSocket connection request.
// It receives the HTTP request and returns true if the origin is allowed, false otherwise.
// Use this to implement CORS policies for your WebSocket server.
type CheckOriginFn = func(r *http.Request) bool

var errHandshakeAbandoned = errors.New("websocket: handshake abandoned by peer or timeout")

// ListenerConfig configures a Listener.
type ListenerConfig struct {
	// Addr is the address Start listens on, e.g. ":8080".
	Addr string
	// Path is the route Start serves upgrades on. Defaults to "/ws".
	Path string
	// CheckOrigin validates the Origin header. Nil allows same-origin only.
	CheckOrigin CheckOriginFn
	// ReadLimit is the largest frame accepted from a peer.
	ReadLimit int64
	// PingTimeout is how long a peer has to answer a ping before the
	// connection is considered dead.
	PingTimeout time.Duration
	// HandshakeTimeout bounds how long an inbound connection waits to be
	// accepted or rejected.
	HandshakeTimeout time.Duration
	// Backlog is the number of handshakes that may wait for Accept.
	Backlog int
	Logger  logging.Logger
}

// DefaultListenerConfig returns the configuration used when fields are left
// zero.
func DefaultListenerConfig() *ListenerConfig {
	return &ListenerConfig{
		Path:             "/ws",
		ReadLimit:        65536,
		PingTimeout:      5 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		Backlog:          64,
	}
}

func (c *ListenerConfig) withDefaults() *ListenerConfig {
	out := *c
	def := DefaultListenerConfig()
	if out.Path == "" {
		out.Path = def.Path
	}
	if out.ReadLimit <= 0 {
		out.ReadLimit = def.ReadLimit
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = def.PingTimeout
	}
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = def.HandshakeTimeout
	}
	if out.Backlog <= 0 {
		out.Backlog = def.Backlog
	}
	if out.Logger == nil {
		out.Logger = logging.Nop()
	}
	return &out
}

// Listener turns HTTP upgrade requests into handshakes. It is an
// http.Handler, so it can be mounted on any router, or it can run its own
// HTTP server with Start.
type Listener struct {
	cfg      *ListenerConfig
	upgrader websocket.Upgrader
	log      logging.Logger

	pending   chan *handshake
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	running bool
	server  *http.Server
}

// NewListener creates a listener. A nil cfg uses DefaultListenerConfig.
func NewListener(cfg *ListenerConfig) *Listener {
	if cfg == nil {
		cfg = DefaultListenerConfig()
	}
	cfg = cfg.withDefaults()

	return &Listener{
		cfg: cfg,
		log: cfg.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
		pending: make(chan *handshake, cfg.Backlog),
		closed:  make(chan struct{}),
	}
}

// Start serves the listener on cfg.Addr until Stop.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return boltnet.ErrServerAlreadyRunning
	}
	l.running = true

	mux := http.NewServeMux()
	mux.Handle(l.cfg.Path, l)
	l.server = &http.Server{
		Addr:              l.cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: l.cfg.HandshakeTimeout,
	}
	server := l.server
	l.mu.Unlock()

	errChan := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	// Check for immediate startup errors with a small timeout
	select {
	case err := <-errChan:
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
		return err
	case <-ctx.Done():
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return l.Stop(stopCtx)
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Stop closes the listener and shuts down the HTTP server started by Start.
func (l *Listener) Stop(ctx context.Context) error {
	l.Close()

	l.mu.Lock()
	server := l.server
	running := l.running
	l.running = false
	l.mu.Unlock()

	if !running || server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

// Accept returns the next inbound handshake.
func (l *Listener) Accept(ctx context.Context) (boltnet.Handshake, error) {
	select {
	case hs := <-l.pending:
		return hs, nil
	case <-l.closed:
		return nil, boltnet.ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops accepting handshakes. Handshakes still queued are rejected
// with 503.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		for {
			select {
			case hs := <-l.pending:
				_ = hs.Reject(http.StatusServiceUnavailable, "server shutting down")
			default:
				return
			}
		}
	})
	return nil
}

// ServeHTTP queues the request as a handshake and blocks until the
// handshake is settled.
func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusBadRequest)
		return
	}

	hs := &handshake{
		req: &boltnet.NegotiationRequest{
			ID:         uuid.New().String(),
			RemoteAddr: r.RemoteAddr,
			Header:     r.Header.Clone(),
		},
		decide: make(chan decision),
		gone:   make(chan struct{}),
	}
	defer close(hs.gone)

	timeout := time.NewTimer(l.cfg.HandshakeTimeout)
	defer timeout.Stop()

	select {
	case l.pending <- hs:
	case <-l.closed:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	case <-r.Context().Done():
		return
	case <-timeout.C:
		http.Error(w, "server busy", http.StatusServiceUnavailable)
		return
	}

	select {
	case d := <-hs.decide:
		d.done <- l.settle(w, r, d)
	case <-r.Context().Done():
	case <-timeout.C:
		l.log.Warn("handshake timed out",
			logging.F("request_id", hs.req.ID),
			logging.F("remote_addr", r.RemoteAddr),
		)
		http.Error(w, "handshake timed out", http.StatusServiceUnavailable)
	}
}

func (l *Listener) settle(w http.ResponseWriter, r *http.Request, d decision) settled {
	if !d.upgrade {
		http.Error(w, d.reason, d.status)
		return settled{}
	}

	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already written an HTTP error
		return settled{err: fmt.Errorf("websocket: upgrade: %w", err)}
	}
	return settled{conn: newConn(ws, r.RemoteAddr, l.cfg.ReadLimit, l.cfg.PingTimeout)}
}

type decision struct {
	upgrade bool
	status  int
	reason  string
	done    chan settled
}

type settled struct {
	conn *Conn
	err  error
}

// handshake is settled on the HTTP handler goroutine, which owns the
// ResponseWriter.
type handshake struct {
	req    *boltnet.NegotiationRequest
	decide chan decision
	gone   chan struct{}

	mu      sync.Mutex
	settled bool
}

func (h *handshake) Request() *boltnet.NegotiationRequest {
	return h.req
}

func (h *handshake) Reject(status int, reason string) error {
	_, err := h.send(decision{status: status, reason: reason})
	return err
}

func (h *handshake) Upgrade() (boltnet.Conn, error) {
	res, err := h.send(decision{upgrade: true})
	if err != nil {
		return nil, err
	}
	return res.conn, nil
}

func (h *handshake) send(d decision) (settled, error) {
	h.mu.Lock()
	if h.settled {
		h.mu.Unlock()
		return settled{}, boltnet.ErrHandshakeSettled
	}
	h.settled = true
	h.mu.Unlock()

	d.done = make(chan settled, 1)
	select {
	case h.decide <- d:
	case <-h.gone:
		return settled{}, errHandshakeAbandoned
	}

	res := <-d.done
	return res, res.err
}
