// Package server implements the authority side of boltnet: it admits
// connections from a boltnet.Listener, owns the session table, runs the
// write workers and dispatches received messages on the host's tick.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/luciancaetano/boltnet"
	"github.com/luciancaetano/boltnet/internal/bufpool"
	"github.com/luciancaetano/boltnet/internal/extension"
	"github.com/luciancaetano/boltnet/internal/protocol"
	"github.com/luciancaetano/boltnet/internal/stringcache"
	"github.com/luciancaetano/boltnet/logging"
)

// Handlers are the public callbacks of a server. All of them run on the
// goroutine that calls ProcessAllEvents.
type Handlers struct {
	OnConnect    func(s boltnet.Session)
	OnDisconnect func(s boltnet.Session, reason boltnet.DisconnectReason)
	OnMessage    func(s boltnet.Session, m boltnet.Message)
}

// Server is the connection manager.
type Server struct {
	opts     *Options
	log      logging.Logger
	listener boltnet.Listener
	handlers Handlers

	cache    *stringcache.Cache
	codec    *protocol.Codec
	pool     *bufpool.Pool
	pipeline *extension.Pipeline
	env      *sessionEnv
	metrics  *Metrics

	mu         sync.Mutex
	running    bool
	cancel     context.CancelFunc
	sched      *scheduler
	acceptDone chan struct{}
	admits     sync.WaitGroup

	// claims holds every identifier from admission until retirement and
	// bounds the server's capacity.
	claimMu sync.Mutex
	claims  map[boltnet.ClientIdentifier]*session

	activeMu sync.RWMutex
	active   map[boltnet.ClientIdentifier]*session

	joinMu  sync.Mutex
	joining []*session

	// draining is owned by the tick goroutine
	draining []*session
	ticking  atomic.Bool
}

// New builds a server that accepts connections from listener. The options
// are validated and copied.
func New(listener boltnet.Listener, opts *Options, handlers Handlers) (*Server, error) {
	if listener == nil {
		return nil, errors.New("server: nil listener")
	}
	if opts == nil {
		opts = DefaultOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	s := &Server{
		opts:     opts,
		log:      opts.Logger,
		listener: listener,
		handlers: handlers,
		metrics:  opts.Metrics,
		claims:   make(map[boltnet.ClientIdentifier]*session),
		active:   make(map[boltnet.ClientIdentifier]*session),
	}

	s.cache = stringcache.New(stringcache.Authority, stringcache.WithListener(s.cacheChanged))
	var tags protocol.TagCache
	if opts.StringCachingEnabled {
		tags = s.cache
	}
	s.codec = protocol.NewCodec(opts.Registry, tags, opts.CharacterEncoding)

	partialHeader, err := s.codec.PartialHeaderSize()
	if err != nil {
		return nil, fmt.Errorf("server: fragment header size: %w", err)
	}
	if opts.AllowPartialMessages && partialHeader >= opts.MaxMessageSize {
		return nil, fmt.Errorf("server: MaxMessageSize %d cannot hold a fragment header of %d bytes", opts.MaxMessageSize, partialHeader)
	}

	s.pool = bufpool.ForServer(opts.MaxMessageSize, opts.MaxClients, opts.AllowPartialMessages, opts.MaxPartialMessageCount)
	s.pipeline = extension.New(s.log, s.metrics.extensionFailed)
	for _, ext := range opts.Extensions {
		if err := s.pipeline.Add(ext); err != nil {
			return nil, err
		}
	}

	s.env = &sessionEnv{
		codec:         s.codec,
		pool:          s.pool,
		opts:          opts,
		partialHeader: partialHeader,
		metrics:       s.metrics,
	}
	return s, nil
}

// StringCache returns the authority cache. Adding or removing strings sends
// a fresh snapshot to every active session.
func (s *Server) StringCache() *stringcache.Cache {
	return s.cache
}

// Codec returns the codec used for every session.
func (s *Server) Codec() *protocol.Codec {
	return s.codec
}

// Start binds and starts the extensions, interns every cacheable message
// tag and starts accepting connections.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return boltnet.ErrServerAlreadyRunning
	}

	s.pipeline.Bind(s)
	s.pipeline.Start(ctx)

	if s.opts.StringCachingEnabled {
		for _, tag := range s.opts.Registry.CachedTags() {
			if _, err := s.cache.Add(tag); err != nil && !errors.Is(err, boltnet.ErrDuplicateEntry) {
				return fmt.Errorf("server: intern %q: %w", tag, err)
			}
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.sched = newScheduler(s.opts.MaxClientsPerWriteWorker, s.metrics)
	s.acceptDone = make(chan struct{})
	s.running = true

	go s.acceptLoop(runCtx)

	s.log.Info("server started",
		logging.F("max_clients", s.opts.MaxClients),
		logging.F("string_caching", s.opts.StringCachingEnabled),
		logging.F("partial_messages", s.opts.AllowPartialMessages),
		logging.F("extensions", s.pipeline.Len()),
	)
	return nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer close(s.acceptDone)

	for {
		hs, err := s.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, boltnet.ErrListenerClosed) {
				s.log.Error("accept failed", logging.Err(err))
			}
			return
		}

		s.admits.Add(1)
		go func() {
			defer s.admits.Done()
			s.admit(ctx, hs)
		}()
	}
}

// admit negotiates one handshake. Each step that refuses the connection
// answers with its own HTTP status.
func (s *Server) admit(ctx context.Context, hs boltnet.Handshake) {
	req := hs.Request()
	log := s.log.With(logging.F("request_id", req.ID), logging.F("remote_addr", req.RemoteAddr))

	reject := func(status int, reason, outcome string) {
		s.metrics.negotiations.WithLabelValues(outcome).Inc()
		log.Info("connection rejected", logging.F("status", status), logging.F("reason", reason))
		if err := hs.Reject(status, reason); err != nil {
			log.Debug("reject handshake", logging.Err(err))
		}
	}

	if s.claimCount() >= s.opts.MaxClients {
		reject(http.StatusServiceUnavailable, boltnet.ErrServerFull.Error(), "full")
		return
	}

	if req.Header.Get(s.opts.IdentificationHeader) == "" {
		reject(http.StatusBadRequest, "missing "+s.opts.IdentificationHeader+" header", "bad_request")
		return
	}

	resp := &boltnet.NegotiationResponse{}
	if verdict, by := s.pipeline.Negotiate(ctx, req, resp); verdict == boltnet.Reject {
		status := resp.Status
		if status == 0 {
			status = http.StatusForbidden
		}
		log.Debug("negotiation rejected", logging.F("extension", by))
		reject(status, resp.Reason, "rejected")
		return
	}

	identifier, stampedBy, ok := req.Identifier()
	if !ok {
		reject(http.StatusInternalServerError, "no identifier assigned", "no_identifier")
		return
	}

	if err := s.claim(identifier); err != nil {
		if errors.Is(err, boltnet.ErrServerFull) {
			reject(http.StatusServiceUnavailable, err.Error(), "full")
		} else {
			reject(http.StatusConflict, err.Error(), "duplicate")
		}
		return
	}

	conn, err := hs.Upgrade()
	if err != nil {
		s.unclaim(identifier, nil)
		s.metrics.negotiations.WithLabelValues("upgrade_failed").Inc()
		log.Warn("upgrade failed", logging.Err(err))
		return
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	sess := newSession(id, identifier, conn, s.env, s.log)

	s.claimMu.Lock()
	s.claims[identifier] = sess
	s.claimMu.Unlock()

	go sess.readLoop()

	s.joinMu.Lock()
	s.joining = append(s.joining, sess)
	s.joinMu.Unlock()

	s.metrics.negotiations.WithLabelValues("accepted").Inc()
	sess.log.Info("connection accepted", logging.F("stamped_by", stampedBy))
}

func (s *Server) claimCount() int {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()
	return len(s.claims)
}

// claim reserves identifier. The session is filled in after upgrade.
func (s *Server) claim(identifier boltnet.ClientIdentifier) error {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()

	if _, ok := s.claims[identifier]; ok {
		return fmt.Errorf("identifier %s: %w", identifier, boltnet.ErrDuplicateEntry)
	}
	if len(s.claims) >= s.opts.MaxClients {
		return boltnet.ErrServerFull
	}
	s.claims[identifier] = nil
	return nil
}

// unclaim releases identifier if it is still held by sess.
func (s *Server) unclaim(identifier boltnet.ClientIdentifier, sess *session) {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()

	if s.claims[identifier] == sess {
		delete(s.claims, identifier)
	}
}

// ProcessAllEvents runs one tick. It must be called from a single goroutine.
func (s *Server) ProcessAllEvents() error {
	if !s.ticking.CompareAndSwap(false, true) {
		return boltnet.ErrReentrantTick
	}
	defer s.ticking.Store(false)

	s.mu.Lock()
	running, sched := s.running, s.sched
	s.mu.Unlock()
	if !running {
		return boltnet.ErrServerNotRunning
	}

	start := time.Now()
	defer func() { s.metrics.tickDuration.Observe(time.Since(start).Seconds()) }()

	s.processJoins(sched)
	s.processMessages()
	s.pipeline.Tick()
	s.processLeaves(sched)
	return nil
}

func (s *Server) processJoins(sched *scheduler) {
	s.joinMu.Lock()
	joining := s.joining
	s.joining = nil
	s.joinMu.Unlock()

	for _, sess := range joining {
		if !sess.activate() {
			s.draining = append(s.draining, sess)
			continue
		}

		sched.assign(sess)

		s.activeMu.Lock()
		s.active[sess.identifier] = sess
		if s.opts.StringCachingEnabled {
			// Queued under the table lock so a concurrent cache change
			// cannot slip an older snapshot in behind a newer one.
			_ = sess.QueueMessage(&protocol.StringCacheUpdateMessage{Entries: s.cache.Entries()})
		}
		s.activeMu.Unlock()

		sess.activated = true
		s.metrics.activeSessions.Inc()
		sess.log.Debug("session connected")

		s.pipeline.SessionConnected(sess)
		if s.handlers.OnConnect != nil {
			s.handlers.OnConnect(sess)
		}
	}
}

func (s *Server) processMessages() {
	for _, sess := range s.activeSessions() {
		// Messages read before the session started leaving are still
		// delivered.
		s.deliver(sess)

		if sess.leaving() {
			s.activeMu.Lock()
			delete(s.active, sess.identifier)
			s.activeMu.Unlock()
			s.draining = append(s.draining, sess)
		}
	}
}

func (s *Server) deliver(sess *session) {
	for _, m := range sess.takeIncoming() {
		if s.pipeline.MessageReceived(sess, m) == boltnet.Claimed {
			continue
		}
		if s.handlers.OnMessage != nil {
			s.handlers.OnMessage(sess, m)
		}
	}
}

// processLeaves retires sessions whose read loop has exited. The others
// are still finishing a graceful disconnect and wait for a later tick.
func (s *Server) processLeaves(sched *scheduler) {
	remaining := s.draining[:0]
	for _, sess := range s.draining {
		if !sess.readFinished() {
			remaining = append(remaining, sess)
			continue
		}
		if sess.activated {
			// the read loop has exited, so nothing follows these
			s.deliver(sess)
		}
		s.retire(sched, sess)
	}
	clear(s.draining[len(remaining):])
	s.draining = remaining
}

func (s *Server) retire(sched *scheduler, sess *session) {
	sched.release(sess)
	sess.dispose()
	s.unclaim(sess.identifier, sess)

	reason, _ := sess.DisconnectReason()
	s.metrics.disconnects.WithLabelValues(reason.String()).Inc()

	if !sess.activated {
		sess.log.Debug("session left before activation", logging.F("reason", reason.String()))
		return
	}

	s.metrics.activeSessions.Dec()
	sess.log.Info("session disconnected", logging.F("reason", reason.String()))

	s.pipeline.SessionDisconnected(sess)
	if s.handlers.OnDisconnect != nil {
		s.handlers.OnDisconnect(sess, reason)
	}
}

// Stop disconnects every session with DisconnectShutdown and stops the
// extensions and write workers. ctx bounds the whole shutdown.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return boltnet.ErrServerNotRunning
	}
	cancel, sched, acceptDone := s.cancel, s.sched, s.acceptDone
	s.mu.Unlock()

	// Wait out a tick in progress and keep new ones from starting.
	for !s.ticking.CompareAndSwap(false, true) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
	defer s.ticking.Store(false)

	s.pipeline.Stop(ctx)

	cancel()
	if err := s.listener.Close(); err != nil {
		s.log.Debug("close listener", logging.Err(err))
	}
	<-acceptDone
	s.admits.Wait()

	sessions := s.takeAll()
	for _, sess := range sessions {
		sess.beginDisconnect(boltnet.DisconnectShutdown)
	}

	sched.stop()

	var g errgroup.Group
	for _, sess := range sessions {
		g.Go(func() error {
			flushCtx, cancel := context.WithTimeout(ctx, s.opts.ShutdownTimeout)
			defer cancel()
			if err := sess.finishDisconnect(flushCtx); err != nil {
				sess.log.Debug("final flush", logging.Err(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, sess := range sessions {
		s.retire(sched, sess)
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.log.Info("server stopped", logging.F("sessions", len(sessions)))
	return nil
}

// takeAll empties the joining, active and draining sets.
func (s *Server) takeAll() []*session {
	s.joinMu.Lock()
	all := s.joining
	s.joining = nil
	s.joinMu.Unlock()

	s.activeMu.Lock()
	for _, sess := range s.active {
		all = append(all, sess)
	}
	clear(s.active)
	s.activeMu.Unlock()

	all = append(all, s.draining...)
	s.draining = nil
	return all
}

func (s *Server) activeSessions() []*session {
	s.activeMu.RLock()
	defer s.activeMu.RUnlock()

	out := make([]*session, 0, len(s.active))
	for _, sess := range s.active {
		out = append(out, sess)
	}
	return out
}

// Session looks up an active session by identifier.
func (s *Server) Session(id boltnet.ClientIdentifier) (boltnet.Session, bool) {
	s.activeMu.RLock()
	defer s.activeMu.RUnlock()

	sess, ok := s.active[id]
	if !ok {
		return nil, false
	}
	return sess, true
}

// Sessions returns the active sessions in no particular order.
func (s *Server) Sessions() []boltnet.Session {
	active := s.activeSessions()
	out := make([]boltnet.Session, len(active))
	for i, sess := range active {
		out[i] = sess
	}
	return out
}

// Len returns the number of active sessions.
func (s *Server) Len() int {
	s.activeMu.RLock()
	defer s.activeMu.RUnlock()
	return len(s.active)
}

// Broadcast queues m on every active session.
func (s *Server) Broadcast(m boltnet.Message) {
	s.activeMu.RLock()
	defer s.activeMu.RUnlock()

	for _, sess := range s.active {
		_ = sess.QueueMessage(m)
	}
}

// cacheChanged runs after every Add or Remove on the authority cache.
func (s *Server) cacheChanged(entries []stringcache.Entry) {
	if s.opts.StringCachingEnabled {
		s.Broadcast(&protocol.StringCacheUpdateMessage{Entries: entries})
	}
}

var _ boltnet.Server = (*Server)(nil)
