package server

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/luciancaetano/boltnet"
	"github.com/luciancaetano/boltnet/internal/bufpool"
	"github.com/luciancaetano/boltnet/internal/fragment"
	"github.com/luciancaetano/boltnet/internal/protocol"
	"github.com/luciancaetano/boltnet/logging"
	"github.com/luciancaetano/boltnet/wire"
)

// RFC 6455 close codes.
const (
	closeNormal    = 1000
	closeGoingAway = 1001
)

const noReason = -1

// sessionEnv is what a session may use of its server: the codec, pooled
// buffers and limits. Sessions never see the session table.
type sessionEnv struct {
	codec         *protocol.Codec
	pool          *bufpool.Pool
	opts          *Options
	partialHeader int
	metrics       *Metrics
}

// session is the server side of one connection.
type session struct {
	id         string
	identifier boltnet.ClientIdentifier
	conn       boltnet.Conn
	env        *sessionEnv
	log        logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	state  atomic.Int32
	reason atomic.Int32

	inMu     sync.Mutex
	incoming []boltnet.Message

	outMu    sync.Mutex
	outgoing []boltnet.Message
	closed   bool

	// flushMu allows one flush in flight
	flushMu sync.Mutex
	worker  atomic.Pointer[writeWorker]

	reassembler *fragment.Reassembler
	closeOnce   sync.Once
	readDone    chan struct{}

	// activated is owned by the tick goroutine
	activated bool
}

func newSession(id string, identifier boltnet.ClientIdentifier, conn boltnet.Conn, env *sessionEnv, log logging.Logger) *session {
	ctx, cancel := context.WithCancel(context.Background())

	s := &session{
		id:         id,
		identifier: identifier,
		conn:       conn,
		env:        env,
		ctx:        ctx,
		cancel:     cancel,
		readDone:   make(chan struct{}),
		reassembler: fragment.NewReassembler(fragment.Config{
			Enabled:   env.opts.AllowPartialMessages,
			MaxPieces: env.opts.MaxPartialMessageCount,
			PieceSize: env.opts.MaxMessageSize - env.partialHeader,
		}, env.pool),
	}
	s.log = log.With(
		logging.F("session_id", id),
		logging.F("identifier", identifier.String()),
		logging.F("remote_addr", conn.RemoteAddr()),
	)
	s.state.Store(int32(boltnet.StateNegotiating))
	s.reason.Store(noReason)
	return s
}

func (s *session) ID() string                           { return s.id }
func (s *session) Identifier() boltnet.ClientIdentifier { return s.identifier }
func (s *session) RemoteAddr() string                   { return s.conn.RemoteAddr() }
func (s *session) Context() context.Context             { return s.ctx }

func (s *session) State() boltnet.SessionState {
	return boltnet.SessionState(s.state.Load())
}

func (s *session) DisconnectReason() (boltnet.DisconnectReason, bool) {
	r := s.reason.Load()
	if r == noReason {
		return 0, false
	}
	return boltnet.DisconnectReason(r), true
}

func (s *session) Ping() time.Duration {
	if s.State() == boltnet.StateDisconnected {
		return -1
	}
	return s.conn.Latency()
}

// QueueMessage appends m to the outgoing queue and wakes the write worker.
func (s *session) QueueMessage(m boltnet.Message) error {
	s.outMu.Lock()
	if s.closed {
		s.outMu.Unlock()
		return boltnet.ErrDisposed
	}
	s.outgoing = append(s.outgoing, m)
	s.outMu.Unlock()

	s.signal()
	return nil
}

// Disconnect queues a disconnect message carrying reason, drains the
// outgoing queue and closes the transport.
func (s *session) Disconnect(ctx context.Context, reason boltnet.DisconnectReason) error {
	if !s.beginDisconnect(reason) {
		return nil
	}
	return s.finishDisconnect(ctx)
}

// beginDisconnect moves the session to Disconnecting and queues the
// disconnect message. It reports false if the session was already leaving.
func (s *session) beginDisconnect(reason boltnet.DisconnectReason) bool {
	for {
		st := s.state.Load()
		if st >= int32(boltnet.StateDisconnecting) {
			return false
		}
		if s.state.CompareAndSwap(st, int32(boltnet.StateDisconnecting)) {
			break
		}
	}

	s.setReason(reason)

	s.outMu.Lock()
	if !s.closed {
		s.outgoing = append(s.outgoing, &protocol.DisconnectMessage{Reason: reason})
	}
	s.outMu.Unlock()
	s.signal()
	return true
}

// finishDisconnect drains the outgoing queue and closes the transport.
func (s *session) finishDisconnect(ctx context.Context) error {
	s.flushMu.Lock()
	var err error
	for s.pending() > 0 {
		if err = s.flushLocked(ctx); err != nil {
			break
		}
	}
	s.flushMu.Unlock()

	s.close(closeNormal, "")
	s.state.Store(int32(boltnet.StateDisconnected))
	return err
}

// abort tears the connection down without draining.
func (s *session) abort(reason boltnet.DisconnectReason, cause error) {
	s.setReason(reason)
	for {
		st := s.state.Load()
		if st >= int32(boltnet.StateDisconnecting) {
			break
		}
		if s.state.CompareAndSwap(st, int32(boltnet.StateDisconnecting)) {
			s.log.Debug("session aborted", logging.F("reason", reason.String()), logging.Err(cause))
			break
		}
	}
	s.close(closeGoingAway, "")
}

// close cancels the session context, closes the transport and refuses
// further messages. Safe to call more than once.
func (s *session) close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.outMu.Lock()
		s.closed = true
		s.outgoing = nil
		s.outMu.Unlock()

		s.cancel()
		if err := s.conn.Close(code, reason); err != nil {
			s.log.Debug("close transport", logging.Err(err))
		}
	})
}

// dispose finalises a session that has left the active set.
func (s *session) dispose() {
	s.setReason(boltnet.DisconnectUnexpected)
	s.close(closeGoingAway, "")
	<-s.readDone

	s.reassembler.Reset()
	s.inMu.Lock()
	s.incoming = nil
	s.inMu.Unlock()
	s.state.Store(int32(boltnet.StateDisconnected))
}

// setReason records reason unless one was already recorded.
func (s *session) setReason(reason boltnet.DisconnectReason) {
	s.reason.CompareAndSwap(noReason, int32(reason))
}

// activate moves a negotiated session into the active state.
func (s *session) activate() bool {
	return s.state.CompareAndSwap(int32(boltnet.StateNegotiating), int32(boltnet.StateActive))
}

func (s *session) leaving() bool {
	return s.State() >= boltnet.StateDisconnecting
}

// readFinished reports whether the read loop has exited, after which the
// session can be retired without cutting a graceful disconnect short.
func (s *session) readFinished() bool {
	select {
	case <-s.readDone:
		return true
	default:
		return false
	}
}

func (s *session) signal() {
	if w := s.worker.Load(); w != nil {
		w.notify()
	}
}

func (s *session) pending() int {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	return len(s.outgoing)
}

func (s *session) takeOutgoing() []boltnet.Message {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	msgs := s.outgoing
	s.outgoing = nil
	return msgs
}

func (s *session) takeIncoming() []boltnet.Message {
	s.inMu.Lock()
	defer s.inMu.Unlock()
	msgs := s.incoming
	s.incoming = nil
	return msgs
}

func (s *session) pushIncoming(m boltnet.Message) {
	s.inMu.Lock()
	s.incoming = append(s.incoming, m)
	s.inMu.Unlock()
}

// tryFlush is called by the write worker. It skips the session if another
// flush is in flight.
func (s *session) tryFlush() {
	if !s.flushMu.TryLock() {
		return
	}
	defer s.flushMu.Unlock()

	if st := s.State(); st != boltnet.StateActive && st != boltnet.StateDisconnecting {
		return
	}
	if s.pending() == 0 {
		return
	}
	_ = s.flushLocked(s.ctx)
}

// flushLocked writes every queued message. A transport failure aborts the
// session. flushMu must be held.
func (s *session) flushLocked(ctx context.Context) error {
	for _, m := range s.takeOutgoing() {
		if err := s.send(ctx, m); err != nil {
			s.abort(boltnet.DisconnectUnexpected, err)
			return err
		}
	}
	return nil
}

// send writes one message, fragmenting it when it does not fit in a frame.
// Only transport errors are returned; messages that cannot be encoded or
// are too large are logged and dropped.
func (s *session) send(ctx context.Context, m boltnet.Message) error {
	buf, err := s.env.pool.Get(ctx)
	if err != nil {
		return err
	}
	w := wire.NewWriterBuffer(buf, s.env.codec.Encoding())
	defer func() { s.env.pool.Put(w.Bytes()) }()

	if err := s.env.codec.EncodeTo(w, m); err != nil {
		s.log.Warn("dropping outgoing message", logging.F("tag", m.Tag()), logging.Err(err))
		s.env.metrics.dropped("out", "encode")
		return nil
	}

	frame := w.Bytes()
	if len(frame) <= s.env.opts.MaxMessageSize {
		if err := s.conn.WriteFrame(ctx, frame); err != nil {
			return err
		}
		s.sent(len(frame))
		return nil
	}
	return s.sendFragmented(ctx, m.Tag(), frame)
}

func (s *session) sendFragmented(ctx context.Context, tag string, frame []byte) error {
	opts := s.env.opts
	drop := func(err error) error {
		s.log.Warn("dropping outgoing message",
			logging.F("tag", tag),
			logging.F("size", len(frame)),
			logging.Err(err),
		)
		s.env.metrics.dropped("out", "too_large")
		return nil
	}

	if !opts.AllowPartialMessages {
		return drop(boltnet.ErrMessageTooLarge)
	}
	pieces, err := fragment.Split(frame, opts.MaxMessageSize, s.env.partialHeader)
	if err != nil {
		return drop(err)
	}
	if len(pieces) > opts.MaxPartialMessageCount {
		return drop(boltnet.ErrMessageTooLarge)
	}

	pw := wire.NewWriter(s.env.codec.Encoding())
	for _, piece := range pieces {
		pw.Reset()
		if err := s.env.codec.EncodeTo(pw, &protocol.PartialMessage{PieceCount: int32(len(pieces)), Data: piece}); err != nil {
			return drop(err)
		}
		if err := s.conn.WriteFrame(ctx, pw.Bytes()); err != nil {
			return err
		}
		s.env.metrics.fragmentsSent.Inc()
		s.env.metrics.bytesSent.Add(float64(pw.Len()))
	}
	s.env.metrics.messagesSent.Inc()
	return nil
}

func (s *session) sent(n int) {
	s.env.metrics.messagesSent.Inc()
	s.env.metrics.bytesSent.Add(float64(n))
}

// readLoop runs on its own goroutine until the transport fails or the
// session leaves.
func (s *session) readLoop() {
	defer close(s.readDone)

	for {
		frame, err := s.conn.ReadFrame(s.ctx)
		if errors.Is(err, boltnet.ErrMessageTooLarge) {
			s.violation(err)
			return
		}
		if err != nil {
			if !s.leaving() {
				s.abort(boltnet.DisconnectUnexpected, err)
			}
			return
		}
		s.env.metrics.bytesReceived.Add(float64(len(frame)))

		if !s.handleFrame(frame, false) {
			return
		}
	}
}

// handleFrame decodes frame and routes the message. It returns false once
// the session has started disconnecting.
func (s *session) handleFrame(frame []byte, reassembled bool) bool {
	m, err := s.env.codec.Decode(frame)
	if err != nil {
		s.log.Warn("dropping malformed frame", logging.F("size", len(frame)), logging.Err(err))
		s.env.metrics.dropped("in", "protocol")
		return true
	}

	switch msg := m.(type) {
	case *protocol.PartialMessage:
		if reassembled {
			return s.violation(errors.New("fragment nested in a reassembled message"))
		}
		complete, done, err := s.reassembler.Feed(s.ctx, int(msg.PieceCount), msg.Data)
		if err != nil {
			return s.violation(err)
		}
		if done {
			return s.handleFrame(complete, true)
		}
		return true

	case *protocol.DisconnectMessage:
		s.log.Debug("client requested disconnect")
		s.disconnectAsync(boltnet.DisconnectRequested)
		return false

	case *protocol.StringCacheUpdateMessage:
		s.log.Warn("dropping string cache update from client")
		s.env.metrics.dropped("in", "realm")
		return true

	default:
		s.env.metrics.messagesReceived.Inc()
		s.pushIncoming(m)
		return true
	}
}

func (s *session) violation(err error) bool {
	s.log.Warn("partial message violation", logging.Err(err))
	s.env.metrics.dropped("in", "partial_violation")
	s.disconnectAsync(boltnet.DisconnectPartialMessageViolation)
	return false
}

// disconnectAsync disconnects from the read goroutine, bounded by the
// shutdown timeout.
func (s *session) disconnectAsync(reason boltnet.DisconnectReason) {
	ctx, cancel := context.WithTimeout(context.Background(), s.env.opts.ShutdownTimeout)
	defer cancel()
	if err := s.Disconnect(ctx, reason); err != nil {
		s.log.Debug("disconnect", logging.Err(err))
	}
}

var _ boltnet.Session = (*session)(nil)
