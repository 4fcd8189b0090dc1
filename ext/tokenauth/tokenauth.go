// Package tokenauth provides a negotiation extension that admits connections
// carrying a valid access token and identifies them by the identity the
// token was issued for. Tokens of connected sessions can be checked again
// periodically, disconnecting sessions whose token has expired.
package tokenauth

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/luciancaetano/boltnet"
	"github.com/luciancaetano/boltnet/logging"
)

// Name is the extension name.
const Name = "token-auth"

// Options configures the extension.
type Options struct {
	// TokenHeader carries the access token.
	TokenHeader string
	// IdentityHeader, when set and present on a request, must name the same
	// identity as the token.
	IdentityHeader string
	// UserAgent restricts the extension to requests with this user agent;
	// others are left to later extensions. Empty handles every request.
	UserAgent string
	// CheckInterval is how often the tokens of connected sessions are looked
	// up again. Zero disables the check.
	CheckInterval time.Duration
	// LookupTimeout bounds each store lookup.
	LookupTimeout time.Duration
	Logger        logging.Logger
}

// DefaultOptions returns the default configuration.
func DefaultOptions() *Options {
	return &Options{
		TokenHeader:    "X-Boltnet-Token",
		IdentityHeader: "X-Boltnet-Identity",
		LookupTimeout:  5 * time.Second,
	}
}

type tracked struct {
	session   boltnet.Session
	token     string
	lastCheck time.Time
	checking  bool
}

// Extension authenticates connections against a TokenStore.
type Extension struct {
	store TokenStore
	opts  Options
	log   logging.Logger

	// pending maps negotiation request ids to tokens until the session
	// connects. Entries for connections that never connect expire.
	pending *cache.Cache

	// ctx bounds background rechecks and is cancelled by Stop.
	ctx    context.Context
	cancel context.CancelFunc
	checks sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*tracked
	stopped  bool
	now      func() time.Time
}

// New creates the extension. A nil opts uses DefaultOptions.
func New(store TokenStore, opts *Options) *Extension {
	o := DefaultOptions()
	if opts != nil {
		o = opts
	}
	log := o.Logger
	if log == nil {
		log = logging.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Extension{
		store:    store,
		opts:     *o,
		log:      log,
		pending:  cache.New(time.Minute, 5*time.Minute),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*tracked),
		now:      time.Now,
	}
}

func (*Extension) Name() string { return Name }

// OnNegotiate rejects requests without a valid token with 401, and with 503
// when the store cannot be reached.
func (e *Extension) OnNegotiate(ctx context.Context, req *boltnet.NegotiationRequest, resp *boltnet.NegotiationResponse) (boltnet.Verdict, error) {
	if e.opts.UserAgent != "" && req.Header.Get("User-Agent") != e.opts.UserAgent {
		return boltnet.Accept, nil
	}
	if _, _, ok := req.Identifier(); ok {
		return boltnet.Accept, nil
	}

	log := e.log.With(logging.F("request_id", req.ID), logging.F("remote_addr", req.RemoteAddr))

	token := req.Header.Get(e.opts.TokenHeader)
	if token == "" {
		log.Warn("refusing connection without a token")
		resp.Reject(http.StatusUnauthorized, "missing token")
		return boltnet.Reject, nil
	}

	var claimed *boltnet.ClientIdentifier
	if e.opts.IdentityHeader != "" {
		if raw := req.Header.Get(e.opts.IdentityHeader); raw != "" {
			id, err := boltnet.ParseClientIdentifier(raw)
			if err != nil {
				log.Warn("refusing connection with an invalid identity", logging.Err(err))
				resp.Reject(http.StatusBadRequest, "invalid identity")
				return boltnet.Reject, nil
			}
			claimed = &id
		}
	}

	id, err := e.lookup(ctx, token)
	switch {
	case errors.Is(err, ErrUnknownToken):
		log.Warn("refusing connection with an unknown token")
		resp.Reject(http.StatusUnauthorized, "invalid token")
		return boltnet.Reject, nil
	case err != nil:
		log.Error("token lookup failed", logging.Err(err))
		resp.Reject(http.StatusServiceUnavailable, "token store unavailable")
		return boltnet.Reject, nil
	}

	if claimed != nil && *claimed != id {
		log.Warn("refusing connection whose token belongs to another identity",
			logging.F("claimed", claimed.String()),
			logging.F("token_identity", id.String()),
		)
		resp.Reject(http.StatusUnauthorized, "token does not match identity")
		return boltnet.Reject, nil
	}

	if err := req.StampIdentifier(id, Name); err != nil {
		return boltnet.Accept, err
	}
	e.pending.SetDefault(req.ID, token)
	return boltnet.Accept, nil
}

func (e *Extension) OnSessionConnected(s boltnet.Session) error {
	v, ok := e.pending.Get(s.ID())
	if !ok {
		return nil
	}
	e.pending.Delete(s.ID())

	e.mu.Lock()
	e.sessions[s.ID()] = &tracked{session: s, token: v.(string), lastCheck: e.now()}
	e.mu.Unlock()
	return nil
}

func (e *Extension) OnSessionDisconnected(s boltnet.Session) error {
	e.mu.Lock()
	delete(e.sessions, s.ID())
	e.mu.Unlock()
	return nil
}

// Tick starts a background check for every session whose token was last
// checked more than CheckInterval ago.
func (e *Extension) Tick() error {
	if e.opts.CheckInterval <= 0 {
		return nil
	}

	now := e.now()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return nil
	}
	for _, t := range e.sessions {
		if !t.checking && now.Sub(t.lastCheck) >= e.opts.CheckInterval {
			t.checking = true
			e.checks.Go(func() { e.recheck(t) })
		}
	}
	return nil
}

// Stop cancels rechecks in flight and waits for them to return.
func (e *Extension) Stop(ctx context.Context) error {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.checks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Extension) recheck(t *tracked) {
	id, err := e.lookup(e.ctx, t.token)

	e.mu.Lock()
	t.checking = false
	t.lastCheck = e.now()
	e.mu.Unlock()

	if e.ctx.Err() != nil {
		return
	}

	var reason boltnet.DisconnectReason
	switch {
	case errors.Is(err, ErrUnknownToken):
		reason = boltnet.DisconnectExpiredToken
	case err != nil:
		e.log.Warn("token recheck failed", logging.F("session_id", t.session.ID()), logging.Err(err))
		return
	case id != t.session.Identifier():
		reason = boltnet.DisconnectInvalidToken
	default:
		return
	}

	e.log.Info("disconnecting session with an invalid token",
		logging.F("session_id", t.session.ID()),
		logging.F("reason", reason.String()),
	)
	ctx, cancel := context.WithTimeout(e.ctx, e.lookupTimeout())
	defer cancel()
	if err := t.session.Disconnect(ctx, reason); err != nil {
		e.log.Debug("disconnect", logging.Err(err))
	}
}

func (e *Extension) lookup(ctx context.Context, token string) (boltnet.ClientIdentifier, error) {
	ctx, cancel := context.WithTimeout(ctx, e.lookupTimeout())
	defer cancel()
	return e.store.Lookup(ctx, token)
}

func (e *Extension) lookupTimeout() time.Duration {
	if e.opts.LookupTimeout > 0 {
		return e.opts.LookupTimeout
	}
	return DefaultOptions().LookupTimeout
}

var (
	_ boltnet.Negotiator     = (*Extension)(nil)
	_ boltnet.ConnectHook    = (*Extension)(nil)
	_ boltnet.DisconnectHook = (*Extension)(nil)
	_ boltnet.Ticker         = (*Extension)(nil)
	_ boltnet.Stopper        = (*Extension)(nil)
)
