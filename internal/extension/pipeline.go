// Package extension runs server extension hooks in registration order,
// isolating each hook invocation from the others.
package extension

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/luciancaetano/boltnet"
	"github.com/luciancaetano/boltnet/logging"
)

// Hook names reported to failure observers and logs.
const (
	HookStart        = "start"
	HookStop         = "stop"
	HookTick         = "tick"
	HookConnected    = "session_connected"
	HookDisconnected = "session_disconnected"
	HookMessage      = "message_received"
	HookNegotiate    = "negotiate"
)

// FailureObserver is told about every hook that returned an error or
// panicked.
type FailureObserver func(extension, hook string)

// Pipeline holds the extensions of one server.
type Pipeline struct {
	exts      []boltnet.Extension
	names     map[string]struct{}
	log       logging.Logger
	onFailure FailureObserver
}

// New returns an empty pipeline. A nil observer is allowed.
func New(log logging.Logger, onFailure FailureObserver) *Pipeline {
	if log == nil {
		log = logging.Nop()
	}
	return &Pipeline{
		names:     make(map[string]struct{}),
		log:       log,
		onFailure: onFailure,
	}
}

// Add appends ext. Names must be unique.
func (p *Pipeline) Add(ext boltnet.Extension) error {
	name := ext.Name()
	if _, ok := p.names[name]; ok {
		return fmt.Errorf("add extension %q: %w", name, boltnet.ErrDuplicateExtension)
	}
	p.names[name] = struct{}{}
	p.exts = append(p.exts, ext)
	return nil
}

// Extensions returns the extensions in registration order.
func (p *Pipeline) Extensions() []boltnet.Extension {
	return p.exts
}

// Len returns the number of extensions.
func (p *Pipeline) Len() int {
	return len(p.exts)
}

// Bind hands s to every ServerAware extension.
func (p *Pipeline) Bind(s boltnet.Server) {
	for _, ext := range p.exts {
		if sa, ok := ext.(boltnet.ServerAware); ok {
			_ = p.call(ext, "bind", func() error {
				sa.BindServer(s)
				return nil
			})
		}
	}
}

// Start runs every Starter.
func (p *Pipeline) Start(ctx context.Context) {
	for _, ext := range p.exts {
		if h, ok := ext.(boltnet.Starter); ok {
			_ = p.call(ext, HookStart, func() error { return h.Start(ctx) })
		}
	}
}

// Stop runs every Stopper.
func (p *Pipeline) Stop(ctx context.Context) {
	for _, ext := range p.exts {
		if h, ok := ext.(boltnet.Stopper); ok {
			_ = p.call(ext, HookStop, func() error { return h.Stop(ctx) })
		}
	}
}

// Tick runs every Ticker.
func (p *Pipeline) Tick() {
	for _, ext := range p.exts {
		if h, ok := ext.(boltnet.Ticker); ok {
			_ = p.call(ext, HookTick, h.Tick)
		}
	}
}

// SessionConnected runs every ConnectHook.
func (p *Pipeline) SessionConnected(s boltnet.Session) {
	for _, ext := range p.exts {
		if h, ok := ext.(boltnet.ConnectHook); ok {
			_ = p.call(ext, HookConnected, func() error { return h.OnSessionConnected(s) })
		}
	}
}

// SessionDisconnected runs every DisconnectHook.
func (p *Pipeline) SessionDisconnected(s boltnet.Session) {
	for _, ext := range p.exts {
		if h, ok := ext.(boltnet.DisconnectHook); ok {
			_ = p.call(ext, HookDisconnected, func() error { return h.OnSessionDisconnected(s) })
		}
	}
}

// MessageReceived offers m to every MessageHook until one claims it. A
// failing hook does not claim.
func (p *Pipeline) MessageReceived(s boltnet.Session, m boltnet.Message) boltnet.Claim {
	for _, ext := range p.exts {
		h, ok := ext.(boltnet.MessageHook)
		if !ok {
			continue
		}

		claim := boltnet.Unclaimed
		err := p.call(ext, HookMessage, func() error {
			var err error
			claim, err = h.OnMessageReceived(s, m)
			return err
		})
		if err == nil && claim == boltnet.Claimed {
			return boltnet.Claimed
		}
	}
	return boltnet.Unclaimed
}

// Negotiate asks every Negotiator in turn. The first rejection wins; a
// failing negotiator is skipped as if it had not been consulted.
func (p *Pipeline) Negotiate(ctx context.Context, req *boltnet.NegotiationRequest, resp *boltnet.NegotiationResponse) (verdict boltnet.Verdict, by string) {
	for _, ext := range p.exts {
		h, ok := ext.(boltnet.Negotiator)
		if !ok {
			continue
		}

		v := boltnet.Accept
		err := p.call(ext, HookNegotiate, func() error {
			var err error
			v, err = h.OnNegotiate(ctx, req, resp)
			return err
		})
		if err == nil && v == boltnet.Reject {
			return boltnet.Reject, ext.Name()
		}
	}
	return boltnet.Accept, ""
}

// call runs fn, converting a panic to an error. Failures are logged and
// reported, never propagated past the pipeline.
func (p *Pipeline) call(ext boltnet.Extension, hook string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("extension %q panicked in %s: %v", ext.Name(), hook, r)
			p.log.Error("extension hook panicked",
				logging.F("extension", ext.Name()),
				logging.F("hook", hook),
				logging.F("panic", fmt.Sprint(r)),
				logging.F("stack", string(debug.Stack())),
			)
			p.report(ext, hook)
		}
	}()

	if err = fn(); err != nil {
		p.log.Error("extension hook failed",
			logging.F("extension", ext.Name()),
			logging.F("hook", hook),
			logging.Err(err),
		)
		p.report(ext, hook)
	}
	return err
}

func (p *Pipeline) report(ext boltnet.Extension, hook string) {
	if p.onFailure != nil {
		p.onFailure(ext.Name(), hook)
	}
}
