package boltnet

import "context"

// Verdict is a negotiation outcome.
type Verdict bool

const (
	Reject Verdict = false
	Accept Verdict = true
)

// Claim is a message hook outcome. A claimed message is not offered to later
// extensions or to the public handler.
type Claim bool

const (
	Unclaimed Claim = false
	Claimed   Claim = true
)

// Extension is a pluggable server component. Beyond Name, an extension
// implements whichever of the hook interfaces below it needs; the server
// discovers them with type assertions.
//
// Hooks run on the server's goroutines and are isolated from each other: an
// error or panic in one hook is logged and the remaining extensions still
// run.
type Extension interface {
	Name() string
}

// Starter is called from Server.Start, in registration order.
type Starter interface {
	Start(ctx context.Context) error
}

// Stopper is called from Server.Stop, in registration order.
type Stopper interface {
	Stop(ctx context.Context) error
}

// Ticker is called once per ProcessAllEvents.
type Ticker interface {
	Tick() error
}

// ConnectHook is called when a session joins the active set.
type ConnectHook interface {
	OnSessionConnected(s Session) error
}

// DisconnectHook is called when a session leaves the active set.
type DisconnectHook interface {
	OnSessionDisconnected(s Session) error
}

// MessageHook sees every received message before the public handler.
type MessageHook interface {
	OnMessageReceived(s Session, m Message) (Claim, error)
}

// Negotiator takes part in admitting a connection. Returning Reject refuses
// the connection with whatever status was set on resp. A negotiator that
// accepts may stamp an identifier on req.
type Negotiator interface {
	OnNegotiate(ctx context.Context, req *NegotiationRequest, resp *NegotiationResponse) (Verdict, error)
}

// ServerAware extensions receive the server they are attached to before
// Start.
type ServerAware interface {
	BindServer(s Server)
}
