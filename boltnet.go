package boltnet

import (
	"context"
	"time"

	"github.com/luciancaetano/boltnet/wire"
)

// Message is a typed unit exchanged between client and server.
//
// Every message is identified on the wire by its tag. The tag is written
// either literally or, when CacheTag reports true and string caching is
// enabled, as the numeric id the server's string cache assigned to it.
//
// Example:
//
//	type Chat struct{ Text string }
//
//	func (*Chat) Tag() string    { return "game.Chat" }
//	func (*Chat) CacheTag() bool { return true }
//	func (c *Chat) Serialize(w *wire.Writer) error { return w.WriteString(c.Text) }
//	func (c *Chat) Deserialize(r *wire.Reader) (err error) {
//	    c.Text, err = r.ReadString()
//	    return err
//	}
type Message interface {
	// Tag returns the type tag used to reconstruct the message on the peer.
	// It must match the tag the message was registered under.
	Tag() string

	// CacheTag reports whether the tag participates in string caching.
	CacheTag() bool

	// Serialize writes the payload.
	Serialize(w *wire.Writer) error

	// Deserialize reads the payload written by Serialize.
	Deserialize(r *wire.Reader) error
}

// Factory constructs an empty message ready for Deserialize.
type Factory func() Message

// SessionState is the lifecycle state of a connection.
type SessionState int32

const (
	StateNegotiating SessionState = iota
	StateActive
	StateDisconnecting
	StateDisconnected
)

func (s SessionState) String() string {
	switch s {
	case StateNegotiating:
		return "negotiating"
	case StateActive:
		return "active"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Session represents one connected client as seen by the server.
//
// Sessions are created by the server once a connection has been negotiated
// and are handed to extensions and handlers from the tick goroutine.
type Session interface {
	// ID returns a unique identifier for the underlying connection.
	//
	// The ID is generated when the connection is accepted and, unlike
	// Identifier, is unique across reconnects of the same client.
	ID() string

	// Identifier returns the identity stamped during negotiation.
	Identifier() ClientIdentifier

	// RemoteAddr returns the client's remote network address.
	RemoteAddr() string

	// Context returns the session's lifecycle context.
	//
	// This context is cancelled when the session starts disconnecting,
	// aborting its read path and in-flight writes.
	Context() context.Context

	// QueueMessage enqueues a message for delivery by the session's write
	// worker. It never blocks on the network.
	//
	// Returns ErrDisposed if the session has already been torn down.
	QueueMessage(m Message) error

	// Disconnect gracefully disconnects the session: a disconnect message
	// carrying reason is queued, the outgoing queue is drained and the
	// transport is closed. It does nothing if the session is already
	// leaving.
	Disconnect(ctx context.Context, reason DisconnectReason) error

	// State returns the current lifecycle state.
	State() SessionState

	// DisconnectReason returns the reason the session left, if any.
	DisconnectReason() (DisconnectReason, bool)

	// Ping returns the latest transport round-trip time, or -1 when the
	// session is no longer connected.
	Ping() time.Duration
}

// Server accepts and manages client sessions.
//
// Example usage:
//
//	import "github.com/luciancaetano/boltnet/ws"
//
//	opts := ws.DefaultServerOptions()
//	opts.Extensions = []boltnet.Extension{genericauth.New()}
//	server, _ := ws.NewServer(listener, opts, ws.Handlers{
//	    OnMessage: func(s boltnet.Session, m boltnet.Message) { ... },
//	})
//
//	server.Start(ctx)
//	for range ticker.C {
//	    server.ProcessAllEvents()
//	}
type Server interface {
	// Start starts the accept loop and the extensions.
	//
	// Returns an error if the server is already running.
	Start(ctx context.Context) error

	// Stop shuts the server down. Every remaining session is sent a
	// DisconnectShutdown message and disconnected before Stop returns.
	Stop(ctx context.Context) error

	// ProcessAllEvents runs one tick: admits joining sessions, dispatches
	// received messages, ticks extensions and retires leaving sessions.
	//
	// It must be driven by a single goroutine; a concurrent call returns
	// ErrReentrantTick without doing anything.
	ProcessAllEvents() error

	// Session looks up a connected session by identifier.
	Session(id ClientIdentifier) (Session, bool)

	// Sessions returns a snapshot of the active sessions.
	Sessions() []Session

	// Broadcast queues m on every active session.
	Broadcast(m Message)
}

// Client is the replica side of a connection.
type Client interface {
	// Connect dials the server and starts the read and write paths.
	Connect(ctx context.Context, url string, header map[string][]string) error

	// Disconnect sends a DisconnectRequested message and waits for the
	// server's acknowledgement or ctx to expire.
	Disconnect(ctx context.Context) error

	// QueueMessage enqueues a message to send to the server.
	QueueMessage(m Message) error

	// ProcessIncomingMessages dispatches every message received since the
	// last call to the registered handler.
	ProcessIncomingMessages()

	// Connected reports whether the client is connected.
	Connected() bool
}
