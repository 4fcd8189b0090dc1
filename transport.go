package boltnet

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// Conn is a bidirectional message-oriented connection. Each frame read or
// written is one complete binary message.
type Conn interface {
	// ReadFrame blocks until a frame arrives, ctx is done or the connection
	// fails. A frame over the connection's size limit yields an error
	// wrapping ErrMessageTooLarge.
	ReadFrame(ctx context.Context) ([]byte, error)

	// WriteFrame writes one frame. It must not be called concurrently with
	// itself.
	WriteFrame(ctx context.Context, frame []byte) error

	// Close closes the connection, sending a close code and reason to the
	// peer when the transport supports it. Safe to call more than once.
	Close(code int, reason string) error

	// Latency returns the most recent round-trip estimate.
	Latency() time.Duration

	// RemoteAddr returns the peer's network address.
	RemoteAddr() string
}

// Handshake is a pending inbound connection that has not been admitted yet.
// Exactly one of Reject or Upgrade must be called.
type Handshake interface {
	// Request returns the negotiation request built from the handshake.
	Request() *NegotiationRequest

	// Reject refuses the connection with the given status.
	Reject(status int, reason string) error

	// Upgrade admits the connection and returns the established Conn.
	Upgrade() (Conn, error)
}

// Listener produces inbound handshakes.
type Listener interface {
	// Accept blocks until a handshake is available or ctx is done. After
	// Close it returns ErrListenerClosed.
	Accept(ctx context.Context) (Handshake, error)

	// Close stops producing handshakes. Pending handshakes are rejected.
	Close() error
}

// NegotiationRequest carries what is known about a connection before it is
// admitted. Extensions inspect it and one of them stamps the identifier the
// session will carry.
type NegotiationRequest struct {
	// ID is unique per connection attempt.
	ID string
	// RemoteAddr is the peer's network address.
	RemoteAddr string
	// Header holds the handshake headers.
	Header http.Header

	mu         sync.Mutex
	identifier ClientIdentifier
	stampedBy  string
	stamped    bool
}

// StampIdentifier records the identifier the session will be known by.
// Only the first stamp is kept; later calls return
// ErrIdentifierAlreadyStamped.
func (r *NegotiationRequest) StampIdentifier(id ClientIdentifier, extension string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stamped {
		return ErrIdentifierAlreadyStamped
	}
	r.identifier = id
	r.stampedBy = extension
	r.stamped = true
	return nil
}

// Identifier returns the stamped identifier and the name of the extension
// that stamped it.
func (r *NegotiationRequest) Identifier() (id ClientIdentifier, extension string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.identifier, r.stampedBy, r.stamped
}

// NegotiationResponse is filled in by extensions that reject a connection.
type NegotiationResponse struct {
	Status int
	Reason string
}

// Reject sets the rejection status and reason.
func (r *NegotiationResponse) Reject(status int, reason string) {
	r.Status = status
	r.Reason = reason
}
