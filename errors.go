package boltnet

import "errors"

// Protocol errors. The offending frame is dropped and logged; the session
// survives.
var (
	ErrMalformedFrame = errors.New("boltnet: malformed frame")
	ErrUnknownType    = errors.New("boltnet: unknown message type")
	ErrCacheMiss      = errors.New("boltnet: string cache miss")
	ErrDuplicateType  = errors.New("boltnet: message type already registered")
)

// Capacity errors.
var (
	ErrMessageTooLarge = errors.New("boltnet: message too large")
	ErrServerFull      = errors.New("boltnet: server full")
)

// Cache consistency errors, returned synchronously from Add and Remove.
var (
	ErrDuplicateEntry = errors.New("boltnet: string already cached")
	ErrNotFound       = errors.New("boltnet: string not cached")
	ErrWrongRealm     = errors.New("boltnet: operation not permitted in this realm")
)

// Connection and lifecycle errors.
var (
	ErrDisposed             = errors.New("boltnet: session disposed")
	ErrNotConnected         = errors.New("boltnet: not connected")
	ErrAlreadyConnected     = errors.New("boltnet: already connected")
	ErrServerAlreadyRunning = errors.New("boltnet: server already running")
	ErrServerNotRunning     = errors.New("boltnet: server not running")
	ErrReentrantTick        = errors.New("boltnet: ProcessAllEvents called concurrently")
	ErrListenerClosed       = errors.New("boltnet: listener closed")
	ErrHandshakeSettled     = errors.New("boltnet: handshake already accepted or rejected")
)

// Negotiation and extension errors.
var (
	ErrIdentifierAlreadyStamped = errors.New("boltnet: identifier already stamped")
	ErrInvalidIdentifier        = errors.New("boltnet: invalid client identifier")
	ErrDuplicateExtension       = errors.New("boltnet: extension already registered")
)
