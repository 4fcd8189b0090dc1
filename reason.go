package boltnet

import "fmt"

// DisconnectReason explains why a session ended. It is sent to the peer as a
// single byte inside the disconnect control message.
type DisconnectReason byte

const (
	DisconnectExpiredToken DisconnectReason = iota
	DisconnectForced
	DisconnectInvalidToken
	DisconnectPartialMessageViolation
	DisconnectRequested
	DisconnectShutdown
	DisconnectUnexpected
)

func (r DisconnectReason) String() string {
	switch r {
	case DisconnectExpiredToken:
		return "ExpiredToken"
	case DisconnectForced:
		return "Forced"
	case DisconnectInvalidToken:
		return "InvalidToken"
	case DisconnectPartialMessageViolation:
		return "PartialMessageViolation"
	case DisconnectRequested:
		return "Requested"
	case DisconnectShutdown:
		return "Shutdown"
	case DisconnectUnexpected:
		return "UnexpectedDisconnect"
	default:
		return fmt.Sprintf("DisconnectReason(%d)", byte(r))
	}
}

// Valid reports whether r is a known reason.
func (r DisconnectReason) Valid() bool {
	return r <= DisconnectUnexpected
}
