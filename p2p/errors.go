package p2p

import (
	"errors"
	"fmt"
)

// ErrInvalidPayload indicates that a peer supplied a syntactically correct message with invalid contents.
// Inbound handlers wrap it to have the sending connection penalized.
var ErrInvalidPayload = errors.New("p2p: invalid payload")

// IsInvalidPayload reports whether the error originated from a malformed or invalid payload.
func IsInvalidPayload(err error) bool {
	return errors.Is(err, ErrInvalidPayload)
}

var (
	// ErrNoReadyPeers is returned by the router when no connection can take
	// the request before the caller's deadline.
	ErrNoReadyPeers = errors.New("p2p: no ready peers")
	// ErrRequestTimeout reports that the selected connection did not answer
	// a routed request in time. The connection is evicted.
	ErrRequestTimeout = errors.New("p2p: request timeout")
	// ErrPeerClosed reports that the connection serving a request closed
	// before answering.
	ErrPeerClosed = errors.New("p2p: peer closed")
	// ErrAddrBookFull is returned when a new address cannot be admitted and
	// no existing entry is evictable.
	ErrAddrBookFull = errors.New("p2p: address book full")
	// ErrMaxConnections rejects connections beyond the configured limits.
	ErrMaxConnections = errors.New("p2p: maximum connections reached")

	// ErrIncompatiblePeer, ErrHandshakeTimeout and ErrProtocolViolation are
	// the handshake failure classes carried by HandshakeError.
	ErrIncompatiblePeer  = errors.New("p2p: incompatible peer")
	ErrHandshakeTimeout  = errors.New("p2p: handshake timeout")
	ErrProtocolViolation = errors.New("p2p: protocol violation")

	ErrServerStopped   = errors.New("p2p: server stopped")
	ErrBanned          = errors.New("p2p: peer banned")
	ErrPingTimeout     = errors.New("p2p: ping timeout")
	ErrUnsupportedCall = errors.New("p2p: unsupported request")

	errDuplicateConnection = errors.New("p2p: duplicate connection")
	errQueueFull           = errors.New("p2p: peer outbound queue full")
)

// HandshakeFailure classifies why a handshake did not reach the ready state.
type HandshakeFailure uint8

const (
	IncompatiblePeer HandshakeFailure = iota + 1
	HandshakeTimeout
	ProtocolViolation
)

func (f HandshakeFailure) String() string {
	switch f {
	case IncompatiblePeer:
		return "incompatible_peer"
	case HandshakeTimeout:
		return "timeout"
	case ProtocolViolation:
		return "protocol_violation"
	default:
		return "unknown"
	}
}

func (f HandshakeFailure) sentinel() error {
	switch f {
	case IncompatiblePeer:
		return ErrIncompatiblePeer
	case HandshakeTimeout:
		return ErrHandshakeTimeout
	default:
		return ErrProtocolViolation
	}
}

// HandshakeError is the terminal Failed state of a handshake. errors.Is
// matches both the failure class sentinel and the underlying cause.
type HandshakeError struct {
	Reason HandshakeFailure
	Err    error
}

func newHandshakeError(reason HandshakeFailure, format string, args ...any) *HandshakeError {
	return &HandshakeError{Reason: reason, Err: fmt.Errorf(format, args...)}
}

func (e *HandshakeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("handshake failed: %s", e.Reason)
	}
	return fmt.Sprintf("handshake failed: %s: %v", e.Reason, e.Err)
}

func (e *HandshakeError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Reason.sentinel()}
	}
	return []error{e.Reason.sentinel(), e.Err}
}
