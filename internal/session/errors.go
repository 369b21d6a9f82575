package session

import (
	"errors"
	"fmt"

	"github.com/1ureka/parley/internal/protocol"
)

// Kind sentinels. Match them with errors.Is against any error returned by
// Start or SendPacket.
var (
	ErrUnreachable      = errors.New("unreachable")
	ErrRefused          = errors.New("refused")
	ErrProtocolMismatch = errors.New("protocol mismatch")
	ErrNotConnected     = errors.New("not connected")
	ErrUnroutable       = errors.New("unroutable")
)

// ErrNotReady is returned by Identifier before the session is Active.
var ErrNotReady = errors.New("session not ready")

// ConnectionErrorKind classifies a failed Start.
type ConnectionErrorKind int

const (
	Unreachable ConnectionErrorKind = iota
	Refused
	ProtocolMismatch
)

func (k ConnectionErrorKind) sentinel() error {
	switch k {
	case Refused:
		return ErrRefused
	case ProtocolMismatch:
		return ErrProtocolMismatch
	default:
		return ErrUnreachable
	}
}

func (k ConnectionErrorKind) String() string { return k.sentinel().Error() }

// ConnectionError is fatal to a Start attempt. The session is left
// Disconnected with nothing held; a fresh Session must be used to retry.
type ConnectionError struct {
	Kind ConnectionErrorKind
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("connect %s: %s", e.Addr, e.Kind)
	}
	return fmt.Sprintf("connect %s: %s: %v", e.Addr, e.Kind, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Is(target error) bool { return target == e.Kind.sentinel() }

// SendErrorKind classifies a failed SendPacket.
type SendErrorKind int

const (
	NotConnected SendErrorKind = iota
	Unroutable
)

func (k SendErrorKind) sentinel() error {
	if k == Unroutable {
		return ErrUnroutable
	}
	return ErrNotConnected
}

func (k SendErrorKind) String() string { return k.sentinel().Error() }

// SendError reports a packet that was not handed to the transport, or that
// the router could not deliver. The session stays usable unless the kind is
// NotConnected.
type SendError struct {
	Kind SendErrorKind
	Dest protocol.Identity
	Err  error
}

func (e *SendError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("send to %s: %s", e.Dest, e.Kind)
	}
	return fmt.Sprintf("send to %s: %s: %v", e.Dest, e.Kind, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

func (e *SendError) Is(target error) bool { return target == e.Kind.sentinel() }
