// Package transport carries protocol frames between a chat client and the
// routing server. Three interchangeable kinds are provided: a length-prefixed
// TCP stream, WebSocket binary messages, and a WebRTC DataChannel negotiated
// over a WebSocket signaling exchange.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"syscall"
	"time"
)

// Kind names a transport implementation.
type Kind string

const (
	KindTCP Kind = "tcp"
	KindWS  Kind = "ws"
	KindRTC Kind = "rtc"
)

// Kinds lists the supported transports in preference order.
var Kinds = []Kind{KindTCP, KindWS, KindRTC}

// ParseKind validates a transport name.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown transport %q (want tcp, ws or rtc)", s)
}

// HTTP paths served by the router for the WebSocket based transports.
const (
	PathWS  = "/ws"
	PathRTC = "/rtc"
)

// MaxFrameSize bounds a single encoded frame on every transport.
const MaxFrameSize = 1 << 20

// Conn is a reliable, ordered, message-framed connection.
//
// ReadFrame must only be called from one goroutine at a time. WriteFrame is
// safe for concurrent use and never interleaves two frames. Close unblocks a
// pending ReadFrame and may be called more than once.
type Conn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(frame []byte) error
	Close() error
	RemoteAddr() string
}

// Dial failure classes. Errors returned by Dial wrap exactly one of them.
var (
	ErrRefused     = errors.New("connection refused")
	ErrUnreachable = errors.New("peer unreachable")
	ErrProtocol    = errors.New("peer does not speak the chat protocol")
)

// ErrFrameTooLarge is returned for frames larger than MaxFrameSize.
var ErrFrameTooLarge = fmt.Errorf("frame exceeds %d bytes", MaxFrameSize)

// Options tune the dialers.
type Options struct {
	// ICEServers are STUN/TURN URLs for the rtc transport. Empty means host
	// candidates only, which is enough when the router is directly reachable.
	ICEServers []string

	// IncludeLoopback lets the rtc transport gather loopback candidates so a
	// client and router on the same host can connect without a LAN address.
	IncludeLoopback bool

	// NegotiationTimeout bounds the rtc offer/answer exchange.
	NegotiationTimeout time.Duration
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		IncludeLoopback:    true,
		NegotiationTimeout: 15 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	if o.NegotiationTimeout <= 0 {
		o.NegotiationTimeout = DefaultOptions().NegotiationTimeout
	}
	return o
}

// Dial opens a connection of the given kind to the router at host:port.
func Dial(ctx context.Context, kind Kind, host string, port int, opts Options) (Conn, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	switch kind {
	case KindTCP:
		return dialStream(ctx, addr)
	case KindWS:
		return dialWS(ctx, addr)
	case KindRTC:
		return dialRTC(ctx, addr, opts)
	default:
		return nil, fmt.Errorf("%w: unknown transport %q", ErrProtocol, kind)
	}
}

// classify wraps a network dial error with its failure class.
func classify(err error) error {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return fmt.Errorf("%w: %w", ErrRefused, err)
	}
	return fmt.Errorf("%w: %w", ErrUnreachable, err)
}
