package session

import (
	"context"
	"time"

	"github.com/1ureka/parley/internal/protocol"
	"github.com/1ureka/parley/internal/transport"
)

// DefaultHandshakeTimeout bounds the wait for the router's reply to Hello.
const DefaultHandshakeTimeout = 10 * time.Second

// byeTimeout bounds the farewell write in CloseSession.
const byeTimeout = 250 * time.Millisecond

// Dialer opens the transport connection for Start.
type Dialer func(ctx context.Context, host string, port int) (transport.Conn, error)

// Option configures a Session.
type Option func(*Session)

// WithTransport selects the transport kind. The default is tcp.
func WithTransport(kind transport.Kind) Option {
	return func(s *Session) { s.kind = kind }
}

// WithTransportOptions sets the options passed to the transport dialer.
func WithTransportOptions(opts transport.Options) Option {
	return func(s *Session) { s.transportOpts = opts }
}

// WithIdentity asks the router to bind a previously held identity. The
// router refuses if another live session holds it.
func WithIdentity(id protocol.Identity) Option {
	return func(s *Session) { s.requested = id }
}

// WithHandshakeTimeout bounds the wait for Welcome or Reject.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.handshakeTimeout = d
		}
	}
}

// WithUnroutableHandler receives the destinations the router reported as
// having no live session. It runs on the dispatch goroutine.
func WithUnroutableHandler(fn func(dest protocol.Identity)) Option {
	return func(s *Session) { s.onUnroutable = fn }
}

// WithDialer replaces the transport dialer, bypassing WithTransport.
func WithDialer(d Dialer) Option {
	return func(s *Session) { s.dial = d }
}
