// Package session is the client side of a chat connection: it binds one
// identity to one transport connection, sends addressed packets and fans
// inbound packets out to registered listeners from a dispatch goroutine.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/1ureka/parley/internal/protocol"
	"github.com/1ureka/parley/internal/transport"
	"github.com/1ureka/parley/internal/util"
)

// State is the lifecycle stage of a Session.
type State int

const (
	Disconnected State = iota
	Connecting
	Active
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	case Closed:
		return "closed"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// errStarted is returned by Start on a session that is not Disconnected.
var errStarted = errors.New("session already started")

// Session is one client connection to the router.
//
// All methods are safe for concurrent use. Listener callbacks run on the
// dispatch goroutine and may call any method, including CloseSession.
type Session struct {
	name             string
	kind             transport.Kind
	transportOpts    transport.Options
	requested        protocol.Identity
	handshakeTimeout time.Duration
	onUnroutable     func(protocol.Identity)
	dial             Dialer

	mu        sync.Mutex
	state     State
	identity  protocol.Identity
	conn      transport.Conn
	listeners []Listener
	looping   bool

	doneOnce sync.Once
	done     chan struct{}
}

// New returns a Disconnected session that will announce itself as name.
func New(name string, opts ...Option) *Session {
	s := &Session{
		name:             name,
		kind:             transport.KindTCP,
		transportOpts:    transport.DefaultOptions(),
		handshakeTimeout: DefaultHandshakeTimeout,
		done:             make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.dial == nil {
		s.dial = func(ctx context.Context, host string, port int) (transport.Conn, error) {
			return transport.Dial(ctx, s.kind, host, port, s.transportOpts)
		}
	}
	return s
}

// Dial creates a session and starts it.
func Dial(ctx context.Context, name, host string, port int, opts ...Option) (*Session, error) {
	s := New(name, opts...)
	if err := s.Start(ctx, host, port); err != nil {
		return nil, err
	}
	return s, nil
}

// Name returns the name the session announces.
func (s *Session) Name() string { return s.name }

// State returns the current lifecycle stage.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the session is Closed and its dispatch goroutine has
// returned. No listener runs after Done is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Identifier returns the identity assigned by the router.
func (s *Session) Identifier() (protocol.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Active {
		return protocol.NoIdentity, ErrNotReady
	}
	return s.identity, nil
}

// Start connects to the router at host:port, performs the handshake and
// starts the dispatch goroutine. On failure it returns a *ConnectionError,
// releases the connection and leaves the session Disconnected, so Start may
// be retried. The exception is a CloseSession during the handshake: the
// session stays Closed and Start reports Unreachable.
func (s *Session) Start(ctx context.Context, host string, port int) error {
	s.mu.Lock()
	if s.state != Disconnected {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w (%s)", errStarted, state)
	}
	s.state = Connecting
	s.mu.Unlock()

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, id, err := s.connect(ctx, host, port)
	if err != nil {
		s.mu.Lock()
		if s.state == Connecting {
			s.state = Disconnected
		}
		s.mu.Unlock()
		var ce *ConnectionError
		if errors.As(err, &ce) {
			ce.Addr = addr
			return ce
		}
		return &ConnectionError{Kind: Unreachable, Addr: addr, Err: err}
	}

	s.mu.Lock()
	if s.state != Connecting {
		// CloseSession ran during the handshake.
		s.mu.Unlock()
		conn.Close()
		return &ConnectionError{Kind: Unreachable, Addr: addr, Err: errors.New("session closed during handshake")}
	}
	s.state = Active
	s.identity = id
	s.conn = conn
	s.looping = true
	s.mu.Unlock()

	util.LogDebug("[%s] session active as %q via %s", id, s.name, conn.RemoteAddr())
	go s.dispatch(conn)
	return nil
}

// connect dials the transport and runs the Hello exchange.
func (s *Session) connect(ctx context.Context, host string, port int) (transport.Conn, protocol.Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, s.handshakeTimeout)
	defer cancel()

	conn, err := s.dial(ctx, host, port)
	if err != nil {
		return nil, 0, &ConnectionError{Kind: dialKind(err), Err: err}
	}

	id, err := handshake(ctx, conn, s.requested, s.name)
	if err != nil {
		conn.Close()
		return nil, 0, err
	}
	return conn, id, nil
}

// dialKind maps a transport dial failure onto a ConnectionError kind.
func dialKind(err error) ConnectionErrorKind {
	switch {
	case errors.Is(err, transport.ErrRefused):
		return Refused
	case errors.Is(err, transport.ErrProtocol):
		return ProtocolMismatch
	default:
		return Unreachable
	}
}

// handshake sends Hello and waits for Welcome or Reject. A context expiry
// closes conn to unblock the pending read.
func handshake(ctx context.Context, conn transport.Conn, requested protocol.Identity, name string) (protocol.Identity, error) {
	hello, err := protocol.HelloFrame(requested, name)
	if err != nil {
		return 0, &ConnectionError{Kind: ProtocolMismatch, Err: err}
	}
	if err := conn.WriteFrame(protocol.Encode(hello)); err != nil {
		return 0, &ConnectionError{Kind: Unreachable, Err: fmt.Errorf("send hello: %w", err)}
	}

	type reply struct {
		raw []byte
		err error
	}
	replyCh := make(chan reply, 1)
	go func() {
		raw, err := conn.ReadFrame()
		replyCh <- reply{raw, err}
	}()

	var r reply
	select {
	case r = <-replyCh:
	case <-ctx.Done():
		conn.Close()
		<-replyCh
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return 0, &ConnectionError{Kind: ProtocolMismatch, Err: errors.New("no handshake reply")}
		}
		return 0, &ConnectionError{Kind: Unreachable, Err: ctx.Err()}
	}
	if r.err != nil {
		return 0, &ConnectionError{Kind: Unreachable, Err: fmt.Errorf("read handshake reply: %w", r.err)}
	}

	f, err := protocol.Decode(r.raw)
	if err != nil {
		return 0, &ConnectionError{Kind: ProtocolMismatch, Err: err}
	}
	switch f.Type {
	case protocol.TypeWelcome:
		w, err := protocol.ParseWelcome(f)
		if err != nil {
			return 0, &ConnectionError{Kind: ProtocolMismatch, Err: err}
		}
		if w.Version != protocol.Version {
			return 0, &ConnectionError{Kind: ProtocolMismatch, Err: fmt.Errorf("router speaks version %d, want %d", w.Version, protocol.Version)}
		}
		if !f.ID.Valid() {
			return 0, &ConnectionError{Kind: ProtocolMismatch, Err: errors.New("router assigned no identity")}
		}
		return f.ID, nil
	case protocol.TypeReject:
		rej, err := protocol.ParseReject(f)
		if err != nil {
			return 0, &ConnectionError{Kind: ProtocolMismatch, Err: err}
		}
		kind := ProtocolMismatch
		if rej.Code == protocol.RejectRefused {
			kind = Refused
		}
		return 0, &ConnectionError{Kind: kind, Err: fmt.Errorf("router: %s", rej.Reason)}
	default:
		return 0, &ConnectionError{Kind: ProtocolMismatch, Err: fmt.Errorf("unexpected %s during handshake", f)}
	}
}

// SendPacket hands data addressed to dest to the transport. It fails with a
// *SendError of kind NotConnected unless the session is Active, and of kind
// Unroutable when dest can never be a live identity. A destination the
// router cannot reach is reported later through the unroutable handler.
func (s *Session) SendPacket(dest protocol.Identity, data []byte) error {
	s.mu.Lock()
	state, conn := s.state, s.conn
	s.mu.Unlock()

	if state != Active {
		return &SendError{Kind: NotConnected, Dest: dest}
	}
	if !dest.Valid() {
		return &SendError{Kind: Unroutable, Dest: dest}
	}
	if protocol.HeaderSize+len(data) > transport.MaxFrameSize {
		return fmt.Errorf("send to %s: %w", dest, transport.ErrFrameTooLarge)
	}
	if err := conn.WriteFrame(protocol.Encode(protocol.DataFrame(dest, data))); err != nil {
		return &SendError{Kind: NotConnected, Dest: dest, Err: err}
	}
	return nil
}

// AddMessageListener registers l. Registering the same listener again, a
// nil listener, or any listener once the session is Closed is a no-op.
// Listeners whose dynamic type is not comparable, such as struct values
// holding a func, are never treated as already registered.
func (s *Session) AddMessageListener(l Listener) {
	if l == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Closed || slices.ContainsFunc(s.listeners, func(x Listener) bool { return sameListener(x, l) }) {
		return
	}
	s.listeners = append(s.listeners, l)
}

// CloseSession moves the session to Closed, tells the router it is leaving
// and releases the transport, which unblocks the dispatch goroutine. Later
// calls are no-ops. It does not wait for a listener that is already running:
// a delivery that passed its state check just before CloseSession may still
// be in progress when CloseSession returns. Only a closed Done guarantees
// that no listener is running or will run.
func (s *Session) CloseSession() {
	s.shutdown(true)
}

// shutdown is the single path into Closed.
func (s *Session) shutdown(graceful bool) {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}
	s.state = Closed
	conn, id, looping := s.conn, s.identity, s.looping
	s.listeners = nil
	s.mu.Unlock()

	if conn != nil {
		if graceful {
			sayGoodbye(conn, id)
		}
		if err := conn.Close(); err != nil {
			util.LogDebug("[%s] close transport: %v", id, err)
		}
	}
	if !looping {
		s.markDone()
	}
}

// sayGoodbye writes a Bye frame, giving up after byeTimeout. A router that
// stopped reading, or a SendPacket stuck in a full socket buffer, can hold
// the write forever; closing the transport then releases the writer.
func sayGoodbye(conn transport.Conn, id protocol.Identity) {
	sent := make(chan struct{})
	go func() {
		defer close(sent)
		_ = conn.WriteFrame(protocol.Encode(&protocol.Frame{Type: protocol.TypeBye, ID: id}))
	}()

	timer := time.NewTimer(byeTimeout)
	defer timer.Stop()
	select {
	case <-sent:
	case <-timer.C:
		util.LogDebug("[%s] bye not written within %v", id, byeTimeout)
	}
}

func (s *Session) markDone() {
	s.doneOnce.Do(func() { close(s.done) })
}
