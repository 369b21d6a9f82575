// Package router is the routing peer: it admits sessions, assigns their
// identities and forwards Data frames between them.
//
// A Data frame addressed to an identity without a live session is dropped
// and answered with an Unroutable frame. Nothing is buffered for offline
// identities.
package router

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/1ureka/parley/internal/directory"
	"github.com/1ureka/parley/internal/protocol"
	"github.com/1ureka/parley/internal/transport"
	"github.com/1ureka/parley/internal/util"
)

// Tuning defaults.
const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultQueueSize        = 256 // per-peer outbound frames
)

// Registry is the directory the router consults when assigning identities
// and notifies when sessions come and go.
type Registry interface {
	directory.Directory
	directory.Presence
}

// Option configures a Router.
type Option func(*Router)

// WithRegistry makes known names keep their identity across sessions and
// reports joins and leaves to reg.
func WithRegistry(reg Registry) Option {
	return func(r *Router) { r.registry = reg }
}

// WithFirstIdentity makes the counter start at first. Use it to stay clear
// of identities a persistent registry already holds.
func WithFirstIdentity(first protocol.Identity) Option {
	return func(r *Router) {
		if first.Valid() {
			r.last = first - 1
		}
	}
}

// WithHandshakeTimeout bounds the wait for a connection's Hello.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.handshakeTimeout = d
		}
	}
}

// WithQueueSize sets the per-peer outbound queue length.
func WithQueueSize(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.queueSize = n
		}
	}
}

// WithTransportOptions sets the options used to accept rtc connections.
func WithTransportOptions(opts transport.Options) Option {
	return func(r *Router) { r.transportOpts = opts }
}

// Router owns the table of live sessions.
type Router struct {
	registry         Registry
	handshakeTimeout time.Duration
	queueSize        int
	transportOpts    transport.Options

	mu    sync.Mutex
	last  protocol.Identity
	peers map[protocol.Identity]*peer
	names map[string]*peer

	wg sync.WaitGroup
}

// New creates a router with no sessions.
func New(opts ...Option) *Router {
	r := &Router{
		handshakeTimeout: DefaultHandshakeTimeout,
		queueSize:        DefaultQueueSize,
		transportOpts:    transport.DefaultOptions(),
		peers:            make(map[protocol.Identity]*peer),
		names:            make(map[string]*peer),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// rejection is a handshake refusal sent back to the client.
type rejection struct {
	code   uint8
	reason string
}

func (e *rejection) Error() string { return e.reason }

func refuse(format string, args ...any) error {
	return &rejection{code: protocol.RejectRefused, reason: fmt.Sprintf(format, args...)}
}

func mismatch(format string, args ...any) error {
	return &rejection{code: protocol.RejectProtocol, reason: fmt.Sprintf(format, args...)}
}

// Serve runs one connection: handshake, then forwarding until the client
// leaves, the connection fails or ctx is cancelled. conn is always closed on
// return. The returned error describes a failed handshake; a session that
// ends after admission returns nil.
func (r *Router) Serve(ctx context.Context, conn transport.Conn) error {
	r.wg.Add(1)
	defer r.wg.Done()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	tag := util.ConnTag(conn.RemoteAddr())
	p, err := r.handshake(ctx, conn)
	if err != nil {
		var rej *rejection
		if errors.As(err, &rej) {
			if f, ferr := protocol.RejectFrame(rej.code, rej.reason); ferr == nil {
				_ = conn.WriteFrame(protocol.Encode(f))
			}
		}
		conn.Close()
		util.LogWarning("[%08x] handshake from %s failed: %v", tag, conn.RemoteAddr(), err)
		return err
	}

	go p.writeLoop()
	util.Stats.AddSession()
	util.LogInfo("[%s] %s joined from %s", p.id, p.name, p.remote)
	if r.registry != nil {
		if err := r.registry.Join(ctx, p.id, p.name); err != nil {
			util.LogWarning("[%s] presence join: %v", p.id, err)
		}
	}

	r.readLoop(p)

	r.remove(p)
	p.close()
	<-p.written
	util.Stats.RemoveSession()
	util.LogInfo("[%s] %s left", p.id, p.name)
	if r.registry != nil {
		// The session context is gone; presence still has to be recorded.
		leaveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := r.registry.Leave(leaveCtx, p.id); err != nil {
			util.LogWarning("[%s] presence leave: %v", p.id, err)
		}
		cancel()
	}
	return nil
}

// handshake reads the Hello, admits the session and writes the Welcome.
func (r *Router) handshake(ctx context.Context, conn transport.Conn) (*peer, error) {
	raw, err := r.readHello(ctx, conn)
	if err != nil {
		return nil, err
	}
	f, err := protocol.Decode(raw)
	if err != nil {
		return nil, mismatch("%v", err)
	}
	if f.Type != protocol.TypeHello {
		return nil, mismatch("expected HELLO, got %s", f)
	}
	hello, err := protocol.ParseHello(f)
	if err != nil {
		return nil, mismatch("%v", err)
	}
	if hello.Version != protocol.Version {
		return nil, mismatch("version %d not supported (want %d)", hello.Version, protocol.Version)
	}
	name := strings.TrimSpace(hello.Name)
	if name == "" {
		return nil, refuse("empty name")
	}

	id, err := r.resolve(ctx, f.ID, name)
	if err != nil {
		return nil, err
	}
	p, err := r.admit(ctx, id, name, conn)
	if err != nil {
		return nil, err
	}

	welcome, err := protocol.WelcomeFrame(p.id, p.name)
	if err == nil {
		err = conn.WriteFrame(protocol.Encode(welcome))
	}
	if err != nil {
		r.remove(p)
		p.close()
		return nil, fmt.Errorf("send welcome: %w", err)
	}
	return p, nil
}

// readHello waits for the first frame, closing conn if it does not arrive
// within the handshake timeout.
func (r *Router) readHello(ctx context.Context, conn transport.Conn) ([]byte, error) {
	timer := time.AfterFunc(r.handshakeTimeout, func() { conn.Close() })
	raw, err := conn.ReadFrame()
	if !timer.Stop() {
		return nil, fmt.Errorf("no hello within %v", r.handshakeTimeout)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("read hello: %w", err)
	}
	return raw, nil
}

// resolve picks the identity a Hello asks for: the registry's identity for
// a known name, else the requested one, else none (the counter decides).
func (r *Router) resolve(ctx context.Context, requested protocol.Identity, name string) (protocol.Identity, error) {
	if r.registry == nil {
		return requested, nil
	}

	known, err := r.registry.Identity(ctx, name)
	switch {
	case err == nil:
		if requested.Valid() && requested != known {
			return 0, refuse("%s is registered as %s", name, known)
		}
		return known, nil
	case !errors.Is(err, directory.ErrNotFound):
		return 0, fmt.Errorf("resolve %q: %w", name, err)
	}

	if requested.Valid() {
		owner, err := r.registry.DisplayName(ctx, requested)
		switch {
		case err == nil && owner != name:
			return 0, refuse("%s belongs to another user", requested)
		case err != nil && !errors.Is(err, directory.ErrNotFound):
			return 0, fmt.Errorf("resolve %s: %w", requested, err)
		}
	}
	return requested, nil
}

// admit registers the session under id, or under the next free identity
// when id is NoIdentity.
func (r *Router) admit(ctx context.Context, id protocol.Identity, name string, conn transport.Conn) (*peer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.names[name]; ok {
		return nil, refuse("%s is already online", name)
	}
	if id.Valid() {
		if _, ok := r.peers[id]; ok {
			return nil, refuse("%s is already online", id)
		}
		if id > r.last {
			r.last = id
		}
	} else {
		id = r.next()
	}

	p := newPeer(ctx, id, name, conn, r.queueSize)
	r.peers[id] = p
	r.names[name] = p
	return p, nil
}

// next returns the lowest counter value above every identity handed out so
// far. Callers hold r.mu.
func (r *Router) next() protocol.Identity {
	for {
		r.last++
		if !r.last.Valid() {
			continue
		}
		if _, live := r.peers[r.last]; !live {
			return r.last
		}
	}
}

// remove drops p from the tables if it is still the registered holder.
func (r *Router) remove(p *peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.peers[p.id] == p {
		delete(r.peers, p.id)
	}
	if r.names[p.name] == p {
		delete(r.names, p.name)
	}
}

func (r *Router) lookup(id protocol.Identity) *peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peers[id]
}

// readLoop handles frames from an admitted session until it ends.
func (r *Router) readLoop(p *peer) {
	for {
		raw, err := p.conn.ReadFrame()
		if err != nil {
			if p.ctx.Err() == nil {
				util.LogDebug("[%s] read error: %v", p.id, err)
			}
			return
		}
		f, err := protocol.Decode(raw)
		if err != nil {
			util.LogWarning("[%s] dropping frame: %v", p.id, err)
			continue
		}

		switch f.Type {
		case protocol.TypeData:
			r.route(p, f)
		case protocol.TypeBye:
			return
		default:
			util.LogDebug("[%s] ignoring %s", p.id, f)
		}
	}
}

// route forwards a Data frame from src, rewriting its ID to the sender.
func (r *Router) route(src *peer, f *protocol.Frame) {
	dst := r.lookup(f.ID)
	if dst == nil {
		util.Stats.AddUnroutable()
		util.LogDebug("[%s] no session for %s", src.id, f.ID)
		src.enqueue(protocol.Encode(&protocol.Frame{Type: protocol.TypeUnroutable, ID: f.ID}))
		return
	}
	if dst.enqueue(protocol.Encode(&protocol.Frame{Type: protocol.TypeData, ID: src.id, Payload: f.Payload})) {
		util.Stats.AddRouted(len(f.Payload))
	}
}

// Peers returns the live sessions ordered by identity. The server lists
// them on its status line.
func (r *Router) Peers() []PeerInfo {
	r.mu.Lock()
	infos := make([]PeerInfo, 0, len(r.peers))
	for _, p := range r.peers {
		infos = append(infos, p.info())
	}
	r.mu.Unlock()

	slices.SortFunc(infos, func(a, b PeerInfo) int { return cmp.Compare(a.ID, b.ID) })
	return infos
}

// Wait blocks until every Serve call has returned.
func (r *Router) Wait() {
	r.wg.Wait()
}
