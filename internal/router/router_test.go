package router

import (
	"context"
	"net"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/1ureka/parley/internal/directory"
	"github.com/1ureka/parley/internal/protocol"
	"github.com/1ureka/parley/internal/session"
	"github.com/1ureka/parley/internal/transport"
	"github.com/1ureka/parley/internal/util"
)

func TestMain(m *testing.M) {
	util.Silence()
	goleak.VerifyTestMain(m)
}

const waitFor = 2 * time.Second

type testRouter struct {
	*Router
	host string
	port int
}

// startRouter serves r on a loopback TCP listener for the rest of the test.
func startRouter(t *testing.T, opts ...Option) *testRouter {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	r := New(opts...)
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- r.ServeListener(ctx, l) }()

	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-served)
		r.Wait()
	})

	addr := l.Addr().(*net.TCPAddr)
	return &testRouter{Router: r, host: "127.0.0.1", port: addr.Port}
}

func (tr *testRouter) dial(t *testing.T, name string, opts ...session.Option) (*session.Session, error) {
	t.Helper()
	s, err := session.Dial(context.Background(), name, tr.host, tr.port, opts...)
	if err != nil {
		return nil, err
	}
	t.Cleanup(func() {
		s.CloseSession()
		<-s.Done()
	})
	return s, nil
}

func (tr *testRouter) join(t *testing.T, name string, opts ...session.Option) *session.Session {
	t.Helper()
	s, err := tr.dial(t, name, opts...)
	require.NoError(t, err)
	return s
}

func identity(t *testing.T, s *session.Session) protocol.Identity {
	t.Helper()
	id, err := s.Identifier()
	require.NoError(t, err)
	return id
}

func inbox(s *session.Session) chan protocol.Packet {
	ch := make(chan protocol.Packet, 16)
	s.AddMessageListener(session.ListenerFunc(func(p protocol.Packet) { ch <- p }))
	return ch
}

func receive(t *testing.T, ch chan protocol.Packet) protocol.Packet {
	t.Helper()
	select {
	case p := <-ch:
		return p
	case <-time.After(waitFor):
		t.Fatal("nothing received")
		return protocol.Packet{}
	}
}

func TestAssignsIdentities(t *testing.T) {
	tr := startRouter(t)

	alice := tr.join(t, "alice")
	bob := tr.join(t, "bob")
	assert.Equal(t, protocol.Identity(1), identity(t, alice))
	assert.Equal(t, protocol.Identity(2), identity(t, bob))

	peers := tr.Peers()
	require.Len(t, peers, 2)
	assert.Equal(t, "alice", peers[0].Name)
	assert.Equal(t, "bob", peers[1].Name)

	bob.CloseSession()
	require.Eventually(t, func() bool { return len(tr.Peers()) == 1 }, waitFor, 10*time.Millisecond)

	carol := tr.join(t, "carol")
	assert.Equal(t, protocol.Identity(3), identity(t, carol), "identities are not reused")
}

func TestFirstIdentity(t *testing.T) {
	tr := startRouter(t, WithFirstIdentity(100))
	assert.Equal(t, protocol.Identity(100), identity(t, tr.join(t, "alice")))
}

func TestDuplicateNameRefused(t *testing.T) {
	tr := startRouter(t)
	tr.join(t, "alice")

	_, err := tr.dial(t, "alice")
	assert.ErrorIs(t, err, session.ErrRefused)

	_, err = tr.dial(t, "  ")
	assert.ErrorIs(t, err, session.ErrRefused)
}

func TestRequestedIdentity(t *testing.T) {
	tr := startRouter(t)

	alice := tr.join(t, "alice", session.WithIdentity(7))
	assert.Equal(t, protocol.Identity(7), identity(t, alice))

	_, err := tr.dial(t, "mallory", session.WithIdentity(7))
	assert.ErrorIs(t, err, session.ErrRefused)

	bob := tr.join(t, "bob")
	assert.Equal(t, protocol.Identity(8), identity(t, bob))
}

func TestForwarding(t *testing.T) {
	tr := startRouter(t)
	alice := tr.join(t, "alice", session.WithIdentity(7))
	bob := tr.join(t, "bob", session.WithIdentity(9))
	got := inbox(bob)

	require.NoError(t, alice.SendPacket(9, []byte("hi")))
	p := receive(t, got)
	assert.True(t, p.Equal(protocol.NewPacket(7, []byte("hi"))), "got %+v", p)

	// Replies travel the other way with the source rewritten.
	back := inbox(alice)
	require.NoError(t, bob.SendPacket(7, []byte("hello yourself")))
	p = receive(t, back)
	assert.Equal(t, protocol.Identity(9), p.Src)
	assert.Equal(t, "hello yourself", string(p.Data))

	select {
	case extra := <-got:
		t.Fatalf("unexpected second delivery %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestForwardingPreservesOrder(t *testing.T) {
	tr := startRouter(t)
	alice := tr.join(t, "alice")
	bob := tr.join(t, "bob")
	got := inbox(bob)

	dest := identity(t, bob)
	for i := range 10 {
		require.NoError(t, alice.SendPacket(dest, []byte(strconv.Itoa(i))))
	}
	for i := range 10 {
		assert.Equal(t, strconv.Itoa(i), string(receive(t, got).Data))
	}
}

func TestUnroutable(t *testing.T) {
	tr := startRouter(t)
	reported := make(chan protocol.Identity, 1)
	alice := tr.join(t, "alice", session.WithUnroutableHandler(func(dest protocol.Identity) {
		reported <- dest
	}))

	require.NoError(t, alice.SendPacket(42, []byte("anyone?")))
	select {
	case dest := <-reported:
		assert.Equal(t, protocol.Identity(42), dest)
	case <-time.After(waitFor):
		t.Fatal("no unroutable report")
	}
	assert.Equal(t, session.Active, alice.State())
}

func TestRouterShutdownClosesSessions(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	r := New()
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- r.ServeListener(ctx, l) }()

	s, err := session.Dial(context.Background(), "alice", "127.0.0.1", l.Addr().(*net.TCPAddr).Port)
	require.NoError(t, err)

	cancel()
	require.NoError(t, <-served)
	select {
	case <-s.Done():
	case <-time.After(waitFor):
		t.Fatal("session survived router shutdown")
	}
	assert.ErrorIs(t, s.SendPacket(1, []byte("x")), session.ErrNotConnected)
	r.Wait()
}

// rawHandshake sends one frame on a pipe served by r and returns the reply
// and Serve's result.
func rawHandshake(t *testing.T, r *Router, first *protocol.Frame) (*protocol.Frame, error) {
	t.Helper()
	a, b := net.Pipe()
	client := transport.NewStreamConn(a)
	defer client.Close()

	result := make(chan error, 1)
	go func() { result <- r.Serve(context.Background(), transport.NewStreamConn(b)) }()

	require.NoError(t, client.WriteFrame(protocol.Encode(first)))
	raw, err := client.ReadFrame()
	require.NoError(t, err)
	reply, err := protocol.Decode(raw)
	require.NoError(t, err)
	return reply, <-result
}

func TestRejectsWrongVersion(t *testing.T) {
	body, err := cbor.Marshal(protocol.Hello{Version: protocol.Version + 1, Name: "alice"})
	require.NoError(t, err)

	reply, err := rawHandshake(t, New(), &protocol.Frame{Type: protocol.TypeHello, Payload: body})
	assert.Error(t, err)
	rej, perr := protocol.ParseReject(reply)
	require.NoError(t, perr)
	assert.Equal(t, protocol.RejectProtocol, rej.Code)
	assert.Contains(t, rej.Reason, "version")
}

func TestRejectsDataBeforeHello(t *testing.T) {
	reply, err := rawHandshake(t, New(), protocol.DataFrame(1, []byte("hi")))
	assert.Error(t, err)
	rej, perr := protocol.ParseReject(reply)
	require.NoError(t, perr)
	assert.Equal(t, protocol.RejectProtocol, rej.Code)
}

func TestWelcomeCarriesName(t *testing.T) {
	hello, err := protocol.HelloFrame(protocol.NoIdentity, "alice")
	require.NoError(t, err)

	r := New()
	a, b := net.Pipe()
	client := transport.NewStreamConn(a)
	result := make(chan error, 1)
	go func() { result <- r.Serve(context.Background(), transport.NewStreamConn(b)) }()

	require.NoError(t, client.WriteFrame(protocol.Encode(hello)))
	raw, err := client.ReadFrame()
	require.NoError(t, err)
	f, err := protocol.Decode(raw)
	require.NoError(t, err)
	w, err := protocol.ParseWelcome(f)
	require.NoError(t, err)
	assert.Equal(t, "alice", w.Name)
	assert.Equal(t, protocol.Version, w.Version)
	assert.Equal(t, protocol.Identity(1), f.ID)

	require.NoError(t, client.WriteFrame(protocol.Encode(&protocol.Frame{Type: protocol.TypeBye, ID: f.ID})))
	assert.NoError(t, <-result)
	client.Close()
	assert.Empty(t, r.Peers())
}

func TestHandshakeTimeout(t *testing.T) {
	r := New(WithHandshakeTimeout(50 * time.Millisecond))
	a, b := net.Pipe()
	defer a.Close()

	err := r.Serve(context.Background(), transport.NewStreamConn(b))
	assert.ErrorContains(t, err, "no hello")
}

func TestRegistryKeepsIdentityByName(t *testing.T) {
	reg := directory.NewMemory()
	tr := startRouter(t, WithRegistry(reg))
	ctx := context.Background()

	alice := tr.join(t, "alice")
	tr.join(t, "bob")
	first := identity(t, alice)

	require.Eventually(t, func() bool { return len(reg.Online()) == 2 }, waitFor, 10*time.Millisecond)
	name, err := reg.DisplayName(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, "alice", name)

	alice.CloseSession()
	<-alice.Done()
	require.Eventually(t, func() bool { return len(reg.Online()) == 1 }, waitFor, 10*time.Millisecond)

	again := tr.join(t, "alice")
	assert.Equal(t, first, identity(t, again))
}

func TestRegistryRefusesForeignIdentity(t *testing.T) {
	reg := directory.NewMemory()
	require.NoError(t, reg.Join(context.Background(), 5, "alice"))
	require.NoError(t, reg.Leave(context.Background(), 5))
	tr := startRouter(t, WithRegistry(reg))

	_, err := tr.dial(t, "mallory", session.WithIdentity(5))
	assert.ErrorIs(t, err, session.ErrRefused)

	_, err = tr.dial(t, "alice", session.WithIdentity(6))
	assert.ErrorIs(t, err, session.ErrRefused)

	alice := tr.join(t, "alice", session.WithIdentity(5))
	assert.Equal(t, protocol.Identity(5), identity(t, alice))
}

func TestWebSocketSessions(t *testing.T) {
	r := New()
	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(r.Handler(ctx))
	t.Cleanup(func() {
		cancel()
		r.Wait()
		srv.Close()
	})

	host, p, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(p)
	require.NoError(t, err)

	dial := func(name string) *session.Session {
		s, err := session.Dial(context.Background(), name, host, port, session.WithTransport(transport.KindWS))
		require.NoError(t, err)
		t.Cleanup(func() {
			s.CloseSession()
			<-s.Done()
		})
		return s
	}
	alice := dial("alice")
	bob := dial("bob")
	got := inbox(bob)

	require.NoError(t, alice.SendPacket(identity(t, bob), []byte("over ws")))
	p2 := receive(t, got)
	assert.Equal(t, identity(t, alice), p2.Src)
	assert.Equal(t, "over ws", string(p2.Data))
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	r := New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.ListenAndServe(ctx, "127.0.0.1:0", "127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("ListenAndServe did not return")
	}
}

func TestListenAndServeNeedsAnAddress(t *testing.T) {
	assert.Error(t, New().ListenAndServe(context.Background(), "", ""))
}
