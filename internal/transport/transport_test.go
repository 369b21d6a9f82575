package transport

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipePair returns two stream conns joined by an in-memory pipe.
func pipePair() (Conn, Conn) {
	a, b := net.Pipe()
	return NewStreamConn(a), NewStreamConn(b)
}

// hostPort splits a listener address into the Dial arguments.
func hostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, p, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(p)
	require.NoError(t, err)
	return host, port
}

// freePort returns a loopback port with nothing listening on it.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}

func TestStreamConnFrames(t *testing.T) {
	a, b := pipePair()
	defer a.Close()
	defer b.Close()

	frames := [][]byte{[]byte("hello"), {}, bytes.Repeat([]byte{7}, 70000)}
	go func() {
		for _, f := range frames {
			if err := a.WriteFrame(f); err != nil {
				return
			}
		}
	}()

	for _, want := range frames {
		got, err := b.ReadFrame()
		require.NoError(t, err)
		assert.True(t, bytes.Equal(want, got))
	}
}

func TestStreamConnRejectsOversizedFrame(t *testing.T) {
	a, b := pipePair()
	defer a.Close()
	defer b.Close()

	assert.ErrorIs(t, a.WriteFrame(make([]byte, MaxFrameSize+1)), ErrFrameTooLarge)

	// A peer announcing an oversized frame is refused before allocation.
	raw, peer := net.Pipe()
	defer raw.Close()
	c := NewStreamConn(peer)
	defer c.Close()
	go func() {
		var header [lengthSize]byte
		binary.BigEndian.PutUint32(header[:], MaxFrameSize+1)
		raw.Write(header[:])
	}()
	_, err := c.ReadFrame()
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestStreamConnCloseUnblocksRead(t *testing.T) {
	a, b := pipePair()
	defer b.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := a.ReadFrame()
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, a.Close())
	assert.NoError(t, a.Close(), "second close is a no-op")

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("ReadFrame still blocked after Close")
	}
}

func TestDialTCPRefused(t *testing.T) {
	_, err := Dial(context.Background(), KindTCP, "127.0.0.1", freePort(t), DefaultOptions())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRefused)
}

func TestDialTCP(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	accepted := make(chan Conn, 1)
	go func() {
		c, err := l.Accept()
		if err != nil {
			return
		}
		accepted <- NewStreamConn(c)
	}()

	host, port := hostPort(t, l.Addr().String())
	client, err := Dial(context.Background(), KindTCP, host, port, DefaultOptions())
	require.NoError(t, err)
	defer client.Close()

	server := <-accepted
	defer server.Close()

	require.NoError(t, client.WriteFrame([]byte("ping")))
	got, err := server.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), got)
}

// wsEchoServer upgrades PathWS requests and echoes every frame back.
func wsEchoServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc(PathWS, func(w http.ResponseWriter, r *http.Request) {
		c, err := Upgrade(w, r)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			f, err := c.ReadFrame()
			if err != nil {
				return
			}
			if err := c.WriteFrame(f); err != nil {
				return
			}
		}
	})
	return httptest.NewServer(mux)
}

func TestDialWS(t *testing.T) {
	srv := wsEchoServer(t)
	defer srv.Close()

	host, port := hostPort(t, srv.Listener.Addr().String())
	c, err := Dial(context.Background(), KindWS, host, port, DefaultOptions())
	require.NoError(t, err)

	for _, msg := range []string{"one", "two", ""} {
		require.NoError(t, c.WriteFrame([]byte(msg)))
		got, err := c.ReadFrame()
		require.NoError(t, err)
		assert.Equal(t, msg, string(got))
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := c.ReadFrame()
		errCh <- err
	}()
	c.Close()
	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("ReadFrame still blocked after Close")
	}
}

func TestDialWSNotAChatServer(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	host, port := hostPort(t, srv.Listener.Addr().String())
	_, err := Dial(context.Background(), KindWS, host, port, DefaultOptions())
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestDialWSRefused(t *testing.T) {
	_, err := Dial(context.Background(), KindWS, "127.0.0.1", freePort(t), DefaultOptions())
	assert.ErrorIs(t, err, ErrRefused)
}

func TestParseKind(t *testing.T) {
	for _, k := range Kinds {
		got, err := ParseKind(string(k))
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}
	_, err := ParseKind("carrier-pigeon")
	assert.Error(t, err)
}

// TestDialRTC negotiates a loopback DataChannel through the signaling
// endpoint and exchanges frames both ways.
func TestDialRTC(t *testing.T) {
	if testing.Short() {
		t.Skip("rtc negotiation is slow")
	}

	opts := DefaultOptions()
	accepted := make(chan Conn, 1)
	mux := http.NewServeMux()
	mux.HandleFunc(PathRTC, func(w http.ResponseWriter, r *http.Request) {
		c, err := AcceptRTC(r.Context(), w, r, opts)
		if err != nil {
			t.Logf("accept rtc: %v", err)
			return
		}
		accepted <- c
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	host, port := hostPort(t, srv.Listener.Addr().String())
	client, err := Dial(ctx, KindRTC, host, port, opts)
	require.NoError(t, err)
	defer client.Close()

	var server Conn
	select {
	case server = <-accepted:
	case <-ctx.Done():
		t.Fatal("router side never opened")
	}
	defer server.Close()

	require.NoError(t, client.WriteFrame([]byte("up")))
	got, err := server.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, []byte("up"), got)

	require.NoError(t, server.WriteFrame([]byte("down")))
	got, err = client.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, []byte("down"), got)

	require.NoError(t, client.Close())
	_, err = client.ReadFrame()
	assert.True(t, err != nil && !errors.Is(err, ErrFrameTooLarge))
}
