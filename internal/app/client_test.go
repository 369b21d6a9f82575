package app

import (
	"bytes"
	"context"
	"io"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pterm/pterm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/parley/internal/config"
	"github.com/1ureka/parley/internal/protocol"
	"github.com/1ureka/parley/internal/router"
	"github.com/1ureka/parley/internal/session"
	"github.com/1ureka/parley/internal/store"
	"github.com/1ureka/parley/internal/util"
)

func init() {
	util.Silence()
	pterm.DisableStyling()
}

func TestParseInput(t *testing.T) {
	cases := []struct {
		line string
		want command
	}{
		{"", command{kind: cmdNone}},
		{"   ", command{kind: cmdNone}},
		{"/quit", command{kind: cmdQuit}},
		{"/exit", command{kind: cmdQuit}},
		{"/users", command{kind: cmdUsers}},
		{"/help", command{kind: cmdHelp}},
		{"/to bob", command{kind: cmdSelect, target: "bob"}},
		{"@bob", command{kind: cmdSelect, target: "bob"}},
		{"@bob hello there", command{kind: cmdSend, target: "bob", text: "hello there"}},
		{"@#7 hi", command{kind: cmdSend, target: "#7", text: "hi"}},
		{"just text", command{kind: cmdSend, text: "just text"}},
	}
	for _, tc := range cases {
		got, err := parseInput(tc.line)
		require.NoError(t, err, tc.line)
		assert.Equal(t, tc.want, got, tc.line)
	}

	for _, bad := range []string{"/to", "/to a b", "/dance", "@ hi"} {
		_, err := parseInput(bad)
		assert.Error(t, err, bad)
	}
}

// syncBuffer is an io.Writer safe for the client goroutine and the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// chatServer runs a router backed by a shared database file.
func chatServer(t *testing.T) (port int, dbPath string, st *store.Store) {
	t.Helper()
	dbPath = filepath.Join(t.TempDir(), "chat.db")
	st, err := store.Open(dbPath)
	require.NoError(t, err)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	r := router.New(router.WithRegistry(st))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.ServeListener(ctx, l)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		r.Wait()
		st.Close()
	})
	return l.Addr().(*net.TCPAddr).Port, dbPath, st
}

func clientConfig(name string, port int, dbPath string) config.Config {
	return config.Config{
		Client: config.ClientConfig{
			Name:      name,
			Host:      "127.0.0.1",
			Port:      port,
			Transport: "tcp",
			History:   10,
		},
		Database: config.DatabaseConfig{Path: dbPath},
	}
}

func TestRunClientConversation(t *testing.T) {
	port, dbPath, st := chatServer(t)

	bob, err := session.Dial(context.Background(), "bob", "127.0.0.1", port)
	require.NoError(t, err)
	defer func() {
		bob.CloseSession()
		<-bob.Done()
	}()
	bobID, err := bob.Identifier()
	require.NoError(t, err)
	got := make(chan protocol.Packet, 4)
	bob.AddMessageListener(session.ListenerFunc(func(p protocol.Packet) { got <- p }))

	inR, inW := io.Pipe()
	out := &syncBuffer{}
	result := make(chan error, 1)
	go func() {
		result <- RunClient(context.Background(), clientConfig("alice", port, dbPath), inR, out)
	}()

	require.Eventually(t, func() bool { return strings.Contains(out.String(), "Connected as alice") },
		2*time.Second, 10*time.Millisecond)

	// The router registers bob after his Welcome; wait for it before
	// addressing him by name.
	require.Eventually(t, func() bool {
		id, err := st.Identity(context.Background(), "bob")
		return err == nil && id == bobID
	}, 2*time.Second, 10*time.Millisecond)

	_, err = io.WriteString(inW, "@bob hello bob\n")
	require.NoError(t, err)

	var p protocol.Packet
	select {
	case p = <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("bob received nothing")
	}
	assert.Equal(t, "hello bob", string(p.Data))
	aliceID := p.Src

	require.NoError(t, bob.SendPacket(aliceID, []byte("hi alice")))
	require.Eventually(t, func() bool { return strings.Contains(out.String(), "bob: hi alice") },
		2*time.Second, 10*time.Millisecond)

	_, err = io.WriteString(inW, "/users\n/quit\n")
	require.NoError(t, err)
	select {
	case err := <-result:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("client did not quit")
	}
	inW.Close()

	text := out.String()
	assert.Contains(t, text, "You → bob: hello bob")
	assert.Contains(t, text, "alice")

	// alice's client records what alice sent; bob's bare session records
	// nothing.
	history, err := st.History(context.Background(), aliceID, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, aliceID, history[0].Sender)
	assert.Equal(t, bobID, history[0].Recipient)
	assert.Equal(t, "hello bob", string(history[0].Payload))
}

func TestRunClientRecordsForOfflineRecipient(t *testing.T) {
	ctx := context.Background()
	port, dbPath, st := chatServer(t)

	bob, err := session.Dial(ctx, "bob", "127.0.0.1", port)
	require.NoError(t, err)
	bobID, err := bob.Identifier()
	require.NoError(t, err)
	bob.CloseSession()
	<-bob.Done()

	require.Eventually(t, func() bool {
		users, err := st.Users(ctx)
		if err != nil {
			return false
		}
		for _, u := range users {
			if u.ID == bobID {
				return !u.Online
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	err = RunClient(ctx, clientConfig("alice", port, dbPath), strings.NewReader("@bob see you tomorrow\n"), io.Discard)
	require.NoError(t, err)

	history, err := st.History(ctx, bobID, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, bobID, history[0].Recipient)
	assert.NotEqual(t, bobID, history[0].Sender)
	assert.Equal(t, "see you tomorrow", string(history[0].Payload))

	// bob reads it when he comes back.
	out := &syncBuffer{}
	err = RunClient(ctx, clientConfig("bob", port, dbPath), strings.NewReader(""), out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "alice: see you tomorrow")
}

func TestRunClientRefusedName(t *testing.T) {
	port, dbPath, _ := chatServer(t)

	alice, err := session.Dial(context.Background(), "alice", "127.0.0.1", port)
	require.NoError(t, err)
	defer func() {
		alice.CloseSession()
		<-alice.Done()
	}()

	err = RunClient(context.Background(), clientConfig("alice", port, dbPath), strings.NewReader(""), io.Discard)
	assert.ErrorIs(t, err, session.ErrRefused)
}

func TestRunClientWithoutDatabase(t *testing.T) {
	port, _, _ := chatServer(t)
	out := &syncBuffer{}

	err := RunClient(context.Background(), clientConfig("carol", port, ""),
		strings.NewReader("@dave hi\n@#999 hi\n/users\n"), out)
	require.NoError(t, err, "end of input quits")

	text := out.String()
	assert.Contains(t, text, "address users as #<id>")
	assert.Contains(t, text, "No directory configured")
}

func TestRunClientInvalidConfig(t *testing.T) {
	err := RunClient(context.Background(), clientConfig("", 1666, ""), strings.NewReader(""), io.Discard)
	assert.ErrorContains(t, err, "client.name")
}
