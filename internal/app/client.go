package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"github.com/1ureka/parley/internal/chat"
	"github.com/1ureka/parley/internal/config"
	"github.com/1ureka/parley/internal/directory"
	"github.com/1ureka/parley/internal/protocol"
	"github.com/1ureka/parley/internal/session"
	"github.com/1ureka/parley/internal/store"
	"github.com/1ureka/parley/internal/transport"
	"github.com/1ureka/parley/internal/util"
)

// ErrConnectionLost is returned by RunClient when the router goes away.
var ErrConnectionLost = errors.New("connection to router lost")

// inboxSize is the number of received packets buffered for the terminal.
const inboxSize = 64

// registrationWait bounds the wait for the router to register the local
// name in a shared database.
const registrationWait = 2 * time.Second

// client is the state owned by the terminal goroutine.
type client struct {
	sess     *session.Session
	id       protocol.Identity
	st       *store.Store // nil without a database
	dir      directory.Directory
	labeler  *chat.Labeler
	recorder *chat.Recorder // nil without a database
	out      io.Writer

	selected protocol.Identity
}

// RunClient orchestrates the full client lifecycle:
//  1. Open the shared database, if any
//  2. Start the session
//  3. Replay recent history and prepare the recorder for sent messages
//  4. Register the inbox listener
//  5. Run the input loop until /quit, end of input, ctx or connection loss
func RunClient(ctx context.Context, cfg config.Config, in io.Reader, out io.Writer) error {
	if err := cfg.Validate(config.RoleClient); err != nil {
		return err
	}
	kind, _ := transport.ParseKind(cfg.Client.Transport)

	c := &client{out: out}

	// ── 1. Database ────────────────────────────────────────────────────
	if cfg.Database.Path != "" {
		st, err := store.Open(cfg.Database.Path)
		if err != nil {
			return err
		}
		defer st.Close()
		c.st, c.dir = st, st
	}
	c.labeler = chat.NewLabeler(c.dir)

	// ── 2. Session ─────────────────────────────────────────────────────
	unroutable := make(chan protocol.Identity, 8)
	sess, err := session.Dial(ctx, cfg.Client.Name, cfg.Client.Host, cfg.Client.Port,
		session.WithTransport(kind),
		session.WithTransportOptions(config.TransportOptions(cfg.Client.ICEServers)),
		session.WithUnroutableHandler(func(dest protocol.Identity) {
			select {
			case unroutable <- dest:
			default:
			}
		}),
	)
	if err != nil {
		return err
	}
	c.sess = sess
	c.id, _ = sess.Identifier()
	c.printf("%s Connected as %s (%s) via %s", pterm.Green("✓"), cfg.Client.Name, c.id, kind)

	// ── 3. History & recorder ──────────────────────────────────────────
	if c.st != nil {
		c.awaitRegistration(ctx, cfg.Client.Name)
		c.printHistory(ctx, cfg.Client.History)
		c.recorder = chat.NewRecorder(c.st, c.id)
	}

	// ── 4. Listeners ───────────────────────────────────────────────────
	inbox := chat.NewInbox(inboxSize)
	sess.AddMessageListener(inbox)

	defer func() {
		sess.CloseSession()
		inbox.Close()
		<-sess.Done()
	}()

	// ── 5. Input loop ──────────────────────────────────────────────────
	c.printf("Type @name message to send, /help for commands.")
	lines := make(chan string)
	stop := make(chan struct{})
	defer close(stop)
	go readLines(in, lines, stop)

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := c.handle(ctx, line); quit {
				return nil
			}

		case p := <-inbox.Packets():
			c.printf("%s", c.labeler.Label(ctx, p))

		case dest := <-unroutable:
			c.printf("%s %s is not online", pterm.Yellow("!"), c.labeler.Name(ctx, dest))

		case <-sess.Done():
			return ErrConnectionLost

		case <-ctx.Done():
			return nil
		}
	}
}

// readLines forwards lines from in until it ends or stop is closed.
func readLines(in io.Reader, lines chan<- string, stop <-chan struct{}) {
	defer close(lines)
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		select {
		case lines <- sc.Text():
		case <-stop:
			return
		}
	}
}

func (c *client) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format+"\n", args...)
}

// handle runs one input line and reports whether the user asked to quit.
func (c *client) handle(ctx context.Context, line string) bool {
	cmd, err := parseInput(line)
	if err != nil {
		c.printf("%s %v", pterm.Yellow("!"), err)
		return false
	}

	switch cmd.kind {
	case cmdQuit:
		return true
	case cmdHelp:
		c.printf("@name text   send text to name (also selects name)")
		c.printf("text         send to the selected user")
		c.printf("/to name     select a user")
		c.printf("/users       list users")
		c.printf("/quit        leave the chat")
	case cmdUsers:
		c.listUsers(ctx)
	case cmdSelect:
		if dest, ok := c.resolve(ctx, cmd.target); ok {
			c.selected = dest
			c.printf("Talking to %s", c.labeler.Name(ctx, dest))
		}
	case cmdSend:
		dest := c.selected
		if cmd.target != "" {
			var ok bool
			if dest, ok = c.resolve(ctx, cmd.target); !ok {
				return false
			}
			c.selected = dest
		}
		if !dest.Valid() {
			c.printf("%s No user selected; use @name message", pterm.Yellow("!"))
			return false
		}
		c.send(ctx, dest, cmd.text)
	}
	return false
}

func (c *client) send(ctx context.Context, dest protocol.Identity, text string) {
	if err := c.sess.SendPacket(dest, []byte(text)); err != nil {
		c.printf("%s %v", pterm.Red("✗"), err)
		return
	}
	c.printf("[%s] You → %s: %s", time.Now().Format("15:04"), c.labeler.Name(ctx, dest), text)

	if c.recorder != nil {
		if err := c.recorder.Sent(ctx, dest, []byte(text)); err != nil {
			util.LogWarning("[%s] record message to %s: %v", c.id, dest, err)
		}
	}
}

// awaitRegistration waits until the shared database binds name to the
// local identity. The router writes it right after the Welcome, so a
// message recorded before then would have an unknown sender.
func (c *client) awaitRegistration(ctx context.Context, name string) {
	ctx, cancel := context.WithTimeout(ctx, registrationWait)
	defer cancel()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if id, err := c.st.Identity(ctx, name); err == nil && id == c.id {
			return
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			util.LogDebug("[%s] %s is not registered in the database; sent messages will not be recorded", c.id, name)
			return
		}
	}
}

// resolve turns "#7", "7" or a display name into an identity.
func (c *client) resolve(ctx context.Context, target string) (protocol.Identity, bool) {
	if n, err := strconv.ParseUint(strings.TrimPrefix(target, "#"), 10, 32); err == nil && n > 0 {
		return protocol.Identity(n), true
	}
	if c.dir == nil {
		c.printf("%s No directory configured; address users as #<id>", pterm.Yellow("!"))
		return 0, false
	}
	id, err := c.dir.Identity(ctx, target)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			c.printf("%s Unknown user %s", pterm.Yellow("!"), target)
		} else {
			c.printf("%s %v", pterm.Red("✗"), err)
		}
		return 0, false
	}
	return id, true
}

func (c *client) listUsers(ctx context.Context) {
	if c.st == nil {
		c.printf("%s No directory configured", pterm.Yellow("!"))
		return
	}
	users, err := c.st.Users(ctx)
	if err != nil {
		c.printf("%s %v", pterm.Red("✗"), err)
		return
	}
	for _, u := range users {
		mark := " "
		if u.Online {
			mark = pterm.Green("●")
		}
		c.printf("%s %-16s %s", mark, u.Name, u.ID)
	}
}

func (c *client) printHistory(ctx context.Context, limit int) {
	msgs, err := c.st.History(ctx, c.id, limit)
	if err != nil {
		util.LogWarning("load history: %v", err)
		return
	}
	if len(msgs) == 0 {
		return
	}
	c.printf("── history ──")
	for _, m := range msgs {
		at := m.At.Local().Format("15:04")
		if m.Sender == c.id {
			c.printf("[%s] You → %s: %s", at, c.labeler.Name(ctx, m.Recipient), m.Payload)
		} else {
			c.printf("[%s] %s: %s", at, c.labeler.Name(ctx, m.Sender), m.Payload)
		}
	}
	c.printf("─────────────")
}

type cmdKind int

const (
	cmdNone cmdKind = iota
	cmdSend
	cmdSelect
	cmdUsers
	cmdHelp
	cmdQuit
)

type command struct {
	kind   cmdKind
	target string // empty means the selected user
	text   string
}

// parseInput interprets one line typed by the user.
func parseInput(line string) (command, error) {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return command{kind: cmdNone}, nil

	case strings.HasPrefix(line, "/"):
		fields := strings.Fields(line)
		switch fields[0] {
		case "/quit", "/exit":
			return command{kind: cmdQuit}, nil
		case "/users", "/who":
			return command{kind: cmdUsers}, nil
		case "/help":
			return command{kind: cmdHelp}, nil
		case "/to":
			if len(fields) != 2 {
				return command{}, errors.New("usage: /to name")
			}
			return command{kind: cmdSelect, target: fields[1]}, nil
		default:
			return command{}, fmt.Errorf("unknown command %s", fields[0])
		}

	case strings.HasPrefix(line, "@"):
		target, text, _ := strings.Cut(line[1:], " ")
		if target == "" {
			return command{}, errors.New("usage: @name message")
		}
		text = strings.TrimSpace(text)
		if text == "" {
			return command{kind: cmdSelect, target: target}, nil
		}
		return command{kind: cmdSend, target: target, text: text}, nil

	default:
		return command{kind: cmdSend, text: line}, nil
	}
}
