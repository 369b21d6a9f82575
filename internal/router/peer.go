package router

import (
	"context"
	"sync"
	"time"

	"github.com/1ureka/parley/internal/protocol"
	"github.com/1ureka/parley/internal/transport"
	"github.com/1ureka/parley/internal/util"
)

// peer is one admitted session. Frames for it are queued on outbox and
// written by its own writer goroutine, so a slow recipient never stalls the
// reader of the session that is sending to it.
type peer struct {
	// Identity
	id     protocol.Identity
	name   string
	remote string
	since  time.Time

	// Lifecycle
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	written   chan struct{} // closed when the writer returns

	conn   transport.Conn
	outbox chan []byte
}

func newPeer(parent context.Context, id protocol.Identity, name string, conn transport.Conn, queueSize int) *peer {
	ctx, cancel := context.WithCancel(parent)
	return &peer{
		id:      id,
		name:    name,
		remote:  conn.RemoteAddr(),
		since:   time.Now(),
		ctx:     ctx,
		cancel:  cancel,
		written: make(chan struct{}),
		conn:    conn,
		outbox:  make(chan []byte, queueSize),
	}
}

// enqueue hands an encoded frame to the writer. A full queue drops the
// frame rather than blocking the caller.
func (p *peer) enqueue(frame []byte) bool {
	select {
	case <-p.ctx.Done():
		return false
	default:
	}
	select {
	case p.outbox <- frame:
		return true
	default:
		util.LogWarning("[%s] outbox full, dropping frame", p.id)
		return false
	}
}

// writeLoop drains outbox until the peer is closed or a write fails.
func (p *peer) writeLoop() {
	defer close(p.written)
	for {
		select {
		case frame := <-p.outbox:
			if err := p.conn.WriteFrame(frame); err != nil {
				util.LogDebug("[%s] write error: %v", p.id, err)
				p.close()
				return
			}
		case <-p.ctx.Done():
			return
		}
	}
}

// close cancels the peer and releases its connection. Safe to call from any
// goroutine, any number of times.
func (p *peer) close() {
	p.closeOnce.Do(func() {
		p.cancel()
		p.conn.Close()
	})
}

// PeerInfo describes a live session.
type PeerInfo struct {
	ID     protocol.Identity
	Name   string
	Remote string
	Since  time.Time
}

func (p *peer) info() PeerInfo {
	return PeerInfo{ID: p.id, Name: p.name, Remote: p.remote, Since: p.since}
}
