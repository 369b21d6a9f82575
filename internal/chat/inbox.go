// Package chat holds the listeners the terminal client registers on its
// session: a hand-off to the UI goroutine, sender labelling and message
// recording.
package chat

import (
	"sync"

	"github.com/1ureka/parley/internal/protocol"
)

// Inbox passes packets from the dispatch goroutine to the single goroutine
// that owns the terminal. MessageReceived blocks while the buffer is full,
// until the UI catches up or the inbox is closed.
type Inbox struct {
	ch   chan protocol.Packet
	done chan struct{}

	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

// NewInbox returns an inbox buffering up to size packets.
func NewInbox(size int) *Inbox {
	if size < 1 {
		size = 1
	}
	return &Inbox{
		ch:   make(chan protocol.Packet, size),
		done: make(chan struct{}),
	}
}

func (i *Inbox) MessageReceived(p protocol.Packet) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.closed {
		return
	}
	select {
	case i.ch <- p:
	case <-i.done:
	}
}

// Packets is closed by Close after the packets already handed over.
func (i *Inbox) Packets() <-chan protocol.Packet { return i.ch }

// Close unblocks pending deliveries and closes Packets.
func (i *Inbox) Close() {
	i.once.Do(func() {
		close(i.done)
		i.mu.Lock()
		i.closed = true
		close(i.ch)
		i.mu.Unlock()
	})
}
