package session

import (
	"reflect"
	"sync"

	"github.com/1ureka/parley/internal/protocol"
	"github.com/1ureka/parley/internal/util"
)

// Listener observes packets addressed to the local identity.
//
// MessageReceived runs on the dispatch goroutine; a slow listener delays
// every later packet. Wrap it with Queued to move it off that goroutine.
type Listener interface {
	MessageReceived(p protocol.Packet)
}

type funcListener struct {
	fn func(protocol.Packet)
}

func (l *funcListener) MessageReceived(p protocol.Packet) { l.fn(p) }

// ListenerFunc adapts fn to a Listener. Each call returns a distinct
// listener, so registering the result twice is a no-op but wrapping the
// same function twice yields two registrations.
func ListenerFunc(fn func(protocol.Packet)) Listener {
	return &funcListener{fn: fn}
}

// sameListener reports whether a and b are one registration. Values whose
// dynamic type cannot be compared are always distinct, and so is a
// comparable struct whose interface field holds an uncomparable value.
func sameListener(a, b Listener) (same bool) {
	if !reflect.TypeOf(a).Comparable() || !reflect.TypeOf(b).Comparable() {
		return false
	}
	defer func() {
		if recover() != nil {
			same = false
		}
	}()
	return a == b
}

// QueuedListener hands packets to a wrapped listener running on its own
// goroutine. Packets reach the wrapped listener in arrival order.
type QueuedListener struct {
	next  Listener
	queue chan protocol.Packet

	mu     sync.RWMutex
	closed bool

	once sync.Once
	done chan struct{}
}

// Queued starts a goroutine delivering to l through a queue of the given
// size. MessageReceived blocks only while the queue is full. Close must be
// called to stop the goroutine.
func Queued(l Listener, size int) *QueuedListener {
	if size < 1 {
		size = 1
	}
	q := &QueuedListener{
		next:  l,
		queue: make(chan protocol.Packet, size),
		done:  make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *QueuedListener) run() {
	defer close(q.done)
	for p := range q.queue {
		invoke(q.next, p)
	}
}

// MessageReceived enqueues p. Packets arriving after Close are dropped.
func (q *QueuedListener) MessageReceived(p protocol.Packet) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return
	}
	q.queue <- p
}

// Close stops accepting packets, waits for the queued ones to be delivered
// and stops the goroutine. Calling it more than once is safe.
func (q *QueuedListener) Close() {
	q.once.Do(func() {
		q.mu.Lock()
		q.closed = true
		close(q.queue)
		q.mu.Unlock()
	})
	<-q.done
}

// invoke calls l, containing any panic so one listener cannot stop delivery
// to the others.
func invoke(l Listener, p protocol.Packet) {
	defer func() {
		if r := recover(); r != nil {
			util.LogError("[%s] listener panic: %v", p.Src, r)
		}
	}()
	l.MessageReceived(p)
}
