package directory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/1ureka/parley/internal/protocol"
)

// Message is one recorded packet.
type Message struct {
	Sender    protocol.Identity
	Recipient protocol.Identity
	Payload   []byte
	At        time.Time
}

// Memory keeps names and messages in process memory. Names persist after
// Leave so recorded history stays resolvable.
type Memory struct {
	mu       sync.RWMutex
	names    map[protocol.Identity]string
	ids      map[string]protocol.Identity
	online   map[protocol.Identity]bool
	messages []Message
}

// NewMemory returns an empty directory.
func NewMemory() *Memory {
	return &Memory{
		names:  make(map[protocol.Identity]string),
		ids:    make(map[string]protocol.Identity),
		online: make(map[protocol.Identity]bool),
	}
}

func (m *Memory) DisplayName(_ context.Context, id protocol.Identity) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	name, ok := m.names[id]
	if !ok {
		return "", ErrNotFound
	}
	return name, nil
}

func (m *Memory) Identity(_ context.Context, name string) (protocol.Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.ids[name]
	if !ok {
		return protocol.NoIdentity, ErrNotFound
	}
	return id, nil
}

// Join binds name to id, replacing any older binding of either.
func (m *Memory) Join(_ context.Context, id protocol.Identity, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.names[id]; ok && old != name {
		delete(m.ids, old)
	}
	if old, ok := m.ids[name]; ok && old != id {
		delete(m.names, old)
	}
	m.names[id] = name
	m.ids[name] = id
	m.online[id] = true
	return nil
}

func (m *Memory) Leave(_ context.Context, id protocol.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.online, id)
	return nil
}

// Online reports the names of joined identities, sorted.
func (m *Memory) Online() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.online))
	for id := range m.online {
		names = append(names, m.names[id])
	}
	slices.Sort(names)
	return names
}

// Record stores a copy of payload. The sender must be known.
func (m *Memory) Record(_ context.Context, sender, recipient protocol.Identity, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.names[sender]; !ok {
		return &StorageError{Op: "record", Err: ErrNotFound}
	}
	m.messages = append(m.messages, Message{
		Sender:    sender,
		Recipient: recipient,
		Payload:   slices.Clone(payload),
		At:        time.Now(),
	})
	return nil
}

// Messages returns the recorded messages involving id, oldest first.
func (m *Memory) Messages(id protocol.Identity) []Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Message
	for _, msg := range m.messages {
		if msg.Sender == id || msg.Recipient == id {
			out = append(out, msg)
		}
	}
	return out
}
