package session

import (
	"slices"

	"github.com/1ureka/parley/internal/protocol"
	"github.com/1ureka/parley/internal/transport"
	"github.com/1ureka/parley/internal/util"
)

// dispatch reads frames until the transport fails or is closed, delivering
// each inbound packet to the listeners registered when it arrived.
func (s *Session) dispatch(conn transport.Conn) {
	defer s.markDone()

	for {
		raw, err := conn.ReadFrame()
		if err != nil {
			if s.State() == Active {
				util.LogWarning("[%s] connection to router lost: %v", s.localID(), err)
			}
			s.shutdown(false)
			return
		}

		f, err := protocol.Decode(raw)
		if err != nil {
			util.LogWarning("[%s] dropping frame: %v", s.localID(), err)
			continue
		}

		switch f.Type {
		case protocol.TypeData:
			if !f.ID.Valid() {
				util.LogDebug("[%s] dropping packet without source", s.localID())
				continue
			}
			s.deliver(f.Packet())
		case protocol.TypeUnroutable:
			s.unroutable(f.ID)
		default:
			util.LogDebug("[%s] ignoring %s", s.localID(), f)
		}
	}
}

// deliver invokes a snapshot of the listener set in registration order,
// stopping as soon as the session is no longer Active.
func (s *Session) deliver(p protocol.Packet) {
	s.mu.Lock()
	snapshot := slices.Clone(s.listeners)
	s.mu.Unlock()

	for _, l := range snapshot {
		if s.State() != Active {
			return
		}
		invoke(l, p)
	}
}

func (s *Session) unroutable(dest protocol.Identity) {
	if s.onUnroutable == nil {
		util.LogWarning("[%s] router has no session for %s", s.localID(), dest)
		return
	}
	s.onUnroutable(dest)
}

// localID is the identity for log lines. It stays readable after Close.
func (s *Session) localID() protocol.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}
