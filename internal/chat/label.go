package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/1ureka/parley/internal/directory"
	"github.com/1ureka/parley/internal/protocol"
	"github.com/1ureka/parley/internal/util"
)

// Line is an inbound packet ready for display.
type Line struct {
	Src  protocol.Identity
	From string
	Text string
	At   time.Time
}

func (l Line) String() string {
	return fmt.Sprintf("[%s] %s: %s", l.At.Format("15:04"), l.From, l.Text)
}

// Labeler names the sender of a packet through a directory. Resolved names
// are cached for the lifetime of the labeler.
type Labeler struct {
	dir directory.Directory

	mu    sync.Mutex
	names map[protocol.Identity]string
}

// NewLabeler returns a labeler backed by dir, which may be nil.
func NewLabeler(dir directory.Directory) *Labeler {
	return &Labeler{dir: dir, names: make(map[protocol.Identity]string)}
}

// Label resolves p's sender, falling back to the identity itself.
func (l *Labeler) Label(ctx context.Context, p protocol.Packet) Line {
	return Line{Src: p.Src, From: l.Name(ctx, p.Src), Text: string(p.Data), At: time.Now()}
}

// Name returns the display name for id or "#<id>" when it is unknown.
func (l *Labeler) Name(ctx context.Context, id protocol.Identity) string {
	l.mu.Lock()
	name, ok := l.names[id]
	l.mu.Unlock()
	if ok {
		return name
	}
	if l.dir == nil {
		return id.String()
	}

	name, err := l.dir.DisplayName(ctx, id)
	if err != nil {
		if !errors.Is(err, directory.ErrNotFound) {
			util.LogWarning("resolve %s: %v", id, err)
		}
		return id.String()
	}
	l.mu.Lock()
	l.names[id] = name
	l.mu.Unlock()
	return name
}
