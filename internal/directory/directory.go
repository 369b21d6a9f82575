// Package directory defines the identity and presence capabilities the chat
// layers consume, and an in-memory implementation of them.
package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/1ureka/parley/internal/protocol"
)

// ErrNotFound is returned when a name or identity is unknown.
var ErrNotFound = errors.New("not found")

// Directory resolves identities to display names and back.
type Directory interface {
	DisplayName(ctx context.Context, id protocol.Identity) (string, error)
	Identity(ctx context.Context, name string) (protocol.Identity, error)
}

// Recorder persists sent messages.
type Recorder interface {
	Record(ctx context.Context, sender, recipient protocol.Identity, payload []byte) error
}

// Presence is notified by the router when sessions come and go.
type Presence interface {
	Join(ctx context.Context, id protocol.Identity, name string) error
	Leave(ctx context.Context, id protocol.Identity) error
}

// StorageError wraps a failure of the backing store.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage %s: %v", e.Op, e.Err) }

func (e *StorageError) Unwrap() error { return e.Err }
