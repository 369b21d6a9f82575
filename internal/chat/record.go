package chat

import (
	"context"
	"time"

	"github.com/1ureka/parley/internal/directory"
	"github.com/1ureka/parley/internal/protocol"
)

// recordTimeout bounds one write to the store.
const recordTimeout = 5 * time.Second

// Recorder stores the messages the local user sends, delivered or not. A
// recipient who is offline finds them in the history on their next start.
type Recorder struct {
	rec   directory.Recorder
	local protocol.Identity
}

// NewRecorder records messages sent by local through rec.
func NewRecorder(rec directory.Recorder, local protocol.Identity) *Recorder {
	return &Recorder{rec: rec, local: local}
}

// Sent stores one message from the local user to dest.
func (r *Recorder) Sent(ctx context.Context, dest protocol.Identity, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, recordTimeout)
	defer cancel()
	return r.rec.Record(ctx, r.local, dest, data)
}
