package transport

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

const (
	highWaterMark = 256 * 1024 // pause sending when bufferedAmount exceeds this
	lowWaterMark  = 64 * 1024  // resume sending when bufferedAmount drops below this
)

// sender serialises writes to a DataChannel and applies backpressure: when
// the SCTP send buffer is above highWaterMark a writer waits until pion
// reports it has drained below lowWaterMark, or the connection is done.
type sender struct {
	dc          *webrtc.DataChannel
	drainSignal chan struct{}
	done        <-chan struct{}

	mu sync.Mutex
}

// newSender wires the buffered-amount callbacks on dc.
func newSender(dc *webrtc.DataChannel, done <-chan struct{}) *sender {
	s := &sender{
		dc:          dc,
		drainSignal: make(chan struct{}, 1),
		done:        done,
	}

	dc.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	dc.OnBufferedAmountLow(func() {
		select {
		case s.drainSignal <- struct{}{}:
		default:
		}
	})

	return s
}

// send writes one frame, blocking while the channel is congested.
func (s *sender) send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dc.BufferedAmount() > uint64(highWaterMark) {
		select {
		case <-s.drainSignal:
		case <-s.done:
			return errClosed
		}
	}
	return s.dc.Send(frame)
}
