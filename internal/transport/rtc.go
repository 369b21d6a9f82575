package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/pion/webrtc/v4"
)

// inboxSize is the number of received frames buffered before the
// DataChannel callback blocks.
const inboxSize = 64

var errClosed = errors.New("rtc connection closed")

// rtcConn carries one frame per DataChannel message.
//
// Its lifecycle is governed by the DataChannel and PeerConnection state: a
// closed channel or a failed peer connection ends it, as does Close.
type rtcConn struct {
	pc     *webrtc.PeerConnection
	remote string

	attachOnce sync.Once
	dc         *webrtc.DataChannel
	sender     *sender

	inbox chan []byte
	open  chan struct{}
	done  chan struct{}

	openOnce  sync.Once
	doneOnce  sync.Once
	closeOnce sync.Once
	closeErr  error
}

func newRTCConn(pc *webrtc.PeerConnection, remote string) *rtcConn {
	c := &rtcConn{
		pc:     pc,
		remote: remote,
		inbox:  make(chan []byte, inboxSize),
		open:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			c.finish()
		}
	})

	return c
}

// attach binds the connection to its DataChannel. Only the first channel
// is used.
func (c *rtcConn) attach(dc *webrtc.DataChannel) {
	c.attachOnce.Do(func() {
		c.dc = dc
		c.sender = newSender(dc, c.done)

		dc.OnOpen(func() {
			c.openOnce.Do(func() { close(c.open) })
		})
		dc.OnClose(c.finish)
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			if msg.IsString {
				return
			}
			frame := make([]byte, len(msg.Data))
			copy(frame, msg.Data)
			select {
			case c.inbox <- frame:
			case <-c.done:
			}
		})

		if dc.ReadyState() == webrtc.DataChannelStateOpen {
			c.openOnce.Do(func() { close(c.open) })
		}
	})
}

func (c *rtcConn) finish() {
	c.doneOnce.Do(func() { close(c.done) })
}

// ReadFrame returns the next received frame. Frames already buffered are
// returned before the end of the connection is reported.
func (c *rtcConn) ReadFrame() ([]byte, error) {
	select {
	case frame := <-c.inbox:
		return frame, nil
	default:
	}
	select {
	case frame := <-c.inbox:
		return frame, nil
	case <-c.done:
		return nil, io.EOF
	}
}

func (c *rtcConn) WriteFrame(frame []byte) error {
	if len(frame) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	select {
	case <-c.done:
		return errClosed
	default:
	}
	return c.sender.send(frame)
}

// Close shuts down the DataChannel and PeerConnection.
func (c *rtcConn) Close() error {
	c.closeOnce.Do(func() {
		c.finish()
		c.attachOnce.Do(func() {}) // no channel may attach after Close
		var dcErr error
		if c.dc != nil {
			dcErr = c.dc.Close()
		}
		c.closeErr = errors.Join(dcErr, c.pc.Close())
	})
	return c.closeErr
}

func (c *rtcConn) RemoteAddr() string { return c.remote }

// waitOpen blocks until the DataChannel opens.
func (c *rtcConn) waitOpen(ctx context.Context) error {
	select {
	case <-c.open:
		return nil
	case <-c.done:
		return fmt.Errorf("%w: DataChannel closed before opening", ErrUnreachable)
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrUnreachable, ctx.Err())
	}
}

// dialRTC performs the client side of the negotiation:
//  1. Connect to the router's signaling endpoint
//  2. Create the PeerConnection and the DataChannel
//  3. Send a complete offer, apply the answer
//  4. Wait for the DataChannel to open, then drop the WebSocket
func dialRTC(ctx context.Context, addr string, opts Options) (Conn, error) {
	opts = opts.withDefaults()
	ws, err := connect(ctx, "ws://"+addr+PathRTC)
	if err != nil {
		return nil, err
	}
	defer ws.Close()

	pc, err := newPeerConnection(opts)
	if err != nil {
		return nil, fmt.Errorf("create PeerConnection: %w", err)
	}
	c := newRTCConn(pc, addr)

	dc, err := newDataChannel(pc)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("create DataChannel: %w", err)
	}
	c.attach(dc)

	fail := func(err error) (Conn, error) {
		c.Close()
		return nil, err
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fail(fmt.Errorf("CreateOffer: %w", err))
	}
	local, err := localDescription(pc, offer, opts.NegotiationTimeout)
	if err != nil {
		return fail(err)
	}
	if err := writeSignal(ws, signal{Type: signalOffer, SDP: local.SDP}, opts.NegotiationTimeout); err != nil {
		return fail(fmt.Errorf("%w: %w", ErrUnreachable, err))
	}

	answer, err := readSignal(ws, signalAnswer, opts.NegotiationTimeout)
	if err != nil {
		if errors.Is(err, ErrProtocol) {
			return fail(err)
		}
		return fail(fmt.Errorf("%w: %w", ErrUnreachable, err))
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer.SDP,
	}); err != nil {
		return fail(fmt.Errorf("%w: SetRemoteDescription: %w", ErrProtocol, err))
	}

	waitCtx, cancel := context.WithTimeout(ctx, opts.NegotiationTimeout)
	defer cancel()
	if err := c.waitOpen(waitCtx); err != nil {
		return fail(err)
	}
	return c, nil
}

// AcceptRTC performs the router side of the negotiation on an HTTP request
// to PathRTC and returns the connection once its DataChannel is open.
func AcceptRTC(ctx context.Context, w http.ResponseWriter, r *http.Request, opts Options) (Conn, error) {
	opts = opts.withDefaults()
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	defer ws.Close()

	pc, err := newPeerConnection(opts)
	if err != nil {
		return nil, fmt.Errorf("create PeerConnection: %w", err)
	}
	c := newRTCConn(pc, ws.RemoteAddr().String())
	pc.OnDataChannel(c.attach)

	fail := func(err error) (Conn, error) {
		c.Close()
		return nil, err
	}

	offer, err := readSignal(ws, signalOffer, opts.NegotiationTimeout)
	if err != nil {
		return fail(err)
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer.SDP,
	}); err != nil {
		return fail(fmt.Errorf("SetRemoteDescription: %w", err))
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fail(fmt.Errorf("CreateAnswer: %w", err))
	}
	local, err := localDescription(pc, answer, opts.NegotiationTimeout)
	if err != nil {
		return fail(err)
	}
	if err := writeSignal(ws, signal{Type: signalAnswer, SDP: local.SDP}, opts.NegotiationTimeout); err != nil {
		return fail(err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, opts.NegotiationTimeout)
	defer cancel()
	if err := c.waitOpen(waitCtx); err != nil {
		return fail(err)
	}
	return c, nil
}
