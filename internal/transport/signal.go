package transport

import (
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
)

// signalType identifies the kind of signaling message.
type signalType string

const (
	signalOffer  signalType = "offer"
	signalAnswer signalType = "answer"
)

// signal is the JSON structure exchanged over the WebSocket during rtc
// negotiation. Candidates are not trickled: each side waits for ICE
// gathering to complete, so the SDP already lists every candidate.
type signal struct {
	Type signalType `json:"type"`
	SDP  string     `json:"sdp"`
}

// writeSignal sends one signaling message with a write deadline.
func writeSignal(ws *websocket.Conn, msg signal, timeout time.Duration) error {
	_ = ws.SetWriteDeadline(time.Now().Add(timeout))
	if err := ws.WriteJSON(msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return nil
}

// readSignal reads the next signaling message and checks its type.
func readSignal(ws *websocket.Conn, want signalType, timeout time.Duration) (signal, error) {
	var msg signal
	_ = ws.SetReadDeadline(time.Now().Add(timeout))
	if err := ws.ReadJSON(&msg); err != nil {
		return msg, fmt.Errorf("read %s: %w", want, err)
	}
	if msg.Type != want {
		return msg, fmt.Errorf("%w: expected %s, got %q", ErrProtocol, want, msg.Type)
	}
	return msg, nil
}

// localDescription applies sdp locally and waits for ICE gathering so the
// returned description is complete.
func localDescription(pc *webrtc.PeerConnection, sdp webrtc.SessionDescription, timeout time.Duration) (*webrtc.SessionDescription, error) {
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(sdp); err != nil {
		return nil, fmt.Errorf("SetLocalDescription: %w", err)
	}
	select {
	case <-gathered:
	case <-time.After(timeout):
		return nil, fmt.Errorf("ICE gathering did not complete within %v", timeout)
	}
	return pc.LocalDescription(), nil
}
