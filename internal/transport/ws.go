package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn carries one frame per binary WebSocket message.
type wsConn struct {
	ws *websocket.Conn

	mu        sync.Mutex // gorilla allows one concurrent writer
	closeOnce sync.Once
	closeErr  error
}

func newWSConn(ws *websocket.Conn) *wsConn {
	ws.SetReadLimit(MaxFrameSize)
	return &wsConn{ws: ws}
}

// Upgrade turns an HTTP request on PathWS into a Conn.
func Upgrade(w http.ResponseWriter, r *http.Request) (Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return newWSConn(ws), nil
}

func dialWS(ctx context.Context, addr string) (Conn, error) {
	ws, err := connect(ctx, "ws://"+addr+PathWS)
	if err != nil {
		return nil, err
	}
	return newWSConn(ws), nil
}

// connect dials a WebSocket URL and classifies the failure.
func connect(ctx context.Context, url string) (*websocket.Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		if errors.Is(err, websocket.ErrBadHandshake) {
			return nil, fmt.Errorf("%w: %s: %w", ErrProtocol, url, err)
		}
		return nil, classify(err)
	}
	return ws, nil
}

// ReadFrame returns the next binary message, skipping any text messages.
func (c *wsConn) ReadFrame() ([]byte, error) {
	for {
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if typ == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsConn) WriteFrame(frame []byte) error {
	if len(frame) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, frame)
}

// Close sends a best-effort close message and closes the socket, which
// unblocks a pending ReadFrame.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

func (c *wsConn) RemoteAddr() string { return c.ws.RemoteAddr().String() }
