package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
)

// lengthSize is the byte size of the big-endian frame length prefix.
const lengthSize = 4

// streamConn frames a byte stream with a u32 length prefix.
type streamConn struct {
	c  net.Conn
	br *bufio.Reader

	mu        sync.Mutex // serialises writers
	closeOnce sync.Once
	closeErr  error
}

// NewStreamConn wraps an established stream connection, such as an accepted
// TCP connection or one end of net.Pipe.
func NewStreamConn(c net.Conn) Conn {
	return &streamConn{c: c, br: bufio.NewReader(c)}
}

func dialStream(ctx context.Context, addr string) (Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, classify(err)
	}
	return NewStreamConn(c), nil
}

// ReadFrame reads one length-prefixed frame.
func (s *streamConn) ReadFrame() ([]byte, error) {
	var header [lengthSize]byte
	if _, err := io.ReadFull(s.br, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	frame := make([]byte, n)
	if _, err := io.ReadFull(s.br, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

// WriteFrame writes the length prefix and the frame in a single write.
func (s *streamConn) WriteFrame(frame []byte) error {
	if len(frame) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	buf := make([]byte, lengthSize+len(frame))
	binary.BigEndian.PutUint32(buf, uint32(len(frame)))
	copy(buf[lengthSize:], frame)

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.c.Write(buf)
	return err
}

func (s *streamConn) Close() error {
	s.closeOnce.Do(func() { s.closeErr = s.c.Close() })
	return s.closeErr
}

func (s *streamConn) RemoteAddr() string { return s.c.RemoteAddr().String() }
