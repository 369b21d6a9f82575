package protocol

import (
	"encoding/binary"
	"fmt"
)

// Frame type constants.
const (
	TypeHello      uint8 = 0x01 // client -> router: ID = requested identity, body = Hello
	TypeWelcome    uint8 = 0x02 // router -> client: ID = assigned identity, body = Welcome
	TypeReject     uint8 = 0x03 // router -> client: body = Reject
	TypeData       uint8 = 0x04 // both: ID = destination outbound, source inbound
	TypeUnroutable uint8 = 0x05 // router -> client: ID = destination without a live session
	TypeBye        uint8 = 0x06 // client -> router: graceful close
)

// HeaderSize is the fixed header size: Type(1) + ID(4).
const HeaderSize = 5

// Frame is the unit carried by a transport connection.
type Frame struct {
	Type    uint8
	ID      Identity
	Payload []byte
}

// DataFrame builds the TypeData frame for a packet addressed to dest.
func DataFrame(dest Identity, data []byte) *Frame {
	return &Frame{Type: TypeData, ID: dest, Payload: data}
}

// Packet converts an inbound TypeData frame into the Packet delivered to
// listeners. The frame's ID is the routed source identity.
func (f *Frame) Packet() Packet {
	return NewPacket(f.ID, f.Payload)
}

func typeName(t uint8) string {
	switch t {
	case TypeHello:
		return "HELLO"
	case TypeWelcome:
		return "WELCOME"
	case TypeReject:
		return "REJECT"
	case TypeData:
		return "DATA"
	case TypeUnroutable:
		return "UNROUTABLE"
	case TypeBye:
		return "BYE"
	default:
		return ""
	}
}

func (f *Frame) String() string {
	name := typeName(f.Type)
	if name == "" {
		name = fmt.Sprintf("0x%02x", f.Type)
	}
	return fmt.Sprintf("%s id=%d len=%d", name, uint32(f.ID), len(f.Payload))
}

// Encode serializes a Frame into a byte slice for transport transmission.
func Encode(f *Frame) []byte {
	buf := make([]byte, HeaderSize+len(f.Payload))
	buf[0] = f.Type
	binary.BigEndian.PutUint32(buf[1:5], uint32(f.ID))
	if len(f.Payload) > 0 {
		copy(buf[HeaderSize:], f.Payload)
	}
	return buf
}

// Decode deserializes a byte slice into a Frame.
func Decode(data []byte) (*Frame, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("frame too short: %d bytes (need at least %d)", len(data), HeaderSize)
	}
	f := &Frame{
		Type: data[0],
		ID:   Identity(binary.BigEndian.Uint32(data[1:5])),
	}
	if typeName(f.Type) == "" {
		return nil, fmt.Errorf("unknown frame type 0x%02x", f.Type)
	}
	f.Payload = make([]byte, len(data)-HeaderSize)
	copy(f.Payload, data[HeaderSize:])
	return f, nil
}
