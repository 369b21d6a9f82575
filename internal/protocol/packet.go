// Package protocol defines the identities, packets and wire frames exchanged
// between chat clients and the routing server.
package protocol

import (
	"bytes"
	"fmt"
)

// Identity is the numeric handle the router assigns to one connected
// participant. It is immutable for the lifetime of that participant's session.
type Identity uint32

// NoIdentity is never assigned to a participant.
const NoIdentity Identity = 0

// Valid reports whether id can address a participant.
func (id Identity) Valid() bool { return id != NoIdentity }

func (id Identity) String() string { return fmt.Sprintf("#%d", uint32(id)) }

// Packet is one addressed message as seen by its recipient: Src is the
// sender's identity after routing, Data the opaque payload.
// Packets are values; nothing in this module mutates one after NewPacket.
type Packet struct {
	Src  Identity
	Data []byte
}

// NewPacket copies data into a new Packet. A nil payload becomes a
// zero-length slice so Data is never absent.
func NewPacket(src Identity, data []byte) Packet {
	buf := make([]byte, len(data))
	copy(buf, data)
	return Packet{Src: src, Data: buf}
}

// Equal reports whether p and o carry the same source and payload.
func (p Packet) Equal(o Packet) bool {
	return p.Src == o.Src && bytes.Equal(p.Data, o.Data)
}
