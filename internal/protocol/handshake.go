package protocol

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Version is the handshake version spoken by this module. A router rejects
// a Hello carrying any other version.
const Version = 1

// Reject codes.
const (
	RejectRefused  uint8 = 1 // name or requested identity already held by a live session
	RejectProtocol uint8 = 2 // malformed or unexpected handshake
)

// Hello opens a session. The frame ID carries the identity the client asks
// to re-bind, or NoIdentity to have a fresh one assigned.
type Hello struct {
	Version int    `cbor:"1,keyasint"`
	Name    string `cbor:"2,keyasint"`
}

// Welcome confirms a session; the frame ID carries the assigned identity.
type Welcome struct {
	Version int    `cbor:"1,keyasint"`
	Name    string `cbor:"2,keyasint"`
}

// Reject refuses a session.
type Reject struct {
	Code   uint8  `cbor:"1,keyasint"`
	Reason string `cbor:"2,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CanonicalEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic(err)
	}
}

// HelloFrame builds the first frame a client sends.
func HelloFrame(requested Identity, name string) (*Frame, error) {
	body, err := encMode.Marshal(Hello{Version: Version, Name: name})
	if err != nil {
		return nil, fmt.Errorf("encode hello: %w", err)
	}
	return &Frame{Type: TypeHello, ID: requested, Payload: body}, nil
}

// WelcomeFrame builds the router's acceptance of a session.
func WelcomeFrame(assigned Identity, name string) (*Frame, error) {
	body, err := encMode.Marshal(Welcome{Version: Version, Name: name})
	if err != nil {
		return nil, fmt.Errorf("encode welcome: %w", err)
	}
	return &Frame{Type: TypeWelcome, ID: assigned, Payload: body}, nil
}

// RejectFrame builds the router's refusal of a session.
func RejectFrame(code uint8, reason string) (*Frame, error) {
	body, err := encMode.Marshal(Reject{Code: code, Reason: reason})
	if err != nil {
		return nil, fmt.Errorf("encode reject: %w", err)
	}
	return &Frame{Type: TypeReject, Payload: body}, nil
}

// ParseHello decodes the body of a TypeHello frame.
func ParseHello(f *Frame) (Hello, error) {
	var h Hello
	if f.Type != TypeHello {
		return h, fmt.Errorf("expected HELLO, got %s", f)
	}
	if err := decMode.Unmarshal(f.Payload, &h); err != nil {
		return h, fmt.Errorf("decode hello: %w", err)
	}
	return h, nil
}

// ParseWelcome decodes the body of a TypeWelcome frame.
func ParseWelcome(f *Frame) (Welcome, error) {
	var w Welcome
	if f.Type != TypeWelcome {
		return w, fmt.Errorf("expected WELCOME, got %s", f)
	}
	if err := decMode.Unmarshal(f.Payload, &w); err != nil {
		return w, fmt.Errorf("decode welcome: %w", err)
	}
	return w, nil
}

// ParseReject decodes the body of a TypeReject frame.
func ParseReject(f *Frame) (Reject, error) {
	var r Reject
	if f.Type != TypeReject {
		return r, fmt.Errorf("expected REJECT, got %s", f)
	}
	if err := decMode.Unmarshal(f.Payload, &r); err != nil {
		return r, fmt.Errorf("decode reject: %w", err)
	}
	return r, nil
}
