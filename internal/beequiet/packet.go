// Package beequiet implements BeeQuiet, the UDP multicast discovery
// protocol peers use to find each other on a LAN (spec.md §4.5), grounded
// on the teacher's vl1 packet/transport/peer machinery and generalized
// from a unicast overlay to a multicast announce/respond protocol.
package beequiet

import (
	"encoding/binary"
	"fmt"
)

const (
	// Magic is the fixed BeeQuiet header prefix.
	Magic uint16 = 0xBEEC

	// HeaderSize is the fixed 5-byte envelope header length.
	HeaderSize = 5

	// MaxDatagramSize bounds a BeeQuiet datagram (spec.md §8 property 7:
	// the parser must never panic on any input up to 2 KiB).
	MaxDatagramSize = 2048

	MulticastGroup = "239.255.7.7"
	MulticastPort  = 7777
)

// Type identifies a BeeQuiet message.
type Type uint8

const (
	TypeWhoIsHere Type = 0x01
	TypeIAmHere   Type = 0x02
	TypeHeartbeat Type = 0x03
	TypeGoodbye   Type = 0x04
)

func (t Type) String() string {
	switch t {
	case TypeWhoIsHere:
		return "who_is_here"
	case TypeIAmHere:
		return "i_am_here"
	case TypeHeartbeat:
		return "heartbeat"
	case TypeGoodbye:
		return "goodbye"
	default:
		return fmt.Sprintf("unknown(0x%02x)", uint8(t))
	}
}

// ErrProtocol marks a wire-format violation: wrong magic, truncated
// header, unknown type, or a length mismatch. Per spec.md §7 these are
// dropped at the receiver and never crash the process.
type ErrProtocol struct{ Reason string }

func (e *ErrProtocol) Error() string { return "beequiet: protocol error: " + e.Reason }

// Frame is a decoded BeeQuiet datagram: header plus raw payload bytes.
// WHO/IAM payloads are plaintext JSON; HEARTBEAT/GOODBYE payloads are
// AEAD envelopes (see aead.go for sealing/opening).
type Frame struct {
	Type    Type
	Payload []byte
}

// Encode serializes a frame into a wire datagram.
func (f *Frame) Encode() []byte {
	buf := make([]byte, HeaderSize+len(f.Payload))
	binary.BigEndian.PutUint16(buf[0:2], Magic)
	buf[2] = uint8(f.Type)
	binary.BigEndian.PutUint16(buf[3:5], uint16(len(f.Payload)))
	copy(buf[HeaderSize:], f.Payload)
	return buf
}

// Decode parses a wire datagram into a Frame. It never panics: every
// malformed input returns an *ErrProtocol.
func Decode(data []byte) (*Frame, error) {
	if len(data) > MaxDatagramSize {
		return nil, &ErrProtocol{Reason: "datagram exceeds maximum size"}
	}
	if len(data) < HeaderSize {
		return nil, &ErrProtocol{Reason: "truncated header"}
	}
	magic := binary.BigEndian.Uint16(data[0:2])
	if magic != Magic {
		return nil, &ErrProtocol{Reason: "bad magic"}
	}
	typ := Type(data[2])
	switch typ {
	case TypeWhoIsHere, TypeIAmHere, TypeHeartbeat, TypeGoodbye:
	default:
		return nil, &ErrProtocol{Reason: "unknown type"}
	}
	payloadLen := int(binary.BigEndian.Uint16(data[3:5]))
	if len(data)-HeaderSize != payloadLen {
		return nil, &ErrProtocol{Reason: "payload length mismatch"}
	}
	return &Frame{Type: typ, Payload: data[HeaderSize:]}, nil
}
