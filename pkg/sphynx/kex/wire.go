package kex

import (
	"encoding/binary"
	"errors"
)

// Opcodes distinguishing the handshake packet kinds on the wire. HELLO is
// self-describing via its magic; the rest carry a 1-byte opcode prefix, per
// the literal byte sequences in spec.md §8 scenario 1 (which show COOKIE,
// CHALLENGE, and ANSWER each led by a single discriminator byte rather than
// spec.md §4.2's table of a 4-byte "magic" on every packet). We follow the
// scenario bytes as authoritative for wire layout and record this as an
// Open Question resolution in DESIGN.md.
const (
	OpCookie    = 0x18
	OpChallenge = 0x09
	OpAnswer    = 0x6c
	OpError     = 0x45 // 'E'
)

// HelloMagic is HELLO's leading 4 bytes, opaque (not little-endian, per
// spec.md §9's byte-ordering note).
var HelloMagic = [4]byte{0xC4, 0x7D, 0x00, 0x01}

var ErrShortPacket = errors.New("kex: packet too short")
var ErrBadMagic = errors.New("kex: bad magic")
var ErrBadOpcode = errors.New("kex: bad opcode")

// ErrorReason is the 1-byte enum ERROR's payload carries.
type ErrorReason byte

const (
	ErrorWrongKey ErrorReason = iota
	ErrorServerFull
	ErrorTampering
	ErrorBlocked
	ErrorShutdown
	ErrorServerError
)

// MarshalHello builds a HELLO packet: the client echoing the server's known
// public key so a server with a rotated key can reject it up front.
func MarshalHello(serverPub [PointSize]byte) []byte {
	b := make([]byte, 0, 4+PointSize)
	b = append(b, HelloMagic[:]...)
	b = append(b, serverPub[:]...)
	return b
}

// UnmarshalHello parses a HELLO packet.
func UnmarshalHello(b []byte) (serverPub [PointSize]byte, err error) {
	if len(b) != 4+PointSize {
		return serverPub, ErrShortPacket
	}
	if [4]byte(b[:4]) != HelloMagic {
		return serverPub, ErrBadMagic
	}
	copy(serverPub[:], b[4:])
	return serverPub, nil
}

// MarshalCookie builds a COOKIE packet.
func MarshalCookie(c [4]byte) []byte {
	return append([]byte{OpCookie}, c[:]...)
}

// UnmarshalCookie parses a COOKIE packet.
func UnmarshalCookie(b []byte) (c [4]byte, err error) {
	if len(b) != 1+4 || b[0] != OpCookie {
		return c, ErrBadOpcode
	}
	copy(c[:], b[1:])
	return c, nil
}

// MarshalChallenge builds a CHALLENGE packet.
func MarshalChallenge(cookie [4]byte, a [PointSize]byte) []byte {
	b := make([]byte, 0, 1+4+PointSize)
	b = append(b, OpChallenge)
	b = append(b, cookie[:]...)
	b = append(b, a[:]...)
	return b
}

// UnmarshalChallenge parses a CHALLENGE packet.
func UnmarshalChallenge(b []byte) (cookie [4]byte, a [PointSize]byte, err error) {
	if len(b) != 1+4+PointSize || b[0] != OpChallenge {
		return cookie, a, ErrBadOpcode
	}
	copy(cookie[:], b[1:5])
	copy(a[:], b[5:])
	return cookie, a, nil
}

// MarshalAnswer builds an ANSWER packet.
func MarshalAnswer(port uint16, y [PointSize]byte, r [NonceSize]byte, proof [ProofSize]byte) []byte {
	b := make([]byte, 0, 1+2+PointSize+NonceSize+ProofSize)
	b = append(b, OpAnswer)
	b = binary.LittleEndian.AppendUint16(b, port)
	b = append(b, y[:]...)
	b = append(b, r[:]...)
	b = append(b, proof[:]...)
	return b
}

// UnmarshalAnswer parses an ANSWER packet.
func UnmarshalAnswer(b []byte) (port uint16, y [PointSize]byte, r [NonceSize]byte, proof [ProofSize]byte, err error) {
	if len(b) != 1+2+PointSize+NonceSize+ProofSize || b[0] != OpAnswer {
		return 0, y, r, proof, ErrBadOpcode
	}
	port = binary.LittleEndian.Uint16(b[1:3])
	copy(y[:], b[3:3+PointSize])
	copy(r[:], b[3+PointSize:3+PointSize+NonceSize])
	copy(proof[:], b[3+PointSize+NonceSize:])
	return port, y, r, proof, nil
}

// MarshalError builds an ERROR packet.
func MarshalError(reason ErrorReason) []byte {
	return []byte{OpError, byte(reason)}
}

// UnmarshalError parses an ERROR packet.
func UnmarshalError(b []byte) (ErrorReason, error) {
	if len(b) != 2 || b[0] != OpError {
		return 0, ErrBadOpcode
	}
	return ErrorReason(b[1]), nil
}
