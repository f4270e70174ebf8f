package crypto

import (
	"crypto/hmac"
	"crypto/md5"
)

// MACSize is the truncated MAC length appended to every encrypted datagram.
const MACSize = 8

// MAC computes the truncated HMAC-MD5 tag over msg under key, per the
// packet-authentication role spec.md assigns to "HMAC-MD5 (truncated to 64
// bits)". This is a thin primitive wrapping two standard-library building
// blocks (crypto/hmac, crypto/md5); no ecosystem package offers a
// truncated-HMAC-MD5 construction specifically, and the two stdlib pieces
// need no additional logic to justify a third-party wrapper (see DESIGN.md).
func MAC(key, msg []byte) [MACSize]byte {
	h := hmac.New(md5.New, key)
	h.Write(msg)
	full := h.Sum(nil)
	var out [MACSize]byte
	copy(out[:], full[:MACSize])
	return out
}

// Equal compares two MACs in constant time.
func Equal(a, b [MACSize]byte) bool {
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}
