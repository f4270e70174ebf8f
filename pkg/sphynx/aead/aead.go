// Package aead implements Sphynx's per-direction authenticated encryption:
// MAC-then-decrypt framing over a monotonic IV counter, with a sliding
// anti-replay window. See spec.md §4.3.
package aead

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/VictoriaMetrics/metrics"

	"github.com/sphynx-net/sphynx/pkg/sphynx/crypto"
)

// Package-level counters, aggregated across every Session: a Connexion's
// aead state is too short-lived and per-connection-labeled metrics would
// fit poorly, so Encrypt/Decrypt tally into one process-wide set instead,
// mirroring how pkg/udpio tallies socket-wide rather than per-datagram.
var (
	metricsSet      = metrics.NewSet()
	encryptCount    = metricsSet.NewCounter(`sphynx_aead_encrypt_total`)
	decryptOK       = metricsSet.NewCounter(`sphynx_aead_decrypt_ok_total`)
	decryptRejected = metricsSet.NewCounter(`sphynx_aead_decrypt_rejected_total`)
)

// WritePrometheus writes the package-wide encrypt/decrypt counters in
// Prometheus exposition format.
func WritePrometheus(w io.Writer) {
	metricsSet.WritePrometheus(w)
}

// Overhead is the number of bytes Encrypt appends to the plaintext: an
// 8-byte truncated MAC plus a 3-byte obfuscated IV tail.
const Overhead = crypto.MACSize + 3

// ivObfuscator is a fixed scrambler XORed into the wire IV tail alongside
// bytes already visible in the ciphertext, per spec.md §4.3: "the low 24
// bits of iv, obfuscated by XORing with the high bits of the MAC and a
// fixed scrambler". Using ciphertext bytes the receiver already has (rather
// than the plaintext MAC) avoids a chicken-and-egg dependency where
// de-obfuscating the IV would otherwise require decrypting first.
var ivObfuscator = [3]byte{0x5a, 0xc3, 0x91}

var (
	ErrInvalid   = errors.New("aead: invalid packet")
	ErrExhausted = errors.New("aead: IV space exhausted")
)

// SendContext holds one direction's outbound encryption state: a MAC key,
// a cipher key, and the next IV to use. The IV is the connection's single
// outbound serialization point (spec.md §5): it must never repeat.
type SendContext struct {
	macKey []byte
	encKey [32]byte
	nextIV uint64
}

// RecvContext holds one direction's inbound decryption state: a MAC key, a
// cipher key, and the sliding replay window.
type RecvContext struct {
	macKey []byte
	encKey [32]byte
	window replayWindow
}

// NewSendContext creates a sender starting its IV counter at start (0 for
// the upstream/client direction, 1 for downstream/server, per spec.md §4.3).
func NewSendContext(macKey []byte, encKey [32]byte, start uint64) *SendContext {
	return &SendContext{macKey: macKey, encKey: encKey, nextIV: start}
}

// NewRecvContext creates a receiver for the matching direction.
func NewRecvContext(macKey []byte, encKey [32]byte) *RecvContext {
	return &RecvContext{macKey: macKey, encKey: encKey}
}

// Exhausted reports whether the sender has used up its entire IV space;
// spec.md §8 requires a clean disconnect at IV rollover rather than reuse.
func (s *SendContext) Exhausted() bool {
	return s.nextIV == ^uint64(0)
}

// Encrypt seals msg for transmission, returning a new buffer. Once
// Exhausted reports true, Encrypt returns ErrExhausted instead of reusing
// an IV.
func (s *SendContext) Encrypt(msg []byte) ([]byte, error) {
	if s.Exhausted() {
		return nil, ErrExhausted
	}
	encryptCount.Inc()
	iv := s.nextIV
	s.nextIV++

	var ivBuf [8]byte
	binary.LittleEndian.PutUint64(ivBuf[:], iv)

	tag := crypto.MAC(s.macKey, append(append([]byte(nil), ivBuf[:]...), msg...))

	plain := make([]byte, len(msg)+crypto.MACSize)
	copy(plain, msg)
	copy(plain[len(msg):], tag[:])

	out := make([]byte, len(plain)+3)
	if err := crypto.XORKeyStream(s.encKey, iv, out[:len(plain)], plain); err != nil {
		return nil, err
	}

	src := out[len(plain)-crypto.MACSize : len(plain)]
	var low24 [3]byte
	low24[0] = byte(iv)
	low24[1] = byte(iv >> 8)
	low24[2] = byte(iv >> 16)
	for i := range low24 {
		out[len(plain)+i] = low24[i] ^ src[i] ^ ivObfuscator[i]
	}
	return out, nil
}

// Decrypt opens buf in-place semantics (returns a freshly allocated
// plaintext), verifying the MAC and enforcing the replay window. Any
// failure returns ErrInvalid and must be treated as a silent drop by the
// caller — no other side effect occurs on failure.
func (r *RecvContext) Decrypt(buf []byte) ([]byte, uint64, error) {
	if len(buf) < Overhead {
		decryptRejected.Inc()
		return nil, 0, ErrInvalid
	}
	ciphertext := buf[:len(buf)-3]
	tail := buf[len(buf)-3:]

	src := ciphertext[len(ciphertext)-crypto.MACSize:]
	var low24 uint32
	low24 |= uint32(tail[0] ^ src[0] ^ ivObfuscator[0])
	low24 |= uint32(tail[1]^src[1]^ivObfuscator[1]) << 8
	low24 |= uint32(tail[2]^src[2]^ivObfuscator[2]) << 16

	iv := reconstructIV(r.window.highWater, low24)

	plain := make([]byte, len(ciphertext))
	if err := crypto.XORKeyStream(r.encKey, iv, plain, ciphertext); err != nil {
		decryptRejected.Inc()
		return nil, 0, ErrInvalid
	}

	msg := plain[:len(plain)-crypto.MACSize]
	gotTag := plain[len(plain)-crypto.MACSize:]

	var ivBuf [8]byte
	binary.LittleEndian.PutUint64(ivBuf[:], iv)
	wantTag := crypto.MAC(r.macKey, append(append([]byte(nil), ivBuf[:]...), msg...))

	var wantArr [crypto.MACSize]byte
	copy(wantArr[:], wantTag[:])
	var gotArr [crypto.MACSize]byte
	copy(gotArr[:], gotTag)
	if !crypto.Equal(wantArr, gotArr) {
		decryptRejected.Inc()
		return nil, 0, ErrInvalid
	}

	if !r.window.accept(iv) {
		decryptRejected.Inc()
		return nil, 0, ErrInvalid
	}

	decryptOK.Inc()
	return msg, iv, nil
}

// HighWater returns the receiver's current accepted high-water IV, the
// "last accepted" reference Decrypt needs for IV reconstruction.
func (r *RecvContext) HighWater() uint64 {
	return r.window.highWater
}
