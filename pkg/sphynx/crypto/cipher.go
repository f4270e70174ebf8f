package crypto

import "golang.org/x/crypto/chacha20"

// XORKeyStream encrypts (or decrypts — the cipher is symmetric) src into dst
// using key under the given 64-bit IV, run in counter mode starting at
// counter 0. dst and src may overlap exactly.
//
// The protocol calls for ChaCha-12; x/crypto only exposes the IETF 20-round
// construction, and no configurable-round ChaCha package was retrieved in
// the pack, so the 20-round cipher substitutes directly (see DESIGN.md).
func XORKeyStream(key [32]byte, iv uint64, dst, src []byte) error {
	var nonce [chacha20.NonceSize]byte // 12 bytes; bytes 4..11 carry the IV, bytes 0..3 stay zero
	nonce[4] = byte(iv)
	nonce[5] = byte(iv >> 8)
	nonce[6] = byte(iv >> 16)
	nonce[7] = byte(iv >> 24)
	nonce[8] = byte(iv >> 32)
	nonce[9] = byte(iv >> 40)
	nonce[10] = byte(iv >> 48)
	nonce[11] = byte(iv >> 56)

	c, err := chacha20.NewUnauthenticatedCipher(key[:], nonce[:])
	if err != nil {
		return err
	}
	c.XORKeyStream(dst, src)
	return nil
}
