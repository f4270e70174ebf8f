package crypto

import (
	"hash"
	"io"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/hkdf"
)

// Sub-key tags for the four keys the handshake derives from the shared
// point T: upstream/downstream MAC and ENC keys.
const (
	TagUpstreamMAC   = "sphynx-up-mac"
	TagDownstreamMAC = "sphynx-down-mac"
	TagUpstreamENC   = "sphynx-up-enc"
	TagDownstreamENC = "sphynx-down-enc"
)

// DeriveKey runs a tagged KDF invocation over secret, producing n bytes of
// key material for the given purpose tag. Built on HKDF over blake2b-256,
// the same construction xendarboh-katzenpost uses to fan a single Noise
// shared secret out into multiple sub-keys.
func DeriveKey(secret, salt []byte, tag string, n int) ([]byte, error) {
	r := hkdf.New(blake2b256New, secret, salt, []byte(tag))
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

func blake2b256New() hash.Hash {
	h, err := blake2b.New256(nil)
	if err != nil {
		panic(err)
	}
	return h
}
