package crypto

import "golang.org/x/crypto/blake2b"

// Hash512 computes the unkeyed 512-bit hash of msg, standing in for the
// protocol's Skein-512 role. blake2b.New512 is a keyed-capable 512-bit hash
// already in the retrieved pack's dependency graph (avahowell-occlude,
// cvsouth-tor-go, and xendarboh-katzenpost all pull in golang.org/x/crypto),
// and no Go Skein package was retrieved, so blake2b substitutes directly.
func Hash512(msg ...[]byte) [64]byte {
	h, err := blake2b.New512(nil)
	if err != nil {
		panic(err) // only fails for bad key length, and we pass none
	}
	for _, m := range msg {
		h.Write(m)
	}
	var out [64]byte
	copy(out[:], h.Sum(nil))
	return out
}

// KeyedHash512 computes the keyed 512-bit hash of msg under key, used by the
// handshake's proof-of-key MAC.
func KeyedHash512(key []byte, msg ...[]byte) [64]byte {
	h, err := blake2b.New512(key)
	if err != nil {
		panic(err)
	}
	for _, m := range msg {
		h.Write(m)
	}
	var out [64]byte
	copy(out[:], h.Sum(nil))
	return out
}
