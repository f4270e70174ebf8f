package crypto

import "crypto/rand"

// randRead fills b with CSPRNG output. The protocol spec calls for a
// Fortuna-style generator; crypto/rand already draws on the OS CSPRNG
// (itself Fortuna-derived on most platforms Go targets), and no package in
// the retrieved pack offers a userspace Fortuna implementation, so we use it
// directly rather than reimplement one (see DESIGN.md).
func randRead(b []byte) error {
	_, err := rand.Read(b)
	return err
}

// Rand exposes the package CSPRNG for cookies, salts, ephemeral keys, and
// MTU-probe padding.
func Rand(b []byte) error {
	return randRead(b)
}
