package sphynx

import (
	"fmt"
	"os"

	"github.com/sphynx-net/sphynx/pkg/sphynx/crypto"
	"github.com/sphynx-net/sphynx/pkg/sphynx/kex"
)

// LoadOrCreateKeyPair reads the server's long-lived private scalar from
// path+".key" (32 bytes) and rewrites path+".pub" (64 bytes, the
// wire-padded point, see kex.PackPoint) from it. A fresh keypair is
// generated and persisted only when the .key file is missing; a missing or
// stale .pub is recreated from the existing key.
func LoadOrCreateKeyPair(path string) (kex.KeyPair, error) {
	keyPath, pubPath := path+".key", path+".pub"

	priv, err := os.ReadFile(keyPath)
	switch {
	case err == nil:
		return loadKeyPair(priv, pubPath)
	case os.IsNotExist(err):
		return generateAndSaveKeyPair(keyPath, pubPath)
	default:
		return kex.KeyPair{}, fmt.Errorf("sphynx: read private key: %w", err)
	}
}

func loadKeyPair(priv []byte, pubPath string) (kex.KeyPair, error) {
	if len(priv) != 32 {
		return kex.KeyPair{}, fmt.Errorf("sphynx: private key file must be 32 bytes, got %d", len(priv))
	}
	scalar, err := crypto.ScalarFromBytes(priv)
	if err != nil {
		return kex.KeyPair{}, fmt.Errorf("sphynx: decode private key: %w", err)
	}
	return kex.KeyPair{Private: scalar, Public: scalar.MulBase()}, writePublicKey(pubPath, scalar)
}

func generateAndSaveKeyPair(keyPath, pubPath string) (kex.KeyPair, error) {
	kp, err := kex.GenerateKeyPair()
	if err != nil {
		return kex.KeyPair{}, fmt.Errorf("sphynx: generate keypair: %w", err)
	}
	if err := os.WriteFile(keyPath, kp.Private.Bytes(), 0600); err != nil {
		return kex.KeyPair{}, fmt.Errorf("sphynx: write private key: %w", err)
	}
	return kp, writePublicKey(pubPath, kp.Private)
}

// writePublicKey keeps the on-disk public key file in sync with the
// private key, regenerating it on every load so a deleted or stale .pub
// file never drifts from the .key it's derived from.
func writePublicKey(pubPath string, priv crypto.Scalar) error {
	packed := kex.PackPoint(priv.MulBase())
	if err := os.WriteFile(pubPath, packed[:], 0644); err != nil {
		return fmt.Errorf("sphynx: write public key: %w", err)
	}
	return nil
}
