package sphynx

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sphynx-net/sphynx/pkg/sphynx/kex"
)

func TestLoadOrCreateKeyPairGeneratesOnFirstUse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node")

	kp, err := LoadOrCreateKeyPair(path)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(path + ".key"); err != nil {
		t.Fatalf("private key file missing: %v", err)
	}
	pub, err := os.ReadFile(path + ".pub")
	if err != nil {
		t.Fatalf("public key file missing: %v", err)
	}
	if len(pub) != kex.PointSize {
		t.Fatalf("public key file is %d bytes, want %d", len(pub), kex.PointSize)
	}
	if kex.PackPoint(kp.Public) != kex.PackPoint(kp.Private.MulBase()) {
		t.Fatal("returned public key doesn't match private key")
	}
}

func TestLoadOrCreateKeyPairReloadsSameKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node")

	first, err := LoadOrCreateKeyPair(path)
	if err != nil {
		t.Fatal(err)
	}
	second, err := LoadOrCreateKeyPair(path)
	if err != nil {
		t.Fatal(err)
	}

	if kex.PackPoint(first.Public) != kex.PackPoint(second.Public) {
		t.Fatal("reloading the keypair produced a different public key")
	}
}

func TestLoadOrCreateKeyPairRewritesStalePubFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node")

	kp, err := LoadOrCreateKeyPair(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path+".pub", make([]byte, kex.PointSize), 0644); err != nil {
		t.Fatal(err)
	}

	reloaded, err := LoadOrCreateKeyPair(path)
	if err != nil {
		t.Fatal(err)
	}
	if kex.PackPoint(reloaded.Public) != kex.PackPoint(kp.Public) {
		t.Fatal("reload should recompute the public key from the private scalar")
	}
	pub, err := os.ReadFile(path + ".pub")
	if err != nil {
		t.Fatal(err)
	}
	want := kex.PackPoint(kp.Public)
	if string(pub) != string(want[:]) {
		t.Fatal(".pub file was not rewritten to match the private key")
	}
}

func TestLoadOrCreateKeyPairRejectsWrongSizedKeyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node")
	if err := os.WriteFile(path+".key", []byte("too short"), 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadOrCreateKeyPair(path); err == nil {
		t.Fatal("expected an error for a malformed private key file")
	}
}
