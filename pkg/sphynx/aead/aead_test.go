package aead

import (
	"bytes"
	"testing"
)

func newPair() (*SendContext, *RecvContext) {
	mac := []byte("test-mac-key")
	var enc [32]byte
	copy(enc[:], []byte("test-enc-key-0123456789abcdef01"))
	return NewSendContext(mac, enc, 0), NewRecvContext(mac, enc)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	send, recv := newPair()

	msg := []byte("hello sphynx")
	ct, err := send.Encrypt(msg)
	if err != nil {
		t.Fatal(err)
	}
	pt, _, err := recv.Decrypt(ct)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(pt, msg) {
		t.Fatalf("got %q, want %q", pt, msg)
	}
}

func TestZeroLengthMessage(t *testing.T) {
	send, recv := newPair()
	ct, err := send.Encrypt(nil)
	if err != nil {
		t.Fatal(err)
	}
	pt, _, err := recv.Decrypt(ct)
	if err != nil {
		t.Fatal(err)
	}
	if len(pt) != 0 {
		t.Fatalf("got %d bytes, want 0", len(pt))
	}
}

func TestTamperedDatagramDropped(t *testing.T) {
	send, recv := newPair()
	ct, err := send.Encrypt([]byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	ct[0] ^= 0xFF

	hwBefore := recv.HighWater()
	if _, _, err := recv.Decrypt(ct); err == nil {
		t.Fatal("tampered datagram was accepted")
	}
	if recv.HighWater() != hwBefore {
		t.Fatal("replay window changed on a failed decrypt")
	}
}

func TestReplayRejected(t *testing.T) {
	send, recv := newPair()
	ct, err := send.Encrypt([]byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := recv.Decrypt(ct); err != nil {
		t.Fatal(err)
	}
	if _, _, err := recv.Decrypt(ct); err == nil {
		t.Fatal("replayed datagram was accepted")
	}
}

func TestOutOfOrderWithinWindowAccepted(t *testing.T) {
	send, recv := newPair()

	var pkts [][]byte
	for i := 0; i < 3; i++ {
		ct, err := send.Encrypt([]byte{byte(i)})
		if err != nil {
			t.Fatal(err)
		}
		pkts = append(pkts, ct)
	}

	// deliver out of order: 2, 0, 1
	order := []int{2, 0, 1}
	for _, i := range order {
		if _, _, err := recv.Decrypt(pkts[i]); err != nil {
			t.Fatalf("packet %d rejected: %v", i, err)
		}
	}
}

func TestIVNeverRepeats(t *testing.T) {
	send, _ := newPair()
	seen := map[uint64]bool{}
	for i := 0; i < 100; i++ {
		iv := send.nextIV
		if seen[iv] {
			t.Fatalf("iv %d repeated", iv)
		}
		seen[iv] = true
		if _, err := send.Encrypt([]byte("x")); err != nil {
			t.Fatal(err)
		}
	}
}

func TestExhaustedRejectsFurtherSends(t *testing.T) {
	send, _ := newPair()
	send.nextIV = ^uint64(0)
	if !send.Exhausted() {
		t.Fatal("sender at max IV should report exhausted")
	}
	if _, err := send.Encrypt([]byte("x")); err == nil {
		t.Fatal("exhausted sender accepted a further send")
	}
}
