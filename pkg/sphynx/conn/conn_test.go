package conn

import (
	"bytes"
	"net/netip"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sphynx-net/sphynx/pkg/sphynx/crypto"
	"github.com/sphynx-net/sphynx/pkg/sphynx/kex"
)

func sharedKeys(t *testing.T) kex.SessionKeys {
	t.Helper()
	secret := bytes.Repeat([]byte{0x42}, 32)
	var keys kex.SessionKeys
	var err error
	keys.UpstreamMAC, err = crypto.DeriveKey(secret, nil, crypto.TagUpstreamMAC, 32)
	if err != nil {
		t.Fatal(err)
	}
	keys.DownstreamMAC, err = crypto.DeriveKey(secret, nil, crypto.TagDownstreamMAC, 32)
	if err != nil {
		t.Fatal(err)
	}
	enc1, err := crypto.DeriveKey(secret, nil, crypto.TagUpstreamENC, 32)
	if err != nil {
		t.Fatal(err)
	}
	enc2, err := crypto.DeriveKey(secret, nil, crypto.TagDownstreamENC, 32)
	if err != nil {
		t.Fatal(err)
	}
	copy(keys.UpstreamENC[:], enc1)
	copy(keys.DownstreamENC[:], enc2)
	return keys
}

func TestClientServerRoundTripThroughConnexion(t *testing.T) {
	keys := sharedKeys(t)
	now := time.Unix(0, 0)
	addr := netip.MustParseAddrPort("127.0.0.1:9000")

	server := New(addr, keys, true, 0, zerolog.Nop(), now)
	client := New(addr, keys, false, 0, zerolog.Nop(), now)

	if server.State() != StateActive || client.State() != StateActive {
		t.Fatal("new Connexion must start Active")
	}

	if err := client.Transport().SendReliable(now, 1, []byte("hello from client")); err != nil {
		t.Fatal(err)
	}
	clusters, err := client.Flush(1100)
	if err != nil {
		t.Fatal(err)
	}
	if len(clusters) != 1 {
		t.Fatalf("expected one cluster, got %d", len(clusters))
	}

	received, err := server.OnDatagram(now, clusters[0])
	if err != nil {
		t.Fatal(err)
	}
	if !server.SawEncryptedTraffic() {
		t.Fatal("server should have recorded valid encrypted traffic")
	}
	if len(received) != 1 || !bytes.Equal(received[0].Payload, []byte("hello from client")) {
		t.Fatalf("unexpected received messages: %+v", received)
	}
}

func TestRefCounting(t *testing.T) {
	keys := sharedKeys(t)
	now := time.Unix(0, 0)
	addr := netip.MustParseAddrPort("127.0.0.1:9001")
	c := New(addr, keys, true, 0, zerolog.Nop(), now)

	c.AddRef()
	c.AddRef()
	if c.RefCount() != 2 {
		t.Fatalf("refcount = %d, want 2", c.RefCount())
	}
	c.Release()
	if c.RefCount() != 1 {
		t.Fatalf("refcount = %d, want 1", c.RefCount())
	}
}

func TestDisconnectDrainsToGone(t *testing.T) {
	keys := sharedKeys(t)
	now := time.Unix(0, 0)
	addr := netip.MustParseAddrPort("127.0.0.1:9002")
	c := New(addr, keys, true, 0, zerolog.Nop(), now)

	c.Disconnect()
	if c.State() != StateDraining {
		t.Fatalf("state = %v, want Draining", c.State())
	}

	for i := 0; i < 10 && c.State() != StateGone; i++ {
		now = now.Add(time.Second)
		c.Tick(now)
	}
	if c.State() != StateGone {
		t.Fatalf("state = %v, want Gone after draining", c.State())
	}
}

func TestHandshakeMemoRoundTrip(t *testing.T) {
	keys := sharedKeys(t)
	now := time.Unix(0, 0)
	addr := netip.MustParseAddrPort("127.0.0.1:9003")
	c := New(addr, keys, true, 3, zerolog.Nop(), now)

	if c.HandshakeMemo() != nil {
		t.Fatal("new Connexion should have no handshake memo")
	}
	memo := &HandshakeMemo{Challenge: []byte("chal"), Answer: []byte("ans")}
	c.SetHandshakeMemo(memo)
	if got := c.HandshakeMemo(); got != memo {
		t.Fatal("handshake memo not stored")
	}
	if c.WorkerID() != 3 {
		t.Fatalf("worker id = %d, want 3", c.WorkerID())
	}
}
