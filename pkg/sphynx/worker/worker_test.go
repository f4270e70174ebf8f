package worker

import (
	"bytes"
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sphynx-net/sphynx/pkg/sphynx/conn"
	"github.com/sphynx-net/sphynx/pkg/sphynx/crypto"
	"github.com/sphynx-net/sphynx/pkg/sphynx/kex"
)

func sharedKeys(t *testing.T) kex.SessionKeys {
	t.Helper()
	secret := bytes.Repeat([]byte{0x7}, 32)
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

func TestAssignPicksLeastPopulated(t *testing.T) {
	p := New(2, func(netip.AddrPort, []byte) {}, nil, nil, nil, zerolog.Nop())
	keys := sharedKeys(t)
	now := time.Unix(0, 0)

	for i := 0; i < 3; i++ {
		addr := netip.MustParseAddrPort("127.0.0.1:900" + string(rune('0'+i)))
		c := conn.New(addr, keys, true, 0, zerolog.Nop(), now)
		id := p.Assign(c)
		_ = id
	}
	total := p.Len(0) + p.Len(1)
	if total != 3 {
		t.Fatalf("expected 3 connexions total across workers, got %d", total)
	}
	diff := p.Len(0) - p.Len(1)
	if diff < -1 || diff > 1 {
		t.Fatalf("assignment not balanced: %d vs %d", p.Len(0), p.Len(1))
	}
}

func TestEnqueueAndDrainDispatchesByOwner(t *testing.T) {
	var mu sync.Mutex
	var sent []netip.AddrPort
	send := func(addr netip.AddrPort, _ []byte) {
		mu.Lock()
		sent = append(sent, addr)
		mu.Unlock()
	}

	p := New(1, send, nil, nil, nil, zerolog.Nop())
	keys := sharedKeys(t)
	now := time.Unix(0, 0)
	addr := netip.MustParseAddrPort("127.0.0.1:9100")
	c := conn.New(addr, keys, true, 0, zerolog.Nop(), now)
	workerID := p.Assign(c)
	if workerID != 0 {
		t.Fatalf("worker id = %d, want 0", workerID)
	}

	p.Enqueue(Datagram{Owner: c, Data: []byte{0x00}, Addr: addr, Now: now})
	p.workers[0].drainQueue()
	// The one-byte datagram reaches its owner's OnDatagram, fails to
	// decrypt, and is counted as dropped.
	if got := p.dropped.Get(); got != 1 {
		t.Fatalf("dropped = %d, want 1", got)
	}
}

func TestRunRespectsContextCancellation(t *testing.T) {
	p := New(1, func(netip.AddrPort, []byte) {}, nil, nil, nil, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Pool.Run did not exit after context cancellation")
	}
}
