package transport

import (
	"bytes"
	"testing"
	"time"
)

func TestChunkEncodeDecodeRoundTrip(t *testing.T) {
	buf, err := encodeReliableData(nil, OpData, 1, 42, false, []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	c, rest, err := decodeChunk(buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 0 {
		t.Fatalf("leftover bytes: %d", len(rest))
	}
	if !c.reliable || c.op != OpData || c.stream != 1 || c.seq != 42 || c.fragBit {
		t.Fatalf("decoded chunk mismatch: %+v", c)
	}
	if !bytes.Equal(c.payload, []byte("hello")) {
		t.Fatalf("payload mismatch: %q", c.payload)
	}
}

func TestReliableOrderedDeliveryOutOfOrder(t *testing.T) {
	now := time.Unix(0, 0)
	send := New(nil, now)
	recv := New(nil, now)

	msgs := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	for _, m := range msgs {
		if err := send.SendReliable(now, 1, m); err != nil {
			t.Fatal(err)
		}
	}
	clusters := send.Flush(9000)
	if len(clusters) != 1 {
		t.Fatalf("expected one cluster, got %d", len(clusters))
	}

	// split the cluster's three chunks apart and deliver them out of order
	var chunks [][]byte
	b := clusters[0]
	for len(b) > 0 {
		c, rest, err := decodeChunk(b)
		if err != nil {
			t.Fatal(err)
		}
		raw := b[:len(b)-len(rest)]
		chunks = append(chunks, raw)
		b = rest
		_ = c
	}
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}

	order := []int{2, 0, 1}
	var delivered [][]byte
	for _, i := range order {
		recvd, err := recv.OnDatagram(now, chunks[i])
		if err != nil {
			t.Fatal(err)
		}
		for _, r := range recvd {
			delivered = append(delivered, r.Payload)
		}
	}
	if len(delivered) != 3 {
		t.Fatalf("expected 3 delivered messages, got %d: %v", len(delivered), delivered)
	}
	for i, want := range msgs {
		if !bytes.Equal(delivered[i], want) {
			t.Fatalf("delivered[%d] = %q, want %q", i, delivered[i], want)
		}
	}
}

func TestFragmentationReassembly(t *testing.T) {
	now := time.Unix(0, 0)
	send := New(nil, now)
	recv := New(nil, now)

	big := bytes.Repeat([]byte("x"), DefaultMaxChunkPayload*2+10)
	if err := send.SendReliable(now, 2, big); err != nil {
		t.Fatal(err)
	}
	clusters := send.Flush(1 << 20)
	if len(clusters) != 1 {
		t.Fatalf("expected one cluster, got %d", len(clusters))
	}
	recvd, err := recv.OnDatagram(now, clusters[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(recvd) != 1 {
		t.Fatalf("expected one reassembled message, got %d", len(recvd))
	}
	if !bytes.Equal(recvd[0].Payload, big) {
		t.Fatal("reassembled payload mismatch")
	}
}

func TestReliableUnorderedDedupesRetransmits(t *testing.T) {
	now := time.Unix(0, 0)
	send := New(nil, now)
	recv := New(nil, now)

	if err := send.SendReliable(now, 0, []byte("once")); err != nil {
		t.Fatal(err)
	}
	clusters := send.Flush(9000)

	first, err := recv.OnDatagram(now, clusters[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(first))
	}

	// simulate a retransmit of the same chunk (sender didn't see the ACK yet)
	second, err := recv.OnDatagram(now, clusters[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != 0 {
		t.Fatalf("expected duplicate to be dropped, got %d deliveries", len(second))
	}
}

func TestUnreliableOrderedDropsStaleArrivals(t *testing.T) {
	now := time.Unix(0, 0)
	send := New(nil, now)
	recv := New(nil, now)

	for _, m := range [][]byte{[]byte("1"), []byte("2"), []byte("3")} {
		if err := send.SendUnreliableOrdered(1, m); err != nil {
			t.Fatal(err)
		}
	}
	clusters := send.Flush(9000)
	var chunks [][]byte
	b := clusters[0]
	for len(b) > 0 {
		_, rest, err := decodeChunk(b)
		if err != nil {
			t.Fatal(err)
		}
		chunks = append(chunks, b[:len(b)-len(rest)])
		b = rest
	}

	// deliver newest first, then an older one: the older one must be dropped.
	recvd, err := recv.OnDatagram(now, chunks[2])
	if err != nil {
		t.Fatal(err)
	}
	if len(recvd) != 1 {
		t.Fatal("expected newest datagram delivered")
	}
	recvd, err = recv.OnDatagram(now, chunks[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(recvd) != 0 {
		t.Fatal("stale unreliable-ordered datagram should have been dropped")
	}
}

func TestRetransmitFiresAfterRTO(t *testing.T) {
	now := time.Unix(0, 0)
	send := New(nil, now)
	if err := send.SendReliable(now, 1, []byte("payload")); err != nil {
		t.Fatal(err)
	}
	send.Flush(9000) // first send, drains the queue

	send.Tick(now.Add(10 * time.Millisecond)) // well under RTO
	if send.Pending() {
		t.Fatal("retransmit fired before RTO elapsed")
	}

	send.Tick(now.Add(time.Second)) // past the null pacer's 500ms RTO
	if !send.Pending() {
		t.Fatal("expected a retransmit to be queued after RTO elapsed")
	}
}

func TestGracefulDisconnectSendsDiscoThreeTimes(t *testing.T) {
	now := time.Unix(0, 0)
	send := New(nil, now)
	recv := New(nil, now)
	send.RequestDisconnect()

	for i := 0; i < discoRepeats; i++ {
		send.Tick(now)
		for _, cluster := range send.Flush(9000) {
			if _, err := recv.OnDatagram(now, cluster); err != nil {
				t.Fatal(err)
			}
		}
	}
	if !recv.PeerDisconnected() {
		t.Fatal("expected peer to observe disconnect")
	}
}
