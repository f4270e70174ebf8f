package huge

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestFECRoundTripNoLoss(t *testing.T) {
	data := bytes.Repeat([]byte("sphynx-bulk-data-"), 5000) // several blocks
	blocks := EncodeChunk(data)

	dec := NewDecoder(len(data))
	for _, b := range blocks {
		dec.Add(b)
	}
	if !dec.Complete() {
		t.Fatal("decoder not complete after receiving every block")
	}
	got, err := dec.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("reassembled data mismatch")
	}
}

func TestFECRecoversOneLossPerGroup(t *testing.T) {
	data := make([]byte, BlockSize*parityGroupSize) // exactly one full parity group
	r := rand.New(rand.NewSource(1))
	r.Read(data)

	blocks := EncodeChunk(data)
	dec := NewDecoder(len(data))

	// drop the first source block of the group; deliver everything else.
	for _, b := range blocks {
		if b.ID == 0 {
			continue
		}
		dec.Add(b)
	}
	if !dec.Complete() {
		t.Fatal("expected parity to recover the single missing block")
	}
	got, err := dec.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("recovered data mismatch")
	}
}

func TestFECFailsWithTwoLossesInOneGroup(t *testing.T) {
	data := make([]byte, BlockSize*parityGroupSize)
	blocks := EncodeChunk(data)
	dec := NewDecoder(len(data))
	for _, b := range blocks {
		if b.ID == 0 || b.ID == 1 {
			continue
		}
		dec.Add(b)
	}
	if dec.Complete() {
		t.Fatal("decoder should not complete with two losses in one group and only one parity block")
	}
}

func TestControlMarshalRoundTrip(t *testing.T) {
	cases := []ControlMsg{
		{Op: OpPushRequest, TransferID: 7},
		{Op: OpStart, TransferID: 7, ChunkCount: 3, TotalSize: 12345678},
		{Op: OpRate, TransferID: 7, RateBps: 65536},
		{Op: OpRequest, TransferID: 7, BlockIDs: []uint32{1, 2, 3}},
		{Op: OpDeny, TransferID: 7, Reason: ReasonFECFail},
	}
	for _, c := range cases {
		buf := c.Marshal(nil)
		got, err := Unmarshal(buf)
		if err != nil {
			t.Fatalf("unmarshal %+v: %v", c, err)
		}
		if got.Op != c.Op || got.TransferID != c.TransferID {
			t.Fatalf("roundtrip mismatch: got %+v, want %+v", got, c)
		}
	}
}

func TestSourceSinkEndToEnd(t *testing.T) {
	data := bytes.Repeat([]byte("abcdefgh"), 600000) // multiple chunks

	var controlToSink, controlToSource, blocksToSink [][]byte
	sendControlFromSource := func(p []byte) error {
		controlToSink = append(controlToSink, append([]byte(nil), p...))
		return nil
	}
	sendBlockFromSource := func(p []byte) error {
		blocksToSink = append(blocksToSink, append([]byte(nil), p...))
		return nil
	}
	sendControlFromSink := func(p []byte) error {
		controlToSource = append(controlToSource, append([]byte(nil), p...))
		return nil
	}

	var received []byte
	done := false
	sink := NewSink(1, sendControlFromSink, func(b []byte, size int) {
		if size == 0 {
			done = true
			return
		}
		received = append(received, b...)
	})
	source := NewSource(1, data, sendControlFromSource, sendBlockFromSource)

	if err := source.Start(); err != nil {
		t.Fatal(err)
	}
	drainControl(t, controlToSink, sink, nil)
	controlToSink = nil
	drainControl(t, controlToSource, nil, source)
	controlToSource = nil

	for !done {
		finished, err := source.PumpBlocks(64)
		if err != nil {
			t.Fatal(err)
		}
		for _, env := range blocksToSink {
			if err := sink.OnBlock(env); err != nil {
				t.Fatal(err)
			}
		}
		blocksToSink = nil
		if finished && len(blocksToSink) == 0 {
			break
		}
	}
	if !bytes.Equal(received, data) {
		t.Fatalf("sink reassembled %d bytes, want %d", len(received), len(data))
	}
}

// drainControl feeds raw control-envelope bytes to whichever side is non-nil.
func drainControl(t *testing.T, msgs [][]byte, sink *Sink, source *Source) {
	t.Helper()
	for _, m := range msgs {
		msg, err := Unmarshal(m)
		if err != nil {
			t.Fatal(err)
		}
		if sink != nil {
			if err := sink.OnControl(msg); err != nil {
				t.Fatal(err)
			}
		}
		if source != nil {
			if err := source.OnControl(msg); err != nil {
				t.Fatal(err)
			}
		}
	}
}
