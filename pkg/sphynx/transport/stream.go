package transport

import "time"

// seqLess reports whether a comes strictly before b in the 15-bit
// sequence-id space, treating the space as a ring (same trick TCP uses for
// 32-bit sequence numbers, scaled down).
func seqLess(a, b uint16) bool {
	// The shift moves bit 14 of the 15-bit difference into the sign bit.
	return int16((a-b)<<1) < 0
}

const seqSpace = 1 << 15

func seqAdd(a uint16, n int) uint16 {
	return uint16((int(a) + n) % seqSpace)
}

// sentChunk is one outstanding reliable chunk awaiting ACK.
type sentChunk struct {
	seq      uint16
	fragBit  bool
	payload  []byte
	sentAt   time.Time
	lastSent time.Time
	tries    int
}

// sendStream is the sender-side state for one reliable stream (0..3).
type sendStream struct {
	stream  uint8
	nextSeq uint16
	unacked map[uint16]*sentChunk
	pending [][]byte // messages not yet chunked, FIFO order for the ordered streams
}

func newSendStream(stream uint8) *sendStream {
	return &sendStream{stream: stream, unacked: make(map[uint16]*sentChunk)}
}

// Queue splits msg into one or more chunks (fragmenting if it exceeds
// maxChunkPayload) and records them as unacked, returning their wire bytes
// appended to buf.
func (s *sendStream) Queue(buf []byte, msg []byte, now time.Time, maxChunkPayload int) ([]byte, error) {
	if len(msg) == 0 {
		msg = []byte{}
	}
	parts := chunkPayload(msg, maxChunkPayload)
	for i, part := range parts {
		seq := s.nextSeq
		s.nextSeq = seqAdd(s.nextSeq, 1)
		fragBit := i < len(parts)-1
		op := OpData
		if fragBit {
			op = OpFrag
		}
		var err error
		buf, err = encodeReliableData(buf, op, s.stream, seq, fragBit, part)
		if err != nil {
			return nil, err
		}
		s.unacked[seq] = &sentChunk{seq: seq, fragBit: fragBit, payload: part, sentAt: now, lastSent: now}
	}
	return buf, nil
}

func chunkPayload(msg []byte, maxLen int) [][]byte {
	if maxLen <= 0 || len(msg) <= maxLen {
		return [][]byte{msg}
	}
	var parts [][]byte
	for len(msg) > 0 {
		n := maxLen
		if n > len(msg) {
			n = len(msg)
		}
		parts = append(parts, msg[:n])
		msg = msg[n:]
	}
	return parts
}

// Ack marks seq as delivered, removing it from the unacked set.
func (s *sendStream) Ack(seq uint16) {
	delete(s.unacked, seq)
}

// Nack forces an immediate retransmit of seq next tick, by resetting its
// lastSent time to the zero value.
func (s *sendStream) Nack(seq uint16) {
	if c, ok := s.unacked[seq]; ok {
		c.lastSent = time.Time{}
	}
}

// DueRetransmits returns unacked chunks whose retransmit timeout has
// elapsed, marking them as sent again with the given timeout.
func (s *sendStream) DueRetransmits(now time.Time, rto time.Duration) []*sentChunk {
	var due []*sentChunk
	for _, c := range s.unacked {
		if now.Sub(c.lastSent) >= rto {
			c.lastSent = now
			c.tries++
			due = append(due, c)
		}
	}
	return due
}

func (s *sendStream) Outstanding() int { return len(s.unacked) }

// bufferedChunk is one reordered-but-not-yet-deliverable reliable chunk.
type bufferedChunk struct {
	payload []byte
	fragBit bool
}

// recvStream is the receiver-side state for one ordered reliable stream.
type recvStream struct {
	stream       uint8
	nextExpected uint16
	buffered     map[uint16]bufferedChunk
	assembling   []byte // accumulated fragments of the in-progress message
	pendingAcks  []ackEntry
}

func newRecvStream(stream uint8) *recvStream {
	return &recvStream{stream: stream, buffered: make(map[uint16]bufferedChunk)}
}

// Accept processes one incoming DATA/FRAG chunk, returning any complete
// messages now deliverable in order.
func (r *recvStream) Accept(seq uint16, fragBit bool, payload []byte) [][]byte {
	r.pendingAcks = append(r.pendingAcks, ackEntry{id: seq})
	if seqLess(seq, r.nextExpected) {
		return nil // already delivered; re-ack without re-delivering
	}
	if _, dup := r.buffered[seq]; !dup {
		r.buffered[seq] = bufferedChunk{payload: append([]byte(nil), payload...), fragBit: fragBit}
	}

	var out [][]byte
	for {
		c, ok := r.buffered[r.nextExpected]
		if !ok {
			break
		}
		delete(r.buffered, r.nextExpected)
		r.nextExpected = seqAdd(r.nextExpected, 1)
		r.assembling = append(r.assembling, c.payload...)
		if !c.fragBit {
			out = append(out, r.assembling)
			r.assembling = nil
		}
	}
	return out
}

// DrainAcks returns and clears pending ACK entries for this stream, up to
// max entries (spec's ACK coalescing cap).
func (r *recvStream) DrainAcks(max int) []ackEntry {
	if len(r.pendingAcks) == 0 {
		return nil
	}
	if len(r.pendingAcks) > max {
		out := r.pendingAcks[:max]
		r.pendingAcks = r.pendingAcks[max:]
		return out
	}
	out := r.pendingAcks
	r.pendingAcks = nil
	return out
}

// unorderedRecv is the receiver side of reliable stream 0: delivery is
// immediate (no waiting for gaps to fill), but each id must only be
// delivered once despite sender retransmits, so arrivals are checked
// against a sliding bitmap the same way the AEAD replay window works,
// sized to the full 15-bit sequence space.
type unorderedRecv struct {
	hasSeen     bool
	highWater   uint16
	bits        [512]uint64 // 512*64 = 32768 bits
	pendingAcks []ackEntry
}

func (u *unorderedRecv) accepted(seq uint16) bool {
	w, b := seq/64, seq%64
	return u.bits[w]&(1<<b) != 0
}

func (u *unorderedRecv) mark(seq uint16) {
	w, b := seq/64, seq%64
	u.bits[w] |= 1 << b
}

// Accept dedupes and immediately delivers payload if seq has not been seen
// before.
func (u *unorderedRecv) Accept(seq uint16, payload []byte) (msg []byte, delivered bool) {
	u.pendingAcks = append(u.pendingAcks, ackEntry{id: seq})
	if !u.hasSeen {
		u.hasSeen = true
		u.highWater = seq
	} else if seqLess(u.highWater, seq) {
		// Ids past the old high-water mark are newer than anything seen
		// this lap; clear the bits they left on the previous lap.
		for id := seqAdd(u.highWater, 1); ; id = seqAdd(id, 1) {
			u.bits[id/64] &^= 1 << (id % 64)
			if id == seq {
				break
			}
		}
		u.highWater = seq
	}
	if u.accepted(seq) {
		return nil, false
	}
	u.mark(seq)
	return payload, true
}

func (u *unorderedRecv) DrainAcks(max int) []ackEntry {
	if len(u.pendingAcks) == 0 {
		return nil
	}
	if len(u.pendingAcks) > max {
		out := u.pendingAcks[:max]
		u.pendingAcks = u.pendingAcks[max:]
		return out
	}
	out := u.pendingAcks
	u.pendingAcks = nil
	return out
}

// substreamRecv tracks the next-expected id for one unreliable-ordered
// substream (1..15): out-of-order and duplicate datagrams are simply
// dropped rather than buffered, since unreliable-ordered delivery only
// promises "never deliver an id at or before one already delivered."
type substreamRecv struct {
	hasSeen bool
	highest uint32
}

// Accept reports whether id should be delivered: true if id is the
// newest id seen so far (or the first ever seen), advancing the high
// water mark. Ids compare on the 24-bit ring, so the sender's wrap from
// 0xFFFFFF back to 0 counts as newer.
func (s *substreamRecv) Accept(id uint32) bool {
	if !s.hasSeen {
		s.hasSeen = true
		s.highest = id
		return true
	}
	if int32((id-s.highest)<<8) > 0 {
		s.highest = id
		return true
	}
	return false
}

// substreamSend assigns monotonically increasing 24-bit ids to an
// unreliable-ordered substream.
type substreamSend struct {
	next uint32
}

func (s *substreamSend) NextID() uint32 {
	id := s.next
	s.next = (s.next + 1) & 0xFFFFFF
	return id
}
