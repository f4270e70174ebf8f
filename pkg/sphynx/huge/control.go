package huge

import "errors"

// ControlOp is the huge-transfer control sub-protocol's message kind,
// spec.md §4.6: negotiates which side sends, how many chunks, and lets the
// receiver pull more blocks on a lagging stream.
type ControlOp uint8

const (
	OpPushRequest ControlOp = iota // sender offers to push a transfer
	OpPullRequest                  // receiver asks to pull a transfer
	OpPullGo                       // sender grants a pull request
	OpStart                        // sender announces chunk count and total size
	OpStartAck                     // receiver acknowledges, ready for blocks
	OpRate                         // receiver requests a send-rate change
	OpRequest                      // receiver asks for specific missing blocks
	OpClose                        // either side signals clean end-of-transfer
	OpDeny                         // either side rejects/aborts with a reason
)

// DenyReason is the 1-byte abort-reason enum carried by OpDeny.
type DenyReason uint8

const (
	ReasonOpenFail DenyReason = iota
	ReasonReadFail
	ReasonFECFail
	ReasonOutOfMemory
	ReasonUserAbort
	ReasonShutdown
)

var ErrTruncatedControl = errors.New("huge: truncated control message")

// ControlMsg is one decoded control sub-protocol message.
type ControlMsg struct {
	Op ControlOp

	TransferID uint32   // identifies which concurrent transfer this refers to
	ChunkCount uint32   // OpStart: total chunks in the transfer
	TotalSize  uint64   // OpStart: total byte size of the transfer
	RateBps    uint32   // OpRate: requested bytes/sec cap
	BlockIDs   []uint32 // OpRequest: specific block ids being re-requested
	Reason     DenyReason
}

// Marshal encodes m onto buf, returning the extended slice.
func (m ControlMsg) Marshal(buf []byte) []byte {
	buf = append(buf, byte(m.Op))
	buf = putU32(buf, m.TransferID)
	switch m.Op {
	case OpStart:
		buf = putU32(buf, m.ChunkCount)
		buf = putU64(buf, m.TotalSize)
	case OpRate:
		buf = putU32(buf, m.RateBps)
	case OpRequest:
		buf = putU32(buf, uint32(len(m.BlockIDs)))
		for _, id := range m.BlockIDs {
			buf = putU32(buf, id)
		}
	case OpDeny:
		buf = append(buf, byte(m.Reason))
	}
	return buf
}

// Unmarshal decodes one ControlMsg from the front of b.
func Unmarshal(b []byte) (ControlMsg, error) {
	if len(b) < 5 {
		return ControlMsg{}, ErrTruncatedControl
	}
	m := ControlMsg{Op: ControlOp(b[0]), TransferID: getU32(b[1:5])}
	b = b[5:]

	switch m.Op {
	case OpStart:
		if len(b) < 12 {
			return ControlMsg{}, ErrTruncatedControl
		}
		m.ChunkCount = getU32(b[:4])
		m.TotalSize = getU64(b[4:12])
	case OpRate:
		if len(b) < 4 {
			return ControlMsg{}, ErrTruncatedControl
		}
		m.RateBps = getU32(b[:4])
	case OpRequest:
		if len(b) < 4 {
			return ControlMsg{}, ErrTruncatedControl
		}
		n := getU32(b[:4])
		b = b[4:]
		if uint32(len(b)) < n*4 {
			return ControlMsg{}, ErrTruncatedControl
		}
		m.BlockIDs = make([]uint32, n)
		for i := range m.BlockIDs {
			m.BlockIDs[i] = getU32(b[i*4 : i*4+4])
		}
	case OpDeny:
		if len(b) < 1 {
			return ControlMsg{}, ErrTruncatedControl
		}
		m.Reason = DenyReason(b[0])
	}
	return m, nil
}

func putU32(buf []byte, v uint32) []byte {
	return append(buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func putU64(buf []byte, v uint64) []byte {
	for i := 0; i < 8; i++ {
		buf = append(buf, byte(v>>(8*i)))
	}
	return buf
}

func getU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func getU64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
