package connmap

import (
	"crypto/rand"
	"encoding/binary"
	"net/netip"
	"sync/atomic"
)

// FloodTable tracks recent connection attempts per source IP (not address —
// port is deliberately excluded, since a flooder can cycle ports for free
// but not IPs). Per-bucket counts are atomic; callers that need the count
// and the owning Map's insert/remove to be consistent as a unit (as
// spec.md §5 requires for the flood check during handshake) should take the
// Map's writer lock around both operations themselves.
type FloodTable struct {
	salt   uint64
	counts []atomic.Int32
	mask   uint64
}

// NewFloodTable creates a flood table with room for size distinct IP
// buckets (rounded up to a power of two).
func NewFloodTable(size int) (*FloodTable, error) {
	n := nextPow2(size)
	var saltBuf [8]byte
	if _, err := rand.Read(saltBuf[:]); err != nil {
		return nil, err
	}
	return &FloodTable{
		salt:   binary.LittleEndian.Uint64(saltBuf[:]),
		counts: make([]atomic.Int32, n),
		mask:   uint64(n) - 1,
	}, nil
}

func (f *FloodTable) bucket(ip netip.Addr) uint64 {
	a := ip.As16()
	h := f.salt
	for i := 0; i < 16; i += 8 {
		h ^= binary.LittleEndian.Uint64(a[i:i+8]) * 1099511628211
		h *= 1099511628211
	}
	return h & f.mask
}

// Inc records a new connection attempt from ip and returns the updated
// count.
func (f *FloodTable) Inc(ip netip.Addr) int32 {
	return f.counts[f.bucket(ip)].Add(1)
}

// Dec records a connection from ip closing.
func (f *FloodTable) Dec(ip netip.Addr) int32 {
	return f.counts[f.bucket(ip)].Add(-1)
}

// Count returns the current attempt count for ip.
func (f *FloodTable) Count(ip netip.Addr) int32 {
	return f.counts[f.bucket(ip)].Load()
}

// Saturated reports whether ip is at or above threshold, per spec.md's
// CONNECTION_FLOOD_THRESHOLD.
func (f *FloodTable) Saturated(ip netip.Addr, threshold int32) bool {
	return f.Count(ip) >= threshold
}
