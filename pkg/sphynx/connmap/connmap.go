// Package connmap implements Sphynx's server-side connection table: a flat,
// open-addressed hash table keyed by remote address with a linear-
// congruential probe sequence, plus a companion flood counter keyed by
// source IP. See spec.md §4.7.
package connmap

import (
	"crypto/rand"
	"encoding/binary"
	"io"
	"net/netip"
	"sync"

	"github.com/VictoriaMetrics/metrics"
)

// Peer is anything connmap can hold a reference to: an address, and a
// reference count the map pins for the duration of a lookup.
type Peer interface {
	PeerAddr() netip.AddrPort
	AddRef()
	Release()
}

type slot[V Peer] struct {
	occupied bool
	collide  bool
	addr     netip.AddrPort
	value    V
}

// Map is the address → Connexion hash table. Size must be a power of two.
type Map[V Peer] struct {
	mu       sync.RWMutex
	slots    []slot[V]
	mask     uint64
	ipSalt   uint64
	portSalt uint64
	mulM     uint64 // probe multiplier, odd (invertible mod a power of two)
	incI     uint64 // probe increment
	mulInv   uint64 // modular inverse of mulM mod size, for reverse probing on remove

	count int

	set        *metrics.Set
	inserts    *metrics.Counter
	lookupHits *metrics.Counter
	lookupMiss *metrics.Counter
	removes    *metrics.Counter
	tableFull  *metrics.Counter
}

// New creates an empty Map with room for size connections (rounded up to a
// power of two).
func New[V Peer](size int) (*Map[V], error) {
	n := nextPow2(size)

	var saltBuf [16]byte
	if _, err := rand.Read(saltBuf[:]); err != nil {
		return nil, err
	}

	set := metrics.NewSet()
	m := &Map[V]{
		slots:    make([]slot[V], n),
		mask:     uint64(n) - 1,
		ipSalt:   binary.LittleEndian.Uint64(saltBuf[:8]),
		portSalt: binary.LittleEndian.Uint64(saltBuf[8:]),
		mulM:     1664525,    // Numerical-Recipes LCG multiplier: a≡1 (mod 4), full period mod 2^n
		incI:     1013904223, // odd increment, coprime with any power-of-two size

		set:        set,
		inserts:    set.NewCounter(`sphynx_connmap_inserts`),
		lookupHits: set.NewCounter(`sphynx_connmap_lookup_hits`),
		lookupMiss: set.NewCounter(`sphynx_connmap_lookup_misses`),
		removes:    set.NewCounter(`sphynx_connmap_removes`),
		tableFull:  set.NewCounter(`sphynx_connmap_table_full`),
	}
	m.mulInv = modInverseP2(m.mulM, uint64(n))
	set.NewGauge(`sphynx_connmap_size`, func() float64 {
		m.mu.RLock()
		defer m.mu.RUnlock()
		return float64(m.count)
	})
	return m, nil
}

// WritePrometheus writes the Map's insert/lookup/remove counters and
// current size in Prometheus exposition format.
func (m *Map[V]) WritePrometheus(w io.Writer) {
	m.set.WritePrometheus(w)
}

func nextPow2(n int) int {
	if n < 1 {
		n = 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// modInverseP2 returns x such that a*x ≡ 1 (mod 2^k) for odd a, using
// Newton's iteration (doubles correct bits each round) — the probe
// multiplier must be invertible for Map.Remove to walk the probe sequence
// backwards.
func modInverseP2(a, size uint64) uint64 {
	_ = size // size is a power of two; we compute the inverse mod 2^64 and truncate, which is valid for any smaller power-of-two modulus.
	x := uint64(1)
	for i := 0; i < 6; i++ { // 2^6 = 64 bits, enough doublings for uint64
		x = x * (2 - a*x)
	}
	return x
}

func (m *Map[V]) hash(addr netip.AddrPort) uint64 {
	a := addr.Addr().As16()
	var ab [16]byte
	copy(ab[:], a[:])
	ipHash := m.ipSalt
	for i := 0; i < 16; i += 8 {
		ipHash ^= binary.LittleEndian.Uint64(ab[i:i+8]) * 1099511628211
	}
	port := uint64(addr.Port())
	h := ipHash + port*(4*m.portSalt+1)
	return h & m.mask
}

func (m *Map[V]) probe(k uint64) uint64 {
	return (k*m.mulM + m.incI) & m.mask
}

func (m *Map[V]) probeBack(k uint64) uint64 {
	// Inverse of probe: k_prev such that probe(k_prev) == k, i.e.
	// k_prev = (k - incI) * mulInv (mod size).
	return ((k - m.incI) & m.mask) * m.mulInv & m.mask
}

// Insert adds v under addr. If addr is already present, Insert returns
// (existing, false) without modifying the table — the spec treats
// rediscovering the same address during probing as a duplicate connect.
// Insert returns ok=false with the zero value if the table is full.
func (m *Map[V]) Insert(addr netip.AddrPort, v V) (existing V, inserted bool, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := m.hash(addr)
	for tries := 0; tries < len(m.slots); tries++ {
		s := &m.slots[k]
		if !s.occupied {
			s.occupied = true
			s.addr = addr
			s.value = v
			m.count++
			m.inserts.Inc()
			return v, true, true
		}
		if s.addr == addr {
			return s.value, false, true
		}
		s.collide = true
		k = m.probe(k)
	}
	m.tableFull.Inc()
	var zero V
	return zero, false, false
}

// Lookup finds the Connexion for addr, if any, incrementing its reference
// count before releasing the map's lock so the caller is guaranteed to own
// a live reference.
func (m *Map[V]) Lookup(addr netip.AddrPort) (v V, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	k := m.hash(addr)
	for tries := 0; tries < len(m.slots); tries++ {
		s := &m.slots[k]
		if !s.occupied && !s.collide {
			// Stopping rule per spec.md §4.7: an empty slot that nothing ever
			// collided through means no probe sequence continues past here.
			m.lookupMiss.Inc()
			var zero V
			return zero, false
		}
		if s.occupied && s.addr == addr {
			s.value.AddRef()
			m.lookupHits.Inc()
			return s.value, true
		}
		k = m.probe(k)
	}
	m.lookupMiss.Inc()
	var zero V
	return zero, false
}

// Remove deletes the entry for addr, if present, clearing collision flags
// on slots that are no longer needed to satisfy any surviving lookup, by
// walking the probe sequence backwards from the removed slot.
func (m *Map[V]) Remove(addr netip.AddrPort) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := m.hash(addr)
	found := uint64(0)
	foundAt := -1
	for tries := 0; tries < len(m.slots); tries++ {
		s := &m.slots[k]
		if !s.occupied && !s.collide {
			return
		}
		if s.occupied && s.addr == addr {
			found = k
			foundAt = tries
			break
		}
		k = m.probe(k)
	}
	if foundAt < 0 {
		return
	}

	var zero V
	m.slots[found].occupied = false
	m.slots[found].value = zero
	m.count--
	m.removes.Inc()

	// found's own collide flag must only be cleared if nothing still live
	// depends on probing through it: if the next slot in its probe chain is
	// occupied, or itself marks a further collision, some other key's probe
	// sequence still needs to pass through found to reach it, so leave the
	// flag set and stop — clearing it here would make Lookup stop early for
	// that other key once found is empty.
	ahead := &m.slots[m.probe(found)]
	if ahead.occupied || ahead.collide {
		return
	}
	m.slots[found].collide = false

	// Walk backwards clearing collision flags until we hit a slot that's
	// still occupied or never collided — it (and anything before it) is
	// still needed to satisfy lookups for other addresses.
	k = found
	for i := 0; i < len(m.slots); i++ {
		prev := m.probeBack(k)
		if prev == k {
			break
		}
		s := &m.slots[prev]
		if s.occupied || !s.collide {
			break
		}
		s.collide = false
		k = prev
	}
}

// Len returns the number of entries currently stored.
func (m *Map[V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.count
}

// Cap returns the table's slot capacity.
func (m *Map[V]) Cap() int {
	return len(m.slots)
}
