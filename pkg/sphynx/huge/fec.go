// Package huge implements Sphynx's bulk-transfer overlay for payloads above
// MAX_MESSAGE_SIZE: chunked, forward-error-corrected streaming on top of the
// reliable-ordered transport streams, plus the control sub-protocol that
// negotiates direction, chunk count, and abort reasons. See spec.md §4.6.
package huge

import "errors"

// ChunkSize is the size a huge transfer is divided into before FEC
// encoding, matching spec.md's "~4 MB" guidance.
const ChunkSize = 4 << 20

// BlockSize is the payload size of one FEC block, sized to fit comfortably
// inside one transport chunk alongside its AEAD and chunk-framing overhead.
const BlockSize = 1024

// parityGroupSize is how many consecutive source blocks one parity block
// covers. This implementation recovers at most one lost block per group via
// XOR parity — a deliberately simpler systematic code than a true
// Wirehair-style rateless fountain code (see DESIGN.md), traded for an
// implementation with no external FEC dependency in the retrieved pack.
const parityGroupSize = 32

var (
	ErrFECFailed = errors.New("huge: could not reconstruct chunk, too many blocks lost")
)

// Block is one FEC-coded unit on the wire: an encoder id and its payload.
// ids [0, k) are systematic (literal source data); ids [k, k+numGroups)
// are XOR parity blocks.
type Block struct {
	ID   uint32
	Data []byte
}

// EncodeChunk splits data into source blocks and appends XOR parity blocks,
// returning every block in transmission order (systematic first).
func EncodeChunk(data []byte) []Block {
	k := numSourceBlocks(len(data))
	blocks := make([]Block, 0, k+numParityGroups(k))

	for i := 0; i < k; i++ {
		start := i * BlockSize
		end := start + BlockSize
		if end > len(data) {
			end = len(data)
		}
		b := make([]byte, BlockSize)
		copy(b, data[start:end])
		blocks = append(blocks, Block{ID: uint32(i), Data: b})
	}

	groups := numParityGroups(k)
	for g := 0; g < groups; g++ {
		parity := make([]byte, BlockSize)
		lo, hi := g*parityGroupSize, min(g*parityGroupSize+parityGroupSize, k)
		for i := lo; i < hi; i++ {
			xorInto(parity, blocks[i].Data)
		}
		blocks = append(blocks, Block{ID: uint32(k + g), Data: parity})
	}
	return blocks
}

func numSourceBlocks(n int) int {
	if n == 0 {
		return 0
	}
	return (n + BlockSize - 1) / BlockSize
}

func numParityGroups(k int) int {
	if k == 0 {
		return 0
	}
	return (k + parityGroupSize - 1) / parityGroupSize
}

func xorInto(dst, src []byte) {
	for i := range dst {
		dst[i] ^= src[i]
	}
}

// Decoder reassembles one chunk from a stream of Blocks arriving in any
// order, using parity blocks to recover at most one missing source block
// per group.
type Decoder struct {
	size   int // original chunk size in bytes, once known
	k      int
	source map[uint32][]byte
	parity map[uint32][]byte
}

// NewDecoder creates a Decoder for a chunk of the given original size.
func NewDecoder(size int) *Decoder {
	k := numSourceBlocks(size)
	return &Decoder{
		size:   size,
		k:      k,
		source: make(map[uint32][]byte, k),
		parity: make(map[uint32][]byte, numParityGroups(k)),
	}
}

// Add ingests one block. It returns true once the chunk is fully decoded
// (Bytes can then be called).
func (d *Decoder) Add(b Block) bool {
	if int(b.ID) < d.k {
		if _, ok := d.source[b.ID]; !ok {
			cp := append([]byte(nil), b.Data...)
			d.source[b.ID] = cp
		}
	} else {
		g := b.ID - uint32(d.k)
		if _, ok := d.parity[g]; !ok {
			cp := append([]byte(nil), b.Data...)
			d.parity[g] = cp
		}
	}
	d.tryReconstruct()
	return d.Complete()
}

// tryReconstruct fills in any group missing exactly one source block, using
// that group's parity block.
func (d *Decoder) tryReconstruct() {
	groups := numParityGroups(d.k)
	for g := 0; g < groups; g++ {
		lo, hi := g*parityGroupSize, min(g*parityGroupSize+parityGroupSize, d.k)
		missing := -1
		missingCount := 0
		for i := lo; i < hi; i++ {
			if _, ok := d.source[uint32(i)]; !ok {
				missing = i
				missingCount++
			}
		}
		if missingCount != 1 {
			continue
		}
		par, ok := d.parity[uint32(g)]
		if !ok {
			continue
		}
		rebuilt := append([]byte(nil), par...)
		for i := lo; i < hi; i++ {
			if i == missing {
				continue
			}
			xorInto(rebuilt, d.source[uint32(i)])
		}
		d.source[uint32(missing)] = rebuilt
	}
}

// Complete reports whether every source block has been received or
// reconstructed.
func (d *Decoder) Complete() bool {
	return len(d.source) >= d.k
}

// Bytes returns the reassembled chunk. Complete must be true.
func (d *Decoder) Bytes() ([]byte, error) {
	if !d.Complete() {
		return nil, ErrFECFailed
	}
	out := make([]byte, 0, d.k*BlockSize)
	for i := 0; i < d.k; i++ {
		out = append(out, d.source[uint32(i)]...)
	}
	if len(out) > d.size {
		out = out[:d.size]
	}
	return out, nil
}
