// Package cookie implements the Sphynx handshake's stateless round-trip
// proof: a 4-byte token derived from the client's address, a rotating
// process-wide secret, and a coarse epoch, without per-client storage.
package cookie

import (
	"encoding/binary"
	"net/netip"
	"sync"
	"time"

	"github.com/sphynx-net/sphynx/pkg/sphynx/crypto"
)

// epochLength is how long a cookie remains valid for issuance; Verify also
// accepts the previous epoch so a cookie issued just before a rotation still
// round-trips.
const epochLength = 30 * time.Second

// Jar issues and verifies address-bound cookies.
type Jar struct {
	mu      sync.Mutex
	secret  [32]byte
	secret0 [32]byte // previous secret, kept for the epoch it rotated out of
	epoch   int64
}

// NewJar creates a Jar with a freshly drawn secret.
func NewJar() (*Jar, error) {
	j := &Jar{}
	if err := crypto.Rand(j.secret[:]); err != nil {
		return nil, err
	}
	j.secret0 = j.secret
	j.epoch = currentEpoch()
	return j, nil
}

func currentEpoch() int64 {
	return time.Now().Unix() / int64(epochLength/time.Second)
}

// rotate refreshes the secret if the epoch has advanced, keeping the old
// secret around for one more epoch so recently-issued cookies still verify.
func (j *Jar) rotate() error {
	if e := currentEpoch(); e != j.epoch {
		j.secret0 = j.secret
		if err := crypto.Rand(j.secret[:]); err != nil {
			return err
		}
		j.epoch = e
	}
	return nil
}

func mac(secret [32]byte, addr netip.AddrPort, epoch int64) [4]byte {
	var buf []byte
	a := addr.Addr().As16()
	buf = append(buf, a[:]...)
	var portEpoch [10]byte
	binary.LittleEndian.PutUint16(portEpoch[:2], addr.Port())
	binary.LittleEndian.PutUint64(portEpoch[2:], uint64(epoch))
	buf = append(buf, portEpoch[:]...)

	tag := crypto.MAC(secret[:], buf)
	var out [4]byte
	copy(out[:], tag[:4])
	return out
}

// Issue returns a deterministic, address-bound cookie for the current epoch.
func (j *Jar) Issue(addr netip.AddrPort) ([4]byte, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.rotate(); err != nil {
		return [4]byte{}, err
	}
	return mac(j.secret, addr, j.epoch), nil
}

// Verify reports whether c is a valid cookie for addr in the current or
// immediately preceding epoch.
func (j *Jar) Verify(addr netip.AddrPort, c [4]byte) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.rotate(); err != nil {
		return false
	}
	if c == mac(j.secret, addr, j.epoch) {
		return true
	}
	if c == mac(j.secret0, addr, j.epoch-1) {
		return true
	}
	return false
}
