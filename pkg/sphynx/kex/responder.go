package kex

import "github.com/sphynx-net/sphynx/pkg/sphynx/crypto"

// Respond completes the server side of the handshake given a verified
// CHALLENGE's A and the server's long-lived keypair, returning the ANSWER
// packet to send and the derived session keys. The caller is responsible
// for cookie verification, flood/capacity checks, and caching the
// (challenge, answer) byte pair for retransmission, per spec.md §4.2 step 3.
func Respond(kp KeyPair, a [PointSize]byte, sessionPort uint16) (answer []byte, keys SessionKeys, err error) {
	A, err := UnpackPoint(a)
	if err != nil {
		return nil, SessionKeys{}, ErrInvalidPoint
	}

	y, err := crypto.RandomScalar()
	if err != nil {
		return nil, SessionKeys{}, err
	}
	Y := y.MulBase()

	var r [NonceSize]byte
	if err := crypto.Rand(r[:]); err != nil {
		return nil, SessionKeys{}, err
	}

	Bb := PackPoint(kp.Public)
	Yb := PackPoint(Y)

	S, err := deriveS(a, Bb, Yb, r)
	if err != nil {
		return nil, SessionKeys{}, err
	}

	hA := A.ClearCofactor()
	combined := kp.Private.Add(y.Mul(S))
	T := hA.Mul(combined)

	keys, err = deriveSessionKeys(T.AffineX())
	if err != nil {
		return nil, SessionKeys{}, err
	}

	p := proof(keys, a[:], Bb[:], Yb[:], r[:])
	return MarshalAnswer(sessionPort, Yb, r, p), keys, nil
}
