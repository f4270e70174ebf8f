package kex

import "github.com/sphynx-net/sphynx/pkg/sphynx/crypto"

// Initiator drives the client side of the Tabby handshake: HELLO → (COOKIE)
// → CHALLENGE → (ANSWER). It holds the ephemeral scalar across the round
// trip so the final key derivation can complete when ANSWER arrives.
type Initiator struct {
	serverPub crypto.Point
	a         crypto.Scalar
	A         crypto.Point
	cookie    [4]byte
}

// NewInitiator starts a handshake against a server whose long-lived public
// key is serverPub.
func NewInitiator(serverPub crypto.Point) (*Initiator, error) {
	a, err := crypto.RandomScalar()
	if err != nil {
		return nil, err
	}
	return &Initiator{
		serverPub: serverPub,
		a:         a,
		A:         a.MulBase(),
	}, nil
}

// Hello returns the HELLO packet to send first.
func (in *Initiator) Hello() []byte {
	return MarshalHello(PackPoint(in.serverPub))
}

// HandleCookie processes a COOKIE reply and returns the CHALLENGE to send.
func (in *Initiator) HandleCookie(pkt []byte) ([]byte, error) {
	c, err := UnmarshalCookie(pkt)
	if err != nil {
		return nil, err
	}
	in.cookie = c
	return MarshalChallenge(c, PackPoint(in.A)), nil
}

// Result is the outcome of a completed handshake.
type Result struct {
	Keys        SessionKeys
	SessionPort uint16
}

// HandleAnswer processes an ANSWER reply, validating Y and the server's
// proof-of-key, and derives the session keys. Any failure here must be
// treated as a silent drop by the caller, per spec.md §4.2 — except that the
// caller (not this function) is responsible for escalating to a
// client-visible "timeout"/"tampering" failure after repeated drops.
func (in *Initiator) HandleAnswer(pkt []byte) (Result, error) {
	port, yb, r, wantProof, err := UnmarshalAnswer(pkt)
	if err != nil {
		return Result{}, err
	}
	Y, err := UnpackPoint(yb)
	if err != nil {
		return Result{}, ErrInvalidPoint
	}

	Ab := PackPoint(in.A)
	Bb := PackPoint(in.serverPub)

	S, err := deriveS(Ab, Bb, yb, r)
	if err != nil {
		return Result{}, err
	}

	hB := in.serverPub.ClearCofactor()
	hY := Y.ClearCofactor()
	hYS := hY.Mul(S)
	T := hB.Add(hYS).Mul(in.a)

	keys, err := deriveSessionKeys(T.AffineX())
	if err != nil {
		return Result{}, err
	}

	gotProof := proof(keys, Ab[:], Bb[:], yb[:], r[:])
	if gotProof != wantProof {
		return Result{}, ErrInvalidProof
	}

	return Result{Keys: keys, SessionPort: port}, nil
}
