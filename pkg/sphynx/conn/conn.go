// Package conn implements the Connexion object: the per-peer aggregate of
// authenticated encryption, transport state, and flow control that the
// worker pool and connection map operate on. See spec.md §3's Connexion
// data model and §9's lifecycle.
package conn

import (
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/sphynx-net/sphynx/pkg/sphynx/aead"
	"github.com/sphynx-net/sphynx/pkg/sphynx/flowcontrol"
	"github.com/sphynx-net/sphynx/pkg/sphynx/huge"
	"github.com/sphynx-net/sphynx/pkg/sphynx/kex"
	"github.com/sphynx-net/sphynx/pkg/sphynx/transport"
)

// DisconnectReason names why a Connexion reached StateGone, passed to
// on_disconnect so the application can distinguish a clean hangup from a
// timeout. See spec.md §9.
type DisconnectReason int

const (
	ReasonUnknown DisconnectReason = iota
	ReasonLocalDisconnect
	ReasonRemoteDisconnect
	ReasonSilenceTimeout
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonLocalDisconnect:
		return "local_disconnect"
	case ReasonRemoteDisconnect:
		return "remote_disconnect"
	case ReasonSilenceTimeout:
		return "silence_timeout"
	default:
		return "unknown"
	}
}

// hugePumpBatch bounds how many FEC blocks a single Tick pumps out for an
// active outbound huge transfer, echoing the ack-coalescing batching the
// rest of the transport layer uses.
const hugePumpBatch = 16

// defaultMTUProbeInterval mirrors spec.md §6's mtu_probe_interval_ms
// default (8000ms); Configure overrides it per Config.
const defaultMTUProbeInterval = 8 * time.Second

// mtuProbeSize is the padded size of a path-MTU probe: comfortably above
// DefaultMaxChunkPayload so a successful MTUProbeAck confirms the path
// clears the transport's normal chunk size with room for AEAD overhead.
const mtuProbeSize = 1400

// State is the Connexion lifecycle state, spec.md §9.
type State int32

const (
	StateActive State = iota
	StateDraining
	StateFinalizing
	StateGone
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateFinalizing:
		return "finalizing"
	case StateGone:
		return "gone"
	default:
		return "unknown"
	}
}

// HandshakeMemo is the server-side record kept so a lost ANSWER can be
// retransmitted without re-deriving the session: the first-seen CHALLENGE
// bytes and the cached ANSWER bytes.
type HandshakeMemo struct {
	Challenge []byte
	Answer    []byte
}

// Connexion is one peer connection: address, AEAD session, transport and
// flow-control state, and handshake bookkeeping. It implements
// pkg/sphynx/connmap.Peer.
type Connexion struct {
	addr netip.AddrPort
	refs atomic.Int32

	log zerolog.Logger

	session   *aead.Session
	transport *transport.Transport
	pacer     *flowcontrol.Estimator

	memo *HandshakeMemo

	sawEncryptedTraffic atomic.Bool
	workerID            int
	state               atomic.Int32
	disconnectReason    atomic.Int32

	lastRecv atomic.Int64 // unix nanos

	mtuProbeInterval time.Duration
	lastMTUProbe     time.Time

	hugeSource *huge.Source
	hugeSink   *huge.Sink
	onHuge     huge.ProgressFunc
}

// New creates a Connexion for addr, seeded from a completed handshake's
// session keys.
func New(addr netip.AddrPort, keys kex.SessionKeys, isServer bool, workerID int, log zerolog.Logger, now time.Time) *Connexion {
	var session *aead.Session
	if isServer {
		session = aead.NewServerSession(keys)
	} else {
		session = aead.NewClientSession(keys)
	}
	pacer := flowcontrol.New(now)
	c := &Connexion{
		addr:             addr,
		log:              log.With().Str("peer", addr.String()).Logger(),
		session:          session,
		transport:        transport.New(pacer, now),
		pacer:            pacer,
		workerID:         workerID,
		mtuProbeInterval: defaultMTUProbeInterval,
		lastMTUProbe:     now,
	}
	c.state.Store(int32(StateActive))
	c.lastRecv.Store(now.UnixNano())
	c.transport.SetHugeControl(c.onHugeControlFrame)
	return c
}

// PeerAddr implements connmap.Peer.
func (c *Connexion) PeerAddr() netip.AddrPort { return c.addr }

// AddRef implements connmap.Peer.
func (c *Connexion) AddRef() { c.refs.Add(1) }

// Release implements connmap.Peer. When the reference count would drop to
// or below zero while the Connexion is Gone, it's eligible for final
// cleanup by whoever holds the last reference.
func (c *Connexion) Release() { c.refs.Add(-1) }

// RefCount reports the current reference count, mainly for tests and
// metrics.
func (c *Connexion) RefCount() int32 { return c.refs.Load() }

// State returns the current lifecycle state.
func (c *Connexion) State() State { return State(c.state.Load()) }

func (c *Connexion) setState(s State) { c.state.Store(int32(s)) }

// WorkerID returns the worker this Connexion is pinned to.
func (c *Connexion) WorkerID() int { return c.workerID }

// SetWorkerID pins the Connexion to a worker. Called once, by the pool that
// assigns it on creation; workers never migrate a Connexion afterwards.
func (c *Connexion) SetWorkerID(id int) { c.workerID = id }

// Transport exposes the underlying transport state machine.
func (c *Connexion) Transport() *transport.Transport { return c.transport }

// Pacer exposes the flow-control estimator.
func (c *Connexion) Pacer() *flowcontrol.Estimator { return c.pacer }

// Configure applies the runtime-tunable knobs from spec.md §6's
// Configuration list: keepAlive/silenceTimeout drive the transport's
// keep-alive and silence-timeout behavior, mtuProbeInterval paces periodic
// path-MTU probing, and bandwidthLow/bandwidthHigh clamp the flow-control
// estimator. A zero value leaves the corresponding default in place.
func (c *Connexion) Configure(keepAlive, silenceTimeout, mtuProbeInterval time.Duration, bandwidthLow, bandwidthHigh float64) {
	c.transport.SetKeepAliveInterval(keepAlive)
	c.transport.SetSilenceTimeout(silenceTimeout)
	if mtuProbeInterval > 0 {
		c.mtuProbeInterval = mtuProbeInterval
	}
	c.pacer.SetBandwidthLimits(bandwidthLow, bandwidthHigh)
}

// SetHandshakeMemo records the server-side retransmission memo.
func (c *Connexion) SetHandshakeMemo(m *HandshakeMemo) { c.memo = m }

// HandshakeMemo returns the server-side retransmission memo, if any.
func (c *Connexion) HandshakeMemo() *HandshakeMemo { return c.memo }

// SawEncryptedTraffic reports whether any datagram has successfully
// decrypted on this Connexion yet, distinguishing handshake retransmits
// from genuine session traffic.
func (c *Connexion) SawEncryptedTraffic() bool { return c.sawEncryptedTraffic.Load() }

// OnDatagram decrypts and processes one inbound ciphertext datagram,
// returning the application messages it makes deliverable. Reliable traffic
// on the bulk stream is diverted to the active huge transfer's Sink rather
// than surfaced to the caller.
func (c *Connexion) OnDatagram(now time.Time, ciphertext []byte) ([]transport.Received, error) {
	plaintext, _, err := c.session.Recv.Decrypt(ciphertext)
	if err != nil {
		return nil, err
	}
	c.sawEncryptedTraffic.Store(true)
	c.lastRecv.Store(now.UnixNano())
	msgs, err := c.transport.OnDatagram(now, plaintext)
	if err != nil {
		return msgs, err
	}
	return c.filterHugeBlocks(msgs), nil
}

// filterHugeBlocks removes bulk-stream deliveries from msgs, feeding each to
// the Connexion's huge.Sink instead of letting it reach the application.
func (c *Connexion) filterHugeBlocks(msgs []transport.Received) []transport.Received {
	out := msgs[:0]
	for _, m := range msgs {
		if m.Reliable && m.Stream == transport.BulkStream {
			if c.hugeSink != nil {
				if err := c.hugeSink.OnBlock(m.Payload); err != nil {
					c.log.Debug().Err(err).Msg("huge block rejected")
				}
			} else {
				c.log.Debug().Msg("huge block arrived with no active transfer")
			}
			continue
		}
		out = append(out, m)
	}
	return out
}

// SetHugeProgress registers the callback invoked as an inbound huge
// transfer makes progress (ProgressFunc's (bytes, size) shape, size==0 at
// end-of-transfer); the owning Server/Client wires this to the
// application's on_huge callback.
func (c *Connexion) SetHugeProgress(f huge.ProgressFunc) { c.onHuge = f }

// StartHugeSend begins an outbound huge transfer identified by transferID:
// it FEC-encodes data and announces it to the peer. Blocks are pumped out a
// batch at a time from Tick once the peer acknowledges the transfer.
func (c *Connexion) StartHugeSend(transferID uint32, data []byte) error {
	c.hugeSource = huge.NewSource(transferID, data, c.sendHugeControl, c.sendHugeBlock)
	return c.hugeSource.Start()
}

func (c *Connexion) sendHugeControl(payload []byte) error {
	return c.transport.SendHugeControl(payload)
}

func (c *Connexion) sendHugeBlock(payload []byte) error {
	return c.transport.SendReliable(time.Now(), transport.BulkStream, payload)
}

func (c *Connexion) deliverHugeProgress(bytes []byte, size int) {
	if c.onHuge != nil {
		c.onHuge(bytes, size)
	}
}

// onHugeControlFrame is wired to transport.Transport.SetHugeControl: it
// decodes the huge-transfer control sub-protocol and routes it to whichever
// side (Source, Sink, or both) of this Connexion's huge transfer applies,
// creating a Sink on the first OpStart of a transfer this side didn't
// initiate.
func (c *Connexion) onHugeControlFrame(body []byte) {
	msg, err := huge.Unmarshal(body)
	if err != nil {
		c.log.Debug().Err(err).Msg("malformed huge control message")
		return
	}
	switch msg.Op {
	case huge.OpStart:
		if c.hugeSink == nil {
			c.hugeSink = huge.NewSink(msg.TransferID, c.sendHugeControl, c.deliverHugeProgress)
		}
		if err := c.hugeSink.OnControl(msg); err != nil {
			c.log.Debug().Err(err).Msg("huge sink control error")
		}
	case huge.OpStartAck:
		if c.hugeSource != nil {
			if err := c.hugeSource.OnControl(msg); err != nil {
				c.log.Debug().Err(err).Msg("huge source control error")
			}
		}
	case huge.OpClose, huge.OpDeny:
		if c.hugeSink != nil {
			c.hugeSink.OnControl(msg)
			c.hugeSink = nil
		}
		if c.hugeSource != nil {
			c.hugeSource.OnControl(msg)
			c.hugeSource = nil
		}
	default:
		if c.hugeSink != nil {
			c.hugeSink.OnControl(msg)
		}
		if c.hugeSource != nil {
			c.hugeSource.OnControl(msg)
		}
	}
}

// Tick drives time-based processing: retransmission, pacing epoch
// recompute, keep-alive, silence-timeout detection, and graceful-disconnect
// transitions.
func (c *Connexion) Tick(now time.Time) {
	c.pacer.Tick(now)
	c.transport.Tick(now)

	if c.hugeSource != nil {
		finished, err := c.hugeSource.PumpBlocks(hugePumpBatch)
		if err != nil {
			c.log.Warn().Err(err).Msg("huge transfer send failed")
			c.hugeSource = nil
		} else if finished {
			c.hugeSource = nil
		}
	}

	if now.Sub(c.lastMTUProbe) >= c.mtuProbeInterval {
		c.lastMTUProbe = now
		c.transport.ProbeMTU(mtuProbeSize)
	}

	switch c.State() {
	case StateActive:
		if c.transport.PeerDisconnected() {
			c.disconnectReason.Store(int32(ReasonRemoteDisconnect))
			c.setState(StateDraining)
		} else if c.transport.TimedOut(now) {
			c.log.Warn().Msg("connexion silence timeout")
			c.disconnectReason.Store(int32(ReasonSilenceTimeout))
			c.setState(StateDraining)
		}
	case StateDraining:
		if !c.transport.Pending() {
			c.setState(StateFinalizing)
		}
	case StateFinalizing:
		c.setState(StateGone)
	}
}

// Flush drains the transport's pending chunks into one or more clusters,
// encrypting each under the send context, ready for the UDP layer.
func (c *Connexion) Flush(maxClusterSize int) ([][]byte, error) {
	clusters := c.transport.Flush(maxClusterSize)
	out := make([][]byte, 0, len(clusters))
	for _, cl := range clusters {
		ct, err := c.session.Send.Encrypt(cl)
		if err != nil {
			return out, err
		}
		out = append(out, ct)
	}
	return out, nil
}

// Disconnect requests graceful shutdown: the transport will emit DISCO
// chunks on the next few ticks before the Connexion transitions to Gone.
func (c *Connexion) Disconnect() {
	c.transport.RequestDisconnect()
	c.disconnectReason.Store(int32(ReasonLocalDisconnect))
	c.setState(StateDraining)
}

// DisconnectReason reports why this Connexion is draining or gone, valid
// once State is past StateActive.
func (c *Connexion) DisconnectReason() DisconnectReason {
	return DisconnectReason(c.disconnectReason.Load())
}

// LastRecv returns the timestamp of the most recent successfully decrypted
// datagram.
func (c *Connexion) LastRecv() time.Time { return time.Unix(0, c.lastRecv.Load()) }
