package transport

import (
	"io"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

// Package-level counters, aggregated across every Transport: like
// pkg/sphynx/aead, a single Connexion's transport is too short-lived for
// its own labeled metric set, so these tally process-wide.
var (
	metricsSet     = metrics.NewSet()
	chunksSent     = metricsSet.NewCounter(`sphynx_transport_chunks_sent_total`)
	retransmits    = metricsSet.NewCounter(`sphynx_transport_retransmits_total`)
	acksSent       = metricsSet.NewCounter(`sphynx_transport_acks_sent_total`)
	chunksReceived = metricsSet.NewCounter(`sphynx_transport_chunks_received_total`)
)

// WritePrometheus writes the package-wide chunk/retransmit/ack counters in
// Prometheus exposition format.
func WritePrometheus(w io.Writer) {
	metricsSet.WritePrometheus(w)
}

// DefaultMaxChunkPayload bounds a single DATA/FRAG chunk's payload so a
// cluster built entirely of max-size chunks still fits comfortably under a
// conservative Ethernet-path MTU once the AEAD overhead and IP/UDP headers
// are added back.
const DefaultMaxChunkPayload = 1100

const (
	minRTO         = 100 * time.Millisecond
	maxRTO         = 3 * time.Second
	ackCoalesceMax = 8
	discoRepeats   = 3

	// defaultKeepAliveEvery and defaultSilenceTimeout mirror spec.md §6's
	// silence_limit_ms (4357) and silence_timeout_ms (15000) defaults;
	// SetKeepAliveInterval/SetSilenceTimeout override them per Config.
	defaultKeepAliveEvery = 4357 * time.Millisecond
	defaultSilenceTimeout = 15 * time.Second
)

// Pacer supplies the retransmit timeout and congestion feedback the
// transport needs; pkg/sphynx/flowcontrol implements it.
type Pacer interface {
	RTO() time.Duration
	OnRTT(d time.Duration)
	OnLoss()
}

type nullPacer struct{}

func (nullPacer) RTO() time.Duration  { return 500 * time.Millisecond }
func (nullPacer) OnRTT(time.Duration) {}
func (nullPacer) OnLoss()             {}

func clampRTO(d time.Duration) time.Duration {
	if d < minRTO {
		return minRTO
	}
	if d > maxRTO {
		return maxRTO
	}
	return d
}

// Received is one reassembled, delivery-ordered application message handed
// back from Transport.OnDatagram.
type Received struct {
	Reliable bool
	Stream   uint8 // 0..3 if Reliable, else the unreliable substream 0..15
	Payload  []byte
}

// Transport is the per-connection chunk/stream state machine: it knows
// nothing about encryption or sockets, only about turning application
// messages into chunks, chunks into clusters, and clusters back into
// delivered messages. The owning Connexion encrypts what Flush returns and
// decrypts what it hands to OnDatagram.
type Transport struct {
	pacer Pacer

	sendStreams [NumReliableStreams]*sendStream
	recvStreams [NumReliableStreams]*recvStream // index 0 unused; stream 0 uses recv0
	recv0       *unorderedRecv
	subSend     [NumUnreliableSubstreams]*substreamSend
	subRecv     [NumUnreliableSubstreams]*substreamRecv

	outChunks [][]byte // fully encoded chunks awaiting a Flush into clusters

	lastKeepAlive    time.Time
	lastActivity     time.Time
	discoSent        int
	discoRequested   bool
	peerDisconnected bool

	// time-sync: most recent RTT sample for the owner to read if it wants.
	lastRTT time.Duration

	hugeControl func(body []byte)

	keepAliveEvery time.Duration
	silenceTimeout time.Duration
}

// New creates a Transport with all reliable streams and unreliable
// substreams initialized. now is used to seed keep-alive/silence timers.
func New(pacer Pacer, now time.Time) *Transport {
	if pacer == nil {
		pacer = nullPacer{}
	}
	t := &Transport{
		pacer:          pacer,
		lastKeepAlive:  now,
		lastActivity:   now,
		recv0:          &unorderedRecv{},
		keepAliveEvery: defaultKeepAliveEvery,
		silenceTimeout: defaultSilenceTimeout,
	}
	for i := range t.sendStreams {
		t.sendStreams[i] = newSendStream(uint8(i))
		if i > 0 {
			t.recvStreams[i] = newRecvStream(uint8(i))
		}
	}
	for i := 1; i < NumUnreliableSubstreams; i++ {
		t.subSend[i] = &substreamSend{}
		t.subRecv[i] = &substreamRecv{}
	}
	return t
}

// SendReliable queues msg on the given reliable stream (0=unordered,
// 1..3=ordered; 3 is also the bulk-transfer stream). now seeds the
// retransmit timer for the chunk(s) this produces.
func (t *Transport) SendReliable(now time.Time, stream uint8, msg []byte) error {
	if stream >= NumReliableStreams {
		return ErrBadHeader
	}
	if stream == 0 && len(msg) > DefaultMaxChunkPayload {
		// Reliable-unordered chunks carry a fixed zero fragment bit on the
		// wire and are delivered the moment they arrive, so they cannot be
		// split across multiple chunks the way ordered streams can.
		return ErrTooLarge
	}
	buf, err := t.sendStreams[stream].Queue(nil, msg, now, DefaultMaxChunkPayload)
	if err != nil {
		return err
	}
	t.outChunks = append(t.outChunks, buf)
	chunksSent.Inc()
	return nil
}

// SendUnreliable enqueues a fire-and-forget message with no ordering
// guarantee (substream 0).
func (t *Transport) SendUnreliable(msg []byte) error {
	buf, err := encodeUnreliable(nil, msg)
	if err != nil {
		return err
	}
	t.outChunks = append(t.outChunks, buf)
	chunksSent.Inc()
	return nil
}

// SendUnreliableOrdered enqueues msg on one of the 15 unreliable-ordered
// substreams (1..15); stale arrivals are dropped receiver-side rather than
// buffered.
func (t *Transport) SendUnreliableOrdered(sub uint8, msg []byte) error {
	if sub == 0 || sub >= NumUnreliableSubstreams {
		return ErrBadHeader
	}
	id := t.subSend[sub].NextID()
	buf, err := encodeUnreliableOrdered(nil, sub, id, msg)
	if err != nil {
		return err
	}
	t.outChunks = append(t.outChunks, buf)
	chunksSent.Inc()
	return nil
}

// RequestDisconnect arms graceful shutdown: the next few Tick/Flush cycles
// will emit a DISCO internal chunk discoRepeats times, per spec.md.
func (t *Transport) RequestDisconnect() {
	t.discoRequested = true
	t.discoSent = 0
}

// PeerDisconnected reports whether a DISCO chunk has been received from the
// remote side.
func (t *Transport) PeerDisconnected() bool { return t.peerDisconnected }

// SilentSince reports how long it has been since any datagram was accepted.
func (t *Transport) SilentSince(now time.Time) time.Duration { return now.Sub(t.lastActivity) }

// TimedOut reports whether the connection has exceeded the silence
// timeout and should be torn down.
func (t *Transport) TimedOut(now time.Time) bool { return t.SilentSince(now) >= t.silenceTimeout }

// SetKeepAliveInterval overrides how often a keep-alive internal chunk is
// sent during silence; d <= 0 leaves the default in place.
func (t *Transport) SetKeepAliveInterval(d time.Duration) {
	if d > 0 {
		t.keepAliveEvery = d
	}
}

// SetSilenceTimeout overrides how long silence is tolerated before
// TimedOut reports true; d <= 0 leaves the default in place.
func (t *Transport) SetSilenceTimeout(d time.Duration) {
	if d > 0 {
		t.silenceTimeout = d
	}
}

// Tick drives time-based behavior: ACK flushing, retransmission, keep-alive,
// and graceful disconnect. Call it roughly every 20ms (the worker pool's
// tick interval).
func (t *Transport) Tick(now time.Time) {
	rto := clampRTO(t.pacer.RTO())
	for _, rs := range t.sendStreams {
		for _, c := range rs.DueRetransmits(now, rto) {
			op := OpData
			if c.fragBit {
				op = OpFrag
			}
			buf, err := encodeReliableData(nil, op, rs.stream, c.seq, c.fragBit, c.payload)
			if err == nil {
				t.outChunks = append(t.outChunks, buf)
				retransmits.Inc()
				if c.tries > 1 {
					t.pacer.OnLoss()
				}
			}
		}
	}

	if acks := t.recv0.DrainAcks(ackCoalesceMax); len(acks) > 0 {
		if buf, err := encodeAck(nil, 0, acks); err == nil {
			t.outChunks = append(t.outChunks, buf)
			acksSent.Inc()
		}
	}
	for i := 1; i < NumReliableStreams; i++ {
		if acks := t.recvStreams[i].DrainAcks(ackCoalesceMax); len(acks) > 0 {
			if buf, err := encodeAck(nil, uint8(i), acks); err == nil {
				t.outChunks = append(t.outChunks, buf)
				acksSent.Inc()
			}
		}
	}

	if now.Sub(t.lastKeepAlive) >= t.keepAliveEvery {
		t.lastKeepAlive = now
		if buf, err := encodeInternal(nil, internalKeepAlive, nil); err == nil {
			t.outChunks = append(t.outChunks, buf)
		}
	}

	if t.discoRequested && t.discoSent < discoRepeats {
		t.discoSent++
		if buf, err := encodeInternal(nil, internalDisco, nil); err == nil {
			t.outChunks = append(t.outChunks, buf)
		}
	}
}

// Flush packs all pending chunks into one or more clusters no larger than
// maxClusterSize, draining the outbound queue. A chunk that alone exceeds
// maxClusterSize goes out as a cluster of its own, over the limit.
func (t *Transport) Flush(maxClusterSize int) [][]byte {
	if len(t.outChunks) == 0 {
		return nil
	}
	var clusters [][]byte
	var cur []byte
	for _, c := range t.outChunks {
		if len(cur)+len(c) > maxClusterSize && len(cur) > 0 {
			clusters = append(clusters, cur)
			cur = nil
		}
		cur = append(cur, c...)
	}
	if len(cur) > 0 {
		clusters = append(clusters, cur)
	}
	t.outChunks = nil
	return clusters
}

// Pending reports whether Flush would currently return anything.
func (t *Transport) Pending() bool { return len(t.outChunks) > 0 }

// OnDatagram decodes one decrypted cluster, updating stream state and
// returning the application messages it makes newly deliverable, in the
// order their chunks appeared in the cluster.
func (t *Transport) OnDatagram(now time.Time, cluster []byte) ([]Received, error) {
	t.lastActivity = now
	var out []Received

	b := cluster
	for len(b) > 0 {
		c, rest, err := decodeChunk(b)
		if err != nil {
			return out, err
		}
		b = rest
		chunksReceived.Inc()

		switch {
		case !c.reliable:
			if c.stream == 0 {
				// Plain unreliable: no id, no ordering guarantee, always delivered.
				out = append(out, Received{Reliable: false, Stream: 0, Payload: c.payload})
			} else if int(c.stream) < NumUnreliableSubstreams {
				if t.subRecv[c.stream].Accept(c.subID) {
					out = append(out, Received{Reliable: false, Stream: c.stream, Payload: c.payload})
				}
			}

		case c.op == OpAck:
			if int(c.stream) < NumReliableStreams {
				for _, e := range c.acks {
					if e.nack {
						t.sendStreams[c.stream].Nack(e.id)
						t.pacer.OnLoss()
					} else {
						t.sendStreams[c.stream].Ack(e.id)
					}
				}
			}

		case c.op == OpData, c.op == OpFrag:
			if c.stream == 0 {
				if msg, delivered := t.recv0.Accept(c.seq, c.payload); delivered {
					out = append(out, Received{Reliable: true, Stream: 0, Payload: msg})
				}
			} else if int(c.stream) < NumReliableStreams {
				for _, msg := range t.recvStreams[c.stream].Accept(c.seq, c.fragBit, c.payload) {
					out = append(out, Received{Reliable: true, Stream: c.stream, Payload: msg})
				}
			}

		case c.op == OpInternal:
			t.handleInternal(now, c.payload)
		}
	}

	return out, nil
}

func (t *Transport) handleInternal(now time.Time, payload []byte) {
	kind, body, ok := decodeInternal(payload)
	if !ok {
		return
	}
	switch kind {
	case internalKeepAlive:
		// liveness only; lastActivity already updated by the caller.
	case internalTimeSyncPing:
		buf, err := encodeInternal(nil, internalTimeSyncPong, body)
		if err == nil {
			t.outChunks = append(t.outChunks, buf)
		}
	case internalTimeSyncPong:
		if len(body) >= 8 {
			sentAt := time.Unix(0, int64(beUint64(body)))
			t.lastRTT = now.Sub(sentAt)
			t.pacer.OnRTT(t.lastRTT)
		}
	case internalMTUProbe:
		buf, err := encodeInternal(nil, internalMTUProbeAck, nil)
		if err == nil {
			t.outChunks = append(t.outChunks, buf)
		}
	case internalMTUProbeAck:
		// MTU probe acks are not tracked; nothing to do here.
	case internalDisco:
		t.peerDisconnected = true
	case internalHugeControl:
		if t.hugeControl != nil {
			t.hugeControl(body)
		}
	}
}

// SetHugeControl registers the callback invoked when an internalHugeControl
// chunk arrives; the owning Connexion wires this to the huge-transfer
// control sub-protocol (pkg/sphynx/huge) without this package importing it.
func (t *Transport) SetHugeControl(fn func(body []byte)) { t.hugeControl = fn }

// SendHugeControl queues body as an internalHugeControl chunk, the side
// channel huge-transfer negotiation rides on instead of the application's
// message streams.
func (t *Transport) SendHugeControl(body []byte) error {
	buf, err := encodeInternal(nil, internalHugeControl, body)
	if err != nil {
		return err
	}
	t.outChunks = append(t.outChunks, buf)
	return nil
}

// PingTimeSync queues a time-sync ping stamped with now.
func (t *Transport) PingTimeSync(now time.Time) {
	body := make([]byte, 8)
	putUint64(body, uint64(now.UnixNano()))
	if buf, err := encodeInternal(nil, internalTimeSyncPing, body); err == nil {
		t.outChunks = append(t.outChunks, buf)
	}
}

// ProbeMTU queues an MTU-probe internal chunk padded to size bytes.
func (t *Transport) ProbeMTU(size int) {
	pad := make([]byte, 0)
	if size > 2 {
		pad = make([]byte, size-2)
	}
	if buf, err := encodeInternal(nil, internalMTUProbe, pad); err == nil {
		t.outChunks = append(t.outChunks, buf)
	}
}

// LastRTT returns the most recent time-sync round trip measurement.
func (t *Transport) LastRTT() time.Duration { return t.lastRTT }

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func beUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
