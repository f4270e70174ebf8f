package sphynx

import (
	"context"
	"fmt"
	"io"
	"net/netip"
	"time"

	"github.com/rs/zerolog"

	"github.com/sphynx-net/sphynx/pkg/sphynx/aead"
	"github.com/sphynx-net/sphynx/pkg/sphynx/conn"
	"github.com/sphynx-net/sphynx/pkg/sphynx/connmap"
	"github.com/sphynx-net/sphynx/pkg/sphynx/cookie"
	"github.com/sphynx-net/sphynx/pkg/sphynx/kex"
	"github.com/sphynx-net/sphynx/pkg/sphynx/transport"
	"github.com/sphynx-net/sphynx/pkg/sphynx/udpio"
	"github.com/sphynx-net/sphynx/pkg/sphynx/worker"
)

// Server accepts inbound Sphynx connections: it runs the handshake
// dispatcher against unrecognized addresses, and routes everything else to
// the Connexion the connection map already holds for that address. It plays
// the role atlas.Server plays for the teacher, scoped to one UDP socket
// instead of a set of HTTP listeners.
type Server struct {
	log     zerolog.Logger
	kp      kex.KeyPair
	jar     *cookie.Jar
	conns   *connmap.Map[*conn.Connexion]
	flood   *connmap.FloodTable
	pool    *worker.Pool
	io      *udpio.Endpoint
	handler ServerHandler

	addr           netip.AddrPort
	floodThreshold int32

	mtuProbeInterval   time.Duration
	silenceLimit       time.Duration
	silenceTimeout     time.Duration
	bandwidthLowLimit  float64
	bandwidthHighLimit float64
}

// NewServer configures a new Server from c, which is assumed to be
// initialized to default or explicit values (as UnmarshalEnv does). h
// receives connection lifecycle and message events; a nil h is replaced
// with NoopServerHandler.
func NewServer(c *Config, h ServerHandler) (*Server, error) {
	if h == nil {
		h = NoopServerHandler{}
	}

	kp, err := LoadOrCreateKeyPair(c.KeyPath)
	if err != nil {
		return nil, err
	}
	jar, err := cookie.NewJar()
	if err != nil {
		return nil, fmt.Errorf("sphynx: initialize cookie jar: %w", err)
	}
	conns, err := connmap.New[*conn.Connexion](c.MaxConnections)
	if err != nil {
		return nil, fmt.Errorf("sphynx: initialize connection map: %w", err)
	}
	flood, err := connmap.NewFloodTable(c.MaxConnections)
	if err != nil {
		return nil, fmt.Errorf("sphynx: initialize flood table: %w", err)
	}

	log := c.configureLogging()

	s := &Server{
		log:            log,
		kp:             kp,
		jar:            jar,
		conns:          conns,
		flood:          flood,
		io:             udpio.New(log.With().Str("component", "udpio").Logger()),
		handler:        h,
		addr:           c.Addr,
		floodThreshold: int32(c.FloodThreshold),

		mtuProbeInterval:   c.MTUProbeInterval,
		silenceLimit:       c.SilenceLimit,
		silenceTimeout:     c.SilenceTimeout,
		bandwidthLowLimit:  c.BandwidthLowLimit,
		bandwidthHighLimit: c.BandwidthHighLimit,
	}
	s.pool = worker.New(c.Workers, s.sendDatagram, s.onMessage, s.onTick, s.onGone, log.With().Str("component", "worker").Logger())
	s.pool.SetTickInterval(c.WorkerTickInterval)
	return s, nil
}

// Run binds the UDP socket, starts the worker pool, and serves until ctx is
// canceled or the socket errors.
func (s *Server) Run(ctx context.Context) error {
	errch := make(chan error, 2)

	go s.pool.Run(ctx)

	go func() {
		s.log.Info().Str("addr", s.addr.String()).Msg("starting sphynx server")
		errch <- s.io.ListenAndServe(s.addr, s.onDatagram)
	}()

	select {
	case <-ctx.Done():
		s.io.Close()
		return ctx.Err()
	case err := <-errch:
		return err
	}
}

// sendDatagram is the worker pool's OutgoingFunc: hand an encrypted
// datagram back to the UDP endpoint.
func (s *Server) sendDatagram(addr netip.AddrPort, data []byte) {
	if err := s.io.Send(addr, data); err != nil {
		s.log.Debug().Err(err).Str("peer", addr.String()).Msg("send failed")
	}
}

// onMessage is the worker pool's delivery hook: forward an application
// message to the handler, tagged with its Connexion's address.
func (s *Server) onMessage(c *conn.Connexion, msg transport.Received) {
	s.handler.OnMessage(c.PeerAddr(), msg)
}

// onTick is the worker pool's per-Connexion tick hook.
func (s *Server) onTick(c *conn.Connexion, now time.Time) {
	s.handler.OnTick(c.PeerAddr(), now)
}

// onGone fires once a Connexion's worker has ticked it all the way to
// conn.StateGone: remove it from the connection map and flood table, and
// notify the application.
func (s *Server) onGone(c *conn.Connexion) {
	s.conns.Remove(c.PeerAddr())
	s.flood.Dec(c.PeerAddr().Addr())
	s.handler.OnDisconnect(c.PeerAddr(), c.DisconnectReason())
}

// onDatagram is udpio's RecvFunc: the handshake dispatcher for unrecognized
// addresses, or a lookup-and-enqueue for an existing Connexion. A
// handshake-shaped packet is sent to the dispatcher even from an address
// already in the connection map, so a retransmitted CHALLENGE reaches
// handleHandshake's cached-ANSWER replay instead of being routed to
// decryption and silently dropped as an invalid datagram.
func (s *Server) onDatagram(addr netip.AddrPort, data []byte, arrival time.Time) {
	if isHandshakePacket(data) {
		s.handleHandshake(addr, data)
		return
	}
	if c, ok := s.conns.Lookup(addr); ok {
		s.pool.Enqueue(worker.Datagram{Owner: c, Data: data, Addr: addr, Now: arrival})
		c.Release()
		return
	}
	s.handleHandshake(addr, data)
}

// isHandshakePacket reports whether data parses as a HELLO or CHALLENGE —
// the only two packet kinds a client ever sends unencrypted — distinguished
// from an encrypted application datagram by their fixed length and
// opcode/magic, per spec.md §8.2's literal replay scenario.
func isHandshakePacket(data []byte) bool {
	if _, err := kex.UnmarshalHello(data); err == nil {
		return true
	}
	if _, _, err := kex.UnmarshalChallenge(data); err == nil {
		return true
	}
	return false
}

func (s *Server) handleHandshake(addr netip.AddrPort, data []byte) {
	if serverPub, err := kex.UnmarshalHello(data); err == nil {
		if serverPub != kex.PackPoint(s.kp.Public) {
			return // client is targeting a stale or wrong server key; silent drop
		}
		c, err := s.jar.Issue(addr)
		if err != nil {
			s.log.Warn().Err(err).Msg("issue cookie")
			return
		}
		s.sendDatagram(addr, kex.MarshalCookie(c))
		return
	}

	cookieBytes, a, err := kex.UnmarshalChallenge(data)
	if err != nil {
		return // not a recognized handshake packet; silent drop, per spec.md §7
	}
	if !s.jar.Verify(addr, cookieBytes) {
		return
	}
	if s.flood.Saturated(addr.Addr(), s.floodThreshold) {
		s.sendDatagram(addr, kex.MarshalError(kex.ErrorServerFull))
		return
	}

	answer, keys, err := kex.Respond(s.kp, a, s.io.LocalAddr().Port())
	if err != nil {
		return // malformed or off-curve A; silent drop
	}

	c := conn.New(addr, keys, true, 0, s.log.With().Str("component", "conn").Logger(), time.Now())
	c.SetHandshakeMemo(&conn.HandshakeMemo{Challenge: append([]byte(nil), data...), Answer: answer})
	c.Configure(s.silenceLimit, s.silenceTimeout, s.mtuProbeInterval, s.bandwidthLowLimit, s.bandwidthHighLimit)
	c.SetHugeProgress(func(bytes []byte, size int) {
		s.handler.OnHuge(addr, transport.BulkStream, bytes, size)
	})

	existing, inserted, ok := s.conns.Insert(addr, c)
	if !ok {
		s.sendDatagram(addr, kex.MarshalError(kex.ErrorServerFull))
		return
	}
	if !inserted {
		// Another CHALLENGE for this address raced us (or was retransmitted);
		// defer to whichever Connexion the map already holds.
		if memo := existing.HandshakeMemo(); memo != nil {
			s.sendDatagram(addr, memo.Answer)
		}
		return
	}

	s.flood.Inc(addr.Addr())
	s.pool.Assign(c)
	s.sendDatagram(addr, answer)
	s.handler.OnConnect(addr)
}

// StartHugeSend begins an outbound huge transfer to addr's Connexion,
// identified by transferID.
func (s *Server) StartHugeSend(addr netip.AddrPort, transferID uint32, data []byte) error {
	c, ok := s.conns.Lookup(addr)
	if !ok {
		return fmt.Errorf("sphynx: no connection for %s", addr)
	}
	defer c.Release()
	return c.StartHugeSend(transferID, data)
}

// WritePrometheus writes the server's UDP socket, connection map, worker
// pool, transport, and AEAD counters in Prometheus exposition format.
func (s *Server) WritePrometheus(w io.Writer) {
	s.io.WritePrometheus(w)
	s.conns.WritePrometheus(w)
	s.pool.WritePrometheus(w)
	transport.WritePrometheus(w)
	aead.WritePrometheus(w)
}
