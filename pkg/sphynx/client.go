package sphynx

import (
	"context"
	"fmt"
	"io"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/sphynx-net/sphynx/pkg/sphynx/aead"
	"github.com/sphynx-net/sphynx/pkg/sphynx/conn"
	"github.com/sphynx-net/sphynx/pkg/sphynx/kex"
	"github.com/sphynx-net/sphynx/pkg/sphynx/transport"
	"github.com/sphynx-net/sphynx/pkg/sphynx/udpio"
	"github.com/sphynx-net/sphynx/pkg/sphynx/worker"
)

// defaultHandshakeTick and defaultInitialHelloPost back Connect's retry
// loop when a zero Config leaves them unset, matching spec.md §6's
// handshake_tick_ms/initial_hello_post_ms defaults.
const (
	defaultHandshakeTick    = 100 * time.Millisecond
	defaultInitialHelloPost = 200 * time.Millisecond
	defaultConnectTimeout   = 6 * time.Second
)

// Client drives a single outbound Sphynx connection: it runs the client
// side of the Tabby handshake against Connect, then hands the resulting
// Connexion to a one-worker pool for the rest of its lifetime.
type Client struct {
	log     zerolog.Logger
	io      *udpio.Endpoint
	pool    *worker.Pool
	handler ClientHandler
	server  netip.AddrPort

	conn atomic.Pointer[conn.Connexion] // nil until the handshake completes
}

// Connect performs the handshake against server (whose long-lived public
// key is serverPub, a 64-byte wire-encoded point as written to a server's
// ".pub" key file) and returns a Client ready to send and receive
// messages. h receives message and disconnect events; a nil h is replaced
// with NoopClientHandler.
func Connect(ctx context.Context, c *Config, server netip.AddrPort, serverPub [kex.PointSize]byte, h ClientHandler) (*Client, error) {
	if h == nil {
		h = NoopClientHandler{}
	}
	pub, err := kex.UnpackPoint(serverPub)
	if err != nil {
		return nil, fmt.Errorf("sphynx: decode server public key: %w", err)
	}

	log := c.configureLogging()
	cl := &Client{
		log:     log,
		io:      udpio.New(log.With().Str("component", "udpio").Logger()),
		handler: h,
		server:  server,
	}

	recv := make(chan []byte, 4)
	go func() {
		// Until cl.conn is set, every datagram from server is handshake
		// traffic; afterward it's routed into the one-worker pool like any
		// other received datagram.
		if err := cl.io.ListenAndServe(c.Addr, func(addr netip.AddrPort, data []byte, arrival time.Time) {
			if addr != server {
				return
			}
			if cx := cl.conn.Load(); cx != nil {
				cl.pool.Enqueue(worker.Datagram{Owner: cx, Data: data, Addr: addr, Now: arrival})
				return
			}
			select {
			case recv <- data:
			default:
			}
		}); err != nil {
			cl.log.Debug().Err(err).Msg("client socket closed")
		}
	}()

	if err := waitBound(ctx, cl.io); err != nil {
		cl.io.Close()
		return nil, err
	}

	handshakeTick := c.HandshakeTickInterval
	if handshakeTick <= 0 {
		handshakeTick = defaultHandshakeTick
	}
	initialHelloPost := c.InitialHelloPost
	if initialHelloPost <= 0 {
		initialHelloPost = defaultInitialHelloPost
	}
	connectTimeout := c.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	deadline := time.Now().Add(connectTimeout)

	in, err := kex.NewInitiator(pub)
	if err != nil {
		cl.io.Close()
		err = fmt.Errorf("sphynx: start handshake: %w", err)
		h.OnConnectFail(err)
		return nil, err
	}

	pkt, err := sendAndAwait(ctx, recv, deadline, initialHelloPost, handshakeTick, func() error {
		return cl.io.Send(server, in.Hello())
	})
	if err != nil {
		cl.io.Close()
		h.OnConnectFail(err)
		return nil, err
	}
	challenge, err := in.HandleCookie(pkt)
	if err != nil {
		cl.io.Close()
		err = fmt.Errorf("sphynx: handle cookie: %w", err)
		h.OnConnectFail(err)
		return nil, err
	}

	pkt, err = sendAndAwait(ctx, recv, deadline, handshakeTick, handshakeTick, func() error {
		return cl.io.Send(server, challenge)
	})
	if err != nil {
		cl.io.Close()
		h.OnConnectFail(err)
		return nil, err
	}
	result, err := in.HandleAnswer(pkt)
	if err != nil {
		cl.io.Close()
		err = fmt.Errorf("sphynx: handle answer: %w", err)
		h.OnConnectFail(err)
		return nil, err
	}

	cx := conn.New(server, result.Keys, false, 0, log.With().Str("component", "conn").Logger(), time.Now())
	cx.Configure(c.SilenceLimit, c.SilenceTimeout, c.MTUProbeInterval, c.BandwidthLowLimit, c.BandwidthHighLimit)
	cx.SetHugeProgress(func(bytes []byte, size int) {
		cl.handler.OnHuge(transport.BulkStream, bytes, size)
	})
	cl.pool = worker.New(1, cl.sendDatagram, cl.onMessage, cl.onTick, cl.onGone, log.With().Str("component", "worker").Logger())
	cl.pool.SetTickInterval(c.WorkerTickInterval)
	cl.pool.Assign(cx)
	cl.conn.Store(cx)

	return cl, nil
}

// waitBound polls until the Endpoint's socket is bound, so Send has
// somewhere to write to; ListenAndServe's bind happens on a separate
// goroutine from Connect's caller.
func waitBound(ctx context.Context, e *udpio.Endpoint) error {
	for i := 0; i < 1000; i++ {
		if e.LocalAddr().IsValid() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
	return fmt.Errorf("sphynx: timed out waiting for client socket to bind")
}

func (cl *Client) sendDatagram(addr netip.AddrPort, data []byte) {
	if err := cl.io.Send(addr, data); err != nil {
		cl.log.Debug().Err(err).Msg("send failed")
	}
}

func (cl *Client) onMessage(_ *conn.Connexion, msg transport.Received) {
	cl.handler.OnMessage(msg)
}

func (cl *Client) onTick(_ *conn.Connexion, now time.Time) {
	cl.handler.OnTick(now)
}

func (cl *Client) onGone(c *conn.Connexion) {
	cl.handler.OnDisconnect(c.DisconnectReason())
}

// Run starts the client's worker pool, blocking until ctx is canceled.
func (cl *Client) Run(ctx context.Context) {
	cl.pool.Run(ctx)
}

// SendReliable queues msg on a reliable stream (0 unordered, 1..3 ordered,
// 3 designated bulk).
func (cl *Client) SendReliable(stream uint8, msg []byte) error {
	return cl.conn.Load().Transport().SendReliable(time.Now(), stream, msg)
}

// SendUnreliable queues msg for best-effort, unordered delivery.
func (cl *Client) SendUnreliable(msg []byte) error {
	return cl.conn.Load().Transport().SendUnreliable(msg)
}

// StartHugeSend begins an outbound huge transfer identified by transferID,
// delivered over the bulk stream per spec.md §4.6; progress on the peer's
// side surfaces through its own on_huge callback, not this one.
func (cl *Client) StartHugeSend(transferID uint32, data []byte) error {
	return cl.conn.Load().StartHugeSend(transferID, data)
}

// Disconnect requests a graceful shutdown of the connection.
func (cl *Client) Disconnect() {
	cl.conn.Load().Disconnect()
}

// Close tears down the client's UDP socket.
func (cl *Client) Close() error {
	return cl.io.Close()
}

// WritePrometheus writes the client's UDP socket, worker pool, transport,
// and AEAD counters in Prometheus exposition format.
func (cl *Client) WritePrometheus(w io.Writer) {
	cl.io.WritePrometheus(w)
	cl.pool.WritePrometheus(w)
	transport.WritePrometheus(w)
	aead.WritePrometheus(w)
}

// sendAndAwait calls send once, then resends it on every tick until a
// packet arrives on recv, ctx is canceled, or deadline passes. The first
// retransmit waits initialDelay instead of tick, matching the separate
// initial_hello_post_ms/handshake_tick_ms knobs spec.md §6 exposes for a
// HELLO's first retry versus the steady-state retry cadence.
func sendAndAwait(ctx context.Context, recv <-chan []byte, deadline time.Time, initialDelay, tick time.Duration, send func() error) ([]byte, error) {
	if err := send(); err != nil {
		return nil, err
	}
	delay := initialDelay
	if delay <= 0 {
		delay = tick
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	for {
		select {
		case pkt := <-recv:
			return pkt, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case now := <-timer.C:
			if !deadline.IsZero() && !now.Before(deadline) {
				return nil, fmt.Errorf("sphynx: handshake timed out")
			}
			if err := send(); err != nil {
				return nil, err
			}
			timer.Reset(tick)
		}
	}
}
