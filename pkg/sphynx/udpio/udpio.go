// Package udpio is the UDP socket boundary: a non-blocking send path, a
// blocking receive loop handing datagrams to a callback, MTU-probe support
// via DontFragment, and socket buffer tuning. It carries no Sphynx framing
// of its own — everything above this layer treats payloads as opaque bytes.
// See spec.md §4.1/§8.
package udpio

import (
	"errors"
	"io"
	"net"
	"net/netip"
	"runtime"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// MaxDatagramSize is the largest UDP payload Endpoint will ever read or
// accept for Send; larger buffers are rejected before they reach the
// kernel.
const MaxDatagramSize = 65507

// RecvBufferBytes and SendBufferBytes size the kernel socket buffers;
// Sphynx's worker pool can burst many datagrams per tick, so the defaults
// are well above the OS default of a few hundred KB.
const (
	RecvBufferBytes = 4 << 20
	SendBufferBytes = 4 << 20
)

var ErrClosed = errors.New("udpio: endpoint closed")

// RecvFunc is called once per inbound datagram, with the arrival time
// measured at the point the datagram left the kernel's socket buffer.
type RecvFunc func(addr netip.AddrPort, data []byte, arrival time.Time)

// Endpoint wraps a bound UDP socket. Concrete implementation of the
// Serve-loop-plus-Send shape pkg/nspkt.Listener uses in the teacher,
// trimmed to carry no application framing.
type Endpoint struct {
	log zerolog.Logger

	mu      sync.Mutex
	conn    *net.UDPConn
	closing bool

	set     *metrics.Set
	rxCount *metrics.Counter
	rxBytes *metrics.Counter
	txCount *metrics.Counter
	txBytes *metrics.Counter
	txErr   *metrics.Counter
}

// New creates an unbound Endpoint. Call ListenAndServe or Serve to bind it.
func New(log zerolog.Logger) *Endpoint {
	set := metrics.NewSet()
	return &Endpoint{
		log:     log,
		set:     set,
		rxCount: set.NewCounter(`sphynx_udpio_rx_count`),
		rxBytes: set.NewCounter(`sphynx_udpio_rx_bytes`),
		txCount: set.NewCounter(`sphynx_udpio_tx_count`),
		txBytes: set.NewCounter(`sphynx_udpio_tx_bytes`),
		txErr:   set.NewCounter(`sphynx_udpio_tx_err`),
	}
}

// ListenAndServe binds addr and calls Serve.
func (e *Endpoint) ListenAndServe(addr netip.AddrPort, recv RecvFunc) error {
	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(addr))
	if err != nil {
		return err
	}
	return e.Serve(conn, recv)
}

// Serve binds the Endpoint to conn, tunes its socket buffers, and runs the
// blocking receive loop until the socket errors or Close is called. conn
// should not be used by the caller afterward.
func (e *Endpoint) Serve(conn *net.UDPConn, recv RecvFunc) error {
	e.mu.Lock()
	if e.conn != nil {
		e.mu.Unlock()
		return errors.New("udpio: endpoint already bound")
	}
	e.conn = conn
	e.closing = false
	e.mu.Unlock()

	tuneBuffers(conn, e.log)
	defer conn.Close()

	buf := make([]byte, MaxDatagramSize)
	for {
		n, rawAddr, err := conn.ReadFromUDPAddrPort(buf)
		arrival := time.Now()
		if err != nil {
			e.mu.Lock()
			closing := e.closing
			e.conn = nil
			e.mu.Unlock()
			if closing {
				return ErrClosed
			}
			return err
		}
		e.rxCount.Inc()
		e.rxBytes.Add(n)

		addr := netip.AddrPortFrom(rawAddr.Addr().Unmap(), rawAddr.Port())
		data := make([]byte, n)
		copy(data, buf[:n])
		recv(addr, data, arrival)
	}
}

// Send writes data to addr as a single best-effort, non-blocking UDP
// datagram.
func (e *Endpoint) Send(addr netip.AddrPort, data []byte) error {
	if len(data) > MaxDatagramSize {
		return errors.New("udpio: datagram too large")
	}
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		return ErrClosed
	}
	n, err := conn.WriteToUDPAddrPort(data, addr)
	if err != nil {
		e.txErr.Inc()
		return err
	}
	e.txCount.Inc()
	e.txBytes.Add(n)
	return nil
}

// LocalAddr returns the bound socket's local address, useful for reading
// back the actual port chosen when Serve was given a port of 0. Returns the
// zero value if unbound.
func (e *Endpoint) LocalAddr() netip.AddrPort {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil {
		return netip.AddrPort{}
	}
	return e.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Close stops Serve's loop. Safe to call from a different goroutine.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	e.closing = true
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// tuneBuffers grows the kernel socket buffers and, on the platforms where
// golang.org/x/sys/unix applies, verifies the OS actually granted the
// request (the kernel silently clamps SO_RCVBUF/SO_SNDBUF to a sysctl
// ceiling rather than erroring).
func tuneBuffers(conn *net.UDPConn, log zerolog.Logger) {
	if err := conn.SetReadBuffer(RecvBufferBytes); err != nil {
		log.Warn().Err(err).Msg("failed to grow receive buffer")
	}
	if err := conn.SetWriteBuffer(SendBufferBytes); err != nil {
		log.Warn().Err(err).Msg("failed to grow send buffer")
	}
	if runtime.GOOS != "linux" {
		return
	}
	raw, err := conn.SyscallConn()
	if err != nil {
		return
	}
	_ = raw.Control(func(fd uintptr) {
		got, err := unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF)
		if err == nil && got < RecvBufferBytes {
			log.Debug().Int("got", got).Int("want", RecvBufferBytes).Msg("kernel clamped receive buffer")
		}
	})
}

// ProbeMTU sends size bytes of probe payload to addr with the
// don't-fragment bit set, so a response (or its absence) tells the caller
// whether that payload size survives the path unfragmented. It reports an
// error if the platform's IP stack rejects the oversized, unfragmentable
// write outright (ICMP "fragmentation needed" surfaces this way on many
// stacks), which the caller treats as "probe too large."
func ProbeMTU(conn *net.UDPConn, addr netip.AddrPort, payload []byte) error {
	pc := ipv4.NewPacketConn(conn)
	if err := pc.SetControlMessage(ipv4.FlagDst, true); err != nil {
		return err
	}
	if err := pc.SetDontFragment(true); err != nil {
		// Not every platform exposes IP_MTU_DISCOVER/DF toggling; treat as
		// best-effort rather than fatal, matching spec.md's MTU discovery
		// being advisory, not required for correctness.
		return nil
	}
	_, err := pc.WriteTo(payload, nil, net.UDPAddrFromAddrPort(addr))
	return err
}

// WritePrometheus writes the Endpoint's counters in Prometheus exposition
// format, the same method shape as pkg/api0.Handler.WritePrometheus.
func (e *Endpoint) WritePrometheus(w io.Writer) {
	e.set.WritePrometheus(w)
}
