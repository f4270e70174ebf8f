package udpio

import (
	"bytes"
	"net"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestSendAndServeRoundTrip(t *testing.T) {
	serverConn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(netip.MustParseAddrPort("127.0.0.1:0")))
	if err != nil {
		t.Fatal(err)
	}
	server := New(zerolog.Nop())

	var mu sync.Mutex
	var got []byte
	var gotAddr netip.AddrPort
	done := make(chan struct{})
	go func() {
		server.Serve(serverConn, func(addr netip.AddrPort, data []byte, _ time.Time) {
			mu.Lock()
			got = append([]byte(nil), data...)
			gotAddr = addr
			mu.Unlock()
			close(done)
		})
	}()

	clientConn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(netip.MustParseAddrPort("127.0.0.1:0")))
	if err != nil {
		t.Fatal(err)
	}
	client := New(zerolog.Nop())
	client.conn = clientConn

	serverAddr := netip.MustParseAddrPort(serverConn.LocalAddr().String())
	if err := client.Send(serverAddr, []byte("hello udpio")); err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the datagram")
	}

	mu.Lock()
	defer mu.Unlock()
	if !bytes.Equal(got, []byte("hello udpio")) {
		t.Fatalf("got %q", got)
	}
	wantAddr := clientConn.LocalAddr().(*net.UDPAddr).AddrPort().Addr().Unmap()
	if gotAddr.Addr() != wantAddr {
		t.Fatalf("unexpected sender address %v, want %v", gotAddr, wantAddr)
	}

	server.Close()
	client.Close()
}

func TestSendRejectsOversizedDatagram(t *testing.T) {
	e := New(zerolog.Nop())
	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(netip.MustParseAddrPort("127.0.0.1:0")))
	if err != nil {
		t.Fatal(err)
	}
	e.conn = conn
	defer conn.Close()

	err = e.Send(netip.MustParseAddrPort("127.0.0.1:1"), make([]byte, MaxDatagramSize+1))
	if err == nil {
		t.Fatal("expected an error for an oversized datagram")
	}
}

func TestSendBeforeBindReturnsClosed(t *testing.T) {
	e := New(zerolog.Nop())
	if err := e.Send(netip.MustParseAddrPort("127.0.0.1:1"), []byte("x")); err != ErrClosed {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestWritePrometheusIncludesCounters(t *testing.T) {
	e := New(zerolog.Nop())
	e.rxCount.Inc()
	var buf bytes.Buffer
	e.WritePrometheus(&buf)
	if !strings.Contains(buf.String(), "sphynx_udpio_rx_count") {
		t.Fatalf("expected rx_count metric in output, got: %s", buf.String())
	}
}
