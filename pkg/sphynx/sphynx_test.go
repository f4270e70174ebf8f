package sphynx

import (
	"context"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sphynx-net/sphynx/pkg/sphynx/conn"
	"github.com/sphynx-net/sphynx/pkg/sphynx/kex"
	"github.com/sphynx-net/sphynx/pkg/sphynx/transport"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	var c Config
	if err := c.UnmarshalEnv(nil); err != nil {
		t.Fatal(err)
	}
	c.Addr = netip.MustParseAddrPort("127.0.0.1:0")
	c.KeyPath = filepath.Join(t.TempDir(), "node")
	c.MaxConnections = 16
	c.FloodThreshold = 16
	c.Workers = 1
	c.LogLevel = zerolog.Disabled
	c.LogStdout = false
	return c
}

func waitServerBound(t *testing.T, s *Server) netip.AddrPort {
	t.Helper()
	for i := 0; i < 1000; i++ {
		if addr := s.io.LocalAddr(); addr.IsValid() {
			return addr
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("server never bound its socket")
	return netip.AddrPort{}
}

type recordingServerHandler struct {
	NoopServerHandler
	connected    chan netip.AddrPort
	messages     chan transport.Received
	disconnected chan netip.AddrPort
}

func newRecordingServerHandler() *recordingServerHandler {
	return &recordingServerHandler{
		connected:    make(chan netip.AddrPort, 1),
		messages:     make(chan transport.Received, 4),
		disconnected: make(chan netip.AddrPort, 1),
	}
}

func (h *recordingServerHandler) OnConnect(addr netip.AddrPort) { h.connected <- addr }
func (h *recordingServerHandler) OnMessage(_ netip.AddrPort, msg transport.Received) {
	h.messages <- msg
}
func (h *recordingServerHandler) OnDisconnect(addr netip.AddrPort, _ conn.DisconnectReason) {
	h.disconnected <- addr
}

func TestServerClientHandshakeAndMessageRoundTrip(t *testing.T) {
	sh := newRecordingServerHandler()
	sc := testConfig(t)
	s, err := NewServer(&sc, sh)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	serverAddr := waitServerBound(t, s)

	cc := testConfig(t)
	cl, err := Connect(ctx, &cc, serverAddr, kex.PackPoint(s.kp.Public), nil)
	if err != nil {
		t.Fatalf("client handshake failed: %v", err)
	}
	defer cl.Close()
	go cl.Run(ctx)

	select {
	case <-sh.connected:
	case <-time.After(2 * time.Second):
		t.Fatal("server never observed the new connection")
	}

	if err := cl.SendReliable(1, []byte("ping")); err != nil {
		t.Fatal(err)
	}

	select {
	case msg := <-sh.messages:
		if !msg.Reliable || msg.Stream != 1 || string(msg.Payload) != "ping" {
			t.Fatalf("unexpected message: %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the client's message")
	}

	cl.Disconnect()

	select {
	case <-sh.disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("server never observed the disconnect")
	}
}

func TestConnectRejectsWrongServerKey(t *testing.T) {
	sc := testConfig(t)
	s, err := NewServer(&sc, nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go s.Run(ctx)

	serverAddr := waitServerBound(t, s)

	other, err := kex.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}

	cc := testConfig(t)
	_, err = Connect(ctx, &cc, serverAddr, kex.PackPoint(other.Public), nil)
	if err == nil {
		t.Fatal("expected Connect to fail against the wrong server key")
	}
}
