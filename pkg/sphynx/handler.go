package sphynx

import (
	"net/netip"
	"time"

	"github.com/sphynx-net/sphynx/pkg/sphynx/conn"
	"github.com/sphynx-net/sphynx/pkg/sphynx/transport"
)

// ServerHandler is the capability set a server-side application implements
// to receive connection lifecycle and message events. Per spec.md §9's
// "dynamic dispatch for user callbacks" design note, this is a plain Go
// interface the Connexion is generic over, not virtual/vtable dispatch.
type ServerHandler interface {
	// OnConnect fires once a Connexion's handshake completes and it's been
	// inserted into the connection map.
	OnConnect(addr netip.AddrPort)
	// OnMessage fires for every application message delivered off a
	// Connexion's transport, in delivery order within a stream.
	OnMessage(addr netip.AddrPort, msg transport.Received)
	// OnHuge fires as a huge transfer makes progress on stream: bytes holds
	// the latest reassembled chunk, and size == 0 marks end-of-transfer.
	OnHuge(addr netip.AddrPort, stream uint8, bytes []byte, size int)
	// OnTick fires once per worker tick for every Connexion it owns, ahead
	// of that Connexion's flush.
	OnTick(addr netip.AddrPort, now time.Time)
	// OnDisconnect fires once a Connexion reaches conn.StateGone, naming why.
	OnDisconnect(addr netip.AddrPort, reason conn.DisconnectReason)
}

// ClientHandler is the client-side counterpart of ServerHandler.
type ClientHandler interface {
	OnMessage(msg transport.Received)
	OnHuge(stream uint8, bytes []byte, size int)
	OnTick(now time.Time)
	OnDisconnect(reason conn.DisconnectReason)
	// OnConnectFail fires if Connect gives up before the handshake
	// completes, naming why (e.g. context cancellation or connect_timeout_ms
	// elapsing with no response).
	OnConnectFail(reason error)
}

// NoopServerHandler implements ServerHandler with no-op methods, for
// embedding in a handler that only cares about a subset of events.
type NoopServerHandler struct{}

func (NoopServerHandler) OnConnect(netip.AddrPort)                           {}
func (NoopServerHandler) OnMessage(netip.AddrPort, transport.Received)       {}
func (NoopServerHandler) OnHuge(netip.AddrPort, uint8, []byte, int)          {}
func (NoopServerHandler) OnTick(netip.AddrPort, time.Time)                   {}
func (NoopServerHandler) OnDisconnect(netip.AddrPort, conn.DisconnectReason) {}

// NoopClientHandler implements ClientHandler with no-op methods.
type NoopClientHandler struct{}

func (NoopClientHandler) OnMessage(transport.Received)       {}
func (NoopClientHandler) OnHuge(uint8, []byte, int)          {}
func (NoopClientHandler) OnTick(time.Time)                   {}
func (NoopClientHandler) OnDisconnect(conn.DisconnectReason) {}
func (NoopClientHandler) OnConnectFail(error)                {}
