package aead

import "github.com/sphynx-net/sphynx/pkg/sphynx/kex"

// Session is one Connexion's full authenticated-encryption state: one
// SendContext/RecvContext pair per direction, wired up according to which
// end of the connection we are. Upstream is client→server; downstream is
// server→client.
type Session struct {
	Send *SendContext
	Recv *RecvContext
}

// NewClientSession builds the client-side session from handshake keys: the
// client sends upstream (IV starts at 0) and receives downstream.
func NewClientSession(keys kex.SessionKeys) *Session {
	return &Session{
		Send: NewSendContext(keys.UpstreamMAC, keys.UpstreamENC, 0),
		Recv: NewRecvContext(keys.DownstreamMAC, keys.DownstreamENC),
	}
}

// NewServerSession builds the server-side session: the server sends
// downstream (IV starts at 1) and receives upstream.
func NewServerSession(keys kex.SessionKeys) *Session {
	return &Session{
		Send: NewSendContext(keys.DownstreamMAC, keys.DownstreamENC, 1),
		Recv: NewRecvContext(keys.UpstreamMAC, keys.UpstreamENC),
	}
}
