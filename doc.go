// Package jennynet is an application-level messaging layer over a reliable
// stream transport: objects, raw byte blocks and files are exchanged as
// priority-scheduled parcels, with pluggable serialisation, tempo-paced
// sending, and a connection lifecycle that supports graceful and hard close.
//
// Connect dials a peer and returns a *conn.Connection once the handshake
// completes. server.New builds an accept core whose Bind and Start begin
// listening; each handshaked peer is handed out as a *conn.Connection through
// Server.Accept or a ConnectionListener. Application code attaches a dispatch.Listener to receive events and calls the Connection's
// SendObject/SendData/SendFile/SendPing/SetTempo/BreakTransfer/Close API.
package jennynet

import (
	"jennynet/conn"
	"jennynet/server"
)

// Config re-exports conn.Config so callers need only import this package for
// the common case.
type Config = conn.Config

// Connection re-exports conn.Connection, the value returned by both Connect
// and a Server's accept path.
type Connection = conn.Connection

// Server re-exports server.Server, JennyNet's accept core.
type Server = server.Server

// DefaultConfig returns the baseline per-connection configuration.
func DefaultConfig() Config { return conn.DefaultConfig() }

// Connect dials address over network ("tcp" in the common case) and performs
// the JennyNet handshake, returning a connected Connection.
func Connect(network, address string, cfg Config) (*conn.Connection, error) {
	return conn.Dial(network, address, cfg)
}

// NewServer constructs a Server that applies cfg as the template for every
// connection it accepts. Call Bind then Start to begin accepting.
func NewServer(cfg Config) *Server {
	return server.New(cfg)
}
