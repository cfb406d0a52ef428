// Package server implements JennyNet's accept core (spec.md §4.5): binding a
// listener, accepting and handshaking incoming sockets, handing each finished
// Connection to the application either via a blocking accept() call or a
// listener callback, and broadcasting sends across every connected client.
//
// Grounded on the teacher's server.Server: Serve's accept loop spawning one
// handler per connection, and Shutdown's atomic.Bool flag plus sync.WaitGroup
// drain for graceful termination.
package server

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"jennynet/conn"
	"jennynet/wire"
)

// SignalMethod selects how newly accepted connections are surfaced to the
// application (spec.md §4.5 "set_signal_method").
type SignalMethod int

const (
	// SignalMethodAccept requires the application to call Accept to retrieve
	// each connected client, in arrival order.
	SignalMethodAccept SignalMethod = iota
	// SignalMethodListener pushes each connected client to a ConnectionListener
	// as soon as its handshake completes.
	SignalMethodListener
)

// ConnectionListener decides whether to accept or reject a connecting peer
// before the handshake completes, and is notified once it does (spec.md §4.5
// "connection_available"/"start"/"reject").
type ConnectionListener interface {
	// Accept is called with the peer's claimed UUID before any handshake
	// response is sent. Returning false rejects the connection.
	Accept(peerID uuid.UUID) bool
	// Connected is called once a connection completes its handshake and is
	// ready for use.
	Connected(c *conn.Connection)
}

// Server is JennyNet's accept core: one listening socket fanning out into many
// live Connections (spec.md §4.5).
type Server struct {
	listener net.Listener
	cfg      conn.Config

	mu         sync.Mutex
	listenerCB ConnectionListener

	connMu      sync.Mutex
	connections map[uuid.UUID]*conn.Connection
	acceptQueue chan *conn.Connection

	closing atomic.Bool
	wg      sync.WaitGroup

	txnCounter atomic.Uint64
}

// New constructs a Server using cfg as the template applied to every accepted
// connection. Call Bind then Start to begin accepting.
func New(cfg conn.Config) *Server {
	return &Server{
		cfg:         cfg,
		connections: make(map[uuid.UUID]*conn.Connection),
		acceptQueue: make(chan *conn.Connection, 64),
	}
}

// SetConnectionListener installs cb and switches the server to
// SignalMethodListener; newly handshaked connections are pushed to cb instead
// of queued for Accept.
func (s *Server) SetConnectionListener(cb ConnectionListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listenerCB = cb
}

// Bind opens the listening socket without yet accepting connections.
func (s *Server) Bind(network, address string) error {
	l, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	s.listener = l
	return nil
}

// Addr returns the bound listener's address, or nil if unbound.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start begins the accept loop in the background. Bind must have been called
// first.
func (s *Server) Start() error {
	if s.listener == nil {
		return fmt.Errorf("jennynet: server is not bound")
	}
	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			if s.closing.Load() {
				return
			}
			continue
		}
		s.wg.Add(1)
		go s.handleAccepted(nc)
	}
}

// handleAccepted reads the handshake request, offers the peer's identity to
// the connection listener (if any), and either completes or rejects the
// handshake accordingly (spec.md §4.5).
func (s *Server) handleAccepted(nc net.Conn) {
	defer s.wg.Done()

	c, peerID, err := conn.NewIncoming(nc, s.cfg)
	if err != nil {
		return
	}

	s.mu.Lock()
	cb := s.listenerCB
	s.mu.Unlock()

	if cb != nil && !cb.Accept(peerID) {
		conn.Reject(c)
		return
	}

	if err := conn.FinishAccept(c); err != nil {
		return
	}

	s.connMu.Lock()
	s.connections[c.UUID()] = c
	s.connMu.Unlock()

	if cb != nil {
		cb.Connected(c)
		return
	}

	select {
	case s.acceptQueue <- c:
	default:
		// Accept queue full and nobody is calling Accept: the connection stays
		// live and reachable through whatever listeners the caller already
		// attached, it just never surfaces through Accept.
	}
}

// Accept blocks until a handshaked connection is available (SignalMethodAccept
// mode only), or the server closes.
func (s *Server) Accept() (*conn.Connection, bool) {
	c, ok := <-s.acceptQueue
	return c, ok
}

// Connections returns a snapshot of every currently tracked connection.
func (s *Server) Connections() []*conn.Connection {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	out := make([]*conn.Connection, 0, len(s.connections))
	for _, c := range s.connections {
		out = append(out, c)
	}
	return out
}

// nextTxn returns a monotonically increasing transaction number shared by a
// single broadcast call across all of its target connections (spec.md §4.5
// "a shared transaction number").
func (s *Server) nextTxn() uint64 { return s.txnCounter.Add(1) }

func toSet(ids []uuid.UUID) map[uuid.UUID]bool {
	out := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out
}

// SendObjectToAll submits v to every connected client except those in except.
func (s *Server) SendObjectToAll(v any, methodID uint32, priority wire.Priority, except ...uuid.UUID) uint64 {
	txn := s.nextTxn()
	skip := toSet(except)
	for _, c := range s.Connections() {
		if !skip[c.UUID()] {
			c.SendObject(v, methodID, priority)
		}
	}
	return txn
}

// SendDataToAll submits a raw byte block to every connected client except
// those in except.
func (s *Server) SendDataToAll(data []byte, priority wire.Priority, except ...uuid.UUID) uint64 {
	txn := s.nextTxn()
	skip := toSet(except)
	for _, c := range s.Connections() {
		if !skip[c.UUID()] {
			c.SendData(data, priority)
		}
	}
	return txn
}

// SendFileToAll submits a file transfer to every connected client except those
// in except.
func (s *Server) SendFileToAll(path, remotePath string, priority wire.Priority, except ...uuid.UUID) uint64 {
	txn := s.nextTxn()
	skip := toSet(except)
	for _, c := range s.Connections() {
		if !skip[c.UUID()] {
			c.SendFile(path, remotePath, priority)
		}
	}
	return txn
}

// SendPingToAll pings every connected client except those in except.
func (s *Server) SendPingToAll(except ...uuid.UUID) uint64 {
	txn := s.nextTxn()
	skip := toSet(except)
	for _, c := range s.Connections() {
		if !skip[c.UUID()] {
			c.SendPing()
		}
	}
	return txn
}

// SendTempoToAll proposes bytesPerSecond to every connected client except those
// in except.
func (s *Server) SendTempoToAll(bytesPerSecond int32, except ...uuid.UUID) uint64 {
	txn := s.nextTxn()
	skip := toSet(except)
	for _, c := range s.Connections() {
		if !skip[c.UUID()] {
			c.SetTempo(bytesPerSecond)
		}
	}
	return txn
}

// CloseAllConnections gracefully closes every tracked connection, waiting up
// to ms for each (spec.md §4.5 "close_all_connections").
func (s *Server) CloseAllConnections(ms int) {
	var wg sync.WaitGroup
	for _, c := range s.Connections() {
		wg.Add(1)
		go func(c *conn.Connection) {
			defer wg.Done()
			c.Close(ms)
		}(c)
	}
	wg.Wait()
}

// Close stops accepting new connections and closes the listener. It does not
// by itself close existing connections; call CloseAllConnections first for a
// full shutdown.
func (s *Server) Close() error {
	if !s.closing.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.wg.Wait()
	close(s.acceptQueue)
	return err
}
