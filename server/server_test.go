package server

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"jennynet/conn"
	"jennynet/dispatch"
	"jennynet/object"
	"jennynet/wire"
)

func testConfig() conn.Config {
	cfg := conn.DefaultConfig()
	cfg.ConfirmTimeout = 2 * time.Second
	cfg.IdleCheckPeriod = 0
	cfg.AlivePeriod = 0
	return cfg
}

func TestBindStartAccept(t *testing.T) {
	srv := New(testConfig())
	if err := srv.Bind("tcp", "127.0.0.1:0"); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer srv.Close()

	client, err := conn.Dial("tcp", srv.Addr().String(), testConfig())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.CloseHard()

	accepted, ok := srv.Accept()
	if !ok {
		t.Fatal("expected Accept to return a connected client")
	}
	if accepted.State() != conn.StateConnected {
		t.Fatalf("expected accepted connection to be CONNECTED, got %v", accepted.State())
	}
}

type listenerCB struct {
	accept    bool
	connected chan *conn.Connection
}

func (l *listenerCB) Accept(peerID uuid.UUID) bool { return l.accept }
func (l *listenerCB) Connected(c *conn.Connection)  { l.connected <- c }

func TestConnectionListenerAcceptNotifiesConnected(t *testing.T) {
	srv := New(testConfig())
	if err := srv.Bind("tcp", "127.0.0.1:0"); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	cb := &listenerCB{accept: true, connected: make(chan *conn.Connection, 1)}
	srv.SetConnectionListener(cb)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer srv.Close()

	client, err := conn.Dial("tcp", srv.Addr().String(), testConfig())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.CloseHard()

	select {
	case c := <-cb.connected:
		if c.State() != conn.StateConnected {
			t.Fatalf("expected CONNECTED, got %v", c.State())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Connected callback")
	}
}

func TestConnectionListenerRejectsBeforeHandshake(t *testing.T) {
	srv := New(testConfig())
	if err := srv.Bind("tcp", "127.0.0.1:0"); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	cb := &listenerCB{accept: false, connected: make(chan *conn.Connection, 1)}
	srv.SetConnectionListener(cb)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer srv.Close()

	_, err := conn.Dial("tcp", srv.Addr().String(), testConfig())
	if err == nil {
		t.Fatal("expected Dial to fail once the server rejects the handshake")
	}
}

func TestSendDataToAllReachesEveryClient(t *testing.T) {
	srv := New(testConfig())
	if err := srv.Bind("tcp", "127.0.0.1:0"); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer srv.Close()

	const clients = 3
	received := make(chan []byte, clients)
	for i := 0; i < clients; i++ {
		c, err := conn.Dial("tcp", srv.Addr().String(), testConfig())
		if err != nil {
			t.Fatalf("Dial failed: %v", err)
		}
		defer c.CloseHard()
		c.AddListener(dispatch.Listener{OnObject: func(ev *object.Event) {
			if ev.Kind == object.EventDataReceived {
				received <- ev.Data
			}
		}})
	}

	for i := 0; i < clients; i++ {
		if _, ok := srv.Accept(); !ok {
			t.Fatalf("expected %d accepted connections", clients)
		}
	}
	if len(srv.Connections()) != clients {
		t.Fatalf("got %d connections, want %d", len(srv.Connections()), clients)
	}
	srv.SendDataToAll([]byte("broadcast"), wire.PriorityNormal)

	for i := 0; i < clients; i++ {
		select {
		case data := <-received:
			if string(data) != "broadcast" {
				t.Errorf("got %q, want broadcast", data)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for a broadcast to reach every client")
		}
	}
}

func TestCloseAllConnections(t *testing.T) {
	srv := New(testConfig())
	if err := srv.Bind("tcp", "127.0.0.1:0"); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer srv.Close()

	client, err := conn.Dial("tcp", srv.Addr().String(), testConfig())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.CloseHard()

	if _, ok := srv.Accept(); !ok {
		t.Fatal("expected a connection to be accepted")
	}
	srv.CloseAllConnections(2000)
	for _, c := range srv.Connections() {
		if c.State() != conn.StateClosed {
			t.Fatalf("expected connection to be CLOSED after CloseAllConnections, got %v", c.State())
		}
	}
}
