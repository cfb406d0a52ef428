package conn

import (
	"hash/crc32"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"jennynet/dispatch"
	"jennynet/jerrors"
	"jennynet/object"
	"jennynet/wire"
)

type greeting struct {
	Text string
}

func loopbackPair(t *testing.T, cfg Config) (client, server *Connection) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer ln.Close()

	type acceptResult struct {
		c   *Connection
		err error
	}
	acceptCh := make(chan acceptResult, 1)
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			acceptCh <- acceptResult{nil, err}
			return
		}
		c, peerID, err := NewIncoming(nc, cfg)
		if err != nil {
			acceptCh <- acceptResult{nil, err}
			return
		}
		_ = peerID
		if err := FinishAccept(c); err != nil {
			acceptCh <- acceptResult{nil, err}
			return
		}
		acceptCh <- acceptResult{c, nil}
	}()

	cl, err := Dial("tcp", ln.Addr().String(), cfg)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	res := <-acceptCh
	if res.err != nil {
		t.Fatalf("server-side accept failed: %v", res.err)
	}
	return cl, res.c
}

func loopbackConfig(t *testing.T) Config {
	cfg := DefaultConfig()
	cfg.ConfirmTimeout = 2 * time.Second
	cfg.IdleCheckPeriod = 0
	cfg.AlivePeriod = 0
	cfg.TempDir = t.TempDir()
	return cfg
}

func TestDialFinishAcceptReachesConnected(t *testing.T) {
	cfg := loopbackConfig(t)
	client, server := loopbackPair(t, cfg)
	defer client.CloseHard()
	defer server.CloseHard()

	if client.State() != StateConnected {
		t.Fatalf("client state = %v, want CONNECTED", client.State())
	}
	if server.State() != StateConnected {
		t.Fatalf("server state = %v, want CONNECTED", server.State())
	}
}

func TestSendObjectRoundTrip(t *testing.T) {
	cfg := loopbackConfig(t)
	client, server := loopbackPair(t, cfg)
	defer client.CloseHard()
	defer server.CloseHard()

	if err := client.RegisterSendClass(greeting{}); err != nil {
		t.Fatalf("RegisterSendClass failed: %v", err)
	}
	if err := server.RegisterReceiveClass(greeting{}); err != nil {
		t.Fatalf("RegisterReceiveClass failed: %v", err)
	}

	received := make(chan *object.Event, 1)
	server.AddListener(dispatch.Listener{OnObject: func(ev *object.Event) {
		if ev.Kind == object.EventObjectReceived {
			received <- ev
		}
	}})

	if _, err := client.SendObject(greeting{Text: "hello"}, cfg.SerialisationMethod, wire.PriorityNormal); err != nil {
		t.Fatalf("SendObject failed: %v", err)
	}

	select {
	case ev := <-received:
		g, ok := ev.Object.(greeting)
		if !ok {
			t.Fatalf("expected greeting, got %T", ev.Object)
		}
		if g.Text != "hello" {
			t.Errorf("got %q, want hello", g.Text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the object to arrive")
	}
}

func TestSendDataRoundTrip(t *testing.T) {
	cfg := loopbackConfig(t)
	client, server := loopbackPair(t, cfg)
	defer client.CloseHard()
	defer server.CloseHard()

	received := make(chan []byte, 1)
	server.AddListener(dispatch.Listener{OnObject: func(ev *object.Event) {
		if ev.Kind == object.EventDataReceived {
			received <- ev.Data
		}
	}})

	payload := make([]byte, 200*1024) // spans multiple parcels at the default parcel size
	for i := range payload {
		payload[i] = byte(i)
	}
	if _, err := client.SendData(payload, wire.PriorityNormal); err != nil {
		t.Fatalf("SendData failed: %v", err)
	}

	select {
	case got := <-received:
		if len(got) != len(payload) {
			t.Fatalf("got %d bytes, want %d", len(got), len(payload))
		}
		for i := range got {
			if got[i] != payload[i] {
				t.Fatalf("payload mismatch at byte %d", i)
			}
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for data to arrive")
	}
}

func TestSendFileRoundTrip(t *testing.T) {
	cfg := loopbackConfig(t)
	cfg.FileRootDir = t.TempDir()
	client, server := loopbackPair(t, cfg)
	defer client.CloseHard()
	defer server.CloseHard()

	srcDir := t.TempDir()
	srcPath := filepath.Join(srcDir, "source.dat")
	content := []byte("the quick brown fox jumps over the lazy dog")
	if err := os.WriteFile(srcPath, content, 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	received := make(chan string, 1)
	server.AddListener(dispatch.Listener{OnTransmission: func(ev *object.Event) {
		if ev.Kind == object.EventFileReceived {
			received <- ev.FilePath
		}
	}})

	if _, err := client.SendFile(srcPath, "received.dat", wire.PriorityNormal); err != nil {
		t.Fatalf("SendFile failed: %v", err)
	}

	select {
	case path := <-received:
		got, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("ReadFile failed: %v", err)
		}
		if string(got) != string(content) {
			t.Fatalf("got %q, want %q", got, content)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for the file transfer to complete")
	}
}

func TestSendPingEcho(t *testing.T) {
	cfg := loopbackConfig(t)
	client, server := loopbackPair(t, cfg)
	defer client.CloseHard()
	defer server.CloseHard()

	echoed := make(chan int64, 1)
	client.AddListener(dispatch.Listener{OnEvent: func(ev *object.Event) {
		if ev.Kind == object.EventPingEcho {
			echoed <- ev.PingRTTMs
		}
	}})

	nonce := client.SendPing()
	if nonce < 0 {
		t.Fatal("expected SendPing to return a non-negative nonce")
	}

	select {
	case rtt := <-echoed:
		if rtt < 0 {
			t.Errorf("got negative RTT %d", rtt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for PING/ECHO round trip")
	}
}

func TestGracefulCloseBothSides(t *testing.T) {
	cfg := loopbackConfig(t)
	client, server := loopbackPair(t, cfg)
	defer client.CloseHard()
	defer server.CloseHard()

	serverClosed := make(chan struct{})
	go func() {
		server.WaitForClosed(3000)
		close(serverClosed)
	}()

	if err := client.Close(3000); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if client.State() != StateClosed {
		t.Fatalf("client state = %v, want CLOSED", client.State())
	}

	select {
	case <-serverClosed:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for the peer to observe the graceful close")
	}
}

func TestBreakTransferCancelsIncomingTransfer(t *testing.T) {
	cfg := loopbackConfig(t)
	cfg.TransmissionSpeed = 1 // force pacing so the server's assembler is still live when broken
	client, server := loopbackPair(t, cfg)
	defer client.CloseHard()
	defer server.CloseHard()

	aborted := make(chan struct{}, 1)
	server.AddListener(dispatch.Listener{OnTransmission: func(ev *object.Event) {
		if ev.Kind == object.EventFileAborted {
			aborted <- struct{}{}
		}
	}})

	id, err := client.SendData(make([]byte, 1<<20), wire.PriorityNormal)
	if err != nil {
		t.Fatalf("SendData failed: %v", err)
	}

	// Give the first parcel time to arrive and register the assembler before
	// breaking it; slow tempo keeps the rest of the transfer from completing.
	time.Sleep(100 * time.Millisecond)
	server.BreakTransfer(id, wire.DirectionIncoming)

	select {
	case <-aborted:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the server's incoming transfer to abort")
	}
}

// TestScenarioSingleRoundTripAtTempo exercises spec.md §8's S1: a tempo-paced
// block arrives intact and takes at least as long as the tempo ceiling implies.
// Scaled down from the spec's literal 100,000 bytes / 5000 B/s (20s) to 10,000
// bytes at the same tempo (2s at the ceiling) with a 1.5s floor, to keep the
// suite fast.
func TestScenarioSingleRoundTripAtTempo(t *testing.T) {
	cfg := loopbackConfig(t)
	client, server := loopbackPair(t, cfg)
	defer client.CloseHard()
	defer server.CloseHard()

	client.SetTempo(5000)

	aborted := make(chan struct{}, 1)
	received := make(chan []byte, 1)
	server.AddListener(dispatch.Listener{
		OnObject: func(ev *object.Event) {
			if ev.Kind == object.EventDataReceived {
				received <- ev.Data
			}
		},
		OnTransmission: func(ev *object.Event) {
			if ev.Kind == object.EventFileAborted {
				aborted <- struct{}{}
			}
		},
	})

	payload := make([]byte, 10000)
	for i := range payload {
		payload[i] = byte(i)
	}
	start := time.Now()
	if _, err := client.SendData(payload, wire.PriorityNormal); err != nil {
		t.Fatalf("SendData failed: %v", err)
	}

	select {
	case got := <-received:
		elapsed := time.Since(start)
		if elapsed < 1500*time.Millisecond {
			t.Fatalf("transfer finished in %v, too fast for a 5000 B/s ceiling on %d bytes", elapsed, len(payload))
		}
		if len(got) != len(payload) {
			t.Fatalf("got %d bytes, want %d", len(got), len(payload))
		}
		for i := range got {
			if got[i] != payload[i] {
				t.Fatalf("payload mismatch at byte %d", i)
			}
		}
	case <-aborted:
		t.Fatal("unexpected abort during a single paced round trip")
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the paced transfer to complete")
	}
}

// TestScenarioPriorityOvertake exercises spec.md §8's S2: a HIGH-priority block
// submitted after a LOW-priority one still arrives first, because the transmit
// queue orders by priority, not submission order.
func TestScenarioPriorityOvertake(t *testing.T) {
	cfg := loopbackConfig(t)
	cfg.TransmissionSpeed = 20000 // slow enough that both blocks are still queued together
	client, server := loopbackPair(t, cfg)
	defer client.CloseHard()
	defer server.CloseHard()

	order := make(chan string, 2)
	server.AddListener(dispatch.Listener{OnObject: func(ev *object.Event) {
		if ev.Kind == object.EventDataReceived {
			order <- string(ev.Data)
		}
	}})

	low := make([]byte, 40000)
	for i := range low {
		low[i] = 'L'
	}
	high := make([]byte, 40000)
	for i := range high {
		high[i] = 'H'
	}

	if _, err := client.SendData(low, wire.PriorityLow); err != nil {
		t.Fatalf("SendData(low) failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if _, err := client.SendData(high, wire.PriorityHigh); err != nil {
		t.Fatalf("SendData(high) failed: %v", err)
	}

	var got []string
	for i := 0; i < 2; i++ {
		select {
		case s := <-order:
			got = append(got, s[:1])
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out after receiving %v", got)
		}
	}
	if len(got) != 2 || got[0] != "H" || got[1] != "L" {
		t.Fatalf("arrival order = %v, want [H L]", got)
	}
}

// TestScenarioFileRoundTripWithRename exercises spec.md §8's S3: a file sent
// under a nested remote path arrives at the receiver ending in that exact path,
// under the configured file root, with matching CRC32.
func TestScenarioFileRoundTripWithRename(t *testing.T) {
	cfg := loopbackConfig(t)
	cfg.FileRootDir = t.TempDir()
	client, server := loopbackPair(t, cfg)
	defer client.CloseHard()
	defer server.CloseHard()

	srcPath := filepath.Join(t.TempDir(), "ursula.dat")
	content := make([]byte, 50000)
	for i := range content {
		content[i] = byte(i * 7)
	}
	if err := os.WriteFile(srcPath, content, 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	wantCRC := crc32.ChecksumIEEE(content)

	received := make(chan string, 1)
	server.AddListener(dispatch.Listener{OnTransmission: func(ev *object.Event) {
		if ev.Kind == object.EventFileReceived {
			received <- ev.FilePath
		}
	}})

	remotePath := filepath.Join("empfang", "ursula-1.dat")
	if _, err := client.SendFile(srcPath, remotePath, wire.PriorityNormal); err != nil {
		t.Fatalf("SendFile failed: %v", err)
	}

	select {
	case path := <-received:
		if !strings.HasSuffix(path, remotePath) {
			t.Fatalf("received path %q does not end in %q", path, remotePath)
		}
		if !strings.HasPrefix(path, cfg.FileRootDir) {
			t.Fatalf("received path %q is not under file root %q", path, cfg.FileRootDir)
		}
		got, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("ReadFile failed: %v", err)
		}
		if crc32.ChecksumIEEE(got) != wantCRC {
			t.Fatalf("CRC32 mismatch: got %x, want %x", crc32.ChecksumIEEE(got), wantCRC)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the file transfer to complete")
	}
}

// TestScenarioSenderInitiatedBreak exercises spec.md §8's S4 from the sending
// side: break_transfer(OUTGOING) while a send-order is still in flight aborts it
// locally and tells the peer to drop its partial transfer, with no
// data-received event ever reaching the peer. A tiny parcel queue capacity and a
// slow tempo keep the send-order blocked in serialisationStage long enough for
// BreakTransfer to observe it in c.outgoing.
func TestScenarioSenderInitiatedBreak(t *testing.T) {
	cfg := loopbackConfig(t)
	cfg.TransmissionSpeed = 2000
	cfg.ParcelQueueCapacity = 1
	client, server := loopbackPair(t, cfg)
	defer client.CloseHard()
	defer server.CloseHard()

	localAborted := make(chan struct{}, 1)
	client.AddListener(dispatch.Listener{OnTransmission: func(ev *object.Event) {
		if ev.Kind == object.EventFileAborted {
			localAborted <- struct{}{}
		}
	}})
	peerAborted := make(chan struct{}, 1)
	dataReceived := make(chan struct{}, 1)
	server.AddListener(dispatch.Listener{
		OnObject: func(ev *object.Event) {
			if ev.Kind == object.EventDataReceived {
				dataReceived <- struct{}{}
			}
		},
		OnTransmission: func(ev *object.Event) {
			if ev.Kind == object.EventFileAborted {
				peerAborted <- struct{}{}
			}
		},
	})

	id, err := client.SendData(make([]byte, 500000), wire.PriorityNormal)
	if err != nil {
		t.Fatalf("SendData failed: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	client.BreakTransfer(id, wire.DirectionOutgoing)

	select {
	case <-localAborted:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the sender's own abort event")
	}
	select {
	case <-peerAborted:
	case <-dataReceived:
		t.Fatal("peer completed the transfer instead of observing the break")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the peer to observe the break")
	}
}

// TestScenarioHardCloseMidTransfer exercises spec.md §8's S5: close_hard while
// a send is in flight reaches CLOSED quickly on both sides, with the closing
// side reporting info=10 (close_hard) and the peer reporting info=6 (socket
// fault), per the state machine table in spec.md §4.4 — the concrete S5 text
// names info=2 for the peer, which only applies to the mutual-ALL_DATA_SENT
// graceful path the state table documents a few lines above it; close_hard
// never negotiates ALL_DATA_SENT, so the general rule governs (see DESIGN.md).
// No object-received event should ever reach the peer.
func TestScenarioHardCloseMidTransfer(t *testing.T) {
	cfg := loopbackConfig(t)
	cfg.TransmissionSpeed = 30000
	client, server := loopbackPair(t, cfg)
	defer client.CloseHard()
	defer server.CloseHard()

	dataReceived := make(chan struct{}, 1)
	serverClosed := make(chan int, 1)
	server.AddListener(dispatch.Listener{OnObject: func(ev *object.Event) {
		if ev.Kind == object.EventDataReceived {
			dataReceived <- struct{}{}
		}
	}, OnEvent: func(ev *object.Event) {
		if ev.Kind == object.EventClosed {
			serverClosed <- ev.Info
		}
	}})

	if _, err := client.SendData(make([]byte, 200000), wire.PriorityNormal); err != nil {
		t.Fatalf("SendData failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	client.CloseHard()

	if client.State() != StateClosed {
		t.Fatalf("client state = %v, want CLOSED", client.State())
	}

	select {
	case <-dataReceived:
		t.Fatal("peer should not have received the in-flight send after a hard close")
	case info := <-serverClosed:
		if info != jerrors.InfoClosedSocketFault {
			t.Fatalf("server closed info = %d, want %d (socket fault)", info, jerrors.InfoClosedSocketFault)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("timed out waiting for the peer to observe the hard close")
	}
}

func TestSetTempoPropagatesToPeer(t *testing.T) {
	cfg := loopbackConfig(t)
	client, server := loopbackPair(t, cfg)
	defer client.CloseHard()
	defer server.CloseHard()

	client.SetTempo(4096)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if server.EffectiveTempo() == 4096 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected server's effective tempo to become 4096, got %d", server.EffectiveTempo())
}
