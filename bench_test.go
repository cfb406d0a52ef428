package jennynet

import (
	"testing"
	"time"

	"jennynet/dispatch"
	"jennynet/object"
	"jennynet/wire"
)

// BenchmarkSendDataThroughput measures sustained SendData throughput over a
// loopback connection at the default (unlimited) tempo, the same shape as
// spec.md §8's throughput scenario.
func BenchmarkSendDataThroughput(b *testing.B) {
	cfg := DefaultConfig()
	cfg.IdleCheckPeriod = 0
	cfg.AlivePeriod = 0

	srv := NewServer(cfg)
	if err := srv.Bind("tcp", "127.0.0.1:0"); err != nil {
		b.Fatalf("Bind failed: %v", err)
	}
	if err := srv.Start(); err != nil {
		b.Fatalf("Start failed: %v", err)
	}
	defer srv.Close()

	client, err := Connect("tcp", srv.Addr().String(), cfg)
	if err != nil {
		b.Fatalf("Connect failed: %v", err)
	}
	defer client.CloseHard()

	accepted, ok := srv.Accept()
	if !ok {
		b.Fatal("expected the server to accept the client")
	}

	received := make(chan struct{}, 1024)
	accepted.AddListener(dispatch.Listener{OnObject: func(ev *object.Event) {
		if ev.Kind == object.EventDataReceived {
			received <- struct{}{}
		}
	}})

	payload := make([]byte, 4096)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := client.SendData(payload, wire.PriorityNormal); err != nil {
			b.Fatalf("SendData failed: %v", err)
		}
	}
	for i := 0; i < b.N; i++ {
		select {
		case <-received:
		case <-time.After(5 * time.Second):
			b.Fatalf("timed out waiting for parcel %d/%d", i, b.N)
		}
	}
}

// BenchmarkPingRoundTrip measures PING/ECHO latency over a loopback
// connection.
func BenchmarkPingRoundTrip(b *testing.B) {
	cfg := DefaultConfig()
	cfg.IdleCheckPeriod = 0
	cfg.AlivePeriod = 0

	srv := NewServer(cfg)
	if err := srv.Bind("tcp", "127.0.0.1:0"); err != nil {
		b.Fatalf("Bind failed: %v", err)
	}
	if err := srv.Start(); err != nil {
		b.Fatalf("Start failed: %v", err)
	}
	defer srv.Close()

	client, err := Connect("tcp", srv.Addr().String(), cfg)
	if err != nil {
		b.Fatalf("Connect failed: %v", err)
	}
	defer client.CloseHard()

	if _, ok := srv.Accept(); !ok {
		b.Fatal("expected the server to accept the client")
	}

	echoed := make(chan struct{}, 1)
	client.AddListener(dispatch.Listener{OnEvent: func(ev *object.Event) {
		if ev.Kind == object.EventPingEcho {
			echoed <- struct{}{}
		}
	}})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		for client.SendPing() < 0 {
			time.Sleep(time.Millisecond)
		}
		<-echoed
	}
}
