package tempo

import (
	"context"
	"testing"
	"time"
)

func TestNewGovernorDefaultsUnlimited(t *testing.T) {
	g := NewGovernor(Unlimited, 1024)
	if g.Effective() != Unlimited {
		t.Fatalf("got effective %d, want Unlimited", g.Effective())
	}
}

func TestSetLocalUpdatesEffective(t *testing.T) {
	g := NewGovernor(Unlimited, 1024)
	g.SetLocal(5000)
	if g.Effective() != 5000 {
		t.Fatalf("got %d, want 5000", g.Effective())
	}
}

func TestApplyRemoteWinsWhenNotFixed(t *testing.T) {
	g := NewGovernor(Unlimited, 1024)
	g.SetLocal(5000)
	g.ApplyRemote(2000)
	if g.Effective() != 2000 {
		t.Fatalf("expected remote proposal to win when not fixed, got %d", g.Effective())
	}
}

func TestSetLocalFixedIgnoresRemote(t *testing.T) {
	g := NewGovernor(Unlimited, 1024)
	g.SetLocalFixed(3000)
	g.ApplyRemote(1)
	if g.Effective() != 3000 {
		t.Fatalf("expected local-fixed tempo to ignore remote proposal, got %d", g.Effective())
	}
}

func TestMostRecentProposalWins(t *testing.T) {
	g := NewGovernor(Unlimited, 1024)
	g.ApplyRemote(2000)
	g.SetLocal(9000)
	if g.Effective() != 9000 {
		t.Fatalf("expected the most recently applied proposal (local) to win, got %d", g.Effective())
	}
	g.ApplyRemote(500)
	if g.Effective() != 500 {
		t.Fatalf("expected the most recently applied proposal (remote) to win, got %d", g.Effective())
	}
}

func TestWaitNUnlimitedReturnsImmediately(t *testing.T) {
	g := NewGovernor(Unlimited, 1024)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := g.WaitN(ctx, 4096); err != nil {
		t.Fatalf("WaitN under Unlimited tempo failed: %v", err)
	}
}

func TestWaitNPausedBlocksUntilResumed(t *testing.T) {
	g := NewGovernor(Paused, 1024)
	done := make(chan error, 1)
	go func() {
		done <- g.WaitN(context.Background(), 1)
	}()

	select {
	case <-done:
		t.Fatal("expected WaitN to block while tempo is Paused")
	case <-time.After(50 * time.Millisecond):
	}

	g.SetLocal(Unlimited)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WaitN failed after resuming: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("expected WaitN to unblock once tempo left Paused")
	}
}

func TestWaitNRespectsContextCancellation(t *testing.T) {
	g := NewGovernor(Paused, 1024)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := g.WaitN(ctx, 1); err == nil {
		t.Fatal("expected WaitN to return an error for an already-cancelled context")
	}
}
