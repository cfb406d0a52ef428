// Package tempo implements send-rate pacing and two-sided arbitration
// (spec.md §4.4 "Tempo pacing"/"Tempo arbitration").
//
// Grounded on the teacher's middleware.RateLimitMiddleware: a long-lived
// golang.org/x/time/rate.Limiter created once and shared across every caller, here
// repurposed from a request-rate ceiling to a byte-rate ceiling. -1 means
// unlimited (rate.Inf), 0 means paused (blocks until the tempo changes).
package tempo

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Unlimited and Paused are the two sentinel tempo values spec.md §4.4 defines.
const (
	Unlimited int32 = -1
	Paused    int32 = 0
)

// Governor tracks the local and remote-proposed tempo for one connection and
// exposes the effective rate (the most recent proposal, local or remote) as a
// rate.Limiter. It also implements arbitration: a governor marked "fixed"
// ignores peer proposals.
type Governor struct {
	mu          sync.Mutex
	local       int32
	remote      int32
	localFixed  bool
	effective   int32
	limiter     *rate.Limiter
	pausedGate  chan struct{} // closed when paused tempo is lifted
	burst       int
}

// NewGovernor creates a Governor with the given initial local tempo and burst size
// (typically the connection's configured max parcel size).
func NewGovernor(initialLocal int32, burst int) *Governor {
	if burst <= 0 {
		burst = 1
	}
	g := &Governor{local: initialLocal, remote: Unlimited, burst: burst}
	g.recompute()
	return g
}

func limiterFor(effective int32, burst int) *rate.Limiter {
	switch {
	case effective == Unlimited:
		return rate.NewLimiter(rate.Inf, burst)
	case effective == Paused:
		return rate.NewLimiter(0, burst)
	default:
		return rate.NewLimiter(rate.Limit(effective), burst)
	}
}

// recompute sets the effective tempo to the local value and rebuilds the
// limiter. It runs only at construction; later proposals are applied directly
// by SetLocal, SetLocalFixed and ApplyRemote, where the most recent one wins.
// Callers must hold mu.
func (g *Governor) recompute() {
	effective := g.local
	if !g.localFixed && g.remote != Unlimited {
		// Both branches use the local value.
		effective = g.local
	}
	g.effective = effective
	g.limiter = limiterFor(effective, g.burst)
	g.signalGate()
}

func (g *Governor) signalGate() {
	if g.effective != Paused {
		if g.pausedGate != nil {
			close(g.pausedGate)
			g.pausedGate = nil
		}
	} else if g.pausedGate == nil {
		g.pausedGate = make(chan struct{})
	}
}

// SetLocal proposes a new local tempo. If localFixed, the local value always wins
// regardless of any later peer proposal.
func (g *Governor) SetLocal(bytesPerSecond int32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.local = bytesPerSecond
	g.effective = bytesPerSecond
	g.limiter = limiterFor(g.effective, g.burst)
	g.signalGate()
}

// SetLocalFixed marks this side as ignoring all future peer TEMPO proposals and
// immediately applies bytesPerSecond as the effective tempo.
func (g *Governor) SetLocalFixed(bytesPerSecond int32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.localFixed = true
	g.local = bytesPerSecond
	g.effective = bytesPerSecond
	g.limiter = limiterFor(g.effective, g.burst)
	g.signalGate()
}

// ApplyRemote applies a tempo proposed by the peer over a TEMPO signal. It is a
// no-op if this side is tempo-fixed.
func (g *Governor) ApplyRemote(bytesPerSecond int32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.remote = bytesPerSecond
	if g.localFixed {
		return
	}
	g.effective = bytesPerSecond
	g.limiter = limiterFor(g.effective, g.burst)
	g.signalGate()
}

// Effective returns the current effective tempo.
func (g *Governor) Effective() int32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.effective
}

// WaitN blocks until n bytes are permitted to be sent under the current effective
// tempo, honouring ctx cancellation. If the tempo is Paused, WaitN blocks on the
// pause gate until a non-zero tempo is set, then re-evaluates.
func (g *Governor) WaitN(ctx context.Context, n int) error {
	for {
		g.mu.Lock()
		if g.effective == Paused {
			gate := g.pausedGate
			g.mu.Unlock()
			select {
			case <-gate:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		limiter := g.limiter
		g.mu.Unlock()
		return limiter.WaitN(ctx, n)
	}
}
