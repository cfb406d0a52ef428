package dispatch

import (
	"hash/fnv"
	"runtime"
	"sync"

	"jennynet/object"
)

// job is one event waiting to be fanned out to a connection's listener Set.
type job struct {
	set *Set
	ev  *object.Event
}

// GlobalPool is the process-wide delivery worker pool used by connections
// configured for GLOBAL delivery-thread-usage (spec.md §6 "delivery-thread-
// usage", §9 "an optional global delivery worker pool for event fan-out").
//
// Grounded on the teacher's transport.ConnPool: a buffered channel used as a
// concurrency-safe FIFO queue, generalised here into a fixed number of
// independent shards rather than one pool of interchangeable connections. A
// connection is pinned to one shard (by hashing its UUID) so its own events
// still deliver in the order they were raised even though many connections
// share the same small set of worker goroutines.
type GlobalPool struct {
	shards []chan job
}

var (
	globalPoolOnce sync.Once
	globalPool     *GlobalPool
)

func defaultShardCount() int {
	n := runtime.NumCPU()
	if n < 2 {
		n = 2
	}
	if n > 8 {
		n = 8
	}
	return n
}

// Global returns the process-wide delivery pool, created lazily on first use
// (spec.md §9 "initialise them lazily on first connection creation").
func Global() *GlobalPool {
	globalPoolOnce.Do(func() { globalPool = newPool(defaultShardCount()) })
	return globalPool
}

func newPool(shards int) *GlobalPool {
	p := &GlobalPool{shards: make([]chan job, shards)}
	for i := range p.shards {
		ch := make(chan job, 64)
		p.shards[i] = ch
		go func(ch chan job) {
			for j := range ch {
				j.set.Dispatch(j.ev)
			}
		}(ch)
	}
	return p
}

// Submit hands ev to key's shard. Every event submitted under the same key
// lands on the same shard's channel, and a channel preserves send order, so
// per-connection delivery order survives sharing the pool across connections.
func (p *GlobalPool) Submit(key [16]byte, set *Set, ev *object.Event) {
	h := fnv.New32a()
	h.Write(key[:])
	idx := int(h.Sum32() % uint32(len(p.shards)))
	p.shards[idx] <- job{set: set, ev: ev}
}
