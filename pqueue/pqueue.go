// Package pqueue implements the priority send queue (spec.md §4.1, §4.4): a total
// order over outgoing parcels keyed by (priority-class, object-id, sequence),
// feeding the transmit stage.
//
// The teacher's transport/pool.go models its connection pool as a buffered channel
// used as a FIFO — concurrency-safe by construction, blocking on empty for free.
// JennyNet needs a *priority* FIFO, so this package keeps that "blocking queue"
// shape but backs it with a container/heap instead of a channel, the idiomatic
// stdlib fit for an ordered queue (attested in the pack by the smux stream
// multiplexer's similarly-ordered delivery structure).
package pqueue

import (
	"container/heap"
	"sync"

	"jennynet/wire"
)

// SignalPriority is above wire.PriorityTop so a lone signal always preempts data,
// per spec.md §4.1 ("Signals are enqueued at an effective priority above TOP").
const SignalPriority = int(wire.PriorityTop) + 1

// Item is one outgoing parcel waiting to be written to the wire.
type Item struct {
	Priority int // int, not wire.Priority, so SignalPriority can exceed TOP
	ObjectID uint64
	Sequence uint32
	Header   *wire.Header
	Payload  []byte

	index int // heap bookkeeping
}

type heapSlice []*Item

func (h heapSlice) Len() int { return len(h) }

// Less orders by (priority descending toward TOP/signal first, object-id
// ascending, sequence ascending) — spec.md §4.1's tuple order.
func (h heapSlice) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	if h[i].ObjectID != h[j].ObjectID {
		return h[i].ObjectID < h[j].ObjectID
	}
	return h[i].Sequence < h[j].Sequence
}

func (h heapSlice) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *heapSlice) Push(x any) {
	it := x.(*Item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *heapSlice) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Queue is a blocking, bounded, priority-ordered queue of Items.
type Queue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	items    heapSlice
	capacity int
	closed   bool
}

// New creates a Queue with the given capacity (spec.md §6
// "parcel-queue-capacity"). capacity <= 0 means unbounded.
func New(capacity int) *Queue {
	q := &Queue{capacity: capacity}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	heap.Init(&q.items)
	return q
}

// Push blocks until there is room, then inserts it in priority order. Returns
// false if the queue has been closed.
func (q *Queue) Push(it *Item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.capacity > 0 && len(q.items) >= q.capacity && !q.closed {
		q.notFull.Wait()
	}
	if q.closed {
		return false
	}
	heap.Push(&q.items, it)
	q.notEmpty.Signal()
	return true
}

// TryPush inserts it without blocking, returning false if the queue is full or
// closed. conn enqueues signal parcels this way and does not retry, so a signal
// that finds the queue full is dropped rather than blocking its sender.
func (q *Queue) TryPush(it *Item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || (q.capacity > 0 && len(q.items) >= q.capacity) {
		return false
	}
	heap.Push(&q.items, it)
	q.notEmpty.Signal()
	return true
}

// Pop blocks until an item is available or the queue is closed and drained,
// returning (item, true) or (nil, false).
func (q *Queue) Pop() (*Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	it := heap.Pop(&q.items).(*Item)
	q.notFull.Signal()
	return it, true
}

// Peek returns the head item without removing it, or nil if empty.
func (q *Queue) Peek() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

// RemoveObject removes every queued item belonging to objectID (used by
// break_transfer to drop an object's remaining parcels), returning how many were
// removed.
func (q *Queue) RemoveObject(objectID uint64) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	removed := 0
	for i := 0; i < len(q.items); {
		if q.items[i].ObjectID == objectID {
			heap.Remove(&q.items, i)
			removed++
			continue
		}
		i++
	}
	if removed > 0 {
		q.notFull.Broadcast()
	}
	return removed
}

// Len returns the current queue length.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close wakes every blocked Push/Pop caller; subsequent Pop calls drain remaining
// items then return false.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}
