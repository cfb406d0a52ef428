// Package iomgr implements the IO-Manager (spec.md §4.3): a process-wide registry
// of file paths under active reading or writing, preventing conflicting concurrent
// transfers of the same path.
//
// Grounded on the teacher's shared-state patterns: a mutex-guarded map, the same
// shape as client.Client.transports (map access serialised by a plain sync.Mutex,
// the values themselves independently usable once looked up).
package iomgr

import (
	"fmt"
	"path/filepath"
	"sync"
)

// Direction mirrors wire.Direction's two values but IO-Manager reservations use
// OUTGOING/INCOMING naming directly per spec.md §4.3, independent of which
// connection direction happens to be driving the transfer.
type Direction byte

const (
	Outgoing Direction = iota
	Incoming
)

// Manager is the IO-Manager singleton implementation. Manager itself is safe for
// concurrent use; the process-wide instance is obtained via Default().
type Manager struct {
	mu       sync.Mutex
	outgoing map[string]bool // path -> reserved
	incoming map[string]int  // path -> concurrent reader count
}

// New constructs an independent Manager; tests use this to avoid cross-test state
// bleeding through the process-wide singleton.
func New() *Manager {
	return &Manager{outgoing: make(map[string]bool), incoming: make(map[string]int)}
}

var (
	defaultOnce sync.Once
	defaultMgr  *Manager
)

// Default returns the process-wide IO-Manager, created lazily on first use.
func Default() *Manager {
	defaultOnce.Do(func() { defaultMgr = New() })
	return defaultMgr
}

// canonical resolves symlinks and cleans path so aliases of the same file map to
// one registry entry.
func canonical(path string) string {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		// Path may not exist yet (a fresh outgoing destination never does for
		// incoming writes) — fall back to the cleaned absolute form.
		abs, absErr := filepath.Abs(path)
		if absErr != nil {
			return filepath.Clean(path)
		}
		return filepath.Clean(abs)
	}
	return resolved
}

// Acquire attempts to reserve path for dir, returning (accepted, error). OUTGOING
// is accepted iff the path is in neither set; INCOMING is accepted iff the path is
// not OUTGOING, and multiple concurrent INCOMING readers are allowed.
func (m *Manager) Acquire(path string, dir Direction) (bool, error) {
	key := canonical(path)
	m.mu.Lock()
	defer m.mu.Unlock()

	switch dir {
	case Outgoing:
		if m.outgoing[key] || m.incoming[key] > 0 {
			return false, nil
		}
		m.outgoing[key] = true
		return true, nil
	case Incoming:
		if m.outgoing[key] {
			return false, nil
		}
		m.incoming[key]++
		return true, nil
	default:
		return false, fmt.Errorf("iomgr: unknown direction %d", dir)
	}
}

// Release undoes a prior successful Acquire for the same path and direction.
// Releasing a path that was never acquired for that direction is a no-op.
func (m *Manager) Release(path string, dir Direction) {
	key := canonical(path)
	m.mu.Lock()
	defer m.mu.Unlock()

	switch dir {
	case Outgoing:
		delete(m.outgoing, key)
	case Incoming:
		if m.incoming[key] > 0 {
			m.incoming[key]--
			if m.incoming[key] == 0 {
				delete(m.incoming, key)
			}
		}
	}
}

// IsOutgoing reports whether path is currently reserved OUTGOING, the condition
// send_file must check to raise file-in-transmission (spec.md §4.4, invariant 5).
func (m *Manager) IsOutgoing(path string) bool {
	key := canonical(path)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outgoing[key]
}
