// Package memman reserves worker memory for scan tasks before they
// execute, so concurrent shared scans cannot flood the page cache.
package memman

import (
	"fmt"
	"sync"
)

// Manager hands out memory reservations against a fixed budget.
// Lock blocks until the requested bytes fit.
type Manager struct {
	mu    sync.Mutex
	cv    *sync.Cond
	total int64
	used  int64
}

// Reservation is one held grant. Release is idempotent.
type Reservation struct {
	mgr   *Manager
	bytes int64
	once  sync.Once
}

func New(totalBytes int64) *Manager {
	if totalBytes < 1 {
		totalBytes = 1
	}
	m := &Manager{total: totalBytes}
	m.cv = sync.NewCond(&m.mu)
	return m
}

// Lock blocks until bytes can be reserved. Requests larger than the
// whole budget are clamped so they can eventually run alone.
func (m *Manager) Lock(bytes int64) *Reservation {
	if bytes < 0 {
		bytes = 0
	}
	if bytes > m.total {
		bytes = m.total
	}
	m.mu.Lock()
	for m.used+bytes > m.total {
		m.cv.Wait()
	}
	m.used += bytes
	m.mu.Unlock()
	return &Reservation{mgr: m, bytes: bytes}
}

// TryLock reserves without blocking.
func (m *Manager) TryLock(bytes int64) (*Reservation, error) {
	if bytes > m.total {
		bytes = m.total
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.used+bytes > m.total {
		return nil, fmt.Errorf("memman: %d bytes unavailable (%d/%d used)",
			bytes, m.used, m.total)
	}
	m.used += bytes
	return &Reservation{mgr: m, bytes: bytes}, nil
}

// Release returns the reservation to the pool.
func (r *Reservation) Release() {
	if r == nil {
		return
	}
	r.once.Do(func() {
		m := r.mgr
		m.mu.Lock()
		m.used -= r.bytes
		m.cv.Broadcast()
		m.mu.Unlock()
	})
}

// Used reports currently reserved bytes.
func (m *Manager) Used() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used
}

// Total reports the budget.
func (m *Manager) Total() int64 { return m.total }
