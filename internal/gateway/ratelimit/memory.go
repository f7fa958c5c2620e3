package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps windows in process memory. Each client has its own
// lock; the map lock is only held for lookups.
type MemoryStore struct {
	mu      sync.Mutex
	clients map[string]*clientWindow
}

type clientWindow struct {
	mu         sync.Mutex
	timestamps []time.Time
	// removed is set by Sweep once the window is dropped from the map
	removed bool
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{clients: make(map[string]*clientWindow)}
}

func (m *MemoryStore) window(key string) *clientWindow {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.clients[key]
	if !ok {
		w = &clientWindow{}
		m.clients[key] = w
	}
	return w
}

// evict drops timestamps at or before cutoff
func (w *clientWindow) evict(cutoff time.Time) {
	i := 0
	for i < len(w.timestamps) && !w.timestamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.timestamps = append(w.timestamps[:0], w.timestamps[i:]...)
	}
}

func (m *MemoryStore) Admit(ctx context.Context, key string, now time.Time, window time.Duration, quota int) (Decision, error) {
	for {
		w := m.window(key)
		w.mu.Lock()
		if w.removed {
			// lost a race with Sweep; look the key up again
			w.mu.Unlock()
			continue
		}
		d := w.admit(now, window, quota)
		w.mu.Unlock()
		return d, nil
	}
}

func (w *clientWindow) admit(now time.Time, window time.Duration, quota int) Decision {
	w.evict(now.Add(-window))

	count := len(w.timestamps)
	if count < quota {
		w.timestamps = append(w.timestamps, now)
		return Decision{
			Allowed:   true,
			Limit:     quota,
			Remaining: quota - count - 1,
			ResetAt:   w.timestamps[0].Add(window),
		}
	}

	if count == 0 {
		// quota <= 0 admits nothing
		return Decision{Limit: quota, RetryAfter: window, ResetAt: now.Add(window)}
	}

	resetAt := w.timestamps[0].Add(window)
	return Decision{
		Allowed:    false,
		Limit:      quota,
		Remaining:  0,
		RetryAfter: resetAt.Sub(now),
		ResetAt:    resetAt,
	}
}

// Sweep evicts expired timestamps and forgets clients with none left
func (m *MemoryStore) Sweep(now time.Time, window time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	cutoff := now.Add(-window)
	for key, w := range m.clients {
		w.mu.Lock()
		w.evict(cutoff)
		if len(w.timestamps) == 0 {
			w.removed = true
			delete(m.clients, key)
			removed++
		}
		w.mu.Unlock()
	}
	return removed
}

// Len returns the number of tracked clients
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

// Run sweeps every interval until ctx is done
func (m *MemoryStore) Run(ctx context.Context, interval, window time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.Sweep(now, window)
		}
	}
}
