// Package store provides a generic in-memory store with per-entry TTL.
//
// The call core uses it for every piece of state that must outlive a single
// call but may never be consumed: the TURN credential cache, ICE candidates
// received before their call exists, and the answered-on-other-device side
// table. Giving each of those an expiry bounds them explicitly instead of
// leaking entries for calls that are signaled but never answered.
package store

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

func (e *entry[V]) expired() bool {
	return time.Now().After(e.expiresAt)
}

// TTLStore is a concurrency-safe map whose entries expire. A background
// goroutine sweeps expired entries every cleanup interval; Get never returns
// an expired value even before the sweep reaches it.
type TTLStore[K comparable, V any] struct {
	mu       sync.RWMutex
	items    map[K]*entry[V]
	stopCh   chan struct{}
	stopOnce sync.Once
	interval time.Duration
	onEvict  func(key K, value V)
}

// New creates a TTLStore sweeping at the given interval.
func New[K comparable, V any](cleanupInterval time.Duration) *TTLStore[K, V] {
	s := &TTLStore[K, V]{
		items:    make(map[K]*entry[V]),
		stopCh:   make(chan struct{}),
		interval: cleanupInterval,
	}
	go s.cleanupLoop()
	return s
}

// SetOnEvict registers a callback invoked for entries removed by the sweep
// (not by Delete or Clear).
func (s *TTLStore[K, V]) SetOnEvict(fn func(key K, value V)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEvict = fn
}

// Set stores value under key for ttl. An existing entry is replaced and its
// expiry reset.
func (s *TTLStore[K, V]) Set(key K, value V, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = &entry[V]{value: value, expiresAt: time.Now().Add(ttl)}
}

// Get returns the live value for key.
func (s *TTLStore[K, V]) Get(key K) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.items[key]
	if !ok || e.expired() {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Pop returns and removes the live value for key. Used by the buffers whose
// entries must be consumed exactly once.
func (s *TTLStore[K, V]) Pop(key K) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[key]
	if !ok || e.expired() {
		var zero V
		return zero, false
	}
	delete(s.items, key)
	return e.value, true
}

// Delete removes key, reporting whether it was present.
func (s *TTLStore[K, V]) Delete(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[key]; ok {
		delete(s.items, key)
		return true
	}
	return false
}

// Has reports whether key holds a live entry.
func (s *TTLStore[K, V]) Has(key K) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.items[key]
	return ok && !e.expired()
}

// Len counts live entries.
func (s *TTLStore[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.items {
		if !e.expired() {
			n++
		}
	}
	return n
}

// ForEach iterates live entries, stopping when fn returns false.
func (s *TTLStore[K, V]) ForEach(fn func(key K, value V) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for k, e := range s.items {
		if !e.expired() {
			if !fn(k, e.value) {
				break
			}
		}
	}
}

// Clear removes all entries without calling the eviction callback.
func (s *TTLStore[K, V]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[K]*entry[V])
}

// Close stops the sweep goroutine and clears the store. Safe to call twice.
func (s *TTLStore[K, V]) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.Clear()
}

func (s *TTLStore[K, V]) cleanupLoop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopCh:
			return
		}
	}
}

func (s *TTLStore[K, V]) sweep() {
	s.mu.Lock()
	var evicted []struct {
		key   K
		value V
	}
	for k, e := range s.items {
		if e.expired() {
			evicted = append(evicted, struct {
				key   K
				value V
			}{k, e.value})
			delete(s.items, k)
		}
	}
	onEvict := s.onEvict
	s.mu.Unlock()

	// Callbacks run outside the lock; they may call back into the store.
	if onEvict != nil {
		for _, e := range evicted {
			onEvict(e.key, e.value)
		}
	}
}
