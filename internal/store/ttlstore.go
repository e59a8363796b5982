package store

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTLStore is a concurrent map whose entries expire. A background loop
// removes expired entries and reports them to the eviction callback.
type TTLStore[K comparable, V any] struct {
	mu      sync.RWMutex
	items   map[K]*entry[V]
	onEvict func(key K, value V)
	now     func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewTTLStore starts a store that sweeps expired entries every interval.
// onEvict may be nil; it is not called for Delete.
func NewTTLStore[K comparable, V any](interval time.Duration, onEvict func(key K, value V)) *TTLStore[K, V] {
	s := &TTLStore[K, V]{
		items:   make(map[K]*entry[V]),
		onEvict: onEvict,
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	go s.sweepLoop(interval)
	return s
}

// Set stores value under key for ttl.
func (s *TTLStore[K, V]) Set(key K, value V, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = &entry[V]{value: value, expiresAt: s.now().Add(ttl)}
}

// Get returns the live value under key.
func (s *TTLStore[K, V]) Get(key K) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.items[key]
	if !ok || s.expired(e) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Update replaces the live value under key with fn(value), keeping its
// expiry. It reports whether the key was live.
func (s *TTLStore[K, V]) Update(key K, fn func(V) V) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items[key]
	if !ok || s.expired(e) {
		return false
	}
	e.value = fn(e.value)
	return true
}

// Delete removes key and reports whether it was present.
func (s *TTLStore[K, V]) Delete(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[key]; !ok {
		return false
	}
	delete(s.items, key)
	return true
}

// Len counts live entries.
func (s *TTLStore[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.items {
		if !s.expired(e) {
			n++
		}
	}
	return n
}

// ForEach calls fn for every live entry until fn returns false. fn must not
// call back into the store.
func (s *TTLStore[K, V]) ForEach(fn func(key K, value V) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for k, e := range s.items {
		if s.expired(e) {
			continue
		}
		if !fn(k, e.value) {
			return
		}
	}
}

// Close stops the sweep loop. The entries stay readable.
func (s *TTLStore[K, V]) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *TTLStore[K, V]) expired(e *entry[V]) bool {
	return s.now().After(e.expiresAt)
}

func (s *TTLStore[K, V]) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
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
	type evicted struct {
		key   K
		value V
	}
	var gone []evicted

	s.mu.Lock()
	for k, e := range s.items {
		if s.expired(e) {
			gone = append(gone, evicted{k, e.value})
			delete(s.items, k)
		}
	}
	onEvict := s.onEvict
	s.mu.Unlock()

	// callbacks run unlocked so they may use the store
	if onEvict != nil {
		for _, g := range gone {
			onEvict(g.key, g.value)
		}
	}
}
