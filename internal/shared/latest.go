package shared

import "sync"

// Latest holds a value refreshed by concurrent fetches where the most
// recently started fetch wins. A fetch that started earlier but completes
// later is discarded instead of overwriting newer data.
type Latest[T any] struct {
	mu      sync.RWMutex
	issued  uint64
	applied uint64
	value   T
}

// Begin stamps a new fetch and returns its sequence number.
func (l *Latest[T]) Begin() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.issued++
	return l.issued
}

// Commit stores v if seq is newer than the last committed fetch.
// It reports whether v was kept.
func (l *Latest[T]) Commit(seq uint64, v T) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if seq <= l.applied {
		return false
	}
	l.applied = seq
	l.value = v
	return true
}

// Update mutates the current value in place without advancing the sequence.
// It is used for optimistic hints that the next commit supersedes.
func (l *Latest[T]) Update(fn func(T) T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.value = fn(l.value)
}

// Get returns the current value.
func (l *Latest[T]) Get() T {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.value
}
