package dqnalloc

import "github.com/pavanmanishd/dqnalloc/ticket"

// SafeArena is an Arena guarded by a ticket mutex, so goroutines are served
// in arrival order. Critical sections are short but every call pays for the
// lock; prefer one Arena per goroutine.
type SafeArena struct {
	mu ticket.Mutex
	a  *Arena
}

// NewSafeArena wraps a. a must not be used directly afterwards.
func NewSafeArena(a *Arena) *SafeArena {
	return &SafeArena{a: a}
}

// Allocate is Arena.Allocate under the lock.
func (s *SafeArena) Allocate(size int, alignment uint8, zero bool) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.a.Allocate(size, alignment, zero)
}

// Reserve is Arena.Reserve under the lock.
func (s *SafeArena) Reserve(size int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.a.Reserve(size)
}

// ResetUsage is Arena.ResetUsage under the lock.
func (s *SafeArena) ResetUsage(zero bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.a.ResetUsage(zero)
}

// Free is Arena.Free under the lock.
func (s *SafeArena) Free() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.a.Free()
}

// Stats is Arena.Stats under the lock.
func (s *SafeArena) Stats() ArenaStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.a.Stats()
}

// Do runs fn with exclusive access to the arena, for sequences such as a
// region that must not interleave with other goroutines.
func (s *SafeArena) Do(fn func(a *Arena) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.a)
}
