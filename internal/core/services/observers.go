package services

import "sync"

// observerSet is a typed subscriber list with explicit disposal.
// Callbacks receive read-only snapshots and must not be retained past
// the call; cleanup never relies on garbage collection.
type observerSet[T any] struct {
	mu   sync.RWMutex
	subs map[int]func(T)
	next int
}

func newObserverSet[T any]() *observerSet[T] {
	return &observerSet[T]{subs: make(map[int]func(T))}
}

// add registers fn and returns its disposer. The disposer is
// idempotent.
func (s *observerSet[T]) add(fn func(T)) func() {
	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *observerSet[T]) notify(v T) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, fn := range s.subs {
		fn(v)
	}
}

func (s *observerSet[T]) size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
