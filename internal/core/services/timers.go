package services

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// TimerRegistry is an arena of cancelable timers keyed by
// (conversation, user) or (conversation). Scheduling for an existing
// key cancels and replaces the pending timer, so a fresh event can
// never be preempted by a stale one. Built on an injectable clock so
// expiry and debounce logic is deterministic under test.
type TimerRegistry struct {
	clock clock.Clock

	mu     sync.Mutex
	timers map[string]*clock.Timer
}

func NewTimerRegistry(c clock.Clock) *TimerRegistry {
	return &TimerRegistry{
		clock:  c,
		timers: make(map[string]*clock.Timer),
	}
}

// Schedule arms fn to run after d, replacing any pending timer for key.
func (r *TimerRegistry) Schedule(key string, d time.Duration, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.timers[key]; ok {
		t.Stop()
	}
	var t *clock.Timer
	t = r.clock.AfterFunc(d, func() {
		r.mu.Lock()
		if cur, ok := r.timers[key]; ok && cur == t {
			delete(r.timers, key)
		}
		r.mu.Unlock()
		fn()
	})
	r.timers[key] = t
}

// Cancel stops the pending timer for key. Reports whether one existed.
func (r *TimerRegistry) Cancel(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.timers[key]
	if !ok {
		return false
	}
	t.Stop()
	delete(r.timers, key)
	return true
}

// Active returns the number of armed timers.
func (r *TimerRegistry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

// StopAll cancels everything. Used on service teardown.
func (r *TimerRegistry) StopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, t := range r.timers {
		t.Stop()
		delete(r.timers, key)
	}
}
