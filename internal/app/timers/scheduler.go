// Package timers provides cancellable wall-clock deadlines keyed by session.
// Deadlines restored from the backing store may already be in the past; those
// fire immediately instead of being scheduled with a negative delay.
package timers

import (
	"sync"
	"time"
)

// Scheduler owns one pending timer per key. Arming a key replaces any timer
// already pending for it.
type Scheduler struct {
	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
}

// NewScheduler creates an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{timers: make(map[string]*time.Timer)}
}

// Arm schedules fn to run once at the given wall-clock time. A past deadline
// fires immediately. fn runs on its own goroutine.
func (s *Scheduler) Arm(key string, at time.Time, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if existing, ok := s.timers[key]; ok {
		existing.Stop()
	}

	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		s.mu.Lock()
		// A fire racing its own replacement must not evict the new timer.
		if s.timers[key] == t {
			delete(s.timers, key)
		}
		stopped := s.stopped
		s.mu.Unlock()
		if stopped {
			return
		}
		fn()
	})
	s.timers[key] = t
}

// Disarm cancels the pending timer for key, if any.
func (s *Scheduler) Disarm(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[key]; ok {
		t.Stop()
		delete(s.timers, key)
	}
}

// Stop cancels every pending timer and rejects further arming. Callbacks
// already in flight observe the stopped flag and return without acting.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	for key, t := range s.timers {
		t.Stop()
		delete(s.timers, key)
	}
}

// Pending reports how many timers are armed. Intended for tests and metrics.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}
