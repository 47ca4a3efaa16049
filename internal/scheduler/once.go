package scheduler

import (
	"sync"
	"time"
)

// OnceScheduler runs delayed one-shot callbacks, used for delayed followups.
// All outstanding timers are cancelled on Stop.
type OnceScheduler struct {
	mu     sync.Mutex
	timers map[int]*time.Timer
	nextID int
	closed bool
}

func NewOnceScheduler() *OnceScheduler {
	return &OnceScheduler{timers: make(map[int]*time.Timer)}
}

// ScheduleOnce runs fn after delay. A zero or negative delay runs fn on its
// own goroutine immediately.
func (s *OnceScheduler) ScheduleOnce(delay time.Duration, fn func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if delay <= 0 {
		s.mu.Unlock()
		go fn()
		return
	}
	id := s.nextID
	s.nextID++
	s.timers[id] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, id)
		s.mu.Unlock()
		fn()
	})
	s.mu.Unlock()
}

// PendingCount returns the number of armed timers.
func (s *OnceScheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels all outstanding timers.
func (s *OnceScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}
