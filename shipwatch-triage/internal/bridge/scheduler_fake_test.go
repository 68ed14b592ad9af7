package bridge

import (
	"sync"
	"time"
)

// fakeScheduler records timers; tests fire them by hand
type fakeScheduler struct {
	mu      sync.Mutex
	delays  []time.Duration
	pending []*fakeTimer
}

type fakeTimer struct {
	mu      sync.Mutex
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{f: f}
	s.delays = append(s.delays, d)
	s.pending = append(s.pending, t)
	return t
}

// fireNext runs the oldest live timer on the calling goroutine
func (s *fakeScheduler) fireNext() bool {
	s.mu.Lock()
	var t *fakeTimer
	for len(s.pending) > 0 && t == nil {
		next := s.pending[0]
		s.pending = s.pending[1:]
		next.mu.Lock()
		if !next.stopped && !next.fired {
			next.fired = true
			t = next
		}
		next.mu.Unlock()
	}
	s.mu.Unlock()
	if t == nil {
		return false
	}
	t.f()
	return true
}

func (s *fakeScheduler) live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.pending {
		t.mu.Lock()
		if !t.stopped && !t.fired {
			n++
		}
		t.mu.Unlock()
	}
	return n
}

func (s *fakeScheduler) scheduled() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}
