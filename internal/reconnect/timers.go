package reconnect

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// timerSet tracks scheduled callbacks so they can all be stopped on teardown.
type timerSet struct {
	mu      sync.Mutex
	clock   clock.Clock
	nextID  uint64
	timers  map[uint64]*clock.Timer
	stopped bool
}

func newTimerSet(c clock.Clock) *timerSet {
	return &timerSet{
		clock:  c,
		timers: make(map[uint64]*clock.Timer),
	}
}

// after runs fn once d has elapsed unless the timer is cancelled or the set
// is stopped first. The returned func cancels this timer only.
func (s *timerSet) after(d time.Duration, fn func()) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return func() {}
	}

	id := s.nextID
	s.nextID++
	s.timers[id] = s.clock.AfterFunc(d, func() {
		s.mu.Lock()
		_, live := s.timers[id]
		delete(s.timers, id)
		s.mu.Unlock()

		if live {
			fn()
		}
	})

	return func() { s.cancel(id) }
}

func (s *timerSet) cancel(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
}

// stop cancels every pending timer and refuses new ones.
func (s *timerSet) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

func (s *timerSet) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}
