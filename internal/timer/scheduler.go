// Package timer provides keyed one-shot timers on an injectable clock.
package timer

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type entry struct {
	gen   uint64
	timer clockwork.Timer
}

// Scheduler runs at most one pending callback per key. Scheduling a key
// again replaces the earlier callback; a replaced or cancelled callback
// never runs, even if its underlying timer already fired.
type Scheduler struct {
	clock clockwork.Clock

	mu      sync.Mutex
	gen     uint64
	pending map[string]entry
	stopped bool

	// OnFire, when set, is called with the key before each callback runs.
	OnFire func(key string)
}

func NewScheduler(clock clockwork.Clock) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scheduler{clock: clock, pending: make(map[string]entry)}
}

func (s *Scheduler) Clock() clockwork.Clock { return s.clock }

// Schedule runs fn after d under key, replacing any pending callback for key.
func (s *Scheduler) Schedule(key string, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	// A non-positive duration may run fn synchronously on some clocks,
	// which would re-enter s.mu.
	if d <= 0 {
		d = time.Nanosecond
	}
	if prev, ok := s.pending[key]; ok {
		prev.timer.Stop()
	}
	s.gen++
	gen := s.gen
	t := s.clock.AfterFunc(d, func() { s.fire(key, gen, fn) })
	s.pending[key] = entry{gen: gen, timer: t}
}

// ScheduleAt runs fn at the absolute time at. A time in the past fires
// on the next clock tick.
func (s *Scheduler) ScheduleAt(key string, at time.Time, fn func()) {
	s.Schedule(key, at.Sub(s.clock.Now()), fn)
}

func (s *Scheduler) fire(key string, gen uint64, fn func()) {
	s.mu.Lock()
	cur, ok := s.pending[key]
	if !ok || cur.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.pending, key)
	onFire := s.OnFire
	s.mu.Unlock()

	if onFire != nil {
		onFire(key)
	}
	fn()
}

// Cancel drops the pending callback for key. It reports whether one existed.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.pending[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(s.pending, key)
	return true
}

func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[key]
	return ok
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Stop cancels every pending callback and refuses new ones.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for key, e := range s.pending {
		e.timer.Stop()
		delete(s.pending, key)
	}
}
