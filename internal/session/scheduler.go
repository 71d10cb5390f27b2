package session

import (
	"sync"
	"time"
)

// TickFunc runs one scheduled tick and returns the delay before the next one.
// A negative delay ends the schedule.
type TickFunc func() time.Duration

// Scheduler owns a single timer. Ticks never overlap: the next timer is armed only after
// the current tick returns. After Stop no tick from an earlier Start re-arms the timer.
type Scheduler struct {
	tick TickFunc

	mu      sync.Mutex
	timer   *time.Timer
	gen     uint64
	running bool
}

// NewScheduler returns a stopped scheduler.
func NewScheduler(tick TickFunc) *Scheduler {
	return &Scheduler{tick: tick}
}

// Start (re)starts the schedule with the first tick after delay.
func (s *Scheduler) Start(delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()
	s.gen++
	s.running = true
	s.armLocked(s.gen, delay)
}

// Stop cancels the pending tick. A tick already running completes but does not re-arm.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

// Running reports whether a schedule is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) stopLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.running = false
	s.gen++
}

func (s *Scheduler) armLocked(gen uint64, delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	s.timer = time.AfterFunc(delay, func() { s.fire(gen) })
}

func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	if !s.running || s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.mu.Unlock()

	next := s.tick()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.gen != gen {
		return
	}
	if next < 0 {
		s.running = false
		return
	}
	s.armLocked(gen, next)
}
