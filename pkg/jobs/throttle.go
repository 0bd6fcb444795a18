package jobs

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// progressSyncer throttles store writes for one job's progress snapshot:
// at most one write per interval, and when updates arrive faster than that
// the latest value as of the window's end is written (trailing edge), not
// the first or an average.
type progressSyncer struct {
	interval time.Duration
	limiter  *rate.Limiter
	write    func(Progress)

	mu      sync.Mutex
	pending *Progress
	timer   *time.Timer
	stopped bool
}

func newProgressSyncer(interval time.Duration, write func(Progress)) *progressSyncer {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &progressSyncer{
		interval: interval,
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		write:    write,
	}
}

// Update records the newest snapshot and writes it now if the throttle
// window allows, otherwise schedules a trailing-edge flush.
func (s *progressSyncer) Update(p Progress) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	if s.limiter.Allow() {
		s.mu.Unlock()
		s.write(p)
		return
	}
	s.pending = &p
	if s.timer == nil {
		s.timer = time.AfterFunc(s.interval, s.flush)
	}
	s.mu.Unlock()
}

func (s *progressSyncer) flush() {
	s.mu.Lock()
	p := s.pending
	s.pending = nil
	s.timer = nil
	stopped := s.stopped
	s.mu.Unlock()

	if p != nil && !stopped {
		s.write(*p)
	}
}

// Stop flushes any pending snapshot immediately and disables the syncer.
func (s *progressSyncer) Stop() {
	s.mu.Lock()
	p := s.pending
	s.pending = nil
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.stopped = true
	s.mu.Unlock()

	if p != nil {
		s.write(*p)
	}
}
