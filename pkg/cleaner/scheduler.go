package cleaner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status is the scheduler's externally visible state.
type Status struct {
	Running   bool      `json:"running"`
	LastRun   time.Time `json:"last_run,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	LastStats *Stats    `json:"last_stats,omitempty"`
	NextRun   time.Time `json:"next_run,omitempty"`
}

// Scheduler runs sweeps on a fixed interval. A failed or panicking sweep
// shortens the wait to the cooldown so transient store outages retry
// promptly without hot-looping.
type Scheduler struct {
	cleaner  *Cleaner
	interval time.Duration
	cooldown time.Duration
	log      *zap.Logger

	mu      sync.Mutex
	runMu   sync.Mutex
	stop    chan struct{}
	stopped chan struct{}
	status  Status
}

func NewScheduler(c *Cleaner, interval, cooldown time.Duration, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if cooldown <= 0 {
		cooldown = time.Minute
	}
	return &Scheduler{
		cleaner:  c,
		interval: interval,
		cooldown: cooldown,
		log:      log,
	}
}

// Start launches the sweep loop. Starting a running scheduler is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return
	}
	s.stop = make(chan struct{})
	s.stopped = make(chan struct{})
	s.status.Running = true
	s.status.NextRun = time.Now().Add(s.interval)
	go s.loop(s.stop, s.stopped)
	s.log.Info("cleaner scheduler started", zap.Duration("interval", s.interval))
}

// Stop halts the loop and waits for any in-flight sweep to finish.
// Stopping a stopped scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	stop, stopped := s.stop, s.stopped
	s.stop = nil
	s.stopped = nil
	s.status.Running = false
	s.status.NextRun = time.Time{}
	s.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-stopped
	s.log.Info("cleaner scheduler stopped")
}

// loop sweeps once right away, then keeps sweeping every interval.
func (s *Scheduler) loop(stop, stopped chan struct{}) {
	defer close(stopped)
	for {
		wait := s.interval
		if err := s.runOnce(context.Background()); err != nil {
			wait = s.cooldown
		}

		s.mu.Lock()
		if s.status.Running {
			s.status.NextRun = time.Now().Add(wait)
		}
		s.mu.Unlock()

		select {
		case <-stop:
			return
		case <-time.After(wait):
		}
	}
}

// RunNow executes one sweep immediately, serialized against scheduled
// sweeps, and returns its stats.
func (s *Scheduler) RunNow(ctx context.Context) (*Stats, error) {
	if err := s.runOnce(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status.LastStats, nil
}

func (s *Scheduler) runOnce(ctx context.Context) (err error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sweep panicked: %v", r)
			s.log.Error("sweep panicked", zap.Any("panic", r))
			s.record(nil, err)
		}
	}()

	stats, err := s.cleaner.Run(ctx)
	if err != nil {
		s.log.Warn("sweep failed", zap.Error(err))
	}
	s.record(stats, err)
	return err
}

func (s *Scheduler) record(stats *Stats, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.LastRun = time.Now().UTC()
	s.status.LastStats = stats
	s.status.LastError = ""
	if err != nil {
		s.status.LastError = err.Error()
	}
}

// Status returns a snapshot of the scheduler's state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}
