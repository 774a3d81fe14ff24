// Package scheduler runs delayed follow-up work such as post-registration
// logins. Time comes from a clockwork.Clock so tests can advance it.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Task is a unit of deferred work. The context is cancelled when the scheduler stops.
type Task func(ctx context.Context)

type entry struct {
	timer clockwork.Timer
}

// Scheduler is a timer queue of named delayed tasks.
type Scheduler struct {
	clock  clockwork.Clock
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*entry
	stopped bool
	wg      sync.WaitGroup
}

// New creates a scheduler. A nil clock uses the wall clock.
func New(clock clockwork.Clock, logger *slog.Logger) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		clock:   clock,
		logger:  logger.With("component", "scheduler"),
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[uint64]*entry),
	}
}

// Clock returns the scheduler's time source.
func (s *Scheduler) Clock() clockwork.Clock {
	return s.clock
}

// After submits task to run once delay has elapsed. It reports false if the
// scheduler has been stopped.
func (s *Scheduler) After(name string, delay time.Duration, task Task) bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.logger.Warn("Task rejected after stop", "task", name)
		return false
	}
	id := s.nextID
	s.nextID++
	e := &entry{}
	s.pending[id] = e
	s.wg.Add(1)
	s.mu.Unlock()

	// The timer is created outside the lock since a zero delay may fire at once.
	timer := s.clock.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		defer s.wg.Done()
		s.run(name, task)
	})

	// Stop may have run while the timer was being created and left this
	// entry to be cancelled here.
	s.mu.Lock()
	e.timer = timer
	cancelled := s.stopped
	if cancelled {
		delete(s.pending, id)
	}
	s.mu.Unlock()
	if cancelled {
		if timer.Stop() {
			s.wg.Done()
		}
		return false
	}

	s.logger.Debug("Task scheduled", "task", name, "delay", delay)
	return true
}

func (s *Scheduler) run(name string, task Task) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Task panicked", "task", name, "panic", r)
		}
	}()
	if s.ctx.Err() != nil {
		return
	}
	task(s.ctx)
}

// Pending returns the number of tasks whose delay has not yet elapsed.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Wait blocks until every submitted task has run or been cancelled.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Stop cancels unfired tasks, cancels the context of running ones and waits
// for them until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	for id, e := range s.pending {
		if e.timer == nil {
			// After is still creating the timer and will cancel it
			continue
		}
		if e.timer.Stop() {
			s.wg.Done()
		}
		delete(s.pending, id)
	}
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
