// Package schedule starts fresh sweeps on cron schedules.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/sweep"
)

var (
	ErrDuplicateTarget = errors.New("schedule: duplicate target")
	ErrInvalidSchedule = errors.New("schedule: invalid schedule")
	ErrAlreadyStarted  = errors.New("schedule: already started")
)

// Trigger starts a sweep from the given event. *sweep.ContinuationDispatcher implements it.
type Trigger interface {
	Target() string
	Trigger(ctx context.Context, event sweep.Event) error
}

type entry struct {
	schedule string
	trigger  Trigger
	data     []byte
}

// Scheduler fires a fresh event for every registered target on its cron
// schedule. A tick is skipped while the previous trigger of the same target
// is still running.
type Scheduler struct {
	mu      sync.Mutex
	parser  cron.Parser
	cron    *cron.Cron
	entries map[string]entry
	locks   map[string]*sync.Mutex
	cancel  context.CancelFunc
}

// NewScheduler creates a scheduler accepting standard five field expressions
// and descriptors like @hourly.
func NewScheduler() *Scheduler {
	return &Scheduler{
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		entries: make(map[string]entry),
		locks:   make(map[string]*sync.Mutex),
	}
}

// Register schedules fresh sweeps of the trigger's target. Data is passed to
// every sweep started by the schedule.
func (s *Scheduler) Register(schedule string, t Trigger, data []byte) error {
	if _, err := s.parser.Parse(schedule); err != nil {
		return fmt.Errorf("%w %q: %w", ErrInvalidSchedule, schedule, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return ErrAlreadyStarted
	}
	target := t.Target()
	if _, ok := s.entries[target]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateTarget, target)
	}
	s.entries[target] = entry{schedule: schedule, trigger: t, data: data}
	s.locks[target] = &sync.Mutex{}
	return nil
}

// Start begins firing the registered schedules. The context carries the
// logger of every tick and stops the ticks once done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.cron = cron.New(cron.WithParser(s.parser))

	for target, e := range s.entries {
		lock := s.locks[target]
		_, err := s.cron.AddFunc(e.schedule, func() {
			if !lock.TryLock() {
				slogctx.Warn(ctx, "previous trigger still running, skipping tick", "target", target)
				return
			}
			defer lock.Unlock()

			s.fire(ctx, target, e)
		})
		if err != nil {
			cancel()
			return fmt.Errorf("%w %q: %w", ErrInvalidSchedule, e.schedule, err)
		}
	}

	s.cron.Start()
	slogctx.Info(ctx, "scheduler started", "targets", len(s.entries))
	return nil
}

// Stop stops the ticks and waits for running triggers until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	if s.cron == nil {
		return nil
	}

	select {
	case <-s.cron.Stop().Done():
		slogctx.Info(ctx, "scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) fire(ctx context.Context, target string, e entry) {
	event := sweep.Event{Target: target, Data: e.data}
	if err := e.trigger.Trigger(ctx, event); err != nil {
		slogctx.Error(ctx, "scheduled sweep failed to start", "target", target, "error", err)
		return
	}
	slogctx.Debug(ctx, "scheduled sweep started", "target", target)
}
