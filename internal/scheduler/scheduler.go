// Package scheduler runs a fixed set of independently periodic tasks with
// isolated failure domains and duplicate-failure log suppression.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Task is one recurring unit of work.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// taskState wraps a task with its failure-suppression bookkeeping.
type taskState struct {
	Task

	mu           sync.Mutex
	running      bool
	failing      bool
	lastErrMsg   string
	lastLoggedAt time.Time
}

// Scheduler drives registered tasks on independent timers. One task's
// failure never halts another task or the scheduler itself.
type Scheduler struct {
	logger   zerolog.Logger
	cooldown time.Duration
	tasks    []*taskState

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
	stopped bool
	wg      sync.WaitGroup
	now     func() time.Time
}

// New creates a scheduler. cooldown is the minimum interval between log
// entries for a task that keeps failing with the identical error message.
func New(logger zerolog.Logger, cooldown time.Duration) *Scheduler {
	return &Scheduler{
		logger:   logger.With().Str("component", "scheduler").Logger(),
		cooldown: cooldown,
		now:      time.Now,
	}
}

// Add registers a task. Must be called before Start.
func (s *Scheduler) Add(task Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, &taskState{Task: task})
}

// Start launches one timer loop per registered task.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	for _, ts := range s.tasks {
		s.wg.Add(1)
		go s.loop(ctx, ts)
	}
}

func (s *Scheduler) loop(ctx context.Context, ts *taskState) {
	defer s.wg.Done()

	ticker := time.NewTicker(ts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, ts)
		}
	}
}

// runOnce executes a single task invocation with the skip-if-running
// guard: an invocation that outlasts its period is not re-entered.
func (s *Scheduler) runOnce(ctx context.Context, ts *taskState) {
	ts.mu.Lock()
	if ts.running {
		ts.mu.Unlock()
		s.logger.Debug().Str("task", ts.Name).Msg("previous run still in progress, skipping tick")
		return
	}
	ts.running = true
	ts.mu.Unlock()

	err := s.invoke(ctx, ts)

	ts.mu.Lock()
	ts.running = false
	if err == nil {
		if ts.failing {
			s.logger.Info().Str("task", ts.Name).Msg("task recovered")
			ts.failing = false
			ts.lastErrMsg = ""
		}
		ts.mu.Unlock()
		return
	}

	msg := err.Error()
	shouldLog := !ts.failing ||
		msg != ts.lastErrMsg ||
		s.now().Sub(ts.lastLoggedAt) >= s.cooldown
	if shouldLog {
		s.logger.Error().Str("task", ts.Name).Err(err).Msg("task failed")
		ts.lastLoggedAt = s.now()
	}
	ts.failing = true
	ts.lastErrMsg = msg
	ts.mu.Unlock()
}

// invoke runs the task body, converting a panic into an error so a broken
// task cannot take down its timer loop.
func (s *Scheduler) invoke(ctx context.Context, ts *taskState) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v", r)
		}
	}()
	return ts.Run(ctx)
}

// Stop cancels all timers and waits for in-flight invocations. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
}
