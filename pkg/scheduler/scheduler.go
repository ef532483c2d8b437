// Package scheduler runs one-time, fixed-interval, and cron-expression
// tasks under a global concurrency cap with per-run timeouts and failure
// accounting.
//
// Tasks past their due time wait in Scheduled state while the cap is
// saturated; lateness is observable, never an error. Callback failures and
// panics are contained: they mark the task Failed and are reported through
// the result handler, but never terminate the dispatcher.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/semaphore"

	"github.com/Aqilrmm/Synapta/internal/observability"
	pkgobs "github.com/Aqilrmm/Synapta/pkg/observability"
)

const (
	// DefaultMaxConcurrentTasks is the default admission cap.
	DefaultMaxConcurrentTasks = 10

	// DefaultTaskTimeout bounds a single callback run.
	DefaultTaskTimeout = 5 * time.Minute

	// DefaultTickInterval is the dispatcher poll period.
	DefaultTickInterval = time.Second
)

// Scheduler dispatches scheduled tasks. It is safe for concurrent use.
type Scheduler struct {
	mu      sync.Mutex
	tasks   map[string]*task
	history map[string]TaskInfo
	running int

	sem         *semaphore.Weighted
	taskTimeout time.Duration
	tick        time.Duration
	logger      *slog.Logger

	onResult func(Result)

	started  bool
	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithMaxConcurrentTasks sets the admission cap.
func WithMaxConcurrentTasks(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithTaskTimeout bounds each callback run.
func WithTaskTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.taskTimeout = d
		}
	}
}

// WithTickInterval sets the dispatcher poll period. Mainly useful to speed
// up tests.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tick = d
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// New creates a scheduler. Call Start to launch the dispatcher.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		tasks:       make(map[string]*task),
		history:     make(map[string]TaskInfo),
		sem:         semaphore.NewWeighted(DefaultMaxConcurrentTasks),
		taskTimeout: DefaultTaskTimeout,
		tick:        DefaultTickInterval,
		logger:      slog.Default(),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnResult installs the handler invoked after every task run and explicit
// cancel. The handler is called outside the scheduler lock and must not
// block for long.
func (s *Scheduler) OnResult(fn func(Result)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onResult = fn
}

// ScheduleOnce enqueues fn to run a single time after delay.
func (s *Scheduler) ScheduleOnce(id string, fn Func, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	return s.add(&task{
		id:      id,
		kind:    OneTime,
		fn:      fn,
		state:   Scheduled,
		nextRun: time.Now().Add(delay),
	})
}

// ScheduleRecurring enqueues fn to run every interval, first at
// now + interval. The task repeats until cancelled, also after failed runs.
func (s *Scheduler) ScheduleRecurring(id string, fn Func, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("%w: interval must be positive", ErrInvalidSchedule)
	}
	return s.add(&task{
		id:       id,
		kind:     Recurring,
		fn:       fn,
		interval: interval,
		state:    Scheduled,
		nextRun:  time.Now().Add(interval),
	})
}

// ScheduleCron enqueues fn on a standard five-field cron expression.
func (s *Scheduler) ScheduleCron(id string, fn Func, spec string) error {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	return s.add(&task{
		id:       id,
		kind:     Cron,
		fn:       fn,
		cronSpec: sched,
		state:    Scheduled,
		nextRun:  sched.Next(time.Now()),
	})
}

func (s *Scheduler) add(t *task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[t.id]; exists {
		return ErrDuplicateTask
	}
	s.tasks[t.id] = t
	delete(s.history, t.id)
	s.logger.Debug("task scheduled", "task", t.id, "kind", t.kind.String(), "next_run", t.nextRun)
	return nil
}

// Cancel cancels a task. A Scheduled task is cancelled immediately; a
// Running task is signaled through its context and may finish its current
// unit of work before the Cancelled state is recorded.
func (s *Scheduler) Cancel(id string) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownTask
	}

	if t.state == Running {
		t.cancelRequested = true
		if t.cancelRun != nil {
			t.cancelRun()
		}
		s.mu.Unlock()
		return nil
	}

	t.state = Cancelled
	delete(s.tasks, id)
	s.history[id] = t.snapshot()
	onResult := s.onResult
	result := Result{TaskID: id, State: Cancelled, FailureCount: t.failureCount}
	s.mu.Unlock()

	pkgobs.RecordTaskRun(id, "cancelled", 0)
	if onResult != nil {
		onResult(result)
	}
	return nil
}

// Task returns a snapshot of the task with the given id, including tasks
// that already reached a terminal state.
func (s *Scheduler) Task(id string) (TaskInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.tasks[id]; ok {
		return t.snapshot(), true
	}
	info, ok := s.history[id]
	return info, ok
}

// RunningCount returns the number of callbacks currently running.
func (s *Scheduler) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Start launches the dispatcher loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("scheduler already started")
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.dispatch(ctx)
	return nil
}

// Stop stops the dispatcher and waits for running callbacks to return, up
// to ctx's deadline.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.done) })

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

func (s *Scheduler) dispatch(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.dispatchDue(ctx)
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
}

func (s *Scheduler) dispatchDue(ctx context.Context) {
	now := time.Now()

	s.mu.Lock()
	due := make([]*task, 0)
	for _, t := range s.tasks {
		if t.state == Scheduled && !t.nextRun.After(now) {
			due = append(due, t)
		}
	}

	for _, t := range due {
		// Past-due tasks stay Scheduled while the cap is saturated;
		// lateness is observable, not an error.
		if !s.sem.TryAcquire(1) {
			break
		}
		t.state = Running
		s.running++
		s.wg.Add(1)
		go s.run(ctx, t)
	}
	pkgobs.SetRunningTasks(s.running)
	s.mu.Unlock()
}

func (s *Scheduler) run(ctx context.Context, t *task) {
	defer s.wg.Done()
	defer s.sem.Release(1)

	runCtx, cancel := context.WithTimeout(ctx, s.taskTimeout)
	defer cancel()

	s.mu.Lock()
	t.cancelRun = cancel
	s.mu.Unlock()

	spanCtx, span := observability.StartSpan(runCtx, "scheduler.run", map[string]any{
		"task.id":   t.id,
		"task.kind": t.kind.String(),
	})
	defer span.End()

	started := time.Now()
	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- fmt.Errorf("task panicked: %v", r)
			}
		}()
		errCh <- t.fn(spanCtx)
	}()

	var err error
	select {
	case err = <-errCh:
	case <-runCtx.Done():
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			err = ErrTaskTimeout
		} else {
			err = runCtx.Err()
		}
	}
	if err != nil {
		span.RecordError(err)
	}

	s.finish(t, err, time.Since(started))
}

func (s *Scheduler) finish(t *task, err error, duration time.Duration) {
	now := time.Now()

	s.mu.Lock()
	s.running--
	t.cancelRun = nil

	switch {
	case t.cancelRequested:
		t.state = Cancelled
	case err != nil:
		t.state = Failed
		t.failureCount++
		t.lastErr = err
	default:
		t.state = Completed
	}

	outcome := t.state.String()
	if errors.Is(err, ErrTaskTimeout) {
		outcome = "timeout"
	}

	result := Result{
		TaskID:       t.id,
		State:        t.state,
		Err:          err,
		FailureCount: t.failureCount,
		Duration:     duration,
	}

	// Recurring and cron tasks re-enter Scheduled after both successful
	// and failed runs; only cancel is terminal.
	if t.kind != OneTime && t.state != Cancelled {
		t.state = Scheduled
		t.nextRun = t.next(now)
	} else {
		delete(s.tasks, t.id)
		s.history[t.id] = t.snapshot()
	}

	onResult := s.onResult
	pkgobs.SetRunningTasks(s.running)
	s.mu.Unlock()

	pkgobs.RecordTaskRun(t.id, outcome, duration)
	if err != nil {
		s.logger.Warn("task run failed", "task", t.id, "error", err, "failures", result.FailureCount)
	} else {
		s.logger.Debug("task run finished", "task", t.id, "state", result.State.String(), "duration", duration)
	}

	if onResult != nil {
		onResult(result)
	}
}
