// Package supervisor owns agent instances and drives their lifecycle:
// initialize, execute (once or on an interval), message handling, cleanup.
// It applies the restart-on-failure policy and reports agent faults on a
// channel instead of letting them cross component boundaries.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Aqilrmm/Synapta/agent"
	"github.com/Aqilrmm/Synapta/pkg/bus"
	"github.com/Aqilrmm/Synapta/pkg/observability"
	"github.com/Aqilrmm/Synapta/pkg/scheduler"
	"github.com/Aqilrmm/Synapta/pkg/security"
	"github.com/Aqilrmm/Synapta/pkg/sharedctx"
)

const (
	// DefaultMaxRestartAttempts bounds how often a failing Initialize is
	// retried before the agent becomes terminally Failed.
	DefaultMaxRestartAttempts = 3

	// DefaultRestartBackoff is the base delay between restart attempts.
	// The actual delay doubles per attempt.
	DefaultRestartBackoff = time.Second

	// DefaultPollTimeout bounds each blocking Receive in the message pump
	// so the pump notices shutdown promptly.
	DefaultPollTimeout = time.Second

	failureBuffer = 64
)

// Config is the supervisor's policy surface.
type Config struct {
	// RestartOnFailure retries a failing Initialize with backoff.
	RestartOnFailure bool

	// MaxRestartAttempts is the total number of Initialize attempts per
	// Start call before the agent is terminally Failed.
	MaxRestartAttempts int

	// RestartBackoff is the base delay between attempts.
	RestartBackoff time.Duration

	// PollTimeout bounds each Receive call in the message pump.
	PollTimeout time.Duration

	// MaxMemoryPerAgent is an advisory per-agent heap budget in bytes.
	// Zero disables the check.
	MaxMemoryPerAgent int64
}

func (c Config) withDefaults() Config {
	if c.MaxRestartAttempts <= 0 {
		c.MaxRestartAttempts = DefaultMaxRestartAttempts
	}
	if c.RestartBackoff <= 0 {
		c.RestartBackoff = DefaultRestartBackoff
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = DefaultPollTimeout
	}
	return c
}

// Supervisor manages a registry of agents over a bus, shared context, and
// scheduler.
type Supervisor struct {
	cfg    Config
	bus    *bus.Bus
	store  *sharedctx.Context
	sched  *scheduler.Scheduler
	guard  *security.MemoryGuard
	logger *slog.Logger

	env *agent.Env

	mu      sync.RWMutex
	records map[string]*record
	order   []string // registration order, used for StopAll

	failures chan Failure
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the supervisor's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// New builds a Supervisor over the given substrate components and hooks
// itself into the scheduler's result stream.
func New(b *bus.Bus, store *sharedctx.Context, sched *scheduler.Scheduler, cfg Config, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:      cfg.withDefaults(),
		bus:      b,
		store:    store,
		sched:    sched,
		logger:   slog.Default(),
		records:  make(map[string]*record),
		failures: make(chan Failure, failureBuffer),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cfg.MaxMemoryPerAgent > 0 {
		s.guard = security.NewMemoryGuard(s.cfg.MaxMemoryPerAgent)
	}
	s.env = &agent.Env{
		Bus:       b,
		Context:   store,
		Scheduler: schedulerFacade{sched},
	}
	sched.OnResult(s.handleTaskResult)
	return s
}

// Failures exposes the stream of reported agent faults. The channel is
// buffered; when full, new faults are logged and dropped rather than
// blocking agent progress.
func (s *Supervisor) Failures() <-chan Failure {
	return s.failures
}

// Register adds an agent under its definition's name. The agent stays in
// Created until Start.
func (s *Supervisor) Register(a agent.Agent, def agent.Def) error {
	if def.Name == "" {
		def.Name = a.Name()
	}
	if def.Name == "" {
		return fmt.Errorf("register: empty agent name")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[def.Name]; ok {
		return fmt.Errorf("register %s: %w", def.Name, ErrDuplicateAgent)
	}
	s.records[def.Name] = &record{def: def, impl: a, state: Created}
	s.order = append(s.order, def.Name)
	return nil
}

// State reports the current lifecycle state of an agent.
func (s *Supervisor) State(agentID string) (State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[agentID]
	if !ok {
		return 0, fmt.Errorf("state %s: %w", agentID, ErrUnknownAgent)
	}
	return rec.state, nil
}

// RestartCount reports how many extra Initialize attempts the agent has
// consumed.
func (s *Supervisor) RestartCount(agentID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[agentID]
	if !ok {
		return 0, fmt.Errorf("restart count %s: %w", agentID, ErrUnknownAgent)
	}
	return rec.restartCount, nil
}

// Agents lists registered agent ids in registration order.
func (s *Supervisor) Agents() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Start drives Created → Initializing → Running for one agent. A failing
// Initialize is retried with exponential backoff when RestartOnFailure is
// set, up to MaxRestartAttempts total attempts; exhausting them leaves the
// agent in Failed and returns ErrRestartLimit.
func (s *Supervisor) Start(ctx context.Context, agentID string) error {
	s.mu.Lock()
	rec, ok := s.records[agentID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("start %s: %w", agentID, ErrUnknownAgent)
	}
	switch rec.state {
	case Running, Initializing, Stopping:
		s.mu.Unlock()
		return fmt.Errorf("start %s: agent is %s", agentID, rec.state)
	}
	rec.state = Initializing
	active := s.runningLocked()
	s.mu.Unlock()

	if s.guard != nil {
		if err := s.guard.Check(active + 1); err != nil {
			s.logger.Warn("memory budget check failed", "agent", agentID, "error", err)
			s.report(Failure{AgentID: agentID, Kind: FailureMemory, Err: err, Time: time.Now()})
		}
	}

	if err := s.initialize(ctx, rec); err != nil {
		s.setState(rec, Failed)
		return err
	}

	if _, err := s.bus.Register(agentID); err != nil {
		s.setState(rec, Failed)
		return fmt.Errorf("start %s: %w", agentID, err)
	}
	for _, topic := range rec.def.Topics {
		if err := s.bus.Subscribe(agentID, topic); err != nil {
			s.bus.Unregister(agentID)
			s.setState(rec, Failed)
			return fmt.Errorf("start %s: subscribe %s: %w", agentID, topic, err)
		}
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	rec.pumpCancel = cancel
	rec.pumpDone = done
	rec.state = Running
	s.mu.Unlock()

	go s.pump(pumpCtx, rec, done)

	if err := s.scheduleExecute(rec); err != nil {
		cancel()
		<-done
		s.bus.Unregister(agentID)
		s.setState(rec, Failed)
		return fmt.Errorf("start %s: %w", agentID, err)
	}

	s.logger.Info("agent running", "agent", agentID)
	return nil
}

// initialize runs the agent's Initialize with the restart policy applied.
func (s *Supervisor) initialize(ctx context.Context, rec *record) error {
	id := rec.def.Name
	attempts := 1
	if s.cfg.RestartOnFailure {
		attempts = s.cfg.MaxRestartAttempts
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			backoff := s.cfg.RestartBackoff << (attempt - 1)
			s.logger.Info("retrying agent initialize",
				"agent", id, "attempt", attempt+1, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			s.mu.Lock()
			rec.restartCount++
			s.mu.Unlock()
			observability.RecordAgentRestart(id)
		}

		lastErr = rec.impl.Initialize(ctx, s.env)
		if lastErr == nil {
			return nil
		}

		s.logger.Warn("agent initialize failed", "agent", id, "error", lastErr)
		s.report(Failure{AgentID: id, Kind: FailureInit, Err: lastErr, Time: time.Now()})
	}

	if s.cfg.RestartOnFailure {
		return fmt.Errorf("start %s: %w after %d attempts: %w", id, ErrRestartLimit, attempts, lastErr)
	}
	return fmt.Errorf("start %s: %w: %w", id, ErrAgentInit, lastErr)
}

// scheduleExecute hooks the agent's Execute into the scheduler: once for
// task-agents, recurring for periodic agents. Agents with neither RunOnce
// nor an interval are purely message-driven and get no task.
func (s *Supervisor) scheduleExecute(rec *record) error {
	id := rec.def.Name
	execute := func(ctx context.Context) error {
		return rec.impl.Execute(ctx)
	}
	if rec.def.RunOnce {
		return s.sched.ScheduleOnce(taskID(id), execute, 0)
	}
	if iv := rec.def.Interval(); iv > 0 {
		return s.sched.ScheduleRecurring(taskID(id), execute, iv)
	}
	return nil
}

// pump delivers inbox messages to the agent's HandleMessage. Handler
// errors are reported but never unregister the agent; only Stop does.
func (s *Supervisor) pump(ctx context.Context, rec *record, done chan struct{}) {
	defer close(done)
	id := rec.def.Name

	for {
		msg, err := s.bus.Receive(ctx, id, s.cfg.PollTimeout)
		switch {
		case err == nil:
		case errors.Is(err, bus.ErrReceiveTimeout):
			continue
		case errors.Is(err, bus.ErrUnknownTarget), errors.Is(err, context.Canceled):
			return
		default:
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("receive failed", "agent", id, "error", err)
			continue
		}

		if err := rec.impl.HandleMessage(ctx, msg.Sender, msg); err != nil {
			s.logger.Warn("message handler failed",
				"agent", id, "sender", msg.Sender, "type", msg.Type, "error", err)
			s.report(Failure{AgentID: id, Kind: FailureHandler, Err: err, Time: time.Now()})
		}
	}
}

// Stop drives Running → Stopping → Stopped: cancels the agent's execute
// task, drains the pump, runs Cleanup, and unregisters the inbox last so
// in-flight sends observe UnknownTarget rather than a panic.
func (s *Supervisor) Stop(ctx context.Context, agentID string) error {
	s.mu.Lock()
	rec, ok := s.records[agentID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("stop %s: %w", agentID, ErrUnknownAgent)
	}
	if rec.state != Running {
		s.mu.Unlock()
		return fmt.Errorf("stop %s (%s): %w", agentID, rec.state, ErrNotRunning)
	}
	rec.state = Stopping
	cancel, done := rec.pumpCancel, rec.pumpDone
	s.mu.Unlock()

	if err := s.sched.Cancel(taskID(agentID)); err != nil && !errors.Is(err, scheduler.ErrUnknownTask) {
		s.logger.Warn("cancel execute task failed", "agent", agentID, "error", err)
	}

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("stop %s: %w", agentID, ctx.Err())
	}

	if err := rec.impl.Cleanup(ctx); err != nil {
		s.logger.Warn("agent cleanup failed", "agent", agentID, "error", err)
		s.report(Failure{AgentID: agentID, Kind: FailureCleanup, Err: err, Time: time.Now()})
	}

	s.bus.Unregister(agentID)
	s.setState(rec, Stopped)
	s.logger.Info("agent stopped", "agent", agentID)
	return nil
}

// StartAll starts every registered agent in dependency order: agents in
// the same topological level start concurrently, levels sequentially. The
// first failing agent aborts the remaining levels.
func (s *Supervisor) StartAll(ctx context.Context) error {
	s.mu.RLock()
	deps := make(map[string][]string, len(s.records))
	for id, rec := range s.records {
		deps[id] = rec.def.DependsOn
	}
	s.mu.RUnlock()

	levels, err := startLevels(deps)
	if err != nil {
		return err
	}

	for _, level := range levels {
		g, gctx := errgroup.WithContext(ctx)
		for _, id := range level {
			id := id
			g.Go(func() error {
				return s.Start(gctx, id)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

// StopAll stops every Running agent in reverse registration order.
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.mu.RLock()
	ids := make([]string, len(s.order))
	copy(ids, s.order)
	s.mu.RUnlock()

	var firstErr error
	for i := len(ids) - 1; i >= 0; i-- {
		err := s.Stop(ctx, ids[i])
		if err != nil && !errors.Is(err, ErrNotRunning) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// handleTaskResult receives every scheduler outcome and reports failures
// of agent execute tasks on the failure channel.
func (s *Supervisor) handleTaskResult(r scheduler.Result) {
	id, ok := agentForTask(r.TaskID)
	if !ok || r.Err == nil {
		return
	}
	s.logger.Warn("agent execute failed",
		"agent", id, "failures", r.FailureCount, "error", r.Err)
	s.report(Failure{AgentID: id, Kind: FailureTask, Err: r.Err, Time: time.Now()})
}

func (s *Supervisor) report(f Failure) {
	observability.RecordAgentFailure(f.AgentID, string(f.Kind))
	select {
	case s.failures <- f:
	default:
		s.logger.Warn("failure channel full, dropping",
			"agent", f.AgentID, "kind", f.Kind, "error", f.Err)
	}
}

func (s *Supervisor) setState(rec *record, st State) {
	s.mu.Lock()
	rec.state = st
	s.mu.Unlock()
}

func (s *Supervisor) runningLocked() int {
	n := 0
	for _, rec := range s.records {
		if rec.state == Running {
			n++
		}
	}
	return n
}

func taskID(agentID string) string {
	return "agent:" + agentID + ":execute"
}

func agentForTask(id string) (string, bool) {
	rest, ok := strings.CutPrefix(id, "agent:")
	if !ok {
		return "", false
	}
	name, ok := strings.CutSuffix(rest, ":execute")
	if !ok {
		return "", false
	}
	return name, true
}

// startLevels orders agents by their DependsOn edges into topological
// levels. An unknown dependency or a cycle is a configuration error.
func startLevels(deps map[string][]string) ([][]string, error) {
	indegree := make(map[string]int, len(deps))
	dependents := make(map[string][]string, len(deps))
	for id := range deps {
		indegree[id] = 0
	}
	for id, on := range deps {
		for _, d := range on {
			if _, ok := deps[d]; !ok {
				return nil, fmt.Errorf("agent %s depends on unknown agent %s", id, d)
			}
			indegree[id]++
			dependents[d] = append(dependents[d], id)
		}
	}

	var frontier []string
	for id, n := range indegree {
		if n == 0 {
			frontier = append(frontier, id)
		}
	}

	var levels [][]string
	placed := 0
	for len(frontier) > 0 {
		sort.Strings(frontier)
		levels = append(levels, frontier)
		placed += len(frontier)

		var next []string
		for _, id := range frontier {
			for _, dep := range dependents[id] {
				indegree[dep]--
				if indegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		frontier = next
	}

	if placed != len(deps) {
		return nil, fmt.Errorf("dependency cycle among agents")
	}
	return levels, nil
}

// schedulerFacade narrows the concrete scheduler to the surface agents
// are allowed to use.
type schedulerFacade struct {
	s *scheduler.Scheduler
}

func (f schedulerFacade) ScheduleOnce(id string, fn agent.TaskFunc, delay time.Duration) error {
	return f.s.ScheduleOnce(id, scheduler.Func(fn), delay)
}

func (f schedulerFacade) ScheduleRecurring(id string, fn agent.TaskFunc, interval time.Duration) error {
	return f.s.ScheduleRecurring(id, scheduler.Func(fn), interval)
}

func (f schedulerFacade) Cancel(id string) error {
	return f.s.Cancel(id)
}
