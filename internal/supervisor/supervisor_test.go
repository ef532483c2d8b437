package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aqilrmm/Synapta/agent"
	"github.com/Aqilrmm/Synapta/pkg/bus"
	"github.com/Aqilrmm/Synapta/pkg/scheduler"
	"github.com/Aqilrmm/Synapta/pkg/sharedctx"
)

// stubAgent counts lifecycle calls and lets tests fail selected hooks.
type stubAgent struct {
	name string

	initCalls    atomic.Int32
	execCalls    atomic.Int32
	handleCalls  atomic.Int32
	cleanupCalls atomic.Int32

	failInitTimes int32 // first N Initialize calls fail
	execErr       error
	handleErr     error
	cleanupErr    error

	handled chan *agent.Message
}

func newStubAgent(name string) *stubAgent {
	return &stubAgent{name: name, handled: make(chan *agent.Message, 16)}
}

func (a *stubAgent) Name() string { return a.name }

func (a *stubAgent) Initialize(ctx context.Context, env *agent.Env) error {
	n := a.initCalls.Add(1)
	if n <= a.failInitTimes {
		return errors.New("init refused")
	}
	return nil
}

func (a *stubAgent) Execute(ctx context.Context) error {
	a.execCalls.Add(1)
	return a.execErr
}

func (a *stubAgent) HandleMessage(ctx context.Context, sender string, msg *agent.Message) error {
	a.handleCalls.Add(1)
	select {
	case a.handled <- msg:
	default:
	}
	return a.handleErr
}

func (a *stubAgent) Cleanup(ctx context.Context) error {
	a.cleanupCalls.Add(1)
	return a.cleanupErr
}

type harness struct {
	bus   *bus.Bus
	sup   *Supervisor
	sched *scheduler.Scheduler
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	b := bus.New()
	store := sharedctx.New(sharedctx.WithStore(sharedctx.NewMemoryStore()))
	sched := scheduler.New(scheduler.WithTickInterval(5 * time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, sched.Start(ctx))
	t.Cleanup(func() {
		cancel()
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		_ = sched.Stop(stopCtx)
	})

	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = 20 * time.Millisecond
	}
	if cfg.RestartBackoff == 0 {
		cfg.RestartBackoff = time.Millisecond
	}

	return &harness{bus: b, sup: New(b, store, sched, cfg), sched: sched}
}

func TestRegisterDuplicate(t *testing.T) {
	h := newHarness(t, Config{})

	a := newStubAgent("alpha")
	require.NoError(t, h.sup.Register(a, agent.Def{Name: "alpha"}))
	assert.ErrorIs(t, h.sup.Register(a, agent.Def{Name: "alpha"}), ErrDuplicateAgent)
}

func TestStartHappyPath(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	a := newStubAgent("alpha")
	require.NoError(t, h.sup.Register(a, agent.Def{Name: "alpha", Topics: []string{"news"}}))
	require.NoError(t, h.sup.Start(ctx, "alpha"))

	st, err := h.sup.State("alpha")
	require.NoError(t, err)
	assert.Equal(t, Running, st)
	assert.True(t, h.bus.Registered("alpha"))
	assert.Contains(t, h.bus.Subscribers("news"), "alpha")
	assert.Equal(t, int32(1), a.initCalls.Load())
}

func TestStartUnknownAgent(t *testing.T) {
	h := newHarness(t, Config{})
	assert.ErrorIs(t, h.sup.Start(context.Background(), "ghost"), ErrUnknownAgent)
}

func TestInitFailureNoRestart(t *testing.T) {
	h := newHarness(t, Config{RestartOnFailure: false})

	a := newStubAgent("alpha")
	a.failInitTimes = 100
	require.NoError(t, h.sup.Register(a, agent.Def{Name: "alpha"}))

	err := h.sup.Start(context.Background(), "alpha")
	assert.ErrorIs(t, err, ErrAgentInit)
	assert.Equal(t, int32(1), a.initCalls.Load())

	st, _ := h.sup.State("alpha")
	assert.Equal(t, Failed, st)
	assert.False(t, h.bus.Registered("alpha"))
}

func TestInitFailureRestartLimit(t *testing.T) {
	h := newHarness(t, Config{RestartOnFailure: true, MaxRestartAttempts: 3})

	a := newStubAgent("alpha")
	a.failInitTimes = 100
	require.NoError(t, h.sup.Register(a, agent.Def{Name: "alpha"}))

	err := h.sup.Start(context.Background(), "alpha")
	assert.ErrorIs(t, err, ErrRestartLimit)

	// Exactly three attempts, never a fourth.
	assert.Equal(t, int32(3), a.initCalls.Load())

	st, _ := h.sup.State("alpha")
	assert.Equal(t, Failed, st)

	n, err := h.sup.RestartCount("alpha")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Every failed attempt was reported.
	failures := drainFailures(h.sup, 3)
	for _, f := range failures {
		assert.Equal(t, FailureInit, f.Kind)
		assert.Equal(t, "alpha", f.AgentID)
	}
}

func TestInitRecoversWithinAttempts(t *testing.T) {
	h := newHarness(t, Config{RestartOnFailure: true, MaxRestartAttempts: 3})

	a := newStubAgent("alpha")
	a.failInitTimes = 2
	require.NoError(t, h.sup.Register(a, agent.Def{Name: "alpha"}))

	require.NoError(t, h.sup.Start(context.Background(), "alpha"))
	assert.Equal(t, int32(3), a.initCalls.Load())

	st, _ := h.sup.State("alpha")
	assert.Equal(t, Running, st)
}

func TestPumpDeliversMessages(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	a := newStubAgent("alpha")
	require.NoError(t, h.sup.Register(a, agent.Def{Name: "alpha"}))
	require.NoError(t, h.sup.Start(ctx, "alpha"))

	_, err := h.bus.Register("sender")
	require.NoError(t, err)

	msg := agent.NewMessage("ping", `{"n":1}`)
	require.NoError(t, h.bus.Send(ctx, "sender", "alpha", msg))

	select {
	case got := <-a.handled:
		assert.Equal(t, "sender", got.Sender)
		assert.Equal(t, "ping", got.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("message never reached the handler")
	}
}

func TestHandlerErrorReportedNotFatal(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	a := newStubAgent("alpha")
	a.handleErr = errors.New("handler refused")
	require.NoError(t, h.sup.Register(a, agent.Def{Name: "alpha"}))
	require.NoError(t, h.sup.Start(ctx, "alpha"))

	_, err := h.bus.Register("sender")
	require.NoError(t, err)
	require.NoError(t, h.bus.Send(ctx, "sender", "alpha", agent.NewMessage("ping", "{}")))

	select {
	case f := <-h.sup.Failures():
		assert.Equal(t, FailureHandler, f.Kind)
		assert.Equal(t, "alpha", f.AgentID)
	case <-time.After(2 * time.Second):
		t.Fatal("handler failure never reported")
	}

	// The agent stays registered and Running.
	st, _ := h.sup.State("alpha")
	assert.Equal(t, Running, st)
	assert.True(t, h.bus.Registered("alpha"))
}

func TestRunOnceExecutesOnce(t *testing.T) {
	h := newHarness(t, Config{})

	a := newStubAgent("worker")
	require.NoError(t, h.sup.Register(a, agent.Def{Name: "worker", RunOnce: true}))
	require.NoError(t, h.sup.Start(context.Background(), "worker"))

	assert.Eventually(t, func() bool {
		return a.execCalls.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Stays at one run.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), a.execCalls.Load())
}

func TestPeriodicExecuteRecurs(t *testing.T) {
	h := newHarness(t, Config{})

	a := newStubAgent("ticker")
	def := agent.Def{Name: "ticker", ExecutionInterval: 1}
	require.NoError(t, h.sup.Register(a, def))

	// Re-point the schedule at a short interval by scheduling directly:
	// the supervisor derives the interval from the def, so use a def
	// interval of 1s and verify at least the first run lands.
	require.NoError(t, h.sup.Start(context.Background(), "ticker"))

	assert.Eventually(t, func() bool {
		return a.execCalls.Load() >= 1
	}, 3*time.Second, 20*time.Millisecond)

	info, ok := h.sched.Task(taskID("ticker"))
	require.True(t, ok)
	assert.Equal(t, scheduler.Recurring, info.Kind)
}

func TestExecuteErrorReported(t *testing.T) {
	h := newHarness(t, Config{})

	a := newStubAgent("worker")
	a.execErr = errors.New("work refused")
	require.NoError(t, h.sup.Register(a, agent.Def{Name: "worker", RunOnce: true}))
	require.NoError(t, h.sup.Start(context.Background(), "worker"))

	select {
	case f := <-h.sup.Failures():
		assert.Equal(t, FailureTask, f.Kind)
		assert.Equal(t, "worker", f.AgentID)
	case <-time.After(2 * time.Second):
		t.Fatal("execute failure never reported")
	}
}

func TestStopLifecycle(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	a := newStubAgent("alpha")
	require.NoError(t, h.sup.Register(a, agent.Def{Name: "alpha", ExecutionInterval: 3600}))
	require.NoError(t, h.sup.Start(ctx, "alpha"))

	require.NoError(t, h.sup.Stop(ctx, "alpha"))

	st, _ := h.sup.State("alpha")
	assert.Equal(t, Stopped, st)
	assert.Equal(t, int32(1), a.cleanupCalls.Load())
	assert.False(t, h.bus.Registered("alpha"))

	// Sends after stop observe an unknown target.
	_, err := h.bus.Register("sender")
	require.NoError(t, err)
	err = h.bus.Send(ctx, "sender", "alpha", agent.NewMessage("ping", "{}"))
	assert.ErrorIs(t, err, bus.ErrUnknownTarget)

	// The execute task is gone.
	info, ok := h.sched.Task(taskID("alpha"))
	if ok {
		assert.Equal(t, scheduler.Cancelled, info.State)
	}
}

func TestStopCleanupFailureStillStops(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	a := newStubAgent("alpha")
	a.cleanupErr = errors.New("cleanup refused")
	require.NoError(t, h.sup.Register(a, agent.Def{Name: "alpha"}))
	require.NoError(t, h.sup.Start(ctx, "alpha"))

	require.NoError(t, h.sup.Stop(ctx, "alpha"))

	st, _ := h.sup.State("alpha")
	assert.Equal(t, Stopped, st)

	f := <-h.sup.Failures()
	assert.Equal(t, FailureCleanup, f.Kind)
}

func TestStopNotRunning(t *testing.T) {
	h := newHarness(t, Config{})

	a := newStubAgent("alpha")
	require.NoError(t, h.sup.Register(a, agent.Def{Name: "alpha"}))
	assert.ErrorIs(t, h.sup.Stop(context.Background(), "alpha"), ErrNotRunning)
}

func TestStartAllRespectsDependencies(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	var mu sync.Mutex
	var order []string
	track := func(name string) *trackingAgent {
		return &trackingAgent{stubAgent: newStubAgent(name), onInit: func() {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}}
	}

	require.NoError(t, h.sup.Register(track("db"), agent.Def{Name: "db"}))
	require.NoError(t, h.sup.Register(track("api"), agent.Def{Name: "api", DependsOn: []string{"db"}}))
	require.NoError(t, h.sup.Register(track("web"), agent.Def{Name: "web", DependsOn: []string{"api"}}))

	require.NoError(t, h.sup.StartAll(ctx))
	assert.Equal(t, []string{"db", "api", "web"}, order)

	require.NoError(t, h.sup.StopAll(ctx))
	for _, id := range h.sup.Agents() {
		st, _ := h.sup.State(id)
		assert.Equal(t, Stopped, st, id)
	}
}

func TestStartAllUnknownDependency(t *testing.T) {
	h := newHarness(t, Config{})

	require.NoError(t, h.sup.Register(newStubAgent("api"), agent.Def{Name: "api", DependsOn: []string{"db"}}))
	err := h.sup.StartAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown agent")
}

func TestStartLevelsCycle(t *testing.T) {
	_, err := startLevels(map[string][]string{
		"a": {"b"},
		"b": {"a"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestTaskIDRoundTrip(t *testing.T) {
	id, ok := agentForTask(taskID("alpha"))
	require.True(t, ok)
	assert.Equal(t, "alpha", id)

	_, ok = agentForTask("unrelated-task")
	assert.False(t, ok)
}

type trackingAgent struct {
	*stubAgent
	onInit func()
}

func (a *trackingAgent) Initialize(ctx context.Context, env *agent.Env) error {
	a.onInit()
	return a.stubAgent.Initialize(ctx, env)
}

func drainFailures(s *Supervisor, n int) []Failure {
	out := make([]Failure, 0, n)
	for i := 0; i < n; i++ {
		select {
		case f := <-s.Failures():
			out = append(out, f)
		case <-time.After(time.Second):
			return out
		}
	}
	return out
}
