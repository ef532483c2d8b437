// Package synapta is an in-process coordination substrate for independently
// executing agents: a message bus for directed and broadcast delivery, a
// shared key/value context with expiry, a task scheduler with bounded
// concurrency, and a lifecycle manager applying restart policy. Agents
// implement the agent.Agent interface and talk to the substrate through
// the capabilities handed to them at initialization.
package synapta

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Aqilrmm/Synapta/agent"
	"github.com/Aqilrmm/Synapta/internal/observability"
	"github.com/Aqilrmm/Synapta/internal/supervisor"
	"github.com/Aqilrmm/Synapta/pkg/bus"
	"github.com/Aqilrmm/Synapta/pkg/scheduler"
	"github.com/Aqilrmm/Synapta/pkg/security"
	"github.com/Aqilrmm/Synapta/pkg/sharedctx"
)

// Framework wires the four substrate components together. Construct one
// per process with New, register agents, then Start.
type Framework struct {
	cfg    *Config
	logger *slog.Logger

	Bus        *bus.Bus
	Context    *sharedctx.Context
	Scheduler  *scheduler.Scheduler
	Supervisor *supervisor.Supervisor

	cancel context.CancelFunc
}

// FrameworkOption configures a Framework.
type FrameworkOption func(*Framework)

// WithLogger sets the logger shared by all components.
func WithLogger(l *slog.Logger) FrameworkOption {
	return func(f *Framework) { f.logger = l }
}

// New builds a Framework from the config. Components are constructed but
// nothing runs until Start.
func New(cfg *Config, opts ...FrameworkOption) (*Framework, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	} else {
		cfg.applyDefaults()
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	f := &Framework{cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(f)
	}

	busOpts := []bus.Option{
		bus.WithQueueCapacity(cfg.MessageBus.QueueCapacity),
		bus.WithMaxMessageSize(cfg.MessageBus.MaxMessageSize),
		bus.WithLogger(f.logger),
	}
	if cfg.Security.SendRateLimit > 0 {
		burst := int(cfg.Security.SendRateLimit)
		if burst < 1 {
			burst = 1
		}
		busOpts = append(busOpts, bus.WithSendLimiter(
			security.NewSendLimiter(cfg.Security.SendRateLimit, burst)))
	}
	f.Bus = bus.New(busOpts...)

	store, err := buildStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("context store: %w", err)
	}
	f.Context = sharedctx.New(
		sharedctx.WithStore(store),
		sharedctx.WithSweepInterval(time.Duration(cfg.Settings.SharedContextCleanupInterval)*time.Second),
		sharedctx.WithLogger(f.logger),
	)

	f.Scheduler = scheduler.New(
		scheduler.WithMaxConcurrentTasks(cfg.Scheduler.MaxConcurrentTasks),
		scheduler.WithTaskTimeout(time.Duration(cfg.Scheduler.TaskTimeout)*time.Second),
		scheduler.WithLogger(f.logger),
	)

	f.Supervisor = supervisor.New(f.Bus, f.Context, f.Scheduler, supervisor.Config{
		RestartOnFailure:   cfg.Agents.RestartOnFailure,
		MaxRestartAttempts: cfg.Agents.MaxRestartAttempts,
		PollTimeout:        time.Duration(cfg.MessageBus.MessageTimeout) * time.Second,
		MaxMemoryPerAgent:  cfg.Security.MaxMemoryPerAgent,
	}, supervisor.WithLogger(f.logger))

	return f, nil
}

func buildStore(cfg *Config) (sharedctx.Store, error) {
	switch cfg.Settings.ContextStore {
	case "redis":
		return sharedctx.NewRedisStore(sharedctx.RedisConfig{
			Addr:     cfg.Settings.Redis.Addr,
			Password: cfg.Settings.Redis.Password,
			DB:       cfg.Settings.Redis.DB,
		})
	default:
		return sharedctx.NewMemoryStore(), nil
	}
}

// Register adds an agent under def. The def's name defaults to the
// agent's Name.
func (f *Framework) Register(a agent.Agent, def agent.Def) error {
	return f.Supervisor.Register(a, def)
}

// Failures exposes the supervisor's fault stream.
func (f *Framework) Failures() <-chan supervisor.Failure {
	return f.Supervisor.Failures()
}

// Start launches the scheduler and context sweeper, then starts every
// registered agent in dependency order. A failed agent start stops the
// framework again and returns the error.
func (f *Framework) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel

	if err := f.Scheduler.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("start scheduler: %w", err)
	}
	f.Context.Start(runCtx)

	if err := f.Supervisor.StartAll(runCtx); err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer stopCancel()
		_ = f.Stop(stopCtx)
		return err
	}

	f.logger.Info("framework started", "agents", len(f.Supervisor.Agents()))
	return nil
}

// Stop stops agents in reverse order, then the scheduler, then the
// context. Safe to call after a partial Start.
func (f *Framework) Stop(ctx context.Context) error {
	var firstErr error

	if err := f.Supervisor.StopAll(ctx); err != nil {
		firstErr = err
	}
	// Cancel before Stop so in-flight callbacks observe cancellation
	// instead of running out their timeouts.
	if f.cancel != nil {
		f.cancel()
	}
	if err := f.Scheduler.Stop(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := f.Context.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	f.logger.Info("framework stopped")
	return firstErr
}

// Run loads the config file, starts a framework with the given agents,
// and blocks until SIGINT or SIGTERM. Agents are matched to definitions
// by name; an agent without a definition gets a bare one.
func Run(configPath string, agents ...agent.Agent) error {
	if err := observability.InitFromEnv(); err != nil {
		slog.Warn("tracing init failed", "error", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := observability.Shutdown(ctx); err != nil {
			slog.Warn("tracing shutdown failed", "error", err)
		}
	}()

	loader := NewConfigLoader(&OSFileReader{})
	cfg, err := loader.Load(configPath)
	if err != nil {
		return err
	}

	f, err := New(cfg)
	if err != nil {
		return err
	}

	defs := make(map[string]agent.Def, len(cfg.Agents.Definitions))
	for _, def := range cfg.Agents.Definitions {
		defs[def.Name] = def
	}
	for _, a := range agents {
		def, ok := defs[a.Name()]
		if !ok {
			def = agent.Def{Name: a.Name()}
		}
		if err := f.Register(a, def); err != nil {
			return err
		}
	}

	ctx := context.Background()
	if err := f.Start(ctx); err != nil {
		return err
	}

	// Drain the failure stream so faults land in the log even when the
	// embedding program does not consume them.
	go func() {
		for fail := range f.Failures() {
			slog.Warn("agent failure",
				"agent", fail.AgentID, "kind", fail.Kind, "error", fail.Err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	slog.Info("shutting down", "signal", s.String())

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return f.Stop(stopCtx)
}
