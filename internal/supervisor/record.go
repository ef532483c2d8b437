package supervisor

import (
	"context"
	"errors"
	"time"

	"github.com/Aqilrmm/Synapta/agent"
)

// State is the lifecycle state of a managed agent.
type State int

const (
	Created State = iota
	Initializing
	Running
	Stopping
	Stopped
	Failed
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Initializing:
		return "initializing"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	// ErrUnknownAgent is returned for operations on an id that was never
	// registered with the supervisor.
	ErrUnknownAgent = errors.New("unknown agent")

	// ErrDuplicateAgent is returned when registering an id twice.
	ErrDuplicateAgent = errors.New("agent already registered")

	// ErrAgentInit wraps an agent's Initialize failure.
	ErrAgentInit = errors.New("agent initialization failed")

	// ErrRestartLimit is returned when an agent's Initialize keeps failing
	// after the configured number of attempts. The agent is left in Failed
	// and is not retried again.
	ErrRestartLimit = errors.New("restart limit exceeded")

	// ErrNotRunning is returned when stopping an agent that is not Running.
	ErrNotRunning = errors.New("agent is not running")
)

// FailureKind classifies a reported agent failure.
type FailureKind string

const (
	FailureInit    FailureKind = "init"
	FailureHandler FailureKind = "handler"
	FailureTask    FailureKind = "task"
	FailureCleanup FailureKind = "cleanup"
	FailureMemory  FailureKind = "memory"
)

// Failure is one reported agent fault. Faults are delivered on the
// supervisor's failure channel; they never crash the process and, except
// for the restart policy on init faults, never change the agent's state.
type Failure struct {
	AgentID string
	Kind    FailureKind
	Err     error
	Time    time.Time
}

// record tracks one managed agent. Owned by the supervisor; all access
// goes through the supervisor's mutex.
type record struct {
	def  agent.Def
	impl agent.Agent

	state        State
	restartCount int

	pumpCancel context.CancelFunc
	pumpDone   chan struct{}
}
