package agent

import (
	"context"
	"time"
)

// Agent is the interface that all agents must implement.
// External packages implement this interface for custom agents; the
// lifecycle manager drives the initialize → execute → cleanup transitions
// and delivers inbound messages through HandleMessage.
type Agent interface {
	// Name returns the unique identifier for this agent instance.
	// Agent names must be unique within a Framework.
	Name() string

	// Initialize prepares the agent's resources. It is called exactly once
	// per start attempt, before the agent is registered with the bus.
	// The Env gives the agent access to the bus, shared context, and
	// scheduler; implementations should retain it for later use.
	Initialize(ctx context.Context, env *Env) error

	// Execute performs the agent's main unit of work. Depending on the
	// agent's Def it is invoked once or recurrently via the scheduler.
	Execute(ctx context.Context) error

	// HandleMessage processes a message delivered to this agent's inbox.
	// Errors are reported to the lifecycle manager's failure channel but do
	// not unregister the agent.
	HandleMessage(ctx context.Context, sender string, msg *Message) error

	// Cleanup releases the agent's resources during stop. Cleanup failures
	// are logged but do not block the transition to Stopped.
	Cleanup(ctx context.Context) error
}

// Def configures a single agent instance.
type Def struct {
	// Name is the agent id the instance registers under.
	Name string `yaml:"name"`

	// Topics the agent is subscribed to after a successful initialize.
	Topics []string `yaml:"topics,omitempty"`

	// ExecutionInterval is the period in seconds between Execute runs for
	// periodic agents. Ignored when RunOnce is set.
	ExecutionInterval int `yaml:"execution_interval,omitempty"`

	// RunOnce marks a task-agent whose Execute is invoked a single time
	// after start instead of recurrently.
	RunOnce bool `yaml:"run_once,omitempty"`

	// DependsOn lists agent names that must be running before this agent
	// is started.
	DependsOn []string `yaml:"depends_on,omitempty"`
}

// Interval returns the execution interval as a duration.
func (d Def) Interval() time.Duration {
	return time.Duration(d.ExecutionInterval) * time.Second
}

// Messenger is the bus surface exposed to agents.
type Messenger interface {
	// Send enqueues a message onto target's inbox. It never blocks; a full
	// inbox is reported as an error.
	Send(ctx context.Context, sender, target string, msg *Message) error

	// Broadcast enqueues onto every registered inbox except the sender's.
	// Partial failure is reported as an aggregate error; delivery to the
	// remaining targets still succeeds.
	Broadcast(ctx context.Context, sender string, msg *Message) error

	// Publish delivers to every current subscriber of topic. Publishing to
	// a topic with no subscribers is a no-op success.
	Publish(ctx context.Context, sender, topic string, msg *Message) error

	// Subscribe and Unsubscribe are idempotent set membership changes.
	Subscribe(agentID, topic string) error
	Unsubscribe(agentID, topic string) error

	// Receive returns the next message queued for agentID, suspending the
	// caller until one arrives or timeout elapses.
	Receive(ctx context.Context, agentID string, timeout time.Duration) (*Message, error)
}

// Store is the shared-context surface exposed to agents.
type Store interface {
	// Set inserts or overwrites key. A positive ttl bounds the entry's
	// lifetime; zero means no expiry.
	Set(ctx context.Context, key string, value any, ttl time.Duration) error

	// Get returns the live value for key, or def if the key is absent or
	// expired.
	Get(ctx context.Context, key string, def any) (any, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Update atomically applies fn to the current value (or def when the
	// key is absent or expired), stores the result, and returns it.
	// Updates to the same key are serialized; different keys proceed
	// independently.
	Update(ctx context.Context, key string, fn func(any) any, def any) (any, error)
}

// TaskFunc is a scheduler callback. The callback must observe ctx for
// cooperative cancellation and timeout.
type TaskFunc func(ctx context.Context) error

// Scheduler is the scheduling surface exposed to agents.
type Scheduler interface {
	// ScheduleOnce runs fn a single time after delay.
	ScheduleOnce(id string, fn TaskFunc, delay time.Duration) error

	// ScheduleRecurring runs fn every interval, first at now + interval.
	ScheduleRecurring(id string, fn TaskFunc, interval time.Duration) error

	// Cancel cancels a scheduled or running task.
	Cancel(id string) error
}

// Env bundles the substrate capabilities handed to an agent at
// initialization. Agents keep the Env and use it for the rest of their
// lifetime; they must not share it with other agents.
type Env struct {
	Bus       Messenger
	Context   Store
	Scheduler Scheduler
}
