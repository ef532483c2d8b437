// Package agents provides an embeddable base for custom agents plus a few
// ready-made ones for wiring demos and smoke tests.
package agents

import (
	"context"
	"sync"

	"github.com/Aqilrmm/Synapta/agent"
)

// Base provides no-op lifecycle hooks and Env bookkeeping. Embed it in an
// agent struct and override the hooks the agent actually needs.
type Base struct {
	name string

	mu  sync.RWMutex
	env *agent.Env
}

// NewBase creates a base agent with the given name.
func NewBase(name string) *Base {
	return &Base{name: name}
}

// Name returns the agent name.
func (b *Base) Name() string { return b.name }

// Initialize retains the Env for later use.
func (b *Base) Initialize(ctx context.Context, env *agent.Env) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.env = env
	return nil
}

// Env returns the capabilities handed over at initialization, or nil
// before Initialize ran.
func (b *Base) Env() *agent.Env {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.env
}

// Execute does nothing. Override for agents with scheduled work.
func (b *Base) Execute(ctx context.Context) error { return nil }

// HandleMessage drops the message. Override for message-driven agents.
func (b *Base) HandleMessage(ctx context.Context, sender string, msg *agent.Message) error {
	return nil
}

// Cleanup does nothing.
func (b *Base) Cleanup(ctx context.Context) error { return nil }
