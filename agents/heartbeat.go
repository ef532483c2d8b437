package agents

import (
	"context"
	"fmt"
	"time"

	"github.com/Aqilrmm/Synapta/agent"
)

// HeartbeatTopic carries liveness announcements from Heartbeat agents.
const HeartbeatTopic = "heartbeat"

// Beat is the payload published on the heartbeat topic.
type Beat struct {
	Agent string    `json:"agent"`
	Beats int       `json:"beats"`
	At    time.Time `json:"at"`
}

// Heartbeat is a periodic agent: every Execute it publishes a beat on the
// heartbeat topic and bumps its counter in the shared context under
// "heartbeat:<name>".
type Heartbeat struct {
	*Base
}

// NewHeartbeat creates a heartbeat agent. Configure its cadence with the
// definition's execution_interval.
func NewHeartbeat(name string) *Heartbeat {
	return &Heartbeat{Base: NewBase(name)}
}

func (h *Heartbeat) Execute(ctx context.Context) error {
	env := h.Env()

	beats, err := env.Context.Update(ctx, h.contextKey(), func(v any) any {
		return asInt(v) + 1
	}, 0)
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", h.Name(), err)
	}

	msg := agent.NewMessage("heartbeat", Beat{
		Agent: h.Name(),
		Beats: asInt(beats),
		At:    time.Now().UTC(),
	})

	if err := env.Bus.Publish(ctx, h.Name(), HeartbeatTopic, msg); err != nil {
		return fmt.Errorf("heartbeat %s: %w", h.Name(), err)
	}
	return nil
}

func (h *Heartbeat) contextKey() string {
	return "heartbeat:" + h.Name()
}

// Beats reads the agent's beat counter from the shared context.
func (h *Heartbeat) Beats(ctx context.Context) (int, error) {
	v, err := h.Env().Context.Get(ctx, h.contextKey(), 0)
	if err != nil {
		return 0, err
	}
	return asInt(v), nil
}

// asInt tolerates the float64 the Redis backend's JSON roundtrip produces
// for numeric values.
func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 0
	}
}
