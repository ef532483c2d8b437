package agents

import (
	"context"
	"encoding/json"

	"github.com/Aqilrmm/Synapta/agent"
)

// Echo is a message-driven agent: every direct message is sent back to
// its sender with type "echo" and the original correlation id, so callers
// can pair replies with requests.
type Echo struct {
	*Base
}

// NewEcho creates an echo agent.
func NewEcho(name string) *Echo {
	return &Echo{Base: NewBase(name)}
}

func (e *Echo) HandleMessage(ctx context.Context, sender string, msg *agent.Message) error {
	reply := agent.NewMessage("echo", json.RawMessage(msg.Payload))
	if msg.CorrelationID != "" {
		reply = reply.WithCorrelationID(msg.CorrelationID)
	}
	return e.Env().Bus.Send(ctx, e.Name(), sender, reply)
}
