// Package agent provides the public interfaces for building agents on top of
// the Synapta coordination substrate.
//
// This package exports the core Agent and Message types plus the capability
// interfaces (Messenger, Store, Scheduler) that the substrate injects into
// every agent at initialization time.
//
// # Basic Usage
//
// To create a custom agent, implement the Agent interface:
//
//	type MyAgent struct {
//	    env *agent.Env
//	}
//
//	func (a *MyAgent) Name() string { return "my-agent" }
//
//	func (a *MyAgent) Initialize(ctx context.Context, env *agent.Env) error {
//	    a.env = env
//	    return env.Bus.Subscribe(a.Name(), "findings")
//	}
//
//	func (a *MyAgent) Execute(ctx context.Context) error {
//	    // Periodic or one-shot work goes here.
//	    return a.env.Bus.Publish(ctx, a.Name(), "findings", agent.NewMessage("scan_result", result))
//	}
//
//	func (a *MyAgent) HandleMessage(ctx context.Context, sender string, msg *agent.Message) error {
//	    // React to messages from other agents.
//	    return nil
//	}
//
//	func (a *MyAgent) Cleanup(ctx context.Context) error { return nil }
//
// Agents never construct the bus, context, or scheduler themselves; the
// lifecycle manager owns those and hands each agent a wired Env.
//
// # Message Format
//
// Messages are the standard unit of communication between agents:
//
//	msg := agent.NewMessage("analysis_request", payload).
//	    WithCorrelationID(requestID)
package agent
