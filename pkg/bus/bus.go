// Package bus implements the in-process message bus: point-to-point sends,
// broadcasts, and topic-based publish/subscribe between named agents, backed
// by a bounded per-agent inbox.
//
// Agent ids and topics are disjoint namespaces: Send resolves only agent
// ids and Publish resolves only topics, even when the same string is used
// for both.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Aqilrmm/Synapta/agent"
	"github.com/Aqilrmm/Synapta/pkg/observability"
	"github.com/Aqilrmm/Synapta/pkg/security"
)

const (
	// DefaultQueueCapacity is the per-agent inbox capacity.
	DefaultQueueCapacity = 1000

	// DefaultMaxMessageSize is the maximum payload size in bytes.
	DefaultMaxMessageSize = 1 << 20
)

// Bus routes messages between registered agents.
// Messages delivered to the same inbox preserve send order per sender; no
// total order is guaranteed across senders.
//
// Bus is safe for concurrent use.
type Bus struct {
	mu      sync.RWMutex
	inboxes map[string]*Inbox
	topics  map[string]map[string]struct{}

	capacity       int
	maxMessageSize int
	limiter        *security.SendLimiter
	logger         *slog.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithQueueCapacity sets the per-agent inbox capacity.
func WithQueueCapacity(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.capacity = n
		}
	}
}

// WithMaxMessageSize sets the maximum payload size in bytes.
func WithMaxMessageSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.maxMessageSize = n
		}
	}
}

// WithSendLimiter applies per-sender rate limiting to Send, Broadcast, and
// Publish.
func WithSendLimiter(l *security.SendLimiter) Option {
	return func(b *Bus) { b.limiter = l }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) { b.logger = logger }
}

// New creates a message bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		inboxes:        make(map[string]*Inbox),
		topics:         make(map[string]map[string]struct{}),
		capacity:       DefaultQueueCapacity,
		maxMessageSize: DefaultMaxMessageSize,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Register creates a bounded inbox for agentID.
func (b *Bus) Register(agentID string) (*Inbox, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.inboxes[agentID]; exists {
		return nil, ErrDuplicateAgent
	}

	in := newInbox(agentID, b.capacity)
	b.inboxes[agentID] = in
	observability.SetRegisteredAgents(len(b.inboxes))
	b.logger.Debug("agent registered", "agent", agentID)
	return in, nil
}

// Unregister removes agentID's inbox and all of its topic subscriptions.
// It is idempotent. In-flight sends to the inbox either complete before the
// removal or observe ErrUnknownTarget.
func (b *Bus) Unregister(agentID string) {
	b.mu.Lock()
	in, exists := b.inboxes[agentID]
	if exists {
		delete(b.inboxes, agentID)
	}
	for topic, subs := range b.topics {
		delete(subs, agentID)
		if len(subs) == 0 {
			delete(b.topics, topic)
		}
	}
	observability.SetRegisteredAgents(len(b.inboxes))
	b.mu.Unlock()

	if exists {
		in.close()
		if b.limiter != nil {
			b.limiter.Forget(agentID)
		}
		b.logger.Debug("agent unregistered", "agent", agentID)
	}
}

// Registered reports whether agentID currently owns an inbox.
func (b *Bus) Registered(agentID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.inboxes[agentID]
	return ok
}

// Send enqueues msg onto target's inbox. It never blocks: a full inbox is
// reported as ErrQueueFull, an unknown target as ErrUnknownTarget, and an
// oversized payload as ErrMessageTooLarge.
func (b *Bus) Send(ctx context.Context, sender, target string, msg *agent.Message) error {
	if err := b.admit(sender, msg); err != nil {
		return err
	}

	b.mu.RLock()
	in, ok := b.inboxes[target]
	b.mu.RUnlock()

	if !ok {
		observability.RecordBusMessage(target, "unknown_target")
		return ErrUnknownTarget
	}

	stamped := msg.Clone()
	stamped.Sender = sender
	stamped.Target = target

	if err := in.put(stamped); err != nil {
		observability.RecordBusMessage(target, statusOf(err))
		return err
	}
	observability.RecordBusMessage(target, "delivered")
	return nil
}

// Broadcast enqueues msg onto every registered inbox except the sender's.
// Failed targets are reported in an aggregate *DeliveryError; delivery to
// the remaining targets still succeeds.
func (b *Bus) Broadcast(ctx context.Context, sender string, msg *agent.Message) error {
	if err := b.admit(sender, msg); err != nil {
		return err
	}

	b.mu.RLock()
	targets := make([]*Inbox, 0, len(b.inboxes))
	for id, in := range b.inboxes {
		if id != sender {
			targets = append(targets, in)
		}
	}
	b.mu.RUnlock()

	return b.fanOut(sender, "", targets, msg)
}

// Subscribe adds agentID to topic's subscriber set. Subscribing twice is a
// no-op. The agent must be registered.
func (b *Bus) Subscribe(agentID, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.inboxes[agentID]; !ok {
		return ErrUnknownTarget
	}
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[string]struct{})
		b.topics[topic] = subs
	}
	subs[agentID] = struct{}{}
	return nil
}

// Unsubscribe removes agentID from topic's subscriber set. It is idempotent.
func (b *Bus) Unsubscribe(agentID, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subs, ok := b.topics[topic]; ok {
		delete(subs, agentID)
		if len(subs) == 0 {
			delete(b.topics, topic)
		}
	}
	return nil
}

// Subscribers returns the current subscriber ids for topic.
func (b *Bus) Subscribers(topic string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subs := make([]string, 0, len(b.topics[topic]))
	for id := range b.topics[topic] {
		subs = append(subs, id)
	}
	return subs
}

// Publish delivers msg to every current subscriber of topic with the same
// partial-failure semantics as Broadcast. Publishing to a topic with no
// subscribers is a no-op success.
func (b *Bus) Publish(ctx context.Context, sender, topic string, msg *agent.Message) error {
	if err := b.admit(sender, msg); err != nil {
		return err
	}

	b.mu.RLock()
	targets := make([]*Inbox, 0, len(b.topics[topic]))
	// A publishing subscriber receives its own message; only Broadcast
	// excludes the sender.
	for id := range b.topics[topic] {
		if in, ok := b.inboxes[id]; ok {
			targets = append(targets, in)
		}
	}
	b.mu.RUnlock()

	return b.fanOut(sender, topic, targets, msg)
}

// Receive returns the next message queued for agentID. It returns
// immediately when a message is queued, otherwise it suspends until one
// arrives or timeout elapses, failing with ErrReceiveTimeout.
//
// Receive is the only bus operation that may suspend the caller.
func (b *Bus) Receive(ctx context.Context, agentID string, timeout time.Duration) (*agent.Message, error) {
	b.mu.RLock()
	in, ok := b.inboxes[agentID]
	b.mu.RUnlock()

	if !ok {
		return nil, ErrUnknownTarget
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg, ok := <-in.ch:
		if !ok {
			// Inbox closed by a concurrent unregister.
			return nil, ErrUnknownTarget
		}
		return msg, nil
	case <-timer.C:
		return nil, ErrReceiveTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *Bus) admit(sender string, msg *agent.Message) error {
	if msg.Size() > b.maxMessageSize {
		observability.RecordBusMessage(sender, "too_large")
		return ErrMessageTooLarge
	}
	if b.limiter != nil && !b.limiter.Allow(sender) {
		observability.RecordBusMessage(sender, "rate_limited")
		return ErrRateLimited
	}
	return nil
}

func (b *Bus) fanOut(sender, topic string, targets []*Inbox, msg *agent.Message) error {
	failed := make(map[string]error)
	for _, in := range targets {
		stamped := msg.Clone()
		stamped.Sender = sender
		if topic != "" {
			stamped.Target = topic
		} else {
			stamped.Target = in.Owner()
		}

		if err := in.put(stamped); err != nil {
			failed[in.Owner()] = err
			observability.RecordBusMessage(in.Owner(), statusOf(err))
			continue
		}
		observability.RecordBusMessage(in.Owner(), "delivered")
	}

	if len(failed) > 0 {
		b.logger.Warn("partial delivery failure",
			"sender", sender, "topic", topic, "failed", len(failed), "total", len(targets))
		return &DeliveryError{Failed: failed}
	}
	return nil
}

func statusOf(err error) string {
	switch err {
	case ErrQueueFull:
		return "queue_full"
	case ErrUnknownTarget:
		return "unknown_target"
	case ErrMessageTooLarge:
		return "too_large"
	default:
		return "error"
	}
}
