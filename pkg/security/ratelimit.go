// Package security provides cooperative resource accounting for the
// substrate: per-sender message rate limiting and an advisory per-agent
// memory budget. Neither is a hard sandbox; misbehaving agents are
// throttled or reported, not killed.
package security

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// SendLimiter rate-limits message submission per sending agent on top of a
// global bucket shared by all senders.
type SendLimiter struct {
	globalLimiter  *rate.Limiter
	senderLimiters map[string]*rate.Limiter
	mu             sync.RWMutex

	messagesPerSecond float64
	burst             int
}

// NewSendLimiter creates a send limiter allowing messagesPerSecond sustained
// throughput with the given burst, applied both globally and per sender.
func NewSendLimiter(messagesPerSecond float64, burst int) *SendLimiter {
	return &SendLimiter{
		globalLimiter:     rate.NewLimiter(rate.Limit(messagesPerSecond), burst),
		senderLimiters:    make(map[string]*rate.Limiter),
		messagesPerSecond: messagesPerSecond,
		burst:             burst,
	}
}

// Allow reports whether sender may submit a message now.
func (sl *SendLimiter) Allow(sender string) bool {
	if !sl.globalLimiter.Allow() {
		return false
	}
	return sl.senderLimiter(sender).Allow()
}

// Wait blocks until sender may submit a message or ctx is done.
func (sl *SendLimiter) Wait(ctx context.Context, sender string) error {
	if err := sl.globalLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("global send limit: %w", err)
	}
	if err := sl.senderLimiter(sender).Wait(ctx); err != nil {
		return fmt.Errorf("sender %s limit: %w", sender, err)
	}
	return nil
}

// Forget drops the limiter state for a sender, typically after the agent
// unregisters.
func (sl *SendLimiter) Forget(sender string) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	delete(sl.senderLimiters, sender)
}

func (sl *SendLimiter) senderLimiter(sender string) *rate.Limiter {
	sl.mu.RLock()
	limiter, exists := sl.senderLimiters[sender]
	sl.mu.RUnlock()

	if exists {
		return limiter
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()

	// Double-check after acquiring write lock
	if limiter, exists := sl.senderLimiters[sender]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(rate.Limit(sl.messagesPerSecond), sl.burst)
	sl.senderLimiters[sender] = limiter
	return limiter
}
