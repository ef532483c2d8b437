package bus

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrDuplicateAgent is returned by Register when the agent id already
	// owns an inbox.
	ErrDuplicateAgent = errors.New("agent already registered")

	// ErrUnknownTarget is returned when the target agent id is not
	// registered, including sends that race with an unregister.
	ErrUnknownTarget = errors.New("target agent not registered")

	// ErrQueueFull is returned when the target inbox is at capacity.
	// The message is never silently dropped.
	ErrQueueFull = errors.New("inbox queue full")

	// ErrMessageTooLarge is returned when the payload exceeds the
	// configured maximum message size.
	ErrMessageTooLarge = errors.New("message exceeds maximum size")

	// ErrReceiveTimeout is returned by Receive when no message arrives
	// within the timeout.
	ErrReceiveTimeout = errors.New("receive timed out")

	// ErrRateLimited is returned when a configured send limiter rejects
	// the sender.
	ErrRateLimited = errors.New("sender rate limited")
)

// DeliveryError reports partial failure of a broadcast or publish: delivery
// to the listed targets failed while the remaining targets received the
// message.
type DeliveryError struct {
	// Failed maps each failed target agent id to its delivery error.
	Failed map[string]error
}

func (e *DeliveryError) Error() string {
	targets := make([]string, 0, len(e.Failed))
	for target := range e.Failed {
		targets = append(targets, target)
	}
	sort.Strings(targets)

	var b strings.Builder
	fmt.Fprintf(&b, "delivery failed for %d target(s): ", len(targets))
	for i, target := range targets {
		if i > 0 {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "%s: %v", target, e.Failed[target])
	}
	return b.String()
}

// Is allows errors.Is(err, ErrQueueFull) style checks against any of the
// per-target failures.
func (e *DeliveryError) Is(target error) bool {
	for _, err := range e.Failed {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
