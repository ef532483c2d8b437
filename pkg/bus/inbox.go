package bus

import (
	"sync"

	"github.com/Aqilrmm/Synapta/agent"
)

// Inbox is a bounded FIFO queue of messages owned exclusively by one agent.
// Any sender may enqueue; only the owning agent receives. This is the single
// multi-writer/single-reader structure in the substrate.
//
// The closed flag is guarded by an RWMutex so that an in-flight put either
// completes before close or observes ErrUnknownTarget; senders can never hit
// a closed channel.
type Inbox struct {
	owner string

	mu     sync.RWMutex
	ch     chan *agent.Message
	closed bool
}

func newInbox(owner string, capacity int) *Inbox {
	return &Inbox{
		owner: owner,
		ch:    make(chan *agent.Message, capacity),
	}
}

// Owner returns the agent id this inbox belongs to.
func (in *Inbox) Owner() string { return in.owner }

// Len returns the number of queued messages.
func (in *Inbox) Len() int { return len(in.ch) }

// Cap returns the inbox capacity.
func (in *Inbox) Cap() int { return cap(in.ch) }

func (in *Inbox) put(msg *agent.Message) error {
	in.mu.RLock()
	defer in.mu.RUnlock()

	if in.closed {
		return ErrUnknownTarget
	}
	select {
	case in.ch <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// close marks the inbox closed and closes the channel. Queued messages
// remain readable until drained; subsequent puts fail with ErrUnknownTarget.
func (in *Inbox) close() {
	in.mu.Lock()
	defer in.mu.Unlock()

	if !in.closed {
		in.closed = true
		close(in.ch)
	}
}
