package agent

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message is the standard message format for agent communication.
// A message is immutable once constructed; the bus stamps Sender and Target
// on delivery but never mutates the payload.
type Message struct {
	// ID is a unique identifier for this message, automatically generated.
	ID string `json:"id"`

	// Sender is the agent id the message originated from. Filled in by the
	// bus on Send/Broadcast/Publish.
	Sender string `json:"sender"`

	// Target is the agent id or topic the message was addressed to.
	Target string `json:"target"`

	// Type identifies the message type (e.g., "scan_request", "scan_result").
	// Agents use the type to route and process messages.
	Type string `json:"type"`

	// Payload contains the message data as a JSON string.
	// Use UnmarshalPayload to deserialize into a specific type.
	Payload string `json:"payload"`

	// Timestamp is the instant the message was created.
	Timestamp time.Time `json:"timestamp"`

	// CorrelationID optionally links this message to a request it answers.
	CorrelationID string `json:"correlation_id,omitempty"`
}

// NewMessage creates a new message with the given type and payload.
// The payload is serialized to JSON; a unique ID and timestamp are
// generated automatically.
func NewMessage(msgType string, payload any) *Message {
	payloadJSON, _ := json.Marshal(payload)
	return &Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		Payload:   string(payloadJSON),
		Timestamp: time.Now(),
	}
}

// WithCorrelationID sets the correlation id and returns the message for
// chaining:
//
//	msg := agent.NewMessage("reply", data).WithCorrelationID(req.ID)
func (m *Message) WithCorrelationID(id string) *Message {
	m.CorrelationID = id
	return m
}

// Size returns the payload size in bytes. The bus compares it against the
// configured maximum message size.
func (m *Message) Size() int {
	return len(m.Payload)
}

// UnmarshalPayload deserializes the message payload into the provided value.
// The value should be a pointer to the desired type.
//
//	var req ScanRequest
//	if err := msg.UnmarshalPayload(&req); err != nil {
//	    return err
//	}
func (m *Message) UnmarshalPayload(v any) error {
	if m.Payload == "" {
		return fmt.Errorf("message payload is empty")
	}
	return json.Unmarshal([]byte(m.Payload), v)
}

// Clone creates a copy of the message. The bus clones before fan-out so
// that each inbox observes an independent Sender/Target stamp.
func (m *Message) Clone() *Message {
	clone := *m
	return &clone
}

// String returns a human-readable representation for debugging.
func (m *Message) String() string {
	return fmt.Sprintf("Message{ID:%s, Type:%s, Sender:%s, Target:%s}", m.ID, m.Type, m.Sender, m.Target)
}
