// ABOUTME: Envelope type and wire format for messages moving through the queue
// ABOUTME: Defines the state enum, JSON contract, and sortable id generation

package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// State is the queue location of an envelope. Transitions only move forward
// (incoming → processing → outgoing/dead-letter) except for crash-recovery
// reclaim, which moves processing back to incoming.
type State string

const (
	StateIncoming   State = "incoming"
	StateProcessing State = "processing"
	StateOutgoing   State = "outgoing"
	StateDeadLetter State = "dead-letter"
)

// Envelope is one message unit. The JSON field names are a wire contract
// shared with channel adapters and must not change.
type Envelope struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Channel        string    `json:"channel"`
	Sender         string    `json:"sender"`
	Targets        []string  `json:"targets"`
	Body           string    `json:"body"`
	CreatedAt      time.Time `json:"created_at"`
	AttemptCount   int       `json:"attempt_count"`
	State          State     `json:"state"`

	// Result carries the agent response once the envelope completes.
	// Body is never rewritten; adapters deliver Result when present.
	Result string `json:"result,omitempty"`
	// Error carries the failure payload for dead-lettered envelopes.
	Error string `json:"error,omitempty"`
	// AggregateOf links a completed sub-invocation to the envelope whose
	// mention expansion created it. Outgoing envelopes with this field set
	// are bookkeeping records, not deliverable responses.
	AggregateOf string `json:"aggregate_of,omitempty"`
	// FromAgent identifies the agent whose directed mention produced this
	// envelope, empty for messages that arrived from a channel.
	FromAgent string `json:"from_agent,omitempty"`
}

// NewID returns a globally unique envelope id that sorts lexically in
// creation order: zero-padded unix milliseconds plus a uuid fragment.
func NewID(t time.Time) string {
	return fmt.Sprintf("%013d_%s", t.UnixMilli(), uuid.New().String()[:8])
}

// Target returns the single target agent of a routed envelope, or "" when
// the envelope has no or multiple targets.
func (e *Envelope) Target() string {
	if len(e.Targets) != 1 {
		return ""
	}
	return e.Targets[0]
}

// Marshal renders the envelope as indented JSON for the queue file.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.MarshalIndent(e, "", "  ")
}

// Unmarshal parses a queue file back into an envelope.
func Unmarshal(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	if e.ID == "" {
		return nil, fmt.Errorf("envelope missing id")
	}
	return &e, nil
}
