// ABOUTME: Conversation ledger types and the Store interface
// ABOUTME: Conversations carry loop-protection counters; messages form the transcript

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a conversation or message does not exist.
var ErrNotFound = errors.New("not found")

// Status is the lifecycle state of a conversation.
type Status string

const (
	StatusActive              Status = "active"
	StatusTerminatedNormal    Status = "terminated_normal"
	StatusTerminatedLoopLimit Status = "terminated_loop_limit"
)

// Terminated reports whether the conversation accepts no further messages.
func (s Status) Terminated() bool {
	return s == StatusTerminatedNormal || s == StatusTerminatedLoopLimit
}

// Conversation is one tracked exchange rooted at an inbound envelope.
// Pending counts agent responses still owed before the exchange can be
// aggregated and delivered. Depth counts agent-to-agent expansion hops.
type Conversation struct {
	ID               string
	Channel          string
	Sender           string
	OriginEnvelopeID string
	OriginBody       string
	Status           Status
	MessageCount     int
	Pending          int
	Depth            int
	CreatedAt        time.Time
	LastActivityAt   time.Time
}

// MessageKind classifies a transcript row.
type MessageKind string

const (
	KindMessage    MessageKind = "message"
	KindResponse   MessageKind = "response"
	KindToolCall   MessageKind = "tool_call"
	KindToolResult MessageKind = "tool_result"
	KindNotice     MessageKind = "notice"
)

// Message is one transcript row. AgentID is the agent addressed (for
// inbound rows) or the agent speaking (for responses); Author is the
// original sender identity shown in history.
type Message struct {
	ID             string
	ConversationID string
	Author         string
	AgentID        string
	Content        string
	Kind           MessageKind
	IsError        bool
	CreatedAt      time.Time
}

// Store persists conversations and their transcripts.
type Store interface {
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	SaveConversation(ctx context.Context, conv *Conversation) error

	AppendMessage(ctx context.Context, msg *Message) error
	// RecentMessages returns the last limit messages in chronological order.
	// limit <= 0 returns the full transcript.
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)
	// Responders returns the distinct agent ids that produced a response row.
	Responders(ctx context.Context, conversationID string) ([]string, error)
	// Recipients returns the distinct agent ids addressed by inbound rows.
	Recipients(ctx context.Context, conversationID string) ([]string, error)
	// ListStalled returns active conversations with pending responses whose
	// last activity predates cutoff.
	ListStalled(ctx context.Context, cutoff time.Time) ([]*Conversation, error)
	// TerminateActive marks every active conversation terminated_normal and
	// returns how many were closed.
	TerminateActive(ctx context.Context) (int, error)

	Close() error
}
