// ABOUTME: Conversation lifecycle tracking with loop protection counters
// ABOUTME: Enforces the message ceiling, expansion depth, and pending-response accounting

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/agency-relay/internal/store"
)

// ErrLoopLimit is returned when recording a message would exceed the
// conversation's message ceiling. The conversation is terminated as a
// side effect so later messages fail fast.
var ErrLoopLimit = errors.New("conversation message limit exceeded")

// ErrDepthLimit is returned when an agent-to-agent expansion would exceed
// the maximum expansion depth.
var ErrDepthLimit = errors.New("conversation expansion depth exceeded")

// ErrTerminated is returned when a message arrives for a conversation that
// already reached a terminal status.
var ErrTerminated = errors.New("conversation is terminated")

// Options tune the tracker. Zero values fall back to defaults.
type Options struct {
	MaxMessages   int // message ceiling before forced termination (default 50)
	MaxDepth      int // agent-to-agent expansion hops (default 5)
	HistoryWindow int // transcript rows handed to the invoker (default 20)
}

// Tracker owns conversation records and their loop-protection counters.
// All mutations are serialized: agent chains run in parallel and would
// otherwise race on the pending counter.
type Tracker struct {
	mu     sync.Mutex
	store  store.Store
	opts   Options
	logger *slog.Logger
}

// New builds a Tracker over the given store.
func New(st store.Store, opts Options, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = 50
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = 5
	}
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = 20
	}
	return &Tracker{
		store:  st,
		opts:   opts,
		logger: logger.With("component", "conversation"),
	}
}

// Begin creates a conversation rooted at an inbound envelope and records
// one inbound transcript row per target. Pending starts at the number of
// targets: that many responses are owed before the exchange aggregates.
// A fan-out wider than the message ceiling is rejected with ErrLoopLimit
// before anything is created.
func (t *Tracker) Begin(ctx context.Context, id, channel, sender, originEnvelopeID, body string, targets []string) (*store.Conversation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(targets) > t.opts.MaxMessages {
		return nil, ErrLoopLimit
	}

	now := time.Now()
	if id == "" {
		id = uuid.New().String()
	}
	conv := &store.Conversation{
		ID:               id,
		Channel:          channel,
		Sender:           sender,
		OriginEnvelopeID: originEnvelopeID,
		OriginBody:       body,
		Status:           store.StatusActive,
		MessageCount:     len(targets),
		Pending:          len(targets),
		CreatedAt:        now,
		LastActivityAt:   now,
	}
	if err := t.store.CreateConversation(ctx, conv); err != nil {
		return nil, err
	}
	for _, target := range targets {
		if err := t.appendLocked(ctx, conv.ID, sender, target, body, store.KindMessage, false); err != nil {
			return nil, err
		}
	}
	t.logger.Info("conversation started",
		"conversation_id", conv.ID, "sender", sender, "targets", len(targets))
	return conv, nil
}

// Extend registers a follow-up inbound message on an existing
// conversation, appending one transcript row per target and raising the
// message and pending counters. A terminated conversation returns
// ErrTerminated; hitting the message ceiling terminates it and returns
// ErrLoopLimit, and no invocation happens for the rejected message.
func (t *Tracker) Extend(ctx context.Context, conversationID, sender, body string, targets []string) (*store.Conversation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	conv, err := t.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Status.Terminated() {
		return nil, ErrTerminated
	}
	if conv.MessageCount >= t.opts.MaxMessages {
		conv.Status = store.StatusTerminatedLoopLimit
		conv.LastActivityAt = time.Now()
		if err := t.store.SaveConversation(ctx, conv); err != nil {
			return nil, err
		}
		t.logger.Warn("conversation hit message limit",
			"conversation_id", conv.ID, "message_count", conv.MessageCount)
		return nil, ErrLoopLimit
	}

	for _, target := range targets {
		if err := t.appendLocked(ctx, conv.ID, sender, target, body, store.KindMessage, false); err != nil {
			return nil, err
		}
	}
	conv.MessageCount += len(targets)
	conv.Pending += len(targets)
	conv.LastActivityAt = time.Now()
	if err := t.store.SaveConversation(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// Record registers an additional inbound message (a directed teammate
// mention) against an existing conversation and bumps the message counter.
// Exceeding the ceiling terminates the conversation and returns
// ErrLoopLimit; the pending counter was already adjusted by AddResponse.
func (t *Tracker) Record(ctx context.Context, conversationID, author, agentID, body string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	conv, err := t.store.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.Status.Terminated() {
		return ErrTerminated
	}
	if conv.MessageCount >= t.opts.MaxMessages {
		conv.Status = store.StatusTerminatedLoopLimit
		conv.LastActivityAt = time.Now()
		if err := t.store.SaveConversation(ctx, conv); err != nil {
			return err
		}
		t.logger.Warn("conversation hit message limit",
			"conversation_id", conv.ID, "message_count", conv.MessageCount)
		return ErrLoopLimit
	}

	if err := t.appendLocked(ctx, conv.ID, author, agentID, body, store.KindMessage, false); err != nil {
		return err
	}
	conv.MessageCount++
	conv.LastActivityAt = time.Now()
	return t.store.SaveConversation(ctx, conv)
}

// AddResponse records an agent response. mentions is the number of valid
// directed teammate mentions in the response: the pending counter drops by
// one for the answered message and rises by one per new mention. The
// updated conversation is returned so the caller can flush at pending
// zero. A response arriving with the message counter at the ceiling still
// gets its transcript row, but the counter stays clamped, its mentions are
// dropped, and the conversation terminates: the updated conversation is
// returned together with ErrLoopLimit so the caller can deliver a partial
// aggregate.
func (t *Tracker) AddResponse(ctx context.Context, conversationID, agentID, content string, mentions int, isError bool) (*store.Conversation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	conv, err := t.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Status.Terminated() {
		return nil, ErrTerminated
	}

	if err := t.appendLocked(ctx, conv.ID, agentID, agentID, content, store.KindResponse, isError); err != nil {
		return nil, err
	}
	conv.LastActivityAt = time.Now()

	if conv.MessageCount >= t.opts.MaxMessages {
		conv.Status = store.StatusTerminatedLoopLimit
		if conv.Pending > 0 {
			conv.Pending--
		}
		if err := t.store.SaveConversation(ctx, conv); err != nil {
			return nil, err
		}
		t.logger.Warn("conversation hit message limit",
			"conversation_id", conv.ID, "message_count", conv.MessageCount)
		return conv, ErrLoopLimit
	}

	conv.MessageCount++
	conv.Pending += mentions - 1
	if conv.Pending < 0 {
		conv.Pending = 0
	}
	if err := t.store.SaveConversation(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// Deepen advances the expansion depth when a response spawns directed
// mentions. Returns ErrDepthLimit once the hop ceiling is reached.
func (t *Tracker) Deepen(ctx context.Context, conversationID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	conv, err := t.store.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.Depth+1 > t.opts.MaxDepth {
		return ErrDepthLimit
	}
	conv.Depth++
	conv.LastActivityAt = time.Now()
	return t.store.SaveConversation(ctx, conv)
}

// AddNotice records a synthesized system row (limit notices, timeout
// placeholders). Notices do not count against the message ceiling.
func (t *Tracker) AddNotice(ctx context.Context, conversationID, content string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.appendLocked(ctx, conversationID, "system", "", content, store.KindNotice, false)
}

// AddToolEvent records a tool call or tool result row for the transcript.
func (t *Tracker) AddToolEvent(ctx context.Context, conversationID, agentID, content string, kind store.MessageKind, isError bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.appendLocked(ctx, conversationID, agentID, agentID, content, kind, isError)
}

// History returns the transcript window handed to the invoker, oldest
// first.
func (t *Tracker) History(ctx context.Context, conversationID string) ([]*store.Message, error) {
	return t.store.RecentMessages(ctx, conversationID, t.opts.HistoryWindow)
}

// Get loads a conversation.
func (t *Tracker) Get(ctx context.Context, conversationID string) (*store.Conversation, error) {
	return t.store.GetConversation(ctx, conversationID)
}

// Complete marks a conversation normally terminated.
func (t *Tracker) Complete(ctx context.Context, conversationID string) error {
	return t.setStatus(ctx, conversationID, store.StatusTerminatedNormal)
}

// FailLoop marks a conversation terminated by loop protection.
func (t *Tracker) FailLoop(ctx context.Context, conversationID string) error {
	return t.setStatus(ctx, conversationID, store.StatusTerminatedLoopLimit)
}

// Reset closes one conversation so no further envelopes are invoked for
// it. Unknown ids return store.ErrNotFound.
func (t *Tracker) Reset(ctx context.Context, conversationID string) error {
	return t.setStatus(ctx, conversationID, store.StatusTerminatedNormal)
}

// ResetAll closes every active conversation and reports how many.
func (t *Tracker) ResetAll(ctx context.Context) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.store.TerminateActive(ctx)
}

// Stalled returns active conversations still owing responses with no
// activity since cutoff.
func (t *Tracker) Stalled(ctx context.Context, cutoff time.Time) ([]*store.Conversation, error) {
	return t.store.ListStalled(ctx, cutoff)
}

// MissingTargets returns the agents that were addressed but never
// responded, used to synthesize timeout placeholders.
func (t *Tracker) MissingTargets(ctx context.Context, conversationID string) ([]string, error) {
	recipients, err := t.store.Recipients(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	responders, err := t.store.Responders(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	responded := make(map[string]bool, len(responders))
	for _, id := range responders {
		responded[id] = true
	}
	var missing []string
	for _, id := range recipients {
		if !responded[id] {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

// Responses returns the agent responses in transcript order, error
// placeholders included, for aggregation into the combined reply.
func (t *Tracker) Responses(ctx context.Context, conversationID string) ([]*store.Message, error) {
	msgs, err := t.store.RecentMessages(ctx, conversationID, 0)
	if err != nil {
		return nil, err
	}
	var responses []*store.Message
	for _, m := range msgs {
		if m.Kind == store.KindResponse {
			responses = append(responses, m)
		}
	}
	return responses, nil
}

func (t *Tracker) setStatus(ctx context.Context, conversationID string, status store.Status) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	conv, err := t.store.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	conv.Status = status
	conv.LastActivityAt = time.Now()
	return t.store.SaveConversation(ctx, conv)
}

func (t *Tracker) appendLocked(ctx context.Context, conversationID, author, agentID, content string, kind store.MessageKind, isError bool) error {
	msg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Author:         author,
		AgentID:        agentID,
		Content:        content,
		Kind:           kind,
		IsError:        isError,
		CreatedAt:      time.Now(),
	}
	if err := t.store.AppendMessage(ctx, msg); err != nil {
		return fmt.Errorf("appending %s row: %w", kind, err)
	}
	return nil
}
