// ABOUTME: Dispatcher wiring queue, router, tracker, and invoker together
// ABOUTME: Runs one FIFO chain per agent, reclaim and stall janitors, and aggregation

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/2389/agency-relay/internal/agent"
	"github.com/2389/agency-relay/internal/config"
	"github.com/2389/agency-relay/internal/conversation"
	"github.com/2389/agency-relay/internal/dedupe"
	"github.com/2389/agency-relay/internal/envelope"
	"github.com/2389/agency-relay/internal/mention"
	"github.com/2389/agency-relay/internal/provider"
	"github.com/2389/agency-relay/internal/queue"
	"github.com/2389/agency-relay/internal/store"
)

// ErrDuplicate is returned by Push when an envelope id was already
// accepted. Redeliveries are acknowledged and dropped, not reprocessed.
var ErrDuplicate = errors.New("duplicate envelope")

// Options tune the dispatcher. Zero values fall back to defaults.
type Options struct {
	PollInterval  time.Duration // chain wake fallback (default 2s)
	ReclaimAfter  time.Duration // processing heartbeat timeout (default 5m)
	TargetTimeout time.Duration // pending response timeout (default 10m)
}

// Dispatcher owns the message flow: intake, mention expansion, per-agent
// FIFO chains, response routing, and aggregation back to the sender.
type Dispatcher struct {
	queue   *queue.Store
	tracker *conversation.Tracker
	router  *mention.Router
	invoker *agent.Invoker
	roster  *config.Roster
	dedupe  *dedupe.Cache
	opts    Options
	logger  *slog.Logger

	wg sync.WaitGroup
}

// New builds a Dispatcher. invoker may be nil for intake-only use (the
// send command pushes envelopes without running agent chains).
func New(q *queue.Store, tracker *conversation.Tracker, router *mention.Router,
	invoker *agent.Invoker, roster *config.Roster, dd *dedupe.Cache,
	opts Options, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.ReclaimAfter <= 0 {
		opts.ReclaimAfter = 5 * time.Minute
	}
	if opts.TargetTimeout <= 0 {
		opts.TargetTimeout = 10 * time.Minute
	}
	return &Dispatcher{
		queue:   q,
		tracker: tracker,
		router:  router,
		invoker: invoker,
		roster:  roster,
		dedupe:  dd,
		opts:    opts,
		logger:  logger.With("component", "dispatch"),
	}
}

// Push accepts one inbound message, expands its mentions, starts a
// conversation, and enqueues one sub-envelope per resolved target.
// Envelopes with an id seen before return ErrDuplicate.
func (d *Dispatcher) Push(ctx context.Context, env *envelope.Envelope) (*store.Conversation, error) {
	now := time.Now()
	if env.ID == "" {
		env.ID = envelope.NewID(now)
	}
	if env.CreatedAt.IsZero() {
		env.CreatedAt = now
	}
	if d.dedupe != nil && d.dedupe.Seen(env.ID) {
		d.logger.Info("duplicate envelope dropped", "id", env.ID)
		return nil, ErrDuplicate
	}

	resolved := d.router.Expand(env.Body, env.Sender)
	if len(resolved) == 0 {
		notice := &envelope.Envelope{
			ID:             envelope.NewID(time.Now()),
			ConversationID: env.ConversationID,
			Channel:        env.Channel,
			Sender:         env.Sender,
			Body:           env.Body,
			CreatedAt:      time.Now(),
			Result:         "No agent is configured to receive this message.",
		}
		if err := d.queue.EnqueueOutgoing(notice); err != nil {
			return nil, err
		}
		return nil, nil
	}

	targets := make([]string, len(resolved))
	for i, r := range resolved {
		targets[i] = r.AgentID
	}
	var conv *store.Conversation
	var err error
	if env.ConversationID != "" {
		// Channel adapters may thread follow-up messages into an
		// existing conversation. Closed conversations reject intake.
		conv, err = d.tracker.Extend(ctx, env.ConversationID, env.Sender, env.Body, targets)
		if errors.Is(err, store.ErrNotFound) {
			conv, err = d.tracker.Begin(ctx, env.ConversationID, env.Channel, env.Sender, env.ID, env.Body, targets)
		}
	} else {
		conv, err = d.tracker.Begin(ctx, "", env.Channel, env.Sender, env.ID, env.Body, targets)
	}
	if err != nil {
		return nil, fmt.Errorf("starting conversation: %w", err)
	}

	for _, r := range resolved {
		if r.Unknown {
			placeholder := fmt.Sprintf("No agent or team named @%s is registered.", r.AgentID)
			conv, err = d.tracker.AddResponse(ctx, conv.ID, r.AgentID, placeholder, 0, true)
			if errors.Is(err, conversation.ErrLoopLimit) {
				d.flushLoopLimit(ctx, conv, d.logger)
				return conv, nil
			}
			if err != nil {
				return nil, err
			}
			continue
		}
		sub := &envelope.Envelope{
			ID:             envelope.NewID(time.Now()),
			ConversationID: conv.ID,
			Channel:        env.Channel,
			Sender:         env.Sender,
			Targets:        []string{r.AgentID},
			Body:           env.Body,
			CreatedAt:      time.Now(),
		}
		if err := d.queue.Enqueue(sub); err != nil {
			return nil, err
		}
	}

	// All targets unknown: nothing will ever decrement pending again.
	if conv.Pending == 0 {
		if err := d.flush(ctx, nil, conv, ""); err != nil {
			return nil, err
		}
	}
	return conv, nil
}

// Run starts one chain goroutine per roster agent plus the reclaim and
// stall janitors, then blocks until ctx is cancelled and all chains have
// drained.
func (d *Dispatcher) Run(ctx context.Context) error {
	if d.invoker == nil {
		return fmt.Errorf("dispatcher has no invoker")
	}
	for agentID := range d.roster.Agents {
		d.wg.Add(1)
		go d.agentLoop(ctx, agentID)
	}
	d.wg.Add(2)
	go d.reclaimLoop(ctx)
	go d.stallLoop(ctx)

	<-ctx.Done()
	d.wg.Wait()
	d.logger.Info("dispatcher stopped")
	return nil
}

// agentLoop is one agent's FIFO chain: claim the oldest envelope for this
// agent, process it to completion, repeat. Envelopes for different agents
// run in parallel; envelopes for the same agent never do.
func (d *Dispatcher) agentLoop(ctx context.Context, agentID string) {
	defer d.wg.Done()

	logger := d.logger.With("agent_id", agentID)
	wake := d.queue.Subscribe(agentID)
	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()

	for {
		for {
			env, err := d.queue.Claim(agentID)
			if err != nil {
				logger.Error("claim failed", "error", err)
				break
			}
			if env == nil {
				break
			}
			d.process(ctx, agentID, env)
		}
		select {
		case <-ctx.Done():
			return
		case <-wake:
		case <-ticker.C:
			// Poll fallback: picks up envelopes written by other processes
			// and anything a missed signal left behind.
		}
	}
}

// process runs one claimed envelope through the invoker and routes the
// outcome.
func (d *Dispatcher) process(ctx context.Context, agentID string, env *envelope.Envelope) {
	logger := d.logger.With("agent_id", agentID, "envelope_id", env.ID)

	conv, err := d.tracker.Get(ctx, env.ConversationID)
	if err != nil {
		logger.Error("conversation lookup failed", "error", err)
		if _, err := d.queue.Fail(env, err, true); err != nil {
			logger.Error("fail transition failed", "error", err)
		}
		return
	}
	if conv.Status.Terminated() {
		// Late envelope for a finished conversation; file it as a
		// non-deliverable record so the queue still drains.
		if err := d.queue.Complete(env, "", conv.OriginEnvelopeID); err != nil {
			logger.Error("complete transition failed", "error", err)
		}
		return
	}

	stopBeat := d.startHeartbeat(ctx, env)
	defer stopBeat()

	history, err := d.tracker.History(ctx, conv.ID)
	if err != nil {
		logger.Error("history load failed", "error", err)
		if _, err := d.queue.Fail(env, err, true); err != nil {
			logger.Error("fail transition failed", "error", err)
		}
		return
	}

	notice := mention.PendingNotice(conv.Pending - 1)
	trace := func(call provider.ToolCall, result provider.ToolResult) {
		_ = d.tracker.AddToolEvent(ctx, conv.ID, agentID,
			fmt.Sprintf("%s(%s)", call.Name, call.Arguments), store.KindToolCall, false)
		_ = d.tracker.AddToolEvent(ctx, conv.ID, agentID,
			result.Content, store.KindToolResult, result.IsError)
	}

	text, err := d.invoker.Invoke(ctx, agentID, history, notice, trace)
	if err != nil {
		d.handleFailure(ctx, agentID, env, conv, err, logger)
		return
	}
	d.handleResponse(ctx, agentID, env, conv, text, logger)
}

// handleFailure requeues retryable failures; exhausted envelopes
// dead-letter and an error placeholder keeps the aggregation moving.
func (d *Dispatcher) handleFailure(ctx context.Context, agentID string, env *envelope.Envelope,
	conv *store.Conversation, cause error, logger *slog.Logger) {

	retried, err := d.queue.Fail(env, cause, provider.IsTransient(cause))
	if err != nil {
		logger.Error("fail transition failed", "error", err)
		return
	}
	if retried {
		return
	}

	placeholder := fmt.Sprintf("@%s failed to respond: %v", agentID, cause)
	updated, err := d.tracker.AddResponse(ctx, conv.ID, agentID, placeholder, 0, true)
	if err != nil {
		if errors.Is(err, conversation.ErrLoopLimit) {
			d.flushLoopLimit(ctx, updated, logger)
			return
		}
		logger.Error("recording failure placeholder failed", "error", err)
		return
	}
	if err := d.flush(ctx, nil, updated, ""); err != nil {
		logger.Error("flush after failure failed", "error", err)
	}
}

// handleResponse records the agent's reply, fans out directed teammate
// mentions, and completes or aggregates the envelope.
func (d *Dispatcher) handleResponse(ctx context.Context, agentID string, env *envelope.Envelope,
	conv *store.Conversation, text string, logger *slog.Logger) {

	directed := mention.ExtractDirected(text)
	valid, unknown := d.router.ValidateDirected(directed, agentID)
	for _, id := range unknown {
		_ = d.tracker.AddNotice(ctx, conv.ID,
			fmt.Sprintf("@%s mentioned unknown teammate @%s; ignored.", agentID, id))
	}

	if len(valid) > 0 {
		if err := d.tracker.Deepen(ctx, conv.ID); err != nil {
			if errors.Is(err, conversation.ErrDepthLimit) {
				logger.Warn("expansion depth limit reached", "conversation_id", conv.ID)
				_ = d.tracker.AddNotice(ctx, conv.ID,
					fmt.Sprintf("Mentions from @%s dropped: expansion depth limit reached.", agentID))
				valid = nil
			} else {
				logger.Error("depth update failed", "error", err)
			}
		}
	}

	updated, err := d.tracker.AddResponse(ctx, conv.ID, agentID, text, len(valid), false)
	if err != nil {
		if errors.Is(err, conversation.ErrLoopLimit) {
			// The response was recorded before the conversation closed,
			// so the partial aggregate carries it.
			_ = d.queue.Complete(env, text, conv.OriginEnvelopeID)
			d.flushLoopLimit(ctx, updated, logger)
			return
		}
		if errors.Is(err, conversation.ErrTerminated) {
			_ = d.queue.Complete(env, text, conv.OriginEnvelopeID)
			return
		}
		logger.Error("recording response failed", "error", err)
		if _, err := d.queue.Fail(env, err, true); err != nil {
			logger.Error("fail transition failed", "error", err)
		}
		return
	}

	shared := mention.SharedContext(text)
	for _, dm := range valid {
		body := mention.ComposeDirected(shared, dm.Message)
		if err := d.tracker.Record(ctx, updated.ID, agentID, dm.AgentID, body); err != nil {
			if errors.Is(err, conversation.ErrLoopLimit) {
				d.flushLoopLimit(ctx, updated, logger)
				break
			}
			logger.Error("recording directed mention failed", "error", err)
			continue
		}
		follow := &envelope.Envelope{
			ID:             envelope.NewID(time.Now()),
			ConversationID: updated.ID,
			Channel:        env.Channel,
			Sender:         agentID,
			FromAgent:      agentID,
			Targets:        []string{dm.AgentID},
			Body:           body,
			CreatedAt:      time.Now(),
		}
		if err := d.queue.Enqueue(follow); err != nil {
			logger.Error("enqueueing directed mention failed", "error", err)
		}
	}

	if err := d.flush(ctx, env, updated, text); err != nil {
		logger.Error("flush failed", "error", err)
	}
}

// flush completes env and, once the pending counter reaches zero, emits
// the deliverable reply. A single response forwards directly; multiple
// responses aggregate into one combined envelope. env may be nil when the
// triggering response was synthesized (failure placeholder, timeout).
func (d *Dispatcher) flush(ctx context.Context, env *envelope.Envelope, conv *store.Conversation, text string) error {
	if conv.Status.Terminated() {
		if env != nil {
			return d.queue.Complete(env, text, conv.OriginEnvelopeID)
		}
		return nil
	}
	if conv.Pending > 0 {
		if env != nil {
			return d.queue.Complete(env, text, conv.OriginEnvelopeID)
		}
		return nil
	}

	responses, err := d.tracker.Responses(ctx, conv.ID)
	if err != nil {
		return err
	}

	if env != nil && len(responses) == 1 {
		// Single-response exchange: the completed envelope is itself the
		// deliverable reply.
		if err := d.queue.Complete(env, text, ""); err != nil {
			return err
		}
		return d.tracker.Complete(ctx, conv.ID)
	}

	if env != nil {
		if err := d.queue.Complete(env, text, conv.OriginEnvelopeID); err != nil {
			return err
		}
	}
	combined := &envelope.Envelope{
		ID:             envelope.NewID(time.Now()),
		ConversationID: conv.ID,
		Channel:        conv.Channel,
		Sender:         conv.Sender,
		Body:           conv.OriginBody,
		CreatedAt:      time.Now(),
		Result:         d.aggregate(responses),
	}
	if err := d.queue.EnqueueOutgoing(combined); err != nil {
		return err
	}
	d.logger.Info("conversation flushed",
		"conversation_id", conv.ID, "responses", len(responses))
	return d.tracker.Complete(ctx, conv.ID)
}

// aggregate renders the combined reply with one attributed section per
// responding agent.
func (d *Dispatcher) aggregate(responses []*store.Message) string {
	if len(responses) == 1 {
		return responses[0].Content
	}
	sections := make([]string, 0, len(responses))
	for _, r := range responses {
		sections = append(sections, fmt.Sprintf("**%s (@%s):**\n%s",
			d.roster.DisplayName(r.AgentID), r.AgentID, r.Content))
	}
	return strings.Join(sections, "\n\n---\n\n")
}

// flushLoopLimit delivers whatever responses exist plus a limit notice,
// then leaves the conversation terminated.
func (d *Dispatcher) flushLoopLimit(ctx context.Context, conv *store.Conversation, logger *slog.Logger) {
	responses, err := d.tracker.Responses(ctx, conv.ID)
	if err != nil {
		logger.Error("loading responses for loop limit flush failed", "error", err)
	}
	body := "Conversation stopped: the message limit was reached before every agent finished."
	if len(responses) > 0 {
		body = d.aggregate(responses) + "\n\n---\n\n" + body
	}
	notice := &envelope.Envelope{
		ID:             envelope.NewID(time.Now()),
		ConversationID: conv.ID,
		Channel:        conv.Channel,
		Sender:         conv.Sender,
		Body:           conv.OriginBody,
		CreatedAt:      time.Now(),
		Result:         body,
	}
	if err := d.queue.EnqueueOutgoing(notice); err != nil {
		logger.Error("enqueueing loop limit notice failed", "error", err)
	}
}

// startHeartbeat refreshes the processing timestamp while an invocation
// runs so reclaim does not steal a live envelope.
func (d *Dispatcher) startHeartbeat(ctx context.Context, env *envelope.Envelope) func() {
	interval := d.opts.ReclaimAfter / 3
	if interval < time.Second {
		interval = time.Second
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := d.queue.Heartbeat(env); err != nil && !errors.Is(err, queue.ErrNotFound) {
					d.logger.Warn("heartbeat failed", "envelope_id", env.ID, "error", err)
				}
			}
		}
	}()
	return func() { close(done) }
}

// reclaimLoop periodically returns stale processing envelopes to their
// chains.
func (d *Dispatcher) reclaimLoop(ctx context.Context) {
	defer d.wg.Done()
	interval := d.opts.ReclaimAfter / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := d.queue.ReclaimStale(d.opts.ReclaimAfter)
			if err != nil {
				d.logger.Error("reclaim failed", "error", err)
			} else if n > 0 {
				d.logger.Info("reclaimed stale envelopes", "count", n)
			}
		}
	}
}

// stallLoop synthesizes timeout placeholders for agents that never
// responded so stalled conversations still deliver a reply.
func (d *Dispatcher) stallLoop(ctx context.Context) {
	defer d.wg.Done()
	interval := d.opts.TargetTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweepStalled(ctx)
		}
	}
}

func (d *Dispatcher) sweepStalled(ctx context.Context) {
	cutoff := time.Now().Add(-d.opts.TargetTimeout)
	stalled, err := d.tracker.Stalled(ctx, cutoff)
	if err != nil {
		d.logger.Error("stall sweep failed", "error", err)
		return
	}
	for _, conv := range stalled {
		missing, err := d.tracker.MissingTargets(ctx, conv.ID)
		if err != nil {
			d.logger.Error("missing target lookup failed", "conversation_id", conv.ID, "error", err)
			continue
		}
		updated := conv
		for _, agentID := range missing {
			placeholder := fmt.Sprintf("No response from @%s (timed out).", agentID)
			updated, err = d.tracker.AddResponse(ctx, conv.ID, agentID, placeholder, 0, true)
			if errors.Is(err, conversation.ErrLoopLimit) {
				d.flushLoopLimit(ctx, updated, d.logger)
				break
			}
			if err != nil {
				d.logger.Error("recording timeout placeholder failed",
					"conversation_id", conv.ID, "agent_id", agentID, "error", err)
				break
			}
			d.logger.Warn("synthesized timeout placeholder",
				"conversation_id", conv.ID, "agent_id", agentID)
		}
		if updated.Pending == 0 {
			if err := d.flush(ctx, nil, updated, ""); err != nil {
				d.logger.Error("flush after stall sweep failed",
					"conversation_id", conv.ID, "error", err)
			}
		}
	}
}

// PollOutgoing returns deliverable replies for channel adapters.
func (d *Dispatcher) PollOutgoing() ([]*envelope.Envelope, error) {
	return d.queue.PollOutgoing()
}

// Ack removes a delivered reply.
func (d *Dispatcher) Ack(env *envelope.Envelope) error {
	return d.queue.AckOutgoing(env)
}

// Depths reports queue depth per state for the status command.
func (d *Dispatcher) Depths() (map[envelope.State]int, error) {
	return d.queue.Depths()
}
