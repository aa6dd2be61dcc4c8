// ABOUTME: Tests for conversation loop protection and pending accounting

package conversation

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/agency-relay/internal/store"
)

func newTestTracker(t *testing.T, opts Options) *Tracker {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s, opts, nil)
}

func TestBeginSetsPendingToTargetCount(t *testing.T) {
	tr := newTestTracker(t, Options{})
	ctx := context.Background()

	conv, err := tr.Begin(ctx, "", "cli", "user", "env-1", "@eng hello", []string{"lead", "dev", "qa"})
	require.NoError(t, err)
	assert.Equal(t, 3, conv.Pending)
	assert.Equal(t, 3, conv.MessageCount)
	assert.Equal(t, store.StatusActive, conv.Status)

	history, err := tr.History(ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, history, 3)
}

func TestAddResponseDecrementsPending(t *testing.T) {
	tr := newTestTracker(t, Options{})
	ctx := context.Background()

	conv, err := tr.Begin(ctx, "", "cli", "user", "env-1", "@lead @dev hi", []string{"lead", "dev"})
	require.NoError(t, err)

	conv, err = tr.AddResponse(ctx, conv.ID, "lead", "on it", 0, false)
	require.NoError(t, err)
	assert.Equal(t, 1, conv.Pending)

	conv, err = tr.AddResponse(ctx, conv.ID, "dev", "done", 0, false)
	require.NoError(t, err)
	assert.Equal(t, 0, conv.Pending)
}

func TestAddResponseWithMentionsRaisesPending(t *testing.T) {
	tr := newTestTracker(t, Options{})
	ctx := context.Background()

	conv, err := tr.Begin(ctx, "", "cli", "user", "env-1", "@lead hi", []string{"lead"})
	require.NoError(t, err)

	// One response answered, two teammates mentioned: net +1
	conv, err = tr.AddResponse(ctx, conv.ID, "lead", "[@dev: a] [@qa: b]", 2, false)
	require.NoError(t, err)
	assert.Equal(t, 2, conv.Pending)
}

func TestRecordEnforcesMessageLimit(t *testing.T) {
	tr := newTestTracker(t, Options{MaxMessages: 3})
	ctx := context.Background()

	conv, err := tr.Begin(ctx, "", "cli", "user", "env-1", "@lead hi", []string{"lead"})
	require.NoError(t, err)

	require.NoError(t, tr.Record(ctx, conv.ID, "lead", "dev", "ping"))
	require.NoError(t, tr.Record(ctx, conv.ID, "dev", "qa", "pong"))

	err = tr.Record(ctx, conv.ID, "qa", "lead", "over the limit")
	assert.ErrorIs(t, err, ErrLoopLimit)

	got, err := tr.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusTerminatedLoopLimit, got.Status)

	// Terminated conversations reject everything afterwards
	assert.ErrorIs(t, tr.Record(ctx, conv.ID, "lead", "dev", "more"), ErrTerminated)
	_, err = tr.AddResponse(ctx, conv.ID, "lead", "late", 0, false)
	assert.ErrorIs(t, err, ErrTerminated)
}

func TestDeepenEnforcesDepthLimit(t *testing.T) {
	tr := newTestTracker(t, Options{MaxDepth: 2})
	ctx := context.Background()

	conv, err := tr.Begin(ctx, "", "cli", "user", "env-1", "@lead hi", []string{"lead"})
	require.NoError(t, err)

	require.NoError(t, tr.Deepen(ctx, conv.ID))
	require.NoError(t, tr.Deepen(ctx, conv.ID))
	assert.ErrorIs(t, tr.Deepen(ctx, conv.ID), ErrDepthLimit)
}

func TestHistoryWindow(t *testing.T) {
	tr := newTestTracker(t, Options{HistoryWindow: 2})
	ctx := context.Background()

	conv, err := tr.Begin(ctx, "", "cli", "user", "env-1", "@lead hi", []string{"lead"})
	require.NoError(t, err)
	require.NoError(t, tr.Record(ctx, conv.ID, "user", "lead", "second"))
	require.NoError(t, tr.Record(ctx, conv.ID, "user", "lead", "third"))

	history, err := tr.History(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "second", history[0].Content)
	assert.Equal(t, "third", history[1].Content)
}

func TestMissingTargets(t *testing.T) {
	tr := newTestTracker(t, Options{})
	ctx := context.Background()

	conv, err := tr.Begin(ctx, "", "cli", "user", "env-1", "@eng hi", []string{"lead", "dev"})
	require.NoError(t, err)

	_, err = tr.AddResponse(ctx, conv.ID, "lead", "here", 0, false)
	require.NoError(t, err)

	missing, err := tr.MissingTargets(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"dev"}, missing)
}

func TestResponsesFiltersTranscript(t *testing.T) {
	tr := newTestTracker(t, Options{})
	ctx := context.Background()

	conv, err := tr.Begin(ctx, "", "cli", "user", "env-1", "@lead hi", []string{"lead"})
	require.NoError(t, err)
	require.NoError(t, tr.AddNotice(ctx, conv.ID, "a notice"))
	require.NoError(t, tr.AddToolEvent(ctx, conv.ID, "lead", "current_time({})", store.KindToolCall, false))
	_, err = tr.AddResponse(ctx, conv.ID, "lead", "the reply", 0, false)
	require.NoError(t, err)

	responses, err := tr.Responses(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, responses, 1)
	assert.Equal(t, "the reply", responses[0].Content)
}

func TestStalled(t *testing.T) {
	tr := newTestTracker(t, Options{})
	ctx := context.Background()

	conv, err := tr.Begin(ctx, "", "cli", "user", "env-1", "@lead hi", []string{"lead"})
	require.NoError(t, err)

	stalled, err := tr.Stalled(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, stalled, 1)
	assert.Equal(t, conv.ID, stalled[0].ID)

	stalled, err = tr.Stalled(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, stalled)
}

func TestExtendRaisesCounters(t *testing.T) {
	tr := newTestTracker(t, Options{})
	ctx := context.Background()

	conv, err := tr.Begin(ctx, "", "cli", "user", "env-1", "@lead hi", []string{"lead"})
	require.NoError(t, err)

	conv, err = tr.Extend(ctx, conv.ID, "user", "@lead @dev follow-up", []string{"lead", "dev"})
	require.NoError(t, err)
	assert.Equal(t, 3, conv.MessageCount)
	assert.Equal(t, 3, conv.Pending)

	history, err := tr.History(ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, history, 3)
}

func TestExtendRejectsAtMessageLimit(t *testing.T) {
	tr := newTestTracker(t, Options{MaxMessages: 2})
	ctx := context.Background()

	conv, err := tr.Begin(ctx, "", "cli", "user", "env-1", "@lead @dev hi", []string{"lead", "dev"})
	require.NoError(t, err)

	_, err = tr.Extend(ctx, conv.ID, "user", "@lead more", []string{"lead"})
	assert.ErrorIs(t, err, ErrLoopLimit)

	got, err := tr.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusTerminatedLoopLimit, got.Status)

	// Once closed, further intake is refused outright
	_, err = tr.Extend(ctx, conv.ID, "user", "@lead again", []string{"lead"})
	assert.ErrorIs(t, err, ErrTerminated)
}

func TestExtendUnknownConversation(t *testing.T) {
	tr := newTestTracker(t, Options{})
	_, err := tr.Extend(context.Background(), "nope", "user", "@lead hi", []string{"lead"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAddResponseClampsAtMessageLimit(t *testing.T) {
	tr := newTestTracker(t, Options{MaxMessages: 3})
	ctx := context.Background()

	conv, err := tr.Begin(ctx, "", "cli", "user", "env-1", "@eng hi", []string{"lead", "dev", "qa"})
	require.NoError(t, err)
	assert.Equal(t, 3, conv.MessageCount)

	// The counter is already at the ceiling, so the first response
	// terminates the conversation instead of pushing past it.
	conv, err = tr.AddResponse(ctx, conv.ID, "lead", "on it", 0, false)
	require.ErrorIs(t, err, ErrLoopLimit)
	require.NotNil(t, conv)
	assert.Equal(t, 3, conv.MessageCount)
	assert.Equal(t, 2, conv.Pending)
	assert.Equal(t, store.StatusTerminatedLoopLimit, conv.Status)

	// The response row was still recorded for the partial aggregate
	responses, err := tr.Responses(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, responses, 1)
	assert.Equal(t, "on it", responses[0].Content)

	_, err = tr.AddResponse(ctx, conv.ID, "dev", "too late", 0, false)
	assert.ErrorIs(t, err, ErrTerminated)

	got, err := tr.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.LessOrEqual(t, got.MessageCount, 3)
}

func TestBeginRejectsOversizedFanOut(t *testing.T) {
	tr := newTestTracker(t, Options{MaxMessages: 2})
	_, err := tr.Begin(context.Background(), "", "cli", "user", "env-1", "@eng hi",
		[]string{"lead", "dev", "qa"})
	assert.ErrorIs(t, err, ErrLoopLimit)
}

func TestResetClosesConversation(t *testing.T) {
	tr := newTestTracker(t, Options{})
	ctx := context.Background()

	conv, err := tr.Begin(ctx, "", "cli", "user", "env-1", "@lead hi", []string{"lead"})
	require.NoError(t, err)

	require.NoError(t, tr.Reset(ctx, conv.ID))
	got, err := tr.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusTerminatedNormal, got.Status)

	assert.ErrorIs(t, tr.Reset(ctx, "nope"), store.ErrNotFound)
}

func TestResetAllClosesOnlyActive(t *testing.T) {
	tr := newTestTracker(t, Options{})
	ctx := context.Background()

	a, err := tr.Begin(ctx, "", "cli", "user", "env-1", "@lead hi", []string{"lead"})
	require.NoError(t, err)
	b, err := tr.Begin(ctx, "", "cli", "user", "env-2", "@dev hi", []string{"dev"})
	require.NoError(t, err)
	require.NoError(t, tr.FailLoop(ctx, b.ID))

	n, err := tr.ResetAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := tr.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusTerminatedNormal, got.Status)

	got, err = tr.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusTerminatedLoopLimit, got.Status)
}
