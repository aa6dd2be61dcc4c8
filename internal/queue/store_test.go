// ABOUTME: Tests for the file-backed envelope store
// ABOUTME: Covers claim ordering, retry, dead-letter, corrupt files, and reclaim

package queue

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/agency-relay/internal/envelope"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), Options{MaxAttempts: 3}, nil)
	require.NoError(t, err)
	return s
}

func newEnvelope(target, body string, at time.Time) *envelope.Envelope {
	return &envelope.Envelope{
		ID:        envelope.NewID(at),
		Channel:   "cli",
		Sender:    "user",
		Targets:   []string{target},
		Body:      body,
		CreatedAt: at,
	}
}

func TestEnqueueClaimRoundTrip(t *testing.T) {
	s := openTestStore(t)

	env := newEnvelope("helper", "hello", time.Now())
	require.NoError(t, s.Enqueue(env))

	got, err := s.Claim("helper")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, env.ID, got.ID)
	assert.Equal(t, "hello", got.Body)
	assert.Equal(t, envelope.StateProcessing, got.State)

	// Chain is now empty
	next, err := s.Claim("helper")
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestClaimIsFIFOPerAgent(t *testing.T) {
	s := openTestStore(t)

	base := time.Now()
	first := newEnvelope("helper", "first", base)
	second := newEnvelope("helper", "second", base.Add(time.Millisecond))
	other := newEnvelope("researcher", "other", base)

	// Enqueue out of order
	require.NoError(t, s.Enqueue(second))
	require.NoError(t, s.Enqueue(other))
	require.NoError(t, s.Enqueue(first))

	got, err := s.Claim("helper")
	require.NoError(t, err)
	assert.Equal(t, "first", got.Body)

	got, err = s.Claim("helper")
	require.NoError(t, err)
	assert.Equal(t, "second", got.Body)

	got, err = s.Claim("researcher")
	require.NoError(t, err)
	assert.Equal(t, "other", got.Body)
}

func TestCompleteMovesToOutgoing(t *testing.T) {
	s := openTestStore(t)

	env := newEnvelope("helper", "hi", time.Now())
	require.NoError(t, s.Enqueue(env))
	claimed, err := s.Claim("helper")
	require.NoError(t, err)

	require.NoError(t, s.Complete(claimed, "the answer", ""))

	out, err := s.PollOutgoing()
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "the answer", out[0].Result)
	assert.Equal(t, envelope.StateOutgoing, out[0].State)

	depths, err := s.Depths()
	require.NoError(t, err)
	assert.Equal(t, 0, depths[envelope.StateProcessing])
	assert.Equal(t, 1, depths[envelope.StateOutgoing])
}

func TestPollOutgoingSkipsAggregateMembers(t *testing.T) {
	s := openTestStore(t)

	env := newEnvelope("helper", "hi", time.Now())
	require.NoError(t, s.Enqueue(env))
	claimed, err := s.Claim("helper")
	require.NoError(t, err)
	require.NoError(t, s.Complete(claimed, "partial", "origin-id"))

	out, err := s.PollOutgoing()
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestFailRetriesThenDeadLetters(t *testing.T) {
	s := openTestStore(t)

	env := newEnvelope("helper", "hi", time.Now())
	require.NoError(t, s.Enqueue(env))
	cause := errors.New("provider exploded")

	// Attempts 1 and 2 requeue
	for attempt := 0; attempt < 2; attempt++ {
		claimed, err := s.Claim("helper")
		require.NoError(t, err)
		require.NotNil(t, claimed, "attempt %d", attempt)

		retried, err := s.Fail(claimed, cause, true)
		require.NoError(t, err)
		assert.True(t, retried)
	}

	// Attempt 3 dead-letters
	claimed, err := s.Claim("helper")
	require.NoError(t, err)
	assert.Equal(t, 2, claimed.AttemptCount)

	retried, err := s.Fail(claimed, cause, true)
	require.NoError(t, err)
	assert.False(t, retried)

	depths, err := s.Depths()
	require.NoError(t, err)
	assert.Equal(t, 1, depths[envelope.StateDeadLetter])
	assert.Equal(t, 0, depths[envelope.StateIncoming])
}

func TestFailNonRetryableDeadLettersImmediately(t *testing.T) {
	s := openTestStore(t)

	env := newEnvelope("helper", "hi", time.Now())
	require.NoError(t, s.Enqueue(env))
	claimed, err := s.Claim("helper")
	require.NoError(t, err)

	retried, err := s.Fail(claimed, errors.New("bad request"), false)
	require.NoError(t, err)
	assert.False(t, retried)

	depths, err := s.Depths()
	require.NoError(t, err)
	assert.Equal(t, 1, depths[envelope.StateDeadLetter])
}

func TestCorruptFileQuarantined(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root, Options{}, nil)
	require.NoError(t, err)

	bad := filepath.Join(root, dirIncoming, "0000000000000_bad.helper.json")
	require.NoError(t, os.WriteFile(bad, []byte("{broken"), 0o644))

	got, err := s.Claim("helper")
	require.NoError(t, err)
	assert.Nil(t, got)

	entries, err := os.ReadDir(filepath.Join(root, dirDeadLetter))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), ".corrupt")
}

func TestReclaimStaleRequeues(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root, Options{}, nil)
	require.NoError(t, err)

	env := newEnvelope("helper", "hi", time.Now())
	require.NoError(t, s.Enqueue(env))
	claimed, err := s.Claim("helper")
	require.NoError(t, err)

	// Age the processing file past the timeout
	path := filepath.Join(root, dirProcessing, s.fileName(claimed))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	n, err := s.ReclaimStale(10 * time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.Claim("helper")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 1, got.AttemptCount)
}

func TestReclaimLeavesFreshEnvelopes(t *testing.T) {
	s := openTestStore(t)

	env := newEnvelope("helper", "hi", time.Now())
	require.NoError(t, s.Enqueue(env))
	_, err := s.Claim("helper")
	require.NoError(t, err)

	n, err := s.ReclaimStale(10 * time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestReclaimCleansUpCompletedLeftovers(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root, Options{}, nil)
	require.NoError(t, err)

	env := newEnvelope("helper", "hi", time.Now())
	require.NoError(t, s.Enqueue(env))
	claimed, err := s.Claim("helper")
	require.NoError(t, err)

	// Simulate a crash between the outgoing write and the processing
	// remove: write the terminal copy by hand, keep the processing file.
	outCopy := *claimed
	outCopy.State = envelope.StateOutgoing
	require.NoError(t, s.write(dirOutgoing, &outCopy))

	path := filepath.Join(root, dirProcessing, s.fileName(claimed))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	n, err := s.ReclaimStale(10 * time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Processing leftover removed, nothing re-enqueued
	depths, err := s.Depths()
	require.NoError(t, err)
	assert.Equal(t, 0, depths[envelope.StateProcessing])
	assert.Equal(t, 0, depths[envelope.StateIncoming])
	assert.Equal(t, 1, depths[envelope.StateOutgoing])
}

func TestHeartbeatRefreshesTimestamp(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root, Options{}, nil)
	require.NoError(t, err)

	env := newEnvelope("helper", "hi", time.Now())
	require.NoError(t, s.Enqueue(env))
	claimed, err := s.Claim("helper")
	require.NoError(t, err)

	path := filepath.Join(root, dirProcessing, s.fileName(claimed))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	require.NoError(t, s.Heartbeat(claimed))

	n, err := s.ReclaimStale(10 * time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestHeartbeatMissingEnvelope(t *testing.T) {
	s := openTestStore(t)
	err := s.Heartbeat(newEnvelope("helper", "gone", time.Now()))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAckOutgoingRemoves(t *testing.T) {
	s := openTestStore(t)

	env := newEnvelope("helper", "hi", time.Now())
	require.NoError(t, s.Enqueue(env))
	claimed, err := s.Claim("helper")
	require.NoError(t, err)
	require.NoError(t, s.Complete(claimed, "done", ""))

	out, err := s.PollOutgoing()
	require.NoError(t, err)
	require.Len(t, out, 1)

	require.NoError(t, s.AckOutgoing(out[0]))

	out, err = s.PollOutgoing()
	require.NoError(t, err)
	assert.Empty(t, out)

	assert.ErrorIs(t, s.AckOutgoing(claimed), ErrNotFound)
}

func TestSubscribeSignalsOnEnqueue(t *testing.T) {
	s := openTestStore(t)
	wake := s.Subscribe("helper")

	require.NoError(t, s.Enqueue(newEnvelope("helper", "hi", time.Now())))

	select {
	case <-wake:
	case <-time.After(time.Second):
		t.Fatal("expected wake signal after enqueue")
	}
}
