// ABOUTME: File-backed envelope store with atomic rename state transitions
// ABOUTME: Implements enqueue/claim/complete/fail plus stale-processing reclaim

package queue

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/2389/agency-relay/internal/envelope"
)

// ErrCorrupt marks an envelope file that could not be parsed. Corrupt files
// are moved to the dead-letter directory so they always leave a record.
var ErrCorrupt = errors.New("corrupt envelope file")

// ErrNotFound is returned when a referenced envelope file no longer exists.
var ErrNotFound = errors.New("envelope not found")

const (
	dirIncoming   = "incoming"
	dirProcessing = "processing"
	dirOutgoing   = "outgoing"
	dirDeadLetter = "dead-letter"
)

// Options tune the store. Zero values fall back to defaults.
type Options struct {
	MaxAttempts int // attempts before a retryable failure dead-letters (default 3)
}

// Store is the durable envelope queue. Every state transition is a rename
// (or a write-then-remove pair that reclaim deduplicates after a crash), so
// a crash never produces a half-written envelope. Processing is therefore
// at-least-once: downstream tool executors must tolerate re-runs.
type Store struct {
	root        string
	maxAttempts int
	notifier    *Notifier
	logger      *slog.Logger
}

// Open creates the queue directories under root and returns a Store.
func Open(root string, opts Options, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	for _, dir := range []string{dirIncoming, dirProcessing, dirOutgoing, dirDeadLetter} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("creating queue directory %s: %w", dir, err)
		}
	}
	s := &Store{
		root:        root,
		maxAttempts: opts.MaxAttempts,
		notifier:    newNotifier(),
		logger:      logger.With("component", "queue"),
	}
	s.logger.Info("envelope store opened", "root", root)
	return s, nil
}

// Subscribe returns a channel signaled whenever an envelope for agentID is
// enqueued. The channel has capacity one; signals coalesce.
func (s *Store) Subscribe(agentID string) <-chan struct{} {
	return s.notifier.subscribe(agentID)
}

// Enqueue writes env into incoming and wakes the target agent's chain.
func (s *Store) Enqueue(env *envelope.Envelope) error {
	env.State = envelope.StateIncoming
	if err := s.write(dirIncoming, env); err != nil {
		return err
	}
	s.notifier.signal(env.Target())
	s.logger.Debug("envelope enqueued", "id", env.ID, "target", env.Target())
	return nil
}

// EnqueueOutgoing writes env straight into outgoing. Used for synthesized
// responses (aggregates, limit notices, failure notices).
func (s *Store) EnqueueOutgoing(env *envelope.Envelope) error {
	env.State = envelope.StateOutgoing
	return s.write(dirOutgoing, env)
}

// Claim atomically moves the oldest incoming envelope for agentID into
// processing and returns it. Returns (nil, nil) when the chain is empty.
func (s *Store) Claim(agentID string) (*envelope.Envelope, error) {
	names, err := s.list(dirIncoming)
	if err != nil {
		return nil, err
	}
	suffix := "." + agentID + ".json"
	for _, name := range names {
		if !strings.HasSuffix(name, suffix) {
			continue
		}
		src := filepath.Join(s.root, dirIncoming, name)
		dst := filepath.Join(s.root, dirProcessing, name)
		if err := os.Rename(src, dst); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue // claimed by a concurrent reclaim or reset
			}
			return nil, fmt.Errorf("claiming envelope: %w", err)
		}
		env, err := s.read(dst)
		if err != nil {
			s.quarantine(dst, err)
			continue
		}
		env.State = envelope.StateProcessing
		return env, nil
	}
	return nil, nil
}

// Heartbeat refreshes the processing timestamp of an in-flight envelope so
// a long invocation is not mistaken for a crash by reclaim.
func (s *Store) Heartbeat(env *envelope.Envelope) error {
	now := time.Now()
	path := filepath.Join(s.root, dirProcessing, s.fileName(env))
	if err := os.Chtimes(path, now, now); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// Complete moves a processing envelope to outgoing with its result attached.
// aggregateOf marks sub-invocation records that belong to a pending
// aggregation and must not be delivered individually.
func (s *Store) Complete(env *envelope.Envelope, result, aggregateOf string) error {
	env.State = envelope.StateOutgoing
	env.Result = result
	env.AggregateOf = aggregateOf
	if err := s.write(dirOutgoing, env); err != nil {
		return err
	}
	s.removeProcessing(env)
	s.logger.Debug("envelope completed", "id", env.ID)
	return nil
}

// Fail handles an invocation failure. Retryable failures below the attempt
// ceiling go back to incoming with an incremented attempt count; everything
// else dead-letters with the error payload attached.
// The returned bool reports whether the envelope will be retried.
func (s *Store) Fail(env *envelope.Envelope, failure error, retryable bool) (bool, error) {
	if retryable && env.AttemptCount+1 < s.maxAttempts {
		env.AttemptCount++
		env.State = envelope.StateIncoming
		if err := s.write(dirIncoming, env); err != nil {
			return false, err
		}
		s.removeProcessing(env)
		s.notifier.signal(env.Target())
		s.logger.Warn("envelope requeued after failure",
			"id", env.ID, "attempt", env.AttemptCount, "error", failure)
		return true, nil
	}
	env.State = envelope.StateDeadLetter
	env.Error = failure.Error()
	if err := s.write(dirDeadLetter, env); err != nil {
		return false, err
	}
	s.removeProcessing(env)
	s.logger.Error("envelope dead-lettered",
		"id", env.ID, "attempts", env.AttemptCount+1, "error", failure)
	return false, nil
}

// ReclaimStale moves processing envelopes whose heartbeat is older than
// timeout back to incoming with an incremented attempt count. Envelopes
// that already have a terminal copy (crash between write and remove) are
// cleaned up instead of re-enqueued. Returns the number reclaimed.
func (s *Store) ReclaimStale(timeout time.Duration) (int, error) {
	names, err := s.list(dirProcessing)
	if err != nil {
		return 0, err
	}
	reclaimed := 0
	cutoff := time.Now().Add(-timeout)
	for _, name := range names {
		path := filepath.Join(s.root, dirProcessing, name)
		info, err := os.Stat(path)
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if s.hasTerminalCopy(name) {
			// The transition already happened; the crash only skipped cleanup.
			_ = os.Remove(path)
			continue
		}
		env, err := s.read(path)
		if err != nil {
			s.quarantine(path, err)
			continue
		}
		env.AttemptCount++
		env.State = envelope.StateIncoming
		if err := s.write(dirIncoming, env); err != nil {
			return reclaimed, err
		}
		_ = os.Remove(path)
		s.notifier.signal(env.Target())
		reclaimed++
		s.logger.Warn("reclaimed stale envelope", "id", env.ID, "attempt", env.AttemptCount)
	}
	return reclaimed, nil
}

// PollOutgoing returns deliverable outgoing envelopes in id order,
// skipping aggregation member records.
func (s *Store) PollOutgoing() ([]*envelope.Envelope, error) {
	names, err := s.list(dirOutgoing)
	if err != nil {
		return nil, err
	}
	var out []*envelope.Envelope
	for _, name := range names {
		env, err := s.read(filepath.Join(s.root, dirOutgoing, name))
		if err != nil {
			s.quarantine(filepath.Join(s.root, dirOutgoing, name), err)
			continue
		}
		if env.AggregateOf != "" {
			continue
		}
		out = append(out, env)
	}
	return out, nil
}

// AckOutgoing removes a delivered envelope from outgoing.
func (s *Store) AckOutgoing(env *envelope.Envelope) error {
	path := filepath.Join(s.root, dirOutgoing, s.fileName(env))
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// Depths reports the number of envelopes in each queue state.
func (s *Store) Depths() (map[envelope.State]int, error) {
	depths := make(map[envelope.State]int, 4)
	for dir, state := range map[string]envelope.State{
		dirIncoming:   envelope.StateIncoming,
		dirProcessing: envelope.StateProcessing,
		dirOutgoing:   envelope.StateOutgoing,
		dirDeadLetter: envelope.StateDeadLetter,
	} {
		names, err := s.list(dir)
		if err != nil {
			return nil, err
		}
		depths[state] = len(names)
	}
	return depths, nil
}

// fileName encodes the id and target agent so Claim can select an agent's
// chain without parsing every file. Ids sort lexically in enqueue order.
func (s *Store) fileName(env *envelope.Envelope) string {
	if t := env.Target(); t != "" {
		return env.ID + "." + t + ".json"
	}
	return env.ID + ".json"
}

func (s *Store) write(dir string, env *envelope.Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("encoding envelope %s: %w", env.ID, err)
	}
	final := filepath.Join(s.root, dir, s.fileName(env))
	tmp := filepath.Join(s.root, dir, "."+s.fileName(env)+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing envelope %s: %w", env.ID, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("publishing envelope %s: %w", env.ID, err)
	}
	return nil
}

func (s *Store) read(path string) (*envelope.Envelope, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	env, err := envelope.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, filepath.Base(path), err)
	}
	return env, nil
}

// list returns non-hidden json file names in dir, sorted so the oldest id
// comes first.
func (s *Store) list(dir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, dir))
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// quarantine moves an unreadable envelope file into dead-letter so it is
// never silently dropped.
func (s *Store) quarantine(path string, cause error) {
	dst := filepath.Join(s.root, dirDeadLetter, filepath.Base(path)+".corrupt")
	if err := os.Rename(path, dst); err != nil {
		s.logger.Error("failed to quarantine corrupt envelope", "path", path, "error", err)
		return
	}
	s.logger.Error("corrupt envelope quarantined", "path", path, "error", cause)
}

func (s *Store) removeProcessing(env *envelope.Envelope) {
	if err := os.Remove(filepath.Join(s.root, dirProcessing, s.fileName(env))); err != nil &&
		!errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("failed to remove processing envelope", "id", env.ID, "error", err)
	}
}

// hasTerminalCopy reports whether an envelope already landed in outgoing or
// dead-letter under the same file name.
func (s *Store) hasTerminalCopy(name string) bool {
	for _, dir := range []string{dirOutgoing, dirDeadLetter} {
		if _, err := os.Stat(filepath.Join(s.root, dir, name)); err == nil {
			return true
		}
	}
	return false
}
