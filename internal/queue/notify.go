// ABOUTME: Per-agent wake signals so dispatcher chains idle without busy-spin
// ABOUTME: Coalescing one-slot channels signaled on enqueue for the target agent

package queue

import "sync"

// Notifier hands each agent chain a one-slot wake channel. Signals coalesce:
// an idle chain wakes once regardless of how many envelopes arrived. A
// bounded poll interval in the dispatcher remains the crash-safety fallback.
type Notifier struct {
	mu    sync.Mutex
	wakes map[string]chan struct{}
}

func newNotifier() *Notifier {
	return &Notifier{wakes: make(map[string]chan struct{})}
}

func (n *Notifier) subscribe(agentID string) <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch, ok := n.wakes[agentID]
	if !ok {
		ch = make(chan struct{}, 1)
		n.wakes[agentID] = ch
	}
	return ch
}

func (n *Notifier) signal(agentID string) {
	if agentID == "" {
		return
	}
	n.mu.Lock()
	ch, ok := n.wakes[agentID]
	n.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}
