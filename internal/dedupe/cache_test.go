// ABOUTME: Tests for the envelope dedupe cache.
// ABOUTME: Validates TTL expiration, size limits, eviction, and concurrency safety.

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSeen_FirstTime(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	assert.False(t, cache.Seen("env-1"))
}

func TestSeen_Duplicate(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	assert.False(t, cache.Seen("env-1"))
	assert.True(t, cache.Seen("env-1"))
}

func TestSeen_Expired(t *testing.T) {
	cache := New(10*time.Millisecond, 100)
	defer cache.Close()

	assert.False(t, cache.Seen("env-1"))
	time.Sleep(20 * time.Millisecond)

	// Expired entries count as new again
	assert.False(t, cache.Seen("env-1"))
	assert.True(t, cache.Seen("env-1"))
}

func TestSeen_EvictsOldestAtCapacity(t *testing.T) {
	cache := New(5*time.Minute, 3)
	defer cache.Close()

	for i := 0; i < 3; i++ {
		assert.False(t, cache.Seen(fmt.Sprintf("env-%d", i)))
	}

	// Fourth id evicts env-0
	assert.False(t, cache.Seen("env-3"))
	assert.False(t, cache.Seen("env-0"), "oldest id should have been evicted")
	assert.True(t, cache.Seen("env-3"))
}

func TestRunCleanupRemovesExpired(t *testing.T) {
	cache := New(10*time.Millisecond, 100)
	defer cache.Close()

	cache.Seen("env-1")
	time.Sleep(20 * time.Millisecond)
	cache.runCleanup()

	cache.mu.Lock()
	_, exists := cache.seen["env-1"]
	cache.mu.Unlock()
	assert.False(t, exists)
}

func TestSeen_Concurrent(t *testing.T) {
	cache := New(5*time.Minute, 1000)
	defer cache.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				cache.Seen(fmt.Sprintf("env-%d-%d", n, j))
			}
		}(i)
	}
	wg.Wait()

	// Every id was marked exactly once, so all are now duplicates
	for i := 0; i < 10; i++ {
		assert.True(t, cache.Seen(fmt.Sprintf("env-%d-0", i)))
	}
}

func TestClose_Idempotent(t *testing.T) {
	cache := New(time.Minute, 10)
	cache.Close()
	cache.Close()
}
