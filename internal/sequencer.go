package internal

import (
	"context"
	"sort"
	"sync"

	"github.com/marginalia-hq/marginalia"
)

// sequencer serializes mutations per target key with FIFO fairness. A later
// mutation against a busy key queues behind the earlier one instead of
// racing it, which is what makes per-identifier rollbacks composable. Keys
// for a multi-target mutation are acquired in sorted order so overlapping
// mutations can never deadlock.
type sequencer struct {
	mu sync.Mutex
	// queues holds the waiting tickets per key; the head ticket owns the
	// key and its channel is closed.
	queues map[string][]chan struct{}
	depth  int
}

func newSequencer(depth int) *sequencer {
	return &sequencer{
		queues: make(map[string][]chan struct{}),
		depth:  depth,
	}
}

// acquire claims every key, waiting FIFO behind in-flight holders. On error
// nothing stays claimed. The keys slice is deduplicated and sorted in place.
func (q *sequencer) acquire(ctx context.Context, keys []string) ([]string, error) {
	sort.Strings(keys)
	uniq := keys[:0]
	for i, k := range keys {
		if i == 0 || keys[i-1] != k {
			uniq = append(uniq, k)
		}
	}
	keys = uniq

	for i, key := range keys {
		if err := q.acquireOne(ctx, key); err != nil {
			for j := i - 1; j >= 0; j-- {
				q.releaseOne(keys[j])
			}
			return nil, err
		}
	}
	return keys, nil
}

// release frees the keys previously returned by acquire.
func (q *sequencer) release(keys []string) {
	for i := len(keys) - 1; i >= 0; i-- {
		q.releaseOne(keys[i])
	}
}

func (q *sequencer) acquireOne(ctx context.Context, key string) error {
	q.mu.Lock()
	queue := q.queues[key]
	if len(queue) >= q.depth {
		q.mu.Unlock()
		return (&marginalia.SyncError{
			Type:    marginalia.ErrorTypeValidation,
			Code:    marginalia.ErrCodeQueueOverflow,
			Message: "too many queued mutations for target",
		}).WithDetail("key", key)
	}
	ticket := make(chan struct{})
	if len(queue) == 0 {
		close(ticket)
	}
	q.queues[key] = append(queue, ticket)
	q.mu.Unlock()

	select {
	case <-ticket:
		return nil
	case <-ctx.Done():
		// The ticket may have become head between Done firing and now;
		// abandon resolves the race under the lock.
		if q.abandon(key, ticket) {
			return nil
		}
		return ctx.Err()
	}
}

// abandon withdraws a waiting ticket. It returns true when the ticket had
// already become head, in which case the caller owns the key after all.
func (q *sequencer) abandon(key string, ticket chan struct{}) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	queue := q.queues[key]
	for i, t := range queue {
		if t != ticket {
			continue
		}
		if i == 0 {
			return true
		}
		q.queues[key] = append(queue[:i], queue[i+1:]...)
		return false
	}
	return false
}

func (q *sequencer) releaseOne(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	queue := q.queues[key]
	if len(queue) == 0 {
		return
	}
	queue = queue[1:]
	if len(queue) == 0 {
		delete(q.queues, key)
		return
	}
	q.queues[key] = queue
	close(queue[0])
}

// queuedFor reports how many mutations currently hold or wait on a key.
func (q *sequencer) queuedFor(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[key])
}
