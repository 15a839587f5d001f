package internal

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marginalia-hq/marginalia"
)

func TestSequencerAcquireDedupsAndSorts(t *testing.T) {
	q := newSequencer(8)

	held, err := q.acquire(context.Background(), []string{"b", "a", "b", "a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, held)
	assert.Equal(t, 1, q.queuedFor("a"))
	assert.Equal(t, 1, q.queuedFor("b"))

	q.release(held)
	assert.Zero(t, q.queuedFor("a"))
	assert.Zero(t, q.queuedFor("b"))
}

func TestSequencerFIFOOrder(t *testing.T) {
	q := newSequencer(8)

	first, err := q.acquire(context.Background(), []string{"k"})
	require.NoError(t, err)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	ready := make(chan struct{}, 2)

	enqueue := func(n int) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ready <- struct{}{}
			held, aerr := q.acquire(context.Background(), []string{"k"})
			require.NoError(t, aerr)
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			q.release(held)
		}()
		<-ready
		// wait until the ticket is visibly queued before enqueuing the next
		for q.queuedFor("k") < n+1 {
			time.Sleep(time.Millisecond)
		}
	}

	enqueue(1)
	enqueue(2)

	q.release(first)
	wg.Wait()
	assert.Equal(t, []int{1, 2}, order)
}

func TestSequencerQueueOverflow(t *testing.T) {
	q := newSequencer(1)

	held, err := q.acquire(context.Background(), []string{"k"})
	require.NoError(t, err)

	_, err = q.acquire(context.Background(), []string{"k"})
	require.Error(t, err)
	se := marginalia.AsSyncError(err)
	assert.Equal(t, marginalia.ErrCodeQueueOverflow, se.Code)
	assert.True(t, marginalia.IsValidation(err))

	q.release(held)
	// the failed acquire must not leave a phantom ticket behind
	held, err = q.acquire(context.Background(), []string{"k"})
	require.NoError(t, err)
	q.release(held)
}

func TestSequencerOverflowReleasesEarlierKeys(t *testing.T) {
	q := newSequencer(1)

	held, err := q.acquire(context.Background(), []string{"b"})
	require.NoError(t, err)

	// "a" succeeds, then "b" overflows; "a" must be handed back
	_, err = q.acquire(context.Background(), []string{"a", "b"})
	require.Error(t, err)
	assert.Zero(t, q.queuedFor("a"))

	q.release(held)
}

func TestSequencerContextCancellation(t *testing.T) {
	q := newSequencer(8)

	held, err := q.acquire(context.Background(), []string{"k"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, aerr := q.acquire(ctx, []string{"k"})
		errc <- aerr
	}()

	for q.queuedFor("k") < 2 {
		time.Sleep(time.Millisecond)
	}
	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)

	// the canceled waiter must have withdrawn its ticket
	assert.Equal(t, 1, q.queuedFor("k"))
	q.release(held)
	assert.Zero(t, q.queuedFor("k"))
}

func TestSequencerIndependentKeysDoNotBlock(t *testing.T) {
	q := newSequencer(8)

	a, err := q.acquire(context.Background(), []string{"a"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	b, err := q.acquire(ctx, []string{"b"})
	require.NoError(t, err)

	q.release(a)
	q.release(b)
}
