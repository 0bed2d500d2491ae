package taskqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireIdle(t *testing.T) {
	var q Queue
	p, err := q.Acquire(context.Background())
	require.NoError(t, err)

	_, ok := q.TryAcquire()
	assert.False(t, ok, "queue is held")

	p.Release()
	p.Release()

	p2, ok := q.TryAcquire()
	require.True(t, ok)
	p2.Release()
}

func TestFIFOUnderContention(t *testing.T) {
	const n = 32
	q := New()

	first, err := q.Acquire(context.Background())
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := Run(context.Background(), q, func(context.Context) (struct{}, error) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return struct{}{}, nil
			})
			assert.NoError(t, err)
		}()
		// issue the next acquire only once this one is queued
		require.Eventually(t, func() bool { return q.Waiting() == i+1 }, time.Second, time.Millisecond)
	}

	first.Release()
	wg.Wait()

	require.Len(t, order, n)
	for i, got := range order {
		assert.Equal(t, i, got, "permit %d granted out of order", i)
	}
}

func TestHoldBlocksSecondAndThird(t *testing.T) {
	q := New()

	p1, err := q.Acquire(context.Background())
	require.NoError(t, err)

	var (
		mu       sync.Mutex
		order    []string
		started  = make(map[string]time.Time)
		released time.Time
		wg       sync.WaitGroup
	)
	enter := func(name string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := q.Acquire(context.Background())
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			order = append(order, name)
			started[name] = time.Now()
			mu.Unlock()
			p.Release()
		}()
	}

	enter("second")
	require.Eventually(t, func() bool { return q.Waiting() == 1 }, time.Second, time.Millisecond)
	enter("third")
	require.Eventually(t, func() bool { return q.Waiting() == 2 }, time.Second, time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Empty(t, order, "nobody may enter while the first permit is held")
	released = time.Now()
	mu.Unlock()
	p1.Release()

	wg.Wait()
	assert.Equal(t, []string{"second", "third"}, order)
	assert.False(t, started["second"].Before(released))
}

func TestCancelledWaiterKeepsOrder(t *testing.T) {
	q := New()
	p, err := q.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := q.Acquire(ctx)
		errc <- err
	}()
	require.Eventually(t, func() bool { return q.Waiting() == 1 }, time.Second, time.Millisecond)

	got := make(chan struct{})
	go func() {
		p2, err := q.Acquire(context.Background())
		if assert.NoError(t, err) {
			close(got)
			p2.Release()
		}
	}()
	require.Eventually(t, func() bool { return q.Waiting() == 2 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
	assert.Equal(t, 1, q.Waiting())

	p.Release()
	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("remaining waiter was never woken")
	}

	_, ok := q.TryAcquire()
	assert.True(t, ok)
}

func TestRunReleasesOnPanic(t *testing.T) {
	q := New()
	assert.Panics(t, func() {
		_, _ = Run(context.Background(), q, func(context.Context) (int, error) { panic("boom") })
	})
	_, ok := q.TryAcquire()
	assert.True(t, ok)
}
