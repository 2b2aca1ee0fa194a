package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriorityDiscipline(t *testing.T) {
	q := New()
	q.Put(5, 1)
	q.Put(1, 2)
	q.Put(5, 3)
	q.Put(0, 4)

	ctx := context.Background()
	var order []int
	for i := 0; i < 4; i++ {
		bug, err := q.Get(ctx)
		require.NoError(t, err)
		order = append(order, bug)
		q.Done(bug)
	}
	// priority 0 first, then 1, then the two priority-5 entries in FIFO order.
	assert.Equal(t, []int{4, 2, 1, 3}, order)
}

func TestScenarioS2PriorityOverride(t *testing.T) {
	q := New()
	ctx := context.Background()

	q.Put(0, 200)
	q.Put(100, 201)

	bug, err := q.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 200, bug)
}

func TestDeduplicationAcrossQueuedAndRunning(t *testing.T) {
	q := New()
	assert.False(t, q.Contains(7))

	q.Put(0, 7)
	assert.True(t, q.Contains(7))

	ctx := context.Background()
	bug, err := q.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, 7, bug)
	assert.True(t, q.Contains(7), "bug should still be considered present while running")

	q.Done(bug)
	assert.False(t, q.Contains(7))
	_ = ctx
}

func TestDoneWithoutInFlightPanics(t *testing.T) {
	q := New()
	assert.Panics(t, func() { q.Done(999) })
}

func TestGetBlocksUntilPut(t *testing.T) {
	q := New()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resultCh := make(chan int, 1)
	go func() {
		bug, err := q.Get(ctx)
		if err == nil {
			resultCh <- bug
		}
	}()

	time.Sleep(20 * time.Millisecond)
	q.Put(0, 42)

	select {
	case bug := <-resultCh:
		assert.Equal(t, 42, bug)
	case <-time.After(time.Second):
		t.Fatal("Get did not unblock after Put")
	}
}

func TestGetCancellation(t *testing.T) {
	q := New()
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Get(ctx)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Get did not unblock after cancellation")
	}
}

func TestSnapshotOrdersRunningBeforeQueued(t *testing.T) {
	q := New()
	q.Put(0, 1)
	q.Put(0, 2)

	running, queued := q.Snapshot()
	assert.Empty(t, running)
	assert.ElementsMatch(t, []int{1, 2}, queued)

	bug, err := q.Get(context.Background())
	require.NoError(t, err)

	running, queued = q.Snapshot()
	assert.Equal(t, []int{bug}, running)
	assert.Len(t, queued, 1)
}
