// Package queue implements the priority bug queue (§4.4): a min-heap on
// (priority, insertion_count) with FIFO tiebreak, in-flight ("running")
// tracking, and cooperative consumer blocking. Grounded on
// original_source/bugs_queue.py's heapq-backed asyncio.Queue subclass,
// translated to a goroutine-safe Go queue with a condition variable instead
// of Python's event-loop-integrated Queue.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrClosed is returned by Get once Close has been called and no more items
// remain.
var ErrClosed = errors.New("queue: closed")

// item is one pending entry: (priority, insertion_count, bug). Smaller
// priority sorts first; ties break by insertion order (§3).
type item struct {
	priority int
	seq      uint64
	bug      int
}

type itemHeap []item

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h itemHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x any)        { *h = append(*h, x.(item)) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	popped := old[n-1]
	*h = old[:n-1]
	return popped
}

// Queue is a bounded-consumer priority queue for bug numbers. The zero
// value is not usable; construct with New.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	heap    itemHeap
	running map[int]int // bug -> count of in-flight occurrences
	nextSeq uint64
	closed  bool
}

// New returns an empty Queue.
func New() *Queue {
	q := &Queue{running: make(map[int]int)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Put enqueues bug at priority; it never blocks.
func (q *Queue) Put(priority, bug int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	heap.Push(&q.heap, item{priority: priority, seq: q.nextSeq, bug: bug})
	q.nextSeq++
	q.cond.Signal()
}

// Get blocks until an item is available or ctx is cancelled, then moves the
// returned bug into the running set. Cancellation returns ctx.Err() and
// leaves the queue unmodified.
func (q *Queue) Get(ctx context.Context) (int, error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			q.cond.Broadcast()
		case <-done:
		}
	}()

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.heap) == 0 && !q.closed {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		q.cond.Wait()
	}
	if len(q.heap) == 0 {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		return 0, ErrClosed
	}
	bug := heap.Pop(&q.heap).(item).bug
	q.running[bug]++
	return bug, nil
}

// Done marks one occurrence of bug as finished. It panics if bug has no
// in-flight occurrence, matching spec §4.4's "fails loudly if absent".
func (q *Queue) Done(bug int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	count, ok := q.running[bug]
	if !ok || count == 0 {
		panic(fmt.Sprintf("queue: Done(%d) called with no in-flight occurrence", bug))
	}
	if count == 1 {
		delete(q.running, bug)
	} else {
		q.running[bug] = count - 1
	}
}

// Snapshot returns a consistent (running, queued) pair for status reporting
// (§3 Tester status: "running first, then queued").
func (q *Queue) Snapshot() (running, queued []int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for bug, count := range q.running {
		for i := 0; i < count; i++ {
			running = append(running, bug)
		}
	}
	ordered := append(itemHeap(nil), q.heap...)
	heap.Init(&ordered)
	for ordered.Len() > 0 {
		queued = append(queued, heap.Pop(&ordered).(item).bug)
	}
	return running, queued
}

// Contains reports whether bug is queued or running — the de-duplication
// test of §4.4/§8.7.
func (q *Queue) Contains(bug int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running[bug] > 0 {
		return true
	}
	for _, it := range q.heap {
		if it.bug == bug {
			return true
		}
	}
	return false
}

// Close releases every blocked Get with ctx.Err() == nil returning a zero
// value and an error; used during Tester shutdown to unblock worker tasks
// without requiring each caller to carry its own context.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
