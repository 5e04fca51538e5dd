package a2a

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/agentfabric/types"
)

// queuedMessage is an envelope waiting for, or going through, dispatch.
type queuedMessage struct {
	env        *types.Envelope
	priority   types.Priority
	enqueuedAt time.Time
	deadline   time.Time
	policy     types.RetryPolicy
	route      *types.Route

	// attempts counts handler invocations.
	attempts atomic.Int32

	seq   uint64
	index int // heap position, -1 when not queued

	mu         sync.Mutex
	settled    bool
	timeout    *time.Timer
	retryTimer *time.Timer
	result     chan outcome
}

type outcome struct {
	resp *types.Response
	err  *types.Error
}

func newQueuedMessage(env *types.Envelope, policy types.RetryPolicy, timeout time.Duration, now time.Time) *queuedMessage {
	return &queuedMessage{
		env:        env,
		priority:   env.EffectivePriority(),
		enqueuedAt: now,
		deadline:   now.Add(timeout),
		policy:     policy,
		index:      -1,
		result:     make(chan outcome, 1),
	}
}

// settle delivers the terminal outcome once. It reports whether this call
// won.
func (q *queuedMessage) settle(o outcome) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.settled {
		return false
	}
	q.settled = true
	if q.timeout != nil {
		q.timeout.Stop()
	}
	if q.retryTimer != nil {
		q.retryTimer.Stop()
	}
	q.result <- o
	return true
}

func (q *queuedMessage) isSettled() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.settled
}

func (q *queuedMessage) setTimeoutTimer(t *time.Timer) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.timeout = t
}

func (q *queuedMessage) setRetryTimer(t *time.Timer) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.retryTimer = t
}

// priorityQueue orders messages by priority rank, FIFO within a rank.
// All methods are safe for concurrent use.
type priorityQueue struct {
	mu    sync.Mutex
	items messageHeap
	seq   uint64
}

func newPriorityQueue() *priorityQueue {
	return &priorityQueue{}
}

// Push appends m behind every queued message of the same or higher priority.
func (pq *priorityQueue) Push(m *queuedMessage) {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	pq.seq++
	m.seq = pq.seq
	heap.Push(&pq.items, m)
}

// Requeue puts m back keeping its original arrival order.
func (pq *priorityQueue) Requeue(m *queuedMessage) {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	heap.Push(&pq.items, m)
}

// Pop removes and returns the head, or nil when empty.
func (pq *priorityQueue) Pop() *queuedMessage {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	if len(pq.items) == 0 {
		return nil
	}
	return heap.Pop(&pq.items).(*queuedMessage)
}

// Remove takes m out of the queue if it is still there.
func (pq *priorityQueue) Remove(m *queuedMessage) bool {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	if m.index < 0 || m.index >= len(pq.items) || pq.items[m.index] != m {
		return false
	}
	heap.Remove(&pq.items, m.index)
	return true
}

// Drain empties the queue and returns what was in it, head first.
func (pq *priorityQueue) Drain() []*queuedMessage {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	out := make([]*queuedMessage, 0, len(pq.items))
	for len(pq.items) > 0 {
		out = append(out, heap.Pop(&pq.items).(*queuedMessage))
	}
	return out
}

// Len returns the number of queued messages.
func (pq *priorityQueue) Len() int {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return len(pq.items)
}

type messageHeap []*queuedMessage

func (h messageHeap) Len() int { return len(h) }

func (h messageHeap) Less(i, j int) bool {
	ri, rj := h[i].priority.Rank(), h[j].priority.Rank()
	if ri != rj {
		return ri < rj
	}
	return h[i].seq < h[j].seq
}

func (h messageHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *messageHeap) Push(x any) {
	m := x.(*queuedMessage)
	m.index = len(*h)
	*h = append(*h, m)
}

func (h *messageHeap) Pop() any {
	old := *h
	n := len(old)
	m := old[n-1]
	old[n-1] = nil
	m.index = -1
	*h = old[:n-1]
	return m
}
