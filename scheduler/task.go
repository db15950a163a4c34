package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"sentinel-ai/investigation"
)

// TaskStatus represents the lifecycle state of a queued investigation.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
)

// Task is one investigation waiting for, or held by, a worker.
type Task struct {
	ID         string
	Logs       string
	Priority   int
	Status     TaskStatus
	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time

	ctx    context.Context // caller's context
	done   chan struct{}
	result *investigation.Result
	err    error
	seq    uint64
	index  int // position in heap, managed by container/heap
}

// taskHeap implements heap.Interface. Higher Priority values are dequeued
// first; equal priorities keep submission order.
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*Task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// priorityQueue is a bounded, thread-safe priority queue for tasks.
type priorityQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	heap    taskHeap
	maxSize int
	nextSeq uint64
	closed  bool
}

func newPriorityQueue(maxSize int) *priorityQueue {
	pq := &priorityQueue{
		heap:    make(taskHeap, 0, maxSize),
		maxSize: maxSize,
	}
	pq.cond = sync.NewCond(&pq.mu)
	return pq
}

// push adds a task. It reports false if the queue is full or closed.
func (pq *priorityQueue) push(t *Task) bool {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	if pq.closed || pq.heap.Len() >= pq.maxSize {
		return false
	}
	pq.nextSeq++
	t.seq = pq.nextSeq
	heap.Push(&pq.heap, t)
	pq.cond.Signal()
	return true
}

// pop blocks until a task is available. It returns nil once the queue is
// closed and drained.
func (pq *priorityQueue) pop() *Task {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	for pq.heap.Len() == 0 && !pq.closed {
		pq.cond.Wait()
	}
	if pq.heap.Len() == 0 {
		return nil
	}
	return heap.Pop(&pq.heap).(*Task)
}

// remove drops a task that has not been picked up yet.
func (pq *priorityQueue) remove(t *Task) bool {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	if t.index < 0 || t.index >= pq.heap.Len() || pq.heap[t.index] != t {
		return false
	}
	heap.Remove(&pq.heap, t.index)
	return true
}

func (pq *priorityQueue) close() {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	pq.closed = true
	pq.cond.Broadcast()
}

func (pq *priorityQueue) len() int {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return pq.heap.Len()
}
