package degrade

import (
	"errors"
	"sync"
	"time"
)

// ErrQueueFull is returned when the queue is at capacity.
var ErrQueueFull = errors.New("degrade: queue full")

// QueuedRequest is one entry waiting out a rate-limited period. The queue is
// advisory: nothing drains it automatically, it exists so clients can see
// how many requests are waiting and drop those past their deadline.
type QueuedRequest struct {
	ID       string
	Priority int
	Deadline time.Time
	Enqueued time.Time
	Payload  any
}

// Queue is a bounded FIFO with priority tiebreak: higher priority first,
// insertion order within a priority.
type Queue struct {
	mu      sync.Mutex
	entries []QueuedRequest
	cap     int
}

// NewQueue builds a queue holding at most capacity entries.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 100
	}
	return &Queue{cap: capacity}
}

// Push adds a request, evicting expired entries first if at capacity.
func (q *Queue) Push(req QueuedRequest) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) >= q.cap {
		q.dropExpiredLocked(time.Now())
	}
	if len(q.entries) >= q.cap {
		return ErrQueueFull
	}

	if req.Enqueued.IsZero() {
		req.Enqueued = time.Now()
	}

	// Insert before the first entry of strictly lower priority, keeping
	// FIFO order within each priority.
	pos := len(q.entries)
	for i, e := range q.entries {
		if e.Priority < req.Priority {
			pos = i
			break
		}
	}
	q.entries = append(q.entries, QueuedRequest{})
	copy(q.entries[pos+1:], q.entries[pos:])
	q.entries[pos] = req
	return nil
}

// Pop removes and returns the head entry, skipping any past deadline.
func (q *Queue) Pop() (QueuedRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.dropExpiredLocked(time.Now())
	if len(q.entries) == 0 {
		return QueuedRequest{}, false
	}
	head := q.entries[0]
	q.entries = q.entries[1:]
	return head, true
}

// Depth returns the number of queued entries still within deadline.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dropExpiredLocked(time.Now())
	return len(q.entries)
}

func (q *Queue) dropExpiredLocked(now time.Time) {
	kept := q.entries[:0]
	for _, e := range q.entries {
		if e.Deadline.IsZero() || now.Before(e.Deadline) {
			kept = append(kept, e)
		}
	}
	q.entries = kept
}
