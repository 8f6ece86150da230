// Package delivery implements the per-agent delivery state machine —
// queue -> inject -> verify -> ack, with retries and backpressure — from
// spec.md §4.6. The bounded priority queue and drop-on-lag signalling
// generalize the teacher's broadcast queue / worker-pool backpressure
// idiom (src/worker_pool.go, session.Hub.Broadcast) from "fire and
// forget broadcast" to "ordered, retried, per-recipient delivery".
package delivery

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is a delivery's position in its state machine (spec.md §3/§4.9).
type State string

const (
	StateQueued    State = "queued"
	StateInjecting State = "injecting"
	StateVerified  State = "verified"
	StateAcked     State = "acked"
	StateFailed    State = "failed"
	StateDropped   State = "dropped"
)

// Delivery is an in-flight unit addressed to exactly one agent.
type Delivery struct {
	ID            string
	EventID       string
	Sender        string
	Target        string
	Body          string
	ThreadID      string
	Priority      int
	Attempts      int
	State         State
	CreatedAt     time.Time
	LastAttempt   time.Time
	CorrelationID string
}

// NewDelivery builds a queued delivery with a fresh id.
func NewDelivery(eventID, sender, target, body, threadID string, priority int, correlationID string) *Delivery {
	return &Delivery{
		ID:            uuid.NewString(),
		EventID:       eventID,
		Sender:        sender,
		Target:        target,
		Body:          body,
		ThreadID:      threadID,
		Priority:      priority,
		State:         StateQueued,
		CreatedAt:     time.Now(),
		CorrelationID: correlationID,
	}
}

// queue is a bounded, per-priority-FIFO queue for one agent. Callers
// enqueue from any goroutine; only the owning Engine goroutine pops.
type queue struct {
	mu       sync.Mutex
	items    []*Delivery
	capacity int
}

func newQueue(capacity int) *queue {
	if capacity <= 0 {
		capacity = 1000
	}
	return &queue{capacity: capacity}
}

// enqueueResult reports how Enqueue resolved.
type enqueueResult int

const (
	enqueueOK enqueueResult = iota
	enqueuePreempted
	enqueueFull
)

// enqueue adds d to the queue. When full, d is accepted only if its
// priority strictly exceeds the minimum-priority item currently queued —
// in which case the oldest item at that minimum priority is evicted
// (spec.md §4.6 enqueue policy, preserved verbatim).
func (q *queue) enqueue(d *Delivery) (enqueueResult, *Delivery) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) < q.capacity {
		q.items = append(q.items, d)
		return enqueueOK, nil
	}

	minIdx := 0
	for i, it := range q.items {
		if it.Priority < q.items[minIdx].Priority {
			minIdx = i
		}
	}

	if d.Priority <= q.items[minIdx].Priority {
		return enqueueFull, nil
	}

	victim := q.items[minIdx]
	q.items = append(q.items[:minIdx], q.items[minIdx+1:]...)
	q.items = append(q.items, d)
	return enqueuePreempted, victim
}

// requeueFront re-enqueues d at the head of its priority class (used by
// the retry path so a retried delivery is injected before newer arrivals
// of the same priority).
func (q *queue) requeueFront(d *Delivery) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append([]*Delivery{d}, q.items...)
}

// pop selects the highest-priority item, earliest-enqueued among ties
// (FIFO within a priority class, since items are appended in arrival
// order and requeued retries are prepended ahead of same-priority peers).
func (q *queue) pop() *Delivery {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}
	bestIdx := 0
	for i, it := range q.items {
		if it.Priority > q.items[bestIdx].Priority {
			bestIdx = i
		}
	}
	d := q.items[bestIdx]
	q.items = append(q.items[:bestIdx], q.items[bestIdx+1:]...)
	return d
}

// drain removes and returns every pending item, for release-time cleanup.
func (q *queue) drain() []*Delivery {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// depth reports the current queue length.
func (q *queue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
