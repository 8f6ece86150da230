// Package correlator implements the synchronous ACK-correlation layer for
// blocking sends (spec.md §4.7). It generalizes the teacher's single-owner
// map-plus-timer idiom (seen guarding session.Hub's shard maps) to a
// request/ack rendezvous instead of a connection registry.
package correlator

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// AckPayload is whatever a worker-originated ACK envelope carries; the
// correlator treats it opaquely and forwards it verbatim.
type AckPayload = any

// Outcome is delivered exactly once per pending correlation, either
// because a matching ACK arrived or because the timeout fired. A
// correlation cancelled by CancelConnection is also reported with
// TimedOut set; there is no separate connection-closed outcome.
type Outcome struct {
	Ack     AckPayload
	TimedOut bool
}

type pending struct {
	connectionID string
	target       string
	createdAt    time.Time
	timer        *time.Timer
	result       chan Outcome
	done         bool
}

// Correlator tracks in-flight blocking sends keyed by correlation id.
type Correlator struct {
	mu      sync.Mutex
	entries map[string]*pending
	latency prometheus.Histogram
}

// New creates an empty correlator.
func New(latency prometheus.Histogram) *Correlator {
	return &Correlator{entries: make(map[string]*pending), latency: latency}
}

// ErrDuplicate is returned by Register when id is already pending.
type ErrDuplicate struct{ ID string }

func (e ErrDuplicate) Error() string { return "duplicate_correlation_id: " + e.ID }

// NewID generates a broker-assigned correlation id.
func NewID() string { return uuid.NewString() }

// Register begins tracking a pending blocking send. onTimeout is invoked
// (from the correlator's own timer goroutine) exactly once if no ACK
// arrives within timeout; the caller is responsible for actually pushing
// the ack_timeout error to the sender connection.
func (c *Correlator) Register(id, connectionID, target string, timeout time.Duration, onTimeout func()) (<-chan Outcome, error) {
	c.mu.Lock()
	if _, exists := c.entries[id]; exists {
		c.mu.Unlock()
		return nil, ErrDuplicate{ID: id}
	}

	p := &pending{
		connectionID: connectionID,
		target:       target,
		createdAt:    time.Now(),
		result:       make(chan Outcome, 1),
	}
	c.entries[id] = p
	c.mu.Unlock()

	p.timer = time.AfterFunc(timeout, func() {
		if c.complete(id, Outcome{TimedOut: true}) && onTimeout != nil {
			onTimeout()
		}
	})

	return p.result, nil
}

// ResolveAck completes a pending correlation with an ACK payload. Returns
// false if id was not pending (already resolved, or never registered) —
// subsequent ACKs for the same id are silently dropped per spec.md §4.7.
func (c *Correlator) ResolveAck(id string, ack AckPayload) bool {
	return c.complete(id, Outcome{Ack: ack})
}

func (c *Correlator) complete(id string, outcome Outcome) bool {
	c.mu.Lock()
	p, ok := c.entries[id]
	if !ok || p.done {
		c.mu.Unlock()
		return false
	}
	p.done = true
	delete(c.entries, id)
	c.mu.Unlock()

	if p.timer != nil {
		p.timer.Stop()
	}
	if c.latency != nil {
		c.latency.Observe(time.Since(p.createdAt).Seconds())
	}
	p.result <- outcome
	close(p.result)
	return true
}

// CancelConnection completes every correlation owned by connectionID,
// used when that connection disconnects (spec.md §4.2 / §4.7). Each one
// is resolved with a TimedOut outcome; no connection_closed error is
// produced.
func (c *Correlator) CancelConnection(connectionID string) {
	c.mu.Lock()
	var ids []string
	for id, p := range c.entries {
		if p.connectionID == connectionID {
			ids = append(ids, id)
		}
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.complete(id, Outcome{TimedOut: true})
	}
}

// Pending reports whether id is currently tracked (test/inspection helper).
func (c *Correlator) Pending(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[id]
	return ok
}
