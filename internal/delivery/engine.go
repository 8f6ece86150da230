package delivery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/adred-codev/agentbroker/internal/eventbus"
	"github.com/adred-codev/agentbroker/internal/metrics"
	"github.com/adred-codev/agentbroker/internal/protocol"
	"github.com/adred-codev/agentbroker/internal/runtime"
)

// ErrQueueFull is returned by Enqueue when the queue is at capacity and
// the arriving delivery does not outrank the lowest-priority pending one.
var ErrQueueFull = errors.New("queue_full")

// Config bounds an Engine's retry/backpressure behavior.
type Config struct {
	Capacity     int
	MaxAttempts  int
	VerifyWindow time.Duration
	TTL          time.Duration // 0 disables TTL-based dropping

	// ExplicitAck reports whether this agent's runtime can ever submit a
	// worker-originated delivery_ack (spec.md §4.7). Runtimes without
	// explicit ACKs (e.g. generic PTY) are implicitly acked once
	// verified instead of waiting on a correlation that will never
	// resolve (spec.md §4.6).
	ExplicitAck bool
}

// Engine drives one agent's delivery queue through queued -> injecting ->
// verified -> acked, exclusively owning that agent's injector so at most
// one injection is ever in flight for it (spec.md §3 invariant).
type Engine struct {
	agentName string
	cfg       Config
	queue     *queue
	injector  *runtime.Injector
	bus       *eventbus.Bus
	metrics   *metrics.Registry

	wakeCh chan struct{}

	pendingMu sync.Mutex
	pending   map[string]*Delivery // awaiting an external (correlated) ack

	// onImplicitAck notifies the broker's correlator that a correlated
	// delivery was synthesized-acked because its runtime never submits
	// explicit worker acks (spec.md §4.6 "Runtimes without explicit
	// worker ACKs ... are considered implicitly acked").
	onImplicitAck func(correlationID string)

	stopped chan struct{}
}

// NewEngine constructs a delivery engine for one agent.
func NewEngine(agentName string, cfg Config, injector *runtime.Injector, bus *eventbus.Bus, reg *metrics.Registry) *Engine {
	return &Engine{
		agentName: agentName,
		cfg:       cfg,
		queue:     newQueue(cfg.Capacity),
		injector:  injector,
		bus:       bus,
		metrics:   reg,
		wakeCh:    make(chan struct{}, 1),
		pending:   make(map[string]*Delivery),
		stopped:   make(chan struct{}),
	}
}

// OnImplicitAck registers the callback invoked when a correlated delivery
// is auto-acked on a non-explicit-ack runtime.
func (e *Engine) OnImplicitAck(fn func(correlationID string)) {
	e.onImplicitAck = fn
}

// Enqueue admits d into the queue, applying the bounded-queue preemption
// policy (spec.md §4.6) and publishing delivery_queued / delivery_dropped
// accordingly.
func (e *Engine) Enqueue(d *Delivery) error {
	res, victim := e.queue.enqueue(d)
	switch res {
	case enqueueFull:
		return ErrQueueFull
	case enqueuePreempted:
		victim.State = StateDropped
		e.publish(protocol.Event{
			Kind:       protocol.EventDeliveryDrop,
			Name:       e.agentName,
			DeliveryID: victim.ID,
			EventID:    victim.EventID,
			Reason:     "priority_preempt",
			Count:      1,
		})
		e.countMetric("dropped")
	}

	e.publish(protocol.Event{
		Kind:       protocol.EventDeliveryQueued,
		Name:       e.agentName,
		DeliveryID: d.ID,
		EventID:    d.EventID,
	})
	e.countMetric("queued")
	e.updateDepthMetric()
	e.wake()
	return nil
}

func (e *Engine) wake() {
	select {
	case e.wakeCh <- struct{}{}:
	default:
	}
}

// Run is the per-agent delivery loop; it must run in its own goroutine
// for the lifetime of the agent and exits when ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	defer close(e.stopped)
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.wakeCh:
		}

		for {
			d := e.queue.pop()
			if d == nil {
				break
			}
			if e.isExpired(d) {
				d.State = StateDropped
				e.publish(protocol.Event{Kind: protocol.EventDeliveryDrop, Name: e.agentName, DeliveryID: d.ID, EventID: d.EventID, Reason: "ttl", Count: 1})
				e.countMetric("dropped")
				e.updateDepthMetric()
				continue
			}
			e.processOne(ctx, d)
			e.updateDepthMetric()

			select {
			case <-ctx.Done():
				return
			default:
			}
		}
	}
}

func (e *Engine) isExpired(d *Delivery) bool {
	return e.cfg.TTL > 0 && time.Since(d.CreatedAt) > e.cfg.TTL
}

func (e *Engine) processOne(ctx context.Context, d *Delivery) {
	d.State = StateInjecting
	d.Attempts++
	d.LastAttempt = time.Now()
	e.publish(protocol.Event{Kind: protocol.EventDeliveryInject, Name: e.agentName, DeliveryID: d.ID, EventID: d.EventID})
	e.countMetric("injected")

	verified, err := e.injector.Inject(ctx, d.Body)
	if err == nil && verified {
		e.onVerified(d)
		return
	}
	e.onAttemptFailed(d)
}

func (e *Engine) onVerified(d *Delivery) {
	d.State = StateVerified
	e.publish(protocol.Event{Kind: protocol.EventDeliveryVerify, Name: e.agentName, DeliveryID: d.ID, EventID: d.EventID})
	e.countMetric("verified")

	e.publish(protocol.Event{
		Kind:     protocol.EventRelayInbound,
		EventID:  d.EventID,
		From:     d.Sender,
		Target:   d.Target,
		Body:     d.Body,
		ThreadID: d.ThreadID,
	})

	if d.CorrelationID == "" {
		e.finalizeAck(d, nil)
		return
	}

	if !e.cfg.ExplicitAck {
		e.finalizeAck(d, nil)
		if e.onImplicitAck != nil {
			e.onImplicitAck(d.CorrelationID)
		}
		return
	}

	e.pendingMu.Lock()
	e.pending[d.CorrelationID] = d
	e.pendingMu.Unlock()
}

func (e *Engine) onAttemptFailed(d *Delivery) {
	maxAttempts := e.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	if d.Attempts >= maxAttempts {
		d.State = StateFailed
		e.publish(protocol.Event{Kind: protocol.EventDeliveryFail, Name: e.agentName, DeliveryID: d.ID, EventID: d.EventID, Reason: "verification_failed"})
		e.countMetric("failed")
		return
	}

	d.State = StateQueued
	e.publish(protocol.Event{Kind: protocol.EventDeliveryRetry, Name: e.agentName, DeliveryID: d.ID, EventID: d.EventID, Attempts: d.Attempts})
	e.countMetric("retried")
	e.queue.requeueFront(d)
	e.wake()
}

// ResolveCorrelatedAck finalizes a delivery that was left in Verified
// pending a blocking send's correlation outcome (either a genuine
// worker ACK or the correlator's own timeout) — called by the broker's
// send-request glue, not by the engine loop itself, since the
// correlator lives above any single agent's engine. Keyed by
// correlation id rather than delivery id because that is what the
// broker's correlator and the client both already know.
func (e *Engine) ResolveCorrelatedAck(correlationID string, ack any) bool {
	e.pendingMu.Lock()
	d, ok := e.pending[correlationID]
	if ok {
		delete(e.pending, correlationID)
	}
	e.pendingMu.Unlock()
	if !ok {
		return false
	}
	e.finalizeAck(d, ack)
	return true
}

// AbandonCorrelated stops tracking a pending correlated delivery without
// acking it, used when its correlation timed out: the delivery stays
// verified (already relay_inbound'd) but will never transition to acked.
func (e *Engine) AbandonCorrelated(correlationID string) {
	e.pendingMu.Lock()
	delete(e.pending, correlationID)
	e.pendingMu.Unlock()
}

func (e *Engine) finalizeAck(d *Delivery, _ any) {
	d.State = StateAcked
	e.publish(protocol.Event{Kind: protocol.EventDeliveryAcked, Name: e.agentName, DeliveryID: d.ID, EventID: d.EventID})
	e.countMetric("acked")
}

// Drain cancels every queued and pending-ack delivery, marking them
// dropped{reason:"released"} — used when the agent is released
// (spec.md §4.4/§5 Cancellation).
func (e *Engine) Drain() {
	for _, d := range e.queue.drain() {
		d.State = StateDropped
		e.publish(protocol.Event{Kind: protocol.EventDeliveryDrop, Name: e.agentName, DeliveryID: d.ID, EventID: d.EventID, Reason: "released", Count: 1})
		e.countMetric("dropped")
	}

	e.pendingMu.Lock()
	pending := make([]*Delivery, 0, len(e.pending))
	for _, d := range e.pending {
		pending = append(pending, d)
	}
	e.pending = make(map[string]*Delivery)
	e.pendingMu.Unlock()

	for _, d := range pending {
		d.State = StateDropped
		e.publish(protocol.Event{Kind: protocol.EventDeliveryDrop, Name: e.agentName, DeliveryID: d.ID, EventID: d.EventID, Reason: "released", Count: 1})
		e.countMetric("dropped")
	}
	e.updateDepthMetric()
}

// Stopped is closed once Run has returned.
func (e *Engine) Stopped() <-chan struct{} { return e.stopped }

// Depth reports the current queue length, for get_status.
func (e *Engine) Depth() int { return e.queue.depth() }

func (e *Engine) publish(ev protocol.Event) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}

func (e *Engine) countMetric(state string) {
	if e.metrics != nil {
		e.metrics.Deliveries.WithLabelValues(state).Inc()
	}
}

func (e *Engine) updateDepthMetric() {
	if e.metrics != nil {
		e.metrics.QueueDepth.WithLabelValues(e.agentName).Set(float64(e.queue.depth()))
	}
}
