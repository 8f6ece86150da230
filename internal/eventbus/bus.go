// Package eventbus fans out broker events to every connected control
// client, generalizing the teacher's per-connection send-queue model
// (session.Hub.Register/Broadcast) from a single payload type to tagged
// broker events with ordered per-source delivery and drop-on-lag
// back-pressure (spec.md §4.8).
package eventbus

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/adred-codev/agentbroker/internal/protocol"
)

// Subscriber is a bounded per-connection fan-out queue.
type Subscriber struct {
	id      string
	mu      sync.Mutex
	events  chan protocol.Event
	closed  bool
	onDrop  func(subscriberID string)
	depthGa prometheus.Gauge
}

// Events returns the channel a connection should range over to receive
// events in arrival order.
func (s *Subscriber) Events() <-chan protocol.Event { return s.events }

// enqueue pushes ev onto the subscriber's queue. If the queue is full, the
// oldest pending event is evicted to make room (spec.md §4.8: "the
// subscriber's slowest-event is dropped"); evicted reports whether an
// eviction occurred so the caller can record the lag signal. Holding s.mu
// across the closed check and the send makes enqueue mutually exclusive
// with Bus.Unsubscribe's close, so a publish can never land on a channel
// that just closed out from under it.
func (s *Subscriber) enqueue(ev protocol.Event) (delivered, evicted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, false
	}

	select {
	case s.events <- ev:
		if s.depthGa != nil {
			s.depthGa.Set(float64(len(s.events)))
		}
		return true, false
	default:
	}

	select {
	case <-s.events:
		evicted = true
	default:
	}

	select {
	case s.events <- ev:
		delivered = true
	default:
	}
	if s.depthGa != nil {
		s.depthGa.Set(float64(len(s.events)))
	}
	return delivered, evicted
}

// close marks the subscriber closed and closes its channel, synchronized
// with enqueue so the two can never interleave.
func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
}

// Bus is the broker's single ordered event stream, fanned out to every
// subscriber. Publish never blocks: when a subscriber's queue is full, its
// oldest pending event is evicted to make room for the new event, and a
// synthetic delivery_dropped{reason:"event_lag"} event is then enqueued
// behind it, which evicts the next-oldest pending event if the queue is
// still full (with a queue of one, the lag event replaces the new event).
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	queueSize   int
	dropped     prometheus.Counter
	depthVec    *prometheus.GaugeVec
}

// New creates an event bus whose subscriber queues hold queueSize events.
func New(queueSize int, dropped prometheus.Counter, depthVec *prometheus.GaugeVec) *Bus {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Bus{
		subscribers: make(map[string]*Subscriber),
		queueSize:   queueSize,
		dropped:     dropped,
		depthVec:    depthVec,
	}
}

// Subscribe registers a new subscriber, identified by connection id.
func (b *Bus) Subscribe(connectionID string) *Subscriber {
	var depthGa prometheus.Gauge
	if b.depthVec != nil {
		depthGa = b.depthVec.WithLabelValues(connectionID)
	}
	sub := &Subscriber{
		id:      connectionID,
		events:  make(chan protocol.Event, b.queueSize),
		depthGa: depthGa,
	}

	b.mu.Lock()
	b.subscribers[connectionID] = sub
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes and closes a subscriber's queue.
func (b *Bus) Unsubscribe(connectionID string) {
	b.mu.Lock()
	sub, ok := b.subscribers[connectionID]
	delete(b.subscribers, connectionID)
	b.mu.Unlock()

	if ok {
		sub.close()
	}
	if b.depthVec != nil {
		b.depthVec.DeleteLabelValues(connectionID)
	}
}

// Publish fans ev out to every current subscriber. Ordering from a single
// goroutine calling Publish repeatedly is preserved per subscriber because
// each subscriber's channel is itself FIFO; cross-source interleaving is
// permitted, matching spec.md §5's ordering guarantee.
func (b *Bus) Publish(ev protocol.Event) {
	b.mu.RLock()
	subs := make([]*Subscriber, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		_, evicted := sub.enqueue(ev)
		if !evicted {
			continue
		}
		if b.dropped != nil {
			b.dropped.Inc()
		}
		lag := protocol.Event{Kind: protocol.EventDeliveryDrop, Reason: "event_lag", Count: 1}
		sub.enqueue(lag)
	}
}

// SubscriberCount reports how many connections are currently subscribed.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
