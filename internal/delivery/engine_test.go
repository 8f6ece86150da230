package delivery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/adred-codev/agentbroker/internal/eventbus"
	"github.com/adred-codev/agentbroker/internal/protocol"
	"github.com/adred-codev/agentbroker/internal/runtime"
)

// echoingHandle is a runtime.Handle double that echoes whatever is written
// to it back into its own scrollback after a short delay, simulating a
// worker that reflects injected input.
type echoingHandle struct {
	mu         sync.Mutex
	scrollback []byte
}

func (h *echoingHandle) PID() int { return 1 }

func (h *echoingHandle) Write(p []byte) (int, error) {
	go func() {
		time.Sleep(5 * time.Millisecond)
		h.mu.Lock()
		h.scrollback = append(h.scrollback, p...)
		h.mu.Unlock()
	}()
	return len(p), nil
}

func (h *echoingHandle) Resize(uint16, uint16) error { return nil }

func (h *echoingHandle) Scrollback() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]byte, len(h.scrollback))
	copy(out, h.scrollback)
	return out
}

func (h *echoingHandle) Terminate(time.Duration) error { return nil }

// silentHandle never echoes, so every injection fails verification.
type silentHandle struct{}

func (silentHandle) PID() int                      { return 1 }
func (silentHandle) Write(p []byte) (int, error)   { return len(p), nil }
func (silentHandle) Resize(uint16, uint16) error   { return nil }
func (silentHandle) Scrollback() []byte            { return nil }
func (silentHandle) Terminate(time.Duration) error { return nil }

func newTestEngine(h runtime.Handle) (*Engine, *eventbus.Bus) {
	bus := eventbus.New(64, nil, nil)
	inj := runtime.NewInjector(h, 200*time.Millisecond, false)
	eng := NewEngine("agent-a", Config{Capacity: 4, MaxAttempts: 2, ExplicitAck: true}, inj, bus, nil)
	return eng, bus
}

func TestEngineOrdersEqualPriorityFIFO(t *testing.T) {
	h := &echoingHandle{}
	eng, bus := newTestEngine(h)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx)

	sub := bus.Subscribe("watcher")
	defer bus.Unsubscribe("watcher")

	d1 := NewDelivery("e1", "u", "agent-a", "first", "", 0, "")
	d2 := NewDelivery("e2", "u", "agent-a", "second", "", 0, "")
	if err := eng.Enqueue(d1); err != nil {
		t.Fatalf("enqueue d1: %v", err)
	}
	if err := eng.Enqueue(d2); err != nil {
		t.Fatalf("enqueue d2: %v", err)
	}

	var injectedOrder []string
	deadline := time.After(2 * time.Second)
	for len(injectedOrder) < 2 {
		select {
		case ev := <-sub.Events():
			if ev.Kind == protocol.EventDeliveryInject {
				injectedOrder = append(injectedOrder, ev.EventID)
			}
		case <-deadline:
			t.Fatalf("timed out collecting injected order, got %v", injectedOrder)
		}
	}

	if injectedOrder[0] != "e1" || injectedOrder[1] != "e2" {
		t.Fatalf("expected FIFO injection order [e1 e2], got %v", injectedOrder)
	}
}

func TestEngineAutoAcksNonCorrelatedDelivery(t *testing.T) {
	h := &echoingHandle{}
	eng, bus := newTestEngine(h)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx)

	sub := bus.Subscribe("watcher")
	defer bus.Unsubscribe("watcher")

	d := NewDelivery("e1", "u", "agent-a", "hello", "", 0, "")
	if err := eng.Enqueue(d); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub.Events():
			if ev.Kind == protocol.EventDeliveryAcked {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for delivery_ack")
		}
	}
}

func TestEngineHoldsCorrelatedDeliveryUntilResolved(t *testing.T) {
	h := &echoingHandle{}
	eng, bus := newTestEngine(h)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx)

	sub := bus.Subscribe("watcher")
	defer bus.Unsubscribe("watcher")

	d := NewDelivery("e1", "u", "agent-a", "hello", "", 0, "corr-1")
	if err := eng.Enqueue(d); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Wait for verification; no ack should follow on its own.
	deadline := time.After(2 * time.Second)
waitVerified:
	for {
		select {
		case ev := <-sub.Events():
			if ev.Kind == protocol.EventDeliveryVerify {
				break waitVerified
			}
			if ev.Kind == protocol.EventDeliveryAcked {
				t.Fatalf("correlated delivery acked before resolution")
			}
		case <-deadline:
			t.Fatalf("timed out waiting for delivery_verified")
		}
	}

	select {
	case ev := <-sub.Events():
		if ev.Kind == protocol.EventDeliveryAcked {
			t.Fatalf("delivery acked without ResolveCorrelatedAck")
		}
	case <-time.After(100 * time.Millisecond):
	}

	if !eng.ResolveCorrelatedAck(d.CorrelationID, nil) {
		t.Fatalf("expected pending correlated delivery to resolve")
	}

	ackDeadline := time.After(1 * time.Second)
	for {
		select {
		case ev := <-sub.Events():
			if ev.Kind == protocol.EventDeliveryAcked && ev.DeliveryID == d.ID {
				return
			}
		case <-ackDeadline:
			t.Fatalf("timed out waiting for resolved ack event")
		}
	}
}

func TestEngineRetriesThenFailsWithoutEcho(t *testing.T) {
	eng, bus := newTestEngine(silentHandle{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx)

	d := NewDelivery("e1", "u", "agent-a", "hello", "", 0, "")
	if err := eng.Enqueue(d); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	deadline := time.After(3 * time.Second)
	var sawRetry, sawFail bool
	sub := bus.Subscribe("watch-fail")
	defer bus.Unsubscribe("watch-fail")
	for !sawFail {
		select {
		case ev := <-sub.Events():
			if ev.Kind == protocol.EventDeliveryRetry {
				sawRetry = true
			}
			if ev.Kind == protocol.EventDeliveryFail {
				sawFail = true
			}
		case <-deadline:
			t.Fatalf("timed out waiting for delivery_failed, sawRetry=%v", sawRetry)
		}
	}
	if !sawRetry {
		t.Fatalf("expected at least one delivery_retry before failure")
	}
}

func TestEngineQueueFullRejectsEqualPriority(t *testing.T) {
	eng, _ := newTestEngine(silentHandle{})
	eng.queue.capacity = 1

	low := NewDelivery("e1", "u", "agent-a", "low", "", 0, "")
	if err := eng.Enqueue(low); err != nil {
		t.Fatalf("enqueue low: %v", err)
	}

	samePriority := NewDelivery("e2", "u", "agent-a", "same", "", 0, "")
	if err := eng.Enqueue(samePriority); err != ErrQueueFull {
		t.Fatalf("expected ErrQueueFull for equal-priority arrival, got %v", err)
	}
}

func TestEngineQueueFullPreemptsLowerPriority(t *testing.T) {
	eng, bus := newTestEngine(silentHandle{})
	eng.queue.capacity = 1

	low := NewDelivery("e1", "u", "agent-a", "low", "", 0, "")
	if err := eng.Enqueue(low); err != nil {
		t.Fatalf("enqueue low: %v", err)
	}

	sub := bus.Subscribe("watch-preempt")
	defer bus.Unsubscribe("watch-preempt")

	high := NewDelivery("e2", "u", "agent-a", "high", "", 5, "")
	if err := eng.Enqueue(high); err != nil {
		t.Fatalf("enqueue high: %v", err)
	}

	var sawPreempt bool
	deadline := time.After(1 * time.Second)
	for !sawPreempt {
		select {
		case ev := <-sub.Events():
			if ev.Kind == protocol.EventDeliveryDrop && ev.Reason == "priority_preempt" && ev.DeliveryID == low.ID {
				sawPreempt = true
			}
		case <-deadline:
			t.Fatalf("timed out waiting for priority_preempt drop event")
		}
	}
}
