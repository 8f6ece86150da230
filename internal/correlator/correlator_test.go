package correlator

import (
	"testing"
	"time"
)

func TestRegisterDuplicateRejected(t *testing.T) {
	c := New(nil)
	if _, err := c.Register("c1", "conn-a", "agent-1", time.Second, nil); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if _, err := c.Register("c1", "conn-a", "agent-1", time.Second, nil); err == nil {
		t.Fatalf("expected duplicate error")
	}
}

func TestResolveAckDeliversOnce(t *testing.T) {
	c := New(nil)
	ch, err := c.Register("c1", "conn-a", "agent-1", time.Second, nil)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if !c.ResolveAck("c1", "OK") {
		t.Fatalf("expected first ResolveAck to succeed")
	}
	if c.ResolveAck("c1", "OK-late") {
		t.Fatalf("expected second ResolveAck to be dropped")
	}

	outcome := <-ch
	if outcome.TimedOut || outcome.Ack != "OK" {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
}

func TestTimeoutFiresOnce(t *testing.T) {
	c := New(nil)
	fired := make(chan struct{}, 1)
	ch, err := c.Register("c1", "conn-a", "agent-1", 10*time.Millisecond, func() {
		fired <- struct{}{}
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatalf("timeout callback never fired")
	}

	outcome := <-ch
	if !outcome.TimedOut {
		t.Fatalf("expected TimedOut outcome")
	}

	// A late ACK after timeout must be silently dropped.
	if c.ResolveAck("c1", "late") {
		t.Fatalf("expected late ack to be ignored")
	}
}

func TestCancelConnectionFailsOwnedEntries(t *testing.T) {
	c := New(nil)
	chA, _ := c.Register("a", "conn-1", "agent-1", time.Second, nil)
	chB, _ := c.Register("b", "conn-2", "agent-1", time.Second, nil)

	c.CancelConnection("conn-1")

	outcome := <-chA
	if !outcome.TimedOut {
		t.Fatalf("expected conn-1's correlation to be cancelled")
	}
	if c.Pending("b") == false {
		t.Fatalf("conn-2's correlation should remain pending")
	}
	_ = chB
}
