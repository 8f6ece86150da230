package runtime

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeHandle is an in-memory Handle double: writes land in a buffer that
// the test can "echo" into scrollback to simulate the worker reflecting
// injected input back out.
type fakeHandle struct {
	mu         sync.Mutex
	written    []byte
	scrollback []byte
}

func (f *fakeHandle) PID() int { return 1 }

func (f *fakeHandle) Write(p []byte) (int, error) {
	f.mu.Lock()
	f.written = append(f.written, p...)
	f.mu.Unlock()
	return len(p), nil
}

func (f *fakeHandle) Resize(uint16, uint16) error { return nil }

func (f *fakeHandle) Scrollback() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]byte, len(f.scrollback))
	copy(out, f.scrollback)
	return out
}

func (f *fakeHandle) Terminate(time.Duration) error { return nil }

func (f *fakeHandle) echo(s string) {
	f.mu.Lock()
	f.scrollback = append(f.scrollback, s...)
	f.mu.Unlock()
}

func TestInjectorVerifiesEcho(t *testing.T) {
	h := &fakeHandle{}
	inj := NewInjector(h, 500*time.Millisecond, false)

	go func() {
		time.Sleep(30 * time.Millisecond)
		h.echo("ping")
	}()

	verified, err := inj.Inject(context.Background(), "ping")
	if err != nil {
		t.Fatalf("Inject: %v", err)
	}
	if !verified {
		t.Fatalf("expected verification to succeed")
	}
}

func TestInjectorTimesOutWithoutEcho(t *testing.T) {
	h := &fakeHandle{}
	inj := NewInjector(h, 50*time.Millisecond, false)

	verified, err := inj.Inject(context.Background(), "ping")
	if err != nil {
		t.Fatalf("Inject: %v", err)
	}
	if verified {
		t.Fatalf("expected verification to fail without echo")
	}
}

func TestInjectorUsesPrefixForLongMessages(t *testing.T) {
	h := &fakeHandle{}
	inj := NewInjector(h, 500*time.Millisecond, false)

	long := make([]byte, 500)
	for i := range long {
		long[i] = 'x'
	}
	text := string(long)

	go func() {
		time.Sleep(20 * time.Millisecond)
		h.echo(text[:verificationNeedlePrefixBytes])
	}()

	verified, err := inj.Inject(context.Background(), text)
	if err != nil {
		t.Fatalf("Inject: %v", err)
	}
	if !verified {
		t.Fatalf("expected prefix match to verify long message")
	}
}

func TestInjectorPasteWrapsWhenEnabled(t *testing.T) {
	h := &fakeHandle{}
	inj := NewInjector(h, 10*time.Millisecond, true)
	_, _ = inj.Inject(context.Background(), "hi")

	got := string(h.written)
	if got != pasteStart+"hi"+pasteEnd+submitKey {
		t.Fatalf("got %q", got)
	}
}
