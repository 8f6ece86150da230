package runtime

import (
	"bytes"
	"context"
	"time"
)

// Bracketed-paste markers understood by most terminal-aware CLIs; wrapping
// pasted text in these keeps multi-line input from being interpreted as
// separate submitted lines.
const (
	pasteStart = "\x1b[200~"
	pasteEnd   = "\x1b[201~"
	submitKey  = "\r"
)

// Injector writes a message into a worker's input and confirms it was
// echoed back, per spec.md §4.3.
type Injector struct {
	handle       Handle
	verifyWindow time.Duration
	pollInterval time.Duration
	usePaste     bool
}

// NewInjector builds an injector bound to handle. verifyWindow bounds how
// long Inject waits for echo confirmation in scrollback.
func NewInjector(handle Handle, verifyWindow time.Duration, usePaste bool) *Injector {
	if verifyWindow <= 0 {
		verifyWindow = 2 * time.Second
	}
	return &Injector{handle: handle, verifyWindow: verifyWindow, pollInterval: 20 * time.Millisecond, usePaste: usePaste}
}

// Inject writes text using the CLI's paste/submit convention and blocks
// until the text is observed echoed back in scrollback, or verifyWindow
// elapses. A write error is returned immediately without waiting.
func (inj *Injector) Inject(ctx context.Context, text string) (verified bool, err error) {
	if err := inj.write(text); err != nil {
		return false, err
	}
	return inj.verify(ctx, text), nil
}

func (inj *Injector) write(text string) error {
	var payload []byte
	if inj.usePaste {
		payload = append(payload, pasteStart...)
		payload = append(payload, text...)
		payload = append(payload, pasteEnd...)
		payload = append(payload, submitKey...)
	} else {
		payload = append(payload, text...)
		payload = append(payload, submitKey...)
	}
	_, err := inj.handle.Write(payload)
	return err
}

// verify polls scrollback for the injected text (or, if text is long, a
// fixed-length prefix of it — the CLI's own line-wrapping can otherwise
// break a literal substring match) until it appears or the window closes.
func (inj *Injector) verify(ctx context.Context, text string) bool {
	needle := verificationNeedle(text)
	if needle == "" {
		return true
	}

	deadline := time.Now().Add(inj.verifyWindow)
	ticker := time.NewTicker(inj.pollInterval)
	defer ticker.Stop()

	for {
		if bytes.Contains(inj.handle.Scrollback(), []byte(needle)) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// verificationNeedlePrefixBytes bounds how much of a long message must be
// matched verbatim in scrollback; CLIs may wrap, truncate echo, or insert
// soft line breaks past this point.
const verificationNeedlePrefixBytes = 64

func verificationNeedle(text string) string {
	if len(text) == 0 {
		return ""
	}
	if len(text) <= verificationNeedlePrefixBytes {
		return text
	}
	cut := verificationNeedlePrefixBytes
	for cut > 0 && !isRuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
