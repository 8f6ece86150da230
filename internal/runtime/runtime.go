// Package runtime implements the narrow "Runtime capability" of spec.md
// §9 — start/inject/read_chunk/submit_ack/terminate — with two concrete
// variants, Pty and Headless, so the delivery engine never branches on
// runtime kind. The PTY variant is grounded on github.com/creack/pty (as
// used by the reference manifests GandalftheGUI-grove and
// Hyper-Int-OrcaBot) plus the scrollback/idle-timer shape of the
// standalone reference hub in other_examples (Hyper-Int-OrcaBot's
// sandbox/internal/pty.Hub).
package runtime

import (
	"context"
	"time"
)

// Spec describes the process a Runtime should start.
type Spec struct {
	CLI             string
	Args            []string
	WorkDir         string
	Env             []string
	Cols            uint16
	Rows            uint16
	IdleThreshold   time.Duration
	ScrollbackBytes int
}

// Chunk is one piece of cleaned worker output.
type Chunk struct {
	Stream string // "stdout" | "stderr"
	Text   string
}

// ExitResult reports how a worker process terminated.
type ExitResult struct {
	Code    int
	HasCode bool
	Signal  string
}

// Handle is a live worker process/pty pair.
type Handle interface {
	// PID returns the child process id.
	PID() int
	// Write sends raw bytes to the worker's input (PTY master or stdin).
	Write(p []byte) (int, error)
	// Resize adjusts terminal dimensions; a no-op for non-PTY runtimes.
	Resize(cols, rows uint16) error
	// Scrollback returns a snapshot of recently observed, cleaned output,
	// used by the injector for echo verification.
	Scrollback() []byte
	// Terminate asks the worker to exit, waiting up to grace before a
	// hard kill.
	Terminate(grace time.Duration) error
}

// Runtime starts worker processes and streams their output and exit.
type Runtime interface {
	// Start launches a worker per spec and returns its handle along with
	// channels for cleaned output chunks and the eventual exit result.
	// The chunk channel is closed when the exit channel receives its
	// single value.
	Start(ctx context.Context, spec Spec) (Handle, <-chan Chunk, <-chan ExitResult, error)

	// Kind identifies the runtime for registry/event bookkeeping.
	Kind() string
}

// SupportsSetModel reports whether a Runtime can service set_model
// requests; runtimes that cannot return not_supported (spec.md §4.2).
type SupportsSetModel interface {
	SetModel(ctx context.Context, h Handle, model string, timeout time.Duration) error
}
