package runtime

import (
	"bufio"
	"context"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/creack/pty"
)

// Pty is the Runtime variant that fronts a child CLI process with a
// pseudoterminal, per spec.md §4.3.
type Pty struct{}

// NewPty returns the pty Runtime variant.
func NewPty() *Pty { return &Pty{} }

// Kind implements Runtime.
func (*Pty) Kind() string { return "pty" }

// Start implements Runtime.
func (*Pty) Start(ctx context.Context, spec Spec) (Handle, <-chan Chunk, <-chan ExitResult, error) {
	cmd := exec.CommandContext(ctx, spec.CLI, spec.Args...)
	cmd.Dir = spec.WorkDir
	if len(spec.Env) > 0 {
		cmd.Env = spec.Env
	}

	size := &pty.Winsize{Cols: spec.Cols, Rows: spec.Rows}
	if size.Cols == 0 {
		size.Cols = 120
	}
	if size.Rows == 0 {
		size.Rows = 40
	}

	master, err := pty.StartWithSize(cmd, size)
	if err != nil {
		return nil, nil, nil, err
	}

	h := &ptyHandle{
		cmd:        cmd,
		master:     master,
		scrollback: newScrollback(spec.ScrollbackBytes),
		waitDone:   make(chan struct{}),
	}

	chunks := make(chan Chunk, 64)
	exitCh := make(chan ExitResult, 1)
	readDone := make(chan struct{})

	go h.readLoop(chunks, readDone)
	go h.waitLoop(cmd, exitCh, readDone)

	return h, chunks, exitCh, nil
}

type ptyHandle struct {
	cmd        *exec.Cmd
	master     *os.File
	scrollback *scrollback
	closeOnce  sync.Once

	// waitDone is closed once cmd.Wait has returned. waitLoop is the
	// sole caller of cmd.Wait (os/exec forbids calling it twice);
	// Terminate waits on this channel instead of calling Wait itself.
	waitDone chan struct{}
}

func (h *ptyHandle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

func (h *ptyHandle) Write(p []byte) (int, error) {
	return h.master.Write(p)
}

func (h *ptyHandle) Resize(cols, rows uint16) error {
	return pty.Setsize(h.master, &pty.Winsize{Cols: cols, Rows: rows})
}

func (h *ptyHandle) Scrollback() []byte {
	return h.scrollback.snapshot()
}

func (h *ptyHandle) Terminate(grace time.Duration) error {
	if h.cmd.Process == nil {
		return nil
	}

	_ = h.cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-h.waitDone:
	case <-time.After(grace):
		_ = h.cmd.Process.Kill()
		<-h.waitDone
	}

	h.closeOnce.Do(func() { _ = h.master.Close() })
	return nil
}

// readLoop reads raw PTY output, strips terminal control sequences to a
// textual line stream, appends the cleaned bytes to scrollback, and
// forwards chunks for worker_stream fan-out (spec.md §4.3 steps 1-2/4).
// It is the sole writer of chunks, so it alone closes it on exit —
// waitLoop never closes a channel readLoop might still be sending on.
func (h *ptyHandle) readLoop(chunks chan<- Chunk, readDone chan<- struct{}) {
	reader := bufio.NewReaderSize(h.master, 4096)
	buf := make([]byte, 4096)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			clean := ansi.Strip(string(buf[:n]))
			h.scrollback.append([]byte(clean))
			chunks <- Chunk{Stream: "stdout", Text: clean}
		}
		if err != nil {
			close(chunks)
			close(readDone)
			return
		}
	}
}

// waitLoop is the only goroutine allowed to call cmd.Wait (os/exec
// panics if Wait runs twice concurrently); Terminate coordinates through
// waitDone instead of waiting on the process itself. Closing the master
// fd right after Wait returns unblocks readLoop's pending Read so it can
// finish and close chunks before exitCh is signalled, matching the
// Runtime.Start contract that chunks closes by the time exitCh does.
func (h *ptyHandle) waitLoop(cmd *exec.Cmd, exitCh chan<- ExitResult, readDone <-chan struct{}) {
	err := cmd.Wait()
	close(h.waitDone)

	result := ExitResult{}
	if err == nil {
		result.Code = 0
		result.HasCode = true
	} else if exitErr, ok := err.(*exec.ExitError); ok {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				result.Signal = status.Signal().String()
			} else {
				result.Code = status.ExitStatus()
				result.HasCode = true
			}
		}
	}

	h.closeOnce.Do(func() { _ = h.master.Close() })
	<-readDone

	exitCh <- result
	close(exitCh)
}
