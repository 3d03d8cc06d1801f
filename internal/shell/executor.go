// Package shell spawns and supervises the OS processes behind session
// commands. Each invocation gets its own process group so teardown kills the
// whole subtree, and output is streamed over a bounded channel: when the
// consumer stalls, the readers stall, the pipe fills, and the process blocks
// instead of the server buffering unboundedly.
package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"
)

// Stream discriminators on output chunks.
const (
	Stdout = "stdout"
	Stderr = "stderr"
)

// outputBuffer is the per-invocation channel capacity, in chunks.
const outputBuffer = 64

// killGrace is how long a terminated process group gets before SIGKILL.
const killGrace = 2 * time.Second

// Chunk is one tagged piece of process output. Per-stream order is
// preserved; interleaving between streams is best-effort.
type Chunk struct {
	Stream string
	Data   []byte
}

// Invocation describes one command to run. Env is the complete environment;
// nothing from the server process leaks in unless the caller put it there.
type Invocation struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
}

// Executor runs invocations. The OS implementation is the only one in
// production; tests substitute their own.
type Executor interface {
	Execute(ctx context.Context, inv Invocation) (*Running, error)
}

// OSExecutor runs invocations with os/exec.
type OSExecutor struct{}

// Execute starts the process. A start failure is a spawn failure: nothing
// was run and no Running exists. Cancelling ctx kills the process group.
func (OSExecutor) Execute(ctx context.Context, inv Invocation) (*Running, error) {
	cmd := exec.Command(inv.Command, inv.Args...)
	cmd.Dir = inv.Dir
	cmd.Env = inv.Env
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", inv.Command, err)
	}

	r := &Running{
		cmd:  cmd,
		out:  make(chan Chunk, outputBuffer),
		done: make(chan struct{}),
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go r.pump(Stdout, stdout, &readers)
	go r.pump(Stderr, stderr, &readers)

	go func() {
		readers.Wait()
		close(r.out)
		r.exit = exitCode(cmd.Wait())
		close(r.done)
	}()

	go func() {
		select {
		case <-ctx.Done():
			r.Kill()
		case <-r.done:
		}
	}()

	return r, nil
}

// Running is one live (or finished) process. The session owns exactly one
// at a time.
type Running struct {
	cmd      *exec.Cmd
	out      chan Chunk
	done     chan struct{}
	exit     int
	killOnce sync.Once
}

// Output streams tagged chunks until both pipes are drained, then closes.
func (r *Running) Output() <-chan Chunk {
	return r.out
}

// Wait blocks until the process has exited and output is fully drained,
// then returns the exit code. Abnormal termination reports -1.
func (r *Running) Wait() int {
	<-r.done
	return r.exit
}

// Kill terminates the process group: SIGTERM, then SIGKILL after a grace
// period if it is still alive. Idempotent; a second call is a no-op.
func (r *Running) Kill() {
	r.killOnce.Do(func() {
		terminateGroup(r.cmd)
		go func() {
			select {
			case <-r.done:
			case <-time.After(killGrace):
				killGroup(r.cmd)
			}
		}()
	})
}

func (r *Running) pump(stream string, pipe io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, 4096)
	for {
		n, err := pipe.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			r.out <- Chunk{Stream: stream, Data: data}
		}
		if err != nil {
			return
		}
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
		return exitErr.ExitCode()
	}
	return -1
}
