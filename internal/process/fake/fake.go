// Package fake provides an in-process Executor for tests.
package fake

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/mbrock/execd/internal/process"
)

// Command simulates a process. It writes output through stdout and stderr
// and returns the exit code. ctx is cancelled when the process is signalled
// with SIGINT, SIGTERM or SIGKILL, or when Spec.Timeout expires.
type Command func(ctx context.Context, stdout, stderr io.Writer, spec process.Spec) int

// Executor runs registered Commands. The command name is the first word of
// Spec.Command.
type Executor struct {
	mu       sync.RWMutex
	commands map[string]Command
	started  []process.Spec
	nextPid  atomic.Int64
}

var _ process.Executor = (*Executor)(nil)

// NewExecutor creates an Executor with no commands.
func NewExecutor() *Executor {
	e := &Executor{commands: make(map[string]Command)}
	e.nextPid.Store(1000)
	return e
}

// Register installs handler under name.
func (e *Executor) Register(name string, handler Command) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.commands[name] = handler
}

// Started returns every spec passed to Start, in order.
func (e *Executor) Started() []process.Spec {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Clone(e.started)
}

func (e *Executor) Start(ctx context.Context, spec process.Spec) (process.Process, error) {
	fields := strings.Fields(spec.Command)
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	e.mu.Lock()
	handler, ok := e.commands[fields[0]]
	e.started = append(e.started, spec)
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("executable %q not found", fields[0])
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if spec.Timeout > 0 {
		cancel()
		runCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), spec.Timeout)
	}

	p := &proc{
		pid:    int(e.nextPid.Add(1)),
		out:    make(chan process.Output, 64),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	stdout := &writer{p: p, fd: process.Stdout}
	stderr := &writer{p: p, fd: process.Stderr}
	if spec.Background || spec.TTY {
		stderr.fd = process.Stdout
	}

	go func() {
		code := handler(runCtx, stdout, stderr, spec)
		var err error
		if runCtx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("command timed out after %s", spec.Timeout)
		}
		cancel()
		close(p.out)

		p.mu.Lock()
		p.exitCode = code
		p.err = err
		p.mu.Unlock()
		close(p.done)
	}()

	return p, nil
}

type proc struct {
	pid    int
	out    chan process.Output
	done   chan struct{}
	cancel context.CancelFunc

	mu       sync.Mutex
	exitCode int
	err      error
	signals  []syscall.Signal
}

func (p *proc) Pid() int                      { return p.pid }
func (p *proc) Output() <-chan process.Output { return p.out }
func (p *proc) Done() <-chan struct{}         { return p.done }

func (p *proc) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

func (p *proc) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *proc) Signal(sig syscall.Signal) error {
	select {
	case <-p.done:
		return process.ErrDone
	default:
	}
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()
	switch sig {
	case syscall.SIGINT, syscall.SIGTERM, syscall.SIGKILL:
		p.cancel()
	}
	return nil
}

// Signals returns the signals delivered to a process started by an
// Executor. It returns nil for any other Process.
func Signals(p process.Process) []syscall.Signal {
	fp, ok := p.(*proc)
	if !ok {
		return nil
	}
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return slices.Clone(fp.signals)
}

type writer struct {
	p  *proc
	fd int
}

func (w *writer) Write(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	w.p.out <- process.Output{FD: w.fd, Data: slices.Clone(b)}
	return len(b), nil
}
