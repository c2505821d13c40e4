// Package process starts shell commands and exposes their output as a stream
// of tagged chunks together with a single exit notification.
package process

import (
	"context"
	"errors"
	"syscall"
	"time"
)

// Output stream tags. Combined (background) output and pty output are
// tagged Stdout.
const (
	Stdout = 1
	Stderr = 2
)

// ExitStartFailed is the exit code recorded for a command whose process
// could not be spawned.
const ExitStartFailed = 255

// ErrDone is returned by Signal once the process group is gone.
var ErrDone = errors.New("process already finished")

// Spec describes one command to run.
type Spec struct {
	Command    string
	Dir        string
	Env        map[string]string
	Background bool
	TTY        bool
	Timeout    time.Duration
}

// Output is one read from the process's output.
type Output struct {
	FD   int
	Data []byte
}

// Process is a started command.
//
// Output is closed once every reader has finished (or the drain window after
// exit has expired). Done is closed after that, at which point ExitCode and
// Err are final.
type Process interface {
	Pid() int
	Output() <-chan Output
	Done() <-chan struct{}
	ExitCode() int
	// Err describes an abnormal termination (signal, timeout, wait
	// failure). It is nil for a normal exit, whatever the code.
	Err() error
	// Signal delivers sig to the whole process group.
	Signal(sig syscall.Signal) error
}

// Executor starts processes.
type Executor interface {
	Start(ctx context.Context, spec Spec) (Process, error)
}
