// Package command tracks submitted shell commands from spawn to eviction.
package command

import (
	"errors"
	"sync"
	"time"

	"github.com/mbrock/execd/internal/eventlog"
	"github.com/mbrock/execd/internal/process"
)

var (
	ErrNotFound   = errors.New("command not found")
	ErrBusy       = errors.New("command is still running or in use")
	ErrNotRunning = errors.New("command is not running")
)

// ExitInternal is recorded when the daemon itself failed while supervising
// a command.
const ExitInternal = -1

// State is a command's lifecycle position. It only moves forward.
type State string

const (
	StateRunning State = "running"
	StateExited  State = "exited"
)

// Request describes a command to submit.
type Request struct {
	Command    string
	Dir        string
	Env        map[string]string
	Background bool
	TTY        bool
	Timeout    time.Duration
}

// Info is a point-in-time copy of a command's bookkeeping.
type Info struct {
	ID         string
	Command    string
	Background bool
	State      State
	// ExitCode is nil while running.
	ExitCode   *int
	Error      string
	StartedAt  time.Time
	FinishedAt *time.Time
	LogSize    int64
}

// Running reports whether the command has not exited yet.
func (i Info) Running() bool { return i.State == StateRunning }

// Command is one submitted shell command and its output log.
type Command struct {
	ID         string
	Text       string
	Background bool
	StartedAt  time.Time

	log  *eventlog.Buffer
	done chan struct{}

	mu         sync.Mutex
	state      State
	exitCode   int
	errMsg     string
	finishedAt time.Time
	refs       int
	proc       process.Process
}

func newCommand(id string, req Request, now time.Time) *Command {
	return &Command{
		ID:         id,
		Text:       req.Command,
		Background: req.Background,
		StartedAt:  now,
		log:        eventlog.NewBuffer(),
		done:       make(chan struct{}),
		state:      StateRunning,
	}
}

// Log returns the command's output buffer.
func (c *Command) Log() *eventlog.Buffer { return c.log }

// Done is closed once the exit status has been recorded.
func (c *Command) Done() <-chan struct{} { return c.done }

// Exit returns the exit code and error message. ok is false while the
// command is running.
func (c *Command) Exit() (code int, errMsg string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateExited {
		return 0, "", false
	}
	return c.exitCode, c.errMsg, true
}

// Info returns a snapshot of the command.
func (c *Command) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()

	info := Info{
		ID:         c.ID,
		Command:    c.Text,
		Background: c.Background,
		State:      c.state,
		Error:      c.errMsg,
		StartedAt:  c.StartedAt,
		LogSize:    c.log.Len(),
	}
	if c.state == StateExited {
		code := c.exitCode
		finished := c.finishedAt
		info.ExitCode = &code
		info.FinishedAt = &finished
	}
	return info
}

// finish records the exit status. Only the first call has any effect; it
// reports whether it was that call.
func (c *Command) finish(code int, errMsg string, now time.Time) bool {
	c.mu.Lock()
	if c.state == StateExited {
		c.mu.Unlock()
		return false
	}
	c.state = StateExited
	c.exitCode = code
	c.errMsg = errMsg
	c.finishedAt = now
	c.mu.Unlock()

	close(c.done)
	return true
}

func (c *Command) process() process.Process {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.proc
}

// evictable reports whether the command may be dropped at now.
func (c *Command) evictable(now time.Time, retention time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateExited && c.refs == 0 && !now.Before(c.finishedAt.Add(retention))
}
