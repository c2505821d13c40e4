package command

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mbrock/execd/internal/eventlog"
	"github.com/mbrock/execd/internal/process"
	"github.com/mbrock/execd/internal/safego"
)

// Notifier is told about every command exit, after the status is recorded.
type Notifier interface {
	CommandExited(id string, exitCode int) error
}

// Options configures a Registry.
type Options struct {
	Executor process.Executor
	Sink     eventlog.Sink
	Notifier Notifier
	Logger   *zap.Logger

	// Retention is how long an exited, unreferenced command stays
	// queryable.
	Retention time.Duration
	// GCInterval is the janitor period. Zero disables the janitor.
	GCInterval time.Duration
	// KillGrace is the wait between SIGTERM and SIGKILL on Interrupt.
	KillGrace time.Duration

	Now func() time.Time
}

// Registry owns every known command.
type Registry struct {
	exec      process.Executor
	sink      eventlog.Sink
	notifier  Notifier
	log       *zap.Logger
	retention time.Duration
	killGrace time.Duration
	now       func() time.Time

	mu       sync.RWMutex
	commands map[string]*Command

	stop      chan struct{}
	closeOnce sync.Once
	janitor   sync.WaitGroup
}

// NewRegistry creates a Registry and starts its janitor.
func NewRegistry(opts Options) *Registry {
	r := &Registry{
		exec:      opts.Executor,
		sink:      opts.Sink,
		notifier:  opts.Notifier,
		log:       opts.Logger,
		retention: opts.Retention,
		killGrace: opts.KillGrace,
		now:       opts.Now,
		commands:  make(map[string]*Command),
		stop:      make(chan struct{}),
	}
	if r.sink == nil {
		r.sink = eventlog.NopSink{}
	}
	if r.log == nil {
		r.log = zap.NewNop()
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.killGrace <= 0 {
		r.killGrace = 3 * time.Second
	}

	if opts.GCInterval > 0 {
		r.janitor.Add(1)
		safego.Go(func() {
			defer r.janitor.Done()
			r.runJanitor(opts.GCInterval)
		})
	}
	return r
}

// Submit registers and starts a command. The command is visible to Get
// before its process is spawned. The caller receives a reference that keeps
// the command from being evicted until release is called.
//
// A spawn failure is not an error: the command is recorded as exited with
// process.ExitStartFailed and the failure is written to its log.
func (r *Registry) Submit(ctx context.Context, req Request) (*Command, func(), error) {
	if req.Command == "" {
		return nil, nil, errors.New("empty command")
	}

	c := newCommand(uuid.NewString(), req, r.now())
	c.refs = 1

	r.mu.Lock()
	r.commands[c.ID] = c
	r.mu.Unlock()

	release := r.releaser(c)

	proc, err := r.exec.Start(ctx, process.Spec{
		Command:    req.Command,
		Dir:        req.Dir,
		Env:        req.Env,
		Background: req.Background,
		TTY:        req.TTY,
		Timeout:    req.Timeout,
	})
	if err != nil {
		r.log.Warn("command failed to start", zap.String("id", c.ID), zap.Error(err))
		c.log.Append(eventlog.FDStderr, []byte(err.Error()+"\n"))
		r.complete(c, process.ExitStartFailed, err.Error())
		return c, release, nil
	}

	c.mu.Lock()
	c.proc = proc
	c.mu.Unlock()

	r.log.Info("command started",
		zap.String("id", c.ID),
		zap.Int("pid", proc.Pid()),
		zap.Bool("background", req.Background),
		zap.String("command", req.Command))
	if err := eventlog.EmitStarted(r.sink, c.ID, c.Text, c.Background); err != nil {
		r.log.Warn("lifecycle sink write failed", zap.Error(err))
	}

	go r.pump(c, proc)
	return c, release, nil
}

// pump is the only writer of c's log.
func (r *Registry) pump(c *Command, proc process.Process) {
	defer safego.Recover(func(p any) {
		r.complete(c, ExitInternal, fmt.Sprintf("internal error: %v", p))
		go func() {
			for range proc.Output() {
			}
		}()
	})

	for out := range proc.Output() {
		c.log.Append(out.FD, out.Data)
	}
	<-proc.Done()

	code := proc.ExitCode()
	var msg string
	if err := proc.Err(); err != nil {
		msg = err.Error()
	} else if code != 0 {
		msg = "exit status " + strconv.Itoa(code)
	}
	r.complete(c, code, msg)
}

// complete records the exit, then closes the log so that a reader seeing the
// closed log always finds the exit status set.
func (r *Registry) complete(c *Command, code int, msg string) {
	if !c.finish(code, msg, r.now()) {
		return
	}
	c.log.Close()

	r.log.Info("command exited", zap.String("id", c.ID), zap.Int("exit_code", code), zap.String("error", msg))
	if err := eventlog.EmitExited(r.sink, c.ID, c.Text, code); err != nil {
		r.log.Warn("lifecycle sink write failed", zap.Error(err))
	}
	if r.notifier != nil {
		if err := r.notifier.CommandExited(c.ID, code); err != nil {
			r.log.Debug("exit notification failed", zap.String("id", c.ID), zap.Error(err))
		}
	}
}

func (r *Registry) releaser(c *Command) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			c.refs--
			c.mu.Unlock()
		})
	}
}

// Get looks up a command without taking a reference.
func (r *Registry) Get(id string) (*Command, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.commands[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c, nil
}

// Acquire looks up a command and pins it against eviction until release is
// called. release is idempotent.
func (r *Registry) Acquire(id string) (*Command, func(), error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.commands[id]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	c.mu.Lock()
	c.refs++
	c.mu.Unlock()
	return c, r.releaser(c), nil
}

// Evict drops an exited, unreferenced command. Its id is never reused.
func (r *Registry) Evict(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.commands[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !c.evictable(r.now(), 0) {
		return fmt.Errorf("%w: %s", ErrBusy, id)
	}
	delete(r.commands, id)
	return nil
}

// List returns every command, newest first.
func (r *Registry) List() []Info {
	r.mu.RLock()
	infos := make([]Info, 0, len(r.commands))
	for _, c := range r.commands {
		infos = append(infos, c.Info())
	}
	r.mu.RUnlock()

	slices.SortFunc(infos, func(a, b Info) int {
		if c := b.StartedAt.Compare(a.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return infos
}

// Status returns a snapshot of one command.
func (r *Registry) Status(id string) (Info, error) {
	c, err := r.Get(id)
	if err != nil {
		return Info{}, err
	}
	return c.Info(), nil
}

// Tail returns the output appended after cursor and the cursor to continue
// from. It never blocks on the command.
func (r *Registry) Tail(id string, cursor int64) ([]byte, int64, error) {
	c, err := r.Get(id)
	if err != nil {
		return nil, 0, err
	}
	data, next := c.log.ReadFrom(cursor)
	return data, next, nil
}

// Interrupt sends SIGTERM to the command's process group and SIGKILL if it
// is still running after the kill grace period. It returns ErrNotRunning
// for a command that has already exited.
func (r *Registry) Interrupt(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c, err := r.Get(id)
	if err != nil {
		return err
	}
	proc := c.process()
	if proc == nil {
		return fmt.Errorf("%w: %s", ErrNotRunning, id)
	}
	select {
	case <-c.Done():
		return fmt.Errorf("%w: %s", ErrNotRunning, id)
	default:
	}

	r.log.Warn("interrupting command", zap.String("id", id), zap.Int("pid", proc.Pid()))
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, process.ErrDone) {
			return fmt.Errorf("%w: %s", ErrNotRunning, id)
		}
		return fmt.Errorf("interrupting %s: %w", id, err)
	}
	if err := eventlog.EmitInterrupted(r.sink, id); err != nil {
		r.log.Warn("lifecycle sink write failed", zap.Error(err))
	}

	safego.Go(func() {
		select {
		case <-c.Done():
			return
		case <-r.stop:
		case <-time.After(r.killGrace):
			r.log.Warn("command ignored SIGTERM, killing", zap.String("id", id))
		}
		if err := proc.Signal(syscall.SIGKILL); err != nil && !errors.Is(err, process.ErrDone) {
			r.log.Error("kill failed", zap.String("id", id), zap.Error(err))
		}
	})
	return nil
}

func (r *Registry) runJanitor(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-t.C:
			if n := r.Collect(); n > 0 {
				r.log.Debug("evicted finished commands", zap.Int("count", n))
			}
		}
	}
}

// Collect evicts every exited, unreferenced command whose retention has
// passed and returns how many were dropped.
func (r *Registry) Collect() int {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, c := range r.commands {
		if c.evictable(now, r.retention) {
			delete(r.commands, id)
			n++
		}
	}
	return n
}

// Close stops the janitor, kills every running command and waits for them
// to be recorded as exited or for ctx to end.
func (r *Registry) Close(ctx context.Context) error {
	r.closeOnce.Do(func() { close(r.stop) })
	r.janitor.Wait()

	r.mu.RLock()
	var running []*Command
	for _, c := range r.commands {
		if proc := c.process(); proc != nil {
			select {
			case <-c.Done():
			default:
				running = append(running, c)
				_ = proc.Signal(syscall.SIGKILL)
			}
		}
	}
	r.mu.RUnlock()

	for _, c := range running {
		select {
		case <-c.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
