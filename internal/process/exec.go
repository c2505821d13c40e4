package process

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"os/exec"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// DefaultShell runs the command text through bash.
var DefaultShell = []string{"bash", "-c"}

const (
	defaultDrainTimeout = 2 * time.Second
	readSize            = 32 * 1024
)

// ExecExecutor runs commands as plain OS processes, each in its own process
// group.
type ExecExecutor struct {
	// Shell is prepended to the command text. Defaults to DefaultShell.
	Shell []string
	// EnvFile, if set, is a dotenv file merged into every command's
	// environment on top of the daemon's own.
	EnvFile string
	// DrainTimeout bounds how long output is read after the process has
	// exited. A daemonized grandchild holding the pipe open cannot keep the
	// command alive past it.
	DrainTimeout time.Duration
	Logger       *zap.Logger
}

var _ Executor = (*ExecExecutor)(nil)

type execProcess struct {
	cmd   *exec.Cmd
	reads []*os.File
	drain time.Duration
	log   *zap.Logger

	out     chan Output
	readers sync.WaitGroup
	done    chan struct{}
	runCtx  context.Context
	cancel  context.CancelFunc
	timeout time.Duration

	mu       sync.Mutex
	exitCode int
	err      error
}

// Start spawns spec. The process outlives ctx: only spec.Timeout (or an
// explicit Signal) ends it early.
func (e *ExecExecutor) Start(ctx context.Context, spec Spec) (Process, error) {
	if spec.Command == "" {
		return nil, fmt.Errorf("empty command")
	}
	log := e.Logger
	if log == nil {
		log = zap.NewNop()
	}

	shell := e.Shell
	if len(shell) == 0 {
		shell = DefaultShell
	}
	args := append(slices.Clone(shell), spec.Command)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if spec.Timeout > 0 {
		cancel()
		runCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), spec.Timeout)
	}

	cmd := exec.CommandContext(runCtx, args[0], args[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = e.environ(log, spec)
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return killGroup(cmd.Process.Pid, unix.SIGKILL)
	}

	p := &execProcess{
		cmd:     cmd,
		drain:   e.DrainTimeout,
		log:     log,
		out:     make(chan Output, 64),
		done:    make(chan struct{}),
		runCtx:  runCtx,
		cancel:  cancel,
		timeout: spec.Timeout,
	}
	if p.drain <= 0 {
		p.drain = defaultDrainTimeout
	}

	var err error
	switch {
	case spec.TTY:
		err = p.startPTY()
	case spec.Background:
		err = p.startCombined()
	default:
		err = p.startSplit()
	}
	if err != nil {
		cancel()
		return nil, err
	}

	go p.wait()
	return p, nil
}

// environ layers the env file and the request's variables over the daemon's
// environment. exec.Cmd keeps the last value for duplicate keys.
func (e *ExecExecutor) environ(log *zap.Logger, spec Spec) []string {
	env := os.Environ()
	if spec.TTY {
		env = append(env, "TERM=xterm-256color")
	}
	if e.EnvFile != "" {
		vars, err := godotenv.Read(e.EnvFile)
		if err != nil {
			log.Warn("failed to read env file", zap.String("path", e.EnvFile), zap.Error(err))
		}
		env = appendVars(env, vars)
	}
	return appendVars(env, spec.Env)
}

func appendVars(env []string, vars map[string]string) []string {
	for _, k := range slices.Sorted(maps.Keys(vars)) {
		env = append(env, k+"="+vars[k])
	}
	return env
}

func (p *execProcess) startSplit() error {
	outR, outW, err := os.Pipe()
	if err != nil {
		return err
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return err
	}
	p.cmd.Stdout = outW
	p.cmd.Stderr = errW
	p.cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	err = p.cmd.Start()
	outW.Close()
	errW.Close()
	if err != nil {
		outR.Close()
		errR.Close()
		return err
	}

	p.reads = []*os.File{outR, errR}
	p.readers.Add(2)
	go p.read(Stdout, outR)
	go p.read(Stderr, errR)
	return nil
}

// startCombined shares one pipe between stdout and stderr so the relative
// order of the two streams survives.
func (p *execProcess) startCombined() error {
	r, w, err := os.Pipe()
	if err != nil {
		return err
	}
	p.cmd.Stdout = w
	p.cmd.Stderr = w
	p.cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	err = p.cmd.Start()
	w.Close()
	if err != nil {
		r.Close()
		return err
	}

	p.reads = []*os.File{r}
	p.readers.Add(1)
	go p.read(Stdout, r)
	return nil
}

// startPTY runs the command as a session leader on a fresh pty. The session
// id doubles as the process group id, so group signalling still works.
func (p *execProcess) startPTY() error {
	master, err := pty.StartWithAttrs(p.cmd, &pty.Winsize{Rows: 24, Cols: 80}, &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: true,
	})
	if err != nil {
		return err
	}

	p.reads = []*os.File{master}
	p.readers.Add(1)
	go p.read(Stdout, master)
	return nil
}

func (p *execProcess) read(fd int, f *os.File) {
	defer p.readers.Done()
	buf := make([]byte, readSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			p.out <- Output{FD: fd, Data: slices.Clone(buf[:n])}
		}
		if err != nil {
			return
		}
	}
}

func (p *execProcess) wait() {
	werr := p.cmd.Wait()
	timedOut := werr != nil && errors.Is(p.runCtx.Err(), context.DeadlineExceeded)
	p.cancel()

	code, err := exitStatus(werr)
	if timedOut {
		err = fmt.Errorf("command timed out after %s", p.timeout)
	}

	drained := make(chan struct{})
	go func() {
		p.readers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(p.drain):
		p.log.Debug("output still open after exit, closing", zap.Int("pid", p.Pid()))
		for _, f := range p.reads {
			f.Close()
		}
		<-drained
	}
	for _, f := range p.reads {
		f.Close()
	}
	close(p.out)

	p.mu.Lock()
	p.exitCode = code
	p.err = err
	p.mu.Unlock()
	close(p.done)
}

// exitStatus maps a Wait result to a shell-style exit code.
func exitStatus(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal()), fmt.Errorf("terminated by signal: %s", ws.Signal())
		}
		return ee.ExitCode(), nil
	}
	return 1, err
}

func (p *execProcess) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *execProcess) Output() <-chan Output { return p.out }
func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

func (p *execProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *execProcess) Signal(sig syscall.Signal) error {
	select {
	case <-p.done:
		return ErrDone
	default:
	}
	return killGroup(p.Pid(), sig)
}

func killGroup(pgid int, sig syscall.Signal) error {
	if pgid <= 0 {
		return ErrDone
	}
	if err := unix.Kill(-pgid, sig); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return ErrDone
		}
		return err
	}
	return nil
}
