package command

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/mbrock/execd/internal/eventlog"
	"github.com/mbrock/execd/internal/process"
	"github.com/mbrock/execd/internal/process/fake"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu    sync.Mutex
	exits map[string]int
}

func (n *recordingNotifier) CommandExited(id string, code int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.exits == nil {
		n.exits = make(map[string]int)
	}
	n.exits[id] = code
	return nil
}

func (n *recordingNotifier) get(id string) (int, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	code, ok := n.exits[id]
	return code, ok
}

func newTestRegistry(t *testing.T, exec process.Executor) (*Registry, *eventlog.FakeSink, *recordingNotifier) {
	t.Helper()
	sink := eventlog.NewFakeSink()
	notifier := &recordingNotifier{}
	r := NewRegistry(Options{
		Executor:  exec,
		Sink:      sink,
		Notifier:  notifier,
		Logger:    zaptest.NewLogger(t),
		KillGrace: 200 * time.Millisecond,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.Close(ctx)
	})
	return r, sink, notifier
}

func waitDone(t *testing.T, c *Command, timeout time.Duration) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(timeout):
		t.Fatalf("command %s did not exit within %s", c.ID, timeout)
	}
}

// blocking registers a fake command that runs until it is signalled.
func blocking(exec *fake.Executor) {
	exec.Register("block", func(ctx context.Context, stdout, _ io.Writer, _ process.Spec) int {
		fmt.Fprint(stdout, "started\n")
		<-ctx.Done()
		return 143
	})
}

func TestSubmitRecordsOutputAndExit(t *testing.T) {
	exec := fake.NewExecutor()
	exec.Register("greet", func(_ context.Context, stdout, stderr io.Writer, spec process.Spec) int {
		fmt.Fprint(stdout, "hello\n")
		fmt.Fprint(stderr, "warning\n")
		return 2
	})
	r, sink, notifier := newTestRegistry(t, exec)

	c, release, err := r.Submit(context.Background(), Request{Command: "greet world"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	defer release()
	waitDone(t, c, 5*time.Second)

	info, err := r.Status(c.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if info.Running() || info.ExitCode == nil || *info.ExitCode != 2 {
		t.Fatalf("info = %+v", info)
	}
	if info.Error != "exit status 2" {
		t.Errorf("Error = %q", info.Error)
	}
	if info.FinishedAt == nil || info.FinishedAt.Before(info.StartedAt) {
		t.Errorf("FinishedAt = %v, StartedAt = %v", info.FinishedAt, info.StartedAt)
	}

	text, _, err := r.Tail(c.ID, 0)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if string(text) != "hello\nwarning\n" {
		t.Errorf("log = %q", text)
	}

	snap := c.Log().ChunksFrom(0)
	if len(snap.Chunks) != 2 || snap.Chunks[0].FD != eventlog.FDStdout || snap.Chunks[1].FD != eventlog.FDStderr {
		t.Errorf("chunks = %+v", snap.Chunks)
	}
	if !snap.Closed {
		t.Error("log still open after exit")
	}

	if got := len(sink.Events(eventlog.EventStarted)); got != 1 {
		t.Errorf("started events = %d, want 1", got)
	}
	exited := sink.Events(eventlog.EventExited)
	if len(exited) != 1 || exited[0].Fields[eventlog.FieldExitCode] != "2" {
		t.Errorf("exited events = %+v", exited)
	}
	if code, ok := notifier.get(c.ID); !ok || code != 2 {
		t.Errorf("notifier got (%d, %v), want (2, true)", code, ok)
	}
}

func TestExitCodeSetOnce(t *testing.T) {
	exec := fake.NewExecutor()
	exec.Register("ok", func(context.Context, io.Writer, io.Writer, process.Spec) int { return 0 })
	r, sink, _ := newTestRegistry(t, exec)

	c, release, _ := r.Submit(context.Background(), Request{Command: "ok"})
	defer release()
	waitDone(t, c, 5*time.Second)

	r.complete(c, 99, "late")

	for range 3 {
		code, msg, ok := c.Exit()
		if !ok || code != 0 || msg != "" {
			t.Fatalf("Exit() = (%d, %q, %v), want (0, \"\", true)", code, msg, ok)
		}
	}
	if got := len(sink.Events(eventlog.EventExited)); got != 1 {
		t.Errorf("exited events = %d, want 1", got)
	}
}

func TestStartFailureRecorded(t *testing.T) {
	r, _, _ := newTestRegistry(t, fake.NewExecutor())

	c, release, err := r.Submit(context.Background(), Request{Command: "missing-binary --flag"})
	if err != nil {
		t.Fatalf("Submit returned %v, want start failure recorded on the command", err)
	}
	defer release()

	code, msg, ok := c.Exit()
	if !ok || code != process.ExitStartFailed {
		t.Fatalf("Exit() = (%d, %q, %v), want exit %d", code, msg, ok, process.ExitStartFailed)
	}
	text, _, _ := r.Tail(c.ID, 0)
	if !strings.Contains(string(text), "not found") {
		t.Errorf("log = %q, want the start error", text)
	}
}

func TestTailFreshCommand(t *testing.T) {
	exec := fake.NewExecutor()
	exec.Register("quiet", func(ctx context.Context, _, _ io.Writer, _ process.Spec) int {
		<-ctx.Done()
		return 0
	})
	r, _, _ := newTestRegistry(t, exec)

	c, release, _ := r.Submit(context.Background(), Request{Command: "quiet"})
	defer release()

	done := make(chan struct{})
	go func() {
		defer close(done)
		text, next, err := r.Tail(c.ID, 0)
		if err != nil || len(text) != 0 || next != 0 {
			t.Errorf("Tail(0) = (%q, %d, %v), want (\"\", 0, nil)", text, next, err)
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Tail blocked on a running command")
	}
}

func TestTailConcatenation(t *testing.T) {
	exec := fake.NewExecutor()
	exec.Register("count", func(_ context.Context, stdout, stderr io.Writer, _ process.Spec) int {
		for i := range 20 {
			w := stdout
			if i%4 == 0 {
				w = stderr
			}
			fmt.Fprintf(w, "line %d\n", i)
		}
		return 0
	})
	r, _, _ := newTestRegistry(t, exec)

	c, release, _ := r.Submit(context.Background(), Request{Command: "count"})
	defer release()
	waitDone(t, c, 5*time.Second)

	whole, end, _ := r.Tail(c.ID, 0)
	for _, c1 := range []int64{0, 1, 7, end / 2, end - 1, end} {
		a, c2, _ := r.Tail(c.ID, c1)
		b, c3, _ := r.Tail(c.ID, c2)
		if string(a)+string(b) != string(whole[c1:]) || c3 != end {
			t.Errorf("tail(%d)+tail(%d) = %q, want %q", c1, c2, string(a)+string(b), whole[c1:])
		}
	}
}

func TestUnknownID(t *testing.T) {
	r, _, _ := newTestRegistry(t, fake.NewExecutor())

	if _, err := r.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get: %v", err)
	}
	if _, err := r.Status("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Status: %v", err)
	}
	if _, _, err := r.Tail("nope", 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("Tail: %v", err)
	}
	if _, _, err := r.Acquire("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Acquire: %v", err)
	}
	if err := r.Evict("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Evict: %v", err)
	}
	if err := r.Interrupt(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Interrupt: %v", err)
	}
}

func TestEvictRespectsStateAndReferences(t *testing.T) {
	exec := fake.NewExecutor()
	blocking(exec)
	r, _, _ := newTestRegistry(t, exec)

	c, release, _ := r.Submit(context.Background(), Request{Command: "block"})

	release()
	if err := r.Evict(c.ID); !errors.Is(err, ErrBusy) {
		t.Fatalf("Evict running = %v, want ErrBusy", err)
	}

	_, release2, err := r.Acquire(c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Interrupt(context.Background(), c.ID); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	waitDone(t, c, 5*time.Second)

	if err := r.Evict(c.ID); !errors.Is(err, ErrBusy) {
		t.Fatalf("Evict referenced = %v, want ErrBusy", err)
	}
	release2()
	release2()

	if err := r.Evict(c.ID); err != nil {
		t.Fatalf("Evict: %v", err)
	}
	if _, err := r.Get(c.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Evict = %v, want ErrNotFound", err)
	}
}

func TestCollectHonoursRetention(t *testing.T) {
	exec := fake.NewExecutor()
	exec.Register("ok", func(context.Context, io.Writer, io.Writer, process.Spec) int { return 0 })
	clk := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := NewRegistry(Options{
		Executor:  exec,
		Logger:    zaptest.NewLogger(t),
		Retention: time.Minute,
		Now:       clk.Now,
	})
	defer r.Close(context.Background())

	c, release, _ := r.Submit(context.Background(), Request{Command: "ok"})
	waitDone(t, c, 5*time.Second)
	release()

	if n := r.Collect(); n != 0 {
		t.Fatalf("collected %d before retention passed", n)
	}
	clk.Advance(2 * time.Minute)

	_, hold, _ := r.Acquire(c.ID)
	if n := r.Collect(); n != 0 {
		t.Fatalf("collected %d while referenced", n)
	}
	hold()

	if n := r.Collect(); n != 1 {
		t.Fatalf("collected %d, want 1", n)
	}
	if _, err := r.Get(c.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Collect = %v", err)
	}
}

func TestInterrupt(t *testing.T) {
	exec := fake.NewExecutor()
	blocking(exec)
	r, sink, _ := newTestRegistry(t, exec)

	c, release, _ := r.Submit(context.Background(), Request{Command: "block"})
	defer release()

	if err := r.Interrupt(context.Background(), c.ID); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	waitDone(t, c, 5*time.Second)

	if sigs := fake.Signals(c.process()); len(sigs) == 0 || sigs[0] != syscall.SIGTERM {
		t.Errorf("signals = %v, want SIGTERM first", sigs)
	}
	if code, _, _ := c.Exit(); code != 143 {
		t.Errorf("exit code = %d, want 143", code)
	}
	if len(sink.Events(eventlog.EventInterrupted)) != 1 {
		t.Error("interrupt not written to sink")
	}

	if err := r.Interrupt(context.Background(), c.ID); !errors.Is(err, ErrNotRunning) {
		t.Errorf("second Interrupt = %v, want ErrNotRunning", err)
	}
}

type panickyProcess struct {
	out  chan process.Output
	done chan struct{}
}

func (p *panickyProcess) Pid() int                      { return 1 }
func (p *panickyProcess) Output() <-chan process.Output { return p.out }
func (p *panickyProcess) Done() <-chan struct{}         { return p.done }
func (p *panickyProcess) ExitCode() int                 { panic("exit code unavailable") }
func (p *panickyProcess) Err() error                    { return nil }
func (p *panickyProcess) Signal(syscall.Signal) error   { return nil }

type panickyExecutor struct{}

func (panickyExecutor) Start(context.Context, process.Spec) (process.Process, error) {
	p := &panickyProcess{out: make(chan process.Output), done: make(chan struct{})}
	close(p.out)
	close(p.done)
	return p, nil
}

func TestInternalFaultForcesExit(t *testing.T) {
	r, _, _ := newTestRegistry(t, panickyExecutor{})

	c, release, _ := r.Submit(context.Background(), Request{Command: "anything"})
	defer release()
	waitDone(t, c, 5*time.Second)

	code, msg, ok := c.Exit()
	if !ok || code != ExitInternal || !strings.Contains(msg, "internal error") {
		t.Errorf("Exit() = (%d, %q, %v)", code, msg, ok)
	}
	if !c.Log().Closed() {
		t.Error("log left open after internal fault")
	}
}

func TestListNewestFirst(t *testing.T) {
	exec := fake.NewExecutor()
	exec.Register("ok", func(context.Context, io.Writer, io.Writer, process.Spec) int { return 0 })
	clk := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := NewRegistry(Options{Executor: exec, Logger: zaptest.NewLogger(t), Now: clk.Now})
	defer r.Close(context.Background())

	first, rel1, _ := r.Submit(context.Background(), Request{Command: "ok"})
	defer rel1()
	clk.Advance(time.Second)
	second, rel2, _ := r.Submit(context.Background(), Request{Command: "ok"})
	defer rel2()

	list := r.List()
	if len(list) != 2 || list[0].ID != second.ID || list[1].ID != first.ID {
		t.Errorf("List() order = %v", list)
	}
}

func TestBackgroundSmokeCommand(t *testing.T) {
	exec := &process.ExecExecutor{Shell: []string{"sh", "-c"}, Logger: zaptest.NewLogger(t)}
	r, _, _ := newTestRegistry(t, exec)

	c, release, err := r.Submit(context.Background(), Request{
		Command:    "echo smoke-command && sleep 1",
		Background: true,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	release()

	if info, _ := r.Status(c.ID); !info.Running() {
		t.Fatalf("command not running right after submit: %+v", info)
	}

	deadline := time.Now().Add(15 * time.Second)
	for {
		info, err := r.Status(c.ID)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if !info.Running() {
			if info.ExitCode == nil || *info.ExitCode != 0 {
				t.Fatalf("exit code = %v", info.ExitCode)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("command still running after 15s")
		}
		time.Sleep(100 * time.Millisecond)
	}

	text, _, _ := r.Tail(c.ID, 0)
	if !strings.Contains(string(text), "smoke-command") {
		t.Errorf("log = %q", text)
	}
}

func TestCloseKillsRunningCommands(t *testing.T) {
	exec := fake.NewExecutor()
	blocking(exec)
	r := NewRegistry(Options{Executor: exec, Logger: zaptest.NewLogger(t), GCInterval: time.Hour})

	c, release, _ := r.Submit(context.Background(), Request{Command: "block"})
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, _, ok := c.Exit(); !ok {
		t.Error("command still running after Close")
	}
}
