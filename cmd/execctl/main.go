// execctl - command-line client for execd
//
// Usage:
//
//	execctl list                       Show commands, newest first
//	execctl run [flags] -- <command>   Run a command and stream its output
//	execctl status <id>                Show one command's status
//	execctl logs [--cursor N] <id>     Print output captured so far
//	execctl follow [--cursor N] <id>   Stream output until the command exits
//	execctl kill <id>                  Interrupt a running command
//	execctl evict <id>                 Forget a finished command
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/mbrock/execd/internal/client"
	"github.com/mbrock/execd/internal/dirs"
	"github.com/mbrock/execd/internal/model"
)

var (
	serverFlag     string
	socketFlag     string
	tokenFlag      string
	backgroundFlag bool
	ttyFlag        bool
	cwdFlag        string
	envFlags       []string
	timeoutFlag    time.Duration
	cursorFlag     int64
	jsonFlag       bool
)

func main() {
	flag.StringVar(&serverFlag, "server", envOr("EXECD_SERVER", "http://127.0.0.1:44772"), "execd base URL (or $EXECD_SERVER)")
	flag.StringVar(&socketFlag, "socket", os.Getenv("EXECD_SOCKET"), "connect through this unix socket instead of TCP")
	flag.StringVar(&tokenFlag, "token", os.Getenv("EXECD_ACCESS_TOKEN"), "access token (or $EXECD_ACCESS_TOKEN)")
	flag.BoolVarP(&backgroundFlag, "background", "b", false, "run detached; read output later with logs or follow")
	flag.BoolVar(&ttyFlag, "tty", false, "run under a pseudo-terminal")
	flag.StringVarP(&cwdFlag, "cwd", "C", "", "working directory for the command")
	flag.StringArrayVarP(&envFlags, "env", "e", nil, "extra environment KEY=VALUE (can be repeated)")
	flag.DurationVar(&timeoutFlag, "timeout", 0, "kill the command after this long (0 = never)")
	flag.Int64Var(&cursorFlag, "cursor", 0, "log offset to start from")
	flag.BoolVar(&jsonFlag, "json", false, "print raw JSON")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `execctl - command-line client for execd

Usage:
  execctl list                       Show commands, newest first
  execctl run [flags] -- <command>   Run a command and stream its output
  execctl status <id>                Show one command's status
  execctl logs [--cursor N] <id>     Print output captured so far
  execctl follow [--cursor N] <id>   Stream output until the command exits
  execctl kill <id>                  Interrupt a running command
  execctl evict <id>                 Forget a finished command

Flags:
`)
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		args = []string{"list"}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := newClient()
	var err error
	code := 0
	switch args[0] {
	case "list", "ls":
		err = cmdList(ctx, c)
	case "run":
		code, err = cmdRun(ctx, c, args[1:])
	case "status":
		err = withID(args, func(id string) error { return cmdStatus(ctx, c, id) })
	case "logs":
		err = withID(args, func(id string) error { return cmdLogs(ctx, c, id) })
	case "follow":
		err = withID(args, func(id string) error {
			code, err = cmdFollow(ctx, c, id)
			return err
		})
	case "kill":
		err = withID(args, func(id string) error { return c.Interrupt(ctx, id) })
	case "evict":
		err = withID(args, func(id string) error { return c.Evict(ctx, id) })
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fatal("%v", err)
	}
	os.Exit(code)
}

func newClient() *client.Client {
	if socketFlag != "" {
		return client.NewUnix(socketFlag, tokenFlag)
	}
	if serverFlag == "" {
		return client.NewUnix(dirs.SocketPath(), tokenFlag)
	}
	return client.New(serverFlag, tokenFlag)
}

func withID(args []string, f func(id string) error) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: execctl %s <id>", args[0])
	}
	return f(args[1])
}

func cmdList(ctx context.Context, c *client.Client) error {
	list, err := c.List(ctx)
	if err != nil {
		return err
	}
	if jsonFlag {
		return printJSON(list)
	}
	color := isTerminal(os.Stdout)
	fmt.Printf("%-36s %-8s %-5s %-19s %s\n", "ID", "STATE", "EXIT", "STARTED", "COMMAND")
	for _, st := range list {
		fmt.Printf("%-36s %s %-5s %-19s %s\n",
			st.ID, stateLabel(st, color), exitLabel(st),
			st.StartedAt.Local().Format(time.DateTime), st.Content)
	}
	return nil
}

func cmdRun(ctx context.Context, c *client.Client, args []string) (int, error) {
	if len(args) == 0 {
		return 0, errors.New("usage: execctl run [flags] -- <command>")
	}
	req := model.RunCommandRequest{
		Command:    strings.Join(args, " "),
		Cwd:        cwdFlag,
		Background: backgroundFlag,
		TTY:        ttyFlag,
		TimeoutMs:  timeoutFlag.Milliseconds(),
	}
	if len(envFlags) > 0 {
		req.Envs = make(map[string]string, len(envFlags))
		for _, kv := range envFlags {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				return 0, fmt.Errorf("invalid --env %q, want KEY=VALUE", kv)
			}
			req.Envs[k] = v
		}
	}

	var id string
	end, err := c.Run(ctx, req, func(ev model.ServerStreamEvent) error {
		if ev.Type == model.StreamEventTypeInit {
			id = ev.Text
		}
		return printEvent(ev)
	})
	if err != nil {
		return 0, err
	}
	if req.Background {
		fmt.Println(id)
		return 0, nil
	}
	return exitCode(end), nil
}

func cmdStatus(ctx context.Context, c *client.Client, id string) error {
	st, err := c.Status(ctx, id)
	if err != nil {
		return err
	}
	if jsonFlag {
		return printJSON(st)
	}
	color := isTerminal(os.Stdout)
	fmt.Printf("id:       %s\n", st.ID)
	fmt.Printf("command:  %s\n", st.Content)
	fmt.Printf("state:    %s\n", stateLabel(st, color))
	if st.ExitCode != nil {
		fmt.Printf("exit:     %d\n", *st.ExitCode)
	}
	if st.Error != "" {
		fmt.Printf("error:    %s\n", st.Error)
	}
	fmt.Printf("started:  %s\n", st.StartedAt.Local().Format(time.DateTime))
	if st.FinishedAt != nil {
		fmt.Printf("finished: %s (%s)\n", st.FinishedAt.Local().Format(time.DateTime), st.FinishedAt.Sub(st.StartedAt).Round(time.Millisecond))
	}
	return nil
}

func cmdLogs(ctx context.Context, c *client.Client, id string) error {
	data, next, err := c.Logs(ctx, id, cursorFlag)
	if err != nil {
		return err
	}
	os.Stdout.Write(data)
	fmt.Fprintf(os.Stderr, "cursor: %d\n", next)
	return nil
}

func cmdFollow(ctx context.Context, c *client.Client, id string) (int, error) {
	end, err := c.Follow(ctx, id, cursorFlag, printEvent)
	if err != nil {
		return 0, err
	}
	return exitCode(end), nil
}

func printEvent(ev model.ServerStreamEvent) error {
	switch ev.Type {
	case model.StreamEventTypeStdout:
		_, err := os.Stdout.WriteString(ev.Text)
		return err
	case model.StreamEventTypeStderr:
		text := ev.Text
		if isTerminal(os.Stderr) {
			text = "\x1b[31m" + text + "\x1b[0m"
		}
		_, err := os.Stderr.WriteString(text)
		return err
	case model.StreamEventTypeError:
		if ev.Error != nil && len(ev.Error.Traceback) > 0 {
			fmt.Fprintf(os.Stderr, "execctl: %s\n", strings.Join(ev.Error.Traceback, "\n"))
		}
	}
	return nil
}

// exitCode mirrors the remote exit code.
func exitCode(end model.ServerStreamEvent) int {
	if end.Type != model.StreamEventTypeError || end.Error == nil {
		return 0
	}
	code, err := strconv.Atoi(end.Error.EValue)
	if err != nil || code <= 0 || code > 255 {
		return 1
	}
	return code
}

func stateLabel(st model.CommandStatusResponse, color bool) string {
	label, ansi := "exited", "\x1b[2m"
	switch {
	case st.Running:
		label, ansi = "running", "\x1b[32m"
	case st.ExitCode != nil && *st.ExitCode != 0:
		label, ansi = "failed", "\x1b[31m"
	}
	label = fmt.Sprintf("%-8s", label)
	if !color {
		return label
	}
	return ansi + label + "\x1b[0m"
}

func exitLabel(st model.CommandStatusResponse) string {
	if st.ExitCode == nil {
		return "-"
	}
	return strconv.Itoa(*st.ExitCode)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "execctl: "+format+"\n", args...)
	os.Exit(1)
}
