// Package dbus announces command exits on the D-Bus session bus so that
// desktop tooling can react without polling the HTTP API.
package dbus

import (
	"context"
	"fmt"
	"sync"

	godbus "github.com/godbus/dbus/v5"
)

const (
	// Interface is the D-Bus interface of the exit signal.
	Interface = "sh.swa.Execd"
	// Path is the object path the signal is emitted from.
	Path = godbus.ObjectPath("/sh/swa/Execd")
	// Member is the signal name.
	Member = "Exited"
)

// Exit is the decoded body of an Exited signal.
type Exit struct {
	ID       string
	ExitCode int
}

// Notifier emits Interface.Exited(id string, exitCode int32).
type Notifier struct {
	mu   sync.Mutex
	conn *godbus.Conn
}

// Connect opens a private connection to the session bus.
func Connect() (*Notifier, error) {
	conn, err := godbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("connecting to session bus: %w", err)
	}
	return &Notifier{conn: conn}, nil
}

// NewNotifier wraps an existing connection.
func NewNotifier(conn *godbus.Conn) *Notifier {
	return &Notifier{conn: conn}
}

// CommandExited emits the exit signal.
func (n *Notifier) CommandExited(id string, exitCode int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conn.Emit(Path, Interface+"."+Member, id, int32(exitCode))
}

func (n *Notifier) Close() error {
	return n.conn.Close()
}

// Subscribe delivers Exited signals seen on conn until ctx ends.
func Subscribe(ctx context.Context, conn *godbus.Conn) (<-chan Exit, error) {
	opts := []godbus.MatchOption{
		godbus.WithMatchInterface(Interface),
		godbus.WithMatchMember(Member),
		godbus.WithMatchObjectPath(Path),
	}
	if err := conn.AddMatchSignal(opts...); err != nil {
		return nil, fmt.Errorf("adding match signal: %w", err)
	}

	sigs := make(chan *godbus.Signal, 16)
	conn.Signal(sigs)

	out := make(chan Exit, 16)
	go func() {
		defer close(out)
		defer conn.RemoveSignal(sigs)
		defer conn.RemoveMatchSignal(opts...)
		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-sigs:
				if !ok {
					return
				}
				if exit, ok := decode(sig); ok {
					select {
					case out <- exit:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out, nil
}

func decode(sig *godbus.Signal) (Exit, bool) {
	if sig == nil || sig.Name != Interface+"."+Member || len(sig.Body) < 2 {
		return Exit{}, false
	}
	id, ok1 := sig.Body[0].(string)
	code, ok2 := sig.Body[1].(int32)
	if !ok1 || !ok2 {
		return Exit{}, false
	}
	return Exit{ID: id, ExitCode: int(code)}, true
}
