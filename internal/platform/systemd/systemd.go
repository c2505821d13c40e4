// Package systemd integrates the daemon with systemd: socket activation,
// readiness notification and a journal sink for lifecycle events.
package systemd

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/coreos/go-systemd/v22/journal"

	"github.com/mbrock/execd/internal/eventlog"
)

// Listener returns the API listener. A socket passed by systemd wins;
// otherwise socketPath selects a unix socket and addr a TCP address.
func Listener(socketPath, addr string) (net.Listener, error) {
	listeners, err := activation.Listeners()
	if err != nil {
		return nil, fmt.Errorf("socket activation: %w", err)
	}
	for _, ln := range listeners {
		if ln != nil {
			return ln, nil
		}
	}

	if socketPath != "" {
		if err := os.MkdirAll(filepath.Dir(socketPath), 0o700); err != nil {
			return nil, err
		}
		os.Remove(socketPath) // stale socket from a previous run
		return net.Listen("unix", socketPath)
	}
	return net.Listen("tcp", addr)
}

// NotifyReady tells the service manager the daemon is serving. It is a
// no-op outside systemd.
func NotifyReady() (bool, error) {
	return daemon.SdNotify(false, daemon.SdNotifyReady)
}

// NotifyStopping tells the service manager shutdown has begun.
func NotifyStopping() (bool, error) {
	return daemon.SdNotify(false, daemon.SdNotifyStopping)
}

// JournalSink writes lifecycle events to the systemd journal.
type JournalSink struct{}

var _ eventlog.Sink = JournalSink{}

// JournalAvailable reports whether the journal socket can be reached.
func JournalAvailable() bool {
	return journal.Enabled()
}

func (JournalSink) Write(message string, fields map[string]string) error {
	priority := journal.PriInfo
	if fields[eventlog.FieldEvent] == eventlog.EventExited && fields[eventlog.FieldExitCode] != "0" {
		priority = journal.PriWarning
	}
	return journal.Send(message, priority, fields)
}
