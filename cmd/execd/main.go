// execd - run shell commands over HTTP and stream their output
//
// Usage:
//
//	execd [flags]
//
// Configuration is read from defaults, then the config file (--config or
// $EXECD_CONFIG), then EXECD_* environment variables, then flags.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"

	"github.com/mbrock/execd/internal/command"
	"github.com/mbrock/execd/internal/config"
	"github.com/mbrock/execd/internal/eventlog"
	"github.com/mbrock/execd/internal/logging"
	"github.com/mbrock/execd/internal/platform/dbus"
	"github.com/mbrock/execd/internal/platform/systemd"
	"github.com/mbrock/execd/internal/process"
	"github.com/mbrock/execd/internal/safego"
	"github.com/mbrock/execd/internal/server"
	"github.com/mbrock/execd/internal/stream"
)

// shutdownTimeout bounds how long in-flight requests and running commands
// get on SIGTERM.
const shutdownTimeout = 5 * time.Second

func main() {
	cfg, err := config.Load("execd", os.Args[1:], os.LookupEnv)
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "execd: %v\n", err)
		os.Exit(2)
	}

	log, _, err := logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		fmt.Fprintf(os.Stderr, "execd: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Error("execd failed", zap.Error(err))
		log.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	safego.InstallPanicLogger(log)
	if _, err := maxprocs.Set(maxprocs.Logger(log.Sugar().Infof)); err != nil {
		log.Warn("setting GOMAXPROCS", zap.Error(err))
	}

	sinks := eventlog.MultiSink{}
	if cfg.Journal {
		if systemd.JournalAvailable() {
			sinks = append(sinks, systemd.JournalSink{})
		} else {
			log.Warn("journal requested but not reachable, lifecycle events stay in the log")
		}
	}

	var notifier command.Notifier
	if cfg.DBus {
		n, err := dbus.Connect()
		if err != nil {
			log.Warn("D-Bus unavailable, exit signals disabled", zap.Error(err))
		} else {
			defer n.Close()
			notifier = n
		}
	}

	registry := command.NewRegistry(command.Options{
		Executor: &process.ExecExecutor{
			Shell:        cfg.Shell,
			EnvFile:      cfg.EnvFile,
			DrainTimeout: time.Duration(cfg.DrainTimeout),
			Logger:       log.Named("process"),
		},
		Sink:       sinks,
		Notifier:   notifier,
		Logger:     log.Named("command"),
		Retention:  time.Duration(cfg.Retention),
		GCInterval: time.Duration(cfg.GCInterval),
		KillGrace:  time.Duration(cfg.KillGrace),
	})

	srv := server.New(server.Options{
		Registry:     registry,
		Tracker:      &stream.Tracker{},
		Logger:       log.Named("http"),
		AccessToken:  cfg.AccessToken,
		PingInterval: time.Duration(cfg.PingInterval),
		Grace:        time.Duration(cfg.GracefulShutdownTimeout),
	})

	ln, err := systemd.Listener(cfg.Socket, cfg.Addr())
	if err != nil {
		return fmt.Errorf("getting listener: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	serveErr := make(chan error, 1)
	safego.Go(func() { serveErr <- srv.Serve(ln) })

	log.Info("execd listening",
		zap.String("addr", ln.Addr().String()),
		zap.Strings("shell", cfg.Shell),
		zap.Bool("token", cfg.AccessToken != ""))
	if _, err := systemd.NotifyReady(); err != nil {
		log.Warn("sd_notify ready", zap.Error(err))
	}

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	if _, err := systemd.NotifyStopping(); err != nil {
		log.Warn("sd_notify stopping", zap.Error(err))
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Streams end once their commands are killed, so stop commands first.
	regErr := registry.Close(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	return regErr
}
