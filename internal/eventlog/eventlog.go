package eventlog

import (
	"errors"
	"strconv"
)

// Sink receives structured lifecycle records for commands. The daemon keeps
// command output in memory; a Sink mirrors the lifecycle somewhere durable
// (journald by default) so that it outlives the process.
type Sink interface {
	Write(message string, fields map[string]string) error
}

// Lifecycle event constants.
const (
	EventStarted     = "started"
	EventExited      = "exited"
	EventInterrupted = "interrupted"
)

// Event field names.
const (
	FieldEvent      = "EXECD_EVENT"
	FieldCommandID  = "EXECD_COMMAND_ID"
	FieldCommand    = "EXECD_COMMAND"
	FieldExitCode   = "EXECD_EXIT_CODE"
	FieldBackground = "EXECD_BACKGROUND"
)

// EmitStarted records that a command was accepted and its process spawned.
func EmitStarted(s Sink, id, command string, background bool) error {
	return s.Write("Command started", map[string]string{
		FieldEvent:      EventStarted,
		FieldCommandID:  id,
		FieldCommand:    command,
		FieldBackground: strconv.FormatBool(background),
	})
}

// EmitExited records a command's terminal status.
func EmitExited(s Sink, id, command string, exitCode int) error {
	return s.Write("Command exited", map[string]string{
		FieldEvent:     EventExited,
		FieldCommandID: id,
		FieldCommand:   command,
		FieldExitCode:  strconv.Itoa(exitCode),
	})
}

// EmitInterrupted records an interrupt request against a running command.
func EmitInterrupted(s Sink, id string) error {
	return s.Write("Command interrupted", map[string]string{
		FieldEvent:     EventInterrupted,
		FieldCommandID: id,
	})
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) Write(string, map[string]string) error { return nil }

// MultiSink writes to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Write(message string, fields map[string]string) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(message, fields); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
