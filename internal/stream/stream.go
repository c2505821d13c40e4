// Package stream delivers a command's output to one client as a sequence of
// events: init, then data events, idle pings, and a terminal event.
package stream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mbrock/execd/internal/command"
	"github.com/mbrock/execd/internal/eventlog"
	"github.com/mbrock/execd/internal/model"
)

// DefaultPingInterval is used when a Session has none configured.
const DefaultPingInterval = 3 * time.Second

// maxEventSize bounds the output bytes carried by one data event.
const maxEventSize = 32 << 10

// ErrDisconnected wraps the send failure that ended a session.
var ErrDisconnected = errors.New("client disconnected")

// Writer delivers events to one client. A returned error means the client
// is gone.
type Writer interface {
	WriteEvent(ev model.ServerStreamEvent) error
}

// Tracker counts live sessions.
type Tracker struct {
	active atomic.Int64
}

// Active returns the number of sessions currently running.
func (t *Tracker) Active() int64 {
	if t == nil {
		return 0
	}
	return t.active.Load()
}

func (t *Tracker) enter() func() {
	if t == nil {
		return func() {}
	}
	t.active.Add(1)
	return func() { t.active.Add(-1) }
}

// Session streams one command to one client.
type Session struct {
	Command *command.Command
	// Release drops the registry reference held for the session. It is
	// called exactly once when Run returns.
	Release func()
	Writer  Writer
	// Cursor is where data events start.
	Cursor int64
	// Detach ends the stream right after init with execution_complete.
	// Used for background submissions, whose output is read later.
	Detach bool

	PingInterval time.Duration
	// Grace keeps the stream open for a moment after the terminal event so
	// that proxies deliver it before the connection closes.
	Grace   time.Duration
	Tracker *Tracker
	Logger  *zap.Logger
}

// Run drives the session until the command finishes and its output is
// flushed, or until the client goes away. A disconnect returns an error
// wrapping ErrDisconnected or ctx.Err(); it never affects the command.
func (s *Session) Run(ctx context.Context) error {
	defer s.Tracker.enter()()
	if s.Release != nil {
		defer s.Release()
	}
	log := s.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("id", s.Command.ID))

	err := s.run(ctx)
	if err != nil {
		log.Debug("stream closed early", zap.Error(err))
	}
	return err
}

func (s *Session) run(ctx context.Context) error {
	if err := s.send(model.ServerStreamEvent{
		Type: model.StreamEventTypeInit,
		Text: s.Command.ID,
	}); err != nil {
		return err
	}

	if s.Detach {
		return s.send(model.ServerStreamEvent{Type: model.StreamEventTypeComplete})
	}

	interval := s.PingInterval
	if interval <= 0 {
		interval = DefaultPingInterval
	}
	ping := time.NewTimer(interval)
	defer ping.Stop()

	cursor := s.Cursor
	for {
		snap := s.Command.Log().ChunksFrom(cursor)
		sent := false
		for i, c := range snap.Chunks {
			// Only the newest chunk of a live log can still grow into a
			// complete rune.
			hold := i == len(snap.Chunks)-1 && !snap.Closed
			next, err := s.sendChunk(c, hold)
			if err != nil {
				return err
			}
			if next > cursor {
				cursor, sent = next, true
			}
			if next < c.End {
				break
			}
		}
		if sent {
			ping.Reset(interval)
			continue
		}

		if snap.Closed && len(snap.Chunks) == 0 {
			if err := s.send(s.terminalEvent(cursor)); err != nil {
				return err
			}
			return s.linger(ctx)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-snap.Wait:
		case <-ping.C:
			if err := s.send(model.ServerStreamEvent{
				Type: model.StreamEventTypePing,
				Text: "pong",
			}); err != nil {
				return err
			}
			ping.Reset(interval)
		}
	}
}

func (s *Session) linger(ctx context.Context) error {
	if s.Grace <= 0 {
		return nil
	}
	t := time.NewTimer(s.Grace)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
	return nil
}

func (s *Session) send(ev model.ServerStreamEvent) error {
	ev.Timestamp = time.Now().UnixMilli()
	if err := s.Writer.WriteEvent(ev); err != nil {
		return fmt.Errorf("%w: %w", ErrDisconnected, err)
	}
	return nil
}

// sendChunk sends c as data events of at most maxEventSize bytes, cut on
// rune boundaries so every event carries valid UTF-8 text. With hold set, an
// incomplete UTF-8 sequence at the end of c is left unsent. It returns the
// cursor just past the last byte sent.
func (s *Session) sendChunk(c eventlog.Chunk, hold bool) (int64, error) {
	data, pos := c.Data, c.Start
	for len(data) > 0 {
		n := min(len(data), maxEventSize)
		if n < len(data) || hold {
			if cut := eventlog.RuneBoundary(data[:n]); cut > 0 {
				n = cut
			} else if n == len(data) {
				break
			}
		}
		pos += int64(n)
		if err := s.send(dataEvent(c.FD, data[:n], pos)); err != nil {
			return pos, err
		}
		data = data[n:]
	}
	return pos, nil
}

func dataEvent(fd int, p []byte, end int64) model.ServerStreamEvent {
	typ := model.StreamEventTypeStdout
	if fd == eventlog.FDStderr {
		typ = model.StreamEventTypeStderr
	}
	return model.ServerStreamEvent{
		Type:   typ,
		Text:   string(p),
		Cursor: end,
	}
}

func (s *Session) terminalEvent(cursor int64) model.ServerStreamEvent {
	info := s.Command.Info()
	code := command.ExitInternal
	if info.ExitCode != nil {
		code = *info.ExitCode
	}

	if code == 0 {
		var elapsed time.Duration
		if info.FinishedAt != nil {
			elapsed = info.FinishedAt.Sub(info.StartedAt)
		}
		return model.ServerStreamEvent{
			Type:          model.StreamEventTypeComplete,
			ExecutionTime: elapsed.Milliseconds(),
			Cursor:        cursor,
		}
	}

	traceback := []string{}
	if info.Error != "" {
		traceback = append(traceback, info.Error)
	}
	return model.ServerStreamEvent{
		Type: model.StreamEventTypeError,
		Error: &model.ErrorOutput{
			EName:     "CommandExecError",
			EValue:    strconv.Itoa(code),
			Traceback: traceback,
		},
		Cursor: cursor,
	}
}
