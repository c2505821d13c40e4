// Package server provides the HTTP API for execd.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"go.uber.org/zap"
	"golang.org/x/net/websocket"

	"github.com/mbrock/execd/internal/command"
	"github.com/mbrock/execd/internal/model"
	"github.com/mbrock/execd/internal/server/views"
	"github.com/mbrock/execd/internal/stream"
)

// Options configures a Server.
type Options struct {
	Registry *command.Registry
	// Tracker counts stream sessions. A new one is created when nil.
	Tracker     *stream.Tracker
	Logger      *zap.Logger
	AccessToken string
	// PingInterval and Grace are passed to every stream session.
	PingInterval time.Duration
	Grace        time.Duration
}

// Server is the HTTP API server for execd.
type Server struct {
	registry *command.Registry
	tracker  *stream.Tracker
	log      *zap.Logger
	token    string
	ping     time.Duration
	grace    time.Duration

	mux     *http.ServeMux
	logs    http.Handler
	handler http.Handler
	server  *http.Server
}

// New creates a Server around the registry.
func New(opts Options) *Server {
	s := &Server{
		registry: opts.Registry,
		tracker:  opts.Tracker,
		log:      opts.Logger,
		token:    opts.AccessToken,
		ping:     opts.PingInterval,
		grace:    opts.Grace,
		mux:      http.NewServeMux(),
	}
	if s.tracker == nil {
		s.tracker = &stream.Tracker{}
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	s.logs = gzhttp.GzipHandler(http.HandlerFunc(s.handleLogs))
	s.registerRoutes()
	s.handler = s.recoverPanics(s.logRequests(s.checkToken(s.mux)))
	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          zap.NewStdLog(s.log.Named("http")),
	}
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /ping", s.handlePing)
	s.mux.HandleFunc("POST /command", s.handleRunCommand)
	s.mux.HandleFunc("DELETE /command", s.handleInterrupt)
	s.mux.HandleFunc("DELETE /command/{id}", s.handleEvict)
	s.mux.HandleFunc("GET /commands", s.handleListCommands)
	// /command/status/{id} and /command/{id}/logs overlap as mux patterns,
	// so both shapes share one route.
	s.mux.HandleFunc("GET /command/{first}/{second}", s.handleCommandGet)
}

// Handler returns the full handler chain, middleware included.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Tracker returns the stream session counter.
func (s *Server) Tracker() *stream.Tracker {
	return s.tracker
}

// Serve starts the server on the given listener.
func (s *Server) Serve(ln net.Listener) error {
	return s.server.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handlers

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, "pong")
}

func (s *Server) handleRunCommand(w http.ResponseWriter, r *http.Request) {
	req, err := model.DecodeRunCommandRequest(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, model.ErrorCodeInvalidRequest, err.Error())
		return
	}

	c, release, err := s.registry.Submit(r.Context(), command.Request{
		Command:    req.Command,
		Dir:        req.Cwd,
		Env:        req.Envs,
		Background: req.Background,
		TTY:        req.TTY,
		Timeout:    req.Timeout(),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, model.ErrorCodeRuntimeError, err.Error())
		return
	}

	sess := s.session(c, release, stream.NewSSEWriter(w))
	sess.Detach = req.Background
	sess.Run(r.Context())
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, model.ErrorCodeInvalidRequest, "missing query parameter id")
		return
	}

	status := "interrupting"
	err := s.registry.Interrupt(r.Context(), id)
	switch {
	case err == nil:
	case errors.Is(err, command.ErrNotRunning):
		status = "exited"
	default:
		s.writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": status})
}

func (s *Server) handleEvict(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.registry.Evict(id); err != nil {
		s.writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "evicted"})
}

func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	infos := s.registry.List()
	active := s.tracker.Active()
	w.Header().Set(model.HeaderActiveStreams, strconv.FormatInt(active, 10))

	if wantsHTML(r) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := views.CommandsPage(infos, active).Render(r.Context(), w); err != nil {
			s.log.Debug("rendering commands page", zap.Error(err))
		}
		return
	}

	out := make([]model.CommandStatusResponse, 0, len(infos))
	for _, info := range infos {
		out = append(out, statusResponse(info))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleCommandGet dispatches GET /command/status/{id} and
// GET /command/{id}/{logs,stream,attach}.
func (s *Server) handleCommandGet(w http.ResponseWriter, r *http.Request) {
	first, second := r.PathValue("first"), r.PathValue("second")
	if first == "status" {
		s.handleStatus(w, r, second)
		return
	}
	switch second {
	case "logs":
		s.logs.ServeHTTP(w, r)
	case "stream":
		s.handleStream(w, r, first)
	case "attach":
		s.handleAttach(w, r, first)
	default:
		writeError(w, http.StatusNotFound, model.ErrorCodeNotFound, "unknown endpoint "+r.URL.Path)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, id string) {
	info, err := s.registry.Status(id)
	if err != nil {
		s.writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse(info))
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("first")
	data, next, err := s.registry.Tail(id, parseCursor(r))
	if err != nil {
		s.writeRegistryError(w, err)
		return
	}
	w.Header().Set(model.HeaderTailCursor, strconv.FormatInt(next, 10))
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, id string) {
	c, release, err := s.registry.Acquire(id)
	if err != nil {
		s.writeRegistryError(w, err)
		return
	}
	sess := s.session(c, release, stream.NewSSEWriter(w))
	sess.Cursor = parseCursor(r)
	sess.Run(r.Context())
}

func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request, id string) {
	c, release, err := s.registry.Acquire(id)
	if err != nil {
		s.writeRegistryError(w, err)
		return
	}
	cursor := parseCursor(r)

	upgraded := false
	websocket.Handler(func(ws *websocket.Conn) {
		upgraded = true
		defer ws.Close()
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// The client sends nothing; a read error means it went away.
		go func() {
			io.Copy(io.Discard, ws)
			cancel()
		}()

		sess := s.session(c, release, stream.NewWebSocketWriter(ws))
		sess.Cursor = cursor
		sess.Run(ctx)
	}).ServeHTTP(w, r)

	// A failed handshake never reaches the session.
	if !upgraded {
		release()
	}
}

func (s *Server) session(c *command.Command, release func(), w stream.Writer) *stream.Session {
	return &stream.Session{
		Command:      c,
		Release:      release,
		Writer:       w,
		PingInterval: s.ping,
		Grace:        s.grace,
		Tracker:      s.tracker,
		Logger:       s.log,
	}
}

// Helpers

func statusResponse(info command.Info) model.CommandStatusResponse {
	return model.CommandStatusResponse{
		ID:         info.ID,
		Content:    info.Command,
		Running:    info.Running(),
		ExitCode:   info.ExitCode,
		Error:      info.Error,
		Background: info.Background,
		StartedAt:  info.StartedAt,
		FinishedAt: info.FinishedAt,
	}
}

// parseCursor reads the cursor query parameter. Missing, malformed and
// negative values all mean the start of the log.
func parseCursor(r *http.Request) int64 {
	n, err := strconv.ParseInt(r.URL.Query().Get("cursor"), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func wantsHTML(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

func (s *Server) writeRegistryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, command.ErrNotFound):
		writeError(w, http.StatusNotFound, model.ErrorCodeNotFound, err.Error())
	case errors.Is(err, command.ErrBusy):
		writeError(w, http.StatusConflict, model.ErrorCodeConflict, err.Error())
	default:
		s.log.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, model.ErrorCodeRuntimeError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code model.ErrorCode, msg string) {
	writeJSON(w, status, model.ErrorResponse{Code: code, Message: msg})
}
