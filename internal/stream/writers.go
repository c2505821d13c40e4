package stream

import (
	"errors"
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/net/websocket"

	"github.com/mbrock/execd/internal/model"
)

// SSEWriter writes events as server-sent events, one "data:" frame each,
// flushed immediately.
type SSEWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

// NewSSEWriter sets the event-stream headers on w.
func NewSSEWriter(w http.ResponseWriter) *SSEWriter {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	return &SSEWriter{w: w, rc: http.NewResponseController(w)}
}

func (s *SSEWriter) WriteEvent(ev model.ServerStreamEvent) error {
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", ev.ToJSON()); err != nil {
		return err
	}
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

// WebSocketWriter sends each event as one JSON text message.
type WebSocketWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func NewWebSocketWriter(conn *websocket.Conn) *WebSocketWriter {
	return &WebSocketWriter{conn: conn}
}

func (w *WebSocketWriter) WriteEvent(ev model.ServerStreamEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return websocket.JSON.Send(w.conn, ev)
}
