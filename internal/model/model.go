// Package model defines the JSON types exchanged over the HTTP API.
package model

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

const (
	// HeaderTailCursor carries the cursor to pass to the next logs request.
	HeaderTailCursor = "EXECD-COMMANDS-TAIL-CURSOR"
	// HeaderActiveStreams reports the number of live stream sessions.
	HeaderActiveStreams = "EXECD-ACTIVE-STREAMS"
	// HeaderAccessToken must match the configured token when one is set.
	HeaderAccessToken = "X-EXECD-ACCESS-TOKEN"
)

// ErrorCode classifies a client-visible failure.
type ErrorCode string

const (
	ErrorCodeInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrorCodeNotFound       ErrorCode = "NOT_FOUND"
	ErrorCodeConflict       ErrorCode = "CONFLICT"
	ErrorCodeUnauthorized   ErrorCode = "UNAUTHORIZED"
	ErrorCodeRuntimeError   ErrorCode = "RUNTIME_ERROR"
)

// ErrorResponse is the body of every 4xx/5xx reply.
type ErrorResponse struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// RunCommandRequest submits a shell command.
type RunCommandRequest struct {
	Command    string            `json:"command" validate:"required"`
	Cwd        string            `json:"cwd,omitempty"`
	Background bool              `json:"background,omitempty"`
	Envs       map[string]string `json:"envs,omitempty"`
	TimeoutMs  int64             `json:"timeout_ms,omitempty" validate:"gte=0"`
	TTY        bool              `json:"tty,omitempty"`
}

// Validate checks struct tags and environment variable names.
func (r *RunCommandRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return err
	}
	for k := range r.Envs {
		if k == "" || strings.ContainsAny(k, "=\x00") {
			return fmt.Errorf("invalid environment variable name %q", k)
		}
	}
	return nil
}

// Timeout converts TimeoutMs.
func (r *RunCommandRequest) Timeout() time.Duration {
	return time.Duration(r.TimeoutMs) * time.Millisecond
}

// DecodeRunCommandRequest reads and validates a request body. Unknown fields
// are rejected.
func DecodeRunCommandRequest(r io.Reader) (*RunCommandRequest, error) {
	var req RunCommandRequest
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return nil, fmt.Errorf("error parsing request, invalid body format: %w", err)
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	return &req, nil
}

// ServerStreamEventType names an SSE event.
type ServerStreamEventType string

const (
	StreamEventTypeInit     ServerStreamEventType = "init"
	StreamEventTypeStdout   ServerStreamEventType = "stdout"
	StreamEventTypeStderr   ServerStreamEventType = "stderr"
	StreamEventTypeError    ServerStreamEventType = "error"
	StreamEventTypeComplete ServerStreamEventType = "execution_complete"
	StreamEventTypePing     ServerStreamEventType = "ping"
)

// ErrorOutput describes a failed command in an error event.
type ErrorOutput struct {
	EName     string   `json:"ename"`
	EValue    string   `json:"evalue"`
	Traceback []string `json:"traceback"`
}

// ServerStreamEvent is one message on a command stream.
type ServerStreamEvent struct {
	Type          ServerStreamEventType `json:"type,omitempty"`
	Text          string                `json:"text,omitempty"`
	Timestamp     int64                 `json:"timestamp,omitempty"`
	ExecutionTime int64                 `json:"execution_time,omitempty"`
	Error         *ErrorOutput          `json:"error,omitempty"`
	// Cursor is the log offset just past this event's data. A client that
	// reconnects with it resumes without gaps or repeats.
	Cursor int64 `json:"cursor,omitempty"`
}

// ToJSON serializes the event for streaming.
func (e ServerStreamEvent) ToJSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

// CommandStatusResponse reports a command's state.
type CommandStatusResponse struct {
	ID         string     `json:"id"`
	Content    string     `json:"content,omitempty"`
	Running    bool       `json:"running"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	Error      string     `json:"error,omitempty"`
	Background bool       `json:"background"`
	StartedAt  time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
