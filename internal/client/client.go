// Package client talks to an execd server over HTTP or a unix socket.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/mbrock/execd/internal/model"
)

// APIError is a non-2xx reply from the server.
type APIError struct {
	Status int
	model.ErrorResponse
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// Client is an execd API client.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// New returns a client for the server at base, e.g. http://127.0.0.1:44772.
func New(base, token string) *Client {
	return &Client{
		base:  strings.TrimSuffix(base, "/"),
		token: token,
		http:  &http.Client{},
	}
}

// NewUnix returns a client that reaches the server through a unix socket.
func NewUnix(socketPath, token string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return &Client{
		base:  "http://execd",
		token: token,
		http:  &http.Client{Transport: transport},
	}
}

// EventFunc receives stream events in order. Returning an error stops the
// stream.
type EventFunc func(model.ServerStreamEvent) error

// Ping checks the server is up.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/ping", nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Run submits a command and delivers its stream to fn until the terminal
// event. It returns the terminal event.
func (c *Client) Run(ctx context.Context, req model.RunCommandRequest, fn EventFunc) (model.ServerStreamEvent, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return model.ServerStreamEvent{}, err
	}
	resp, err := c.do(ctx, http.MethodPost, "/command", bytes.NewReader(body))
	if err != nil {
		return model.ServerStreamEvent{}, err
	}
	defer resp.Body.Close()
	return readStream(resp.Body, fn)
}

// Follow attaches to an existing command from cursor.
func (c *Client) Follow(ctx context.Context, id string, cursor int64, fn EventFunc) (model.ServerStreamEvent, error) {
	path := "/command/" + url.PathEscape(id) + "/stream?cursor=" + strconv.FormatInt(cursor, 10)
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return model.ServerStreamEvent{}, err
	}
	defer resp.Body.Close()
	return readStream(resp.Body, fn)
}

// Status fetches one command's status.
func (c *Client) Status(ctx context.Context, id string) (model.CommandStatusResponse, error) {
	var st model.CommandStatusResponse
	err := c.getJSON(ctx, "/command/status/"+url.PathEscape(id), &st)
	return st, err
}

// List fetches every command, newest first.
func (c *Client) List(ctx context.Context) ([]model.CommandStatusResponse, error) {
	var list []model.CommandStatusResponse
	err := c.getJSON(ctx, "/commands", &list)
	return list, err
}

// Logs returns the output after cursor and the cursor to continue from.
func (c *Client) Logs(ctx context.Context, id string, cursor int64) ([]byte, int64, error) {
	path := "/command/" + url.PathEscape(id) + "/logs?cursor=" + strconv.FormatInt(cursor, 10)
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	next, err := strconv.ParseInt(resp.Header.Get(model.HeaderTailCursor), 10, 64)
	if err != nil {
		return nil, 0, fmt.Errorf("bad %s header: %w", model.HeaderTailCursor, err)
	}
	return data, next, nil
}

// Interrupt asks the server to stop a command.
func (c *Client) Interrupt(ctx context.Context, id string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/command?id="+url.QueryEscape(id), nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Evict forgets a finished command.
func (c *Client) Evict(ctx context.Context, id string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/command/"+url.PathEscape(id), nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(v)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set(model.HeaderAccessToken, c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		apiErr := &APIError{Status: resp.StatusCode}
		json.NewDecoder(resp.Body).Decode(&apiErr.ErrorResponse)
		return nil, apiErr
	}
	return resp, nil
}

// readStream parses "data:" frames until a terminal event.
func readStream(r io.Reader, fn EventFunc) (model.ServerStreamEvent, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16<<20)
	for sc.Scan() {
		line, ok := strings.CutPrefix(sc.Text(), "data: ")
		if !ok {
			continue
		}
		var ev model.ServerStreamEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			return model.ServerStreamEvent{}, fmt.Errorf("decoding event: %w", err)
		}
		if fn != nil {
			if err := fn(ev); err != nil {
				return ev, err
			}
		}
		if ev.Type == model.StreamEventTypeComplete || ev.Type == model.StreamEventTypeError {
			return ev, nil
		}
	}
	if err := sc.Err(); err != nil {
		return model.ServerStreamEvent{}, err
	}
	return model.ServerStreamEvent{}, io.ErrUnexpectedEOF
}
