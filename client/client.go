// Package client is the HTTP client for the parley backend. It implements
// the interfaces the discussion controller and realtime manager consume:
// thread listing, thread creation, message sends, channel tokens, and the
// user directory, plus an SSE subscriber for the push channel.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"parley/realtime"
	"parley/thread"
)

// APIError is a non-2xx backend response decoded from the error envelope.
type APIError struct {
	Status  int
	Code    string
	Message string
	Details json.RawMessage
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d %s: %s", e.Status, e.Code, e.Message)
}

// Client talks to one parley backend on behalf of one authenticated user.
type Client struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
	log        zerolog.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient swaps the underlying HTTP client, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger attaches a logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// New creates a client. authToken is the caller's session token, sent as a
// bearer credential on every request.
func New(baseURL, authToken string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		authToken:  authToken,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListThreads returns the persisted threads of a document, conversations
// included.
func (c *Client) ListThreads(ctx context.Context, documentID int64) ([]thread.Thread, error) {
	var payload struct {
		Threads []thread.Thread `json:"threads"`
	}
	path := fmt.Sprintf("/api/documents/%d/threads", documentID)
	if err := c.do(ctx, http.MethodGet, path, nil, &payload); err != nil {
		return nil, err
	}
	return payload.Threads, nil
}

// CreateThread promotes a placeholder. A 409 with code THREAD_EXISTS is
// translated into realtime.ThreadExistsError carrying the existing thread so
// the caller can adopt it.
func (c *Client) CreateThread(ctx context.Context, req realtime.CreateThreadRequest) (thread.Thread, error) {
	var payload struct {
		Thread thread.Thread `json:"thread"`
	}
	err := c.do(ctx, http.MethodPost, "/api/threads", req, &payload)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Code == "THREAD_EXISTS" {
			var conflict struct {
				Thread thread.Thread `json:"thread"`
			}
			if json.Unmarshal(apiErr.Details, &conflict) == nil && conflict.Thread.Identifier != "" {
				return thread.Thread{}, &realtime.ThreadExistsError{Existing: conflict.Thread}
			}
		}
		return thread.Thread{}, err
	}
	return payload.Thread, nil
}

// SendMessage appends a message to a persisted thread.
func (c *Client) SendMessage(ctx context.Context, req realtime.SendMessageRequest) (thread.Message, error) {
	var payload struct {
		Message thread.Message `json:"message"`
	}
	path := fmt.Sprintf("/api/threads/%s/messages", req.ThreadIdentifier)
	if err := c.do(ctx, http.MethodPost, path, req, &payload); err != nil {
		return thread.Message{}, err
	}
	return payload.Message, nil
}

// ChannelToken fetches an ephemeral push-channel token for a thread.
func (c *Client) ChannelToken(ctx context.Context, threadIdentifier string) (string, error) {
	var payload struct {
		Token string `json:"token"`
	}
	path := fmt.Sprintf("/api/threads/%s/token", threadIdentifier)
	if err := c.do(ctx, http.MethodPost, path, nil, &payload); err != nil {
		return "", err
	}
	return payload.Token, nil
}

// MarkRead marks a thread's conversations as read for the caller.
func (c *Client) MarkRead(ctx context.Context, threadIdentifier string) error {
	path := fmt.Sprintf("/api/threads/%s/read", threadIdentifier)
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// User looks up a participant for rendering names and avatars.
func (c *Client) User(ctx context.Context, userID int64) (thread.Participant, error) {
	var payload struct {
		User thread.Participant `json:"user"`
	}
	path := fmt.Sprintf("/api/users/%d", userID)
	if err := c.do(ctx, http.MethodGet, path, nil, &payload); err != nil {
		return thread.Participant{}, err
	}
	return payload.User, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, target any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}
	if target == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var envelope struct {
		Code    string          `json:"code"`
		Message string          `json:"error"`
		Details json.RawMessage `json:"details"`
	}
	apiErr := &APIError{Status: resp.StatusCode}
	if json.Unmarshal(raw, &envelope) == nil && envelope.Code != "" {
		apiErr.Code = envelope.Code
		apiErr.Message = envelope.Message
		apiErr.Details = envelope.Details
		return apiErr
	}
	apiErr.Code = "UNEXPECTED"
	apiErr.Message = strings.TrimSpace(string(raw))
	return apiErr
}
