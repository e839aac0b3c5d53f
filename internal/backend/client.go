// Package backend talks to the chat function endpoint that fronts the LLM.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/RichardoC/luna/internal/models"
)

// Fallback messages used when the server does not supply its own.
const (
	RateLimitedMessage = "I'm receiving too many messages right now. Please wait a moment and try again. 💜"
	UnavailableMessage = "Service temporarily unavailable. Please try again later."
	GenericMessage     = "Failed to get response"
)

// ErrMissingCredential means no publishable key was configured. Requests fail
// immediately and are not retried.
var ErrMissingCredential = errors.New("chat backend credential is not configured")

// APIError is a non-2xx answer received before any streaming began.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return e.Message
}

// RateLimited reports whether the backend rejected the request with 429.
func (e *APIError) RateLimited() bool {
	return e.Status == http.StatusTooManyRequests
}

type ChatRequest struct {
	Messages []models.Turn `json:"messages"`
}

type errorBody struct {
	Error string `json:"error"`
}

type Client struct {
	url  string
	key  string
	http *http.Client
}

type Option func(*Client)

// WithHTTPClient replaces the default client. The streaming call relies on
// the context for cancellation, so the client should not set a Timeout that
// would cut long replies short.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.http = c
	}
}

func New(url, key string, opts ...Option) *Client {
	c := &Client{
		url:  url,
		key:  key,
		http: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Stream posts the conversation and returns the event-stream body. The
// caller owns the body and must close it.
func (c *Client) Stream(ctx context.Context, turns []models.Turn) (io.ReadCloser, error) {
	if c.key == "" {
		return nil, ErrMissingCredential
	}

	body, err := json.Marshal(ChatRequest{Messages: turns})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.key)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, errorFromResponse(resp)
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		return nil, &APIError{Status: resp.StatusCode, Message: "No response body"}
	}
	return resp.Body, nil
}

func errorFromResponse(resp *http.Response) *APIError {
	apiErr := &APIError{Status: resp.StatusCode}

	var eb errorBody
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if json.Unmarshal(data, &eb) == nil && eb.Error != "" {
		apiErr.Message = eb.Error
		return apiErr
	}

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		apiErr.Message = RateLimitedMessage
	case http.StatusPaymentRequired:
		apiErr.Message = UnavailableMessage
	default:
		apiErr.Message = GenericMessage
	}
	return apiErr
}
