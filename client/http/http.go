package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/openkcm/sweep"
)

const (
	// ContentType is the media type of invocation payloads.
	ContentType = "application/octet-stream"

	defaultTimeout = 10 * time.Second
	maxErrorBody   = 512
)

var (
	ErrInvalidBaseURL   = errors.New("http: invalid base URL")
	ErrUnexpectedStatus = errors.New("http: unexpected status")
)

var _ sweep.Invoker = &Client{}

type (
	// Client triggers executions by posting them to a sweep server.
	// The server answers 202 Accepted before it starts the execution.
	Client struct {
		base    *url.URL
		client  *http.Client
		headers http.Header
	}

	// ClientOption configures the Client.
	ClientOption func(*Client)
)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) {
		cl.client = c
	}
}

// WithHeader adds a header to every request, e.g. an authorization token.
func WithHeader(key, value string) ClientOption {
	return func(cl *Client) {
		cl.headers.Add(key, value)
	}
}

// NewClient creates a client posting to the server at baseURL.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidBaseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidBaseURL, baseURL)
	}

	c := &Client{
		base:    base,
		client:  &http.Client{Timeout: defaultTimeout},
		headers: http.Header{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// FireAndForget posts the payload to the invocations of target.
func (c *Client) FireAndForget(ctx context.Context, target string, payload []byte) error {
	endpoint := c.base.JoinPath("targets", target, "invocations")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	for k, vs := range c.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", ContentType)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("%w: %d %s", ErrUnexpectedStatus, resp.StatusCode, bytes.TrimSpace(body))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
