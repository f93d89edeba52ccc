package embedded

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/sweep"
)

type (
	// Client is an in-process implementation of the sweep.Invoker interface.
	// Every trigger runs the registered handler of its target in its own
	// goroutine, detached from the context of the caller.
	Client struct {
		codec     sweep.Codec
		config    config
		mu        sync.RWMutex
		handlers  map[string]sweep.EventHandler
		inflight  sync.WaitGroup
		close     chan struct{}
		closeOnce sync.Once
	}

	// ResultFunc observes the outcome of an execution.
	ResultFunc func(target string, event sweep.Event, output sweep.Output, err error)

	// Option is a function type that modifies the configuration of the Client.
	Option func(*config) error
	config struct {
		executionTimeout time.Duration
		resultFn         ResultFunc
	}
)

var _ sweep.Invoker = &Client{}

var (
	ErrMissingHandler              = errors.New("missing handler")
	ErrMissingTarget               = errors.New("missing target")
	ErrUnknownTarget               = errors.New("unknown target")
	ErrClientClosed                = errors.New("client closed")
	ErrNonPositiveExecutionTimeout = errors.New("execution timeout must be greater than 0")
)

const defaultExecutionTimeout = 15 * time.Minute

// NewClient creates a new embedded Client instance.
// The codec decodes the payloads handed to FireAndForget.
func NewClient(codec sweep.Codec, opts ...Option) (*Client, error) {
	if codec == nil {
		return nil, sweep.ErrCodecNotProvided
	}

	cfg := config{
		executionTimeout: defaultExecutionTimeout,
	}

	for _, opt := range opts {
		err := opt(&cfg)
		if err != nil {
			return nil, err
		}
	}

	return &Client{
		codec:    codec,
		config:   cfg,
		handlers: make(map[string]sweep.EventHandler),
		close:    make(chan struct{}),
	}, nil
}

// WithExecutionTimeout sets the hard deadline of every execution.
func WithExecutionTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout <= 0 {
			return ErrNonPositiveExecutionTimeout
		}
		c.executionTimeout = timeout
		return nil
	}
}

// WithResultFunc registers a function called after every execution.
func WithResultFunc(fn ResultFunc) Option {
	return func(c *config) error {
		c.resultFn = fn
		return nil
	}
}

// Register binds a handler to a target. A later registration replaces the former.
func (c *Client) Register(target string, h sweep.EventHandler) error {
	if target == "" {
		return ErrMissingTarget
	}
	if h == nil {
		return ErrMissingHandler
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[target] = h
	return nil
}

// FireAndForget decodes the payload and starts the handler of the target
// asynchronously. It returns before the execution starts.
func (c *Client) FireAndForget(ctx context.Context, target string, payload []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.close:
		return ErrClientClosed
	default:
	}

	event, err := c.codec.DecodeEvent(payload)
	if err != nil {
		return err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	h, ok := c.handlers[target]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTarget, target)
	}

	select {
	case <-c.close:
		return ErrClientClosed
	default:
	}
	c.inflight.Add(1)

	// the execution outlives the trigger, so it gets its own context
	//nolint:contextcheck
	go func() {
		defer c.inflight.Done()

		execCtx, cancel := context.WithTimeout(context.Background(), c.config.executionTimeout)
		defer cancel()

		out, err := h.Handle(execCtx, event)
		if err != nil {
			slogctx.Error(execCtx, "execution failed", "target", target, "jobID", event.JobID, "error", err)
		}
		if c.config.resultFn != nil {
			c.config.resultFn(target, event, out, err)
		}
	}()

	return nil
}

// Close refuses new triggers and waits for the running executions until
// ctx is done.
func (c *Client) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		close(c.close)
		c.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
