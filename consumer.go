package sweep

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	slogctx "github.com/veqryn/slog-context"
)

type (
	// Consumer pulls triggers from a Receiver and runs the handler registered
	// for their target.
	Consumer struct {
		receiver        Receiver
		codec           Codec
		handlerRegistry handlerRegistry
		bufferSize      int
		numberOfWorkers int
		execTimeout     time.Duration
	}

	// ConsumerOption is a function that modifies the config parameter of the Consumer.
	ConsumerOption func(*consumerConfig) error
	consumerConfig struct {
		bufferSize       int
		numberOfWorkers  int
		executionTimeout time.Duration
	}

	handlerRegistry struct {
		mu sync.RWMutex
		r  map[string]EventHandler
	}
)

var (
	ErrReceiverNotSet              = errors.New("receiver not set")
	ErrHandlerNil                  = errors.New("handler cannot be nil")
	ErrBufferSizeNegative          = errors.New("buffer size cannot be negative")
	ErrNumberOfWorkersNotPositive  = errors.New("number of workers must be greater than 0")
	ErrExecutionTimeoutNotPositive = errors.New("execution timeout must be greater than 0")
	ErrUnknownTarget               = errors.New("unknown target")
)

const (
	defConsumerBufferSize = 100
	defConsumerWorkers    = 10
	defExecutionTimeout   = 15 * time.Minute
	receiveRetryDelay     = time.Second
)

// NewConsumer creates a new Consumer reading from the receiver.
func NewConsumer(receiver Receiver, codec Codec, opts ...ConsumerOption) (*Consumer, error) {
	if receiver == nil {
		return nil, ErrReceiverNotSet
	}
	if codec == nil {
		return nil, ErrCodecNotProvided
	}

	c := consumerConfig{
		bufferSize:       defConsumerBufferSize,
		numberOfWorkers:  defConsumerWorkers,
		executionTimeout: defExecutionTimeout,
	}

	for _, opt := range opts {
		err := opt(&c)
		if err != nil {
			return nil, err
		}
	}

	return &Consumer{
		receiver:        receiver,
		codec:           codec,
		handlerRegistry: handlerRegistry{r: make(map[string]EventHandler)},
		bufferSize:      c.bufferSize,
		numberOfWorkers: c.numberOfWorkers,
		execTimeout:     c.executionTimeout,
	}, nil
}

// WithBufferSize sets how many received triggers may wait for a worker.
// It returns an error if the size is negative.
func WithBufferSize(size int) ConsumerOption {
	return func(c *consumerConfig) error {
		if size < 0 {
			return ErrBufferSizeNegative
		}
		c.bufferSize = size
		return nil
	}
}

// WithNumberOfWorkers sets the number of concurrent executions.
// It returns an error if the number is not positive.
func WithNumberOfWorkers(num int) ConsumerOption {
	return func(c *consumerConfig) error {
		if num <= 0 {
			return ErrNumberOfWorkersNotPositive
		}
		c.numberOfWorkers = num
		return nil
	}
}

// WithExecutionTimeout sets the hard deadline of every execution.
func WithExecutionTimeout(d time.Duration) ConsumerOption {
	return func(c *consumerConfig) error {
		if d <= 0 {
			return ErrExecutionTimeoutNotPositive
		}
		c.executionTimeout = d
		return nil
	}
}

// RegisterHandler registers the handler for a target.
// It returns an error if the handler is nil.
func (c *Consumer) RegisterHandler(target string, h EventHandler) error {
	if h == nil {
		return ErrHandlerNil
	}
	c.handlerRegistry.mu.Lock()
	defer c.handlerRegistry.mu.Unlock()
	c.handlerRegistry.r[target] = h
	return nil
}

// Listen receives triggers and executes them until ctx is done. Once ctx is
// done no further trigger is received, and Listen returns after every trigger
// already received was executed.
func (c *Consumer) Listen(ctx context.Context) error {
	deliveries := make(chan Delivery, c.bufferSize)

	var wg sync.WaitGroup
	for range c.numberOfWorkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range deliveries {
				_ = c.execute(ctx, d)
			}
		}()
	}

	c.startReceiving(ctx, deliveries)
	close(deliveries)
	wg.Wait()
	return nil
}

// startReceiving hands received triggers to the workers until ctx is done.
// A received trigger is already acknowledged and is always handed over.
func (c *Consumer) startReceiving(ctx context.Context, deliveries chan<- Delivery) {
	for ctx.Err() == nil {
		d, err := c.receiver.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slogctx.Error(ctx, "failed to receive trigger", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(receiveRetryDelay):
			}
			continue
		}

		deliveries <- d
	}
}

// execute runs one delivery. The execution is detached from the cancellation
// of ctx and bounded by the execution timeout only.
func (c *Consumer) execute(ctx context.Context, d Delivery) error {
	logCtx := slogctx.With(ctx, "target", d.Target)

	event, err := c.codec.DecodeEvent(d.Payload)
	if err != nil {
		slogctx.Error(logCtx, "dropping undecodable trigger", "error", err)
		return err
	}

	c.handlerRegistry.mu.RLock()
	h, ok := c.handlerRegistry.r[d.Target]
	c.handlerRegistry.mu.RUnlock()
	if !ok {
		slogctx.Error(logCtx, "no handler registered for target")
		return fmt.Errorf("%w: %s", ErrUnknownTarget, d.Target)
	}

	execCtx, cancel := context.WithTimeout(context.WithoutCancel(logCtx), c.execTimeout)
	defer cancel()

	slogctx.Debug(execCtx, "executing trigger", "jobID", event.JobID, "generation", event.Generation)
	if _, err := h.Handle(execCtx, event); err != nil {
		slogctx.Error(execCtx, "execution failed", "jobID", event.JobID, "error", err)
		return err
	}
	return nil
}
