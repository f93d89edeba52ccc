package interactortest

import (
	"context"
	"errors"
	"sync"

	"github.com/openkcm/sweep"
)

type (
	// Queue is an in-memory implementation of the sweep.Invoker and
	// sweep.Receiver interfaces. Triggers fired on the queue are received in
	// the order they were fired.
	Queue struct {
		link chan sweep.Delivery

		mu       sync.Mutex
		fired    []sweep.Delivery
		failures int
		failErr  error
	}

	// Option is a function that modifies the config parameter of the Queue.
	Option func(*config)
	config struct {
		bufferSize int
	}
)

var (
	_ sweep.Invoker  = &Queue{}
	_ sweep.Receiver = &Queue{}
)

// ErrInjected is returned by FireAndForget for injected failures without an error.
var ErrInjected = errors.New("injected invoker failure")

const defaultBufferSize = 10

// WithBufferSize sets the number of triggers the queue holds before
// FireAndForget blocks.
func WithBufferSize(size int) Option {
	return func(c *config) {
		c.bufferSize = size
	}
}

// NewQueue creates a new Queue instance.
func NewQueue(opts ...Option) *Queue {
	c := config{bufferSize: defaultBufferSize}
	for _, opt := range opts {
		opt(&c)
	}
	return &Queue{
		link: make(chan sweep.Delivery, c.bufferSize),
	}
}

// FailNext makes the next n calls of FireAndForget fail with err.
func (q *Queue) FailNext(n int, err error) {
	if err == nil {
		err = ErrInjected
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failures = n
	q.failErr = err
}

// FireAndForget records the trigger and queues it for Receive.
func (q *Queue) FireAndForget(ctx context.Context, target string, payload []byte) error {
	q.mu.Lock()
	if q.failures > 0 {
		q.failures--
		err := q.failErr
		q.mu.Unlock()
		return err
	}
	d := sweep.Delivery{Target: target, Payload: append([]byte(nil), payload...)}
	q.fired = append(q.fired, d)
	q.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.link <- d:
		return nil
	}
}

// Receive waits for the next queued trigger.
func (q *Queue) Receive(ctx context.Context) (sweep.Delivery, error) {
	select {
	case <-ctx.Done():
		return sweep.Delivery{}, ctx.Err()
	case d := <-q.link:
		return d, nil
	}
}

// Fired returns every trigger accepted so far, received or not.
func (q *Queue) Fired() []sweep.Delivery {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]sweep.Delivery, len(q.fired))
	copy(out, q.fired)
	return out
}

// Pending returns the number of triggers not received yet.
func (q *Queue) Pending() int {
	return len(q.link)
}
