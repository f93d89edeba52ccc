package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openkcm/sweep"
)

const (
	// DefaultQueueKey is the list the client pushes to and pops from.
	DefaultQueueKey = "sweep:queue"

	defaultPollTimeout = 5 * time.Second
)

var (
	ErrMissingAddr         = errors.New("redis: missing address")
	ErrMissingQueueKey     = errors.New("redis: missing queue key")
	ErrNonPositivePollTime = errors.New("redis: poll timeout must be greater than 0")
	ErrMissingTarget       = errors.New("redis: envelope has no target")
)

var (
	_ sweep.Invoker  = &Redis{}
	_ sweep.Receiver = &Redis{}
)

type (
	// Redis triggers executions through a Redis list.
	Redis struct {
		client      *redis.Client
		queueKey    string
		pollTimeout time.Duration
	}

	// ConnectionInfo holds the connection details for the Redis client.
	ConnectionInfo struct {
		Addr     string
		Password string
		DB       int
	}

	// ClientOption configures the Redis client.
	ClientOption func(*Redis) error

	envelope struct {
		Target  string `json:"target"`
		Payload []byte `json:"payload"`
	}
)

// WithQueueKey sets the list key.
func WithQueueKey(key string) ClientOption {
	return func(r *Redis) error {
		if key == "" {
			return ErrMissingQueueKey
		}
		r.queueKey = key
		return nil
	}
}

// WithPollTimeout sets how long one blocking pop waits before polling again.
func WithPollTimeout(d time.Duration) ClientOption {
	return func(r *Redis) error {
		if d <= 0 {
			return ErrNonPositivePollTime
		}
		r.pollTimeout = d
		return nil
	}
}

// NewClient creates a Redis client and checks the connection.
func NewClient(ctx context.Context, connInfo ConnectionInfo, opts ...ClientOption) (*Redis, error) {
	if connInfo.Addr == "" {
		return nil, ErrMissingAddr
	}

	r := &Redis{
		queueKey:    DefaultQueueKey,
		pollTimeout: defaultPollTimeout,
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}

	r.client = redis.NewClient(&redis.Options{
		Addr:     connInfo.Addr,
		Password: connInfo.Password,
		DB:       connInfo.DB,
	})
	if err := r.client.Ping(ctx).Err(); err != nil {
		_ = r.client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return r, nil
}

// FireAndForget appends the trigger to the queue.
func (r *Redis) FireAndForget(ctx context.Context, target string, payload []byte) error {
	data, err := json.Marshal(envelope{Target: target, Payload: payload})
	if err != nil {
		return err
	}
	return r.client.RPush(ctx, r.queueKey, data).Err()
}

// Receive pops the oldest trigger, blocking until one arrives or ctx is done.
func (r *Redis) Receive(ctx context.Context) (sweep.Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return sweep.Delivery{}, err
		}

		result, err := r.client.BLPop(ctx, r.pollTimeout, r.queueKey).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return sweep.Delivery{}, err
		}

		var env envelope
		if err := json.Unmarshal([]byte(result[1]), &env); err != nil {
			return sweep.Delivery{}, fmt.Errorf("redis: decode envelope: %w", err)
		}
		if env.Target == "" {
			return sweep.Delivery{}, ErrMissingTarget
		}
		return sweep.Delivery{Target: env.Target, Payload: env.Payload}, nil
	}
}

// Close closes the underlying connection pool.
func (r *Redis) Close(_ context.Context) error {
	return r.client.Close()
}
