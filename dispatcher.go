package sweep

import (
	"context"
	"errors"
	"fmt"

	slogctx "github.com/veqryn/slog-context"
)

var (
	ErrDispatchFailed    = errors.New("dispatch failed")
	ErrInvokerNotSet     = errors.New("invoker not set")
	ErrCodecNotProvided  = errors.New("codec not provided")
	ErrTargetNotSet      = errors.New("target not set")
	ErrDispatchExhausted = errors.New("dispatch of an exhausted sweep")
)

// ContinuationDispatcher triggers new executions of a job without waiting
// for them.
type ContinuationDispatcher struct {
	target  string
	invoker Invoker
	codec   Codec
}

// NewContinuationDispatcher creates a dispatcher triggering executions of the
// given target through the invoker.
func NewContinuationDispatcher(target string, invoker Invoker, codec Codec) (*ContinuationDispatcher, error) {
	if target == "" {
		return nil, ErrTargetNotSet
	}
	if invoker == nil {
		return nil, ErrInvokerNotSet
	}
	if codec == nil {
		return nil, ErrCodecNotProvided
	}
	return &ContinuationDispatcher{
		target:  target,
		invoker: invoker,
		codec:   codec,
	}, nil
}

// Target returns the job identity the dispatcher triggers.
func (d *ContinuationDispatcher) Target() string {
	return d.target
}

// Dispatch triggers the execution resuming the event's sweep at cursor.
func (d *ContinuationDispatcher) Dispatch(ctx context.Context, event Event, cursor Cursor) error {
	next := event.continueWith(cursor)
	if err := d.Trigger(ctx, next); err != nil {
		return err
	}
	slogctx.Debug(ctx, "continuation dispatched", "target", d.target, "cursor", cursor, "generation", next.Generation)
	return nil
}

// DispatchResult dispatches the continuation of a processor result. It
// refuses exhausted results.
func (d *ContinuationDispatcher) DispatchResult(ctx context.Context, event Event, res Result) error {
	if res.Exhausted {
		return ErrDispatchExhausted
	}
	return d.Dispatch(ctx, event, res.Cursor)
}

// Trigger fires the event as is. It starts fresh sweeps and resumes stalled ones.
func (d *ContinuationDispatcher) Trigger(ctx context.Context, event Event) error {
	event.Target = d.target
	payload, err := d.codec.EncodeEvent(event)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDispatchFailed, err)
	}
	if err := d.invoker.FireAndForget(ctx, d.target, payload); err != nil {
		return fmt.Errorf("%w: %w", ErrDispatchFailed, err)
	}
	return nil
}
