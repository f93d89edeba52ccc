package sweep

import (
	"context"
	"errors"
	"fmt"

	slogctx "github.com/veqryn/slog-context"
)

// Possible stop kinds of a processor run.
const (
	StopBudgetExceeded StopKind = "BUDGET_EXCEEDED"
	StopExhausted      StopKind = "EXHAUSTED"
)

var (
	ErrHandlerFault    = errors.New("item handler fault")
	ErrHandlerNotSet   = errors.New("item handler not set")
	ErrPredicateNotSet = errors.New("continue predicate not set")
	ErrSourceNotSet    = errors.New("paged source not set")
)

type (
	// StopKind tells why a processor run stopped.
	StopKind string

	// ItemHandler applies the application logic to a single item.
	ItemHandler[T any] func(ctx context.Context, item T) error

	// BatchProcessor drives a PagedSource one item at a time and stops either
	// when the source is exhausted or when the continue predicate says so.
	BatchProcessor[T any] struct {
		source         *PagedSource[T]
		handler        ItemHandler[T]
		shouldContinue ContinuePredicate
	}

	// Outcome is the result of a single processor step.
	Outcome struct {
		Processed bool
		Cursor    Cursor
		Exhausted bool
	}

	// Result is the result of a processor run.
	Result struct {
		// Cursor addresses the next item to process. On error it addresses
		// the item that failed.
		Cursor    Cursor
		Exhausted bool
		// Stop is empty when the run was aborted by an error.
		Stop      StopKind
		Processed int
	}
)

// NewBatchProcessor creates a BatchProcessor.
func NewBatchProcessor[T any](source *PagedSource[T], handler ItemHandler[T], shouldContinue ContinuePredicate) (*BatchProcessor[T], error) {
	if source == nil {
		return nil, ErrSourceNotSet
	}
	if handler == nil {
		return nil, ErrHandlerNotSet
	}
	if shouldContinue == nil {
		return nil, ErrPredicateNotSet
	}
	return &BatchProcessor[T]{
		source:         source,
		handler:        handler,
		shouldContinue: shouldContinue,
	}, nil
}

// Step processes the item addressed by the cursor, if any.
// On error the returned outcome keeps the given cursor.
func (p *BatchProcessor[T]) Step(ctx context.Context, cursor Cursor) (Outcome, error) {
	step, err := p.source.Next(ctx, cursor)
	if err != nil {
		return Outcome{Cursor: cursor}, err
	}
	if step.Exhausted {
		return Outcome{Cursor: step.Next, Exhausted: true}, nil
	}

	if err := p.handler(ctx, step.Item); err != nil {
		return Outcome{Cursor: cursor}, fmt.Errorf("%w at %s: %w", ErrHandlerFault, step.At, err)
	}

	return Outcome{Processed: true, Cursor: step.Next}, nil
}

// Start runs the processor from the initial cursor until the source is
// exhausted, the predicate stops it or an error aborts it.
func (p *BatchProcessor[T]) Start(ctx context.Context, initial Cursor) (Result, error) {
	res := Result{Cursor: initial}

	for {
		outcome, err := p.Step(ctx, res.Cursor)
		res.Cursor = outcome.Cursor
		if err != nil {
			slogctx.Debug(ctx, "batch processor aborted", "cursor", res.Cursor, "processed", res.Processed, "error", err)
			return res, err
		}

		if outcome.Exhausted {
			res.Exhausted = true
			res.Stop = StopExhausted
			break
		}
		res.Processed++

		if !p.shouldContinue(res.Cursor) {
			res.Stop = StopBudgetExceeded
			break
		}
	}

	slogctx.Debug(ctx, "batch processor stopped", "stop", res.Stop, "cursor", res.Cursor, "processed", res.Processed)
	return res, nil
}
