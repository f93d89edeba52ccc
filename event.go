package sweep

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var ErrInvalidEvent = errors.New("invalid event")

type (
	// Event is the triggering input of one execution of a sweep.
	Event struct {
		// JobID identifies the logical sweep across all its executions.
		// A fresh start without JobID is assigned a new one.
		JobID uuid.UUID `json:"jobId"`
		// Target identifies the job the event is meant for.
		Target string `json:"target,omitempty"`
		// Data is application data passed unchanged to every execution.
		Data []byte `json:"data,omitempty"`
		// Cursor is the resumption point. Nil starts from the beginning.
		Cursor *Cursor `json:"cursor,omitempty"`
		// Generation counts the executions of the sweep before this one.
		Generation int `json:"generation,omitempty"`
	}

	// Output is the return value of one execution. A nil Cursor means the
	// sweep is exhausted; otherwise it is the state a resume starts from.
	Output struct {
		Cursor *Cursor `json:"cursor,omitempty"`
	}

	// EventHandler runs one execution of a sweep.
	EventHandler interface {
		Handle(ctx context.Context, event Event) (Output, error)
	}

	// EventHandlerFunc adapts a function to the EventHandler interface.
	EventHandlerFunc func(ctx context.Context, event Event) (Output, error)
)

// Handle implements EventHandler.
func (f EventHandlerFunc) Handle(ctx context.Context, event Event) (Output, error) {
	return f(ctx, event)
}

// StartCursor returns the cursor the execution starts from.
func (e Event) StartCursor() Cursor {
	if e.Cursor == nil {
		return Cursor{}
	}
	return *e.Cursor
}

// Validate rejects events no execution can start from.
func (e Event) Validate() error {
	if e.Generation < 0 {
		return fmt.Errorf("%w: negative generation %d", ErrInvalidEvent, e.Generation)
	}
	if e.Cursor != nil {
		if err := e.Cursor.validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidEvent, err)
		}
	}
	return nil
}

// IsFresh reports whether the event starts a sweep from the beginning.
func (e Event) IsFresh() bool {
	return e.Cursor == nil
}

// continueWith returns the event of the next execution resuming at cursor.
func (e Event) continueWith(cursor Cursor) Event {
	next := e
	next.Cursor = &cursor
	next.Generation = e.Generation + 1
	return next
}

func cursorOutput(cursor Cursor) Output {
	return Output{Cursor: &cursor}
}
