package sweep

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openkcm/sweep/internal/clock"
)

// Possible run states.
const (
	RunStatusContinued      RunStatus = "CONTINUED"
	RunStatusDone           RunStatus = "DONE"
	RunStatusFailed         RunStatus = "FAILED"
	RunStatusDispatchFailed RunStatus = "DISPATCH_FAILED"
)

type (
	// RunStatus represents how an execution of a sweep ended.
	RunStatus string

	// Run records a single execution of a sweep.
	Run struct {
		ID           uuid.UUID
		JobID        uuid.UUID
		Target       string
		Generation   int64
		StartCursor  Cursor
		EndCursor    Cursor
		Status       RunStatus
		Processed    int64
		ErrorMessage string
		UpdatedAt    int64
		CreatedAt    int64
	}

	// Checkpoint is the latest resumption state of a sweep. Its ID is the job ID.
	Checkpoint struct {
		ID               uuid.UUID
		Target           string
		Data             []byte
		Cursor           Cursor
		Status           RunStatus
		Generation       int64
		DispatchAttempts int64
		ErrorMessage     string
		UpdatedAt        int64
		CreatedAt        int64
	}
)

// checkResumable returns why the sweep cannot be picked up again, or nil if
// it can. CONTINUED sweeps count as running until stalledAfter passed
// without an update.
func (c Checkpoint) checkResumable(stalledAfter time.Duration) error {
	switch c.Status {
	case RunStatusDone:
		return ErrJobAlreadyDone
	case RunStatusFailed:
		if strings.HasPrefix(c.ErrorMessage, ErrMsgMaxGenerations) {
			return ErrJobGenerationsExhausted
		}
	case RunStatusContinued:
		if clock.Since(c.UpdatedAt) < stalledAfter {
			return ErrJobInProgress
		}
	case RunStatusDispatchFailed:
	}
	return nil
}

// resumeEvent builds the event that resumes the sweep at its checkpoint.
func (c Checkpoint) resumeEvent() Event {
	cursor := c.Cursor
	return Event{
		JobID:      c.ID,
		Target:     c.Target,
		Data:       c.Data,
		Cursor:     &cursor,
		Generation: int(c.Generation) + 1,
	}
}
