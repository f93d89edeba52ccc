package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/openkcm/sweep/store/query"
)

// Repository provides methods to interact with the underlying data store.
// It encapsulates a Store implementation for data persistence operations.
type Repository struct {
	Store Store
}

// NewRepository creates a new Repository instance using the provided Store.
// It returns a pointer to the initialized Repository.
func NewRepository(store Store) *Repository {
	return &Repository{
		Store: store,
	}
}

// ErrRepoCreate is returned when the repository fails to create an entity.
var ErrRepoCreate = errors.New("failed to create entity")

type (
	// ListRunsQuery defines the parameters for querying runs of a sweep.
	ListRunsQuery struct {
		JobID  uuid.UUID    // Filter runs by the sweep they belong to.
		Status RunStatus    // Filter runs by their status.
		Cursor query.Cursor // Continue a previous listing.
		Limit  int          // Maximum number of runs to return.
	}

	// ListCheckpointsQuery defines the parameters for querying checkpoints.
	ListCheckpointsQuery struct {
		Target                string      // Filter checkpoints by target.
		StatusIn              []RunStatus // Filter checkpoints by a list of statuses.
		UpdatedAt             int64       // Filter checkpoints updated at or before this timestamp.
		DispatchAttemptsBelow int64       // Filter checkpoints redispatched fewer times than this.
		Limit                 int         // Maximum number of checkpoints to return.
		RetrievalModeQueue    bool        // If true, enables queue-like retrieval mode.
		OrderByUpdatedAt      bool        // If true, orders checkpoints by updated_at in ascending order.
	}
)

// createRun creates a new run entity in the repository.
func (r *Repository) createRun(ctx context.Context, run Run) (Run, error) {
	return createEntity(ctx, run, r)
}

// listRuns retrieves the runs matching the query, oldest first.
func (r *Repository) listRuns(ctx context.Context, runsQuery ListRunsQuery) ([]Run, query.Cursor, error) {
	q := query.Query{
		EntityName: query.EntityNameRuns,
		Clauses:    []query.Clause{},
		Cursor:     runsQuery.Cursor,
		Limit:      runsQuery.Limit,
	}
	if runsQuery.JobID != uuid.Nil {
		q.Clauses = append(q.Clauses, query.ClauseWithJobID(runsQuery.JobID))
	}
	if runsQuery.Status != "" {
		q.Clauses = append(q.Clauses, query.ClauseWithStatus(string(runsQuery.Status)))
	}

	result, err := r.Store.List(ctx, q)
	if err != nil {
		return nil, query.Cursor{}, err
	}
	if !result.Exists {
		return []Run{}, query.Cursor{}, nil
	}
	runs, err := Decodes[Run](result.Entities...)
	if err != nil {
		return nil, query.Cursor{}, err
	}
	return runs, result.Cursor, nil
}

// getCheckpoint retrieves the checkpoint of a sweep by its job ID.
func (r *Repository) getCheckpoint(ctx context.Context, jobID uuid.UUID) (Checkpoint, bool, error) {
	return getEntity[Checkpoint](ctx, r, query.Query{
		EntityName: query.EntityNameCheckpoints,
		Clauses:    []query.Clause{query.ClauseWithID(jobID)},
	})
}

// getCheckpointForUpdate retrieves a checkpoint and locks it for the rest of the transaction.
func (r *Repository) getCheckpointForUpdate(ctx context.Context, jobID uuid.UUID) (Checkpoint, bool, error) {
	return getEntity[Checkpoint](ctx, r, query.Query{
		EntityName:    query.EntityNameCheckpoints,
		Clauses:       []query.Clause{query.ClauseWithID(jobID)},
		RetrievalMode: query.RetrievalModeForUpdate,
	})
}

// createCheckpoint creates the checkpoint of a sweep.
func (r *Repository) createCheckpoint(ctx context.Context, checkpoint Checkpoint) (Checkpoint, error) {
	return createEntity(ctx, checkpoint, r)
}

// updateCheckpoint updates an existing checkpoint.
func (r *Repository) updateCheckpoint(ctx context.Context, checkpoint Checkpoint) error {
	err := updateEntity(ctx, checkpoint, r)
	if err != nil {
		slog.Error("updateCheckpoint", "error", err, "jobID", checkpoint.ID)
	}
	return err
}

// listCheckpoints retrieves the checkpoints matching the query.
func (r *Repository) listCheckpoints(ctx context.Context, cpQuery ListCheckpointsQuery) ([]Checkpoint, error) {
	q := query.Query{
		EntityName: query.EntityNameCheckpoints,
		Clauses:    []query.Clause{},
		Limit:      cpQuery.Limit,
	}

	if cpQuery.Target != "" {
		q.Clauses = append(q.Clauses, query.ClauseWithTarget(cpQuery.Target))
	}

	if len(cpQuery.StatusIn) > 0 {
		statuses := make([]string, 0, len(cpQuery.StatusIn))
		for _, status := range cpQuery.StatusIn {
			statuses = append(statuses, string(status))
		}
		q.Clauses = append(q.Clauses, query.ClauseWithStatuses(statuses...))
	}

	if cpQuery.UpdatedAt > 0 {
		q.Clauses = append(q.Clauses, query.ClauseWithUpdatedBefore(cpQuery.UpdatedAt))
	}

	if cpQuery.DispatchAttemptsBelow > 0 {
		q.Clauses = append(q.Clauses, query.ClauseWithDispatchAttemptsBelow(cpQuery.DispatchAttemptsBelow))
	}

	q.RetrievalMode = query.RetrievalModeDefault
	if cpQuery.RetrievalModeQueue {
		q.RetrievalMode = query.RetrievalModeForUpdateSkipLocked
	}

	if cpQuery.OrderByUpdatedAt {
		q.OrderBy = append(q.OrderBy, query.OrderByUpdatedAtAscending())
	}

	return listEntities[Checkpoint](ctx, r, q)
}

// recordRun stores the run and moves the sweep checkpoint to the run's end
// state in one transaction.
func (r *Repository) recordRun(ctx context.Context, run Run, data []byte) error {
	return r.transaction(ctx, func(ctx context.Context, repo Repository) error {
		if _, err := repo.createRun(ctx, run); err != nil {
			return fmt.Errorf("creating run: %w", err)
		}

		checkpoint, ok, err := repo.getCheckpointForUpdate(ctx, run.JobID)
		if err != nil {
			return fmt.Errorf("loading checkpoint: %w", err)
		}

		next := Checkpoint{
			ID:           run.JobID,
			Target:       run.Target,
			Data:         data,
			Cursor:       run.EndCursor,
			Status:       run.Status,
			Generation:   run.Generation,
			ErrorMessage: run.ErrorMessage,
		}
		if !ok {
			_, err = repo.createCheckpoint(ctx, next)
			return err
		}

		// A continuation may finish before the execution that triggered it.
		if checkpoint.Generation > run.Generation {
			return nil
		}

		next.CreatedAt = checkpoint.CreatedAt
		if run.Status == RunStatusDispatchFailed && checkpoint.Status == RunStatusDispatchFailed {
			next.DispatchAttempts = checkpoint.DispatchAttempts
		}
		return repo.updateCheckpoint(ctx, next)
	})
}

// claimCheckpoint moves an existing sweep onto the execution starting at
// cursor. It returns the generation that execution runs as, which is 0 when
// the sweep has no checkpoint yet.
func (r *Repository) claimCheckpoint(ctx context.Context, jobID uuid.UUID, cursor Cursor, stalledAfter time.Duration) (int64, error) {
	var generation int64
	err := r.transaction(ctx, func(ctx context.Context, repo Repository) error {
		checkpoint, ok, err := repo.getCheckpointForUpdate(ctx, jobID)
		if err != nil {
			return fmt.Errorf("loading checkpoint: %w", err)
		}
		if !ok {
			return nil
		}
		if err := checkpoint.checkResumable(stalledAfter); err != nil {
			return err
		}

		generation = checkpoint.Generation + 1
		checkpoint.Cursor = cursor
		checkpoint.Status = RunStatusContinued
		checkpoint.Generation = generation
		checkpoint.DispatchAttempts = 0
		checkpoint.ErrorMessage = ""
		return repo.updateCheckpoint(ctx, checkpoint)
	})
	return generation, err
}

// transaction executes a transactional operation within the repository.
// It takes a context and a TransactionFunc as input and returns an error if the transaction fails.
func (r *Repository) transaction(ctx context.Context, txFunc TransactionFunc) error {
	return r.Store.Transaction(ctx, txFunc)
}

// getEntity retrieves an entity of type T from the repository using the provided
// query. It returns the entity, a boolean indicating if the entity exists, and
// an error if the retrieval or decoding fails.
func getEntity[T EntityTypes](ctx context.Context, r *Repository, q query.Query) (T, bool, error) {
	var entity T
	result, err := r.Store.Find(ctx, q)
	if err != nil {
		return entity, false, err
	}
	if !result.Exists {
		return entity, false, nil
	}
	entity, err = Decode[T](result.Entity)
	return entity, err == nil, err
}

// updateEntity encodes the given entity of type T and updates it in the
// repository. It returns an error if encoding or updating fails.
func updateEntity[T EntityTypes](ctx context.Context, entity T, r *Repository) error {
	encodedEntity, err := Encode(entity)
	if err != nil {
		return err
	}
	_, err = r.Store.Update(ctx, encodedEntity)
	return err
}

// listEntities retrieves a list of entities of type T from the repository using
// the provided query. It returns a slice of entities and an error if the
// retrieval or decoding fails.
func listEntities[T EntityTypes](ctx context.Context, r *Repository, q query.Query) ([]T, error) {
	result, err := r.Store.List(ctx, q)
	if err != nil {
		return nil, err
	}
	if !result.Exists {
		return []T{}, nil
	}
	return Decodes[T](result.Entities...)
}

// createEntity encodes the given entity of type T and creates it in the
// repository. It returns the created entity and an error if encoding, creation,
// or decoding fails.
func createEntity[T EntityTypes](ctx context.Context, entity T, r *Repository) (T, error) {
	var out T
	encodedEntity, err := Encode(entity)
	if err != nil {
		return out, err
	}
	createdEntities, err := r.Store.Create(ctx, encodedEntity)
	if err != nil {
		return out, err
	}
	decodedEntities, err := Decodes[T](createdEntities...)
	if err != nil {
		return out, err
	}
	if len(decodedEntities) == 0 {
		return out, fmt.Errorf("%w %T", ErrRepoCreate, entity)
	}
	return decodedEntities[0], nil
}
