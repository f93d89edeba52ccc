package sweep

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/openkcm/common-sdk/pkg/logger"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/sweep/internal/retry"
	"github.com/openkcm/sweep/internal/worker"
	"github.com/openkcm/sweep/store/query"
)

type (
	// Resumer restarts sweeps from their stored checkpoints. It resumes single
	// jobs on demand and, once started, redispatches sweeps whose continuation
	// could not be triggered.
	Resumer struct {
		Config Config

		repo        *Repository
		dispatchers map[string]*ContinuationDispatcher
		onWorkDone  worker.DoneFunc
		runner      *worker.Runner
		started     atomic.Bool
		closeOnce   sync.Once
	}

	// ResumerOptsFunc is a function type to configure Resumer options.
	ResumerOptsFunc func(r *Resumer)

	// Config contains configuration for checkpoint processing.
	Config struct {
		// RedispatchWorkerConfig holds the configuration for the redispatch worker.
		RedispatchWorkerConfig WorkerConfig
		// CheckpointLimitNum is the maximum number of checkpoints redispatched per execution.
		CheckpointLimitNum int
		// BackoffBaseIntervalSec is the base interval for exponential backoff in seconds.
		// Default is 10 seconds.
		BackoffBaseIntervalSec uint64
		// BackoffMaxIntervalSec is the maximum interval for exponential backoff in seconds.
		// Default is 10240 seconds (2 hours and 50 minutes).
		BackoffMaxIntervalSec uint64
		// MaxDispatchAttempts is the number of redispatches after which a sweep is marked FAILED.
		// Default is 10.
		MaxDispatchAttempts int64
		// StalledAfter is the age after which a CONTINUED checkpoint may be resumed manually.
		// Default is 15 minutes.
		StalledAfter time.Duration
	}
)

// Default values for configs.
const (
	defNoOfWorker          = 1
	defWorkTimeout         = 30 * time.Second
	defRedispatchInterval  = 10 * time.Second
	defCheckpointLimitNum  = 100
	defBackoffBaseInterval = 10
	defBackoffMaxInterval  = 10240
	defMaxDispatchAttempts = 10
	defStalledAfter        = 15 * time.Minute

	redispatchWorkName = "redispatch"
)

var (
	ErrResumerAlreadyStarted   = errors.New("resumer was already started")
	ErrResumerNotStarted       = errors.New("resumer was not started")
	ErrResumerInvalidConfig    = errors.New("resumer has invalid configuration")
	ErrRepositoryNotSet        = errors.New("repository not set")
	ErrNoDispatcherForTarget   = errors.New("no dispatcher for target")
	ErrCheckpointNotFound      = errors.New("checkpoint not found")
	ErrJobAlreadyDone          = errors.New("job already done")
	ErrJobInProgress           = errors.New("job is in progress")
	ErrJobGenerationsExhausted = errors.New("job used up its executions")
	ErrMsgMaxDispatches        = "max dispatch attempts exceeded"
)

// NewResumer creates a new Resumer instance.
func NewResumer(repo *Repository, optFuncs ...ResumerOptsFunc) (*Resumer, error) {
	if repo == nil {
		return nil, ErrRepositoryNotSet
	}
	r := &Resumer{
		repo:        repo,
		dispatchers: map[string]*ContinuationDispatcher{},
		Config: Config{
			RedispatchWorkerConfig: WorkerConfig{
				NoOfWorkers:  defNoOfWorker,
				ExecInterval: defRedispatchInterval,
				Timeout:      defWorkTimeout,
			},
			CheckpointLimitNum:     defCheckpointLimitNum,
			BackoffBaseIntervalSec: defBackoffBaseInterval,
			BackoffMaxIntervalSec:  defBackoffMaxInterval,
			MaxDispatchAttempts:    defMaxDispatchAttempts,
			StalledAfter:           defStalledAfter,
		},
	}
	for _, optFunc := range optFuncs {
		optFunc(r)
	}
	return r, nil
}

// WithDispatchers registers the dispatchers used to resume the sweeps of their targets.
func WithDispatchers(dispatchers ...*ContinuationDispatcher) ResumerOptsFunc {
	return func(r *Resumer) {
		for _, d := range dispatchers {
			r.dispatchers[d.Target()] = d
		}
	}
}

// WithWorkDoneFunc registers a function observing every redispatch execution.
func WithWorkDoneFunc(f func(name string, elapsed time.Duration, err error)) ResumerOptsFunc {
	return func(r *Resumer) {
		r.onWorkDone = f
	}
}

// Start starts the redispatch worker.
func (r *Resumer) Start(ctx context.Context) error {
	if !r.isValidConfig(ctx) {
		return ErrResumerInvalidConfig
	}

	if !r.started.CompareAndSwap(false, true) {
		return ErrResumerAlreadyStarted
	}

	r.runner = &worker.Runner{
		Works: []worker.Work{
			{
				Name:         redispatchWorkName,
				Fn:           r.redispatch,
				NoOfWorkers:  r.Config.RedispatchWorkerConfig.NoOfWorkers,
				ExecInterval: r.Config.RedispatchWorkerConfig.ExecInterval,
				Timeout:      r.Config.RedispatchWorkerConfig.Timeout,
			},
		},
		OnDone: r.onWorkDone,
	}

	return r.runner.Run(ctx)
}

// Stop stops the redispatch worker and waits for running executions until ctx is done.
func (r *Resumer) Stop(ctx context.Context) error {
	if !r.started.Load() {
		return ErrResumerNotStarted
	}

	var err error
	r.closeOnce.Do(func() {
		err = r.runner.Stop(ctx)
	})
	return err
}

// RedispatchNow runs the redispatch worker without waiting for its interval.
func (r *Resumer) RedispatchNow() error {
	if !r.started.Load() {
		return ErrResumerNotStarted
	}
	return r.runner.Trigger(redispatchWorkName)
}

// GetCheckpoint retrieves the checkpoint of a sweep.
func (r *Resumer) GetCheckpoint(ctx context.Context, jobID uuid.UUID) (Checkpoint, bool, error) {
	return r.repo.getCheckpoint(ctx, jobID)
}

// ListRuns lists the recorded executions of sweeps.
func (r *Resumer) ListRuns(ctx context.Context, q ListRunsQuery) ([]Run, query.Cursor, error) {
	return r.repo.listRuns(ctx, q)
}

// ListCheckpoints lists the checkpoints of sweeps.
func (r *Resumer) ListCheckpoints(ctx context.Context, q ListCheckpointsQuery) ([]Checkpoint, error) {
	return r.repo.listCheckpoints(ctx, q)
}

// ResumeJob triggers a new execution of a sweep from its checkpoint.
// FAILED and DISPATCH_FAILED sweeps are resumed right away, CONTINUED ones
// only after the checkpoint was not updated for Config.StalledAfter. Sweeps
// that failed on their maximum number of executions are not resumed.
func (r *Resumer) ResumeJob(ctx context.Context, jobID uuid.UUID) error {
	return r.repo.transaction(ctx, func(ctx context.Context, repo Repository) error {
		checkpoint, ok, err := repo.getCheckpointForUpdate(ctx, jobID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrCheckpointNotFound, jobID)
		}

		ctx = slogctx.With(ctx, "jobID", checkpoint.ID, "target", checkpoint.Target, "status", checkpoint.Status)

		if err := checkpoint.checkResumable(r.Config.StalledAfter); err != nil {
			return err
		}

		dispatcher, err := r.dispatcherFor(checkpoint.Target)
		if err != nil {
			return err
		}

		if err := dispatcher.Trigger(ctx, checkpoint.resumeEvent()); err != nil {
			slogctx.Error(ctx, "manual resume failed", "error", err)
			return err
		}
		slogctx.Info(ctx, "sweep resumed", "cursor", checkpoint.Cursor)

		checkpoint.Status = RunStatusContinued
		checkpoint.DispatchAttempts = 0
		checkpoint.ErrorMessage = ""
		return repo.updateCheckpoint(ctx, checkpoint)
	})
}

// redispatch picks DISPATCH_FAILED checkpoints and triggers their
// continuation again once their backoff elapsed.
func (r *Resumer) redispatch(ctx context.Context) error {
	return r.repo.transaction(ctx, func(ctx context.Context, repo Repository) error {
		checkpoints, err := repo.listCheckpoints(ctx, ListCheckpointsQuery{
			StatusIn:           []RunStatus{RunStatusDispatchFailed},
			OrderByUpdatedAt:   true,
			RetrievalModeQueue: true,
			Limit:              r.Config.CheckpointLimitNum,
		})
		if err != nil {
			slogctx.Error(ctx, "listing checkpoints to be redispatched failed", "error", err)
			return err
		}
		if len(checkpoints) == 0 {
			slogctx.Log(ctx, logger.LevelTrace, "no checkpoints to redispatch")
			return nil
		}

		var errs []error
		for _, checkpoint := range checkpoints {
			if !r.backoffElapsed(checkpoint) {
				continue
			}
			errs = append(errs, r.redispatchCheckpoint(ctx, repo, checkpoint))
		}
		return errors.Join(errs...)
	})
}

// redispatchCheckpoint triggers the continuation of a single sweep. A sweep
// that reached the maximum number of dispatch attempts is marked FAILED.
func (r *Resumer) redispatchCheckpoint(ctx context.Context, repo Repository, checkpoint Checkpoint) error {
	ctx = slogctx.With(ctx, "jobID", checkpoint.ID, "target", checkpoint.Target,
		"dispatchAttempts", checkpoint.DispatchAttempts)

	if checkpoint.DispatchAttempts >= r.Config.MaxDispatchAttempts {
		slogctx.Warn(ctx, "max dispatch attempts for sweep exceeded")
		checkpoint.Status = RunStatusFailed
		checkpoint.ErrorMessage = ErrMsgMaxDispatches
		return repo.updateCheckpoint(ctx, checkpoint)
	}

	checkpoint.DispatchAttempts++

	dispatcher, err := r.dispatcherFor(checkpoint.Target)
	if err == nil {
		err = dispatcher.Trigger(ctx, checkpoint.resumeEvent())
	}
	if err != nil {
		slogctx.Error(ctx, "redispatch failed", "error", err)
		checkpoint.ErrorMessage = err.Error()
		return repo.updateCheckpoint(ctx, checkpoint)
	}

	slogctx.Debug(ctx, "sweep redispatched", "cursor", checkpoint.Cursor)
	checkpoint.Status = RunStatusContinued
	checkpoint.ErrorMessage = ""
	return repo.updateCheckpoint(ctx, checkpoint)
}

func (r *Resumer) backoffElapsed(checkpoint Checkpoint) bool {
	backoff := retry.Backoff{
		Base: time.Duration(r.Config.BackoffBaseIntervalSec) * time.Second, //nolint:gosec
		Max:  time.Duration(r.Config.BackoffMaxIntervalSec) * time.Second,  //nolint:gosec
	}
	return backoff.Elapsed(checkpoint.DispatchAttempts, checkpoint.UpdatedAt)
}

func (r *Resumer) dispatcherFor(target string) (*ContinuationDispatcher, error) {
	d, ok := r.dispatchers[target]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoDispatcherForTarget, target)
	}
	return d, nil
}

func (r *Resumer) isValidConfig(ctx context.Context) bool {
	valid := true
	if !r.Config.RedispatchWorkerConfig.isValid() {
		slogctx.Error(ctx, "invalid redispatch worker config", "config", r.Config.RedispatchWorkerConfig)
		valid = false
	}
	if r.Config.CheckpointLimitNum <= 0 {
		slogctx.Error(ctx, "checkpoint limit must be positive", "limit", r.Config.CheckpointLimitNum)
		valid = false
	}
	if r.Config.BackoffBaseIntervalSec == 0 || r.Config.BackoffMaxIntervalSec < r.Config.BackoffBaseIntervalSec {
		slogctx.Error(ctx, "invalid backoff intervals",
			"base", r.Config.BackoffBaseIntervalSec, "max", r.Config.BackoffMaxIntervalSec)
		valid = false
	}
	if r.Config.MaxDispatchAttempts <= 0 {
		slogctx.Error(ctx, "max dispatch attempts must be positive", "max", r.Config.MaxDispatchAttempts)
		valid = false
	}
	return valid
}
