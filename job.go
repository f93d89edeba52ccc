package sweep

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	slogctx "github.com/veqryn/slog-context"
)

const (
	defDispatchAttempts = 1
	tracerName          = "github.com/openkcm/sweep"
)

var (
	ErrDispatcherNotSet = errors.New("continuation dispatcher not set")
	ErrInvalidJobConfig = errors.New("batch job has invalid configuration")
	ErrTargetMismatch   = errors.New("event target does not match the job")
	ErrMaxGenerations   = errors.New(ErrMsgMaxGenerations)
)

const ErrMsgMaxGenerations = "sweep exceeded its maximum number of executions"

type (
	// JobItemHandler applies the application logic to a single item. It
	// receives the triggering event to access the application data.
	JobItemHandler[T any] func(ctx context.Context, event Event, item T) error

	// BudgetFactory creates the budget of one execution from its context.
	BudgetFactory func(ctx context.Context) Budget

	// MetricsRecorder observes executions and dispatches of batch jobs.
	MetricsRecorder interface {
		RecordRun(target string, status string, processed int, elapsed time.Duration)
		RecordDispatch(target string, err error)
	}

	// JobOption configures a BatchJob.
	JobOption func(cfg *jobConfig)

	jobConfig struct {
		timeNeededToRecurse time.Duration
		budget              BudgetFactory
		itemLimit           int
		dispatchAttempts    int
		maxGenerations      int
		stalledAfter        time.Duration
		repo                *Repository
		metrics             MetricsRecorder
	}

	// BatchJob composes a PagedSource, a BatchProcessor and a
	// ContinuationDispatcher into one execution of a sweep. Every call of
	// Handle processes items until the budget runs low and hands the rest of
	// the sweep to a new execution.
	BatchJob[T any] struct {
		operation  Operation
		fetcher    Fetcher[T]
		handler    JobItemHandler[T]
		dispatcher *ContinuationDispatcher
		cfg        jobConfig
		tracer     trace.Tracer
	}
)

var _ EventHandler = (*BatchJob[any])(nil)

// WithTimeNeededToRecurse sets the safety margin kept free for the handoff.
func WithTimeNeededToRecurse(d time.Duration) JobOption {
	return func(cfg *jobConfig) {
		cfg.timeNeededToRecurse = d
	}
}

// WithBudget replaces the default budget, which counts down to the context deadline.
func WithBudget(f BudgetFactory) JobOption {
	return func(cfg *jobConfig) {
		cfg.budget = f
	}
}

// WithItemLimit caps the number of items a single execution processes.
func WithItemLimit(n int) JobOption {
	return func(cfg *jobConfig) {
		cfg.itemLimit = n
	}
}

// WithDispatchAttempts sets how many times the handoff is tried before the
// execution gives up.
func WithDispatchAttempts(n int) JobOption {
	return func(cfg *jobConfig) {
		cfg.dispatchAttempts = n
	}
}

// WithMaxGenerations caps the number of executions of one sweep.
func WithMaxGenerations(n int) JobOption {
	return func(cfg *jobConfig) {
		cfg.maxGenerations = n
	}
}

// WithStalledAfter sets the age after which a CONTINUED sweep may be triggered
// again with its job ID. Default is 15 minutes.
func WithStalledAfter(d time.Duration) JobOption {
	return func(cfg *jobConfig) {
		cfg.stalledAfter = d
	}
}

// WithRepository records every execution and the sweep checkpoint.
func WithRepository(repo *Repository) JobOption {
	return func(cfg *jobConfig) {
		cfg.repo = repo
	}
}

// WithMetrics registers a recorder observing executions.
func WithMetrics(m MetricsRecorder) JobOption {
	return func(cfg *jobConfig) {
		cfg.metrics = m
	}
}

// NewBatchJob creates a BatchJob. The job is identified by the target of
// the dispatcher, which triggers its continuations.
func NewBatchJob[T any](
	operation Operation,
	fetcher Fetcher[T],
	handler JobItemHandler[T],
	dispatcher *ContinuationDispatcher,
	opts ...JobOption,
) (*BatchJob[T], error) {
	if !operation.isValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidOperation, operation)
	}
	if fetcher == nil {
		return nil, ErrFetcherNotSet
	}
	if handler == nil {
		return nil, ErrHandlerNotSet
	}
	if dispatcher == nil {
		return nil, ErrDispatcherNotSet
	}

	cfg := jobConfig{
		timeNeededToRecurse: DefaultTimeNeededToRecurse,
		budget:              ContextBudget,
		dispatchAttempts:    defDispatchAttempts,
		stalledAfter:        defStalledAfter,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.timeNeededToRecurse < 0 || cfg.budget == nil || cfg.dispatchAttempts < 1 ||
		cfg.itemLimit < 0 || cfg.maxGenerations < 0 || cfg.stalledAfter < 0 {
		return nil, ErrInvalidJobConfig
	}

	return &BatchJob[T]{
		operation:  operation,
		fetcher:    fetcher,
		handler:    handler,
		dispatcher: dispatcher,
		cfg:        cfg,
		tracer:     otel.Tracer(tracerName),
	}, nil
}

// Target returns the identity of the job.
func (j *BatchJob[T]) Target() string {
	return j.dispatcher.Target()
}

// Handle runs one execution of the sweep. The returned output carries the
// cursor the sweep stands at, also when an error is returned, so a stalled
// sweep can be triggered again with it. It is nil only once the source is
// exhausted.
//
// A triggering event of generation 0 for a sweep that already has a
// checkpoint takes the sweep over: it runs as the generation following the
// checkpoint, which stops the redispatch of the old cursor. Sweeps that are
// done, still running or out of executions are refused.
func (j *BatchJob[T]) Handle(ctx context.Context, event Event) (Output, error) {
	target := j.Target()
	if event.Target != "" && event.Target != target {
		return Output{Cursor: event.Cursor}, fmt.Errorf("%w: %q", ErrTargetMismatch, event.Target)
	}
	event.Target = target
	startCursor := event.StartCursor()
	if event.JobID == uuid.Nil {
		event.JobID = uuid.New()
	} else if event.Generation == 0 && j.cfg.repo != nil {
		generation, err := j.cfg.repo.claimCheckpoint(ctx, event.JobID, startCursor, j.cfg.stalledAfter)
		if err != nil {
			slogctx.Error(ctx, "sweep cannot be triggered again", "jobID", event.JobID, "target", target, "error", err)
			return Output{Cursor: event.Cursor}, err
		}
		event.Generation = int(generation)
	}

	ctx = slogctx.With(ctx, "jobID", event.JobID, "target", target, "generation", event.Generation)
	ctx, span := j.tracer.Start(ctx, "sweep.execution", trace.WithAttributes(
		attribute.String("sweep.target", target),
		attribute.String("sweep.job_id", event.JobID.String()),
		attribute.Int("sweep.generation", event.Generation),
		attribute.String("sweep.cursor", startCursor.String()),
	))
	defer span.End()

	start := time.Now()
	run := Run{
		JobID:       event.JobID,
		Target:      target,
		Generation:  int64(event.Generation),
		StartCursor: startCursor,
		EndCursor:   startCursor,
	}

	if j.cfg.maxGenerations > 0 && event.Generation >= j.cfg.maxGenerations {
		err := fmt.Errorf("%w: %d", ErrMaxGenerations, j.cfg.maxGenerations)
		j.finish(ctx, span, event, run, start, err)
		return cursorOutput(startCursor), err
	}

	slogctx.Info(ctx, "execution started", "cursor", startCursor)
	res, err := j.process(ctx, event)
	run.EndCursor = res.Cursor
	run.Processed = int64(res.Processed)
	if err != nil {
		run.Status = RunStatusFailed
		j.finish(ctx, span, event, run, start, err)
		return cursorOutput(res.Cursor), err
	}

	if res.Exhausted {
		run.Status = RunStatusDone
		j.finish(ctx, span, event, run, start, nil)
		return Output{}, nil
	}

	if err := j.dispatch(ctx, event, res); err != nil {
		run.Status = RunStatusDispatchFailed
		j.finish(ctx, span, event, run, start, err)
		return cursorOutput(res.Cursor), err
	}

	run.Status = RunStatusContinued
	j.finish(ctx, span, event, run, start, nil)
	return cursorOutput(res.Cursor), nil
}

func (j *BatchJob[T]) process(ctx context.Context, event Event) (Result, error) {
	startCursor := event.StartCursor()

	source, err := NewPagedSource(j.operation, j.fetcher)
	if err != nil {
		return Result{Cursor: startCursor}, err
	}
	handler := func(ctx context.Context, item T) error {
		return j.handler(ctx, event, item)
	}
	processor, err := NewBatchProcessor(source, handler, j.continuePredicate(ctx))
	if err != nil {
		return Result{Cursor: startCursor}, err
	}
	return processor.Start(ctx, startCursor)
}

func (j *BatchJob[T]) continuePredicate(ctx context.Context) ContinuePredicate {
	predicate := RemainingAbove(j.cfg.budget(ctx), j.cfg.timeNeededToRecurse)
	if j.cfg.itemLimit > 0 {
		predicate = AllOf(predicate, ItemLimit(j.cfg.itemLimit))
	}
	return predicate
}

func (j *BatchJob[T]) dispatch(ctx context.Context, event Event, res Result) error {
	var err error
	for attempt := range j.cfg.dispatchAttempts {
		err = j.dispatcher.DispatchResult(ctx, event, res)
		if j.cfg.metrics != nil {
			j.cfg.metrics.RecordDispatch(j.Target(), err)
		}
		if err == nil || errors.Is(err, ErrDispatchExhausted) {
			return err
		}
		slogctx.Warn(ctx, "continuation dispatch failed", "attempt", attempt+1, "error", err)
	}
	return err
}

// finish records the outcome of the execution. Failing to record it is
// logged and does not change the outcome.
func (j *BatchJob[T]) finish(ctx context.Context, span trace.Span, event Event, run Run, start time.Time, err error) {
	elapsed := time.Since(start)
	if run.Status == "" {
		run.Status = RunStatusFailed
	}
	if err != nil {
		run.ErrorMessage = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, string(run.Status))
		slogctx.Error(ctx, "execution failed", "status", run.Status, "cursor", run.EndCursor, "processed", run.Processed, "error", err)
	} else {
		span.SetStatus(codes.Ok, string(run.Status))
		slogctx.Info(ctx, "execution finished", "status", run.Status, "cursor", run.EndCursor, "processed", run.Processed, "elapsed", elapsed)
	}
	span.SetAttributes(
		attribute.String("sweep.status", string(run.Status)),
		attribute.Int64("sweep.processed", run.Processed),
	)

	if j.cfg.metrics != nil {
		j.cfg.metrics.RecordRun(run.Target, string(run.Status), int(run.Processed), elapsed)
	}

	if j.cfg.repo == nil {
		return
	}
	if recErr := j.cfg.repo.recordRun(ctx, run, event.Data); recErr != nil {
		slogctx.Error(ctx, "failed to record run", "error", recErr)
	}
}
