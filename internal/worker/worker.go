package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/openkcm/common-sdk/pkg/logger"

	slogctx "github.com/veqryn/slog-context"
)

type (
	// Func defines the signature for a unit of work to be executed.
	Func func(ctx context.Context) error

	// DoneFunc observes every finished execution of a work item.
	DoneFunc func(name string, elapsed time.Duration, err error)

	// Runner manages and executes a set of Work items.
	Runner struct {
		Works  []Work   // Works holds the list of work items to be executed.
		OnDone DoneFunc // OnDone is called after every execution if set.

		mu         sync.Mutex
		cancelFunc context.CancelFunc
		signals    map[string]chan struct{}
		wg         sync.WaitGroup
	}
)

// Work defines a unit of work to be executed by the Runner.
type Work struct {
	Name         string        // Name identifies the work item.
	Fn           Func          // Fn is the function to execute.
	NoOfWorkers  int           // NoOfWorkers specifies the number of concurrent workers for this work item.
	ExecInterval time.Duration // ExecInterval is the interval between executions of the work function.
	Timeout      time.Duration // Timeout is the maximum duration allowed for the work function to complete.
	RunOnStart   bool          // RunOnStart executes the work once right away instead of waiting a full interval.
}

var (
	ErrUnknownWork          = errors.New("unknown work")
	errRunnerAlreadyRunning = errors.New("runner is already running")
	errRunnerNotRunning     = errors.New("runner is not running")
)

// Run starts all configured Work items in the Runner. It returns an error if the Runner is already running.
// Each Work item is set up and scheduled in its own goroutine.
func (r *Runner) Run(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancelFunc != nil {
		return errRunnerAlreadyRunning
	}
	ctxCancel, cancel := context.WithCancel(ctx)
	r.cancelFunc = cancel
	r.signals = make(map[string]chan struct{}, len(r.Works))

	for _, work := range r.Works {
		signal := make(chan struct{}, work.NoOfWorkers)
		r.signals[work.Name] = signal
		r.setupWorkers(ctxCancel, signal, work)
		r.wg.Go(func() {
			tick(ctxCancel, signal, work)
		})
	}
	return nil
}

// Trigger requests an immediate execution of the named work. The request is
// dropped if every worker of that work is already busy or signaled.
func (r *Runner) Trigger(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancelFunc == nil {
		return errRunnerNotRunning
	}
	signal, ok := r.signals[name]
	if !ok {
		return ErrUnknownWork
	}
	select {
	case signal <- struct{}{}:
	default:
	}
	return nil
}

// Stop halts all running Work items managed by the Runner and waits until
// every worker returned or the context is done.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.cancelFunc == nil {
		r.mu.Unlock()
		return errRunnerNotRunning
	}
	r.cancelFunc()
	r.cancelFunc = nil
	r.signals = nil
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slogctx.Info(ctx, "runner stopped gracefully")
		return nil
	case <-ctx.Done():
		slogctx.Error(ctx, "runner shutdown timed out")
		return ctx.Err()
	}
}

// setupWorkers starts the configured number of goroutines for the work item.
// Each of them executes the work function once per signal, bounded by the work timeout.
func (r *Runner) setupWorkers(ctxCancel context.Context, signal <-chan struct{}, work Work) {
	for range work.NoOfWorkers {
		r.wg.Go(func() {
			for {
				select {
				case <-signal:
					r.execute(ctxCancel, work)
				case <-ctxCancel.Done():
					slogctx.Log(ctxCancel, logger.LevelTrace, "worker canceled", "name", work.Name)
					return
				}
			}
		})
	}
}

func (r *Runner) execute(ctxCancel context.Context, work Work) {
	ctxTimeout, cancel := context.WithTimeout(ctxCancel, work.Timeout)
	defer cancel()

	start := time.Now()
	errChan := make(chan error, 1)
	r.wg.Go(func() {
		slogctx.Log(ctxCancel, logger.LevelTrace, "worker started", "name", work.Name)
		errChan <- work.Fn(ctxTimeout)
	})

	var err error
	select {
	case err = <-errChan:
		if err != nil {
			slogctx.Error(ctxCancel, "worker error", "name", work.Name, "error", err)
		}
	case <-ctxTimeout.Done():
		err = ctxTimeout.Err()
		slogctx.Error(ctxCancel, "worker timeout", "name", work.Name)
	}

	if r.OnDone != nil {
		r.OnDone(work.Name, time.Since(start), err)
	}
}

// tick signals the workers of the work item once per execution interval
// until the context is canceled.
func tick(ctxCancel context.Context, signal chan<- struct{}, work Work) {
	if work.RunOnStart {
		select {
		case signal <- struct{}{}:
		default:
		}
	}

	ticker := time.NewTicker(work.ExecInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			select {
			case signal <- struct{}{}:
			case <-ctxCancel.Done():
				return
			}
		case <-ctxCancel.Done():
			return
		}
	}
}
