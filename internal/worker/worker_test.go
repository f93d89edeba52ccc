package worker_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkcm/sweep/internal/worker"
)

func TestRun(t *testing.T) {
	t.Run("should call the work func once per interval", func(t *testing.T) {
		/**
		* ctxTimeout      ------------------->3 Second
		* workerInterval  ---------->         2 Second
		* workerTimeout   ---->               10 Millisecond
		*
		* the ticker fires only once before the context times out.
		**/
		tts := []struct {
			noOfWorker     int
			expWorkFnCalls int32
		}{
			{noOfWorker: 10, expWorkFnCalls: 1},
			{noOfWorker: 1, expWorkFnCalls: 1},
		}
		for _, tt := range tts {
			t.Run(fmt.Sprintf("[%+v]", tt), func(t *testing.T) {
				ctxTimeOut, cancel := context.WithTimeout(t.Context(), 3*time.Second)
				defer cancel()

				var calledTimes atomic.Int32
				w := worker.Runner{
					Works: []worker.Work{
						{
							Name: "test-1",
							Fn: func(_ context.Context) error {
								calledTimes.Add(1)
								return nil
							},
							NoOfWorkers:  tt.noOfWorker,
							ExecInterval: 2 * time.Second,
							Timeout:      10 * time.Millisecond,
						},
					},
				}

				// when
				err := w.Run(ctxTimeOut)
				require.NoError(t, err)

				<-ctxTimeOut.Done()

				// then
				assert.Equal(t, tt.expWorkFnCalls, calledTimes.Load())
				assert.NoError(t, w.Stop(t.Context()))
			})
		}
	})

	t.Run("should return error if Run is called 2 times subsequently", func(t *testing.T) {
		w := worker.Runner{
			Works: []worker.Work{
				{
					Name:         "test-2",
					Fn:           func(_ context.Context) error { return nil },
					NoOfWorkers:  1,
					ExecInterval: 3 * time.Second,
					Timeout:      400 * time.Millisecond,
				},
			},
		}

		err := w.Run(t.Context())
		require.NoError(t, err)
		defer func() {
			assert.NoError(t, w.Stop(t.Context()))
		}()

		// when
		err = w.Run(t.Context())

		// then
		assert.Error(t, err)
	})

	t.Run("should run again after the runner was stopped", func(t *testing.T) {
		w := worker.Runner{
			Works: []worker.Work{
				{
					Name:         "test-3",
					Fn:           func(_ context.Context) error { return nil },
					NoOfWorkers:  1,
					ExecInterval: 3 * time.Second,
					Timeout:      400 * time.Millisecond,
				},
			},
		}

		require.NoError(t, w.Run(t.Context()))
		require.NoError(t, w.Stop(t.Context()))

		// when
		err := w.Run(t.Context())

		// then
		assert.NoError(t, err)
		assert.NoError(t, w.Stop(t.Context()))
	})

	t.Run("should return error on Stop if the runner is not running", func(t *testing.T) {
		w := worker.Runner{}
		assert.Error(t, w.Stop(t.Context()))
	})

	t.Run("should execute right away if RunOnStart is set", func(t *testing.T) {
		called := make(chan struct{}, 1)
		w := worker.Runner{
			Works: []worker.Work{
				{
					Name: "on-start",
					Fn: func(_ context.Context) error {
						called <- struct{}{}
						return nil
					},
					NoOfWorkers:  1,
					ExecInterval: time.Hour,
					Timeout:      time.Second,
					RunOnStart:   true,
				},
			},
		}

		require.NoError(t, w.Run(t.Context()))
		defer func() {
			assert.NoError(t, w.Stop(t.Context()))
		}()

		select {
		case <-called:
		case <-time.After(2 * time.Second):
			t.Fatal("work was not executed on start")
		}
	})
}

func TestTrigger(t *testing.T) {
	t.Run("should execute the work without waiting for the interval", func(t *testing.T) {
		called := make(chan struct{}, 1)
		w := worker.Runner{
			Works: []worker.Work{
				{
					Name: "triggered",
					Fn: func(_ context.Context) error {
						called <- struct{}{}
						return nil
					},
					NoOfWorkers:  1,
					ExecInterval: time.Hour,
					Timeout:      time.Second,
				},
			},
		}
		require.NoError(t, w.Run(t.Context()))
		defer func() {
			assert.NoError(t, w.Stop(t.Context()))
		}()

		// when
		err := w.Trigger("triggered")

		// then
		require.NoError(t, err)
		select {
		case <-called:
		case <-time.After(2 * time.Second):
			t.Fatal("work was not executed after trigger")
		}
	})

	t.Run("should return error for an unknown work", func(t *testing.T) {
		w := worker.Runner{}
		require.NoError(t, w.Run(t.Context()))
		defer func() {
			assert.NoError(t, w.Stop(t.Context()))
		}()

		assert.ErrorIs(t, w.Trigger("missing"), worker.ErrUnknownWork)
	})

	t.Run("should return error if the runner is not running", func(t *testing.T) {
		w := worker.Runner{}
		assert.Error(t, w.Trigger("any"))
	})
}

func TestOnDone(t *testing.T) {
	// given
	errWork := errors.New("work failed")
	var (
		mu    sync.Mutex
		names []string
		errs  []error
	)
	done := make(chan struct{}, 1)
	w := worker.Runner{
		Works: []worker.Work{
			{
				Name:         "observed",
				Fn:           func(_ context.Context) error { return errWork },
				NoOfWorkers:  1,
				ExecInterval: time.Hour,
				Timeout:      time.Second,
				RunOnStart:   true,
			},
		},
		OnDone: func(name string, _ time.Duration, err error) {
			mu.Lock()
			names = append(names, name)
			errs = append(errs, err)
			mu.Unlock()
			done <- struct{}{}
		},
	}

	// when
	require.NoError(t, w.Run(t.Context()))
	defer func() {
		assert.NoError(t, w.Stop(t.Context()))
	}()

	// then
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("OnDone was not called")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"observed"}, names)
	assert.ErrorIs(t, errs[0], errWork)
}

func TestTimeout(t *testing.T) {
	// given
	var calledTimes atomic.Int32
	timedOut := make(chan error, 4)
	w := worker.Runner{
		Works: []worker.Work{
			{
				Name: "slow",
				Fn: func(ctx context.Context) error {
					calledTimes.Add(1)
					<-ctx.Done()
					return nil
				},
				NoOfWorkers:  1,
				ExecInterval: time.Hour,
				Timeout:      10 * time.Millisecond,
				RunOnStart:   true,
			},
		},
		OnDone: func(_ string, _ time.Duration, err error) {
			timedOut <- err
		},
	}

	// when
	require.NoError(t, w.Run(t.Context()))
	defer func() {
		assert.NoError(t, w.Stop(t.Context()))
	}()

	// then
	select {
	case err := <-timedOut:
		if err != nil {
			assert.ErrorIs(t, err, context.DeadlineExceeded)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("work did not finish")
	}
	assert.Equal(t, int32(1), calledTimes.Load())
}
