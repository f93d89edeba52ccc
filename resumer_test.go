package sweep_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkcm/sweep"
	"github.com/openkcm/sweep/interactortest"
	"github.com/openkcm/sweep/internal/clock"
)

func seedCheckpoint(t *testing.T, repo *sweep.Repository, checkpoint sweep.Checkpoint) sweep.Checkpoint {
	t.Helper()
	if checkpoint.ID == uuid.Nil {
		checkpoint.ID = uuid.New()
	}
	if checkpoint.Target == "" {
		checkpoint.Target = target
	}
	entity, err := sweep.Encode(checkpoint)
	require.NoError(t, err)
	_, err = repo.Store.Create(t.Context(), entity)
	require.NoError(t, err)
	return checkpoint
}

func startResumer(t *testing.T, repo *sweep.Repository, q *interactortest.Queue, cfg func(*sweep.Config)) (*sweep.Resumer, <-chan error) {
	t.Helper()
	done := make(chan error, 10)
	resumer, err := sweep.NewResumer(repo,
		sweep.WithDispatchers(newDispatcher(t, q)),
		sweep.WithWorkDoneFunc(func(_ string, _ time.Duration, err error) {
			done <- err
		}),
	)
	require.NoError(t, err)
	resumer.Config.RedispatchWorkerConfig = sweep.WorkerConfig{NoOfWorkers: 1, ExecInterval: time.Hour, Timeout: 5 * time.Second}
	resumer.Config.BackoffBaseIntervalSec = 1
	resumer.Config.BackoffMaxIntervalSec = 8
	if cfg != nil {
		cfg(&resumer.Config)
	}
	require.NoError(t, resumer.Start(t.Context()))
	t.Cleanup(func() {
		assert.NoError(t, resumer.Stop(t.Context()))
	})
	return resumer, done
}

func redispatchNow(t *testing.T, resumer *sweep.Resumer, done <-chan error) error {
	t.Helper()
	require.NoError(t, resumer.RedispatchNow())
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		require.FailNow(t, "redispatch did not run")
		return nil
	}
}

func TestNewResumer(t *testing.T) {
	_, err := sweep.NewResumer(nil)
	assert.ErrorIs(t, err, sweep.ErrRepositoryNotSet)

	resumer, err := sweep.NewResumer(createRepository(t))
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, resumer.Config.StalledAfter)
	assert.Equal(t, int64(10), resumer.Config.MaxDispatchAttempts)
}

func TestResumerStartStop(t *testing.T) {
	t.Run("should reject an invalid config", func(t *testing.T) {
		tts := []struct {
			name   string
			mutate func(*sweep.Config)
		}{
			{name: "no workers", mutate: func(c *sweep.Config) { c.RedispatchWorkerConfig.NoOfWorkers = 0 }},
			{name: "no limit", mutate: func(c *sweep.Config) { c.CheckpointLimitNum = 0 }},
			{name: "max below base", mutate: func(c *sweep.Config) { c.BackoffMaxIntervalSec = c.BackoffBaseIntervalSec - 1 }},
			{name: "no attempts", mutate: func(c *sweep.Config) { c.MaxDispatchAttempts = 0 }},
		}
		for _, tt := range tts {
			t.Run(tt.name, func(t *testing.T) {
				resumer, err := sweep.NewResumer(createRepository(t))
				require.NoError(t, err)
				tt.mutate(&resumer.Config)

				assert.ErrorIs(t, resumer.Start(t.Context()), sweep.ErrResumerInvalidConfig)
			})
		}
	})

	t.Run("should guard the lifecycle", func(t *testing.T) {
		resumer, err := sweep.NewResumer(createRepository(t))
		require.NoError(t, err)

		assert.ErrorIs(t, resumer.Stop(t.Context()), sweep.ErrResumerNotStarted)
		assert.ErrorIs(t, resumer.RedispatchNow(), sweep.ErrResumerNotStarted)

		require.NoError(t, resumer.Start(t.Context()))
		assert.ErrorIs(t, resumer.Start(t.Context()), sweep.ErrResumerAlreadyStarted)
		assert.NoError(t, resumer.Stop(t.Context()))
		assert.NoError(t, resumer.Stop(t.Context()))
	})
}

func TestResumeJob(t *testing.T) {
	t.Run("should resume a failed sweep at its checkpoint", func(t *testing.T) {
		// given
		repo := createRepository(t)
		q := interactortest.NewQueue()
		resumer, err := sweep.NewResumer(repo, sweep.WithDispatchers(newDispatcher(t, q)))
		require.NoError(t, err)
		checkpoint := seedCheckpoint(t, repo, sweep.Checkpoint{
			Data:             []byte("tenant"),
			Cursor:           sweep.Cursor{Marker: "p1", Index: 1},
			Status:           sweep.RunStatusFailed,
			Generation:       3,
			DispatchAttempts: 2,
			ErrorMessage:     "boom",
		})

		// when
		err = resumer.ResumeJob(t.Context(), checkpoint.ID)

		// then
		require.NoError(t, err)
		event := receiveEvent(t, q)
		assert.Equal(t, checkpoint.ID, event.JobID)
		assert.Equal(t, []byte("tenant"), event.Data)
		assert.Equal(t, &sweep.Cursor{Marker: "p1", Index: 1}, event.Cursor)
		assert.Equal(t, 4, event.Generation)

		got, ok, err := resumer.GetCheckpoint(t.Context(), checkpoint.ID)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, sweep.RunStatusContinued, got.Status)
		assert.Zero(t, got.DispatchAttempts)
		assert.Empty(t, got.ErrorMessage)
	})

	t.Run("should resume a stalled sweep", func(t *testing.T) {
		repo := createRepository(t)
		q := interactortest.NewQueue()
		resumer, err := sweep.NewResumer(repo, sweep.WithDispatchers(newDispatcher(t, q)))
		require.NoError(t, err)
		resumer.Config.StalledAfter = time.Minute
		checkpoint := seedCheckpoint(t, repo, sweep.Checkpoint{
			Status:    sweep.RunStatusContinued,
			Cursor:    sweep.Cursor{Index: 2},
			UpdatedAt: clock.Ago(time.Hour),
			CreatedAt: clock.Ago(time.Hour),
		})

		err = resumer.ResumeJob(t.Context(), checkpoint.ID)

		require.NoError(t, err)
		assert.Equal(t, &sweep.Cursor{Index: 2}, receiveEvent(t, q).Cursor)
	})

	t.Run("should refuse", func(t *testing.T) {
		tts := []struct {
			name        string
			checkpoint  *sweep.Checkpoint
			dispatchers bool
			expErr      error
		}{
			{name: "an unknown sweep", dispatchers: true, expErr: sweep.ErrCheckpointNotFound},
			{name: "a done sweep", checkpoint: &sweep.Checkpoint{Status: sweep.RunStatusDone}, dispatchers: true, expErr: sweep.ErrJobAlreadyDone},
			{name: "a running sweep", checkpoint: &sweep.Checkpoint{Status: sweep.RunStatusContinued}, dispatchers: true, expErr: sweep.ErrJobInProgress},
			{
				name:        "a sweep out of executions",
				checkpoint:  &sweep.Checkpoint{Status: sweep.RunStatusFailed, ErrorMessage: sweep.ErrMsgMaxGenerations + ": 10"},
				dispatchers: true,
				expErr:      sweep.ErrJobGenerationsExhausted,
			},
			{name: "a sweep without dispatcher", checkpoint: &sweep.Checkpoint{Status: sweep.RunStatusDispatchFailed}, expErr: sweep.ErrNoDispatcherForTarget},
		}
		for _, tt := range tts {
			t.Run(tt.name, func(t *testing.T) {
				// given
				repo := createRepository(t)
				q := interactortest.NewQueue()
				var opts []sweep.ResumerOptsFunc
				if tt.dispatchers {
					opts = append(opts, sweep.WithDispatchers(newDispatcher(t, q)))
				}
				resumer, err := sweep.NewResumer(repo, opts...)
				require.NoError(t, err)
				jobID := uuid.New()
				if tt.checkpoint != nil {
					tt.checkpoint.ID = jobID
					seedCheckpoint(t, repo, *tt.checkpoint)
				}

				// when
				err = resumer.ResumeJob(t.Context(), jobID)

				// then
				assert.ErrorIs(t, err, tt.expErr)
				assert.Empty(t, q.Fired())
			})
		}
	})

	t.Run("should keep the checkpoint when the trigger fails", func(t *testing.T) {
		repo := createRepository(t)
		q := interactortest.NewQueue()
		q.FailNext(1, nil)
		resumer, err := sweep.NewResumer(repo, sweep.WithDispatchers(newDispatcher(t, q)))
		require.NoError(t, err)
		checkpoint := seedCheckpoint(t, repo, sweep.Checkpoint{Status: sweep.RunStatusFailed})

		err = resumer.ResumeJob(t.Context(), checkpoint.ID)

		assert.ErrorIs(t, err, sweep.ErrDispatchFailed)
		got, _, err := resumer.GetCheckpoint(t.Context(), checkpoint.ID)
		require.NoError(t, err)
		assert.Equal(t, sweep.RunStatusFailed, got.Status)
	})
}

func TestResumerRedispatch(t *testing.T) {
	t.Run("should redispatch a sweep whose backoff elapsed", func(t *testing.T) {
		// given
		repo := createRepository(t)
		q := interactortest.NewQueue()
		resumer, done := startResumer(t, repo, q, nil)
		due := seedCheckpoint(t, repo, sweep.Checkpoint{
			Cursor:     sweep.Cursor{Index: 7},
			Status:     sweep.RunStatusDispatchFailed,
			Generation: 1,
			UpdatedAt:  clock.Ago(10 * time.Second),
			CreatedAt:  clock.Ago(10 * time.Second),
		})
		waiting := seedCheckpoint(t, repo, sweep.Checkpoint{
			Status:           sweep.RunStatusDispatchFailed,
			DispatchAttempts: 3,
			UpdatedAt:        clock.Ago(time.Second),
			CreatedAt:        clock.Ago(time.Second),
		})

		// when
		err := redispatchNow(t, resumer, done)

		// then
		require.NoError(t, err)
		event := receiveEvent(t, q)
		assert.Equal(t, due.ID, event.JobID)
		assert.Equal(t, 2, event.Generation)
		assert.Equal(t, &sweep.Cursor{Index: 7}, event.Cursor)
		assert.Len(t, q.Fired(), 1)

		got, _, err := resumer.GetCheckpoint(t.Context(), due.ID)
		require.NoError(t, err)
		assert.Equal(t, sweep.RunStatusContinued, got.Status)
		assert.Equal(t, int64(1), got.DispatchAttempts)

		got, _, err = resumer.GetCheckpoint(t.Context(), waiting.ID)
		require.NoError(t, err)
		assert.Equal(t, sweep.RunStatusDispatchFailed, got.Status)
		assert.Equal(t, int64(3), got.DispatchAttempts)
	})

	t.Run("should count a failing redispatch", func(t *testing.T) {
		repo := createRepository(t)
		q := interactortest.NewQueue()
		q.FailNext(1, nil)
		resumer, done := startResumer(t, repo, q, nil)
		checkpoint := seedCheckpoint(t, repo, sweep.Checkpoint{
			Status:    sweep.RunStatusDispatchFailed,
			UpdatedAt: clock.Ago(10 * time.Second),
			CreatedAt: clock.Ago(10 * time.Second),
		})

		err := redispatchNow(t, resumer, done)

		require.NoError(t, err)
		got, _, err := resumer.GetCheckpoint(t.Context(), checkpoint.ID)
		require.NoError(t, err)
		assert.Equal(t, sweep.RunStatusDispatchFailed, got.Status)
		assert.Equal(t, int64(1), got.DispatchAttempts)
		assert.Contains(t, got.ErrorMessage, interactortest.ErrInjected.Error())
	})

	t.Run("should fail a sweep after the max dispatch attempts", func(t *testing.T) {
		repo := createRepository(t)
		q := interactortest.NewQueue()
		resumer, done := startResumer(t, repo, q, func(c *sweep.Config) {
			c.MaxDispatchAttempts = 2
		})
		checkpoint := seedCheckpoint(t, repo, sweep.Checkpoint{
			Status:           sweep.RunStatusDispatchFailed,
			DispatchAttempts: 2,
			UpdatedAt:        clock.Ago(time.Minute),
			CreatedAt:        clock.Ago(time.Minute),
		})

		err := redispatchNow(t, resumer, done)

		require.NoError(t, err)
		assert.Empty(t, q.Fired())
		got, _, err := resumer.GetCheckpoint(t.Context(), checkpoint.ID)
		require.NoError(t, err)
		assert.Equal(t, sweep.RunStatusFailed, got.Status)
		assert.Equal(t, sweep.ErrMsgMaxDispatches, got.ErrorMessage)
	})

	t.Run("should pick up a sweep whose job failed to dispatch", func(t *testing.T) {
		// given
		repo := createRepository(t)
		q := interactortest.NewQueue()
		q.FailNext(1, nil)
		rec := &recorder[string]{}
		job := newLetterJob(t, q, rec, sweep.WithItemLimit(2), sweep.WithRepository(repo))
		jobID := uuid.New()
		_, err := job.Handle(t.Context(), sweep.Event{JobID: jobID})
		require.ErrorIs(t, err, sweep.ErrDispatchFailed)
		resumer, done := startResumer(t, repo, q, func(c *sweep.Config) {
			c.BackoffBaseIntervalSec = 1
		})

		// when
		require.Eventually(t, func() bool {
			return redispatchNow(t, resumer, done) == nil && q.Pending() == 1
		}, 5*time.Second, 200*time.Millisecond)

		// then
		event := receiveEvent(t, q)
		assert.Equal(t, jobID, event.JobID)
		assert.Equal(t, &sweep.Cursor{Index: 2}, event.Cursor)
		assert.Equal(t, 1, event.Generation)
	})
}

func TestResumerListCheckpoints(t *testing.T) {
	repo := createRepository(t)
	resumer, err := sweep.NewResumer(repo)
	require.NoError(t, err)
	seedCheckpoint(t, repo, sweep.Checkpoint{Status: sweep.RunStatusDone})
	failed := seedCheckpoint(t, repo, sweep.Checkpoint{Status: sweep.RunStatusFailed})
	seedCheckpoint(t, repo, sweep.Checkpoint{Target: "other", Status: sweep.RunStatusFailed})

	checkpoints, err := resumer.ListCheckpoints(t.Context(), sweep.ListCheckpointsQuery{
		Target:   target,
		StatusIn: []sweep.RunStatus{sweep.RunStatusFailed},
	})

	require.NoError(t, err)
	require.Len(t, checkpoints, 1)
	assert.Equal(t, failed.ID, checkpoints[0].ID)
}
