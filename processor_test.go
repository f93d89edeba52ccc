package sweep_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkcm/sweep"
	"github.com/openkcm/sweep/sourcetest"
)

func TestNewBatchProcessor(t *testing.T) {
	source, err := sweep.NewPagedSource[string](sweep.OperationEnumerate, letterFetcher())
	require.NoError(t, err)
	rec := &recorder[string]{}

	_, err = sweep.NewBatchProcessor[string](nil, rec.handle, alwaysContinue)
	assert.ErrorIs(t, err, sweep.ErrSourceNotSet)

	_, err = sweep.NewBatchProcessor(source, nil, alwaysContinue)
	assert.ErrorIs(t, err, sweep.ErrHandlerNotSet)

	_, err = sweep.NewBatchProcessor(source, rec.handle, nil)
	assert.ErrorIs(t, err, sweep.ErrPredicateNotSet)
}

func TestBatchProcessorStart(t *testing.T) {
	t.Run("should process every item and stop exhausted", func(t *testing.T) {
		// given
		rec := &recorder[string]{}
		processor := newProcessor(t, letterFetcher(), rec.handle, alwaysContinue)

		// when
		res, err := processor.Start(t.Context(), sweep.Cursor{})

		// then
		require.NoError(t, err)
		assert.Equal(t, []string{"A", "B", "C", "D", "E"}, rec.seen())
		assert.True(t, res.Exhausted)
		assert.Equal(t, sweep.StopExhausted, res.Stop)
		assert.Equal(t, 5, res.Processed)
	})

	t.Run("should stop when the predicate says so", func(t *testing.T) {
		// given
		rec := &recorder[string]{}
		var cursors []sweep.Cursor
		predicate := func(c sweep.Cursor) bool {
			cursors = append(cursors, c)
			return len(cursors) < 3
		}
		processor := newProcessor(t, letterFetcher(), rec.handle, predicate)

		// when
		res, err := processor.Start(t.Context(), sweep.Cursor{})

		// then
		require.NoError(t, err)
		assert.Equal(t, []string{"A", "B", "C"}, rec.seen())
		assert.False(t, res.Exhausted)
		assert.Equal(t, sweep.StopBudgetExceeded, res.Stop)
		assert.Equal(t, sweep.Cursor{Marker: sourcetest.Marker(1)}, res.Cursor)
		assert.Equal(t, []sweep.Cursor{{Index: 1}, {Index: 2}, {Marker: sourcetest.Marker(1)}}, cursors)
	})

	t.Run("should not consult the predicate once the source is exhausted", func(t *testing.T) {
		calls := 0
		processor := newProcessor(t, sourcetest.NewFetcher[string](nil), (&recorder[string]{}).handle, func(sweep.Cursor) bool {
			calls++
			return false
		})

		res, err := processor.Start(t.Context(), sweep.Cursor{})

		require.NoError(t, err)
		assert.True(t, res.Exhausted)
		assert.Zero(t, res.Processed)
		assert.Zero(t, calls)
	})

	t.Run("should visit every item exactly once when stopped after every item", func(t *testing.T) {
		// given
		pages := [][]int{{1, 2, 3}, {}, {4}, {5, 6, 7, 8}, {9}}
		fetcher := sourcetest.NewFetcher(pages)
		rec := &recorder[int]{}

		// when
		cursor := sweep.Cursor{}
		runs := 0
		for {
			processor := newProcessor(t, fetcher, rec.handle, sweep.ItemLimit(1))
			res, err := processor.Start(t.Context(), cursor)
			require.NoError(t, err)
			runs++
			cursor = res.Cursor
			if res.Exhausted {
				break
			}
			require.Less(t, runs, 20)
		}

		// then
		assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9}, rec.seen())
		assert.Equal(t, 10, runs)
	})

	t.Run("should revisit the source from the start on a fresh run", func(t *testing.T) {
		// given
		fetcher := letterFetcher()
		first := &recorder[string]{}
		res, err := newProcessor(t, fetcher, first.handle, alwaysContinue).Start(t.Context(), sweep.Cursor{})
		require.NoError(t, err)
		require.True(t, res.Exhausted)
		second := &recorder[string]{}

		// when
		res, err = newProcessor(t, fetcher, second.handle, alwaysContinue).Start(t.Context(), sweep.Cursor{})

		// then
		require.NoError(t, err)
		assert.True(t, res.Exhausted)
		assert.Equal(t, first.seen(), second.seen())
	})

	t.Run("should keep the cursor of the faulting item", func(t *testing.T) {
		// given
		errBoom := errors.New("boom")
		fetcher := sourcetest.NewFetcher([][]int{{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}})
		var handled []int
		handler := func(_ context.Context, item int) error {
			if item == 4 {
				return errBoom
			}
			handled = append(handled, item)
			return nil
		}

		// when
		res, err := newProcessor(t, fetcher, handler, alwaysContinue).Start(t.Context(), sweep.Cursor{})

		// then
		assert.ErrorIs(t, err, sweep.ErrHandlerFault)
		assert.ErrorIs(t, err, errBoom)
		assert.Equal(t, sweep.Cursor{Index: 4}, res.Cursor)
		assert.Equal(t, 4, res.Processed)
		assert.Empty(t, res.Stop)
		assert.Equal(t, []int{0, 1, 2, 3}, handled)
	})

	t.Run("should propagate source failures with the last good cursor", func(t *testing.T) {
		// given
		errStore := errors.New("unavailable")
		fetcher := letterFetcher()
		fetcher.FailAt(sourcetest.Marker(1), errStore)
		rec := &recorder[string]{}

		// when
		res, err := newProcessor(t, fetcher, rec.handle, alwaysContinue).Start(t.Context(), sweep.Cursor{})

		// then
		assert.ErrorIs(t, err, sweep.ErrSourceUnavailable)
		assert.Equal(t, sweep.Cursor{Marker: sourcetest.Marker(1)}, res.Cursor)
		assert.Equal(t, []string{"A", "B", "C"}, rec.seen())
	})
}

func TestBatchProcessorStep(t *testing.T) {
	rec := &recorder[string]{}
	processor := newProcessor(t, letterFetcher(), rec.handle, alwaysContinue)

	outcome, err := processor.Step(t.Context(), sweep.Cursor{Marker: sourcetest.Marker(1), Index: 1})
	require.NoError(t, err)
	assert.Equal(t, sweep.Outcome{Processed: true, Cursor: sweep.Cursor{Marker: sourcetest.Marker(1), Index: 2}}, outcome)

	outcome, err = processor.Step(t.Context(), outcome.Cursor)
	require.NoError(t, err)
	assert.True(t, outcome.Exhausted)
	assert.False(t, outcome.Processed)
	assert.Equal(t, []string{"E"}, rec.seen())
}

// TestLetterScenario walks the two page source with two items per run.
func TestLetterScenario(t *testing.T) {
	// given
	fetcher := letterFetcher()
	rec := &recorder[string]{}
	type run struct {
		items  []string
		cursor sweep.Cursor
		stop   sweep.StopKind
	}
	var runs []run

	// when
	cursor := sweep.Cursor{}
	for len(runs) < 5 {
		before := len(rec.seen())
		res, err := newProcessor(t, fetcher, rec.handle, sweep.ItemLimit(2)).Start(t.Context(), cursor)
		require.NoError(t, err)
		runs = append(runs, run{items: rec.seen()[before:], cursor: res.Cursor, stop: res.Stop})
		if res.Exhausted {
			break
		}
		cursor = res.Cursor
	}

	// then
	require.Len(t, runs, 3)
	assert.Equal(t, run{items: []string{"A", "B"}, cursor: sweep.Cursor{Index: 2}, stop: sweep.StopBudgetExceeded}, runs[0])
	assert.Equal(t, run{items: []string{"C", "D"}, cursor: sweep.Cursor{Marker: sourcetest.Marker(1), Index: 1}, stop: sweep.StopBudgetExceeded}, runs[1])
	assert.Equal(t, []string{"E"}, runs[2].items)
	assert.Equal(t, sweep.StopExhausted, runs[2].stop)
	assert.Equal(t, 2, fetcher.FetchCount(""))
	assert.Equal(t, 2, fetcher.FetchCount(sourcetest.Marker(1)))
}
