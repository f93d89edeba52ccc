package sweep_test

import (
	"context"
	stdsql "database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openkcm/sweep"
	"github.com/openkcm/sweep/codec"
	"github.com/openkcm/sweep/interactortest"
	"github.com/openkcm/sweep/sourcetest"
	"github.com/openkcm/sweep/store/sql"
)

const target = "letters"

// letterPages is the two page source of the documented walk-through.
var letterPages = [][]string{{"A", "B", "C"}, {"D", "E"}}

func createSQLStore(t *testing.T) (*stdsql.DB, *sql.SQL) {
	t.Helper()
	ctx := t.Context()

	db, dialect, err := sql.Open(ctx, "sqlite", filepath.Join(t.TempDir(), "sweep.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		db.Close()
	})

	store, err := sql.New(ctx, db, sql.WithDialect(dialect))
	require.NoError(t, err)
	return db, store
}

func createRepository(t *testing.T) *sweep.Repository {
	t.Helper()
	_, store := createSQLStore(t)
	return sweep.NewRepository(store)
}

// recorder collects the items a handler saw.
type recorder[T any] struct {
	mu    sync.Mutex
	items []T
}

func (r *recorder[T]) handle(_ context.Context, item T) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, item)
	return nil
}

func (r *recorder[T]) jobHandle(ctx context.Context, _ sweep.Event, item T) error {
	return r.handle(ctx, item)
}

func (r *recorder[T]) seen() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]T, len(r.items))
	copy(out, r.items)
	return out
}

func newProcessor[T any](t *testing.T, fetcher *sourcetest.Fetcher[T], handler sweep.ItemHandler[T], predicate sweep.ContinuePredicate) *sweep.BatchProcessor[T] {
	t.Helper()
	source, err := sweep.NewPagedSource[T](sweep.OperationEnumerate, fetcher)
	require.NoError(t, err)
	processor, err := sweep.NewBatchProcessor(source, handler, predicate)
	require.NoError(t, err)
	return processor
}

func alwaysContinue(sweep.Cursor) bool {
	return true
}

func newDispatcher(t *testing.T, invoker sweep.Invoker) *sweep.ContinuationDispatcher {
	t.Helper()
	d, err := sweep.NewContinuationDispatcher(target, invoker, codec.JSON{})
	require.NoError(t, err)
	return d
}

// receiveEvent decodes the next trigger queued on q.
func receiveEvent(t *testing.T, q *interactortest.Queue) sweep.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), time.Second)
	defer cancel()

	d, err := q.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, target, d.Target)

	event, err := codec.JSON{}.DecodeEvent(d.Payload)
	require.NoError(t, err)
	return event
}

func letterFetcher() *sourcetest.Fetcher[string] {
	return sourcetest.NewFetcher(letterPages)
}
