package sql_test

import (
	stdsql "database/sql"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/openkcm/sweep"
	"github.com/openkcm/sweep/store/sql"
)

// storeFactory opens an empty store backed by a fresh database.
type storeFactory func(t *testing.T) (*stdsql.DB, *sql.SQL)

func createSQLiteStore(t *testing.T) (*stdsql.DB, *sql.SQL) {
	t.Helper()
	db := openSQLite(t)

	store, err := sql.New(t.Context(), db, sql.WithDialect(sql.DialectSQLite))
	require.NoError(t, err)

	return db, store
}

func openSQLite(t *testing.T) *stdsql.DB {
	t.Helper()
	db, dialect, err := sql.Open(t.Context(), "sqlite", filepath.Join(t.TempDir(), "sweep.db"))
	require.NoError(t, err)
	require.Equal(t, sql.DialectSQLite, dialect)

	t.Cleanup(func() {
		db.Close()
	})
	return db
}

func checkpointEntity(t *testing.T, target string, status sweep.RunStatus, updatedAt int64) sweep.Entity {
	t.Helper()
	entity, err := sweep.Encode(sweep.Checkpoint{
		ID:        uuid.New(),
		Target:    target,
		Data:      []byte("data"),
		Cursor:    sweep.Cursor{Marker: "m1", Index: 2},
		Status:    status,
		UpdatedAt: updatedAt,
		CreatedAt: updatedAt,
	})
	require.NoError(t, err)
	return entity
}

func runEntity(t *testing.T, jobID uuid.UUID, generation int64, createdAt int64) sweep.Entity {
	t.Helper()
	entity, err := sweep.Encode(sweep.Run{
		ID:          uuid.New(),
		JobID:       jobID,
		Target:      "orders",
		Generation:  generation,
		StartCursor: sweep.Cursor{},
		EndCursor:   sweep.Cursor{Marker: "m1", Index: 1},
		Status:      sweep.RunStatusContinued,
		Processed:   3,
		UpdatedAt:   createdAt,
		CreatedAt:   createdAt,
	})
	require.NoError(t, err)
	return entity
}
