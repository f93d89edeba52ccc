//go:build integration
// +build integration

package sql_test

import (
	"context"
	stdsql "database/sql"
	"fmt"
	"log"
	"os"
	"testing"

	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	_ "github.com/lib/pq"

	"github.com/openkcm/sweep"
	"github.com/openkcm/sweep/store/query"
	"github.com/openkcm/sweep/store/sql"
)

const (
	pgUser     = "postgres"
	pgPassword = "secret"
	pgDBName   = "sweep"
)

var (
	pgHost = "localhost"
	pgPort = "5432"
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx, "postgres:17-alpine",
		postgres.WithDatabase(pgDBName),
		postgres.WithUsername(pgUser),
		postgres.WithPassword(pgPassword),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		log.Println("Failed to start PostgreSQL container:", err)
		os.Exit(1)
	}

	mappedPort, err := pgContainer.MappedPort(ctx, nat.Port(pgPort))
	if err != nil {
		log.Println("Failed to get mapped port for PostgreSQL container:", err)
		os.Exit(1)
	}
	pgPort = mappedPort.Port()

	code := m.Run()

	if err := pgContainer.Terminate(ctx); err != nil {
		log.Println("Failed to terminate PostgreSQL container:", err)
		os.Exit(1)
	}

	os.Exit(code)
}

func createPostgresStore(t *testing.T) (*stdsql.DB, *sql.SQL) {
	t.Helper()
	ctx := t.Context()
	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		pgHost, pgPort, pgUser, pgPassword, pgDBName)
	db, _, err := sql.Open(ctx, "postgres", connStr)
	require.NoError(t, err)

	store, err := sql.New(ctx, db)
	require.NoError(t, err)

	t.Cleanup(func() {
		_, _ = db.ExecContext(context.Background(), "DELETE FROM runs")
		_, _ = db.ExecContext(context.Background(), "DELETE FROM checkpoints")
		db.Close()
	})
	return db, store
}

func TestPostgresStore(t *testing.T) {
	testStore(t, createPostgresStore, sql.DialectPostgres)
}

func TestPostgresSkipLocked(t *testing.T) {
	// given
	ctx := t.Context()
	_, store := createPostgresStore(t)
	entities := make([]sweep.Entity, 0, 4)
	for i := range 4 {
		entities = append(entities, checkpointEntity(t, "orders", sweep.RunStatusDispatchFailed, int64(10+i)))
	}
	_, err := store.Create(ctx, entities...)
	require.NoError(t, err)

	listQuery := func(limit int) query.Query {
		return query.Query{
			EntityName:    query.EntityNameCheckpoints,
			OrderBy:       []query.OrderBy{query.OrderByUpdatedAtAscending()},
			Limit:         limit,
			RetrievalMode: query.RetrievalModeForUpdateSkipLocked,
		}
	}

	// when
	err = store.Transaction(ctx, func(ctx context.Context, outer sweep.Repository) error {
		locked, err := outer.Store.List(ctx, listQuery(3))
		require.NoError(t, err)
		require.Len(t, locked.Entities, 3)

		return store.Transaction(context.Background(), func(ctx context.Context, inner sweep.Repository) error {
			rest, err := inner.Store.List(ctx, listQuery(3))
			require.NoError(t, err)

			// then
			require.Len(t, rest.Entities, 1)
			assert.Equal(t, entities[3].ID, rest.Entities[0].ID)
			return nil
		})
	})
	assert.NoError(t, err)
}

func TestPostgresSource(t *testing.T) {
	// given
	ctx := t.Context()
	db, _ := createPostgresStore(t)
	_, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS accounts(id BIGINT PRIMARY KEY, tier TEXT NOT NULL)")
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = db.ExecContext(context.Background(), "DROP TABLE accounts")
	})
	for i := 1; i <= 5; i++ {
		tier := "free"
		if i%2 == 0 {
			tier = "paid"
		}
		_, err := db.ExecContext(ctx, "INSERT INTO accounts (id, tier) VALUES ($1, $2)", i, tier)
		require.NoError(t, err)
	}
	source, err := sql.NewSource(db, "accounts", "id", sql.WithPageSize(1), sql.WithFilter("tier", "=", "paid"))
	require.NoError(t, err)

	// when
	first, err := source.Fetch(ctx, sweep.FetchRequest{Operation: sweep.OperationFilter})
	require.NoError(t, err)
	second, err := source.Fetch(ctx, sweep.FetchRequest{Operation: sweep.OperationFilter, StartAfter: first.NextMarker})
	require.NoError(t, err)

	// then
	assert.Equal(t, "2", first.NextMarker)
	assert.Equal(t, "4", second.NextMarker)
	assert.Equal(t, int64(4), second.Items[0]["id"])
}
