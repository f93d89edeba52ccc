package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/lib/pq"
	"modernc.org/sqlite"

	sqlite3 "modernc.org/sqlite/lib"
)

// Supported SQL dialects.
const (
	DialectPostgres Dialect = iota
	DialectSQLite
)

const (
	pqErrCodeUniqueViolation = "23505" // see https://www.postgresql.org/docs/17/errcodes-appendix.html
	sqliteBusyTimeoutMillis  = 5000
)

var ErrUnknownDriver = errors.New("unknown database driver")

// Dialect selects the placeholder style, the schema and the locking support
// of the underlying database.
type Dialect int

// DialectForDriver returns the dialect of a database/sql driver name.
func DialectForDriver(driver string) (Dialect, error) {
	switch driver {
	case "postgres":
		return DialectPostgres, nil
	case "sqlite":
		return DialectSQLite, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
}

// Open opens a database for the given driver and prepares the connection
// the way the dialect needs it.
func Open(ctx context.Context, driver, dsn string) (*sql.DB, Dialect, error) {
	dialect, err := DialectForDriver(driver)
	if err != nil {
		return nil, 0, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, 0, fmt.Errorf("open %s: %w", driver, err)
	}
	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout="+strconv.Itoa(sqliteBusyTimeoutMillis)); err != nil {
			_ = db.Close()
			return nil, 0, fmt.Errorf("sqlite: set busy_timeout: %w", err)
		}
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, 0, fmt.Errorf("ping %s: %w", driver, err)
	}
	return db, dialect, nil
}

// placeholder returns the bind parameter for the n-th argument, counting from 1.
func (d Dialect) placeholder(n int) string {
	if d == DialectSQLite {
		return "?"
	}
	return "$" + strconv.Itoa(n)
}

// supportsRowLocks reports whether SELECT ... FOR UPDATE is available.
func (d Dialect) supportsRowLocks() bool {
	return d == DialectPostgres
}

func (d Dialect) isUniqueViolation(err error) bool {
	switch d {
	case DialectSQLite:
		var sqliteErr *sqlite.Error
		if !errors.As(err, &sqliteErr) {
			return false
		}
		code := sqliteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	default:
		var pgErr *pq.Error
		return errors.As(err, &pgErr) && pgErr.Code == pqErrCodeUniqueViolation
	}
}

func (d Dialect) schema() []string {
	idType, dataType := "UUID", "BYTEA"
	if d == DialectSQLite {
		idType, dataType = "TEXT", "BLOB"
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS runs(
			id ` + idType + ` PRIMARY KEY,
			job_id ` + idType + ` NOT NULL,
			target TEXT NOT NULL,
			generation BIGINT NOT NULL,
			start_marker TEXT NOT NULL,
			start_index BIGINT NOT NULL,
			end_marker TEXT NOT NULL,
			end_index BIGINT NOT NULL,
			status VARCHAR(100) NOT NULL,
			processed BIGINT NOT NULL,
			error_message TEXT,
			updated_at BIGINT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_job_id ON runs (job_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS checkpoints(
			id ` + idType + ` PRIMARY KEY,
			target TEXT NOT NULL,
			data ` + dataType + `,
			cursor_marker TEXT NOT NULL,
			cursor_index BIGINT NOT NULL,
			status VARCHAR(100) NOT NULL,
			generation BIGINT NOT NULL,
			dispatch_attempts BIGINT NOT NULL,
			error_message TEXT,
			updated_at BIGINT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_status ON checkpoints (status, updated_at)`,
	}
}
