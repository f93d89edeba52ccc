package sql

import (
	"context"
	"database/sql"
	"errors"

	"github.com/openkcm/sweep"
	"github.com/openkcm/sweep/store/query"
)

// SQL is a SQL store implementation of the sweep.Store interface.
type SQL struct {
	db      *sql.DB
	dialect Dialect

	tx *sql.Tx
}

// Option configures the SQL store.
type Option func(s *SQL)

var _ sweep.Store = &SQL{}

var (
	ErrNoColumn = errors.New("no column found")
	ErrNoEntity = errors.New("no entities provided")
)

// WithDialect selects the SQL dialect. The default is DialectPostgres.
func WithDialect(d Dialect) Option {
	return func(s *SQL) {
		s.dialect = d
	}
}

// New initializes a new SQL store and sets up required tables.
func New(ctx context.Context, db *sql.DB, opts ...Option) (*SQL, error) {
	s := &SQL{
		db:      db,
		dialect: DialectPostgres,
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, stmt := range s.dialect.schema() {
		if err := s.execContext(ctx, stmt); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Create implements sweep.Store.
func (s *SQL) Create(ctx context.Context, rs ...sweep.Entity) ([]sweep.Entity, error) {
	if len(rs) == 0 {
		return nil, ErrNoEntity
	}
	stm, params, err := insertQuery(s.dialect, rs...)
	if err != nil {
		return nil, err
	}
	err = s.execContext(ctx, stm, params...)
	if err != nil {
		if s.dialect.isUniqueViolation(err) {
			return nil, sweep.ErrEntityUniqueViolation
		}
		return nil, err
	}
	return rs, nil
}

// Update implements sweep.Store.
func (s *SQL) Update(ctx context.Context, rs ...sweep.Entity) ([]sweep.Entity, error) {
	if len(rs) == 0 {
		return nil, ErrNoEntity
	}
	for i := range rs {
		stm, params := updateQuery(s.dialect, &rs[i])
		if err := s.execContext(ctx, stm, params...); err != nil {
			return nil, err
		}
	}
	return rs, nil
}

// Find implements sweep.Store.
func (s *SQL) Find(ctx context.Context, q query.Query) (sweep.FindResult, error) {
	stmt, params := selectQuery(s.dialect, q)
	rows, err := s.queryContext(ctx, stmt, params...)
	if err != nil {
		return sweep.FindResult{}, err
	}
	defer rows.Close()

	rp, ok, err := mapRow(rows)
	if err != nil {
		return sweep.FindResult{}, err
	}
	if !ok {
		return sweep.FindResult{}, nil
	}

	out, err := sweep.TransformToEntity(q.EntityName, rp)
	if err != nil {
		return sweep.FindResult{}, err
	}
	return sweep.FindResult{
		Entity: out,
		Exists: true,
	}, nil
}

// List implements sweep.Store.
func (s *SQL) List(ctx context.Context, q query.Query) (sweep.ListResult, error) {
	stmt, params := selectQuery(s.dialect, q)
	rows, err := s.queryContext(ctx, stmt, params...)
	if err != nil {
		return sweep.ListResult{}, err
	}
	defer rows.Close()

	rp, ok, err := mapRows(rows)
	if err != nil {
		return sweep.ListResult{}, err
	}
	if !ok {
		return sweep.ListResult{}, nil
	}
	out, err := sweep.TransformToEntities(q.EntityName, rp...)
	if err != nil {
		return sweep.ListResult{}, err
	}
	cursor := query.Cursor{}
	if len(out) == q.Limit {
		last := out[len(out)-1]
		cursor.Timestamp = last.CreatedAt
		cursor.ID = last.ID
	}
	return sweep.ListResult{
		Entities: out,
		Cursor:   cursor,
		Exists:   true,
	}, nil
}

// Transaction implements sweep.Store.
func (s *SQL) Transaction(ctx context.Context, txFunc sweep.TransactionFunc) error {
	if s.tx != nil {
		return txFunc(ctx, sweep.Repository{Store: s})
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}

	err = txFunc(ctx, sweep.Repository{Store: &SQL{db: s.db, dialect: s.dialect, tx: tx}})
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return err
	}

	return tx.Commit()
}

// execContext executes a SQL statement with the given context and arguments.
func (s *SQL) execContext(ctx context.Context, stmt string, args ...any) error {
	if s.tx != nil {
		_, err := s.tx.ExecContext(ctx, stmt, args...)
		return err
	}
	_, err := s.db.ExecContext(ctx, stmt, args...)
	return err
}

// queryContext executes a SQL query with the given context and arguments.
func (s *SQL) queryContext(ctx context.Context, stmt string, args ...any) (*sql.Rows, error) {
	if s.tx != nil {
		return s.tx.QueryContext(ctx, stmt, args...)
	}
	return s.db.QueryContext(ctx, stmt, args...)
}

func mapRows(rows *sql.Rows) ([]map[string]any, bool, error) {
	fields, err := rows.Columns()
	if err != nil {
		return nil, false, err
	}
	results := make([]map[string]any, 0)
	for rows.Next() {
		row, err := scanRow(rows, fields)
		if err != nil {
			return nil, false, err
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	return results, len(results) > 0, nil
}

func mapRow(rows *sql.Rows) (map[string]any, bool, error) {
	fields, err := rows.Columns()
	if err != nil {
		return nil, false, err
	}
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}
	row, err := scanRow(rows, fields)
	if err != nil {
		return nil, false, err
	}
	return row, true, nil
}

func scanRow(rows *sql.Rows, fields []string) (map[string]any, error) {
	dests := make([]any, len(fields))
	for i := range dests {
		dests[i] = &dests[i]
	}
	if err := rows.Scan(dests...); err != nil {
		return nil, err
	}
	row := make(map[string]any, len(fields))
	for i, dest := range dests {
		row[fields[i]] = dest
	}
	return row, nil
}

// selectQuery builds a SELECT query using the unified builder.
func selectQuery(dialect Dialect, q query.Query) (string, []any) {
	builder := newSelectQueryBuilder(dialect)
	return builder.build(q)
}

// insertQuery builds an INSERT query using the unified builder.
func insertQuery(dialect Dialect, entities ...sweep.Entity) (string, []any, error) {
	if err := validateEntities(entities); err != nil {
		return "", nil, err
	}

	builder := newInsertQueryBuilder(dialect)
	return builder.build(entities...)
}

// updateQuery builds the UPDATE query of a single entity.
func updateQuery(dialect Dialect, entity *sweep.Entity) (string, []any) {
	builder := newUpdateQueryBuilder(dialect)
	return builder.build(entity)
}

// validateEntities checks if the provided entities are valid and contain all required columns.
func validateEntities(entities []sweep.Entity) error {
	if len(entities) == 0 {
		return ErrNoEntity
	}

	referenceColumns := make(map[string]struct{})
	for col := range entities[0].Values {
		referenceColumns[col] = struct{}{}
	}

	for _, entity := range entities {
		for col := range referenceColumns {
			if _, ok := entity.Values[col]; !ok {
				return ErrNoColumn
			}
		}
	}

	return nil
}
