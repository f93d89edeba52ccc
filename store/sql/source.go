package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/openkcm/common-sdk/pkg/logger"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/sweep"
	"github.com/openkcm/sweep/store/query"
)

const defPageSize = 100

var (
	ErrInvalidIdentifier = errors.New("invalid SQL identifier")
	ErrInvalidPageSize   = errors.New("page size must be positive")
	ErrInvalidOperator   = errors.New("unsupported filter operator")
	ErrMissingKey        = errors.New("row has no key column")
	ErrUnsupportedKey    = errors.New("unsupported key column type")
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

var filterOperators = map[query.Operator]struct{}{
	"=": {}, "<>": {}, "!=": {}, "<": {}, "<=": {}, ">": {}, ">=": {},
}

type (
	// Row is one row of a paginated table keyed by column name.
	Row map[string]any

	// Source reads a table in pages ordered by a unique key column. The
	// marker of a page is the key of the last row of the page before it, so
	// every page is a keyset query resuming strictly after the marker.
	Source struct {
		db       *sql.DB
		dialect  Dialect
		table    string
		key      string
		clauses  []query.Clause
		pageSize int
	}

	// SourceOption configures a Source.
	SourceOption func(s *Source) error
)

var _ sweep.Fetcher[Row] = &Source{}

// WithSourceDialect selects the SQL dialect of the source.
func WithSourceDialect(d Dialect) SourceOption {
	return func(s *Source) error {
		s.dialect = d
		return nil
	}
}

// WithPageSize sets the number of rows per page.
func WithPageSize(n int) SourceOption {
	return func(s *Source) error {
		if n <= 0 {
			return ErrInvalidPageSize
		}
		s.pageSize = n
		return nil
	}
}

// WithFilter adds a condition applied by the FILTER operation.
func WithFilter(column string, op query.Operator, value any) SourceOption {
	return func(s *Source) error {
		if !identifierPattern.MatchString(column) {
			return fmt.Errorf("%w: %q", ErrInvalidIdentifier, column)
		}
		if _, ok := filterOperators[op]; !ok {
			return fmt.Errorf("%w: %q", ErrInvalidOperator, op)
		}
		s.clauses = append(s.clauses, query.ClauseWithCondition(column, op, value))
		return nil
	}
}

// NewSource creates a Source over table ordered by keyColumn.
func NewSource(db *sql.DB, table, keyColumn string, opts ...SourceOption) (*Source, error) {
	for _, ident := range []string{table, keyColumn} {
		if !identifierPattern.MatchString(ident) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidIdentifier, ident)
		}
	}
	s := &Source{
		db:       db,
		dialect:  DialectPostgres,
		table:    table,
		key:      keyColumn,
		pageSize: defPageSize,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Fetch implements sweep.Fetcher. ENUMERATE reads every row, FILTER only
// the rows matching the configured filters.
func (s *Source) Fetch(ctx context.Context, req sweep.FetchRequest) (sweep.Page[Row], error) {
	q := query.Query{
		EntityName: query.EntityName(s.table),
		OrderBy:    []query.OrderBy{{Field: query.Field(s.key), IsAscending: true}},
		Limit:      s.pageSize,
	}
	switch req.Operation {
	case sweep.OperationEnumerate:
	case sweep.OperationFilter:
		q.Clauses = append(q.Clauses, s.clauses...)
	default:
		return sweep.Page[Row]{}, fmt.Errorf("%w: %q", sweep.ErrInvalidOperation, req.Operation)
	}
	if req.StartAfter != "" {
		q.Clauses = append(q.Clauses, query.ClauseWithCondition(s.key, ">", req.StartAfter))
	}

	stmt, params := selectQuery(s.dialect, q)
	slogctx.Log(ctx, logger.LevelTrace, "fetching rows", "table", s.table, "startAfter", req.StartAfter)
	rows, err := s.db.QueryContext(ctx, stmt, params...)
	if err != nil {
		return sweep.Page[Row]{}, err
	}
	defer rows.Close()

	maps, _, err := mapRows(rows)
	if err != nil {
		return sweep.Page[Row]{}, err
	}

	page := sweep.Page[Row]{Items: make([]Row, 0, len(maps))}
	for _, m := range maps {
		page.Items = append(page.Items, Row(m))
	}
	if len(page.Items) < s.pageSize {
		return page, nil
	}

	marker, err := keyMarker(page.Items[len(page.Items)-1], s.key)
	if err != nil {
		return sweep.Page[Row]{}, err
	}
	page.NextMarker = marker
	return page, nil
}

// keyMarker renders the key of a row as a marker.
func keyMarker(row Row, key string) (string, error) {
	raw, ok := row[key]
	if !ok || raw == nil {
		return "", fmt.Errorf("%w: %s", ErrMissingKey, key)
	}
	switch v := raw.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano), nil
	default:
		return "", fmt.Errorf("%w: %T", ErrUnsupportedKey, raw)
	}
}
