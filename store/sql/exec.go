package sql

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/openkcm/sweep"
)

// ExecHandler returns an item handler running statement with the key of
// every row as its only parameter.
func ExecHandler(db *sql.DB, statement, keyColumn string) sweep.JobItemHandler[Row] {
	return func(ctx context.Context, _ sweep.Event, row Row) error {
		key, ok := row[keyColumn]
		if !ok || key == nil {
			return fmt.Errorf("%w: %s", ErrMissingKey, keyColumn)
		}
		_, err := db.ExecContext(ctx, statement, key)
		return err
	}
}
