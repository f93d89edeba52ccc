package sql

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/openkcm/sweep"
	"github.com/openkcm/sweep/store/query"
)

// baseQueryBuilder provides common functionality for all query builders.
type baseQueryBuilder struct {
	dialect    Dialect
	params     []any
	paramIndex int
}

func newBaseQueryBuilder(dialect Dialect) baseQueryBuilder {
	return baseQueryBuilder{
		dialect:    dialect,
		params:     []any{},
		paramIndex: 1,
	}
}

// addParam adds a parameter to the list and returns its placeholder.
func (b *baseQueryBuilder) addParam(value any) string {
	b.params = append(b.params, value)
	placeholder := b.dialect.placeholder(b.paramIndex)
	b.paramIndex++
	return placeholder
}

// selectQueryBuilder builds SELECT queries by embedding baseQueryBuilder.
type selectQueryBuilder struct {
	baseQueryBuilder
}

// newSelectQueryBuilder creates a new SELECT query builder.
func newSelectQueryBuilder(dialect Dialect) *selectQueryBuilder {
	return &selectQueryBuilder{
		baseQueryBuilder: newBaseQueryBuilder(dialect),
	}
}

// build constructs the complete SELECT query.
func (sqb *selectQueryBuilder) build(q query.Query) (string, []any) {
	parts := []string{
		"SELECT * FROM " + string(q.EntityName),
		sqb.buildWhere(q),
		sqb.buildOrderBy(q),
		sqb.buildLimit(q),
		sqb.buildLocking(q),
	}

	nonEmpty := make([]string, 0, len(parts))
	for _, part := range parts {
		if part != "" {
			nonEmpty = append(nonEmpty, part)
		}
	}
	return strings.Join(nonEmpty, " "), sqb.params
}

// buildWhere constructs the WHERE clause including regular clauses and cursor.
func (sqb *selectQueryBuilder) buildWhere(q query.Query) string {
	var conditions []string

	for _, clause := range q.Clauses {
		if cond := sqb.buildClauseCondition(clause); cond != "" {
			conditions = append(conditions, cond)
		}
	}

	if cursorCond := sqb.buildCursorCondition(q.Cursor); cursorCond != "" {
		conditions = append(conditions, cursorCond)
	}

	if len(conditions) == 0 {
		return ""
	}

	return "WHERE " + strings.Join(conditions, " AND ")
}

// buildClauseCondition builds a single clause condition with proper operator handling.
func (sqb *selectQueryBuilder) buildClauseCondition(clause query.Clause) string {
	switch clause.Operator {
	case query.OperatorIn:
		return sqb.buildInCondition(clause)
	default:
		return sqb.buildSimpleCondition(clause)
	}
}

// buildSimpleCondition builds conditions for simple operators (=, <=, etc.)
func (sqb *selectQueryBuilder) buildSimpleCondition(clause query.Clause) string {
	placeholder := sqb.addParam(clause.Value)
	return fmt.Sprintf("%s %s %s", clause.Field, clause.Operator, placeholder)
}

// buildInCondition builds the IN operator condition for any slice value.
func (sqb *selectQueryBuilder) buildInCondition(clause query.Clause) string {
	values := reflect.ValueOf(clause.Value)
	if values.Kind() != reflect.Slice || values.Len() == 0 {
		return ""
	}

	placeholders := make([]string, values.Len())
	for i := range values.Len() {
		placeholders[i] = sqb.addParam(values.Index(i).Interface())
	}

	return fmt.Sprintf("%s IN (%s)", clause.Field, strings.Join(placeholders, ", "))
}

// buildCursorCondition builds the cursor-based pagination condition.
func (sqb *selectQueryBuilder) buildCursorCondition(cursor query.Cursor) string {
	if cursor.IsZero() {
		return ""
	}

	return fmt.Sprintf("(created_at > %s OR (created_at = %s AND id > %s))",
		sqb.addParam(cursor.Timestamp),
		sqb.addParam(cursor.Timestamp),
		sqb.addParam(cursor.ID))
}

// buildOrderBy constructs the ORDER BY clause.
func (sqb *selectQueryBuilder) buildOrderBy(q query.Query) string {
	if len(q.OrderBy) == 0 {
		return "ORDER BY created_at ASC, id ASC"
	}

	orderParts := make([]string, len(q.OrderBy))
	for i, ob := range q.OrderBy {
		direction := "DESC"
		if ob.IsAscending {
			direction = "ASC"
		}
		orderParts[i] = fmt.Sprintf("%s %s", ob.Field, direction)
	}

	return "ORDER BY " + strings.Join(orderParts, ", ")
}

// buildLocking adds the row locking clause of the retrieval mode.
func (sqb *selectQueryBuilder) buildLocking(q query.Query) string {
	if !sqb.dialect.supportsRowLocks() {
		return ""
	}
	switch q.RetrievalMode {
	case query.RetrievalModeForUpdate:
		return "FOR UPDATE"
	case query.RetrievalModeForUpdateSkipLocked:
		return "FOR UPDATE SKIP LOCKED"
	default:
		return ""
	}
}

// buildLimit adds the LIMIT clause if specified.
func (sqb *selectQueryBuilder) buildLimit(q query.Query) string {
	if q.Limit > 0 {
		return "LIMIT " + sqb.addParam(q.Limit)
	}
	return ""
}

// insertQueryBuilder builds INSERT queries by embedding baseQueryBuilder.
type insertQueryBuilder struct {
	baseQueryBuilder
}

// newInsertQueryBuilder creates a new INSERT query builder.
func newInsertQueryBuilder(dialect Dialect) *insertQueryBuilder {
	return &insertQueryBuilder{
		baseQueryBuilder: newBaseQueryBuilder(dialect),
	}
}

// build constructs the complete INSERT query.
func (iqb *insertQueryBuilder) build(entities ...sweep.Entity) (string, []any, error) {
	if len(entities) == 0 {
		return "", nil, ErrNoEntity
	}

	for i := range entities {
		sweep.Init(&entities[i])
	}

	columns, err := getSortedColumns(entities[0])
	if err != nil {
		return "", nil, err
	}

	parts := []string{
		fmt.Sprintf("INSERT INTO %s (%s)", entities[0].Name, strings.Join(columns, ", ")),
		iqb.buildValuesClause(entities, columns),
	}

	return strings.Join(parts, " "), iqb.params, nil
}

// buildValuesClause builds the VALUES clause for all entities.
func (iqb *insertQueryBuilder) buildValuesClause(entities []sweep.Entity, columns []string) string {
	valueSets := make([]string, len(entities))

	for i, entity := range entities {
		placeholders := make([]string, len(columns))
		for j, col := range columns {
			placeholders[j] = iqb.addParam(entity.Values[col])
		}
		valueSets[i] = fmt.Sprintf("(%s)", strings.Join(placeholders, ", "))
	}

	return "VALUES " + strings.Join(valueSets, ", ")
}

// updateQueryBuilder builds UPDATE queries by embedding baseQueryBuilder.
type updateQueryBuilder struct {
	baseQueryBuilder
}

// newUpdateQueryBuilder creates a new UPDATE query builder.
func newUpdateQueryBuilder(dialect Dialect) *updateQueryBuilder {
	return &updateQueryBuilder{
		baseQueryBuilder: newBaseQueryBuilder(dialect),
	}
}

// build constructs the UPDATE query of one entity and refreshes its updated_at.
func (uqb *updateQueryBuilder) build(entity *sweep.Entity) (string, []any) {
	entity.UpdatedAt = 0
	sweep.Init(entity)

	columns := getUpdateColumns(*entity)
	setClauses := make([]string, len(columns))
	for i, col := range columns {
		setClauses[i] = fmt.Sprintf("%s = %s", col, uqb.addParam(entity.Values[col]))
	}

	parts := []string{
		fmt.Sprintf("UPDATE %s", entity.Name),
		"SET " + strings.Join(setClauses, ", "),
		"WHERE id = " + uqb.addParam(entity.Values["id"]),
	}
	return strings.Join(parts, " "), uqb.params
}

// getSortedColumns returns sorted column names from an entity.
func getSortedColumns(entity sweep.Entity) ([]string, error) {
	if len(entity.Values) == 0 {
		return nil, ErrNoColumn
	}

	columns := make([]string, 0, len(entity.Values))
	for col := range entity.Values {
		columns = append(columns, col)
	}
	sort.Strings(columns)

	return columns, nil
}

// getUpdateColumns returns sorted columns excluding ID and creation time.
func getUpdateColumns(entity sweep.Entity) []string {
	var columns []string

	for col := range entity.Values {
		if col != "id" && col != "created_at" {
			columns = append(columns, col)
		}
	}

	sort.Strings(columns)
	return columns
}
