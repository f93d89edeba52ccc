package query

import (
	"github.com/google/uuid"
)

const (
	// operatorEqual is the operator for equality.
	operatorEqual Operator = "="
	// operatorLessThanEqual is the operator for less than or equal to.
	operatorLessThanEqual Operator = "<="
	// operatorLessThan is the operator for less than.
	operatorLessThan Operator = "<"
	// OperatorIn is the operator for set membership.
	OperatorIn Operator = "IN"

	fieldID        Field = "id"
	fieldJobID     Field = "job_id"
	fieldTarget    Field = "target"
	fieldStatus    Field = "status"
	fieldCreatedAt Field = "created_at"
	fieldUpdatedAt Field = "updated_at"
	fieldAttempts  Field = "dispatch_attempts"

	EntityNameRuns        EntityName = "runs"
	EntityNameCheckpoints EntityName = "checkpoints"
)

type RetrievalMode int

const (
	RetrievalModeDefault RetrievalMode = iota
	RetrievalModeForUpdate
	RetrievalModeForUpdateSkipLocked
)

// Query represents a database query for a specific entity type. It includes
// filtering clauses, pagination cursor, result limit, and the row locking mode.
type Query struct {
	EntityName    EntityName // Name of the entity being queried.
	Clauses       []Clause   // Filtering clauses for the query.
	Cursor        Cursor     // Cursor for pagination.
	Limit         int        // Maximum number of results to return.
	RetrievalMode RetrievalMode
	OrderBy       []OrderBy // Fields to order the results by.
}

// OrderBy represents the ordering of query results.
type OrderBy struct {
	Field       Field // The field to order by.
	IsAscending bool  // If true, orders in ascending order; otherwise, descending.
}

// Cursor represents a pagination cursor for queries. It consists of a
// timestamp and a unique identifier to support efficient and consistent
// pagination of results.
type Cursor struct {
	Timestamp int64     // Timestamp for the cursor position.
	ID        uuid.UUID // Unique identifier for the cursor position.
}

// IsZero reports whether the cursor points at the beginning.
func (c Cursor) IsZero() bool {
	return c.Timestamp <= 0 || c.ID == uuid.Nil
}

// Clause represents a single filtering condition in a query. It specifies
// the field to filter on, the operator to use, and the value to compare.
type Clause struct {
	Field    Field    // The field to filter on.
	Operator Operator // The comparison operator.
	Value    any      // The value to compare against.
}

// EntityName represents the name of the entity in the query.
type EntityName string

// Operator represents the operator used in the query.
type Operator string

// Field represents the field name in the query.
type Field string

// ClauseWithID creates a Clause that filters by the entity's ID field using
// the equality operator and the provided UUID value.
func ClauseWithID(id uuid.UUID) Clause {
	return Clause{Field: fieldID, Operator: operatorEqual, Value: id}
}

// ClauseWithJobID creates a Clause that filters by the job ID field using
// the equality operator and the provided UUID value.
func ClauseWithJobID(jobID uuid.UUID) Clause {
	return Clause{Field: fieldJobID, Operator: operatorEqual, Value: jobID}
}

// ClauseWithTarget creates a Clause that filters by the target field.
func ClauseWithTarget(target string) Clause {
	return Clause{Field: fieldTarget, Operator: operatorEqual, Value: target}
}

// ClauseWithStatus creates a Clause that filters by the status field using
// the equality operator and the provided status value.
func ClauseWithStatus(status string) Clause {
	return Clause{Field: fieldStatus, Operator: operatorEqual, Value: status}
}

// ClauseWithStatuses creates a Clause that filters by the status field using
// the in operator and the provided status values.
func ClauseWithStatuses(statuses ...string) Clause {
	return Clause{Field: fieldStatus, Operator: OperatorIn, Value: statuses}
}

// ClauseWithUpdatedBefore creates a Clause that filters for entities with an
// updated_at field less than or equal to the provided timestamp.
func ClauseWithUpdatedBefore(updatedAt int64) Clause {
	return Clause{Field: fieldUpdatedAt, Operator: operatorLessThanEqual, Value: updatedAt}
}

// ClauseWithDispatchAttemptsBelow creates a Clause that filters for checkpoints
// that were redispatched fewer than max times.
func ClauseWithDispatchAttemptsBelow(limit int64) Clause {
	return Clause{Field: fieldAttempts, Operator: operatorLessThan, Value: limit}
}

// ClauseWithCondition creates a Clause on an arbitrary column. It is meant
// for filtering paginated sources, whose columns are not known in advance.
func ClauseWithCondition(field string, op Operator, value any) Clause {
	return Clause{Field: Field(field), Operator: op, Value: value}
}

// OrderByUpdatedAtAscending creates an OrderBy clause that orders results by the updated_at field in ascending order.
func OrderByUpdatedAtAscending() OrderBy {
	return OrderBy{Field: fieldUpdatedAt, IsAscending: true}
}
