package sweep

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/openkcm/sweep/internal/clock"
	"github.com/openkcm/sweep/store/query"
)

var (
	ErrInvalidEntityType = errors.New("invalid entity type")
	ErrMandatoryFields   = errors.New("mandatory fields")
)

// TransformToEntities transforms a list of maps into domain entities based on the provided entity name.
func TransformToEntities(entityName query.EntityName, objs ...map[string]any) ([]Entity, error) {
	switch entityName {
	case query.EntityNameRuns, query.EntityNameCheckpoints:
		result := make([]Entity, 0, len(objs))
		for _, r := range objs {
			entity, err := TransformToEntity(entityName, r)
			if err != nil {
				return nil, err
			}
			result = append(result, entity)
		}
		return result, nil
	default:
		return nil, fmt.Errorf("%w `%s` not supported", ErrInvalidEntityType, entityName)
	}
}

// TransformToEntity transforms a map into a domain entity based on the provided entity name.
func TransformToEntity(entityName query.EntityName, objs map[string]any) (Entity, error) {
	result := Entity{}

	id, err := resolveUUID(objs, "id")
	if err != nil {
		return result, err
	}
	result.ID = id

	if result.UpdatedAt, err = resolve[int64](objs, "updated_at"); err != nil {
		return result, err
	}
	if result.CreatedAt, err = resolve[int64](objs, "created_at"); err != nil {
		return result, err
	}

	result.Name = entityName
	result.Values = objs
	return result, nil
}

// Init ensures that the metadata of the entity is properly initialized.
// It sets default values for CreatedAt, UpdatedAt and ID if they are not already set.
func Init(e *Entity) {
	now := clock.NowUnixNano()

	if e.Values == nil {
		e.Values = make(map[string]any)
	}
	if e.CreatedAt == 0 {
		e.CreatedAt = now
		e.Values["created_at"] = now
	}
	if e.UpdatedAt == 0 {
		e.UpdatedAt = now
		e.Values["updated_at"] = now
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
		e.Values["id"] = e.ID
	}
}

// Encodes converts a list of domain objects to store entities.
func Encodes[T EntityTypes](entityTypes ...T) ([]Entity, error) {
	result := make([]Entity, 0, len(entityTypes))
	for _, entityType := range entityTypes {
		entity, err := Encode(entityType)
		if err != nil {
			return nil, err
		}
		result = append(result, entity)
	}
	return result, nil
}

// Encode converts a domain object to a store entity.
func Encode[T EntityTypes](entityType T) (Entity, error) {
	switch obj := any(entityType).(type) {
	case Run:
		return Entity{
			Name:      query.EntityNameRuns,
			ID:        obj.ID,
			UpdatedAt: obj.UpdatedAt,
			CreatedAt: obj.CreatedAt,
			Values: map[string]any{
				"id":            obj.ID,
				"job_id":        obj.JobID,
				"target":        obj.Target,
				"generation":    obj.Generation,
				"start_marker":  obj.StartCursor.Marker,
				"start_index":   int64(obj.StartCursor.Index),
				"end_marker":    obj.EndCursor.Marker,
				"end_index":     int64(obj.EndCursor.Index),
				"status":        obj.Status,
				"processed":     obj.Processed,
				"error_message": obj.ErrorMessage,
				"updated_at":    obj.UpdatedAt,
				"created_at":    obj.CreatedAt,
			},
		}, nil
	case Checkpoint:
		return Entity{
			Name:      query.EntityNameCheckpoints,
			ID:        obj.ID,
			UpdatedAt: obj.UpdatedAt,
			CreatedAt: obj.CreatedAt,
			Values: map[string]any{
				"id":                obj.ID,
				"target":            obj.Target,
				"data":              obj.Data,
				"cursor_marker":     obj.Cursor.Marker,
				"cursor_index":      int64(obj.Cursor.Index),
				"status":            obj.Status,
				"generation":        obj.Generation,
				"dispatch_attempts": obj.DispatchAttempts,
				"error_message":     obj.ErrorMessage,
				"updated_at":        obj.UpdatedAt,
				"created_at":        obj.CreatedAt,
			},
		}, nil
	default:
		return Entity{}, fmt.Errorf("%w `%T` not supported", ErrInvalidEntityType, obj)
	}
}

// Decodes converts a list of store entities to domain objects.
func Decodes[T EntityTypes](entities ...Entity) ([]T, error) {
	result := make([]T, 0, len(entities))
	for _, entity := range entities {
		out, err := Decode[T](entity)
		if err != nil {
			return nil, err
		}
		result = append(result, out)
	}
	return result, nil
}

// Decode converts a store entity to a domain object.
func Decode[T EntityTypes](entity Entity) (T, error) {
	var out T
	switch typ := any(out).(type) {
	case Run:
		return decodeRun[T](entity)
	case Checkpoint:
		return decodeCheckpoint[T](entity)
	default:
		return out, fmt.Errorf("%w `%T` not supported", ErrInvalidEntityType, typ)
	}
}

//nolint:cyclop
func decodeRun[T EntityTypes](e Entity) (T, error) {
	var out, empty T
	r, ok := any(&out).(*Run)
	if !ok {
		return empty, fmt.Errorf("%w `%T` not supported", ErrInvalidEntityType, r)
	}
	r.ID, r.CreatedAt, r.UpdatedAt = e.ID, e.CreatedAt, e.UpdatedAt
	vals := e.Values
	var err error
	if r.JobID, err = resolveUUID(vals, "job_id"); err != nil {
		return empty, err
	}
	if r.Target, err = resolve[string](vals, "target"); err != nil {
		return empty, err
	}
	if r.Generation, err = resolve[int64](vals, "generation"); err != nil {
		return empty, err
	}
	if r.StartCursor, err = resolveCursor(vals, "start_marker", "start_index"); err != nil {
		return empty, err
	}
	if r.EndCursor, err = resolveCursor(vals, "end_marker", "end_index"); err != nil {
		return empty, err
	}
	if r.Status, err = resolveType[RunStatus](vals, "status"); err != nil {
		return empty, err
	}
	if r.Processed, err = resolve[int64](vals, "processed"); err != nil {
		return empty, err
	}
	if r.ErrorMessage, err = resolve[string](vals, "error_message"); err != nil {
		return empty, err
	}
	return out, nil
}

func decodeCheckpoint[T EntityTypes](e Entity) (T, error) {
	var out, empty T
	c, ok := any(&out).(*Checkpoint)
	if !ok {
		return empty, fmt.Errorf("%w `%T` not supported", ErrInvalidEntityType, c)
	}
	c.ID, c.CreatedAt, c.UpdatedAt = e.ID, e.CreatedAt, e.UpdatedAt
	vals := e.Values
	var err error
	if c.Target, err = resolve[string](vals, "target"); err != nil {
		return empty, err
	}
	if c.Data, err = resolve[[]byte](vals, "data"); err != nil {
		return empty, err
	}
	if c.Cursor, err = resolveCursor(vals, "cursor_marker", "cursor_index"); err != nil {
		return empty, err
	}
	if c.Status, err = resolveType[RunStatus](vals, "status"); err != nil {
		return empty, err
	}
	if c.Generation, err = resolve[int64](vals, "generation"); err != nil {
		return empty, err
	}
	if c.DispatchAttempts, err = resolve[int64](vals, "dispatch_attempts"); err != nil {
		return empty, err
	}
	if c.ErrorMessage, err = resolve[string](vals, "error_message"); err != nil {
		return empty, err
	}
	return out, nil
}

func resolveCursor(values map[string]any, markerKey, indexKey string) (Cursor, error) {
	marker, err := resolve[string](values, markerKey)
	if err != nil {
		return Cursor{}, err
	}
	index, err := resolve[int64](values, indexKey)
	if err != nil {
		return Cursor{}, err
	}
	return Cursor{Marker: marker, Index: int(index)}, nil
}

func resolveUUID(maps map[string]any, key string) (uuid.UUID, error) {
	keyVal, ok := maps[key]
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: %s not found", ErrMandatoryFields, key)
	}
	var err error
	uID := uuid.Nil
	switch val := keyVal.(type) {
	case []uint8:
		uID, err = uuid.Parse(string(val))
	case string:
		uID, err = uuid.Parse(val)
	case uuid.UUID:
		uID = val
	default:
		return uID, fmt.Errorf("%w `%s` not supported: (type %T)", ErrInvalidEntityType, key, val)
	}
	if err != nil {
		return uID, fmt.Errorf("%w %s uuid parsing failed: %w", ErrMandatoryFields, key, err)
	}
	return uID, nil
}

func resolve[T any](values map[string]any, key string) (T, error) {
	var empty T
	raw, ok := values[key]
	if !ok {
		return empty, fmt.Errorf("%w '%s' not found", ErrMandatoryFields, key)
	}
	if raw == nil {
		return empty, nil
	}
	v, ok := raw.(T)
	if !ok {
		return empty, fmt.Errorf("%w `%s` not supported: (type %T)", ErrInvalidEntityType, key, raw)
	}
	return v, nil
}

func resolveType[A ~string](values map[string]any, key string) (A, error) {
	var empty A
	raw, ok := values[key]
	if !ok {
		return empty, fmt.Errorf("%w '%s' not found", ErrMandatoryFields, key)
	}
	switch v := raw.(type) {
	case string:
		return A(v), nil
	case A:
		return v, nil
	default:
		return empty, fmt.Errorf("%w `%s` not supported: (type %T)", ErrInvalidEntityType, key, raw)
	}
}
