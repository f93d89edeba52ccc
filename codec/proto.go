package codec

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/openkcm/sweep"
)

// Field names of the protobuf representation.
const (
	fieldJobID      = "jobId"
	fieldTarget     = "target"
	fieldData       = "data"
	fieldCursor     = "cursor"
	fieldMarker     = "marker"
	fieldIndex      = "index"
	fieldGeneration = "generation"
)

var ErrInvalidField = errors.New("invalid field")

// Proto is a codec that encodes and decodes events as a protobuf Struct in
// wire format.
type Proto struct{}

var _ sweep.Codec = Proto{}

// EncodeEvent encodes an Event into Protobuf format.
func (p Proto) EncodeEvent(event sweep.Event) ([]byte, error) {
	fields := map[string]any{
		fieldJobID:      event.JobID.String(),
		fieldTarget:     event.Target,
		fieldGeneration: event.Generation,
	}
	if event.Data != nil {
		fields[fieldData] = base64.StdEncoding.EncodeToString(event.Data)
	}
	if event.Cursor != nil {
		fields[fieldCursor] = map[string]any{
			fieldMarker: event.Cursor.Marker,
			fieldIndex:  event.Cursor.Index,
		}
	}
	pEvent, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(pEvent)
}

// DecodeEvent decodes Protobuf data into an Event and rejects invalid events.
func (p Proto) DecodeEvent(bytes []byte) (sweep.Event, error) {
	empty := sweep.Event{}
	pEvent := structpb.Struct{}
	if err := proto.Unmarshal(bytes, &pEvent); err != nil {
		return empty, err
	}
	fields := pEvent.GetFields()

	jobID, err := uuid.Parse(fields[fieldJobID].GetStringValue())
	if err != nil {
		return empty, fmt.Errorf("%w %s: %w", ErrInvalidField, fieldJobID, err)
	}
	event := sweep.Event{
		JobID:      jobID,
		Target:     fields[fieldTarget].GetStringValue(),
		Generation: int(fields[fieldGeneration].GetNumberValue()),
	}
	if data, ok := fields[fieldData]; ok {
		event.Data, err = base64.StdEncoding.DecodeString(data.GetStringValue())
		if err != nil {
			return empty, fmt.Errorf("%w %s: %w", ErrInvalidField, fieldData, err)
		}
	}
	if cursor := fields[fieldCursor].GetStructValue(); cursor != nil {
		cursorFields := cursor.GetFields()
		event.Cursor = &sweep.Cursor{
			Marker: cursorFields[fieldMarker].GetStringValue(),
			Index:  int(cursorFields[fieldIndex].GetNumberValue()),
		}
	}
	if err := event.Validate(); err != nil {
		return empty, err
	}
	return event, nil
}
