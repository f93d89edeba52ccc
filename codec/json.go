package codec

import (
	"encoding/json"

	"github.com/openkcm/sweep"
)

// JSON is a codec that encodes and decodes events in JSON format.
type JSON struct{}

var _ sweep.Codec = JSON{}

// EncodeEvent encodes an Event into JSON format.
func (j JSON) EncodeEvent(event sweep.Event) ([]byte, error) {
	return json.Marshal(event)
}

// DecodeEvent decodes JSON data into an Event and rejects invalid events.
func (j JSON) DecodeEvent(data []byte) (sweep.Event, error) {
	var event sweep.Event
	if err := json.Unmarshal(data, &event); err != nil {
		return sweep.Event{}, err
	}
	if err := event.Validate(); err != nil {
		return sweep.Event{}, err
	}
	return event, nil
}
