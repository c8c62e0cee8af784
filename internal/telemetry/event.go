// Package telemetry carries score events from the managed process to one subscriber.
package telemetry

import "encoding/json"

// Kind names the event type on the wire.
type Kind string

const KindScore Kind = "score"

// Event is one ordered telemetry value. Events carry no identity beyond arrival order.
type Event struct {
	Kind  Kind  `json:"kind"`
	Value int64 `json:"value"`
}

// wireEvent carries the kind under both keys; browser panels match on "type".
type wireEvent struct {
	Kind  Kind  `json:"kind,omitempty"`
	Type  Kind  `json:"type,omitempty"`
	Value int64 `json:"value"`
}

func Score(value int64) Event {
	return Event{Kind: KindScore, Value: value}
}

func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEvent{Kind: e.Kind, Type: e.Kind, Value: e.Value})
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	e.Kind = w.Kind
	if e.Kind == "" {
		e.Kind = w.Type
	}
	e.Value = w.Value
	return nil
}

// Encode returns the wire form of e, one JSON object per frame.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses one wire frame. Either "kind" or "type" names the event.
func Decode(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, err
	}
	return e, nil
}
