package ingest

import (
	"encoding/json"
	"fmt"
	"time"

	"argus/core"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// eventDoc is the wire form of an event on the ingestion API. Timestamps
// accept RFC 3339 strings or Unix seconds.
type eventDoc struct {
	EventID    string                 `json:"event_id" msgpack:"event_id"`
	SourceType string                 `json:"source_type" msgpack:"source_type"`
	Timestamp  interface{}            `json:"timestamp" msgpack:"timestamp"`
	EntityID   string                 `json:"entity_id" msgpack:"entity_id"`
	TargetID   string                 `json:"target_id" msgpack:"target_id"`
	Fields     map[string]interface{} `json:"fields" msgpack:"fields"`
}

// DecodeJSON parses a single event or an array of events from JSON.
func DecodeJSON(data []byte) ([]*core.Event, error) {
	var docs []eventDoc
	if len(data) > 0 && data[0] == '[' {
		if err := json.Unmarshal(data, &docs); err != nil {
			return nil, fmt.Errorf("decoding event batch: %w", err)
		}
	} else {
		var doc eventDoc
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decoding event: %w", err)
		}
		docs = []eventDoc{doc}
	}
	return buildEvents(docs)
}

// DecodeMsgpack parses an array of events from a MessagePack payload.
func DecodeMsgpack(data []byte) ([]*core.Event, error) {
	var docs []eventDoc
	if err := msgpack.Unmarshal(data, &docs); err != nil {
		var doc eventDoc
		if err2 := msgpack.Unmarshal(data, &doc); err2 != nil {
			return nil, fmt.Errorf("decoding msgpack events: %w", err)
		}
		docs = []eventDoc{doc}
	}
	return buildEvents(docs)
}

func buildEvents(docs []eventDoc) ([]*core.Event, error) {
	events := make([]*core.Event, 0, len(docs))
	for i, doc := range docs {
		e, err := doc.toEvent()
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		events = append(events, e)
	}
	return events, nil
}

func (d eventDoc) toEvent() (*core.Event, error) {
	ts, err := parseTimestamp(d.Timestamp)
	if err != nil {
		return nil, err
	}
	id := d.EventID
	if id == "" {
		id = uuid.New().String()
	}
	fields := d.Fields
	if fields == nil {
		fields = make(map[string]interface{})
	}
	return &core.Event{
		EventID:    id,
		SourceType: core.SourceType(d.SourceType),
		Timestamp:  ts,
		EntityID:   d.EntityID,
		TargetID:   d.TargetID,
		Fields:     fields,
	}, nil
}

func parseTimestamp(v interface{}) (time.Time, error) {
	switch t := v.(type) {
	case nil:
		return time.Now().UTC(), nil
	case string:
		ts, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, fmt.Errorf("timestamp %q: %w", t, err)
		}
		return ts.UTC(), nil
	case float64:
		return time.Unix(int64(t), 0).UTC(), nil
	case int64:
		return time.Unix(t, 0).UTC(), nil
	case uint64:
		return time.Unix(int64(t), 0).UTC(), nil
	case int:
		return time.Unix(int64(t), 0).UTC(), nil
	case time.Time:
		return t.UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("timestamp has unsupported type %T", v)
	}
}
