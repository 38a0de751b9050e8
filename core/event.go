package core

import (
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
)

// SourceType identifies which log table an event was normalized from.
type SourceType string

const (
	SourceAuth     SourceType = "auth"
	SourceAudit    SourceType = "audit"
	SourceProcess  SourceType = "process"
	SourceNetwork  SourceType = "network"
	SourceRegistry SourceType = "registry"
	SourceFile     SourceType = "file"
	SourceCloudApp SourceType = "cloud_app"
)

// SourceTypes lists every known source type in a stable order.
var SourceTypes = []SourceType{
	SourceAuth, SourceAudit, SourceProcess, SourceNetwork,
	SourceRegistry, SourceFile, SourceCloudApp,
}

// Valid reports whether st names a known source type.
func (st SourceType) Valid() bool {
	switch st {
	case SourceAuth, SourceAudit, SourceProcess, SourceNetwork,
		SourceRegistry, SourceFile, SourceCloudApp:
		return true
	}
	return false
}

// Event is the common envelope for all normalized security events.
// Events are immutable after creation; the ingest buffer owns them until
// they are consumed by window views.
type Event struct {
	EventID    string                 `json:"event_id" msgpack:"event_id"`
	SourceType SourceType             `json:"source_type" msgpack:"source_type"`
	Timestamp  time.Time              `json:"timestamp" msgpack:"timestamp"`
	EntityID   string                 `json:"entity_id" msgpack:"entity_id"`
	TargetID   string                 `json:"target_id,omitempty" msgpack:"target_id,omitempty"`
	Fields     map[string]interface{} `json:"fields" msgpack:"fields"`
}

// NewEvent creates an Event with a generated ID and the current UTC time.
func NewEvent(st SourceType) *Event {
	return &Event{
		EventID:    uuid.New().String(),
		SourceType: st,
		Timestamp:  time.Now().UTC(),
		Fields:     make(map[string]interface{}),
	}
}

// Envelope field names resolvable by Field in addition to Fields entries.
const (
	FieldEntityID   = "entity_id"
	FieldTargetID   = "target_id"
	FieldTimestamp  = "timestamp"
	FieldSourceType = "source_type"
)

// Field resolves a field by name, checking the envelope before Fields.
func (e *Event) Field(name string) (interface{}, bool) {
	switch name {
	case FieldEntityID:
		return e.EntityID, true
	case FieldTargetID:
		if e.TargetID == "" {
			return nil, false
		}
		return e.TargetID, true
	case FieldTimestamp:
		return e.Timestamp, true
	case FieldSourceType:
		return string(e.SourceType), true
	}
	v, ok := e.Fields[name]
	return v, ok
}

// FieldString resolves a field and renders it as a string for grouping and
// join keys. Returns ("", false) if the field is absent.
func (e *Event) FieldString(name string) (string, bool) {
	v, ok := e.Field(name)
	if !ok || v == nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano), true
	case net.IP:
		return t.String(), true
	default:
		return fmt.Sprintf("%v", t), true
	}
}

// FieldNumber resolves a field as a float64. Returns an error on type
// mismatch so predicate evaluation can surface malformed events.
func (e *Event) FieldNumber(name string) (float64, error) {
	v, ok := e.Field(name)
	if !ok {
		return 0, fmt.Errorf("field %q absent", name)
	}
	switch t := v.(type) {
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case float64:
		return t, nil
	case uint64:
		return float64(t), nil
	default:
		return 0, fmt.Errorf("field %q is %T, not numeric", name, v)
	}
}
