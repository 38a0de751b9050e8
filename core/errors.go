package core

import (
	"errors"
	"fmt"
)

// Sentinel ingest errors. SchemaError and CapacityError are local failures:
// the caller retries or drops the event, the engine keeps running.
var (
	// ErrSchema indicates required fields for the declared source type are
	// absent or the source type itself is unknown.
	ErrSchema = errors.New("event schema violation")

	// ErrCapacity indicates the per-source ring buffer is full. This is a
	// backpressure signal to the caller, not data loss inside the engine.
	ErrCapacity = errors.New("ingest buffer at capacity")
)

// IngestError wraps a per-event ingest failure with its reason.
type IngestError struct {
	Kind   error // ErrSchema or ErrCapacity
	Detail string
}

func (e *IngestError) Error() string {
	if e.Detail == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Detail)
}

func (e *IngestError) Unwrap() error { return e.Kind }

// NewSchemaError builds an IngestError for a schema violation.
func NewSchemaError(format string, args ...interface{}) *IngestError {
	return &IngestError{Kind: ErrSchema, Detail: fmt.Sprintf(format, args...)}
}

// NewCapacityError builds an IngestError for a full buffer.
func NewCapacityError(st SourceType) *IngestError {
	return &IngestError{Kind: ErrCapacity, Detail: fmt.Sprintf("source %s", st)}
}

// RuleValidationError reports one reason a rule definition was rejected.
// Validation failures never disturb the active rule set.
type RuleValidationError struct {
	RuleID string
	Reason string
}

func (e RuleValidationError) Error() string {
	return fmt.Sprintf("rule %s: %s", e.RuleID, e.Reason)
}

// EvaluationError reports a rule-scoped evaluation failure (predicate type
// mismatch, scoring expression error). It marks the rule Failed for the
// current tick only; other rules are unaffected.
type EvaluationError struct {
	RuleID   string
	GroupKey string
	Err      error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("rule %s group %q: %v", e.RuleID, e.GroupKey, e.Err)
}

func (e *EvaluationError) Unwrap() error { return e.Err }
