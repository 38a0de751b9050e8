// Package core defines the shared data model for the Argus detection engine:
// the normalized event envelope, declarative rule definitions (filter
// predicates, window specs, aggregations, scoring cases, severity bands),
// alerts, reference sets, and the error taxonomy used across components.
//
// Everything in this package is either immutable data or a pure evaluation
// helper. Stateful behavior (buffers, window state, dedup state) lives in the
// ingest and detect packages.
package core
