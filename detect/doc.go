// Package detect implements the evaluation pipeline: per-rule windowed
// aggregation, time-bounded stream correlation, scoring, alert
// deduplication, sink emission, and the scheduler that drives it all over a
// worker pool. Fault isolation is rule-scoped: a failing rule never disturbs
// another rule's evaluation or the driver itself.
package detect
