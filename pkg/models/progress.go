package models

import "time"

// ProgressKind identifies a phase of query processing.
type ProgressKind string

const (
	ProgressAnalyzing   ProgressKind = "analyzing"
	ProgressDiscovering ProgressKind = "discovering"
	ProgressSelecting   ProgressKind = "selecting"
	ProgressExecuting   ProgressKind = "executing"
	ProgressCompleted   ProgressKind = "completed"
	ProgressError       ProgressKind = "error"
	ProgressDone        ProgressKind = "done"
)

// ProgressEvent is a typed status message emitted while a plan runs. A stream
// of events is terminated by a single done event carrying the final result.
type ProgressEvent struct {
	Kind    ProgressKind `json:"kind"`
	Message string       `json:"message,omitempty"`
	At      time.Time    `json:"at"`
	Payload any          `json:"payload,omitempty"`
}
