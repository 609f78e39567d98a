package models

import "time"

// SessionMode indicates how the voice front end captures audio.
type SessionMode string

const (
	ModeContinuous SessionMode = "continuous"
	ModePushToTalk SessionMode = "push_to_talk"
)

// SessionStatus represents the lifecycle state of a voice session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionTimeout   SessionStatus = "timeout"
)

// Session is a bounded, idle-timed conversation context.
//
// Invariants: TurnCount equals the number of persisted turns, and a user has
// at most one active session at a time (older actives are closed to timeout).
type Session struct {
	ID                 string        `json:"id"`
	UserID             string        `json:"user_id"`
	Mode               SessionMode   `json:"mode"`
	Status             SessionStatus `json:"status"`
	CreatedAt          time.Time     `json:"created_at"`
	LastActivityAt     time.Time     `json:"last_activity_at"`
	TurnCount          int           `json:"turn_count"`
	ContextSummary     string        `json:"context_summary,omitempty"`
	LastSummarizedTurn int           `json:"last_summarized_turn,omitempty"`
}

// SessionTurn is one (user query, assistant reply) pair. Turns are appended,
// never mutated.
type SessionTurn struct {
	TurnNumber  int       `json:"turn_number"`
	UserQuery   string    `json:"user_query"`
	Reply       string    `json:"reply"`
	ToolResults string    `json:"tool_results,omitempty"`
	DurationMs  int64     `json:"duration_ms"`
	CreatedAt   time.Time `json:"created_at"`
}
