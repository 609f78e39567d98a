package models

import "time"

// ActivityType classifies an entry in the activity feed.
type ActivityType string

const (
	ActivitySession         ActivityType = "session"
	ActivityCommand         ActivityType = "command"
	ActivityOAuthConnect    ActivityType = "oauth_connect"
	ActivityOAuthDisconnect ActivityType = "oauth_disconnect"
)

// ConnectionEventKind distinguishes connect from disconnect events.
type ConnectionEventKind string

const (
	ConnectionEventConnect    ConnectionEventKind = "connect"
	ConnectionEventDisconnect ConnectionEventKind = "disconnect"
)

// ConnectionEvent records one provider connect or disconnect for the feed.
type ConnectionEvent struct {
	ID       string              `json:"id"`
	UserID   string              `json:"user_id"`
	Provider string              `json:"provider"`
	Kind     ConnectionEventKind `json:"kind"`
	Error    string              `json:"error,omitempty"`
	At       time.Time           `json:"at"`
}

// ActivityItem is the uniform shape of the newest-first activity feed: voice
// sessions, individual commands, and provider connect/disconnect events.
type ActivityItem struct {
	ID          string       `json:"id"`
	Timestamp   time.Time    `json:"timestamp"`
	Type        ActivityType `json:"type"`
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Success     *bool        `json:"success,omitempty"`
	Service     string       `json:"service,omitempty"`
}
