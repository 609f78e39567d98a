// Package activity merges voice sessions, individual commands, and provider
// connection events into one newest-first feed.
package activity

import (
	"context"
	"fmt"
	"sort"

	"github.com/voicewire/voicewire/internal/observability"
	"github.com/voicewire/voicewire/internal/sessions"
	"github.com/voicewire/voicewire/internal/storage"
	"github.com/voicewire/voicewire/pkg/models"
)

// defaultLimit bounds a feed page when the caller does not set one.
const defaultLimit = 50

// maxSourceRows caps how much history each source contributes before the
// merge, so one chatty source cannot starve the others.
const maxSourceRows = 200

// Feed assembles the activity view for one user.
type Feed struct {
	sessions sessions.Store
	events   storage.EventStore
	logger   *observability.Logger
}

// NewFeed creates a feed over the session store and connection event log.
func NewFeed(sessionStore sessions.Store, events storage.EventStore, logger *observability.Logger) *Feed {
	return &Feed{
		sessions: sessionStore,
		events:   events,
		logger:   logger.WithFields("component", "activity"),
	}
}

// List returns one page of the user's feed, newest first. offset skips that
// many items; limit <= 0 uses the default page size.
func (f *Feed) List(ctx context.Context, userID string, offset, limit int) ([]*models.ActivityItem, error) {
	if limit <= 0 {
		limit = defaultLimit
	}

	var items []*models.ActivityItem

	userSessions, err := f.sessions.ForUser(ctx, userID, maxSourceRows)
	if err != nil {
		return nil, fmt.Errorf("activity: sessions: %w", err)
	}
	for _, session := range userSessions {
		items = append(items, sessionItem(session))

		turns, err := f.sessions.Turns(ctx, session.ID, maxSourceRows)
		if err != nil {
			f.logger.Warn(ctx, "skipping turns for session", "session_id", session.ID, "error", err)
			continue
		}
		for _, turn := range turns {
			items = append(items, commandItem(session.ID, turn))
		}
	}

	events, err := f.events.Recent(ctx, userID, maxSourceRows)
	if err != nil {
		return nil, fmt.Errorf("activity: events: %w", err)
	}
	for _, event := range events {
		items = append(items, connectionItem(event))
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Timestamp.After(items[j].Timestamp)
	})

	if offset >= len(items) {
		return nil, nil
	}
	items = items[offset:]
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func sessionItem(session *models.Session) *models.ActivityItem {
	title := "Voice session"
	if session.Status == models.SessionActive {
		title = "Voice session (active)"
	}
	return &models.ActivityItem{
		ID:          "session:" + session.ID,
		Timestamp:   session.LastActivityAt,
		Type:        models.ActivitySession,
		Title:       title,
		Description: fmt.Sprintf("%d commands", session.TurnCount),
	}
}

func commandItem(sessionID string, turn *models.SessionTurn) *models.ActivityItem {
	return &models.ActivityItem{
		ID:          fmt.Sprintf("command:%s:%d", sessionID, turn.TurnNumber),
		Timestamp:   turn.CreatedAt,
		Type:        models.ActivityCommand,
		Title:       turn.UserQuery,
		Description: turn.Reply,
	}
}

func connectionItem(event *models.ConnectionEvent) *models.ActivityItem {
	kind := models.ActivityOAuthConnect
	title := "Connected " + event.Provider
	if event.Kind == models.ConnectionEventDisconnect {
		kind = models.ActivityOAuthDisconnect
		title = "Disconnected " + event.Provider
	}
	success := event.Error == ""
	item := &models.ActivityItem{
		ID:        "event:" + event.ID,
		Timestamp: event.At,
		Type:      kind,
		Title:     title,
		Service:   event.Provider,
		Success:   &success,
	}
	if event.Error != "" {
		item.Description = event.Error
	}
	return item
}
