// Package storage persists the connection status mirror and the connection
// event log that feed capability and activity views.
package storage

import (
	"context"

	"github.com/voicewire/voicewire/pkg/models"
)

// StatusStore is the write-through mirror of adapter connection state.
type StatusStore interface {
	Upsert(ctx context.Context, status *models.ConnectionStatus) error
	List(ctx context.Context, userID string) ([]*models.ConnectionStatus, error)
}

// EventStore records provider connect/disconnect events.
type EventStore interface {
	Append(ctx context.Context, event *models.ConnectionEvent) error
	// Recent returns the newest events first, at most limit.
	Recent(ctx context.Context, userID string, limit int) ([]*models.ConnectionEvent, error)
}
