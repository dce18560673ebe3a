// Package store provides session persistence. The gateway treats every
// store call as best-effort: failures are logged by the caller, never
// surfaced to the user-facing flow.
package store

import (
	"context"
	"errors"

	"github.com/clawgate/clawgate/pkg/models"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("session not found")

// Store is the interface for session persistence.
type Store interface {
	// GetSession returns a session with its full message history, or
	// ErrNotFound.
	GetSession(ctx context.Context, id string) (*models.Session, error)

	// SaveSession upserts session metadata and replaces its message log.
	SaveSession(ctx context.Context, session *models.Session) error

	// SaveMessage appends a single message to a session's log.
	SaveMessage(ctx context.Context, sessionID string, msg *models.Message) error

	// ClearSession removes all messages for a session but keeps the
	// session row.
	ClearSession(ctx context.Context, id string) error

	// ListSessions returns up to limit sessions ordered by most recent
	// update.
	ListSessions(ctx context.Context, limit int) ([]*models.Session, error)
}
