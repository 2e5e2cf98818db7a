package storage

import (
	"context"
	"errors"

	"campuscast/internal/models"
)

// ErrRevisionConflict is returned when an update loses a compare-and-swap
// race against another writer. Callers should re-read the session and decide
// whether their transition is still valid.
var ErrRevisionConflict = errors.New("session revision conflict")

// ErrSessionExists is returned when a create collides with an existing ID.
var ErrSessionExists = errors.New("session already exists")

// Repository exposes the datastore operations required by the broadcast
// orchestrator, the scheduler sweep, and the API handlers.
type Repository interface {
	// CreateSession persists a fully provisioned session in pending state.
	CreateSession(ctx context.Context, session models.Session) (models.Session, error)

	// GetSession loads a session by ID. The boolean reports existence.
	GetSession(ctx context.Context, id string) (models.Session, bool, error)

	// UpdateSession writes the session back, guarded by its Revision. On a
	// successful write the stored Revision is incremented and the updated
	// session returned; a stale Revision yields ErrRevisionConflict.
	UpdateSession(ctx context.Context, session models.Session) (models.Session, error)

	// ListSessions returns sessions filtered by status. An empty status
	// returns every session. Results are ordered by creation time.
	ListSessions(ctx context.Context, status models.SessionStatus) ([]models.Session, error)

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}
