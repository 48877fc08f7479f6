// Package remote defines the engine's view of the managed backend: the
// durable system of record for sessions, plus the connectivity signal
// that decides whether writes go direct or through the local queue.
package remote

import (
	"time"

	"github.com/zulandar/fieldtrack/internal/models"
)

// Store is the remote system of record. The engine consumes it but does
// not own it; every method is a bounded network call and may fail for
// routine connectivity reasons.
type Store interface {
	// CreateSession writes a new session and returns its remote ID.
	CreateSession(s *models.PresenceSession) (string, error)
	// UpdateSession applies partial field updates to a session by
	// remote ID. Column names follow the session model's schema.
	UpdateSession(remoteID string, fields map[string]interface{}) error
	// QuerySessions returns all sessions for an agent on a work date.
	QuerySessions(agentID, workDate string) ([]models.PresenceSession, error)
	// UpdateLocation writes back auto-captured coordinates for a
	// location whose geofence was previously unknown.
	UpdateLocation(locationID string, lat, lon float64) error
}

// Connectivity reports whether the remote store is reachable. Driven by
// an external signal (OS network state, backend ping); the engine only
// reads it.
type Connectivity interface {
	Online() bool
}

// ConnectivityFunc adapts a function to the Connectivity interface.
type ConnectivityFunc func() bool

func (f ConnectivityFunc) Online() bool { return f() }

// SessionFields builds the partial-update map used when closing or
// extending a session remotely.
func SessionFields(endedAt *time.Time, lastActivityAt time.Time, elapsedSeconds int64) map[string]interface{} {
	fields := map[string]interface{}{
		"last_activity_at": lastActivityAt,
		"elapsed_seconds":  elapsedSeconds,
	}
	if endedAt != nil {
		fields["ended_at"] = *endedAt
	}
	return fields
}
