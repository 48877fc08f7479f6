package tracker

import (
	"github.com/zulandar/fieldtrack/internal/geo"
	"github.com/zulandar/fieldtrack/internal/models"
)

// Snapshot is the read-only observable state for one agent, consumed by
// UI callers to render the presence timer and proximity badge.
type Snapshot struct {
	State   State
	Session *models.PresenceSession // copy; nil when idle

	Proximity      geo.Proximity
	DistanceMeters *float64

	// ElapsedSeconds is live-recomputed (now − start) while the
	// session is open, and the persisted value once closed.
	ElapsedSeconds int64
	Elapsed        string
}

// Snapshot returns the agent's current observable state.
func (t *Tracker) Snapshot(agentID string) Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.current[agentID]
	if cur == nil {
		return Snapshot{State: StateIdle, Proximity: geo.ProximityUnavailable, Elapsed: FormatDuration(0)}
	}

	sess := *cur.session
	elapsed := sess.ElapsedSeconds
	if cur.state == StateOpen {
		elapsed = int64(t.now().Sub(sess.StartedAt).Seconds())
	}

	return Snapshot{
		State:          cur.state,
		Session:        &sess,
		Proximity:      geo.Proximity(sess.Proximity),
		DistanceMeters: sess.DistanceMeters,
		ElapsedSeconds: elapsed,
		Elapsed:        FormatDuration(elapsed),
	}
}

// CurrentSession returns a copy of the agent's tracked session, open or
// closed, or nil when the agent is idle.
func (t *Tracker) CurrentSession(agentID string) *models.PresenceSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur := t.current[agentID]
	if cur == nil {
		return nil
	}
	sess := *cur.session
	return &sess
}
