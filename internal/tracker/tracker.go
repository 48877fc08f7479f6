// Package tracker owns presence-session identity and transitions: it
// decides when a session opens, extends, and closes, and guarantees at
// most one open session per agent and work date.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/zulandar/fieldtrack/internal/geo"
	"github.com/zulandar/fieldtrack/internal/location"
	"github.com/zulandar/fieldtrack/internal/models"
	"github.com/zulandar/fieldtrack/internal/remote"
	"github.com/zulandar/fieldtrack/internal/transport"
	"gorm.io/gorm"
)

// State is the tracker's per-agent session state. Closed is distinct
// from Idle: after EndSession the tracker keeps pointing at the last
// session of the day so trailing activity is a detectable no-op rather
// than a duplicate row.
type State int

const (
	StateIdle State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "idle"
	}
}

var (
	// ErrNoOpenSession is returned when an operation requires an open
	// session and the agent has none.
	ErrNoOpenSession = errors.New("tracker: no open session")
	// ErrSessionClosed is returned when activity arrives for a session
	// that was already closed. Callers treat it as a no-op signal, not
	// a failure.
	ErrSessionClosed = errors.New("tracker: session already closed")
)

// Healer closes agent sessions left open across a connectivity gap.
// Implemented by the synchronization agent; the tracker invokes it on
// every session start while online. excludeSessionID names the
// tracker's own open session (zero when idle), which the tracker closes
// itself with full location-switch semantics.
type Healer interface {
	HealOpenSessions(agentID, workDate string, excludeSessionID uint) error
}

// Opts holds parameters for creating a Tracker.
type Opts struct {
	DB             *gorm.DB
	Writer         transport.Transport
	Provider       location.Provider
	Connectivity   remote.Connectivity
	Healer         Healer           // optional
	AcquireTimeout time.Duration    // defaults to location.DefaultAcquireTimeout
	Now            func() time.Time // test hook; defaults to time.Now
}

// Tracker is the session state machine for one device. All state
// mutation happens under mu; the device UI drives it from a single
// logical thread, but the mutex keeps multi-goroutine callers safe.
type Tracker struct {
	db             *gorm.DB
	writer         transport.Transport
	provider       location.Provider
	conn           remote.Connectivity
	healer         Healer
	acquireTimeout time.Duration
	now            func() time.Time

	mu      sync.Mutex
	current map[string]*agentSession // key: agent ID
	// lastActivity maps location ID to the most recent activity seen
	// for the open session at that location. Process-lifetime only;
	// rebuilt empty on restart.
	lastActivity map[string]time.Time
}

// agentSession pairs the tracked session row with its machine state.
type agentSession struct {
	session *models.PresenceSession
	state   State
}

// New creates a Tracker.
func New(opts Opts) (*Tracker, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("tracker: db is required")
	}
	if opts.Writer == nil {
		return nil, fmt.Errorf("tracker: writer is required")
	}
	if opts.Connectivity == nil {
		return nil, fmt.Errorf("tracker: connectivity is required")
	}
	timeout := opts.AcquireTimeout
	if timeout <= 0 {
		timeout = location.DefaultAcquireTimeout
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		db:             opts.DB,
		writer:         opts.Writer,
		provider:       opts.Provider,
		conn:           opts.Connectivity,
		healer:         opts.Healer,
		acquireTimeout: timeout,
		now:            now,
		current:        make(map[string]*agentSession),
		lastActivity:   make(map[string]time.Time),
	}, nil
}

// SetHealer installs the healing-sweep collaborator. Wiring creates the
// tracker before the synchronization agent, so the healer arrives after
// construction.
func (t *Tracker) SetHealer(h Healer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.healer = h
}

func (t *Tracker) currentHealer() Healer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.healer
}

// WorkDate returns the logical work date for a timestamp.
func WorkDate(t time.Time) string {
	return t.Format("2006-01-02")
}

// StartSession opens a presence session for the agent at the location.
// Any other session still open for the same agent and work date is
// closed first. If the agent's open session is already at this
// location, the call degrades to RecordActivity. Coordinate acquisition
// is best-effort: on failure the session opens with proximity
// unavailable rather than blocking the agent's business action.
func (t *Tracker) StartSession(ctx context.Context, agentID, locationID, actionKind string, phoneOrder bool) error {
	if t.degradeToActivity(agentID, locationID) {
		return t.RecordActivity(agentID)
	}

	if h := t.currentHealer(); h != nil && t.conn.Online() {
		if err := h.HealOpenSessions(agentID, WorkDate(t.now()), t.openSessionID(agentID)); err != nil {
			log.Printf("tracker: healing sweep for %s: %v", agentID, err)
		}
	}

	fix, haveFix := location.Acquire(ctx, t.provider, t.acquireTimeout)

	t.mu.Lock()
	defer t.mu.Unlock()

	start := t.now()
	workDate := WorkDate(start)

	// Re-check after the acquisition window: another caller may have
	// opened the session at this location in the meantime.
	if cur := t.current[agentID]; cur != nil && cur.state == StateOpen &&
		cur.session.LocationID == locationID && cur.session.WorkDate == workDate {
		return t.recordActivityLocked(cur)
	}

	if err := t.closeOtherSessionsLocked(agentID, workDate, locationID, start); err != nil {
		return err
	}

	loc, err := t.loadLocation(locationID)
	if err != nil {
		return err
	}

	var startLat, startLon, distance *float64
	proximity := geo.ProximityUnavailable
	if haveFix {
		lat, lon := fix.Latitude, fix.Longitude
		startLat, startLon = &lat, &lon
		switch {
		case !loc.HasCoordinates() && t.conn.Online():
			// First visit to a location with no known geofence:
			// bootstrap it from the device's fix.
			if err := t.captureCoordinates(loc, lat, lon); err != nil {
				return err
			}
			zero := 0.0
			distance = &zero
			proximity = geo.ProximityAtLocation
		case loc.HasCoordinates():
			d := geo.Distance(lat, lon, *loc.Latitude, *loc.Longitude)
			distance = &d
			proximity = geo.Classify(d)
		}
	}

	sess := &models.PresenceSession{
		AgentID:        agentID,
		LocationID:     locationID,
		WorkDate:       workDate,
		StartedAt:      start,
		LastActivityAt: start,
		StartLatitude:  startLat,
		StartLongitude: startLon,
		DistanceMeters: distance,
		Proximity:      string(proximity),
		ActionKind:     actionKind,
		PhoneOrder:     phoneOrder,
	}
	if err := t.db.Create(sess).Error; err != nil {
		return fmt.Errorf("tracker: create session: %w", err)
	}
	if err := t.writer.CreateSession(sess); err != nil {
		return err
	}
	if sess.RemoteID != "" {
		if err := t.db.Model(sess).Update("remote_id", sess.RemoteID).Error; err != nil {
			return fmt.Errorf("tracker: save remote id: %w", err)
		}
	}

	t.current[agentID] = &agentSession{session: sess, state: StateOpen}
	return nil
}

// openSessionID returns the ID of the agent's tracked open session, or
// zero when there is none.
func (t *Tracker) openSessionID(agentID string) uint {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur := t.current[agentID]; cur != nil && cur.state == StateOpen {
		return cur.session.ID
	}
	return 0
}

// degradeToActivity reports whether the agent already has an open
// session at the location for today, in which case StartSession must
// extend it instead of opening a duplicate.
func (t *Tracker) degradeToActivity(agentID, locationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur := t.current[agentID]
	return cur != nil && cur.state == StateOpen &&
		cur.session.LocationID == locationID &&
		cur.session.WorkDate == WorkDate(t.now())
}

// RecordActivity extends the agent's open session: the activity
// watermark moves to now and elapsed seconds are recomputed from the
// session start. Idempotent; proximity is not touched.
func (t *Tracker) RecordActivity(agentID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.current[agentID]
	if cur == nil || cur.state == StateIdle {
		return ErrNoOpenSession
	}
	if cur.state == StateClosed {
		return ErrSessionClosed
	}
	return t.recordActivityLocked(cur)
}

func (t *Tracker) recordActivityLocked(cur *agentSession) error {
	now := t.now()
	sess := cur.session
	sess.LastActivityAt = now
	sess.ElapsedSeconds = int64(now.Sub(sess.StartedAt).Seconds())
	if err := t.saveSessionLocked(sess); err != nil {
		return err
	}
	t.lastActivity[sess.LocationID] = now
	return nil
}

// EndSession closes the agent's open session. The end timestamp is the
// last recorded activity for the location when one exists, otherwise
// now. The tracker keeps the session reference in the Closed state so
// trailing activity cannot duplicate the row.
func (t *Tracker) EndSession(agentID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.current[agentID]
	if cur == nil || cur.state == StateIdle {
		return ErrNoOpenSession
	}
	if cur.state == StateClosed {
		return ErrSessionClosed
	}

	if err := t.closeSessionLocked(cur.session, t.now()); err != nil {
		return err
	}
	cur.state = StateClosed
	return nil
}

// EndAllActiveSessions closes every still-open session for the agent on
// the given work date, each at its own last recorded activity (or now).
// Used for administrative sweeps such as logout.
func (t *Tracker) EndAllActiveSessions(agentID, workDate string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var open []models.PresenceSession
	err := t.db.
		Where("agent_id = ? AND work_date = ? AND ended_at IS NULL", agentID, workDate).
		Find(&open).Error
	if err != nil {
		return fmt.Errorf("tracker: query open sessions: %w", err)
	}

	now := t.now()
	for i := range open {
		sess := &open[i]
		if cur := t.current[agentID]; cur != nil && cur.session.ID == sess.ID {
			sess = cur.session
			cur.state = StateClosed
		}
		if err := t.closeSessionLocked(sess, now); err != nil {
			return err
		}
	}
	return nil
}

// closeSessionLocked persists a close at the best defensible end time:
// the location's last recorded activity when it postdates the session
// start, else the fallback.
func (t *Tracker) closeSessionLocked(sess *models.PresenceSession, fallback time.Time) error {
	end := fallback
	if la, ok := t.lastActivity[sess.LocationID]; ok && !la.Before(sess.StartedAt) {
		end = la
	}
	sess.EndedAt = &end
	if end.After(sess.LastActivityAt) {
		sess.LastActivityAt = end
	}
	sess.ElapsedSeconds = int64(end.Sub(sess.StartedAt).Seconds())
	if err := t.saveSessionLocked(sess); err != nil {
		return err
	}
	delete(t.lastActivity, sess.LocationID)
	return nil
}

// closeOtherSessionsLocked closes any open session for the agent on the
// work date at a different location, before a new one opens. Closes are
// never reordered relative to the open that supersedes them.
func (t *Tracker) closeOtherSessionsLocked(agentID, workDate, exceptLocation string, fallback time.Time) error {
	var open []models.PresenceSession
	err := t.db.
		Where("agent_id = ? AND work_date = ? AND ended_at IS NULL AND location_id <> ?",
			agentID, workDate, exceptLocation).
		Find(&open).Error
	if err != nil {
		return fmt.Errorf("tracker: query open sessions: %w", err)
	}

	for i := range open {
		sess := &open[i]
		if cur := t.current[agentID]; cur != nil && cur.session.ID == sess.ID {
			sess = cur.session
			cur.state = StateClosed
		}
		if err := t.closeSessionLocked(sess, fallback); err != nil {
			return err
		}
	}
	return nil
}

// saveSessionLocked persists the session locally and writes through the
// transport. Only local storage failures surface as errors.
func (t *Tracker) saveSessionLocked(sess *models.PresenceSession) error {
	if err := t.db.Save(sess).Error; err != nil {
		return fmt.Errorf("tracker: save session %d: %w", sess.ID, err)
	}
	return t.writer.UpdateSession(sess)
}

// loadLocation returns the local location row, creating a coordinate-less
// stub on first reference.
func (t *Tracker) loadLocation(locationID string) (*models.Location, error) {
	loc := models.Location{ID: locationID}
	if err := t.db.FirstOrCreate(&loc, models.Location{ID: locationID}).Error; err != nil {
		return nil, fmt.Errorf("tracker: load location %s: %w", locationID, err)
	}
	return &loc, nil
}

// captureCoordinates writes an auto-captured geofence to the local
// location row and through the transport to the backend.
func (t *Tracker) captureCoordinates(loc *models.Location, lat, lon float64) error {
	loc.Latitude = &lat
	loc.Longitude = &lon
	loc.AutoCaptured = true
	if err := t.db.Save(loc).Error; err != nil {
		return fmt.Errorf("tracker: save location %s: %w", loc.ID, err)
	}
	return t.writer.UpdateLocation(loc.ID, lat, lon)
}

// RecheckProximity re-acquires the device position and recomputes
// distance and proximity for a known location without touching session
// state. Used for manual refresh from the UI.
func (t *Tracker) RecheckProximity(ctx context.Context, locationID string) (geo.Proximity, *float64, error) {
	fix, haveFix := location.Acquire(ctx, t.provider, t.acquireTimeout)

	t.mu.Lock()
	defer t.mu.Unlock()

	loc, err := t.loadLocation(locationID)
	if err != nil {
		return geo.ProximityUnavailable, nil, err
	}

	var distance *float64
	proximity := geo.ProximityUnavailable
	if haveFix && loc.HasCoordinates() {
		d := geo.Distance(fix.Latitude, fix.Longitude, *loc.Latitude, *loc.Longitude)
		distance = &d
		proximity = geo.Classify(d)
	}

	// Refresh the observable state on the session being tracked at
	// this location, open or closed.
	for _, cur := range t.current {
		if cur.session.LocationID != locationID {
			continue
		}
		cur.session.DistanceMeters = distance
		cur.session.Proximity = string(proximity)
		if err := t.db.Save(cur.session).Error; err != nil {
			return proximity, distance, fmt.Errorf("tracker: save session %d: %w", cur.session.ID, err)
		}
	}
	return proximity, distance, nil
}

// LastActivity returns the most recent recorded activity for a
// location, if any. Read by the synchronization agent when computing
// defensible close times during healing.
func (t *Tracker) LastActivity(locationID string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	la, ok := t.lastActivity[locationID]
	return la, ok
}
