// Package syncagent reconciles locally queued session mutations with
// the remote store once connectivity returns, and heals sessions left
// open across a connectivity or process-lifetime gap.
package syncagent

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/zulandar/fieldtrack/internal/models"
	"github.com/zulandar/fieldtrack/internal/queue"
	"github.com/zulandar/fieldtrack/internal/remote"
	"github.com/zulandar/fieldtrack/internal/transport"
	"gorm.io/gorm"
)

// ActivitySource exposes the tracker's last-activity map so heals can
// use a defensible close time instead of "now".
type ActivitySource interface {
	LastActivity(locationID string) (time.Time, bool)
}

// errPermanent marks a mutation that can never succeed (malformed
// payload, dangling reference). Such mutations are dropped rather than
// wedging the queue.
var errPermanent = errors.New("permanent")

// Opts holds parameters for creating an Agent.
type Opts struct {
	DB           *gorm.DB // local store
	Queue        *queue.Queue
	Store        remote.Store
	Connectivity remote.Connectivity
	Writer       transport.Transport // used for heal write-backs
	Activity     ActivitySource      // optional
	Now          func() time.Time    // test hook; defaults to time.Now
}

// Agent drains the pending-mutation queue and runs healing sweeps.
type Agent struct {
	db       *gorm.DB
	q        *queue.Queue
	store    remote.Store
	conn     remote.Connectivity
	writer   transport.Transport
	activity ActivitySource
	now      func() time.Time

	mu sync.Mutex // serializes SyncPending and heals
}

// New creates an Agent.
func New(opts Opts) (*Agent, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("syncagent: db is required")
	}
	if opts.Queue == nil {
		return nil, fmt.Errorf("syncagent: queue is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("syncagent: store is required")
	}
	if opts.Connectivity == nil {
		return nil, fmt.Errorf("syncagent: connectivity is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	writer := opts.Writer
	if writer == nil {
		writer = transport.NewWriter(opts.Store, opts.Queue, opts.Connectivity)
	}
	return &Agent{
		db:       opts.DB,
		q:        opts.Queue,
		store:    opts.Store,
		conn:     opts.Connectivity,
		writer:   writer,
		activity: opts.Activity,
		now:      now,
	}, nil
}

// SyncPending applies queued mutations against the remote store in
// enqueue order. On the first remote failure it stops draining so
// later mutations are never applied out of order; the remainder is
// retried on the next trigger. Returned errors are local storage
// failures only.
func (a *Agent) SyncPending() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	pending, err := a.q.Drain()
	if err != nil {
		return err
	}

	for _, m := range pending {
		if err := a.apply(m); err != nil {
			if errors.Is(err, errPermanent) {
				log.Printf("syncagent: dropping mutation %d (%s %s): %v", m.ID, m.Op, m.Entity, err)
				if rmErr := a.q.Remove(m.ID); rmErr != nil {
					return rmErr
				}
				continue
			}
			log.Printf("syncagent: mutation %d (%s %s) failed, will retry: %v", m.ID, m.Op, m.Entity, err)
			return nil
		}
		if err := a.q.Remove(m.ID); err != nil {
			return err
		}
	}
	return nil
}

// apply replays one mutation against the remote store.
func (a *Agent) apply(m models.PendingMutation) error {
	switch {
	case m.Entity == models.EntitySession && m.Op == models.OpCreate:
		var snap models.PresenceSession
		if err := json.Unmarshal([]byte(m.Payload), &snap); err != nil {
			return fmt.Errorf("%w: unmarshal session create: %v", errPermanent, err)
		}
		remoteID, err := a.store.CreateSession(&snap)
		if err != nil {
			return err
		}
		// Correlate the remote ID back onto the local row so queued
		// updates behind this create can resolve it.
		err = a.db.Model(&models.PresenceSession{}).
			Where("id = ?", m.TargetID).
			Update("remote_id", remoteID).Error
		if err != nil {
			return fmt.Errorf("syncagent: save remote id for session %d: %w", m.TargetID, err)
		}
		return nil

	case m.Entity == models.EntitySession && m.Op == models.OpUpdate:
		var upd transport.SessionUpdate
		if err := json.Unmarshal([]byte(m.Payload), &upd); err != nil {
			return fmt.Errorf("%w: unmarshal session update: %v", errPermanent, err)
		}
		var row models.PresenceSession
		if err := a.db.First(&row, upd.LocalID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: session %d no longer exists locally", errPermanent, upd.LocalID)
			}
			return fmt.Errorf("syncagent: load session %d: %w", upd.LocalID, err)
		}
		if row.RemoteID == "" {
			// FIFO order guarantees the create was applied first; an
			// empty remote ID here means it never will be.
			return fmt.Errorf("%w: session %d has no remote id", errPermanent, upd.LocalID)
		}
		return a.store.UpdateSession(row.RemoteID,
			remote.SessionFields(upd.EndedAt, upd.LastActivityAt, upd.ElapsedSeconds))

	case m.Entity == models.EntityLocation && m.Op == models.OpUpdate:
		var upd transport.LocationUpdate
		if err := json.Unmarshal([]byte(m.Payload), &upd); err != nil {
			return fmt.Errorf("%w: unmarshal location update: %v", errPermanent, err)
		}
		return a.store.UpdateLocation(upd.LocationID, upd.Latitude, upd.Longitude)

	default:
		return fmt.Errorf("%w: unknown mutation %s %s", errPermanent, m.Op, m.Entity)
	}
}

// HealOpenSessions closes agent sessions left open from a previous
// connectivity gap or process death, locally and remotely, each at the
// best available activity time. Invoked by the tracker on every session
// start while online; excludeSessionID shields the tracker's own open
// session, which the tracker closes itself.
func (a *Agent) HealOpenSessions(agentID, workDate string, excludeSessionID uint) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()

	// Local open rows first: these exist when the app was killed with
	// a session open.
	var open []models.PresenceSession
	err := a.db.
		Where("agent_id = ? AND work_date = ? AND ended_at IS NULL AND id <> ?",
			agentID, workDate, excludeSessionID).
		Find(&open).Error
	if err != nil {
		return fmt.Errorf("syncagent: query local open sessions: %w", err)
	}

	healedRemote := make(map[string]bool)
	if excludeSessionID != 0 {
		var excluded models.PresenceSession
		if err := a.db.First(&excluded, excludeSessionID).Error; err == nil && excluded.RemoteID != "" {
			healedRemote[excluded.RemoteID] = true
		}
	}
	for i := range open {
		sess := &open[i]
		end := a.closeTime(sess.LocationID, sess.StartedAt, sess.LastActivityAt, now)
		sess.EndedAt = &end
		if end.After(sess.LastActivityAt) {
			sess.LastActivityAt = end
		}
		sess.ElapsedSeconds = int64(end.Sub(sess.StartedAt).Seconds())
		if err := a.db.Save(sess).Error; err != nil {
			return fmt.Errorf("syncagent: heal session %d: %w", sess.ID, err)
		}
		if err := a.writer.UpdateSession(sess); err != nil {
			return err
		}
		if sess.RemoteID != "" {
			healedRemote[sess.RemoteID] = true
		}
	}

	// Remote open rows with no local counterpart: sessions created on
	// a previous install or after a local store wipe.
	remoteSessions, err := a.store.QuerySessions(agentID, workDate)
	if err != nil {
		log.Printf("syncagent: query remote sessions for heal: %v", err)
		return nil
	}
	for _, rs := range remoteSessions {
		if rs.EndedAt != nil {
			continue
		}
		remoteID := strconv.FormatUint(uint64(rs.ID), 10)
		if healedRemote[remoteID] {
			continue
		}
		end := a.closeTime(rs.LocationID, rs.StartedAt, rs.LastActivityAt, now)
		elapsed := int64(end.Sub(rs.StartedAt).Seconds())
		watermark := rs.LastActivityAt
		if end.After(watermark) {
			watermark = end
		}
		if err := a.store.UpdateSession(remoteID, remote.SessionFields(&end, watermark, elapsed)); err != nil {
			log.Printf("syncagent: heal remote session %s: %v", remoteID, err)
		}
	}
	return nil
}

// closeTime picks the most defensible end time for a healed session:
// the tracker's last-activity record when it postdates the session
// start, else the session's own persisted watermark, else now.
func (a *Agent) closeTime(locationID string, startedAt, watermark, now time.Time) time.Time {
	if a.activity != nil {
		if la, ok := a.activity.LastActivity(locationID); ok && !la.Before(startedAt) {
			return la
		}
	}
	if !watermark.IsZero() && !watermark.Before(startedAt) {
		return watermark
	}
	return now
}
