// Package transport routes session writes to the remote store or the
// local durable queue. Callers issue one polymorphic write regardless
// of connectivity; the offline/online branching lives here and nowhere
// else.
package transport

import (
	"fmt"
	"log"
	"time"

	"github.com/zulandar/fieldtrack/internal/models"
	"github.com/zulandar/fieldtrack/internal/queue"
	"github.com/zulandar/fieldtrack/internal/remote"
)

// Transport applies session and location writes to a durable
// destination. CreateSession assigns s.RemoteID when the write reached
// the backend directly; a queued write leaves it empty until the
// synchronization agent confirms it.
type Transport interface {
	CreateSession(s *models.PresenceSession) error
	// UpdateSession syncs the session's activity watermark, end
	// timestamp, and elapsed seconds from the (already updated) row.
	UpdateSession(s *models.PresenceSession) error
	UpdateLocation(locationID string, lat, lon float64) error
}

// SessionUpdate is the queued payload for a session update. LocalID
// correlates the mutation with the local row so the synchronization
// agent can resolve the remote ID at apply time, after the session's
// own queued create has been applied.
type SessionUpdate struct {
	LocalID        uint       `json:"local_id"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	ElapsedSeconds int64      `json:"elapsed_seconds"`
}

// LocationUpdate is the queued payload for an auto-captured geofence
// write-back.
type LocationUpdate struct {
	LocationID string  `json:"location_id"`
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
}

// RemoteTransport writes directly to the backend.
type RemoteTransport struct {
	store remote.Store
}

// NewRemoteTransport creates a transport over the backend store.
func NewRemoteTransport(store remote.Store) *RemoteTransport {
	return &RemoteTransport{store: store}
}

func (t *RemoteTransport) CreateSession(s *models.PresenceSession) error {
	id, err := t.store.CreateSession(s)
	if err != nil {
		return err
	}
	s.RemoteID = id
	return nil
}

func (t *RemoteTransport) UpdateSession(s *models.PresenceSession) error {
	if s.RemoteID == "" {
		return fmt.Errorf("transport: session %d has no remote id", s.ID)
	}
	return t.store.UpdateSession(s.RemoteID, remote.SessionFields(s.EndedAt, s.LastActivityAt, s.ElapsedSeconds))
}

func (t *RemoteTransport) UpdateLocation(locationID string, lat, lon float64) error {
	return t.store.UpdateLocation(locationID, lat, lon)
}

// QueuedTransport appends writes to the local durable queue for later
// synchronization.
type QueuedTransport struct {
	q *queue.Queue
}

// NewQueuedTransport creates a transport over the local queue.
func NewQueuedTransport(q *queue.Queue) *QueuedTransport {
	return &QueuedTransport{q: q}
}

func (t *QueuedTransport) CreateSession(s *models.PresenceSession) error {
	return t.q.Enqueue(models.OpCreate, models.EntitySession, s.ID, s)
}

func (t *QueuedTransport) UpdateSession(s *models.PresenceSession) error {
	return t.q.Enqueue(models.OpUpdate, models.EntitySession, s.ID, SessionUpdate{
		LocalID:        s.ID,
		LastActivityAt: s.LastActivityAt,
		EndedAt:        s.EndedAt,
		ElapsedSeconds: s.ElapsedSeconds,
	})
}

func (t *QueuedTransport) UpdateLocation(locationID string, lat, lon float64) error {
	return t.q.Enqueue(models.OpUpdate, models.EntityLocation, 0, LocationUpdate{
		LocationID: locationID,
		Latitude:   lat,
		Longitude:  lon,
	})
}

// Writer selects between the remote and queued transports per write
// based on the connectivity signal, and falls back to the queue when a
// direct write fails. A Writer error therefore always means a local
// storage failure, never routine connectivity loss.
type Writer struct {
	remote *RemoteTransport
	queued *QueuedTransport
	q      *queue.Queue
	conn   remote.Connectivity
}

// NewWriter wires the two transports behind the connectivity signal.
func NewWriter(store remote.Store, q *queue.Queue, conn remote.Connectivity) *Writer {
	return &Writer{
		remote: NewRemoteTransport(store),
		queued: NewQueuedTransport(q),
		q:      q,
		conn:   conn,
	}
}

func (w *Writer) CreateSession(s *models.PresenceSession) error {
	if w.conn.Online() {
		err := w.remote.CreateSession(s)
		if err == nil {
			return nil
		}
		log.Printf("transport: remote create session %d failed, queueing: %v", s.ID, err)
	}
	return w.queued.CreateSession(s)
}

func (w *Writer) UpdateSession(s *models.PresenceSession) error {
	if w.conn.Online() && s.RemoteID != "" {
		// A direct write must not overtake queued mutations for the
		// same session.
		held, err := w.q.PendingFor(s.ID)
		if err != nil {
			return err
		}
		if !held {
			err := w.remote.UpdateSession(s)
			if err == nil {
				return nil
			}
			log.Printf("transport: remote update session %d failed, queueing: %v", s.ID, err)
		}
	}
	return w.queued.UpdateSession(s)
}

func (w *Writer) UpdateLocation(locationID string, lat, lon float64) error {
	if w.conn.Online() {
		err := w.remote.UpdateLocation(locationID, lat, lon)
		if err == nil {
			return nil
		}
		log.Printf("transport: remote update location %s failed, queueing: %v", locationID, err)
	}
	return w.queued.UpdateLocation(locationID, lat, lon)
}
