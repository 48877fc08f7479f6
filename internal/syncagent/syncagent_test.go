package syncagent

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/fieldtrack/internal/db"
	"github.com/zulandar/fieldtrack/internal/geo"
	"github.com/zulandar/fieldtrack/internal/models"
	"github.com/zulandar/fieldtrack/internal/queue"
	"github.com/zulandar/fieldtrack/internal/remote"
	"github.com/zulandar/fieldtrack/internal/transport"
	"gorm.io/gorm"
)

// ---------------------------------------------------------------------------
// Fake remote store
// ---------------------------------------------------------------------------

type fakeStore struct {
	mu       sync.Mutex
	nextID   uint
	sessions map[string]*models.PresenceSession
	// callLog records "create"/"update:<id>"/"location:<id>" in order.
	callLog []string
	// failAfter makes every call past the first N fail; -1 disables.
	failAfter int
	calls     int
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: make(map[string]*models.PresenceSession), failAfter: -1}
}

func (f *fakeStore) failing() bool {
	f.calls++
	return f.failAfter >= 0 && f.calls > f.failAfter
}

func (f *fakeStore) CreateSession(s *models.PresenceSession) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing() {
		return "", errors.New("network down")
	}
	f.nextID++
	id := strconv.FormatUint(uint64(f.nextID), 10)
	row := *s
	row.ID = f.nextID
	f.sessions[id] = &row
	f.callLog = append(f.callLog, "create")
	return id, nil
}

func (f *fakeStore) UpdateSession(remoteID string, fields map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing() {
		return errors.New("network down")
	}
	row, ok := f.sessions[remoteID]
	if !ok {
		return errors.New("not found")
	}
	if v, ok := fields["ended_at"]; ok {
		end := v.(time.Time)
		row.EndedAt = &end
	}
	if v, ok := fields["last_activity_at"]; ok {
		row.LastActivityAt = v.(time.Time)
	}
	if v, ok := fields["elapsed_seconds"]; ok {
		row.ElapsedSeconds = v.(int64)
	}
	f.callLog = append(f.callLog, "update:"+remoteID)
	return nil
}

func (f *fakeStore) QuerySessions(agentID, workDate string) ([]models.PresenceSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing() {
		return nil, errors.New("network down")
	}
	var out []models.PresenceSession
	for _, s := range f.sessions {
		if s.AgentID == agentID && s.WorkDate == workDate {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateLocation(locationID string, lat, lon float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing() {
		return errors.New("network down")
	}
	f.callLog = append(f.callLog, "location:"+locationID)
	return nil
}

func (f *fakeStore) log() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]string, len(f.callLog))
	copy(cp, f.callLog)
	return cp
}

type fakeActivity map[string]time.Time

func (f fakeActivity) LastActivity(locationID string) (time.Time, bool) {
	la, ok := f[locationID]
	return la, ok
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type testEnv struct {
	agent  *Agent
	db     *gorm.DB
	q      *queue.Queue
	store  *fakeStore
	online bool
	now    time.Time
}

func newTestEnv(t *testing.T, activity ActivitySource) *testEnv {
	t.Helper()
	gdb, err := db.Open(filepath.Join(t.TempDir(), "sync.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	env := &testEnv{
		db:     gdb,
		q:      queue.New(gdb),
		store:  newFakeStore(),
		online: true,
		now:    time.Date(2026, 8, 31, 18, 0, 0, 0, time.UTC),
	}
	conn := remote.ConnectivityFunc(func() bool { return env.online })
	agent, err := New(Opts{
		DB:           gdb,
		Queue:        env.q,
		Store:        env.store,
		Connectivity: conn,
		Activity:     activity,
		Now:          func() time.Time { return env.now },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	env.agent = agent
	return env
}

func (e *testEnv) seedSession(t *testing.T, s models.PresenceSession) *models.PresenceSession {
	t.Helper()
	if err := e.db.Create(&s).Error; err != nil {
		t.Fatalf("seed session: %v", err)
	}
	return &s
}

// ---------------------------------------------------------------------------
// SyncPending
// ---------------------------------------------------------------------------

func TestSyncPending_AppliesInOrder(t *testing.T) {
	env := newTestEnv(t, nil)
	start := env.now.Add(-time.Hour)

	// Session created and updated entirely offline.
	local := env.seedSession(t, models.PresenceSession{
		AgentID: "agent-1", LocationID: "loc-1", WorkDate: "2026-08-31",
		StartedAt: start, LastActivityAt: start,
		Proximity: string(geo.ProximityUnavailable), ActionKind: models.ActionOrder,
	})
	qt := transport.NewQueuedTransport(env.q)
	if err := qt.CreateSession(local); err != nil {
		t.Fatalf("queue create: %v", err)
	}
	local.LastActivityAt = start.Add(10 * time.Minute)
	local.ElapsedSeconds = 600
	if err := qt.UpdateSession(local); err != nil {
		t.Fatalf("queue update: %v", err)
	}
	if err := qt.UpdateLocation("loc-1", 12.97, 77.59); err != nil {
		t.Fatalf("queue location: %v", err)
	}

	if err := env.agent.SyncPending(); err != nil {
		t.Fatalf("SyncPending: %v", err)
	}

	wantLog := []string{"create", "update:1", "location:loc-1"}
	gotLog := env.store.log()
	if len(gotLog) != len(wantLog) {
		t.Fatalf("call log = %v, want %v", gotLog, wantLog)
	}
	for i := range wantLog {
		if gotLog[i] != wantLog[i] {
			t.Fatalf("call log = %v, want %v", gotLog, wantLog)
		}
	}

	// Queue fully drained and the remote ID correlated back.
	if n, _ := env.q.Len(); n != 0 {
		t.Errorf("queue length = %d, want 0", n)
	}
	var row models.PresenceSession
	if err := env.db.First(&row, local.ID).Error; err != nil {
		t.Fatalf("reload local row: %v", err)
	}
	if row.RemoteID != "1" {
		t.Errorf("local RemoteID = %q, want %q", row.RemoteID, "1")
	}
	if env.store.sessions["1"].ElapsedSeconds != 600 {
		t.Errorf("remote elapsed = %d, want 600", env.store.sessions["1"].ElapsedSeconds)
	}
}

func TestSyncPending_StopsOnFirstFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	start := env.now.Add(-time.Hour)

	for i := 0; i < 3; i++ {
		local := env.seedSession(t, models.PresenceSession{
			AgentID: "agent-1", LocationID: "loc-" + strconv.Itoa(i), WorkDate: "2026-08-31",
			StartedAt: start, LastActivityAt: start,
			Proximity: string(geo.ProximityUnavailable), ActionKind: models.ActionOrder,
		})
		if err := transport.NewQueuedTransport(env.q).CreateSession(local); err != nil {
			t.Fatalf("queue create %d: %v", i, err)
		}
	}

	env.store.failAfter = 1 // first create succeeds, everything after fails
	if err := env.agent.SyncPending(); err != nil {
		t.Fatalf("SyncPending: %v", err)
	}

	n, _ := env.q.Len()
	if n != 2 {
		t.Fatalf("queue length after partial drain = %d, want 2", n)
	}

	// Connectivity heals; the retry drains the rest without duplication.
	env.store.failAfter = -1
	env.store.calls = 0
	if err := env.agent.SyncPending(); err != nil {
		t.Fatalf("retry SyncPending: %v", err)
	}
	if n, _ := env.q.Len(); n != 0 {
		t.Errorf("queue length after retry = %d, want 0", n)
	}
	if got := len(env.store.sessions); got != 3 {
		t.Errorf("remote sessions = %d, want 3 (no duplicates)", got)
	}
}

func TestSyncPending_DropsMalformedPayload(t *testing.T) {
	env := newTestEnv(t, nil)
	if err := env.db.Create(&models.PendingMutation{
		Op: models.OpCreate, Entity: models.EntitySession,
		Payload: "{not json", EnqueuedAt: env.now,
	}).Error; err != nil {
		t.Fatalf("seed bad mutation: %v", err)
	}
	if err := transport.NewQueuedTransport(env.q).UpdateLocation("loc-1", 1, 2); err != nil {
		t.Fatalf("queue location: %v", err)
	}

	if err := env.agent.SyncPending(); err != nil {
		t.Fatalf("SyncPending: %v", err)
	}
	if n, _ := env.q.Len(); n != 0 {
		t.Errorf("queue length = %d, want 0 (poison dropped, rest applied)", n)
	}
	if gotLog := env.store.log(); len(gotLog) != 1 || gotLog[0] != "location:loc-1" {
		t.Errorf("call log = %v, want [location:loc-1]", gotLog)
	}
}

// ---------------------------------------------------------------------------
// HealOpenSessions
// ---------------------------------------------------------------------------

func TestHeal_ClosesLocalOpenSession(t *testing.T) {
	start := time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC)
	lastActivity := start.Add(40 * time.Minute)
	env := newTestEnv(t, fakeActivity{"loc-1": lastActivity})

	// Remote row exists (created online), local row left open by a
	// killed app.
	remoteID, err := env.store.CreateSession(&models.PresenceSession{
		AgentID: "agent-1", LocationID: "loc-1", WorkDate: "2026-08-31",
		StartedAt: start, LastActivityAt: start,
	})
	if err != nil {
		t.Fatalf("seed remote: %v", err)
	}
	local := env.seedSession(t, models.PresenceSession{
		RemoteID: remoteID,
		AgentID:  "agent-1", LocationID: "loc-1", WorkDate: "2026-08-31",
		StartedAt: start, LastActivityAt: start,
		Proximity: string(geo.ProximityAtLocation), ActionKind: models.ActionOrder,
	})

	if err := env.agent.HealOpenSessions("agent-1", "2026-08-31", 0); err != nil {
		t.Fatalf("HealOpenSessions: %v", err)
	}

	var row models.PresenceSession
	if err := env.db.First(&row, local.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if row.EndedAt == nil || !row.EndedAt.Equal(lastActivity) {
		t.Errorf("local end = %v, want %v", row.EndedAt, lastActivity)
	}
	if row.ElapsedSeconds != 2400 {
		t.Errorf("elapsed = %d, want 2400", row.ElapsedSeconds)
	}
	rs := env.store.sessions[remoteID]
	if rs.EndedAt == nil || !rs.EndedAt.Equal(lastActivity) {
		t.Errorf("remote end = %v, want %v", rs.EndedAt, lastActivity)
	}
}

func TestHeal_FallsBackToWatermark(t *testing.T) {
	env := newTestEnv(t, nil) // no activity source: process restarted
	start := time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC)
	watermark := start.Add(25 * time.Minute)

	local := env.seedSession(t, models.PresenceSession{
		AgentID: "agent-1", LocationID: "loc-1", WorkDate: "2026-08-31",
		StartedAt: start, LastActivityAt: watermark, ElapsedSeconds: 1500,
		Proximity: string(geo.ProximityUnavailable), ActionKind: models.ActionOrder,
	})

	if err := env.agent.HealOpenSessions("agent-1", "2026-08-31", 0); err != nil {
		t.Fatalf("HealOpenSessions: %v", err)
	}

	var row models.PresenceSession
	if err := env.db.First(&row, local.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if row.EndedAt == nil || !row.EndedAt.Equal(watermark) {
		t.Errorf("end = %v, want persisted watermark %v", row.EndedAt, watermark)
	}
}

func TestHeal_ClosesRemoteOnlyOpenSession(t *testing.T) {
	env := newTestEnv(t, nil)
	start := time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC)
	watermark := start.Add(10 * time.Minute)

	remoteID, err := env.store.CreateSession(&models.PresenceSession{
		AgentID: "agent-1", LocationID: "loc-9", WorkDate: "2026-08-31",
		StartedAt: start, LastActivityAt: watermark,
	})
	if err != nil {
		t.Fatalf("seed remote: %v", err)
	}

	if err := env.agent.HealOpenSessions("agent-1", "2026-08-31", 0); err != nil {
		t.Fatalf("HealOpenSessions: %v", err)
	}

	rs := env.store.sessions[remoteID]
	if rs.EndedAt == nil || !rs.EndedAt.Equal(watermark) {
		t.Errorf("remote end = %v, want %v", rs.EndedAt, watermark)
	}
}

func TestHeal_NoOpenSessions(t *testing.T) {
	env := newTestEnv(t, nil)
	if err := env.agent.HealOpenSessions("agent-1", "2026-08-31", 0); err != nil {
		t.Fatalf("HealOpenSessions on empty state: %v", err)
	}
	if gotLog := env.store.log(); len(gotLog) != 0 {
		t.Errorf("store touched with nothing to heal: %v", gotLog)
	}
}

// ---------------------------------------------------------------------------
// Run loop
// ---------------------------------------------------------------------------

func TestRun_SyncsOnReconnect(t *testing.T) {
	env := newTestEnv(t, nil)
	env.online = false

	local := env.seedSession(t, models.PresenceSession{
		AgentID: "agent-1", LocationID: "loc-1", WorkDate: "2026-08-31",
		StartedAt: env.now, LastActivityAt: env.now,
		Proximity: string(geo.ProximityUnavailable), ActionKind: models.ActionOrder,
	})
	if err := transport.NewQueuedTransport(env.q).CreateSession(local); err != nil {
		t.Fatalf("queue create: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- env.agent.Run(ctx, 10*time.Millisecond, "") }()

	// Stay offline for a few polls, then reconnect.
	time.Sleep(50 * time.Millisecond)
	if n, _ := env.q.Len(); n != 1 {
		t.Fatalf("queue drained while offline")
	}
	env.online = true

	deadline := time.Now().Add(2 * time.Second)
	for {
		n, err := env.q.Len()
		if err != nil {
			t.Fatalf("queue len: %v", err)
		}
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("queue not drained after reconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestRun_DrainsLeftoversAtStartWhenOnline(t *testing.T) {
	env := newTestEnv(t, nil)

	local := env.seedSession(t, models.PresenceSession{
		AgentID: "agent-1", LocationID: "loc-1", WorkDate: "2026-08-31",
		StartedAt: env.now, LastActivityAt: env.now,
		Proximity: string(geo.ProximityUnavailable), ActionKind: models.ActionOrder,
	})
	if err := transport.NewQueuedTransport(env.q).CreateSession(local); err != nil {
		t.Fatalf("queue create: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.agent.Run(ctx, 10*time.Millisecond, "") }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		n, err := env.q.Len()
		if err != nil {
			t.Fatalf("queue len: %v", err)
		}
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("startup drain did not happen")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}
