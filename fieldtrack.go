// Package fieldtrack is the field presence and offline session
// synchronization engine: it detects when a field agent is physically
// present at a customer location, maintains exactly one active presence
// session per agent, accumulates dwell time, degrades to local-only
// operation when connectivity is lost, and reconciles queued writes
// with the backend once connectivity returns.
//
// The engine is an embedded library; the surrounding application
// supplies the coordinate provider and connectivity signal and calls
// the Tracker's operations from its UI layer.
package fieldtrack

import (
	"context"
	"fmt"

	"github.com/zulandar/fieldtrack/internal/config"
	"github.com/zulandar/fieldtrack/internal/db"
	"github.com/zulandar/fieldtrack/internal/location"
	"github.com/zulandar/fieldtrack/internal/queue"
	"github.com/zulandar/fieldtrack/internal/remote"
	"github.com/zulandar/fieldtrack/internal/syncagent"
	"github.com/zulandar/fieldtrack/internal/tracker"
	"github.com/zulandar/fieldtrack/internal/transport"
	"gorm.io/gorm"
)

// Re-exported collaborator types so embedding applications only import
// this package.
type (
	Provider     = location.Provider
	ProviderFunc = location.ProviderFunc
	Fix          = location.Fix
	Connectivity = remote.Connectivity
	Store        = remote.Store
)

// ConnectivityFunc adapts a function to the Connectivity interface.
type ConnectivityFunc = remote.ConnectivityFunc

// Engine bundles the tracker and synchronization agent over a shared
// local store.
type Engine struct {
	cfg     *config.Config
	db      *gorm.DB
	Tracker *tracker.Tracker
	Sync    *syncagent.Agent
}

// Options configures engine construction beyond the config file.
type Options struct {
	// Store overrides the backend connection; when nil the engine
	// connects to the MySQL-compatible backend named in the config.
	Store Store

	Provider     Provider
	Connectivity Connectivity
}

// Open loads configuration from path and wires the engine.
func Open(path string, opts Options) (*Engine, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return New(cfg, opts)
}

// New wires the engine from an in-memory configuration.
func New(cfg *config.Config, opts Options) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("fieldtrack: config is required")
	}
	if opts.Connectivity == nil {
		return nil, fmt.Errorf("fieldtrack: connectivity signal is required")
	}

	local, err := db.Open(cfg.StorePath)
	if err != nil {
		return nil, err
	}

	store := opts.Store
	if store == nil {
		backend, err := remote.Connect(cfg.Remote.User, cfg.Remote.Host, cfg.Remote.Port, cfg.Remote.Database)
		if err != nil {
			return nil, err
		}
		store = remote.NewGormStore(backend)
	}

	q := queue.New(local)
	writer := transport.NewWriter(store, q, opts.Connectivity)

	tr, err := tracker.New(tracker.Opts{
		DB:             local,
		Writer:         writer,
		Provider:       opts.Provider,
		Connectivity:   opts.Connectivity,
		AcquireTimeout: cfg.AcquireTimeout(),
	})
	if err != nil {
		return nil, err
	}

	agent, err := syncagent.New(syncagent.Opts{
		DB:           local,
		Queue:        q,
		Store:        store,
		Connectivity: opts.Connectivity,
		Writer:       writer,
		Activity:     tr,
	})
	if err != nil {
		return nil, err
	}
	tr.SetHealer(agent)

	return &Engine{cfg: cfg, db: local, Tracker: tr, Sync: agent}, nil
}

// Run drives the synchronization agent until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	return e.Sync.Run(ctx, e.cfg.PollInterval(), e.cfg.Sync.SafetyCron)
}

// Close releases the local store.
func (e *Engine) Close() error {
	sqlDB, err := e.db.DB()
	if err != nil {
		return fmt.Errorf("fieldtrack: close: %w", err)
	}
	return sqlDB.Close()
}
