package models

import "time"

// Mutation operation kinds.
const (
	OpCreate = "create"
	OpUpdate = "update"
)

// Mutation target entities.
const (
	EntitySession  = "session"
	EntityLocation = "location"
)

// PendingMutation is one not-yet-synchronized write queued while the
// remote store was unreachable. Rows are append-only: created when a
// remote write fails, removed once the synchronization agent confirms
// the write succeeded, never updated in place. The auto-increment ID
// doubles as the FIFO ordering key.
type PendingMutation struct {
	ID     uint   `gorm:"primaryKey;autoIncrement"`
	Op     string `gorm:"size:16;not null"`
	Entity string `gorm:"size:32;not null"`
	// TargetID is the local row ID the mutation applies to (session
	// mutations only; zero for location mutations).
	TargetID   uint
	Payload    string    `gorm:"type:text;not null"` // JSON-encoded
	EnqueuedAt time.Time `gorm:"not null;index"`
}
