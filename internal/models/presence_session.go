package models

import "time"

// Action kinds that can open a presence session.
const (
	ActionOrder                = "order"
	ActionFeedback             = "feedback"
	ActionAssistedIntelligence = "assisted-intelligence"
	ActionPhoneOrder           = "phone-order"
)

// PresenceSession is one continuous period during which an agent is
// considered to be working a specific location. A session is open while
// EndedAt is nil; the tracker guarantees at most one open session per
// agent and work date.
type PresenceSession struct {
	ID       uint   `gorm:"primaryKey;autoIncrement"`
	RemoteID string `gorm:"size:64;index"` // empty until synchronized

	AgentID    string  `gorm:"size:64;not null;index:idx_agent_date"`
	LocationID string  `gorm:"size:64;not null;index"`
	VisitID    *string `gorm:"size:64"`

	// WorkDate is the logical calendar day (YYYY-MM-DD) the session is
	// attributed to for reporting.
	WorkDate string `gorm:"size:10;not null;index:idx_agent_date"`

	StartedAt time.Time `gorm:"not null"`
	// LastActivityAt is the activity watermark: equal to StartedAt at
	// creation and advanced by every recorded activity.
	LastActivityAt time.Time  `gorm:"not null"`
	EndedAt        *time.Time `gorm:"index"`
	ElapsedSeconds int64

	// Coordinates captured from the device at session start; nil when
	// acquisition failed.
	StartLatitude  *float64
	StartLongitude *float64
	DistanceMeters *float64
	Proximity      string `gorm:"size:16;not null"`

	ActionKind string `gorm:"size:24;not null"`
	PhoneOrder bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Open reports whether the session has not been closed yet.
func (s *PresenceSession) Open() bool {
	return s.EndedAt == nil
}
