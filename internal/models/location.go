package models

import "time"

// Location is the local read-through copy of a customer location's
// geofence coordinates. Latitude/Longitude are nil until either the
// backend supplies them or the engine auto-captures them from the
// device's fix on first visit.
type Location struct {
	ID        string `gorm:"primaryKey;size:64"`
	Name      string `gorm:"size:128"`
	Latitude  *float64
	Longitude *float64
	// AutoCaptured marks coordinates bootstrapped from a device fix
	// rather than supplied by the backend.
	AutoCaptured bool
	UpdatedAt    time.Time
}

// HasCoordinates reports whether the location's geofence is known.
func (l *Location) HasCoordinates() bool {
	return l.Latitude != nil && l.Longitude != nil
}
