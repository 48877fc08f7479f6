package remote

import (
	"fmt"
	"strconv"

	"github.com/zulandar/fieldtrack/internal/models"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DSN builds a MySQL-compatible DSN for the backend session database.
func DSN(user, host string, port int, database string) string {
	return fmt.Sprintf("%s@tcp(%s:%d)/%s?parseTime=true", user, host, port, database)
}

// Connect opens a GORM connection to the backend over the MySQL wire
// protocol.
func Connect(user, host string, port int, database string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(DSN(user, host, port, database)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("remote: connect to %s:%d/%s: %w", host, port, database, err)
	}
	return db, nil
}

// GormStore implements Store against any GORM-backed database holding
// the backend's session table.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps an opened backend connection.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (g *GormStore) CreateSession(s *models.PresenceSession) (string, error) {
	row := *s
	row.ID = 0
	row.RemoteID = ""
	if err := g.db.Create(&row).Error; err != nil {
		return "", fmt.Errorf("remote: create session: %w", err)
	}
	return strconv.FormatUint(uint64(row.ID), 10), nil
}

func (g *GormStore) UpdateSession(remoteID string, fields map[string]interface{}) error {
	result := g.db.Model(&models.PresenceSession{}).
		Where("id = ?", remoteID).
		Updates(fields)
	if result.Error != nil {
		return fmt.Errorf("remote: update session %s: %w", remoteID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("remote: update session %s: not found", remoteID)
	}
	return nil
}

func (g *GormStore) QuerySessions(agentID, workDate string) ([]models.PresenceSession, error) {
	var sessions []models.PresenceSession
	err := g.db.
		Where("agent_id = ? AND work_date = ?", agentID, workDate).
		Order("started_at asc").
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("remote: query sessions %s/%s: %w", agentID, workDate, err)
	}
	return sessions, nil
}

func (g *GormStore) UpdateLocation(locationID string, lat, lon float64) error {
	result := g.db.Model(&models.Location{}).
		Where("id = ?", locationID).
		Updates(map[string]interface{}{
			"latitude":      lat,
			"longitude":     lon,
			"auto_captured": true,
		})
	if result.Error != nil {
		return fmt.Errorf("remote: update location %s: %w", locationID, result.Error)
	}
	return nil
}
