// Package queue is the local durable FIFO of pending remote writes.
// Mutations are enqueued when the remote store is unreachable and
// removed only after the synchronization agent confirms the remote
// write succeeded.
package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/zulandar/fieldtrack/internal/models"
	"gorm.io/gorm"
)

// Queue stores pending mutations in the embedded local store. The
// auto-increment primary key preserves enqueue order across restarts.
type Queue struct {
	db *gorm.DB
}

// New creates a Queue over an opened local store.
func New(gdb *gorm.DB) *Queue {
	return &Queue{db: gdb}
}

// Enqueue durably appends a mutation. The write is committed before
// Enqueue returns; a crash immediately afterwards loses nothing.
func (q *Queue) Enqueue(op, entity string, targetID uint, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("queue: marshal %s %s payload: %w", op, entity, err)
	}
	m := models.PendingMutation{
		Op:         op,
		Entity:     entity,
		TargetID:   targetID,
		Payload:    string(data),
		EnqueuedAt: time.Now(),
	}
	if err := q.db.Create(&m).Error; err != nil {
		return fmt.Errorf("queue: enqueue %s %s: %w", op, entity, err)
	}
	return nil
}

// Drain returns all pending mutations in enqueue order. The returned
// rows stay in the queue until Remove is called for each.
func (q *Queue) Drain() ([]models.PendingMutation, error) {
	var pending []models.PendingMutation
	if err := q.db.Order("id asc").Find(&pending).Error; err != nil {
		return nil, fmt.Errorf("queue: drain: %w", err)
	}
	return pending, nil
}

// Remove deletes a mutation once its remote write has been confirmed.
func (q *Queue) Remove(id uint) error {
	if err := q.db.Delete(&models.PendingMutation{}, id).Error; err != nil {
		return fmt.Errorf("queue: remove %d: %w", id, err)
	}
	return nil
}

// PendingFor reports whether any queued mutation targets the given
// local row. Callers use this to keep later writes for the same row
// behind the queue instead of applying them out of order.
func (q *Queue) PendingFor(targetID uint) (bool, error) {
	var n int64
	err := q.db.Model(&models.PendingMutation{}).
		Where("target_id = ?", targetID).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("queue: pending for %d: %w", targetID, err)
	}
	return n > 0, nil
}

// Len returns the number of mutations still waiting to be synchronized.
func (q *Queue) Len() (int64, error) {
	var n int64
	if err := q.db.Model(&models.PendingMutation{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("queue: count: %w", err)
	}
	return n, nil
}
