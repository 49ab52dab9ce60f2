package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"bastionhq.dev/bastion/server/internal/db"
)

// gormNotificationQueueRepository is the GORM implementation of
// NotificationQueueRepository.
type gormNotificationQueueRepository struct {
	db *gorm.DB
}

// NewNotificationQueueRepository returns a NotificationQueueRepository
// backed by the provided *gorm.DB.
func NewNotificationQueueRepository(db *gorm.DB) NotificationQueueRepository {
	return &gormNotificationQueueRepository{db: db}
}

// Enqueue inserts a notification row for an external dispatcher to drain.
// Delivery mechanics (recipients, email/webhook formatting) are out of
// scope here.
func (r *gormNotificationQueueRepository) Enqueue(ctx context.Context, runID uuid.UUID, kind, payloadJSON string) error {
	row := &db.NotificationQueue{
		RunID:       runID,
		Kind:        kind,
		PayloadJSON: payloadJSON,
	}
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("notification queue: enqueue: %w", err)
	}
	return nil
}

func (r *gormNotificationQueueRepository) ListUndelivered(ctx context.Context, opts ListOptions) ([]db.NotificationQueue, error) {
	var rows []db.NotificationQueue
	if err := r.db.WithContext(ctx).
		Where("delivered = ?", false).
		Order("created_at ASC").
		Limit(opts.Limit).
		Offset(opts.Offset).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("notification queue: list undelivered: %w", err)
	}
	return rows, nil
}

func (r *gormNotificationQueueRepository) MarkDelivered(ctx context.Context, id uuid.UUID) error {
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&db.NotificationQueue{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"delivered":    true,
			"delivered_at": now,
		})
	if result.Error != nil {
		return fmt.Errorf("notification queue: mark delivered: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
