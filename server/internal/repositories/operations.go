package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"bastionhq.dev/bastion/server/internal/db"
)

// gormOperationRepository is the GORM implementation of
// OperationRepository.
type gormOperationRepository struct {
	db *gorm.DB
}

// NewOperationRepository returns an OperationRepository backed by the
// provided *gorm.DB.
func NewOperationRepository(db *gorm.DB) OperationRepository {
	return &gormOperationRepository{db: db}
}

func (r *gormOperationRepository) Create(ctx context.Context, op *db.Operation) error {
	if op.Status == "" {
		op.Status = "running"
	}
	if op.StartedAt.IsZero() {
		op.StartedAt = time.Now().UTC()
	}
	if err := r.db.WithContext(ctx).Create(op).Error; err != nil {
		return fmt.Errorf("operations: create: %w", err)
	}
	return nil
}

func (r *gormOperationRepository) Complete(ctx context.Context, id uuid.UUID, status, summaryJSON, errMsg string) error {
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&db.Operation{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       status,
			"ended_at":     now,
			"summary_json": summaryJSON,
			"error":        errMsg,
		})
	if result.Error != nil {
		return fmt.Errorf("operations: complete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormOperationRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Operation, error) {
	var op db.Operation
	err := r.db.WithContext(ctx).First(&op, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("operations: get by id: %w", err)
	}
	return &op, nil
}

func (r *gormOperationRepository) List(ctx context.Context, opts ListOptions) ([]db.Operation, error) {
	var ops []db.Operation
	if err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(opts.Limit).
		Offset(opts.Offset).
		Find(&ops).Error; err != nil {
		return nil, fmt.Errorf("operations: list: %w", err)
	}
	return ops, nil
}
