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

// -----------------------------------------------------------------------------
// CleanupTaskRepository
// -----------------------------------------------------------------------------

type gormCleanupTaskRepository struct {
	db *gorm.DB
}

// NewCleanupTaskRepository returns a CleanupTaskRepository backed by the
// provided *gorm.DB.
func NewCleanupTaskRepository(db *gorm.DB) CleanupTaskRepository {
	return &gormCleanupTaskRepository{db: db}
}

// Upsert inserts a queued task for task.RunID if one does not already
// exist; a pre-existing row of any status is left untouched, so repeated
// incomplete-cleanup scans do not reset retry state.
func (r *gormCleanupTaskRepository) Upsert(ctx context.Context, task *db.CleanupTask) error {
	var existing db.CleanupTask
	err := r.db.WithContext(ctx).First(&existing, "run_id = ?", task.RunID).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("cleanup tasks: upsert lookup: %w", err)
	}
	if task.Status == "" {
		task.Status = "queued"
	}
	if err := r.db.WithContext(ctx).Create(task).Error; err != nil {
		return fmt.Errorf("cleanup tasks: upsert create: %w", err)
	}
	return nil
}

func (r *gormCleanupTaskRepository) ClaimNext(ctx context.Context, now time.Time) (*TaskClaim, error) {
	return claimNextTask(ctx, r.db, &db.CleanupTask{}, now)
}

func (r *gormCleanupTaskRepository) MarkDone(ctx context.Context, runID uuid.UUID) error {
	return markTaskDone(ctx, r.db, &db.CleanupTask{}, runID)
}

func (r *gormCleanupTaskRepository) MarkRetrying(ctx context.Context, runID uuid.UUID, errKind, errMsg string, nextAttemptAt time.Time) error {
	return markTaskRetrying(ctx, r.db, &db.CleanupTask{}, runID, errKind, errMsg, nextAttemptAt)
}

func (r *gormCleanupTaskRepository) MarkBlocked(ctx context.Context, runID uuid.UUID, errKind, errMsg string) error {
	return markTaskStatus(ctx, r.db, &db.CleanupTask{}, runID, "blocked", errKind, errMsg)
}

func (r *gormCleanupTaskRepository) MarkAbandoned(ctx context.Context, runID uuid.UUID, errKind, errMsg string) error {
	return markTaskStatus(ctx, r.db, &db.CleanupTask{}, runID, "abandoned", errKind, errMsg)
}

func (r *gormCleanupTaskRepository) Ignore(ctx context.Context, runID uuid.UUID, by, reason string) error {
	return ignoreTask(ctx, r.db, &db.CleanupTask{}, runID, by, reason)
}

func (r *gormCleanupTaskRepository) List(ctx context.Context, opts ListOptions) ([]db.CleanupTask, error) {
	var tasks []db.CleanupTask
	if err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(opts.Limit).
		Offset(opts.Offset).
		Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("cleanup tasks: list: %w", err)
	}
	return tasks, nil
}

// -----------------------------------------------------------------------------
// ArtifactDeleteTaskRepository
// -----------------------------------------------------------------------------

type gormArtifactDeleteTaskRepository struct {
	db *gorm.DB
}

// NewArtifactDeleteTaskRepository returns an ArtifactDeleteTaskRepository
// backed by the provided *gorm.DB.
func NewArtifactDeleteTaskRepository(db *gorm.DB) ArtifactDeleteTaskRepository {
	return &gormArtifactDeleteTaskRepository{db: db}
}

func (r *gormArtifactDeleteTaskRepository) Upsert(ctx context.Context, task *db.ArtifactDeleteTask) error {
	var existing db.ArtifactDeleteTask
	err := r.db.WithContext(ctx).First(&existing, "run_id = ?", task.RunID).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("artifact delete tasks: upsert lookup: %w", err)
	}
	if task.Status == "" {
		task.Status = "queued"
	}
	if err := r.db.WithContext(ctx).Create(task).Error; err != nil {
		return fmt.Errorf("artifact delete tasks: upsert create: %w", err)
	}
	return nil
}

func (r *gormArtifactDeleteTaskRepository) ClaimNext(ctx context.Context, now time.Time) (*TaskClaim, error) {
	return claimNextTask(ctx, r.db, &db.ArtifactDeleteTask{}, now)
}

func (r *gormArtifactDeleteTaskRepository) MarkDone(ctx context.Context, runID uuid.UUID) error {
	return markTaskDone(ctx, r.db, &db.ArtifactDeleteTask{}, runID)
}

func (r *gormArtifactDeleteTaskRepository) MarkRetrying(ctx context.Context, runID uuid.UUID, errKind, errMsg string, nextAttemptAt time.Time) error {
	return markTaskRetrying(ctx, r.db, &db.ArtifactDeleteTask{}, runID, errKind, errMsg, nextAttemptAt)
}

func (r *gormArtifactDeleteTaskRepository) MarkBlocked(ctx context.Context, runID uuid.UUID, errKind, errMsg string) error {
	return markTaskStatus(ctx, r.db, &db.ArtifactDeleteTask{}, runID, "blocked", errKind, errMsg)
}

func (r *gormArtifactDeleteTaskRepository) MarkAbandoned(ctx context.Context, runID uuid.UUID, errKind, errMsg string) error {
	return markTaskStatus(ctx, r.db, &db.ArtifactDeleteTask{}, runID, "abandoned", errKind, errMsg)
}

func (r *gormArtifactDeleteTaskRepository) Ignore(ctx context.Context, runID uuid.UUID, by, reason string) error {
	return ignoreTask(ctx, r.db, &db.ArtifactDeleteTask{}, runID, by, reason)
}

func (r *gormArtifactDeleteTaskRepository) List(ctx context.Context, opts ListOptions) ([]db.ArtifactDeleteTask, error) {
	var tasks []db.ArtifactDeleteTask
	if err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(opts.Limit).
		Offset(opts.Offset).
		Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("artifact delete tasks: list: %w", err)
	}
	return tasks, nil
}

// -----------------------------------------------------------------------------
// Shared task-lifecycle helpers
//
// CleanupTask and ArtifactDeleteTask share an identical shape (db.taskFields)
// and lifecycle; these helpers are generic over the model via GORM's
// reflection-based Model() so the two repositories do not duplicate the
// claim/backoff/ignore logic.
// -----------------------------------------------------------------------------

func claimNextTask(ctx context.Context, gdb *gorm.DB, model interface{}, now time.Time) (*TaskClaim, error) {
	var claim *TaskClaim

	err := gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rows, err := tx.Model(model).
			Where("status IN ? AND next_attempt_at <= ?", []string{"queued", "retrying"}, now).
			Order("next_attempt_at ASC").
			Limit(1).
			Rows()
		if err != nil {
			return fmt.Errorf("select due task: %w", err)
		}
		type row struct {
			RunID              uuid.UUID
			JobID              uuid.UUID
			NodeID             string
			TargetType         string
			TargetSnapshotJSON string
			Attempts           int
		}
		var found *row
		if rows.Next() {
			var r row
			if err := tx.ScanRows(rows, &r); err != nil {
				rows.Close()
				return fmt.Errorf("scan due task: %w", err)
			}
			found = &r
		}
		rows.Close()
		if found == nil {
			return ErrNotFound
		}

		result := tx.Model(model).
			Where("run_id = ? AND status IN ?", found.RunID, []string{"queued", "retrying"}).
			Updates(map[string]interface{}{
				"status":          "running",
				"attempts":        found.Attempts + 1,
				"last_attempt_at": now,
			})
		if result.Error != nil {
			return fmt.Errorf("claim task: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}

		claim = &TaskClaim{
			RunID:              found.RunID,
			JobID:              found.JobID,
			NodeID:             found.NodeID,
			TargetType:         found.TargetType,
			TargetSnapshotJSON: found.TargetSnapshotJSON,
			Attempts:           found.Attempts + 1,
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("claim next task: %w", err)
	}
	return claim, nil
}

func markTaskDone(ctx context.Context, gdb *gorm.DB, model interface{}, runID uuid.UUID) error {
	return updateTask(ctx, gdb, model, runID, map[string]interface{}{"status": "done"})
}

func markTaskRetrying(ctx context.Context, gdb *gorm.DB, model interface{}, runID uuid.UUID, errKind, errMsg string, nextAttemptAt time.Time) error {
	return updateTask(ctx, gdb, model, runID, map[string]interface{}{
		"status":          "retrying",
		"last_error_kind": errKind,
		"last_error":      errMsg,
		"next_attempt_at": nextAttemptAt,
	})
}

func markTaskStatus(ctx context.Context, gdb *gorm.DB, model interface{}, runID uuid.UUID, status, errKind, errMsg string) error {
	return updateTask(ctx, gdb, model, runID, map[string]interface{}{
		"status":          status,
		"last_error_kind": errKind,
		"last_error":      errMsg,
	})
}

func ignoreTask(ctx context.Context, gdb *gorm.DB, model interface{}, runID uuid.UUID, by, reason string) error {
	now := time.Now().UTC()
	return updateTask(ctx, gdb, model, runID, map[string]interface{}{
		"status":        "ignored",
		"ignored_at":    now,
		"ignored_by":    by,
		"ignore_reason": reason,
	})
}

func updateTask(ctx context.Context, gdb *gorm.DB, model interface{}, runID uuid.UUID, fields map[string]interface{}) error {
	result := gdb.WithContext(ctx).Model(model).Where("run_id = ?", runID).Updates(fields)
	if result.Error != nil {
		return fmt.Errorf("update task: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
