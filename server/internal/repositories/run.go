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

// gormRunRepository is the GORM implementation of RunRepository. It owns
// run, run-event, progress, and artifact-part rows and is the single
// serialization point for worker dispatch.
type gormRunRepository struct {
	db *gorm.DB
}

// NewRunRepository returns a RunRepository backed by the provided *gorm.DB.
func NewRunRepository(db *gorm.DB) RunRepository {
	return &gormRunRepository{db: db}
}

// activeStatuses are the non-terminal run states an overlap check matches
// against.
var activeStatuses = []string{"queued", "running"}

// EnqueueRun inspects any run in {queued, running} for job.ID inside a
// transaction. With job.OverlapPolicy == "reject" and a match, it inserts a
// new run as "rejected" instead of queuing. Either way it appends a run
// event recording source.
func (r *gormRunRepository) EnqueueRun(ctx context.Context, job *db.Job, source string, targetSnapshotJSON string) (EnqueueResult, error) {
	var result EnqueueResult

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var activeCount int64
		if err := tx.Model(&db.Run{}).
			Where("job_id = ? AND status IN ?", job.ID, activeStatuses).
			Count(&activeCount).Error; err != nil {
			return fmt.Errorf("count active runs: %w", err)
		}

		now := time.Now().UTC()
		run := &db.Run{
			JobID:              job.ID,
			StartedAt:          now,
			TargetSnapshotJSON: targetSnapshotJSON,
		}

		if job.OverlapPolicy == "reject" && activeCount > 0 {
			run.Status = "rejected"
			run.EndedAt = &now
			run.Error = "overlap_rejected"
			result.Rejected = true
		} else {
			run.Status = "queued"
		}

		if err := tx.Create(run).Error; err != nil {
			return fmt.Errorf("create run: %w", err)
		}

		eventKind := "queued"
		if result.Rejected {
			eventKind = "rejected"
		}
		if err := appendRunEventTx(tx, run.ID, "info", eventKind, "run "+eventKind, fmt.Sprintf(`{"source":%q}`, source)); err != nil {
			return err
		}

		result.Run = run
		return nil
	})
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("runs: enqueue: %w", err)
	}
	return result, nil
}

func (r *gormRunRepository) CreateRun(ctx context.Context, run *db.Run) error {
	if err := r.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("runs: create: %w", err)
	}
	return nil
}

// IngestOfflineRun upserts run by id and inserts only events whose
// (run_id, seq) is not already present, inside one transaction. Safe to
// call repeatedly with the same run and a growing or identical event
// list, matching the agent's retry-until-acked ingest behavior.
func (r *gormRunRepository) IngestOfflineRun(ctx context.Context, run *db.Run, events []db.RunEvent) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing db.Run
		err := tx.First(&existing, "id = ?", run.ID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if err := tx.Create(run).Error; err != nil {
				return fmt.Errorf("create run: %w", err)
			}
		case err != nil:
			return fmt.Errorf("select existing run: %w", err)
		default:
			if err := tx.Model(&db.Run{}).Where("id = ?", run.ID).Updates(map[string]interface{}{
				"status":               run.Status,
				"ended_at":             run.EndedAt,
				"summary_json":         run.SummaryJSON,
				"error":                run.Error,
				"target_snapshot_json": run.TargetSnapshotJSON,
			}).Error; err != nil {
				return fmt.Errorf("update existing run: %w", err)
			}
		}

		var existingSeqs []int64
		if err := tx.Model(&db.RunEvent{}).
			Where("run_id = ?", run.ID).
			Pluck("seq", &existingSeqs).Error; err != nil {
			return fmt.Errorf("select existing event seqs: %w", err)
		}
		seen := make(map[int64]struct{}, len(existingSeqs))
		for _, seq := range existingSeqs {
			seen[seq] = struct{}{}
		}

		var toInsert []db.RunEvent
		for _, ev := range events {
			if _, ok := seen[ev.Seq]; ok {
				continue
			}
			ev.RunID = run.ID
			toInsert = append(toInsert, ev)
			seen[ev.Seq] = struct{}{}
		}
		if len(toInsert) > 0 {
			if err := tx.Create(&toInsert).Error; err != nil {
				return fmt.Errorf("insert events: %w", err)
			}
		}
		return nil
	})
}

// ClaimNextQueuedRun selects the oldest queued run, transitions it to
// running with started_at=now, and returns it. This is the single
// serialization point for worker dispatch (spec §4.3): the update happens
// inside the same transaction as the select so two concurrent worker loops
// cannot claim the same run.
func (r *gormRunRepository) ClaimNextQueuedRun(ctx context.Context) (*db.Run, error) {
	var claimed db.Run

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var run db.Run
		err := tx.Where("status = ?", "queued").
			Order("started_at ASC").
			First(&run).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("select oldest queued run: %w", err)
		}

		now := time.Now().UTC()
		result := tx.Model(&db.Run{}).
			Where("id = ? AND status = ?", run.ID, "queued").
			Updates(map[string]interface{}{
				"status":     "running",
				"started_at": now,
			})
		if result.Error != nil {
			return fmt.Errorf("claim run: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}

		run.Status = "running"
		run.StartedAt = now
		claimed = run
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("runs: claim next queued: %w", err)
	}
	return &claimed, nil
}

// CompleteRun sets ended_at=now and updates status atomically.
func (r *gormRunRepository) CompleteRun(ctx context.Context, runID uuid.UUID, status string, summaryJSON, errMsg string) error {
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&db.Run{}).
		Where("id = ?", runID).
		Updates(map[string]interface{}{
			"status":       status,
			"ended_at":     now,
			"summary_json": summaryJSON,
			"error":        errMsg,
		})
	if result.Error != nil {
		return fmt.Errorf("runs: complete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetRunProgress overwrites the progress snapshot (last-writer-wins).
func (r *gormRunRepository) SetRunProgress(ctx context.Context, runID uuid.UUID, progressJSON string) error {
	result := r.db.WithContext(ctx).
		Model(&db.Run{}).
		Where("id = ?", runID).
		Update("progress_json", progressJSON)
	if result.Error != nil {
		return fmt.Errorf("runs: set progress: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// maxRunEventSeqRetries bounds the number of times AppendRunEvent retries
// after a (run_id, seq) unique-constraint race before giving up.
const maxRunEventSeqRetries = 5

// AppendRunEvent computes seq = coalesce(max(seq),0)+1 inside a
// transaction and inserts, retrying a bounded number of times on a
// (run_id, seq) unique-constraint race.
func (r *gormRunRepository) AppendRunEvent(ctx context.Context, runID uuid.UUID, level, kind, message, fieldsJSON string) (*db.RunEvent, error) {
	var event *db.RunEvent
	var lastErr error

	for attempt := 0; attempt < maxRunEventSeqRetries; attempt++ {
		err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			ev, err := appendRunEventTxReturning(tx, runID, level, kind, message, fieldsJSON)
			if err != nil {
				return err
			}
			event = ev
			return nil
		})
		if err == nil {
			return event, nil
		}
		if errors.Is(err, ErrConflict) {
			lastErr = err
			continue
		}
		return nil, fmt.Errorf("runs: append event: %w", err)
	}
	return nil, fmt.Errorf("runs: append event: exhausted retries: %w", lastErr)
}

// appendRunEventTx is the fire-and-forget variant used internally by
// EnqueueRun, which already holds its own surrounding transaction and does
// not need the inserted row back.
func appendRunEventTx(tx *gorm.DB, runID uuid.UUID, level, kind, message, fieldsJSON string) error {
	_, err := appendRunEventTxReturning(tx, runID, level, kind, message, fieldsJSON)
	return err
}

func appendRunEventTxReturning(tx *gorm.DB, runID uuid.UUID, level, kind, message, fieldsJSON string) (*db.RunEvent, error) {
	var maxSeq int64
	if err := tx.Model(&db.RunEvent{}).
		Where("run_id = ?", runID).
		Select("COALESCE(MAX(seq), 0)").
		Scan(&maxSeq).Error; err != nil {
		return nil, fmt.Errorf("select max seq: %w", err)
	}

	event := &db.RunEvent{
		RunID:      runID,
		Seq:        maxSeq + 1,
		Ts:         time.Now().UTC(),
		Level:      level,
		Kind:       kind,
		Message:    message,
		FieldsJSON: fieldsJSON,
	}
	if err := tx.Create(event).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return event, nil
}

// ListRunEventsAfterSeq returns events with seq > afterSeq in ascending
// order, capped at limit.
func (r *gormRunRepository) ListRunEventsAfterSeq(ctx context.Context, runID uuid.UUID, afterSeq int64, limit int) ([]db.RunEvent, error) {
	var events []db.RunEvent
	if err := r.db.WithContext(ctx).
		Where("run_id = ? AND seq > ?", runID, afterSeq).
		Order("seq ASC").
		Limit(limit).
		Find(&events).Error; err != nil {
		return nil, fmt.Errorf("runs: list events after seq: %w", err)
	}
	return events, nil
}

func (r *gormRunRepository) GetRun(ctx context.Context, runID uuid.UUID) (*db.Run, error) {
	var run db.Run
	err := r.db.WithContext(ctx).First(&run, "id = ?", runID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("runs: get: %w", err)
	}
	return &run, nil
}

func (r *gormRunRepository) ListRunsByJob(ctx context.Context, jobID uuid.UUID, opts ListOptions) ([]db.Run, error) {
	var runs []db.Run
	if err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("started_at DESC").
		Limit(opts.Limit).
		Offset(opts.Offset).
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("runs: list by job: %w", err)
	}
	return runs, nil
}

func (r *gormRunRepository) ListRunsByStatus(ctx context.Context, status string, opts ListOptions) ([]db.Run, error) {
	var runs []db.Run
	if err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("started_at ASC").
		Limit(opts.Limit).
		Offset(opts.Offset).
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("runs: list by status: %w", err)
	}
	return runs, nil
}

// ListTerminalRunsOlderThan returns non-success terminal runs whose
// ended_at predates horizon, for the incomplete-cleanup loop.
func (r *gormRunRepository) ListTerminalRunsOlderThan(ctx context.Context, horizon time.Time) ([]db.Run, error) {
	var runs []db.Run
	if err := r.db.WithContext(ctx).
		Where("status IN ? AND ended_at IS NOT NULL AND ended_at < ?",
			[]string{"failed", "rejected", "canceled"}, horizon).
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("runs: list terminal older than: %w", err)
	}
	return runs, nil
}

// ListSuccessfulRunsByJob returns every successful run for a job, newest
// first, for the retention loop's keep-set computation.
func (r *gormRunRepository) ListSuccessfulRunsByJob(ctx context.Context, jobID uuid.UUID) ([]db.Run, error) {
	var runs []db.Run
	if err := r.db.WithContext(ctx).
		Where("job_id = ? AND status = ?", jobID, "success").
		Order("started_at DESC").
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("runs: list successful by job: %w", err)
	}
	return runs, nil
}

// SetPinned marks or unmarks a run as pinned.
func (r *gormRunRepository) SetPinned(ctx context.Context, runID uuid.UUID, pinned bool) error {
	result := r.db.WithContext(ctx).
		Model(&db.Run{}).
		Where("id = ?", runID).
		Update("pinned", pinned)
	if result.Error != nil {
		return fmt.Errorf("runs: set pinned: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ReplaceArtifactParts deletes any existing part rows for runID and inserts
// the given set, inside a transaction.
func (r *gormRunRepository) ReplaceArtifactParts(ctx context.Context, runID uuid.UUID, parts []db.ArtifactPart) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("run_id = ?", runID).Delete(&db.ArtifactPart{}).Error; err != nil {
			return fmt.Errorf("delete existing parts: %w", err)
		}
		if len(parts) == 0 {
			return nil
		}
		for i := range parts {
			parts[i].RunID = runID
		}
		if err := tx.Create(&parts).Error; err != nil {
			return fmt.Errorf("insert parts: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("runs: replace artifact parts: %w", err)
	}
	return nil
}

func (r *gormRunRepository) ListArtifactParts(ctx context.Context, runID uuid.UUID) ([]db.ArtifactPart, error) {
	var parts []db.ArtifactPart
	if err := r.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("id ASC").
		Find(&parts).Error; err != nil {
		return nil, fmt.Errorf("runs: list artifact parts: %w", err)
	}
	return parts, nil
}
