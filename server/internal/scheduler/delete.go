package scheduler

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"bastionhq.dev/bastion/server/internal/repositories"
	"bastionhq.dev/bastion/shared/target"
)

const (
	deleteBaseBackoff = 30 * time.Second
	deleteMaxBackoff  = time.Hour
	deleteMaxAttempts = 12
)

// taskRepo is the shape CleanupTaskRepository and ArtifactDeleteTaskRepository
// both satisfy, letting runDeleteTick drive either task queue with one
// implementation.
type taskRepo interface {
	ClaimNext(ctx context.Context, now time.Time) (*repositories.TaskClaim, error)
	MarkDone(ctx context.Context, runID uuid.UUID) error
	MarkRetrying(ctx context.Context, runID uuid.UUID, errKind, errMsg string, nextAttemptAt time.Time) error
	MarkBlocked(ctx context.Context, runID uuid.UUID, errKind, errMsg string) error
	MarkAbandoned(ctx context.Context, runID uuid.UUID, errKind, errMsg string) error
}

// runDeleteTick claims and processes every due task on repo until none
// remain, used for both the cleanup-task and artifact-delete-task
// queues (kind only labels log lines).
func (s *Scheduler) runDeleteTick(ctx context.Context, repo taskRepo, kind string) {
	now := time.Now().UTC()
	for {
		claim, err := repo.ClaimNext(ctx, now)
		if err != nil {
			if !errors.Is(err, repositories.ErrNotFound) {
				s.logger.Error("delete loop: claiming task", zap.String("kind", kind), zap.Error(err))
			}
			return
		}
		s.processDeleteClaim(ctx, repo, kind, claim)
	}
}

// processDeleteClaim resolves a driver for the claimed task's target and
// deletes the run directory, retrying with backoff on a transient error
// and blocking on a permanent one.
func (s *Scheduler) processDeleteClaim(ctx context.Context, repo taskRepo, kind string, claim *repositories.TaskClaim) {
	driver, base, err := s.targetDriverForTask(ctx, claim.JobID, claim.NodeID, claim.TargetSnapshotJSON)
	if err != nil {
		s.logger.Error("delete loop: resolving target driver",
			zap.String("kind", kind), zap.String("run_id", claim.RunID.String()), zap.Error(err))
		s.blockOrAbandon(ctx, repo, claim, "config", err.Error())
		return
	}

	if err := driver.DeleteRun(ctx, base, claim.JobID.String(), claim.RunID.String()); err != nil {
		s.logger.Warn("delete loop: deleting run",
			zap.String("kind", kind), zap.String("run_id", claim.RunID.String()), zap.Error(err))
		if target.IsRetryable(err) {
			s.retryOrAbandon(ctx, repo, claim, "sink_io", err.Error())
		} else {
			s.blockOrAbandon(ctx, repo, claim, "sink_io", err.Error())
		}
		return
	}

	if err := repo.MarkDone(ctx, claim.RunID); err != nil {
		s.logger.Error("delete loop: marking task done",
			zap.String("kind", kind), zap.String("run_id", claim.RunID.String()), zap.Error(err))
	}
}

// retryOrAbandon schedules another attempt with exponential backoff, or
// abandons the task once it has exhausted deleteMaxAttempts.
func (s *Scheduler) retryOrAbandon(ctx context.Context, repo taskRepo, claim *repositories.TaskClaim, errKind, errMsg string) {
	if claim.Attempts >= deleteMaxAttempts {
		_ = repo.MarkAbandoned(ctx, claim.RunID, errKind, errMsg)
		return
	}
	next := time.Now().UTC().Add(backoffForAttempt(claim.Attempts))
	_ = repo.MarkRetrying(ctx, claim.RunID, errKind, errMsg, next)
}

// blockOrAbandon marks a task blocked: the failure is permanent (bad
// credentials, target gone) and retrying would not help, but an operator
// may still resolve it manually (e.g. by re-adding the job's credential
// secret) and unblock it through the admin surface.
func (s *Scheduler) blockOrAbandon(ctx context.Context, repo taskRepo, claim *repositories.TaskClaim, errKind, errMsg string) {
	_ = repo.MarkBlocked(ctx, claim.RunID, errKind, errMsg)
}

// backoffForAttempt doubles deleteBaseBackoff per attempt, capped at
// deleteMaxBackoff.
func backoffForAttempt(attempt int) time.Duration {
	factor := math.Pow(2, float64(attempt))
	d := time.Duration(float64(deleteBaseBackoff) * factor)
	if d > deleteMaxBackoff || d <= 0 {
		return deleteMaxBackoff
	}
	return d
}
