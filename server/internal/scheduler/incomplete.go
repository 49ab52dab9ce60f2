package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"bastionhq.dev/bastion/server/internal/db"
	"bastionhq.dev/bastion/shared/types"
)

// runCleanupScanTick finds runs that ended in a terminal non-success
// state more than cleanupHorizon ago, scans their target for a staged
// but uncommitted run directory, and upserts a cleanup task for each one
// found. A target is only scanned once per tick no matter how many
// stale runs share it.
func (s *Scheduler) runCleanupScanTick(ctx context.Context) {
	horizon := time.Now().UTC().Add(-cleanupHorizon)
	runs, err := s.runs.ListTerminalRunsOlderThan(ctx, horizon)
	if err != nil {
		s.logger.Error("incomplete-cleanup loop: listing terminal runs", zap.Error(err))
		return
	}
	if len(runs) == 0 {
		return
	}

	type scanKey struct {
		nodeID string
		base   string
	}
	incompleteByTarget := make(map[scanKey]map[string]struct{})

	for _, run := range runs {
		job, err := s.jobs.GetByID(ctx, run.JobID)
		if err != nil {
			s.logger.Warn("incomplete-cleanup loop: loading job", zap.String("run_id", run.ID.String()), zap.Error(err))
			continue
		}
		var spec types.JobSpec
		if jsonErr := json.Unmarshal([]byte(job.SpecJSON), &spec); jsonErr != nil {
			s.logger.Warn("incomplete-cleanup loop: decoding job spec", zap.String("job_id", job.ID.String()), zap.Error(jsonErr))
			continue
		}

		nodeID := nodeIDFor(job.AgentID)
		driver, base, err := s.resolveTargetDriver(ctx, spec.Target, nodeID)
		if err != nil {
			s.logger.Warn("incomplete-cleanup loop: resolving target", zap.String("job_id", job.ID.String()), zap.Error(err))
			continue
		}

		key := scanKey{nodeID: nodeID, base: base}
		incomplete, seen := incompleteByTarget[key]
		if !seen {
			refs, err := driver.ScanIncomplete(ctx, base)
			if err != nil {
				s.logger.Warn("incomplete-cleanup loop: scanning target", zap.String("base", base), zap.Error(err))
				incompleteByTarget[key] = map[string]struct{}{}
				continue
			}
			incomplete = make(map[string]struct{}, len(refs))
			for _, ref := range refs {
				incomplete[ref.JobID+"/"+ref.RunID] = struct{}{}
			}
			incompleteByTarget[key] = incomplete
		}

		if _, stillIncomplete := incomplete[job.ID.String()+"/"+run.ID.String()]; stillIncomplete {
			s.upsertCleanupTask(ctx, job, run)
		}
	}
}

func (s *Scheduler) upsertCleanupTask(ctx context.Context, job *db.Job, run db.Run) {
	redacted, err := s.redactRunTarget(run)
	if err != nil {
		s.logger.Error("incomplete-cleanup loop: redacting run target", zap.String("run_id", run.ID.String()), zap.Error(err))
		return
	}

	now := time.Now().UTC()
	task := &db.CleanupTask{}
	task.RunID = run.ID
	task.JobID = job.ID
	task.NodeID = nodeIDFor(job.AgentID)
	task.TargetType = string(redacted.Type)
	task.TargetSnapshotJSON = run.TargetSnapshotJSON
	task.Status = string(types.CleanupQueued)
	task.CreatedAt = now
	task.UpdatedAt = now
	task.NextAttemptAt = now

	if err := s.cleanupTasks.Upsert(ctx, task); err != nil {
		s.logger.Error("incomplete-cleanup loop: upserting cleanup task", zap.String("run_id", run.ID.String()), zap.Error(err))
	}
}
