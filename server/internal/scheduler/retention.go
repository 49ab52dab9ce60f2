package scheduler

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"go.uber.org/zap"

	"bastionhq.dev/bastion/server/internal/db"
	"bastionhq.dev/bastion/server/internal/repositories"
	"bastionhq.dev/bastion/shared/types"
)

// runRetentionTick evaluates every job's retention policy against its
// successful runs and upserts an artifact-delete task for each run that
// falls out of the keep set, bounded by MaxDeletePerTick.
func (s *Scheduler) runRetentionTick(ctx context.Context) {
	jobs, err := s.jobs.List(ctx, repositories.ListOptions{Limit: -1})
	if err != nil {
		s.logger.Error("retention loop: listing jobs", zap.Error(err))
		return
	}

	now := time.Now().UTC()
	for i := range jobs {
		job := &jobs[i]

		var spec types.JobSpec
		if err := json.Unmarshal([]byte(job.SpecJSON), &spec); err != nil {
			s.logger.Warn("retention loop: decoding job spec", zap.String("job_id", job.ID.String()), zap.Error(err))
			continue
		}
		if !spec.Retention.Enabled {
			continue
		}

		runs, err := s.runs.ListSuccessfulRunsByJob(ctx, job.ID)
		if err != nil {
			s.logger.Error("retention loop: listing successful runs", zap.String("job_id", job.ID.String()), zap.Error(err))
			continue
		}

		_, del := selectRetention(spec.Retention, now, runs)

		maxPerTick := spec.Retention.MaxDeletePerTick
		if maxPerTick > 0 && len(del) > maxPerTick {
			s.logger.Info("retention loop: capping deletions for this tick",
				zap.String("job_id", job.ID.String()),
				zap.Int("eligible", len(del)),
				zap.Int("max_per_tick", maxPerTick),
			)
			del = del[:maxPerTick]
		}

		for _, run := range del {
			s.upsertArtifactDeleteTask(ctx, job, run)
		}
	}
}

// selectRetention partitions runs (newest first, as returned by
// ListSuccessfulRunsByJob) into keep and delete sets. The keep set is the
// union of pinned runs, the newest KeepLast runs, and runs whose
// EndedAt falls within KeepDays of now.
func selectRetention(policy types.RetentionPolicy, now time.Time, runs []db.Run) (keep, del []db.Run) {
	sorted := make([]db.Run, len(runs))
	copy(sorted, runs)
	sort.Slice(sorted, func(i, j int) bool {
		ei, ej := endedAtOrZero(sorted[i]), endedAtOrZero(sorted[j])
		if !ei.Equal(ej) {
			return ei.After(ej)
		}
		return sorted[i].ID.String() > sorted[j].ID.String()
	})

	cutoff := now.Add(-time.Duration(policy.KeepDays) * 24 * time.Hour)

	for i, run := range sorted {
		keepThis := run.Pinned
		if policy.KeepLast > 0 && i < policy.KeepLast {
			keepThis = true
		}
		if policy.KeepDays > 0 && endedAtOrZero(run).After(cutoff) {
			keepThis = true
		}
		if keepThis {
			keep = append(keep, run)
		} else {
			del = append(del, run)
		}
	}
	return keep, del
}

func endedAtOrZero(r db.Run) time.Time {
	if r.EndedAt == nil {
		return time.Time{}
	}
	return *r.EndedAt
}

func (s *Scheduler) upsertArtifactDeleteTask(ctx context.Context, job *db.Job, run db.Run) {
	redacted, err := s.redactRunTarget(run)
	if err != nil {
		s.logger.Error("retention loop: redacting run target", zap.String("run_id", run.ID.String()), zap.Error(err))
		return
	}

	now := time.Now().UTC()
	task := &db.ArtifactDeleteTask{}
	task.RunID = run.ID
	task.JobID = job.ID
	task.NodeID = nodeIDFor(job.AgentID)
	task.TargetType = string(redacted.Type)
	task.TargetSnapshotJSON = run.TargetSnapshotJSON
	task.Status = string(types.CleanupQueued)
	task.CreatedAt = now
	task.UpdatedAt = now
	task.NextAttemptAt = now

	if err := s.deleteTasks.Upsert(ctx, task); err != nil {
		s.logger.Error("retention loop: upserting artifact-delete task", zap.String("run_id", run.ID.String()), zap.Error(err))
	}
}

// redactRunTarget decodes run's stored target snapshot back into its
// type discriminant, falling back to whatever was last recorded if it
// cannot be parsed (the snapshot was already redacted at enqueue time).
func (s *Scheduler) redactRunTarget(run db.Run) (types.RedactedTarget, error) {
	var redacted types.RedactedTarget
	if run.TargetSnapshotJSON == "" {
		return redacted, nil
	}
	err := json.Unmarshal([]byte(run.TargetSnapshotJSON), &redacted)
	return redacted, err
}
