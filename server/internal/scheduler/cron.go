package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"bastionhq.dev/bastion/server/internal/db"
	"bastionhq.dev/bastion/shared/cronspec"
	"bastionhq.dev/bastion/shared/types"
)

// cachedSchedule remembers the last-parsed cronspec.Schedule for a job so
// the cron loop does not reparse the expression every minute. Invalidated
// when the job's expression or timezone changes.
type cachedSchedule struct {
	expr string
	tz   string
	sched *cronspec.Schedule
}

// runCronLoop ticks at each minute boundary, evaluating every scheduled
// job's cron expression against that minute. jobsChanged wakes the loop
// early only to pick up schedule edits at the *next* tick — the minute
// already slept toward is never re-evaluated.
func (s *Scheduler) runCronLoop(ctx context.Context) {
	defer s.wg.Done()

	next := truncateToMinute(time.Now().UTC()).Add(time.Minute)
	timer := time.NewTimer(time.Until(next))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-s.jobsChanged:
			continue
		case <-timer.C:
			s.evaluateCronMinute(ctx, next)
			next = next.Add(time.Minute)
			timer.Reset(time.Until(next))
		}
	}
}

func truncateToMinute(t time.Time) time.Time {
	return t.Truncate(time.Minute)
}

// evaluateCronMinute enqueues a run for every scheduled job whose
// expression fires at minute, skipping jobs owned by an offline agent.
func (s *Scheduler) evaluateCronMinute(ctx context.Context, minute time.Time) {
	jobs, err := s.jobs.ListScheduled(ctx)
	if err != nil {
		s.logger.Error("cron loop: listing scheduled jobs", zap.Error(err))
		return
	}

	for i := range jobs {
		job := &jobs[i]
		if job.AgentID != nil && !s.agentMgr.IsConnected(job.AgentID.String()) {
			continue
		}

		sched, err := s.getSchedule(job)
		if err != nil {
			s.logger.Warn("cron loop: invalid schedule",
				zap.String("job_id", job.ID.String()),
				zap.String("cron_expr", job.CronExpr),
				zap.Error(err),
			)
			continue
		}

		if !sched.FiresAt(minute) {
			continue
		}

		if err := s.enqueue(ctx, job, string(types.RunTriggerSchedule)); err != nil {
			s.logger.Error("cron loop: enqueueing run",
				zap.String("job_id", job.ID.String()),
				zap.Error(err),
			)
		}
	}
}

// getSchedule returns job's parsed schedule, reusing the cached copy
// unless the expression or timezone has changed since it was cached.
func (s *Scheduler) getSchedule(job *db.Job) (*cronspec.Schedule, error) {
	s.scheduleMu.Lock()
	defer s.scheduleMu.Unlock()

	if cached, ok := s.scheduleCache[job.ID]; ok && cached.expr == job.CronExpr && cached.tz == job.Timezone {
		return cached.sched, nil
	}

	loc, err := time.LoadLocation(job.Timezone)
	if err != nil {
		return nil, err
	}
	sched, err := cronspec.Parse(job.CronExpr, loc)
	if err != nil {
		return nil, err
	}

	s.scheduleCache[job.ID] = cachedSchedule{expr: job.CronExpr, tz: job.Timezone, sched: sched}
	return sched, nil
}

// enqueue computes the job's redacted target snapshot and calls
// EnqueueRun, waking the worker loop on success.
func (s *Scheduler) enqueue(ctx context.Context, job *db.Job, source string) error {
	var spec types.JobSpec
	if err := json.Unmarshal([]byte(job.SpecJSON), &spec); err != nil {
		return err
	}

	snapshot, err := s.redactedTargetJSON(spec.Target)
	if err != nil {
		return err
	}

	result, err := s.runs.EnqueueRun(ctx, job, source, snapshot)
	if err != nil {
		return err
	}

	if !result.Rejected {
		s.notifyRunQueued()
	} else {
		s.logger.Warn("run rejected by overlap policy",
			zap.String("job_id", job.ID.String()),
			zap.String("run_id", result.Run.ID.String()),
		)
	}
	return nil
}

func (s *Scheduler) redactedTargetJSON(t types.Target) (string, error) {
	driver, base, err := newTargetDriver(t, nil)
	if err != nil {
		return "", err
	}
	redacted := driver.Redact(base)
	buf, err := json.Marshal(redacted)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}
