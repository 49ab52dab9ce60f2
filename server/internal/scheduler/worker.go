package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"bastionhq.dev/bastion/server/internal/db"
	"bastionhq.dev/bastion/server/internal/repositories"
	"bastionhq.dev/bastion/shared/archive"
	"bastionhq.dev/bastion/shared/archive/sqlitesrc"
	"bastionhq.dev/bastion/shared/archive/vaultwarden"
	"bastionhq.dev/bastion/shared/protocol"
	"bastionhq.dev/bastion/shared/target"
	"bastionhq.dev/bastion/shared/types"
)

const defaultPartSizeBytes = 256 << 20 // 256 MiB

// runWorkerLoop claims queued runs one at a time and dispatches each to
// either the in-process hub pipeline or a connected agent. runQueued
// wakes it immediately; workerPollInterval is the fallback in case a
// wakeup is coalesced away by the channel's buffer-of-one.
func (s *Scheduler) runWorkerLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(workerPollInterval)
	defer ticker.Stop()

	drain := func() {
		for {
			run, err := s.runs.ClaimNextQueuedRun(ctx)
			if err != nil {
				if !errors.Is(err, repositories.ErrNotFound) {
					s.logger.Error("worker loop: claiming run", zap.Error(err))
				}
				return
			}
			s.dispatchRun(ctx, run)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-s.runQueued:
			drain()
		case <-ticker.C:
			drain()
		}
	}
}

// dispatchRun loads the owning job, decides hub-local vs. agent
// execution, and either runs the pipeline in-process (spawned so the
// worker loop can move on to the next queued run) or dispatches a task
// frame to the agent's connection.
func (s *Scheduler) dispatchRun(ctx context.Context, run *db.Run) {
	job, err := s.jobs.GetByID(ctx, run.JobID)
	if err != nil {
		s.failRun(ctx, run, types.ErrKindConfig, fmt.Sprintf("loading job: %v", err))
		return
	}

	var spec types.JobSpec
	if err := json.Unmarshal([]byte(job.SpecJSON), &spec); err != nil {
		s.failRun(ctx, run, types.ErrKindConfig, fmt.Sprintf("decoding job spec: %v", err))
		return
	}

	if job.AgentID == nil {
		go s.executeHubLocal(ctx, run, job, spec)
		return
	}

	agentID := job.AgentID.String()
	if !s.agentMgr.IsConnected(agentID) {
		s.failRun(ctx, run, types.ErrKindProtocol, "agent offline")
		return
	}

	resolvedSpec, err := s.resolveTaskSpec(ctx, agentID, spec)
	if err != nil {
		s.failRun(ctx, run, types.ErrKindConfig, err.Error())
		return
	}

	task := protocol.Task{
		TaskID:    uuid.New().String(),
		RunID:     run.ID.String(),
		JobID:     job.ID.String(),
		StartedAt: run.StartedAt,
		Spec:      resolvedSpec,
	}
	if err := s.agentMgr.Dispatch(agentID, task); err != nil {
		s.failRun(ctx, run, types.ErrKindProtocol, fmt.Sprintf("dispatching to agent: %v", err))
		return
	}
	s.emitEvent(ctx, run.ID, types.EventLevelInfo, "dispatched", fmt.Sprintf("dispatched to agent %s", agentID), nil)
}

// executeHubLocal runs the full archive+store pipeline for a hub-owned
// job in-process: resolve the source, build the archive in a per-run
// staging directory, store it on the target, record artifact parts, and
// complete the run.
func (s *Scheduler) executeHubLocal(ctx context.Context, run *db.Run, job *db.Job, spec types.JobSpec) {
	s.emitEvent(ctx, run.ID, types.EventLevelInfo, "started", "hub-local execution started", nil)

	runDir := filepath.Join(s.stagingRoot, job.ID.String(), run.ID.String())
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		s.failRun(ctx, run, types.ErrKindSourceIO, fmt.Sprintf("creating staging dir: %v", err))
		return
	}
	defer os.RemoveAll(runDir)

	fsSrc, err := s.resolveSource(spec.Source, runDir)
	if err != nil {
		s.failRun(ctx, run, types.ErrKindSourceIO, err.Error())
		return
	}

	partSize := spec.Pipeline.PartSizeBytes
	if partSize <= 0 {
		partSize = defaultPartSizeBytes
	}

	builder := &archive.Builder{
		StagingDir:    filepath.Join(runDir, "build"),
		PartSizeBytes: partSize,
		Resolver:      s.ageRecipientResolver(ctx, HubNodeID),
		Progress: func(p types.RunProgress) {
			s.reportProgress(ctx, run.ID, p)
		},
	}

	artifacts, err := builder.Build(job.ID.String(), run.ID.String(), *fsSrc, spec.Pipeline.Encryption)
	if err != nil {
		s.failRun(ctx, run, types.ErrKindSinkIO, fmt.Sprintf("building archive: %v", err))
		return
	}
	for _, issue := range artifacts.Issues {
		s.emitEvent(ctx, run.ID, types.EventLevelWarn, "walk_issue", issue, nil)
	}

	driver, base, err := s.resolveTargetDriver(ctx, spec.Target, HubNodeID)
	if err != nil {
		s.failRun(ctx, run, types.ErrKindConfig, err.Error())
		return
	}

	files := target.ManifestFiles(artifacts.StagingDir, artifacts.Manifest)
	if _, err := driver.StoreRun(ctx, base, job.ID.String(), run.ID.String(), files, func(done int64, total *int64) {
		s.reportProgress(ctx, run.ID, types.RunProgress{Stage: types.StageUpload, DoneBytes: done, TotalBytes: total})
	}); err != nil {
		s.failRun(ctx, run, types.ErrKindSinkIO, fmt.Sprintf("storing run: %v", err))
		return
	}

	parts := make([]db.ArtifactPart, 0, len(artifacts.Manifest.Artifacts))
	for _, p := range artifacts.Manifest.Artifacts {
		parts = append(parts, db.ArtifactPart{RunID: run.ID, Name: p.Name, Size: p.Size, HashAlg: p.HashAlg, HashHex: p.HashHex})
	}
	if err := s.runs.ReplaceArtifactParts(ctx, run.ID, parts); err != nil {
		s.logger.Error("worker loop: recording artifact parts", zap.String("run_id", run.ID.String()), zap.Error(err))
	}

	summary, err := json.Marshal(artifacts.Manifest)
	if err != nil {
		summary = []byte("{}")
	}
	s.completeRun(ctx, run, job, types.RunStatusSuccess, string(summary), "")
}

// resolveSource turns a JobSpec's tagged source into the plain
// filesystem tree the archive builder walks, snapshotting a live SQLite
// database or Vaultwarden data directory into runDir first when needed.
func (s *Scheduler) resolveSource(src types.Source, runDir string) (*types.FilesystemSource, error) {
	switch src.Kind {
	case types.JobSourceFilesystem:
		if src.Filesystem == nil {
			return nil, fmt.Errorf("worker: filesystem source missing config")
		}
		return src.Filesystem, nil
	case types.JobSourceSqlite:
		if src.Sqlite == nil {
			return nil, fmt.Errorf("worker: sqlite source missing config")
		}
		result, err := sqlitesrc.Snapshot(*src.Sqlite, runDir)
		if err != nil {
			return nil, fmt.Errorf("snapshotting sqlite source: %w", err)
		}
		if src.Sqlite.RunIntegrityCheck && !result.IntegrityOK {
			return nil, fmt.Errorf("sqlite integrity check failed: %v", result.IntegrityLines)
		}
		return &result.Source, nil
	case types.JobSourceVaultwarden:
		if src.Vaultwarden == nil {
			return nil, fmt.Errorf("worker: vaultwarden source missing config")
		}
		result, err := vaultwarden.Prepare(*src.Vaultwarden, runDir)
		if err != nil {
			return nil, fmt.Errorf("preparing vaultwarden source: %w", err)
		}
		return &result.Source, nil
	default:
		return nil, fmt.Errorf("worker: unknown source kind %q", src.Kind)
	}
}

// reportProgress overwrites the run's progress snapshot. Errors are
// logged, not fatal: progress reporting never aborts a run.
func (s *Scheduler) reportProgress(ctx context.Context, runID uuid.UUID, p types.RunProgress) {
	buf, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := s.runs.SetRunProgress(ctx, runID, string(buf)); err != nil {
		s.logger.Warn("worker loop: reporting progress", zap.String("run_id", runID.String()), zap.Error(err))
	}
}

// emitEvent appends a run event and fans it out over the bus, logging
// but not failing the run on either error.
func (s *Scheduler) emitEvent(ctx context.Context, runID uuid.UUID, level types.RunEventLevel, kind, message string, fields map[string]interface{}) {
	var fieldsJSON string
	if len(fields) > 0 {
		if buf, err := json.Marshal(fields); err == nil {
			fieldsJSON = string(buf)
		}
	}
	event, err := s.runs.AppendRunEvent(ctx, runID, string(level), kind, message, fieldsJSON)
	if err != nil {
		s.logger.Warn("worker loop: appending run event", zap.String("run_id", runID.String()), zap.Error(err))
		return
	}
	s.bus.Publish(runID, *event)
}

// completeRun finalizes run's status, emits the closing event, and
// enqueues a completion notification.
func (s *Scheduler) completeRun(ctx context.Context, run *db.Run, job *db.Job, status types.RunStatus, summaryJSON, errMsg string) {
	if err := s.runs.CompleteRun(ctx, run.ID, string(status), summaryJSON, errMsg); err != nil {
		s.logger.Error("worker loop: completing run", zap.String("run_id", run.ID.String()), zap.Error(err))
		return
	}

	kind := "completed"
	level := types.EventLevelInfo
	if status != types.RunStatusSuccess {
		kind = "failed"
		level = types.EventLevelError
	}
	s.emitEvent(ctx, run.ID, level, kind, errMsg, nil)

	if s.notifications != nil {
		if err := s.notifications.NotifyRunCompleted(ctx, run.ID, job.ID, job.Name, status, errMsg); err != nil {
			s.logger.Warn("worker loop: enqueueing notification", zap.String("run_id", run.ID.String()), zap.Error(err))
		}
	}
}

// failRun marks run as failed with errMsg, tagging the event fields with
// kind for operator triage.
func (s *Scheduler) failRun(ctx context.Context, run *db.Run, kind types.ErrorKind, errMsg string) {
	job, err := s.jobs.GetByID(ctx, run.JobID)
	if err != nil {
		s.logger.Error("worker loop: loading job for failed run", zap.String("run_id", run.ID.String()), zap.Error(err))
		s.logger.Error("run failed", zap.String("run_id", run.ID.String()), zap.String("error_kind", string(kind)), zap.String("error", errMsg))
		_ = s.runs.CompleteRun(ctx, run.ID, string(types.RunStatusFailed), "", errMsg)
		return
	}
	s.completeRun(ctx, run, job, types.RunStatusFailed, "", errMsg)
}
