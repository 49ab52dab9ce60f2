// Package executor runs backup tasks dispatched by the hub (and tasks
// synthesized locally by the offline scheduler) against the shared
// archive-build and target-store pipeline: the same one the hub itself
// uses for a hub-owned job, just driven from the agent's filesystem and
// reported back as protocol frames instead of direct repository writes.
//
// The executor runs one task at a time (sequential execution) so a
// single archive build and upload never competes with another for disk
// and network I/O on the same host.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"filippo.io/age"
	"go.uber.org/zap"

	"bastionhq.dev/bastion/shared/archive"
	"bastionhq.dev/bastion/shared/archive/sqlitesrc"
	"bastionhq.dev/bastion/shared/archive/vaultwarden"
	"bastionhq.dev/bastion/shared/protocol"
	"bastionhq.dev/bastion/shared/target"
	"bastionhq.dev/bastion/shared/types"
)

// defaultPartSizeBytes mirrors the hub worker loop's fallback when a job
// spec leaves part_size_bytes unset.
const defaultPartSizeBytes = 256 << 20 // 256 MiB

// queueSize is the maximum number of tasks buffered while one is
// executing. A dispatch beyond this limit is rejected; the hub retries
// once it notices the task never produced a result.
const queueSize = 16

// FrameSink is the subset of the hub connection the executor needs to
// report back over: streamed run events during execution, and the
// terminal task result. Implemented by the connection manager.
type FrameSink interface {
	SendRunEvent(ev protocol.RunEvent) error
	SendTaskResult(tr protocol.TaskResult) error
}

// Executor receives tasks, queues them, and runs them one at a time
// against the archive/target pipeline.
type Executor struct {
	stagingRoot string
	resultsDir  string
	queue       chan protocol.Task
	logger      *zap.Logger
}

// New creates an Executor. stagingRoot holds per-run build directories
// (removed after each run); resultsDir holds persisted task_result
// bodies keyed by task id, for idempotent replay after a reconnect.
func New(stagingRoot, resultsDir string, logger *zap.Logger) *Executor {
	return &Executor{
		stagingRoot: stagingRoot,
		resultsDir:  resultsDir,
		queue:       make(chan protocol.Task, queueSize),
		logger:      logger.Named("executor"),
	}
}

// Run starts the worker loop. It blocks until ctx is cancelled,
// processing one task at a time from the queue.
func (e *Executor) Run(ctx context.Context, sink FrameSink) {
	e.logger.Info("executor started")
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("executor stopped")
			return
		case task := <-e.queue:
			e.runTask(ctx, task, sink)
		}
	}
}

// Enqueue adds a task to the queue. The caller (the connection manager)
// is responsible for sending the task's ack before calling Enqueue, per
// spec §4.7's ordering guarantee that ack always precedes a task's first
// run_event.
func (e *Executor) Enqueue(task protocol.Task) error {
	select {
	case e.queue <- task:
		e.logger.Info("task enqueued", zap.String("task_id", task.TaskID), zap.String("run_id", task.RunID))
		return nil
	default:
		return fmt.Errorf("executor: task queue full, rejecting task %s", task.TaskID)
	}
}

// RunSynchronously executes task immediately against sink, bypassing the
// queue and the task-id result cache (both exist for hub-dispatch replay
// after a reconnect; a locally-scheduled offline run has no reconnect to
// replay across). Used by the offline scheduler, which serializes its
// own dispatches on a minute tick and never calls this concurrently with
// itself.
func (e *Executor) RunSynchronously(ctx context.Context, task protocol.Task, sink FrameSink) protocol.TaskResult {
	result := e.execute(ctx, task, sink)
	if err := sink.SendTaskResult(result); err != nil {
		e.logger.Warn("sending task result", zap.String("task_id", task.TaskID), zap.Error(err))
	}
	return result
}

// runTask replays a cached result for (task_id, run_id) if one exists,
// otherwise executes the task and persists its result before sending it.
func (e *Executor) runTask(ctx context.Context, task protocol.Task, sink FrameSink) {
	if cached, ok := e.loadCachedResult(task.TaskID); ok {
		e.logger.Info("replaying cached task result", zap.String("task_id", task.TaskID))
		if err := sink.SendTaskResult(cached); err != nil {
			e.logger.Warn("sending cached task result", zap.String("task_id", task.TaskID), zap.Error(err))
		}
		return
	}

	result := e.execute(ctx, task, sink)

	if err := e.persistResult(task.TaskID, result); err != nil {
		e.logger.Error("persisting task result", zap.String("task_id", task.TaskID), zap.Error(err))
	}
	if err := sink.SendTaskResult(result); err != nil {
		e.logger.Warn("sending task result", zap.String("task_id", task.TaskID), zap.Error(err))
	}
}

// execute runs the full archive+store pipeline for one task, emitting
// run_event frames throughout and returning the terminal task_result.
// Mirrors the hub's own executeHubLocal; the difference is entirely in
// how progress and completion are reported.
func (e *Executor) execute(ctx context.Context, task protocol.Task, sink FrameSink) protocol.TaskResult {
	e.emitEvent(sink, task.RunID, types.EventLevelInfo, "started", "agent-local execution started", nil)

	spec := task.Spec

	runDir := filepath.Join(e.stagingRoot, task.JobID, task.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return e.fail(sink, task, fmt.Sprintf("creating staging dir: %v", err))
	}
	defer os.RemoveAll(runDir)

	fsSrc, err := resolveSource(spec.Source, runDir)
	if err != nil {
		return e.fail(sink, task, err.Error())
	}

	partSize := spec.Pipeline.PartSizeBytes
	if partSize <= 0 {
		partSize = defaultPartSizeBytes
	}

	resolver, err := identityResolver(spec.Pipeline.Encryption)
	if err != nil {
		return e.fail(sink, task, err.Error())
	}

	builder := &archive.Builder{
		StagingDir:    filepath.Join(runDir, "build"),
		PartSizeBytes: partSize,
		Resolver:      resolver,
		Progress: func(p types.RunProgress) {
			e.emitProgress(sink, task.RunID, p)
		},
	}

	artifacts, err := builder.Build(task.JobID, task.RunID, *fsSrc, spec.Pipeline.Encryption)
	if err != nil {
		return e.fail(sink, task, fmt.Sprintf("building archive: %v", err))
	}
	for _, issue := range artifacts.Issues {
		e.emitEvent(sink, task.RunID, types.EventLevelWarn, "walk_issue", issue, nil)
	}

	driver, base, err := targetDriver(spec.Target)
	if err != nil {
		return e.fail(sink, task, err.Error())
	}

	files := target.ManifestFiles(artifacts.StagingDir, artifacts.Manifest)
	if _, err := driver.StoreRun(ctx, base, task.JobID, task.RunID, files, func(done int64, total *int64) {
		e.emitProgress(sink, task.RunID, types.RunProgress{Stage: types.StageUpload, DoneBytes: done, TotalBytes: total})
	}); err != nil {
		return e.fail(sink, task, fmt.Sprintf("storing run: %v", err))
	}

	summary, err := json.Marshal(artifacts.Manifest)
	if err != nil {
		summary = []byte("{}")
	}

	e.emitEvent(sink, task.RunID, types.EventLevelInfo, "completed", "", nil)
	return protocol.TaskResult{
		TaskID:  task.TaskID,
		RunID:   task.RunID,
		Status:  protocol.TaskResultSuccess,
		Summary: summary,
	}
}

// resolveSource turns a JobSpec's tagged source into the plain
// filesystem tree the archive builder walks, snapshotting a live SQLite
// database or Vaultwarden data directory into runDir first when needed.
// Mirrors the hub worker loop's own resolveSource.
func resolveSource(src types.Source, runDir string) (*types.FilesystemSource, error) {
	switch src.Kind {
	case types.JobSourceFilesystem:
		if src.Filesystem == nil {
			return nil, fmt.Errorf("executor: filesystem source missing config")
		}
		return src.Filesystem, nil
	case types.JobSourceSqlite:
		if src.Sqlite == nil {
			return nil, fmt.Errorf("executor: sqlite source missing config")
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
			return nil, fmt.Errorf("executor: vaultwarden source missing config")
		}
		result, err := vaultwarden.Prepare(*src.Vaultwarden, runDir)
		if err != nil {
			return nil, fmt.Errorf("preparing vaultwarden source: %w", err)
		}
		return &result.Source, nil
	default:
		return nil, fmt.Errorf("executor: unknown source kind %q", src.Kind)
	}
}

// identityResolver builds the archive.RecipientResolver for enc. Unlike
// the hub, the agent never queries a secret store directly: the hub
// inlines the raw age identity into Pipeline.Encryption.ResolvedIdentity
// before dispatch (spec §4.7, "spec resolved with embedded
// credentials"), and the offline scheduler refuses encrypted jobs it has
// no cached identity for rather than attempt a lookup of its own.
func identityResolver(enc types.Encryption) (archive.RecipientResolver, error) {
	if enc.Kind != types.EncryptionAgeX25519 {
		return nil, nil
	}
	if enc.ResolvedIdentity == "" {
		return nil, fmt.Errorf("executor: task requires age encryption but no identity was embedded in its spec")
	}
	id, err := age.ParseX25519Identity(enc.ResolvedIdentity)
	if err != nil {
		return nil, fmt.Errorf("executor: parsing embedded age identity: %w", err)
	}
	recipient := id.Recipient()
	return func(string) (age.Recipient, error) { return recipient, nil }, nil
}

// targetDriver resolves a driver and base path for t, reading any
// WebDAV credential directly off t's resolved fields — again, inlined by
// the hub at dispatch time rather than looked up locally.
func targetDriver(t types.Target) (target.Driver, string, error) {
	switch t.Kind {
	case types.TargetLocalDir:
		if t.LocalDir == nil {
			return nil, "", fmt.Errorf("executor: local_dir target missing config")
		}
		return target.NewLocalDir(), t.LocalDir.BasePath, nil
	case types.TargetWebDAV:
		if t.WebDAV == nil {
			return nil, "", fmt.Errorf("executor: webdav target missing config")
		}
		return target.NewWebDAV(t.WebDAV.BaseURL, t.WebDAV.ResolvedUsername, t.WebDAV.ResolvedPassword), t.WebDAV.BaseURL, nil
	default:
		return nil, "", fmt.Errorf("executor: unknown target kind %q", t.Kind)
	}
}

// emitEvent sends a run_event frame, logging but not failing the task on
// a send error: the hub re-derives terminal state from the task_result
// regardless of which events made it through.
func (e *Executor) emitEvent(sink FrameSink, runID string, level types.RunEventLevel, kind, message string, fields map[string]interface{}) {
	ev := protocol.RunEvent{RunID: runID, Level: level, Kind: kind, Message: message, Fields: fields}
	if err := sink.SendRunEvent(ev); err != nil {
		e.logger.Warn("sending run event", zap.String("run_id", runID), zap.String("kind", kind), zap.Error(err))
	}
}

// emitProgress reports p as a "progress" run_event, throttled to once a
// second by the caller (archive.Builder and target.Driver already do
// this for their respective stages).
func (e *Executor) emitProgress(sink FrameSink, runID string, p types.RunProgress) {
	fields := map[string]interface{}{
		"stage":      string(p.Stage),
		"done_files": p.DoneFiles,
		"done_dirs":  p.DoneDirs,
		"done_bytes": p.DoneBytes,
	}
	if p.TotalBytes != nil {
		fields["total_bytes"] = *p.TotalBytes
	}
	e.emitEvent(sink, runID, types.EventLevelInfo, "progress", "", fields)
}

// fail emits a failed run_event and returns the corresponding
// task_result; it does not send the result itself, leaving that to the
// caller so every path through execute returns through the same
// persist-then-send sequence.
func (e *Executor) fail(sink FrameSink, task protocol.Task, msg string) protocol.TaskResult {
	e.emitEvent(sink, task.RunID, types.EventLevelError, "failed", msg, nil)
	return protocol.TaskResult{TaskID: task.TaskID, RunID: task.RunID, Status: protocol.TaskResultFailed, Error: msg}
}

// loadCachedResult reads a previously persisted task_result for taskID,
// if one exists.
func (e *Executor) loadCachedResult(taskID string) (protocol.TaskResult, bool) {
	raw, err := os.ReadFile(e.resultPath(taskID))
	if err != nil {
		return protocol.TaskResult{}, false
	}
	var tr protocol.TaskResult
	if err := json.Unmarshal(raw, &tr); err != nil {
		return protocol.TaskResult{}, false
	}
	return tr, true
}

// persistResult atomically writes result to disk so it survives a crash
// or a WebSocket send failure: on reconnect, runTask replays it instead
// of re-running the task.
func (e *Executor) persistResult(taskID string, result protocol.TaskResult) error {
	if err := os.MkdirAll(e.resultsDir, 0o755); err != nil {
		return fmt.Errorf("executor: creating results dir: %w", err)
	}
	buf, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("executor: encoding task result: %w", err)
	}
	dest := e.resultPath(taskID)
	tmp := dest + fmt.Sprintf(".tmp-%d", time.Now().UnixNano())
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return fmt.Errorf("executor: writing task result: %w", err)
	}
	return os.Rename(tmp, dest)
}

func (e *Executor) resultPath(taskID string) string {
	return filepath.Join(e.resultsDir, taskID+".json")
}
