package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"bastionhq.dev/bastion/server/internal/db"
)

// -----------------------------------------------------------------------------
// Common
// -----------------------------------------------------------------------------

// ListOptions contains common pagination and filtering options for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// -----------------------------------------------------------------------------
// AgentRepository
// -----------------------------------------------------------------------------

type AgentRepository interface {
	Create(ctx context.Context, agent *db.Agent) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Agent, error)
	GetByKeyHash(ctx context.Context, keyHash string) (*db.Agent, error)
	Update(ctx context.Context, agent *db.Agent) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status string, lastSeenAt *time.Time) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.Agent, error)
}

// -----------------------------------------------------------------------------
// JobRepository
// -----------------------------------------------------------------------------

type JobRepository interface {
	Create(ctx context.Context, job *db.Job) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Job, error)
	Update(ctx context.Context, job *db.Job) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.Job, error)

	// ListScheduled returns every job with a non-empty cron expression,
	// for the cron loop to evaluate on each minute tick.
	ListScheduled(ctx context.Context) ([]db.Job, error)
	ListByAgent(ctx context.Context, agentID uuid.UUID) ([]db.Job, error)
}

// -----------------------------------------------------------------------------
// RunRepository
// -----------------------------------------------------------------------------

// EnqueueResult reports the outcome of EnqueueRun: either a freshly queued
// run, or one inserted directly as rejected by the overlap policy.
type EnqueueResult struct {
	Run      *db.Run
	Rejected bool
}

// RunRepository owns run, run-event, progress, and artifact-part rows, and
// is the single serialization point for worker dispatch.
type RunRepository interface {
	// EnqueueRun inspects any run in {queued, running} for job.ID. With
	// job.OverlapPolicy == "reject" and a match, it inserts a new run as
	// "rejected" with ended_at=now and error="overlap_rejected" instead
	// of queuing. Either way it appends a run event ("queued" or
	// "rejected") recording source in its fields. Runs inside a single
	// transaction.
	EnqueueRun(ctx context.Context, job *db.Job, source string, targetSnapshotJSON string) (EnqueueResult, error)

	// CreateRun inserts a run directly with the given status, used by
	// offline-run ingestion which already knows the final outcome.
	CreateRun(ctx context.Context, run *db.Run) error

	// IngestOfflineRun upserts run by its own id (an offline run already
	// has a client-assigned id) and inserts only the events whose seq is
	// not already present, so a retried ingest call is a no-op on
	// anything it already delivered.
	IngestOfflineRun(ctx context.Context, run *db.Run, events []db.RunEvent) error

	// ClaimNextQueuedRun selects the oldest queued run, transitions it to
	// running with started_at=now, and returns it. Returns ErrNotFound
	// if no run is queued.
	ClaimNextQueuedRun(ctx context.Context) (*db.Run, error)

	// CompleteRun sets ended_at=now and updates status atomically.
	CompleteRun(ctx context.Context, runID uuid.UUID, status string, summaryJSON, errMsg string) error

	// SetRunProgress overwrites the progress snapshot (last-writer-wins).
	SetRunProgress(ctx context.Context, runID uuid.UUID, progressJSON string) error

	// AppendRunEvent computes seq = coalesce(max(seq),0)+1 inside a
	// transaction and inserts. Returns ErrConflict on a (run_id, seq)
	// race; callers retry a bounded number of times.
	AppendRunEvent(ctx context.Context, runID uuid.UUID, level, kind, message, fieldsJSON string) (*db.RunEvent, error)

	// ListRunEventsAfterSeq returns events with seq > afterSeq in
	// ascending order, capped at limit.
	ListRunEventsAfterSeq(ctx context.Context, runID uuid.UUID, afterSeq int64, limit int) ([]db.RunEvent, error)

	GetRun(ctx context.Context, runID uuid.UUID) (*db.Run, error)
	ListRunsByJob(ctx context.Context, jobID uuid.UUID, opts ListOptions) ([]db.Run, error)
	ListRunsByStatus(ctx context.Context, status string, opts ListOptions) ([]db.Run, error)

	// ListTerminalRunsOlderThan returns non-success terminal runs whose
	// ended_at predates horizon, for the incomplete-cleanup loop.
	ListTerminalRunsOlderThan(ctx context.Context, horizon time.Time) ([]db.Run, error)

	// ListSuccessfulRunsByJob returns every successful run for a job,
	// newest first, for the retention loop's keep-set computation.
	ListSuccessfulRunsByJob(ctx context.Context, jobID uuid.UUID) ([]db.Run, error)

	// SetPinned marks or unmarks a run as pinned, excluding or
	// re-including it from retention's keep-set computation.
	SetPinned(ctx context.Context, runID uuid.UUID, pinned bool) error

	ReplaceArtifactParts(ctx context.Context, runID uuid.UUID, parts []db.ArtifactPart) error
	ListArtifactParts(ctx context.Context, runID uuid.UUID) ([]db.ArtifactPart, error)
}

// -----------------------------------------------------------------------------
// Cleanup and artifact-delete tasks
// -----------------------------------------------------------------------------

// TaskClaim is the view returned by a task repository's ClaimNext.
type TaskClaim struct {
	RunID              uuid.UUID
	JobID              uuid.UUID
	NodeID             string
	TargetType         string
	TargetSnapshotJSON string
	Attempts           int
}

// CleanupTaskRepository owns cleanup_tasks rows: runs detected as
// incomplete (a staging manifest with no completion marker) after a crash.
type CleanupTaskRepository interface {
	// Upsert inserts a queued task for task.RunID if one does not already
	// exist; a pre-existing row of any status is left untouched.
	Upsert(ctx context.Context, task *db.CleanupTask) error

	// ClaimNext atomically selects a task with status in {queued,
	// retrying} and next_attempt_at <= now, transitions it to running,
	// and returns it. Returns ErrNotFound if none is due.
	ClaimNext(ctx context.Context, now time.Time) (*TaskClaim, error)

	MarkDone(ctx context.Context, runID uuid.UUID) error
	MarkRetrying(ctx context.Context, runID uuid.UUID, errKind, errMsg string, nextAttemptAt time.Time) error
	MarkBlocked(ctx context.Context, runID uuid.UUID, errKind, errMsg string) error
	MarkAbandoned(ctx context.Context, runID uuid.UUID, errKind, errMsg string) error
	Ignore(ctx context.Context, runID uuid.UUID, by, reason string) error
	List(ctx context.Context, opts ListOptions) ([]db.CleanupTask, error)
}

// ArtifactDeleteTaskRepository has the same shape and lifecycle as
// CleanupTaskRepository; its rows are generated by retention rather than
// crash detection.
type ArtifactDeleteTaskRepository interface {
	Upsert(ctx context.Context, task *db.ArtifactDeleteTask) error
	ClaimNext(ctx context.Context, now time.Time) (*TaskClaim, error)
	MarkDone(ctx context.Context, runID uuid.UUID) error
	MarkRetrying(ctx context.Context, runID uuid.UUID, errKind, errMsg string, nextAttemptAt time.Time) error
	MarkBlocked(ctx context.Context, runID uuid.UUID, errKind, errMsg string) error
	MarkAbandoned(ctx context.Context, runID uuid.UUID, errKind, errMsg string) error
	Ignore(ctx context.Context, runID uuid.UUID, by, reason string) error
	List(ctx context.Context, opts ListOptions) ([]db.ArtifactDeleteTask, error)
}

// -----------------------------------------------------------------------------
// SecretRepository
// -----------------------------------------------------------------------------

// SecretRepository owns secret rows, encrypting on write and decrypting on
// read via the envelope cipher keyed by (node_id, kind, name).
type SecretRepository interface {
	Put(ctx context.Context, nodeID, kind, name string, plaintext []byte) error
	Get(ctx context.Context, nodeID, kind, name string) ([]byte, error)
	Delete(ctx context.Context, nodeID, kind, name string) error
	ListByNode(ctx context.Context, nodeID string) ([]db.Secret, error)
}

// -----------------------------------------------------------------------------
// OperationRepository
// -----------------------------------------------------------------------------

type OperationRepository interface {
	Create(ctx context.Context, op *db.Operation) error
	Complete(ctx context.Context, id uuid.UUID, status, summaryJSON, errMsg string) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Operation, error)
	List(ctx context.Context, opts ListOptions) ([]db.Operation, error)
}

// -----------------------------------------------------------------------------
// NotificationQueueRepository
// -----------------------------------------------------------------------------

// NotificationQueueRepository owns the single in-scope notification
// operation: enqueueing a row on run completion for an external
// dispatcher to drain. Delivery mechanics are out of scope.
type NotificationQueueRepository interface {
	Enqueue(ctx context.Context, runID uuid.UUID, kind, payloadJSON string) error
	ListUndelivered(ctx context.Context, opts ListOptions) ([]db.NotificationQueue, error)
	MarkDelivered(ctx context.Context, id uuid.UUID) error
}
