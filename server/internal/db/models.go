package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base contains the common fields shared by all models. ID uses UUID v7
// (time-ordered) for efficient B-tree indexing and natural chronological
// ordering without a separate created_at sort. CreatedAt and UpdatedAt
// are managed automatically by GORM.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// -----------------------------------------------------------------------------
// Agents
// -----------------------------------------------------------------------------

// Agent is a registered backup agent's identity on the hub. Agents
// authenticate with a bearer token (the agent key) issued at enrollment;
// only its hash is stored (spec §4.7).
type Agent struct {
	base
	Name         string `gorm:"not null"`
	Hostname     string `gorm:"not null;default:''"`
	OS           string `gorm:"not null;default:''"`
	Arch         string `gorm:"not null;default:''"`
	Version      string `gorm:"not null;default:''"`
	Status       string `gorm:"not null;default:'offline'"` // online, offline
	LastSeenAt   *time.Time
	AgentKeyHash string `gorm:"not null;uniqueIndex"` // SHA-256 hex of the bearer token
}

// -----------------------------------------------------------------------------
// Jobs
// -----------------------------------------------------------------------------

// Job is a configured backup definition (spec §3). Spec is the serialized
// tagged-variant JobSpec (source + pipeline + target); it is opaque to
// GORM and deserialized by callers via shared/types.
type Job struct {
	base
	Name          string     `gorm:"not null"`
	AgentID       *uuid.UUID `gorm:"type:text;index"` // nil = hub-owned job
	CronExpr      string     `gorm:"default:''"`      // empty = manual-only job
	Timezone      string     `gorm:"not null;default:'UTC'"`
	OverlapPolicy string     `gorm:"not null;default:'reject'"` // reject, queue
	SpecJSON      string     `gorm:"type:text;not null"`
}

// -----------------------------------------------------------------------------
// Runs
// -----------------------------------------------------------------------------

// Run is one execution of a job (spec §3). Status transitions monotonically
// along {queued->running->{success|failed|rejected}, queued->rejected}.
type Run struct {
	base
	JobID              uuid.UUID `gorm:"type:text;not null;index:idx_runs_job_started,priority:1"`
	Status             string    `gorm:"not null;index:idx_runs_status_started,priority:1"`
	Trigger            string    `gorm:"not null"` // schedule, manual, offline
	StartedAt          time.Time `gorm:"not null;index:idx_runs_status_started,priority:2;index:idx_runs_job_started,priority:2,sort:desc"`
	EndedAt            *time.Time `gorm:"index"`
	ProgressJSON       string    `gorm:"type:text;default:''"`
	SummaryJSON        string    `gorm:"type:text;default:''"`
	Error              string    `gorm:"type:text;default:''"`
	TargetSnapshotJSON string    `gorm:"type:text;default:''"`
	Pinned             bool      `gorm:"not null;default:false"`
}

// RunEvent is one append-only log line of a run (spec §3). (run_id, seq)
// is unique; appenders compute max(seq)+1 inside a transaction and retry
// on conflict.
type RunEvent struct {
	ID         int64     `gorm:"primaryKey;autoIncrement"`
	RunID      uuid.UUID `gorm:"type:text;not null;uniqueIndex:idx_run_events_run_seq,priority:1"`
	Seq        int64     `gorm:"not null;uniqueIndex:idx_run_events_run_seq,priority:2"`
	Ts         time.Time `gorm:"not null"`
	Level      string    `gorm:"not null"`
	Kind       string    `gorm:"not null"`
	Message    string    `gorm:"type:text;not null"`
	FieldsJSON string    `gorm:"type:text;default:''"`
}

// ArtifactPart mirrors one manifest.Part row for a completed run, for
// quick listing without re-reading the manifest from the target.
type ArtifactPart struct {
	ID      int64     `gorm:"primaryKey;autoIncrement"`
	RunID   uuid.UUID `gorm:"type:text;not null;index"`
	Name    string    `gorm:"not null"`
	Size    int64     `gorm:"not null"`
	HashAlg string    `gorm:"not null"`
	HashHex string    `gorm:"not null"`
}

// -----------------------------------------------------------------------------
// Cleanup and artifact-delete tasks
// -----------------------------------------------------------------------------

// taskFields is the shared shape of cleanup and artifact-delete tasks
// (spec §3): both are retried with exponential backoff and can be
// blocked or abandoned.
type taskFields struct {
	RunID              uuid.UUID `gorm:"type:text;primaryKey"`
	JobID              uuid.UUID `gorm:"type:text;not null;index"`
	NodeID             string    `gorm:"not null"`
	TargetType         string    `gorm:"not null"` // webdav, local_dir
	TargetSnapshotJSON string    `gorm:"type:text;not null"`
	Status             string    `gorm:"not null;index"` // queued, running, retrying, blocked, done, ignored, abandoned
	Attempts           int       `gorm:"not null;default:0"`
	CreatedAt          time.Time `gorm:"not null"`
	UpdatedAt          time.Time `gorm:"not null"`
	LastAttemptAt      *time.Time
	NextAttemptAt      time.Time `gorm:"not null;index"`
	LastErrorKind      string    `gorm:"default:''"`
	LastError          string    `gorm:"type:text;default:''"`
	IgnoredAt          *time.Time
	IgnoredBy          string `gorm:"default:''"`
	IgnoreReason       string `gorm:"type:text;default:''"`
}

// CleanupTask tracks a detected incomplete run (no complete.json found on
// the target after a terminal non-success status) pending deletion.
type CleanupTask struct {
	taskFields
}

// ArtifactDeleteTask is the same shape as CleanupTask but generated by
// the retention loop rather than crash detection.
type ArtifactDeleteTask struct {
	taskFields
}

// -----------------------------------------------------------------------------
// Secrets
// -----------------------------------------------------------------------------

// Secret is an envelope-encrypted value (target credential, notification
// endpoint, or backup-payload identity), unique on (node_id, kind, name).
type Secret struct {
	base
	NodeID     string `gorm:"not null;uniqueIndex:idx_secrets_identity,priority:1"`
	Kind       string `gorm:"not null;uniqueIndex:idx_secrets_identity,priority:2"`
	Name       string `gorm:"not null;uniqueIndex:idx_secrets_identity,priority:3"`
	Kid        uint32 `gorm:"not null"`
	Nonce      []byte `gorm:"not null"`
	Ciphertext []byte `gorm:"not null"`
}

// -----------------------------------------------------------------------------
// Operations (restore/verify)
// -----------------------------------------------------------------------------

// Operation is an administrator-triggered restore or verify action, with
// a lifecycle parallel to runs.
type Operation struct {
	base
	Kind        string     `gorm:"not null"` // restore, verify
	Status      string     `gorm:"not null;index"`
	RunID       *uuid.UUID `gorm:"type:text;index"`
	StartedAt   time.Time  `gorm:"not null"`
	EndedAt     *time.Time
	SummaryJSON string `gorm:"type:text;default:''"`
	Error       string `gorm:"type:text;default:''"`
}

// -----------------------------------------------------------------------------
// Notification queue
// -----------------------------------------------------------------------------

// NotificationQueue is the one in-scope notification operation: a row
// enqueued on run completion, for an external dispatcher to drain.
// Delivery mechanics (email, webhook formatting) are out of scope.
type NotificationQueue struct {
	base
	RunID       uuid.UUID `gorm:"type:text;not null;index"`
	Kind        string    `gorm:"not null"` // run_success, run_failed
	PayloadJSON string    `gorm:"type:text;not null"`
	Delivered   bool      `gorm:"not null;default:false;index"`
	DeliveredAt *time.Time
}
