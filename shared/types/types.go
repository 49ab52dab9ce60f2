// Package types defines the domain types shared by the hub and the agent:
// job specs, run/event/progress shapes, the target/encryption/sink tagged
// variants, and the small enums that both sides serialize over the
// hub<->agent protocol and persist to SQLite.
package types

import "time"

// ─── Agent / node ────────────────────────────────────────────────────────────

// AgentStatus represents the current connection state of an agent.
type AgentStatus string

const (
	AgentStatusOnline  AgentStatus = "online"
	AgentStatusOffline AgentStatus = "offline"
	AgentStatusError   AgentStatus = "error"
)

// ─── Job ─────────────────────────────────────────────────────────────────────

// OverlapPolicy controls what happens when a run is triggered for a job
// that already has a run in {queued, running}.
type OverlapPolicy string

const (
	OverlapPolicyReject OverlapPolicy = "reject"
	OverlapPolicyQueue  OverlapPolicy = "queue"
)

// JobSourceKind is the tagged-variant discriminant for JobSpec.
type JobSourceKind string

const (
	JobSourceFilesystem JobSourceKind = "filesystem"
	JobSourceSqlite     JobSourceKind = "sqlite"
	JobSourceVaultwarden JobSourceKind = "vaultwarden"
)

// SymlinkPolicy governs how the filesystem walker treats symlinks.
type SymlinkPolicy string

const (
	SymlinkKeep   SymlinkPolicy = "keep"
	SymlinkSkip   SymlinkPolicy = "skip"
	SymlinkFollow SymlinkPolicy = "follow"
)

// HardlinkPolicy governs how the filesystem walker treats hardlinks.
type HardlinkPolicy string

const (
	HardlinkCopy HardlinkPolicy = "copy"
	HardlinkKeep HardlinkPolicy = "keep"
)

// WalkErrorPolicy governs how the filesystem walker reacts to OS errors.
type WalkErrorPolicy string

const (
	ErrorPolicyFailFast WalkErrorPolicy = "fail_fast"
	ErrorPolicySkipFail WalkErrorPolicy = "skip_fail"
	ErrorPolicySkipOK   WalkErrorPolicy = "skip_ok"
)

// FilesystemSource describes a filesystem-tree source: either the legacy
// single Root or the new Paths list (exactly one must be set).
type FilesystemSource struct {
	Paths          []string        `json:"paths,omitempty"`
	Root           string          `json:"root,omitempty"`
	IncludeGlobs   []string        `json:"include_globs,omitempty"`
	ExcludeGlobs   []string        `json:"exclude_globs,omitempty"`
	SymlinkPolicy  SymlinkPolicy   `json:"symlink_policy"`
	HardlinkPolicy HardlinkPolicy  `json:"hardlink_policy"`
	ErrorPolicy    WalkErrorPolicy `json:"error_policy"`
}

// SqliteSource snapshots a single live SQLite database file.
type SqliteSource struct {
	Path                  string `json:"path"`
	RunIntegrityCheck     bool   `json:"run_integrity_check"`
}

// VaultwardenSource snapshots a Vaultwarden data directory.
type VaultwardenSource struct {
	DataDir string `json:"data_dir"`
}

// Source is the closed sum type over the three supported source kinds.
// Exactly one of the pointer fields matching Kind is populated.
type Source struct {
	Kind        JobSourceKind      `json:"kind"`
	Filesystem  *FilesystemSource  `json:"filesystem,omitempty"`
	Sqlite      *SqliteSource      `json:"sqlite,omitempty"`
	Vaultwarden *VaultwardenSource `json:"vaultwarden,omitempty"`
}

// ArchiveFormat identifies the on-target payload layout.
type ArchiveFormat string

const (
	ArchiveFormatV1   ArchiveFormat = "archive_v1"
	ArchiveFormatTree ArchiveFormat = "raw_tree_v1"
)

// EncryptionKind is the tagged-variant discriminant for Encryption.
type EncryptionKind string

const (
	EncryptionNone       EncryptionKind = "none"
	EncryptionAgeX25519  EncryptionKind = "age_x25519"
)

// Encryption describes the optional encryption layer of a pipeline. When
// Kind is EncryptionAgeX25519, RecipientSecretName names the secret (kind
// "age_identity") holding the age identity; the recipient public key is
// derived from it on demand.
type Encryption struct {
	Kind                EncryptionKind `json:"kind"`
	RecipientSecretName string         `json:"recipient_secret_name,omitempty"`

	// ResolvedIdentity carries the raw age identity (AGE-SECRET-KEY-1...)
	// when the hub has already resolved RecipientSecretName for
	// dispatch over the hub<->agent stream. Never populated on a spec
	// read back from a job row; the agent has no secret store of its
	// own to resolve the name against.
	ResolvedIdentity string `json:"resolved_identity,omitempty"`
}

// Pipeline is the archive-format + encryption pair embedded in a JobSpec.
type Pipeline struct {
	Format        ArchiveFormat `json:"format"`
	Encryption    Encryption    `json:"encryption"`
	PartSizeBytes int64         `json:"part_size_bytes"`
}

// TargetKind is the tagged-variant discriminant for Target.
type TargetKind string

const (
	TargetWebDAV   TargetKind = "webdav"
	TargetLocalDir TargetKind = "local_dir"
)

// WebDAVTarget addresses a WebDAV collection. Credentials are resolved at
// dispatch time from the secret store under (node_id, "webdav_credential",
// CredentialSecretName).
type WebDAVTarget struct {
	BaseURL              string `json:"base_url"`
	CredentialSecretName string `json:"credential_secret_name,omitempty"`

	// ResolvedUsername/ResolvedPassword carry credentials the hub has
	// already resolved from CredentialSecretName for dispatch to an
	// agent. Like Encryption.ResolvedIdentity, only ever populated on
	// the copy of the spec embedded in a dispatched task.
	ResolvedUsername string `json:"resolved_username,omitempty"`
	ResolvedPassword string `json:"resolved_password,omitempty"`
}

// LocalDirTarget addresses a local (or agent-local) directory tree.
type LocalDirTarget struct {
	BasePath string `json:"base_path"`
}

// Target is the closed sum type over the two supported target kinds.
type Target struct {
	Kind     TargetKind      `json:"kind"`
	WebDAV   *WebDAVTarget   `json:"webdav,omitempty"`
	LocalDir *LocalDirTarget `json:"local_dir,omitempty"`
}

// RedactedTarget is a credential-free snapshot of a Target, captured at
// enqueue time and stored on the run/cleanup-task so retention can locate
// artifacts later even if the job is mutated or deleted.
type RedactedTarget struct {
	Type     TargetKind `json:"type"`
	Location string     `json:"location"`
}

// JobSpec is the closed sum type described in spec §3: a tagged source
// variant with an embedded pipeline and target.
type JobSpec struct {
	Kind      JobSourceKind   `json:"kind"`
	Source    Source          `json:"source"`
	Pipeline  Pipeline        `json:"pipeline"`
	Target    Target          `json:"target"`
	Retention RetentionPolicy `json:"retention"`
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// RunStatus is the run state-machine's discriminant.
type RunStatus string

const (
	RunStatusQueued   RunStatus = "queued"
	RunStatusRunning  RunStatus = "running"
	RunStatusSuccess  RunStatus = "success"
	RunStatusFailed   RunStatus = "failed"
	RunStatusRejected RunStatus = "rejected"
	RunStatusCanceled RunStatus = "canceled"
)

// RunTrigger records what caused a run to be enqueued.
type RunTrigger string

const (
	RunTriggerSchedule RunTrigger = "schedule"
	RunTriggerManual   RunTrigger = "manual"
	RunTriggerOffline  RunTrigger = "offline"
)

// RunEventLevel is the severity of an appended run event.
type RunEventLevel string

const (
	EventLevelDebug RunEventLevel = "debug"
	EventLevelInfo  RunEventLevel = "info"
	EventLevelWarn  RunEventLevel = "warn"
	EventLevelError RunEventLevel = "error"
)

// RunStage identifies the pipeline stage a progress snapshot belongs to.
type RunStage string

const (
	StageSnapshot  RunStage = "snapshot"
	StagePackaging RunStage = "packaging"
	StageScan      RunStage = "scan"
	StageUpload    RunStage = "upload"
)

// ErrorKind classifies a terminal run/operation failure per spec §7.
type ErrorKind string

const (
	ErrKindValidation ErrorKind = "validation"
	ErrKindConfig     ErrorKind = "config"
	ErrKindSourceIO   ErrorKind = "source_io"
	ErrKindSinkIO     ErrorKind = "sink_io"
	ErrKindIntegrity  ErrorKind = "integrity"
	ErrKindProtocol   ErrorKind = "protocol"
	ErrKindBudget     ErrorKind = "budget"
)

// RunProgress is the last-writer-wins progress snapshot for a run.
type RunProgress struct {
	Stage       RunStage `json:"stage"`
	DoneFiles   int64    `json:"done_files"`
	DoneDirs    int64    `json:"done_dirs"`
	DoneBytes   int64    `json:"done_bytes"`
	TotalBytes  *int64   `json:"total_bytes,omitempty"`
	RateBps     *float64 `json:"rate_bps,omitempty"`
	ETASeconds  *float64 `json:"eta_seconds,omitempty"`
}

// ─── Cleanup / artifact-delete tasks ─────────────────────────────────────────

// CleanupTaskStatus is the state-machine discriminant shared by incomplete
// -run cleanup tasks and artifact-delete tasks.
type CleanupTaskStatus string

const (
	CleanupQueued    CleanupTaskStatus = "queued"
	CleanupRunning   CleanupTaskStatus = "running"
	CleanupRetrying  CleanupTaskStatus = "retrying"
	CleanupBlocked   CleanupTaskStatus = "blocked"
	CleanupDone      CleanupTaskStatus = "done"
	CleanupIgnored   CleanupTaskStatus = "ignored"
	CleanupAbandoned CleanupTaskStatus = "abandoned"
)

// ─── Operations (restore/verify) ─────────────────────────────────────────────

// OperationKind distinguishes restore from verify operations.
type OperationKind string

const (
	OperationRestore OperationKind = "restore"
	OperationVerify  OperationKind = "verify"
)

// OperationStatus is the operation lifecycle discriminant.
type OperationStatus string

const (
	OperationRunning OperationStatus = "running"
	OperationSuccess OperationStatus = "success"
	OperationFailed  OperationStatus = "failed"
)

// ConflictPolicy governs restore behavior when a destination path exists.
type ConflictPolicy string

const (
	ConflictOverwrite ConflictPolicy = "overwrite"
	ConflictSkip      ConflictPolicy = "skip"
	ConflictFail      ConflictPolicy = "fail"
)

// SinkKind is the tagged-variant discriminant for a restore destination.
type SinkKind string

const (
	SinkLocalFs SinkKind = "local_fs"
	SinkWebDAV  SinkKind = "webdav"
)

// Selection restricts a restore/listing to a subset of archive paths. An
// empty normalized selection (both Files and Dirs empty) is an error.
type Selection struct {
	Files []string `json:"files,omitempty"`
	Dirs  []string `json:"dirs,omitempty"`
}

// ─── Retention ───────────────────────────────────────────────────────────────

// RetentionPolicy defines which successful runs of a job are kept. The keep
// set is the union of pinned runs (a per-run flag, not configured here),
// the newest KeepLast runs, and runs within KeepDays. MaxDeletePerTick and
// MaxDeletePerDay bound how many artifact-delete tasks a single retention
// pass may create, so a policy change that suddenly excludes many runs
// does not queue an unbounded deletion burst.
type RetentionPolicy struct {
	Enabled          bool `json:"enabled"`
	KeepLast         int  `json:"keep_last,omitempty"`
	KeepDays         int  `json:"keep_days,omitempty"`
	MaxDeletePerTick int  `json:"max_delete_per_tick,omitempty"`
	MaxDeletePerDay  int  `json:"max_delete_per_day,omitempty"`
}

// ─── Pagination ──────────────────────────────────────────────────────────────

// Page holds pagination parameters for list queries.
type Page struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// PagedResult wraps a list result with total count for pagination.
type PagedResult[T any] struct {
	Items []T   `json:"items"`
	Total int64 `json:"total"`
	Page  Page  `json:"page"`
}

// ─── Time ────────────────────────────────────────────────────────────────────

// TimeRange defines an inclusive time interval for filtering queries.
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}
