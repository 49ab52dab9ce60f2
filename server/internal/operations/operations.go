// Package operations implements the restore and verify operation driver
// of spec §4.9: given a completed run, replay its artifact into a
// destination (restore) or recompute and check it in place (verify),
// each dispatched asynchronously the same way a run is, with the
// outcome recorded through OperationRepository.
package operations

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"bastionhq.dev/bastion/server/internal/db"
	"bastionhq.dev/bastion/server/internal/repositories"
	"bastionhq.dev/bastion/shared/restore"
	"bastionhq.dev/bastion/shared/types"
)

// HubNodeID mirrors scheduler.HubNodeID: the node identity used for
// secrets belonging to hub-owned jobs. Kept as its own constant rather
// than importing the scheduler package, which otherwise has no reason to
// be a dependency of this one.
const HubNodeID = "hub"

// Service dispatches restore and verify operations against completed
// runs.
type Service struct {
	ops     repositories.OperationRepository
	runs    repositories.RunRepository
	jobs    repositories.JobRepository
	secrets repositories.SecretRepository

	stagingRoot string
	logger      *zap.Logger
}

// Config holds the dependencies required to build a Service.
type Config struct {
	Operations repositories.OperationRepository
	Runs       repositories.RunRepository
	Jobs       repositories.JobRepository
	Secrets    repositories.SecretRepository

	// StagingRoot is the directory under which a verify pass restores
	// its temporary working tree.
	StagingRoot string

	Logger *zap.Logger
}

// New builds a Service.
func New(cfg Config) *Service {
	return &Service{
		ops:         cfg.Operations,
		runs:        cfg.Runs,
		jobs:        cfg.Jobs,
		secrets:     cfg.Secrets,
		stagingRoot: cfg.StagingRoot,
		logger:      cfg.Logger.Named("operations"),
	}
}

// RestoreDestination selects where a restore operation writes its
// output.
type RestoreDestination struct {
	Sink types.SinkKind

	// LocalRoot is used when Sink == SinkLocalFs.
	LocalRoot string

	// WebDAV fields are used when Sink == SinkWebDAV.
	WebDAVBaseURL              string
	WebDAVCredentialSecretName string
	WebDAVPrefix               string
}

// RestoreRequest describes one restore operation.
type RestoreRequest struct {
	RunID       uuid.UUID
	Selection   types.Selection
	Conflict    types.ConflictPolicy
	Destination RestoreDestination
}

// StartRestore records a running operation and executes it in the
// background, returning immediately with the operation row.
func (s *Service) StartRestore(ctx context.Context, req RestoreRequest) (*db.Operation, error) {
	run, err := s.runs.GetRun(ctx, req.RunID)
	if err != nil {
		return nil, fmt.Errorf("operations: loading run: %w", err)
	}
	op := &db.Operation{Kind: string(types.OperationRestore), Status: string(types.OperationRunning), RunID: &req.RunID}
	if err := s.ops.Create(ctx, op); err != nil {
		return nil, fmt.Errorf("operations: creating operation: %w", err)
	}

	go s.executeRestore(context.WithoutCancel(ctx), op.ID, run, req)
	return op, nil
}

// StartVerify records a running operation and executes it in the
// background, returning immediately with the operation row.
func (s *Service) StartVerify(ctx context.Context, runID uuid.UUID) (*db.Operation, error) {
	run, err := s.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("operations: loading run: %w", err)
	}
	op := &db.Operation{Kind: string(types.OperationVerify), Status: string(types.OperationRunning), RunID: &runID}
	if err := s.ops.Create(ctx, op); err != nil {
		return nil, fmt.Errorf("operations: creating operation: %w", err)
	}

	go s.executeVerify(context.WithoutCancel(ctx), op.ID, run)
	return op, nil
}

func (s *Service) complete(ctx context.Context, opID uuid.UUID, status types.OperationStatus, summary interface{}, errMsg string) {
	summaryJSON := "{}"
	if summary != nil {
		if b, err := json.Marshal(summary); err == nil {
			summaryJSON = string(b)
		}
	}
	if err := s.ops.Complete(ctx, opID, string(status), summaryJSON, errMsg); err != nil {
		s.logger.Error("recording operation outcome", zap.String("operation_id", opID.String()), zap.Error(err))
	}
}

func (s *Service) fail(ctx context.Context, opID uuid.UUID, err error) {
	s.logger.Warn("operation failed", zap.String("operation_id", opID.String()), zap.Error(err))
	s.complete(ctx, opID, types.OperationFailed, nil, err.Error())
}

// normalizedSelectionOrNil returns nil (no filtering) when sel is empty,
// otherwise a NormalizedSelection — an empty Selection means "restore
// everything", which is not the error case spec §4.5 describes (that one
// is reserved for a selection that normalizes to nothing once trimmed).
func normalizedSelectionOrNil(sel types.Selection) (*restore.NormalizedSelection, error) {
	if len(sel.Files) == 0 && len(sel.Dirs) == 0 {
		return nil, nil
	}
	return restore.NormalizeSelection(sel)
}

func mkdirScratch(root, subdir string) (string, error) {
	dir := ""
	if root != "" {
		dir = root
	} else {
		dir = os.TempDir()
	}
	return os.MkdirTemp(dir, subdir)
}
