package operations

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"bastionhq.dev/bastion/server/internal/db"
	"bastionhq.dev/bastion/shared/restore"
	"bastionhq.dev/bastion/shared/target"
	"bastionhq.dev/bastion/shared/types"
)

// restoreSummary is the JSON shape persisted to an operation's
// summary_json on completion of a restore.
type restoreSummary struct {
	FilesRestored int64 `json:"files_restored"`
	DirsRestored  int64 `json:"dirs_restored"`
	BytesRestored int64 `json:"bytes_restored"`
	Skipped       int64 `json:"skipped"`
}

func (s *Service) executeRestore(ctx context.Context, opID uuid.UUID, run *db.Run, req RestoreRequest) {
	rc := s.resolveRunContext(ctx, run)

	driver, base, err := s.targetDriver(ctx, rc, run)
	if err != nil {
		s.fail(ctx, opID, err)
		return
	}

	m, err := s.loadManifest(ctx, driver, base, run.JobID.String(), run.ID.String())
	if err != nil {
		s.fail(ctx, opID, err)
		return
	}

	identity, encrypted, err := s.resolveIdentity(ctx, rc, m)
	if err != nil {
		s.fail(ctx, opID, err)
		return
	}

	payload, err := restore.OpenArtifactSource(ctx, driver, base, run.JobID.String(), run.ID.String(), m)
	if err != nil {
		s.fail(ctx, opID, err)
		return
	}
	defer payload.Close()

	sink, cleanup, err := s.resolveDestinationSink(ctx, rc, req.Destination)
	if err != nil {
		s.fail(ctx, opID, err)
		return
	}
	if cleanup != nil {
		defer cleanup()
	}

	selection, err := normalizedSelectionOrNil(req.Selection)
	if err != nil {
		s.fail(ctx, opID, err)
		return
	}

	var doneFiles, doneBytes int64
	lastLog := time.Now()
	engine := &restore.Engine{
		Selection: selection,
		Conflict:  req.Conflict,
		Progress: func(isDir bool, bytes int64) {
			if isDir {
				return
			}
			doneFiles++
			doneBytes += bytes
			if now := time.Now(); now.Sub(lastLog) >= time.Second {
				s.logger.Info("restore progress",
					zap.String("operation_id", opID.String()),
					zap.Int64("files_restored", doneFiles),
					zap.Int64("bytes_restored", doneBytes))
				lastLog = now
			}
		},
	}

	summary, err := engine.Restore(ctx, payload, identity, encrypted, sink)
	if err != nil {
		s.fail(ctx, opID, err)
		return
	}

	s.complete(ctx, opID, types.OperationSuccess, restoreSummary{
		FilesRestored: summary.FilesRestored,
		DirsRestored:  summary.DirsRestored,
		BytesRestored: summary.BytesRestored,
		Skipped:       summary.Skipped,
	}, "")
}

// resolveDestinationSink builds the Sink a restore writes into, plus an
// optional cleanup func for any scratch directory it allocated.
func (s *Service) resolveDestinationSink(ctx context.Context, rc resolvedRun, dest RestoreDestination) (restore.Sink, func(), error) {
	switch dest.Sink {
	case types.SinkLocalFs:
		if dest.LocalRoot == "" {
			return nil, nil, fmt.Errorf("operations: local_fs destination missing root")
		}
		return restore.NewLocalFS(dest.LocalRoot), nil, nil

	case types.SinkWebDAV:
		if dest.WebDAVBaseURL == "" {
			return nil, nil, fmt.Errorf("operations: webdav destination missing base url")
		}
		username, password := "", ""
		if dest.WebDAVCredentialSecretName != "" {
			raw, err := s.secrets.Get(ctx, rc.nodeID, "webdav_credential", dest.WebDAVCredentialSecretName)
			if err != nil {
				return nil, nil, fmt.Errorf("operations: loading destination webdav credential: %w", err)
			}
			var cred webdavCredential
			if err := json.Unmarshal(raw, &cred); err != nil {
				return nil, nil, fmt.Errorf("operations: decoding destination webdav credential: %w", err)
			}
			username, password = cred.Username, cred.Password
		}
		client := target.NewWebDAV(dest.WebDAVBaseURL, username, password)
		stagingDir, err := mkdirScratch(s.stagingRoot, "restore-webdav-*")
		if err != nil {
			return nil, nil, fmt.Errorf("operations: creating webdav staging dir: %w", err)
		}
		cleanup := func() { os.RemoveAll(stagingDir) }
		return restore.NewWebDAVSink(stagingDir, client, dest.WebDAVPrefix), cleanup, nil

	default:
		return nil, nil, fmt.Errorf("operations: unknown sink kind %q", dest.Sink)
	}
}
