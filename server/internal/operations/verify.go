package operations

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	_ "github.com/mattn/go-sqlite3"
	"github.com/zeebo/blake3"

	"bastionhq.dev/bastion/server/internal/db"
	"bastionhq.dev/bastion/shared/manifest"
	"bastionhq.dev/bastion/shared/restore"
	"bastionhq.dev/bastion/shared/target"
	"bastionhq.dev/bastion/shared/types"
)

// sqliteMagic is the fixed 16-byte header every SQLite database file
// starts with.
var sqliteMagic = []byte("SQLite format 3\x00")

const maxVerifyErrorSample = 20

// verifySummary is the JSON shape persisted to an operation's
// summary_json on completion of a verify pass.
type verifySummary struct {
	FilesTotal    int      `json:"files_total"`
	FilesOK       int      `json:"files_ok"`
	FilesFailed   int      `json:"files_failed"`
	SqliteChecked int      `json:"sqlite_checked"`
	SqliteFailed  int      `json:"sqlite_failed"`
	ErrorSample   []string `json:"error_sample,omitempty"`
}

func (s *Service) executeVerify(ctx context.Context, opID uuid.UUID, run *db.Run) {
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

	scratch, err := mkdirScratch(s.stagingRoot, "verify-*")
	if err != nil {
		s.fail(ctx, opID, err)
		return
	}
	defer os.RemoveAll(scratch)

	payload, err := restore.OpenArtifactSource(ctx, driver, base, run.JobID.String(), run.ID.String(), m)
	if err != nil {
		s.fail(ctx, opID, err)
		return
	}

	engine := &restore.Engine{Conflict: types.ConflictOverwrite}
	if _, err := engine.Restore(ctx, payload, identity, encrypted, restore.NewLocalFS(scratch)); err != nil {
		payload.Close()
		s.fail(ctx, opID, fmt.Errorf("operations: verify restore pass: %w", err))
		return
	}
	payload.Close()

	entriesRC, err := driver.OpenPart(ctx, base, run.JobID.String(), run.ID.String(), manifest.EntriesIndexName)
	if err != nil {
		s.fail(ctx, opID, fmt.Errorf("operations: opening entries index: %w", err))
		return
	}
	defer entriesRC.Close()

	summary, err := s.verifyEntries(scratch, entriesRC)
	if err != nil {
		s.fail(ctx, opID, err)
		return
	}

	status := types.OperationSuccess
	if summary.FilesFailed > 0 || summary.SqliteFailed > 0 {
		status = types.OperationFailed
	}
	s.complete(ctx, opID, status, summary, "")
}

// verifyEntries decompresses the entries index, recomputes each file
// entry's hash against the restored copy under root, and opens every
// restored SQLite database (detected by file header magic, since the
// run's recorded summary does not separately track which paths are
// SQLite snapshots) read-only for an integrity check.
func (s *Service) verifyEntries(root string, entriesRC target.ReadCloserSize) (verifySummary, error) {
	var summary verifySummary

	zr, err := zstd.NewReader(entriesRC)
	if err != nil {
		return summary, fmt.Errorf("operations: opening entries index decoder: %w", err)
	}
	defer zr.Close()

	scanner := bufio.NewScanner(zr)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		var rec manifest.EntryRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return summary, fmt.Errorf("operations: decoding entries index line: %w", err)
		}
		if rec.Kind != manifest.EntryFile || rec.HashAlg == "" {
			continue
		}
		summary.FilesTotal++

		full, err := restore.SafeJoin(root, rec.Path)
		if err != nil {
			summary.FilesFailed++
			summary.addError(fmt.Sprintf("%s: %v", rec.Path, err))
			continue
		}

		actual, isSqlite, err := hashAndSniff(full)
		if err != nil {
			summary.FilesFailed++
			summary.addError(fmt.Sprintf("%s: %v", rec.Path, err))
			continue
		}
		if actual != rec.Hash {
			summary.FilesFailed++
			summary.addError(fmt.Sprintf("%s: hash mismatch", rec.Path))
			continue
		}
		summary.FilesOK++

		if isSqlite {
			summary.SqliteChecked++
			if ok, err := sqliteIntegrityCheck(full); err != nil || !ok {
				summary.SqliteFailed++
				if err != nil {
					summary.addError(fmt.Sprintf("%s: integrity_check: %v", rec.Path, err))
				} else {
					summary.addError(fmt.Sprintf("%s: integrity_check failed", rec.Path))
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return summary, fmt.Errorf("operations: scanning entries index: %w", err)
	}
	return summary, nil
}

func (vs *verifySummary) addError(msg string) {
	if len(vs.ErrorSample) < maxVerifyErrorSample {
		vs.ErrorSample = append(vs.ErrorSample, msg)
	}
}

// hashAndSniff computes the blake3 hash of path's contents and reports
// whether it starts with the SQLite file header.
func hashAndSniff(path string) (hash string, isSqlite bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", false, err
	}
	defer f.Close()

	h := blake3.New()
	buf := make([]byte, 32*1024)
	first := true
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			if first {
				isSqlite = n >= len(sqliteMagic) && string(buf[:len(sqliteMagic)]) == string(sqliteMagic)
				first = false
			}
			h.Write(buf[:n])
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return "", false, rerr
		}
	}
	return fmt.Sprintf("%x", h.Sum(nil)), isSqlite, nil
}

func sqliteIntegrityCheck(path string) (bool, error) {
	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro&_mutex=no", path))
	if err != nil {
		return false, err
	}
	defer conn.Close()

	rows, err := conn.Query("PRAGMA integrity_check")
	if err != nil {
		return false, err
	}
	defer rows.Close()

	var lines []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return false, err
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return false, err
	}
	return len(lines) == 1 && lines[0] == "ok", nil
}
