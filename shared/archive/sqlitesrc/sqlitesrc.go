// Package sqlitesrc implements the SQLite source snapshot of spec §4.1:
// an online, page-stepping backup of a live SQLite database into the
// run's staging directory, with an optional integrity check.
package sqlitesrc

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"

	"bastionhq.dev/bastion/shared/types"
)

const (
	pagesPerStep    = 100
	stepPause       = 10 * time.Millisecond
	maxIntegrityLines = 64
)

// Result is the outcome of a snapshot: the filesystem source ready to be
// walked/tarred, and the integrity-check lines (if requested).
type Result struct {
	Source            types.FilesystemSource
	IntegrityOK        bool
	IntegrityLines     []string
	IntegrityTruncated bool
}

// Snapshot opens src.Path read-only with no mutex, backs it up page by
// page into {runDir}/source/{basename}, optionally runs PRAGMA
// integrity_check on the copy, and returns a FilesystemSource pointing at
// the source/ directory (fail-fast, symlinks kept) ready for the tar
// walk.
func Snapshot(src types.SqliteSource, runDir string) (*Result, error) {
	destDir := filepath.Join(runDir, "source")
	destPath := filepath.Join(destDir, filepath.Base(src.Path))

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("sqlitesrc: creating source dir: %w", err)
	}

	srcDB, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro&_mutex=no", src.Path))
	if err != nil {
		return nil, fmt.Errorf("sqlitesrc: opening source: %w", err)
	}
	defer srcDB.Close()

	destDB, err := sql.Open("sqlite3", destPath)
	if err != nil {
		return nil, fmt.Errorf("sqlitesrc: creating destination: %w", err)
	}
	defer destDB.Close()

	if err := backup(srcDB, destDB); err != nil {
		return nil, err
	}

	res := &Result{
		Source: types.FilesystemSource{
			Paths:          []string{destDir},
			ErrorPolicy:    types.ErrorPolicyFailFast,
			SymlinkPolicy:  types.SymlinkKeep,
			HardlinkPolicy: types.HardlinkCopy,
		},
	}

	if src.RunIntegrityCheck {
		ok, lines, truncated, err := integrityCheck(destDB)
		if err != nil {
			return nil, err
		}
		res.IntegrityOK = ok
		res.IntegrityLines = lines
		res.IntegrityTruncated = truncated
	}

	return res, nil
}

func backup(srcDB, destDB *sql.DB) error {
	srcConn, err := srcDB.Conn(nil)
	if err != nil {
		return fmt.Errorf("sqlitesrc: acquiring source conn: %w", err)
	}
	defer srcConn.Close()

	destConn, err := destDB.Conn(nil)
	if err != nil {
		return fmt.Errorf("sqlitesrc: acquiring dest conn: %w", err)
	}
	defer destConn.Close()

	var backupErr error
	err = destConn.Raw(func(destDriverConn interface{}) error {
		return srcConn.Raw(func(srcDriverConn interface{}) error {
			destSQLite, ok := destDriverConn.(*sqlite3.SQLiteConn)
			if !ok {
				return fmt.Errorf("sqlitesrc: destination is not a sqlite3 connection")
			}
			srcSQLite, ok := srcDriverConn.(*sqlite3.SQLiteConn)
			if !ok {
				return fmt.Errorf("sqlitesrc: source is not a sqlite3 connection")
			}

			b, err := destSQLite.Backup("main", srcSQLite, "main")
			if err != nil {
				return fmt.Errorf("sqlitesrc: starting backup: %w", err)
			}
			defer b.Close()

			for {
				done, stepErr := b.Step(pagesPerStep)
				if stepErr != nil {
					backupErr = fmt.Errorf("sqlitesrc: backup step: %w", stepErr)
					return backupErr
				}
				if done {
					return nil
				}
				time.Sleep(stepPause)
			}
		})
	})
	if err != nil {
		return err
	}
	return backupErr
}

func integrityCheck(db *sql.DB) (ok bool, lines []string, truncated bool, err error) {
	rows, err := db.Query("PRAGMA integrity_check")
	if err != nil {
		return false, nil, false, fmt.Errorf("sqlitesrc: integrity_check: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return false, nil, false, fmt.Errorf("sqlitesrc: scanning integrity_check row: %w", err)
		}
		if len(lines) < maxIntegrityLines {
			lines = append(lines, line)
		} else {
			truncated = true
		}
	}
	if err := rows.Err(); err != nil {
		return false, lines, truncated, fmt.Errorf("sqlitesrc: integrity_check rows: %w", err)
	}

	ok = len(lines) == 1 && lines[0] == "ok"
	return ok, lines, truncated, nil
}
