// Package vaultwarden implements the Vaultwarden data-directory source of
// spec §4.1: a SQLite snapshot of db.sqlite3 plus the rest of the data
// directory, with the live SQLite files excluded and the snapshot
// appended at archive path db.sqlite3.
package vaultwarden

import (
	"fmt"
	"os"
	"path/filepath"

	"bastionhq.dev/bastion/shared/archive/sqlitesrc"
	"bastionhq.dev/bastion/shared/types"
)

// liveSQLiteFiles are excluded from the generic directory walk because
// they are captured instead via the online backup snapshot.
var liveSQLiteFiles = []string{"db.sqlite3", "db.sqlite3-wal", "db.sqlite3-shm", "db.sqlite3-journal"}

// Result holds the effective filesystem source to walk: the data
// directory (minus live SQLite files) plus the snapshot file, merged
// under one staging tree rooted at runDir/source so both appear under a
// single archive prefix.
type Result struct {
	Source     types.FilesystemSource
	IntegrityOK bool
}

// Prepare snapshots {data_dir}/db.sqlite3 and stages it, alongside a
// symlink mirror of the rest of the data directory, under
// {runDir}/source so the archive builder can walk one filesystem source.
func Prepare(src types.VaultwardenSource, runDir string) (*Result, error) {
	mergedDir := filepath.Join(runDir, "source")
	if err := os.MkdirAll(mergedDir, 0o755); err != nil {
		return nil, fmt.Errorf("vaultwarden: creating staging dir: %w", err)
	}

	entries, err := os.ReadDir(src.DataDir)
	if err != nil {
		return nil, fmt.Errorf("vaultwarden: reading data dir: %w", err)
	}
	for _, e := range entries {
		if isLiveSQLiteFile(e.Name()) {
			continue
		}
		target := filepath.Join(src.DataDir, e.Name())
		link := filepath.Join(mergedDir, e.Name())
		if err := os.Symlink(target, link); err != nil {
			return nil, fmt.Errorf("vaultwarden: staging %s: %w", e.Name(), err)
		}
	}

	snapResult, err := sqlitesrc.Snapshot(types.SqliteSource{
		Path:              filepath.Join(src.DataDir, "db.sqlite3"),
		RunIntegrityCheck: true,
	}, runDir)
	if err != nil {
		return nil, fmt.Errorf("vaultwarden: snapshotting db.sqlite3: %w", err)
	}

	// sqlitesrc.Snapshot writes to {runDir}/source/db.sqlite3, which is
	// mergedDir — the snapshot is already in place alongside the
	// symlinked siblings, nothing further to move.

	return &Result{
		Source: types.FilesystemSource{
			Paths:          []string{mergedDir},
			ErrorPolicy:    types.ErrorPolicyFailFast,
			SymlinkPolicy:  types.SymlinkFollow,
			HardlinkPolicy: types.HardlinkCopy,
		},
		IntegrityOK: snapResult.IntegrityOK,
	}, nil
}

func isLiveSQLiteFile(name string) bool {
	for _, f := range liveSQLiteFiles {
		if name == f {
			return true
		}
	}
	return false
}
