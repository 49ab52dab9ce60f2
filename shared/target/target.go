// Package target implements the target store contract of spec §4.2:
// idempotent/resumable storage of a run's artifacts under
// {base}/{job_id}/{run_id}/, with a local-directory driver and a WebDAV
// driver sharing the same write-ordering invariant (parts and the
// entries index may interleave; the manifest is written before the
// completion marker, which is always last).
package target

import (
	"context"
	"fmt"
	"os"

	"bastionhq.dev/bastion/shared/manifest"
	"bastionhq.dev/bastion/shared/types"
)

// StagedFile is one local file ready to be stored: either a payload
// part, the entries index, or the manifest. The completion marker is
// written by the driver itself once every StagedFile has landed.
type StagedFile struct {
	Name      string
	LocalPath string
	Size      int64
}

// ProgressFunc reports cumulative upload progress at least once per
// second during transfer and once on completion.
type ProgressFunc func(bytesDone int64, bytesTotal *int64)

// RunRef identifies one run directory found on a target during an
// incomplete-run scan.
type RunRef struct {
	JobID string
	RunID string
}

// Driver is the target store contract. Both the local-directory and
// WebDAV drivers implement it; the restore engine's artifact source
// (package restore) reads the same layout back out.
type Driver interface {
	// StoreRun stores every StagedFile under {base}/{job_id}/{run_id}/,
	// then writes the completion marker last. Idempotent: an existing
	// file of the expected size is left in place.
	StoreRun(ctx context.Context, base, jobID, runID string, files []StagedFile, progress ProgressFunc) (string, error)

	// DeleteRun removes the entire {job_id}/{run_id}/ directory.
	DeleteRun(ctx context.Context, base, jobID, runID string) error

	// ScanIncomplete returns every run directory that has a manifest but
	// no completion marker, for the incomplete-cleanup loop.
	ScanIncomplete(ctx context.Context, base string) ([]RunRef, error)

	// OpenPart opens one stored part (or the entries index / manifest)
	// for reading, for the restore engine and verify operation.
	OpenPart(ctx context.Context, base, jobID, runID, name string) (ReadCloserSize, error)

	// Redact produces a credential-free description of this target for
	// the run/cleanup-task target_snapshot.
	Redact(base string) types.RedactedTarget
}

// ReadCloserSize is an io.ReadCloser that also knows its total size.
type ReadCloserSize interface {
	Read([]byte) (int, error)
	Close() error
	Size() int64
}

// runPrefix joins the base, job id and run id per the fixed layout.
func runPrefix(base, jobID, runID string) string {
	return fmt.Sprintf("%s/%s/%s", base, jobID, runID)
}

// IsRetryable reports whether err represents a transient target failure
// (timeout, 5xx, 423 Locked, network reset) that the artifact-delete and
// upload retry loops should back off and retry, as opposed to a
// permanent failure that should terminate the run or task.
func IsRetryable(err error) bool {
	_, ok := err.(*retryableError)
	return ok
}

// ManifestFiles converts a manifest.Manifest plus staging directory into
// the ordered StagedFile list StoreRun expects (parts, then entries
// index, then manifest; ordering among these does not matter per the
// contract, only that the marker comes last).
func ManifestFiles(stagingDir string, m manifest.Manifest) []StagedFile {
	files := make([]StagedFile, 0, len(m.Artifacts)+2)
	for _, p := range m.Artifacts {
		files = append(files, StagedFile{Name: p.Name, LocalPath: stagingDir + "/" + p.Name, Size: p.Size})
	}
	files = append(files, stagedFile(stagingDir, manifest.EntriesIndexName))
	files = append(files, stagedFile(stagingDir, manifest.ManifestName))
	return files
}

// stagedFile stats name under stagingDir so its StagedFile carries a real
// size. A driver's idempotency check treats Size == 0 as "anything
// already there is fine," so leaving this unset would let a stale
// entries index or manifest from a prior failed run survive a retry
// instead of being overwritten.
func stagedFile(stagingDir, name string) StagedFile {
	path := stagingDir + "/" + name
	var size int64
	if fi, err := os.Stat(path); err == nil {
		size = fi.Size()
	}
	return StagedFile{Name: name, LocalPath: path, Size: size}
}
