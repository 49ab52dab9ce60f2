package target

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"bastionhq.dev/bastion/shared/manifest"
	"bastionhq.dev/bastion/shared/types"
)

// LocalDir is the local-directory target driver. MKCOL is emulated by
// mkdir_p; file copies use a sibling .partial name and verify size
// before an atomic rename.
type LocalDir struct{}

// NewLocalDir constructs a LocalDir driver.
func NewLocalDir() *LocalDir { return &LocalDir{} }

func (d *LocalDir) StoreRun(ctx context.Context, base, jobID, runID string, files []StagedFile, progress ProgressFunc) (string, error) {
	dir := runPrefix(base, jobID, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("target: local: mkdir %s: %w", dir, err)
	}

	var total int64
	for _, f := range files {
		total += f.Size
	}
	var done int64

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		dest := filepath.Join(dir, f.Name)
		if fi, err := os.Stat(dest); err == nil && (f.Size == 0 || fi.Size() == f.Size) {
			done += f.Size
			if progress != nil {
				progress(done, &total)
			}
			continue
		}
		if err := copyAtomic(f.LocalPath, dest); err != nil {
			return "", err
		}
		done += f.Size
		if progress != nil {
			progress(done, &total)
		}
	}

	if err := writeMarker(dir); err != nil {
		return "", err
	}
	if progress != nil {
		progress(total, &total)
	}
	return dir, nil
}

func copyAtomic(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("target: local: opening %s: %w", src, err)
	}
	defer in.Close()

	partial := dest + ".partial"
	out, err := os.Create(partial)
	if err != nil {
		return fmt.Errorf("target: local: creating %s: %w", partial, err)
	}

	n, err := io.Copy(out, in)
	if err != nil {
		out.Close()
		os.Remove(partial)
		return fmt.Errorf("target: local: copying to %s: %w", partial, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("target: local: closing %s: %w", partial, err)
	}

	fi, err := os.Stat(src)
	if err == nil && fi.Size() != n {
		os.Remove(partial)
		return fmt.Errorf("target: local: copied size %d does not match source size %d for %s", n, fi.Size(), src)
	}

	if err := os.Rename(partial, dest); err != nil {
		return fmt.Errorf("target: local: renaming %s to %s: %w", partial, dest, err)
	}
	return nil
}

func writeMarker(dir string) error {
	dest := filepath.Join(dir, manifest.CompletionMarkerName)
	partial := dest + ".partial"
	if err := os.WriteFile(partial, []byte("{}"), 0o644); err != nil {
		return fmt.Errorf("target: local: writing marker: %w", err)
	}
	return os.Rename(partial, dest)
}

func (d *LocalDir) DeleteRun(ctx context.Context, base, jobID, runID string) error {
	dir := runPrefix(base, jobID, runID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("target: local: deleting %s: %w", dir, err)
	}
	return nil
}

func (d *LocalDir) ScanIncomplete(ctx context.Context, base string) ([]RunRef, error) {
	var refs []RunRef
	jobDirs, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("target: local: reading base %s: %w", base, err)
	}
	for _, jd := range jobDirs {
		if !jd.IsDir() {
			continue
		}
		jobPath := filepath.Join(base, jd.Name())
		runDirs, err := os.ReadDir(jobPath)
		if err != nil {
			continue
		}
		for _, rd := range runDirs {
			if !rd.IsDir() {
				continue
			}
			runPath := filepath.Join(jobPath, rd.Name())
			_, manifestErr := os.Stat(filepath.Join(runPath, manifest.ManifestName))
			_, markerErr := os.Stat(filepath.Join(runPath, manifest.CompletionMarkerName))
			if manifestErr == nil && markerErr != nil {
				refs = append(refs, RunRef{JobID: jd.Name(), RunID: rd.Name()})
			}
		}
	}
	return refs, nil
}

type localReadCloser struct {
	*os.File
	size int64
}

func (l *localReadCloser) Size() int64 { return l.size }

func (d *LocalDir) OpenPart(ctx context.Context, base, jobID, runID, name string) (ReadCloserSize, error) {
	path := filepath.Join(runPrefix(base, jobID, runID), name)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("target: local: opening %s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("target: local: stat %s: %w", path, err)
	}
	return &localReadCloser{File: f, size: fi.Size()}, nil
}

func (d *LocalDir) Redact(base string) types.RedactedTarget {
	return types.RedactedTarget{Type: types.TargetLocalDir, Location: base}
}
