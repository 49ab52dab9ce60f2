package restore

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"

	"filippo.io/age"
	"github.com/klauspost/compress/zstd"

	"bastionhq.dev/bastion/shared/types"
)

// Summary reports what a restore pass did.
type Summary struct {
	FilesRestored int64
	DirsRestored  int64
	BytesRestored int64
	Skipped       int64
}

// ProgressFunc receives one call per unpacked entry (spec §4.5 step 6):
// 1 for a file or directory, plus the file's byte count.
type ProgressFunc func(isDir bool, bytes int64)

// Engine replays a run's payload stream into a Sink.
type Engine struct {
	Selection *NormalizedSelection
	Conflict  types.ConflictPolicy
	Progress  ProgressFunc
}

// Restore constructs zstd_decoder(age_decryptor_or_raw(payload)) ->
// tar_reader and unpacks every matching entry into sink, per spec §4.5.
func (e *Engine) Restore(ctx context.Context, payload io.Reader, identity age.Identity, encrypted bool, sink Sink) (Summary, error) {
	var summary Summary

	src := payload
	if encrypted {
		if identity == nil {
			return summary, fmt.Errorf("restore: payload is age-encrypted but no identity was provided")
		}
		dr, err := age.Decrypt(payload, identity)
		if err != nil {
			return summary, fmt.Errorf("restore: opening age decryption: %w", err)
		}
		src = dr
	}

	zr, err := zstd.NewReader(src)
	if err != nil {
		return summary, fmt.Errorf("restore: opening zstd decoder: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)

	for {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return summary, fmt.Errorf("restore: reading tar entry: %w", err)
		}

		matchPath, err := MatchPath(hdr.Name)
		if err != nil {
			// Reject per spec step 1: skip the entry rather than abort
			// the whole restore on a malformed archive path.
			summary.Skipped++
			continue
		}

		if e.Selection != nil && !e.Selection.Matches(matchPath) {
			summary.Skipped++
			continue
		}

		if err := e.unpackEntry(hdr, matchPath, tr, sink, &summary); err != nil {
			return summary, err
		}
	}

	if err := sink.Finish(ctx); err != nil {
		return summary, fmt.Errorf("restore: finishing sink: %w", err)
	}
	return summary, nil
}

func (e *Engine) unpackEntry(hdr *tar.Header, matchPath string, r io.Reader, sink Sink, summary *Summary) error {
	exists, err := sink.Exists(matchPath)
	if err != nil {
		return fmt.Errorf("restore: checking existence of %s: %w", matchPath, err)
	}
	if exists {
		switch e.Conflict {
		case types.ConflictSkip:
			summary.Skipped++
			return nil
		case types.ConflictFail:
			return fmt.Errorf("restore: destination %s already exists (conflict policy = fail)", matchPath)
		default: // overwrite
			if err := sink.RemoveAll(matchPath); err != nil {
				return fmt.Errorf("restore: removing existing %s: %w", matchPath, err)
			}
		}
	}

	switch hdr.Typeflag {
	case tar.TypeDir:
		if err := sink.Mkdir(matchPath, os.FileMode(hdr.Mode)); err != nil {
			return fmt.Errorf("restore: creating dir %s: %w", matchPath, err)
		}
		summary.DirsRestored++
		e.report(true, 0)

	case tar.TypeSymlink:
		if err := sink.Symlink(matchPath, hdr.Linkname); err != nil {
			return fmt.Errorf("restore: creating symlink %s: %w", matchPath, err)
		}
		summary.FilesRestored++
		e.report(false, 0)

	case tar.TypeLink:
		// The archive always emits the linked-to entry before any
		// hardlink referencing it, so hdr.Linkname's bytes are already
		// on the sink by the time we get here.
		sourcePath, err := MatchPath(hdr.Linkname)
		if err != nil {
			return fmt.Errorf("restore: resolving hardlink source %q: %w", hdr.Linkname, err)
		}
		if err := sink.CopyFrom(matchPath, sourcePath); err != nil {
			return fmt.Errorf("restore: restoring hardlink %s: %w", matchPath, err)
		}
		summary.FilesRestored++
		e.report(false, 0)

	default:
		if err := sink.WriteFile(matchPath, os.FileMode(hdr.Mode), r, hdr.Size); err != nil {
			return fmt.Errorf("restore: writing %s: %w", matchPath, err)
		}
		summary.FilesRestored++
		summary.BytesRestored += hdr.Size
		e.report(false, hdr.Size)
	}
	return nil
}

func (e *Engine) report(isDir bool, bytes int64) {
	if e.Progress != nil {
		e.Progress(isDir, bytes)
	}
}
