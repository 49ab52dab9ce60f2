// Package archive implements the backup artifact pipeline of spec §4.1:
// walk a source, tar it in pax format, compress with zstd, optionally
// encrypt with age, split into fixed-size hashed parts, and emit the
// entries index, manifest, and completion marker in the required order.
package archive

import (
	"archive/tar"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"filippo.io/age"
	"github.com/klauspost/compress/zstd"

	"bastionhq.dev/bastion/shared/archive/fswalk"
	"bastionhq.dev/bastion/shared/manifest"
	"bastionhq.dev/bastion/shared/types"
)

// RecipientResolver looks up the age public-key recipient for an
// encryption's RecipientSecretName, reading the identity from the secret
// store and deriving the recipient from it on demand.
type RecipientResolver func(recipientSecretName string) (age.Recipient, error)

// ProgressFunc receives throttled stage/progress snapshots during a build.
// The builder calls it at most once per second per stage, plus forced
// calls on stage transitions and completion.
type ProgressFunc func(types.RunProgress)

// Builder drives one run's worth of archive production into a staging
// directory.
type Builder struct {
	StagingDir    string
	PartSizeBytes int64
	Resolver      RecipientResolver
	Progress      ProgressFunc
}

// LocalRunArtifacts is what Build produces: everything needed by a
// target driver to store the run.
type LocalRunArtifacts struct {
	Manifest   manifest.Manifest
	StagingDir string
	Issues     []string
}

// Build runs the full pipeline for one job/run against the prepared
// effective filesystem source (the caller resolves sqlite/vaultwarden
// sources into a filesystem source via the sqlitesrc/vaultwarden
// packages before calling Build).
func (b *Builder) Build(jobID, runID string, fsSrc types.FilesystemSource, enc types.Encryption) (*LocalRunArtifacts, error) {
	startedAt := time.Now().UTC()

	if err := os.MkdirAll(b.StagingDir, 0o755); err != nil {
		return nil, fmt.Errorf("archive: creating staging dir: %w", err)
	}

	partWriter, err := NewPartWriter(b.StagingDir, b.PartSizeBytes)
	if err != nil {
		return nil, err
	}

	var sink io.Writer = partWriter
	var ageCloser io.WriteCloser
	encKind := "none"
	if enc.Kind == types.EncryptionAgeX25519 {
		if b.Resolver == nil {
			return nil, fmt.Errorf("archive: encryption requested but no recipient resolver configured")
		}
		recipient, err := b.Resolver(enc.RecipientSecretName)
		if err != nil {
			return nil, fmt.Errorf("archive: resolving age recipient: %w", err)
		}
		aw, err := age.Encrypt(partWriter, recipient)
		if err != nil {
			return nil, fmt.Errorf("archive: starting age encryption: %w", err)
		}
		ageCloser = aw
		sink = aw
		encKind = "age"
	}

	zw, err := zstd.NewWriter(sink, zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("archive: creating zstd encoder: %w", err)
	}

	tw := tar.NewWriter(zw)

	idx, err := NewEntriesIndexWriter(b.StagingDir)
	if err != nil {
		return nil, fmt.Errorf("archive: creating entries index: %w", err)
	}

	b.emitProgress(types.RunProgress{Stage: types.StageScan})

	var doneFiles, doneDirs, doneBytes int64
	lastEmit := time.Time{}

	onEntry := func(e fswalk.Entry) {
		if e.IsDir {
			doneDirs++
		} else {
			doneFiles++
			doneBytes += e.Size
		}
		now := time.Now()
		if now.Sub(lastEmit) >= time.Second {
			b.emitProgress(types.RunProgress{Stage: types.StagePackaging, DoneFiles: doneFiles, DoneDirs: doneDirs, DoneBytes: doneBytes})
			lastEmit = now
		}
	}

	if _, err := writeFilesystemTar(fsSrc, tw, idx, onEntry); err != nil {
		tw.Close()
		zw.Close()
		if ageCloser != nil {
			ageCloser.Close()
		}
		partWriter.Close()
		return nil, err
	}

	b.emitProgress(types.RunProgress{Stage: types.StagePackaging, DoneFiles: doneFiles, DoneDirs: doneDirs, DoneBytes: doneBytes})

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("archive: finalizing tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("archive: finalizing zstd: %w", err)
	}
	if ageCloser != nil {
		if err := ageCloser.Close(); err != nil {
			return nil, fmt.Errorf("archive: finalizing age stream: %w", err)
		}
	}
	parts, err := partWriter.Close()
	if err != nil {
		return nil, err
	}
	entryRef, err := idx.Close()
	if err != nil {
		return nil, err
	}

	m := manifest.Manifest{
		FormatVersion: manifest.FormatVersion,
		JobID:         jobID,
		RunID:         runID,
		StartedAt:     startedAt,
		EndedAt:       time.Now().UTC(),
		Pipeline: manifest.Pipeline{
			Format:      string(types.ArchiveFormatV1),
			Tar:         "pax",
			Compression: "zstd",
			Encryption:  encKind,
			SplitBytes:  b.PartSizeBytes,
		},
		Artifacts:  parts,
		EntryIndex: entryRef,
	}

	if err := writeManifest(b.StagingDir, m); err != nil {
		return nil, err
	}
	if err := writeCompletionMarker(b.StagingDir); err != nil {
		return nil, err
	}

	return &LocalRunArtifacts{Manifest: m, StagingDir: b.StagingDir}, nil
}

func (b *Builder) emitProgress(p types.RunProgress) {
	if b.Progress != nil {
		b.Progress(p)
	}
}

func writeManifest(dir string, m manifest.Manifest) error {
	f, err := os.Create(filepath.Join(dir, manifest.ManifestName))
	if err != nil {
		return fmt.Errorf("archive: creating manifest: %w", err)
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(m); err != nil {
		return fmt.Errorf("archive: writing manifest: %w", err)
	}
	return nil
}

func writeCompletionMarker(dir string) error {
	f, err := os.Create(filepath.Join(dir, manifest.CompletionMarkerName))
	if err != nil {
		return fmt.Errorf("archive: creating completion marker: %w", err)
	}
	defer f.Close()
	if _, err := f.Write([]byte("{}")); err != nil {
		return fmt.Errorf("archive: writing completion marker: %w", err)
	}
	return nil
}
