package archive

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"bastionhq.dev/bastion/shared/manifest"
)

// EntriesIndexWriter writes the zstd-compressed, line-delimited entries
// index alongside the archive payload.
type EntriesIndexWriter struct {
	f     *os.File
	zw    *zstd.Encoder
	count int64
}

// NewEntriesIndexWriter creates entries.jsonl.zst in dir.
func NewEntriesIndexWriter(dir string) (*EntriesIndexWriter, error) {
	f, err := os.Create(filepath.Join(dir, manifest.EntriesIndexName))
	if err != nil {
		return nil, fmt.Errorf("archive: creating entries index: %w", err)
	}
	zw, err := zstd.NewWriter(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("archive: creating zstd encoder: %w", err)
	}
	return &EntriesIndexWriter{f: f, zw: zw}, nil
}

// Append writes one entry record as a JSON line.
func (w *EntriesIndexWriter) Append(rec manifest.EntryRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("archive: marshaling entry record: %w", err)
	}
	b = append(b, '\n')
	if _, err := w.zw.Write(b); err != nil {
		return fmt.Errorf("archive: writing entry record: %w", err)
	}
	w.count++
	return nil
}

// Close finalizes the zstd stream and returns the entry index reference.
func (w *EntriesIndexWriter) Close() (manifest.EntryIndexRef, error) {
	if err := w.zw.Close(); err != nil {
		return manifest.EntryIndexRef{}, fmt.Errorf("archive: closing zstd encoder: %w", err)
	}
	if err := w.f.Close(); err != nil {
		return manifest.EntryIndexRef{}, fmt.Errorf("archive: closing entries index file: %w", err)
	}
	return manifest.EntryIndexRef{Name: manifest.EntriesIndexName, Count: w.count}, nil
}

var _ io.Closer = (*os.File)(nil)
