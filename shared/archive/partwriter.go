package archive

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"

	"bastionhq.dev/bastion/shared/manifest"
)

// PartWriter is the byte sink at the end of the archive pipeline: it
// rolls to the next payload.partNNNNNN file whenever the current part
// reaches partSizeBytes, hashing each part incrementally with BLAKE3. A
// part that ends up with zero bytes is discarded (no placeholder file is
// left on disk, no entry recorded).
type PartWriter struct {
	dir           string
	partSizeBytes int64

	index      int
	cur        *os.File
	curHash    *blake3.Hasher
	curWritten int64

	parts []manifest.Part
}

// NewPartWriter creates a PartWriter that rolls files under dir.
func NewPartWriter(dir string, partSizeBytes int64) (*PartWriter, error) {
	if partSizeBytes <= 0 {
		return nil, fmt.Errorf("archive: part_size_bytes must be positive, got %d", partSizeBytes)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("archive: creating staging dir: %w", err)
	}
	return &PartWriter{dir: dir, partSizeBytes: partSizeBytes}, nil
}

// Write implements io.Writer, rolling parts as needed.
func (p *PartWriter) Write(b []byte) (int, error) {
	total := 0
	for len(b) > 0 {
		if p.cur == nil {
			if err := p.openNext(); err != nil {
				return total, err
			}
		}

		remaining := p.partSizeBytes - p.curWritten
		chunk := b
		if int64(len(chunk)) > remaining {
			chunk = chunk[:remaining]
		}

		n, err := p.cur.Write(chunk)
		if n > 0 {
			p.curHash.Write(chunk[:n])
			p.curWritten += int64(n)
			total += n
		}
		if err != nil {
			return total, fmt.Errorf("archive: writing part %d: %w", p.index, err)
		}

		b = b[n:]
		if p.curWritten >= p.partSizeBytes {
			if err := p.closeCurrent(); err != nil {
				return total, err
			}
		}
	}
	return total, nil
}

func (p *PartWriter) openNext() error {
	p.index++
	name := partName(p.index)
	f, err := os.Create(filepath.Join(p.dir, name))
	if err != nil {
		return fmt.Errorf("archive: opening part %d: %w", p.index, err)
	}
	p.cur = f
	p.curHash = blake3.New()
	p.curWritten = 0
	return nil
}

func (p *PartWriter) closeCurrent() error {
	if p.cur == nil {
		return nil
	}
	name := filepath.Base(p.cur.Name())
	if err := p.cur.Close(); err != nil {
		return fmt.Errorf("archive: closing part: %w", err)
	}

	if p.curWritten == 0 {
		// Zero-byte part: discard, no placeholder.
		_ = os.Remove(p.cur.Name())
		p.cur = nil
		p.index--
		return nil
	}

	sum := p.curHash.Sum(nil)
	p.parts = append(p.parts, manifest.Part{
		Name:    name,
		Size:    p.curWritten,
		HashAlg: "blake3",
		HashHex: fmt.Sprintf("%x", sum),
	})
	p.cur = nil
	return nil
}

// Close finalizes the last part and returns the ordered list of parts.
func (p *PartWriter) Close() ([]manifest.Part, error) {
	if err := p.closeCurrent(); err != nil {
		return nil, err
	}
	return p.parts, nil
}

func partName(index int) string {
	return fmt.Sprintf("%s%06d", manifest.PartNamePrefix, index)
}

var _ io.Writer = (*PartWriter)(nil)
