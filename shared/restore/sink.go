package restore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"bastionhq.dev/bastion/shared/target"
)

// Sink is the capability interface the restore engine unpacks into: the
// only place spec §9 sanctions open-ended polymorphism, since the
// restore destination genuinely varies (local filesystem or WebDAV).
type Sink interface {
	Exists(archivePath string) (bool, error)
	RemoveAll(archivePath string) error
	Mkdir(archivePath string, mode os.FileMode) error
	WriteFile(archivePath string, mode os.FileMode, r io.Reader, size int64) error
	Symlink(archivePath, linkTarget string) error
	// CopyFrom materializes archivePath as a copy of the bytes already
	// restored at sourceArchivePath, for a tar hardlink entry whose
	// original was unpacked earlier in archive order.
	CopyFrom(archivePath, sourceArchivePath string) error
	// Finish is called once after every entry has been unpacked, to let
	// a staging sink (WebDAV) mirror its local tree to the remote.
	Finish(ctx context.Context) error
}

// LocalFS unpacks directly into a root directory on the local
// filesystem.
type LocalFS struct {
	Root string
}

// NewLocalFS constructs a LocalFS sink rooted at root.
func NewLocalFS(root string) *LocalFS { return &LocalFS{Root: root} }

func (l *LocalFS) resolve(archivePath string) (string, error) {
	return SafeJoin(l.Root, archivePath)
}

func (l *LocalFS) Exists(archivePath string) (bool, error) {
	p, err := l.resolve(archivePath)
	if err != nil {
		return false, err
	}
	_, err = os.Lstat(p)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (l *LocalFS) RemoveAll(archivePath string) error {
	p, err := l.resolve(archivePath)
	if err != nil {
		return err
	}
	return os.RemoveAll(p)
}

func (l *LocalFS) Mkdir(archivePath string, mode os.FileMode) error {
	p, err := l.resolve(archivePath)
	if err != nil {
		return err
	}
	return os.MkdirAll(p, mode|0o700)
}

func (l *LocalFS) WriteFile(archivePath string, mode os.FileMode, r io.Reader, size int64) error {
	p, err := l.resolve(archivePath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("restore: creating parent of %s: %w", p, err)
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode|0o600)
	if err != nil {
		return fmt.Errorf("restore: creating %s: %w", p, err)
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return fmt.Errorf("restore: writing %s: %w", p, err)
	}
	return nil
}

func (l *LocalFS) Symlink(archivePath, linkTarget string) error {
	p, err := l.resolve(archivePath)
	if err != nil {
		return err
	}
	os.Remove(p)
	return os.Symlink(linkTarget, p)
}

// CopyFrom links archivePath to the already-restored sourceArchivePath,
// falling back to a byte copy when the destination filesystem rejects
// the hardlink (e.g. crossing a mount point).
func (l *LocalFS) CopyFrom(archivePath, sourceArchivePath string) error {
	dst, err := l.resolve(archivePath)
	if err != nil {
		return err
	}
	src, err := l.resolve(sourceArchivePath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("restore: creating parent of %s: %w", dst, err)
	}
	os.Remove(dst)
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("restore: opening hardlink source %s: %w", src, err)
	}
	defer in.Close()
	fi, err := in.Stat()
	if err != nil {
		return fmt.Errorf("restore: statting hardlink source %s: %w", src, err)
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, fi.Mode()|0o600)
	if err != nil {
		return fmt.Errorf("restore: creating %s: %w", dst, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("restore: copying %s from %s: %w", dst, src, err)
	}
	return nil
}

func (l *LocalFS) Finish(ctx context.Context) error { return nil }

// WebDAVSink stages unpacked entries in a local temp directory, then
// mirrors the staged tree under Prefix on Finish, creating collections
// with EnsureCollection and uploading files with PutFileWithRetries, per
// spec §4.5.
type WebDAVSink struct {
	local  *LocalFS
	client *target.WebDAV
	prefix string
}

// NewWebDAVSink stages into stagingDir and mirrors under client at the
// given prefix segments on Finish.
func NewWebDAVSink(stagingDir string, client *target.WebDAV, prefix string) *WebDAVSink {
	return &WebDAVSink{local: NewLocalFS(stagingDir), client: client, prefix: prefix}
}

func (w *WebDAVSink) Exists(archivePath string) (bool, error)    { return w.local.Exists(archivePath) }
func (w *WebDAVSink) RemoveAll(archivePath string) error         { return w.local.RemoveAll(archivePath) }
func (w *WebDAVSink) Mkdir(archivePath string, mode os.FileMode) error {
	return w.local.Mkdir(archivePath, mode)
}
func (w *WebDAVSink) WriteFile(archivePath string, mode os.FileMode, r io.Reader, size int64) error {
	return w.local.WriteFile(archivePath, mode, r, size)
}
func (w *WebDAVSink) Symlink(archivePath, linkTarget string) error {
	return w.local.Symlink(archivePath, linkTarget)
}
func (w *WebDAVSink) CopyFrom(archivePath, sourceArchivePath string) error {
	return w.local.CopyFrom(archivePath, sourceArchivePath)
}

// Finish walks the staged tree and mirrors it to the WebDAV prefix,
// respecting conflict policy via HeadSize checks before writing.
func (w *WebDAVSink) Finish(ctx context.Context) error {
	return filepath.Walk(w.local.Root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(w.local.Root, p)
		if err != nil || rel == "." {
			return err
		}
		rel = filepath.ToSlash(rel)
		segs := append([]string{w.prefix}, splitSlash(rel)...)

		if info.IsDir() {
			return w.client.EnsureCollection(ctx, segs...)
		}

		existing, err := w.client.HeadSize(ctx, segs...)
		if err != nil {
			return err
		}
		if existing != nil && *existing == info.Size() {
			return nil
		}
		return w.client.PutFileWithRetries(ctx, p, info.Size(), segs...)
	})
}

func splitSlash(p string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(p); i++ {
		if i == len(p) || p[i] == '/' {
			if i > start {
				out = append(out, p[start:i])
			}
			start = i + 1
		}
	}
	return out
}
