// Package fswalk implements the filesystem-source walk rules of spec
// §4.1: paths/root resolution, include/exclude globs, symlink/hardlink/
// error policies, and archive-path normalization and deduplication.
package fswalk

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"bastionhq.dev/bastion/shared/types"
)

// Entry is one walked filesystem object, ready to be written as a tar
// entry and an entries-index record by the archive builder.
type Entry struct {
	ArchivePath           string
	FullPath              string
	IsDir                 bool
	IsSymlink             bool
	LinkTarget            string
	Size                  int64
	Mode                  os.FileMode
	ModTime               time.Time
	IsHardlinkDup         bool
	HardlinkOfArchivePath string
}

// Issue is a single recorded warning or error-kind event from the walk.
type Issue struct {
	Kind    string // "warning" | "error"
	Path    string
	Message string
}

// Issues aggregates every Issue recorded during a walk, exposed in the
// run summary as FilesystemBuildIssues.
type Issues struct {
	Items []Issue
}

func (i *Issues) warn(path, format string, args ...interface{}) {
	i.Items = append(i.Items, Issue{Kind: "warning", Path: path, Message: fmt.Sprintf(format, args...)})
}

func (i *Issues) errKind(path, format string, args ...interface{}) {
	i.Items = append(i.Items, Issue{Kind: "error", Path: path, Message: fmt.Sprintf(format, args...)})
}

// EmitFunc receives each walked entry in archive order. Returning an error
// aborts the walk.
type EmitFunc func(Entry) error

type devino struct {
	dev, ino uint64
}

// Walk resolves src's paths/root inputs, walks each, and calls emit for
// every entry in archive order. It returns the aggregated issue list and,
// for error_policy=fail_fast, the first OS error encountered (also
// returned as err).
func Walk(src types.FilesystemSource, emit EmitFunc) (*Issues, error) {
	issues := &Issues{}

	inputs, err := resolveInputs(issues, src)
	if err != nil {
		return issues, err
	}

	seenArchivePaths := make(map[string]struct{})
	hardlinks := make(map[devino]string)

	for _, in := range inputs {
		w := &walker{
			src:        src,
			prefix:     in.prefix,
			root:       in.root,
			issues:     issues,
			seen:       seenArchivePaths,
			hardlinks:  hardlinks,
			emit:       emit,
		}
		if werr := w.run(); werr != nil {
			return issues, werr
		}
	}
	return issues, nil
}

type input struct {
	root   string
	prefix string
}

// resolveInputs implements the paths/root resolution and subtree-dedup
// rule: paths are deduplicated by string, then any path strictly under a
// previously chosen directory is dropped and recorded as a warning on
// issues.
func resolveInputs(issues *Issues, src types.FilesystemSource) ([]input, error) {
	var raw []string
	if len(src.Paths) > 0 {
		raw = append(raw, src.Paths...)
	} else if src.Root != "" {
		raw = append(raw, src.Root)
	} else {
		return nil, fmt.Errorf("fswalk: filesystem source requires a non-empty paths list or a root")
	}

	dedup := make(map[string]struct{}, len(raw))
	var ordered []string
	for _, p := range raw {
		clean := filepath.Clean(p)
		if _, ok := dedup[clean]; ok {
			continue
		}
		dedup[clean] = struct{}{}
		ordered = append(ordered, clean)
	}

	// Drop any path strictly under a previously chosen directory.
	sort.Strings(ordered)
	var kept []string
	for _, p := range ordered {
		nested := false
		for _, k := range kept {
			if p != k && strings.HasPrefix(p, k+string(filepath.Separator)) {
				nested = true
				issues.warn(p, "nested under already-included path %q, dropped", k)
				break
			}
		}
		if !nested {
			kept = append(kept, p)
		}
	}

	inputs := make([]input, 0, len(kept))
	for _, p := range kept {
		prefix, err := archivePrefix(p)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, input{root: p, prefix: prefix})
	}
	return inputs, nil
}

// archivePrefix strips any volume name and root separators and rejects
// ".." components, yielding the forward-slash-joined prefix under which
// this input's entries are archived.
func archivePrefix(p string) (string, error) {
	clean := filepath.ToSlash(filepath.Clean(p))
	clean = strings.TrimPrefix(clean, filepath.ToSlash(filepath.VolumeName(p)))
	clean = strings.TrimLeft(clean, "/")
	if clean == "." || clean == "" {
		return "", nil
	}
	parts := strings.Split(clean, "/")
	kept := parts[:0:0]
	for _, part := range parts {
		if part == ".." {
			return "", fmt.Errorf("fswalk: path %q contains a %q component, rejected", p, "..")
		}
		if part == "" || part == "." {
			continue
		}
		kept = append(kept, part)
	}
	return strings.Join(kept, "/"), nil
}

type walker struct {
	src       types.FilesystemSource
	prefix    string
	root      string
	issues    *Issues
	seen      map[string]struct{}
	hardlinks map[devino]string
	emit      EmitFunc
}

func (w *walker) archivePath(rel string) string {
	rel = filepath.ToSlash(rel)
	if w.prefix == "" {
		return rel
	}
	if rel == "." || rel == "" {
		return w.prefix
	}
	return w.prefix + "/" + rel
}

func (w *walker) run() error {
	return w.walkDir(w.root, ".")
}

// walkDir recurses manually (rather than via filepath.WalkDir) so that
// symlink_policy=follow can descend into symlinked directories, which
// filepath.WalkDir never does.
func (w *walker) walkDir(fullPath, rel string) error {
	entries, err := os.ReadDir(fullPath)
	if err != nil {
		return w.handleOSError(fullPath, err)
	}

	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	sort.Strings(names)

	for _, name := range names {
		childFull := filepath.Join(fullPath, name)
		childRel := name
		if rel != "." && rel != "" {
			childRel = rel + "/" + name
		}
		if err := w.visit(childFull, childRel); err != nil {
			return err
		}
	}
	return nil
}

func (w *walker) visit(fullPath, rel string) error {
	lst, err := os.Lstat(fullPath)
	if err != nil {
		return w.handleOSError(fullPath, err)
	}

	archivePath := w.archivePath(rel)

	if lst.Mode()&os.ModeSymlink != 0 {
		return w.visitSymlink(fullPath, rel, archivePath, lst)
	}

	if lst.IsDir() {
		return w.visitDir(fullPath, rel, archivePath, lst)
	}

	return w.visitFile(fullPath, rel, archivePath, lst)
}

func (w *walker) visitSymlink(fullPath, rel, archivePath string, lst os.FileInfo) error {
	switch w.src.SymlinkPolicy {
	case types.SymlinkSkip:
		w.issues.warn(archivePath, "symlink skipped per policy")
		return nil
	case types.SymlinkFollow:
		target, err := filepath.EvalSymlinks(fullPath)
		if err != nil {
			return w.handleOSError(fullPath, err)
		}
		info, err := os.Stat(target)
		if err != nil {
			return w.handleOSError(fullPath, err)
		}
		if info.IsDir() {
			return w.walkDir(target, rel)
		}
		return w.emitEntry(Entry{
			ArchivePath: archivePath,
			FullPath:    target,
			Size:        info.Size(),
			Mode:        info.Mode(),
			ModTime:     info.ModTime(),
		})
	default: // keep
		link, err := os.Readlink(fullPath)
		if err != nil {
			return w.handleOSError(fullPath, err)
		}
		return w.emitEntry(Entry{
			ArchivePath: archivePath,
			FullPath:    fullPath,
			IsSymlink:   true,
			LinkTarget:  link,
			Mode:        lst.Mode(),
			ModTime:     lst.ModTime(),
		})
	}
}

func (w *walker) visitDir(fullPath, rel, archivePath string, lst os.FileInfo) error {
	if w.matchExclude(archivePath, true) {
		w.issues.warn(archivePath, "directory excluded")
		return nil
	}
	if err := w.emitEntry(Entry{
		ArchivePath: archivePath,
		FullPath:    fullPath,
		IsDir:       true,
		Mode:        lst.Mode(),
		ModTime:     lst.ModTime(),
	}); err != nil {
		return err
	}
	return w.walkDir(fullPath, rel)
}

func (w *walker) visitFile(fullPath, rel, archivePath string, lst os.FileInfo) error {
	if w.matchExclude(archivePath, false) {
		w.issues.warn(archivePath, "file excluded")
		return nil
	}
	if !w.matchInclude(archivePath) {
		return nil
	}

	entry := Entry{
		ArchivePath: archivePath,
		FullPath:    fullPath,
		Size:        lst.Size(),
		Mode:        lst.Mode(),
		ModTime:     lst.ModTime(),
	}

	if w.src.HardlinkPolicy == types.HardlinkKeep {
		if key, ok := statDevIno(lst); ok {
			if first, dup := w.hardlinks[key]; dup {
				entry.IsHardlinkDup = true
				entry.HardlinkOfArchivePath = first
			} else {
				w.hardlinks[key] = archivePath
			}
		} else {
			w.issues.warn(archivePath, "hardlink_keep unsupported on this platform, degraded to copy")
		}
	}

	return w.emitEntry(entry)
}

func (w *walker) emitEntry(e Entry) error {
	if _, dup := w.seen[e.ArchivePath]; dup {
		w.issues.warn(e.ArchivePath, "duplicate archive path, first occurrence kept")
		return nil
	}
	w.seen[e.ArchivePath] = struct{}{}
	return w.emit(e)
}

func (w *walker) handleOSError(fullPath string, err error) error {
	switch w.src.ErrorPolicy {
	case types.ErrorPolicySkipFail:
		w.issues.errKind(fullPath, "%v", err)
		return nil
	case types.ErrorPolicySkipOK:
		w.issues.warn(fullPath, "%v", err)
		return nil
	default: // fail_fast
		return fmt.Errorf("fswalk: %s: %w", fullPath, err)
	}
}

func (w *walker) matchExclude(archivePath string, isDir bool) bool {
	for _, g := range w.src.ExcludeGlobs {
		if globMatch(g, archivePath) {
			return true
		}
		if isDir && globMatch(g, archivePath+"/") {
			return true
		}
	}
	return false
}

func (w *walker) matchInclude(archivePath string) bool {
	if len(w.src.IncludeGlobs) == 0 {
		return true
	}
	for _, g := range w.src.IncludeGlobs {
		if globMatch(g, archivePath) {
			return true
		}
	}
	return false
}

func globMatch(pattern, name string) bool {
	ok, err := path.Match(pattern, name)
	return err == nil && ok
}
