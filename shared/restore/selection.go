// Package restore implements streaming reconstruction of a run's tree
// from its parts (spec §4.5): selection filtering, conflict policy, and
// path-traversal-safe unpacking into a local filesystem or WebDAV sink.
package restore

import (
	"fmt"
	"sort"
	"strings"

	"bastionhq.dev/bastion/shared/types"
)

// NormalizedSelection is a Selection after the shared normalization rules
// (spec §4.5): trimmed, slash-normalized, with files kept as an exact-
// match set and directories kept sorted by descending length so the
// longest prefix wins.
type NormalizedSelection struct {
	files map[string]struct{}
	dirs  []string // sorted by descending length
}

// NormalizeSelection applies the rules shared by restore and entry-list
// filtering: trim; backslash to slash; strip leading "./" and "/"; strip
// trailing "/" unless the entry originated as a directory; reject "" and
// any ".." component. An empty result (no files, no dirs) is an error.
func NormalizeSelection(sel types.Selection) (*NormalizedSelection, error) {
	ns := &NormalizedSelection{files: make(map[string]struct{})}

	for _, f := range sel.Files {
		norm, err := normalizePath(f, false)
		if err != nil {
			return nil, fmt.Errorf("restore: invalid selection file %q: %w", f, err)
		}
		ns.files[norm] = struct{}{}
	}
	for _, d := range sel.Dirs {
		norm, err := normalizePath(d, true)
		if err != nil {
			return nil, fmt.Errorf("restore: invalid selection dir %q: %w", d, err)
		}
		ns.dirs = append(ns.dirs, norm)
	}

	if len(ns.files) == 0 && len(ns.dirs) == 0 {
		return nil, fmt.Errorf("restore: selection normalizes to empty, nothing would be restored")
	}

	sort.Slice(ns.dirs, func(i, j int) bool { return len(ns.dirs[i]) > len(ns.dirs[j]) })
	return ns, nil
}

func normalizePath(p string, isDir bool) (string, error) {
	p = strings.TrimSpace(p)
	p = strings.ReplaceAll(p, `\`, "/")
	p = strings.TrimPrefix(p, "./")
	p = strings.TrimLeft(p, "/")
	if !isDir {
		p = strings.TrimSuffix(p, "/")
	} else {
		p = strings.TrimSuffix(p, "/")
	}
	if p == "" {
		return "", fmt.Errorf("empty after normalization")
	}
	for _, part := range strings.Split(p, "/") {
		if part == ".." {
			return "", fmt.Errorf("contains a %q component", "..")
		}
	}
	return p, nil
}

// Matches reports whether archivePath (already in archive form: forward
// slashes, no leading slash) matches this selection: it equals a
// selected file, equals a selected directory, or starts with "{dir}/"
// for some selected directory.
func (ns *NormalizedSelection) Matches(archivePath string) bool {
	if _, ok := ns.files[archivePath]; ok {
		return true
	}
	for _, d := range ns.dirs {
		if archivePath == d || strings.HasPrefix(archivePath, d+"/") {
			return true
		}
	}
	return false
}
