package restore

import (
	"fmt"
	"path"
	"strings"
)

// MatchPath computes the *match path* for a tar entry name per spec
// §4.5 step 1: the archive path with all normal components joined by
// "/". An entry whose name contains any non-normal component (an
// absolute prefix, a root, or a ".." parent reference) is rejected.
func MatchPath(archiveName string) (string, error) {
	clean := strings.ReplaceAll(archiveName, `\`, "/")
	clean = strings.TrimSuffix(clean, "/")
	if clean == "" {
		return "", fmt.Errorf("restore: empty archive path")
	}
	if strings.HasPrefix(clean, "/") {
		return "", fmt.Errorf("restore: archive path %q has an absolute root component", archiveName)
	}
	var parts []string
	for _, part := range strings.Split(clean, "/") {
		switch part {
		case "", ".":
			continue
		case "..":
			return "", fmt.Errorf("restore: archive path %q contains a parent (..) component", archiveName)
		default:
			parts = append(parts, part)
		}
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("restore: archive path %q has no normal components", archiveName)
	}
	return strings.Join(parts, "/"), nil
}

// SafeJoin implements spec §4.5 step 3 / §8's safe_join invariant: only
// Normal components of rel contribute to the destination path under
// root; a Prefix, RootDir, or ParentDir component anywhere in rel causes
// rejection. The returned path is always a descendant of root.
func SafeJoin(root, rel string) (string, error) {
	matched, err := MatchPath(rel)
	if err != nil {
		return "", err
	}
	return path.Join(root, matched), nil
}
