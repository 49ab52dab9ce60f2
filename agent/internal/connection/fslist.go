package connection

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"bastionhq.dev/bastion/shared/protocol"
)

// defaultFSListLimit bounds a single fs_list reply when the request
// leaves Limit unset.
const defaultFSListLimit = 500

// handleFSList answers a browse request against the local filesystem,
// for the hub's remote source picker. Entries are sorted by name and the
// request's Cursor is treated as the name to resume after, giving simple
// stable pagination without tracking directory-read state across calls.
func handleFSList(req protocol.FSListRequest) protocol.FSListResult {
	result := protocol.FSListResult{RequestID: req.RequestID}

	info, err := os.Stat(req.Path)
	if err != nil {
		result.Error = fmt.Sprintf("stat %s: %v", req.Path, err)
		return result
	}
	if !info.IsDir() {
		result.Error = fmt.Sprintf("%s is not a directory", req.Path)
		return result
	}

	entries, err := os.ReadDir(req.Path)
	if err != nil {
		result.Error = fmt.Sprintf("reading %s: %v", req.Path, err)
		return result
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	limit := req.Limit
	if limit <= 0 {
		limit = defaultFSListLimit
	}

	for _, e := range entries {
		if req.Cursor != "" && e.Name() <= req.Cursor {
			continue
		}
		if !matchesFilters(e.Name(), req.Filters) {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		result.Entries = append(result.Entries, protocol.FSEntry{
			Name:  e.Name(),
			IsDir: e.IsDir(),
			Size:  fi.Size(),
		})
		if len(result.Entries) >= limit {
			break
		}
	}
	return result
}

// matchesFilters reports whether name matches every glob pattern in
// filters. An invalid pattern excludes every name, since the agent has
// no way to report the error back through FSEntry.
func matchesFilters(name string, filters []string) bool {
	for _, f := range filters {
		ok, err := filepath.Match(f, name)
		if err != nil || !ok {
			return false
		}
	}
	return true
}
