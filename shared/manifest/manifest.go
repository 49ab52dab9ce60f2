// Package manifest defines the on-target manifest, completion marker, and
// entries-index record shapes (spec §3, §6), plus the well-known file
// names every target driver writes under {base}/{job_id}/{run_id}/.
package manifest

import "time"

const (
	// EntriesIndexName is the fixed name of the zstd-compressed entries
	// index file.
	EntriesIndexName = "entries.jsonl.zst"
	// ManifestName is the fixed name of the manifest file.
	ManifestName = "manifest.json"
	// CompletionMarkerName is the fixed name of the completion marker.
	// Its presence is the atomic commit signal for a run.
	CompletionMarkerName = "complete.json"
	// PartNamePrefix prefixes every payload part name.
	PartNamePrefix = "payload.part"
)

// FormatVersion is the only supported manifest schema version.
const FormatVersion = 1

// Part describes one fixed-size chunk of the archive payload.
type Part struct {
	Name    string `json:"name"`
	Size    int64  `json:"size"`
	HashAlg string `json:"hash_alg"`
	HashHex string `json:"hash_hex"`
}

// EntryIndexRef describes the entries index attached to a manifest.
type EntryIndexRef struct {
	Name  string `json:"name"`
	Count int64  `json:"count"`
}

// Pipeline mirrors types.Pipeline but in the wire shape written to the
// manifest (encryption is flattened to its string kind plus an optional
// key identifier, never raw key material).
type Pipeline struct {
	Format        string `json:"format"`
	Tar           string `json:"tar"`
	Compression   string `json:"compression"`
	Encryption    string `json:"encryption"`
	EncryptionKey string `json:"encryption_key,omitempty"`
	SplitBytes    int64  `json:"split_bytes"`
}

// Manifest is the run manifest, written after all parts and the entries
// index, strictly before the completion marker.
type Manifest struct {
	FormatVersion int           `json:"format_version"`
	JobID         string        `json:"job_id"`
	RunID         string        `json:"run_id"`
	StartedAt     time.Time     `json:"started_at"`
	EndedAt       time.Time     `json:"ended_at"`
	Pipeline      Pipeline      `json:"pipeline"`
	Artifacts     []Part        `json:"artifacts"`
	EntryIndex    EntryIndexRef `json:"entry_index"`
}

// CompletionMarker is always serialized as an empty JSON object.
type CompletionMarker struct{}

// EntryKind is the kind discriminant of an entries-index record.
type EntryKind string

const (
	EntryFile    EntryKind = "file"
	EntryDir     EntryKind = "dir"
	EntrySymlink EntryKind = "symlink"
)

// EntryRecord is one line of the entries.jsonl.zst stream, in archive
// (tar) order.
type EntryRecord struct {
	Path    string    `json:"path"`
	Kind    EntryKind `json:"kind"`
	Size    int64     `json:"size"`
	HashAlg string    `json:"hash_alg,omitempty"`
	Hash    string    `json:"hash,omitempty"`
}
