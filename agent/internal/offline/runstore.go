package offline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"bastionhq.dev/bastion/shared/types"
)

// runPayload and eventPayload mirror the wire shape the hub's offline-run
// ingest endpoint expects (POST /v1/offline-runs): a run record plus its
// append-only event log, keyed by run id so repeated delivery of the same
// run is a no-op on the hub side.
type runPayload struct {
	RunID              string          `json:"run_id"`
	JobID              string          `json:"job_id"`
	Status             string          `json:"status"`
	Trigger            string          `json:"trigger"`
	StartedAt          time.Time       `json:"started_at"`
	EndedAt            *time.Time      `json:"ended_at,omitempty"`
	SummaryJSON        json.RawMessage `json:"summary,omitempty"`
	Error              string          `json:"error,omitempty"`
	TargetSnapshotJSON json.RawMessage `json:"target_snapshot,omitempty"`
}

type eventPayload struct {
	Seq        int64           `json:"seq"`
	Ts         time.Time       `json:"ts"`
	Level      string          `json:"level"`
	Kind       string          `json:"kind"`
	Message    string          `json:"message"`
	FieldsJSON json.RawMessage `json:"fields,omitempty"`
}

type ingestRequest struct {
	Run    runPayload     `json:"run"`
	Events []eventPayload `json:"events"`
}

// RunStore persists runs executed while disconnected from the hub under
// dir/{run_id}/run.json and dir/{run_id}/events.jsonl, until the uploader
// confirms the hub has ingested them.
type RunStore struct {
	dir string
	mu  sync.Mutex
}

// NewRunStore returns a store rooted at dir, creating it if necessary.
func NewRunStore(dir string) (*RunStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("offline: creating run store dir: %w", err)
	}
	return &RunStore{dir: dir}, nil
}

func (rs *RunStore) runDir(runID string) string {
	return filepath.Join(rs.dir, runID)
}

// StartRun writes the initial run.json for a newly started run.
func (rs *RunStore) StartRun(runID, jobID, trigger string, startedAt time.Time, targetSnapshot json.RawMessage) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	dir := rs.runDir(runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("offline: creating run dir: %w", err)
	}
	run := runPayload{
		RunID:              runID,
		JobID:              jobID,
		Status:             "running",
		Trigger:            trigger,
		StartedAt:          startedAt,
		TargetSnapshotJSON: targetSnapshot,
	}
	return rs.writeRun(dir, run)
}

// AppendEvent appends one line to the run's events.jsonl, assigning the
// next sequence number itself (the agent is the sole writer, so no
// conflict retry is needed the way the hub's multi-writer append does).
func (rs *RunStore) AppendEvent(runID string, level types.RunEventLevel, kind, message string, fields map[string]interface{}) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	dir := rs.runDir(runID)
	seq, err := rs.nextSeq(dir)
	if err != nil {
		return err
	}

	var fieldsJSON json.RawMessage
	if fields != nil {
		buf, err := json.Marshal(fields)
		if err != nil {
			return fmt.Errorf("offline: encoding event fields: %w", err)
		}
		fieldsJSON = buf
	}

	ev := eventPayload{
		Seq:        seq,
		Ts:         time.Now(),
		Level:      string(level),
		Kind:       kind,
		Message:    message,
		FieldsJSON: fieldsJSON,
	}
	buf, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("offline: encoding event: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(dir, "events.jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("offline: opening events.jsonl: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(buf, '\n')); err != nil {
		return fmt.Errorf("offline: appending event: %w", err)
	}
	return nil
}

// FinishRun updates run.json with a terminal status.
func (rs *RunStore) FinishRun(runID, status string, endedAt time.Time, summary json.RawMessage, runErr string) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	dir := rs.runDir(runID)
	run, err := rs.readRun(dir)
	if err != nil {
		return err
	}
	run.Status = status
	run.EndedAt = &endedAt
	run.SummaryJSON = summary
	run.Error = runErr
	return rs.writeRun(dir, run)
}

// PendingRuns returns the ids of every run still resident in the store,
// in directory-listing order. The uploader removes a run's directory
// once the hub confirms ingestion, so whatever remains here was either
// never delivered or is still mid-delivery.
func (rs *RunStore) PendingRuns() ([]string, error) {
	entries, err := os.ReadDir(rs.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("offline: listing run store: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// InFlightCountByJob counts runs in the store whose run.json still shows
// status "running", grouped by job id, for overlap-policy enforcement.
func (rs *RunStore) InFlightCountByJob() (map[string]int, error) {
	ids, err := rs.PendingRuns()
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, id := range ids {
		run, err := rs.readRun(rs.runDir(id))
		if err != nil {
			continue
		}
		if run.Status == "running" {
			counts[run.JobID]++
		}
	}
	return counts, nil
}

// Load reads the full ingest payload (run + events) for runID.
func (rs *RunStore) Load(runID string) (ingestRequest, error) {
	dir := rs.runDir(runID)
	run, err := rs.readRun(dir)
	if err != nil {
		return ingestRequest{}, err
	}

	raw, err := os.ReadFile(filepath.Join(dir, "events.jsonl"))
	if err != nil && !os.IsNotExist(err) {
		return ingestRequest{}, fmt.Errorf("offline: reading events.jsonl: %w", err)
	}
	var events []eventPayload
	for _, line := range splitLines(raw) {
		if len(line) == 0 {
			continue
		}
		var ev eventPayload
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}

	return ingestRequest{Run: run, Events: events}, nil
}

// Remove deletes a run's directory once the hub has confirmed ingestion.
func (rs *RunStore) Remove(runID string) error {
	return os.RemoveAll(rs.runDir(runID))
}

func (rs *RunStore) readRun(dir string) (runPayload, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "run.json"))
	if err != nil {
		return runPayload{}, fmt.Errorf("offline: reading run.json: %w", err)
	}
	var run runPayload
	if err := json.Unmarshal(raw, &run); err != nil {
		return runPayload{}, fmt.Errorf("offline: decoding run.json: %w", err)
	}
	return run, nil
}

func (rs *RunStore) writeRun(dir string, run runPayload) error {
	buf, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("offline: encoding run.json: %w", err)
	}
	tmp := filepath.Join(dir, "run.json.tmp")
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return fmt.Errorf("offline: writing run.json: %w", err)
	}
	return os.Rename(tmp, filepath.Join(dir, "run.json"))
}

// nextSeq scans events.jsonl for the highest seq written so far. Cheap
// enough at agent scale (one job's worth of events, replayed on every
// append) and avoids keeping any counter state outside the file itself.
func (rs *RunStore) nextSeq(dir string) (int64, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "events.jsonl"))
	if err != nil {
		if os.IsNotExist(err) {
			return 1, nil
		}
		return 0, fmt.Errorf("offline: reading events.jsonl: %w", err)
	}
	var max int64
	for _, line := range splitLines(raw) {
		if len(line) == 0 {
			continue
		}
		var ev eventPayload
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		if ev.Seq > max {
			max = ev.Seq
		}
	}
	return max + 1, nil
}

func splitLines(raw []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range raw {
		if b == '\n' {
			lines = append(lines, raw[start:i])
			start = i + 1
		}
	}
	if start < len(raw) {
		lines = append(lines, raw[start:])
	}
	return lines
}
