// Package ingest implements the single in-scope HTTP surface of the hub
// (spec §4.8): the offline-run ingest endpoint an agent calls on
// reconnect to upload every run it completed while disconnected. Upsert
// by run id and insert-only-new-seq events make repeated delivery of the
// same run a no-op, so the agent can simply retry until it gets a 2xx.
package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"bastionhq.dev/bastion/server/internal/db"
	"bastionhq.dev/bastion/server/internal/repositories"
)

// Handler serves the offline-run ingest endpoint.
type Handler struct {
	agents repositories.AgentRepository
	jobs   repositories.JobRepository
	runs   repositories.RunRepository
	logger *zap.Logger
}

// New builds a Handler.
func New(agents repositories.AgentRepository, jobs repositories.JobRepository, runs repositories.RunRepository, logger *zap.Logger) *Handler {
	return &Handler{agents: agents, jobs: jobs, runs: runs, logger: logger.Named("ingest")}
}

// Routes mounts the ingest endpoint on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/v1/offline-runs", h.handleIngest)
}

// runPayload is the wire shape of one offline run, mirroring the fields
// the agent persisted to offline_runs/{run_id}/run.json.
type runPayload struct {
	RunID              uuid.UUID       `json:"run_id"`
	JobID              uuid.UUID       `json:"job_id"`
	Status             string          `json:"status"`
	Trigger            string          `json:"trigger"`
	StartedAt          time.Time       `json:"started_at"`
	EndedAt            *time.Time      `json:"ended_at,omitempty"`
	SummaryJSON        json.RawMessage `json:"summary,omitempty"`
	Error              string          `json:"error,omitempty"`
	TargetSnapshotJSON json.RawMessage `json:"target_snapshot,omitempty"`
}

// eventPayload is one line of the agent's events.jsonl.
type eventPayload struct {
	Seq        int64           `json:"seq"`
	Ts         time.Time       `json:"ts"`
	Level      string          `json:"level"`
	Kind       string          `json:"kind"`
	Message    string          `json:"message"`
	FieldsJSON json.RawMessage `json:"fields,omitempty"`
}

// ingestRequest is one offline_runs/{run_id} directory's worth of data.
type ingestRequest struct {
	Run    runPayload     `json:"run"`
	Events []eventPayload `json:"events"`
}

func (h *Handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	agent, err := h.authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Run.RunID == uuid.Nil || req.Run.JobID == uuid.Nil {
		http.Error(w, "run_id and job_id are required", http.StatusBadRequest)
		return
	}

	job, err := h.jobs.GetByID(r.Context(), req.Run.JobID)
	if err != nil {
		http.Error(w, "unknown job", http.StatusNotFound)
		return
	}
	if job.AgentID == nil || *job.AgentID != agent.ID {
		http.Error(w, "job does not belong to this agent", http.StatusForbidden)
		return
	}

	run := &db.Run{
		JobID:              req.Run.JobID,
		Status:             req.Run.Status,
		Trigger:            req.Run.Trigger,
		StartedAt:          req.Run.StartedAt,
		EndedAt:            req.Run.EndedAt,
		SummaryJSON:        string(req.Run.SummaryJSON),
		Error:              req.Run.Error,
		TargetSnapshotJSON: string(req.Run.TargetSnapshotJSON),
	}
	run.ID = req.Run.RunID

	events := make([]db.RunEvent, 0, len(req.Events))
	for _, ev := range req.Events {
		events = append(events, db.RunEvent{
			Seq:        ev.Seq,
			Ts:         ev.Ts,
			Level:      ev.Level,
			Kind:       ev.Kind,
			Message:    ev.Message,
			FieldsJSON: string(ev.FieldsJSON),
		})
	}

	if err := h.runs.IngestOfflineRun(r.Context(), run, events); err != nil {
		h.logger.Error("ingesting offline run",
			zap.String("run_id", run.ID.String()),
			zap.String("agent_id", agent.ID.String()),
			zap.Error(err),
		)
		http.Error(w, "ingest failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{"ingested": true, "run_id": run.ID})
}

// authenticate resolves the bearer token on r to its owning agent,
// hashing it the same way enrollment stored it.
func (h *Handler) authenticate(r *http.Request) (*db.Agent, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return nil, errors.New("missing bearer token")
	}
	sum := sha256.Sum256([]byte(token))
	keyHash := hex.EncodeToString(sum[:])
	return h.agents.GetByKeyHash(r.Context(), keyHash)
}
