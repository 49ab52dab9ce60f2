// Package hub implements agentmanager.FrameHandler: the hub-side
// reaction to the frames an agent sends once connected (spec §4.7) —
// run events and task results are folded into the run repository and
// fanned out over the run bus, the same way the scheduler's hub-local
// execution path folds its own progress back in.
package hub

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"bastionhq.dev/bastion/server/internal/notification"
	"bastionhq.dev/bastion/server/internal/repositories"
	"bastionhq.dev/bastion/server/internal/runbus"
	"bastionhq.dev/bastion/shared/protocol"
	"bastionhq.dev/bastion/shared/types"
)

// Handler implements agentmanager.FrameHandler.
type Handler struct {
	runs          repositories.RunRepository
	jobs          repositories.JobRepository
	notifications notification.Service
	bus           *runbus.Registry
	logger        *zap.Logger
}

// NewHandler builds a Handler.
func NewHandler(runs repositories.RunRepository, jobs repositories.JobRepository, notifications notification.Service, bus *runbus.Registry, logger *zap.Logger) *Handler {
	return &Handler{runs: runs, jobs: jobs, notifications: notifications, bus: bus, logger: logger.Named("hub")}
}

// HandleConfigAck just logs: the hub has no further state machine around
// a config snapshot being acknowledged.
func (h *Handler) HandleConfigAck(agentID string, ack protocol.ConfigAck) {
	h.logger.Info("agent acknowledged config snapshot",
		zap.String("agent_id", agentID), zap.String("snapshot_id", ack.SnapshotID))
}

// HandleRunEvent appends a streamed task event to the run repository and
// fans it out to any subscriber of that run. The agent's own seq is
// advisory and discarded here; AppendRunEvent computes the hub's own
// sequence number.
func (h *Handler) HandleRunEvent(agentID string, ev protocol.RunEvent) {
	ctx := context.Background()

	runID, err := uuid.Parse(ev.RunID)
	if err != nil {
		h.logger.Warn("run event with malformed run_id", zap.String("agent_id", agentID), zap.String("run_id", ev.RunID))
		return
	}

	fieldsJSON := ""
	if len(ev.Fields) > 0 {
		if buf, err := json.Marshal(ev.Fields); err == nil {
			fieldsJSON = string(buf)
		}
	}

	event, err := h.runs.AppendRunEvent(ctx, runID, string(ev.Level), ev.Kind, ev.Message, fieldsJSON)
	if err != nil {
		h.logger.Warn("appending agent run event", zap.String("run_id", runID.String()), zap.Error(err))
		return
	}
	h.bus.Publish(runID, *event)
}

// HandleTaskResult completes the run, emits the closing event, and
// enqueues a completion notification — the same three steps the
// scheduler's own completeRun performs for a hub-local run.
func (h *Handler) HandleTaskResult(agentID string, tr protocol.TaskResult) {
	ctx := context.Background()

	runID, err := uuid.Parse(tr.RunID)
	if err != nil {
		h.logger.Warn("task result with malformed run_id", zap.String("agent_id", agentID), zap.String("run_id", tr.RunID))
		return
	}

	status := types.RunStatusFailed
	if tr.Status == protocol.TaskResultSuccess {
		status = types.RunStatusSuccess
	}
	summaryJSON := "{}"
	if len(tr.Summary) > 0 {
		summaryJSON = string(tr.Summary)
	}

	if err := h.runs.CompleteRun(ctx, runID, string(status), summaryJSON, tr.Error); err != nil {
		h.logger.Error("completing agent-reported run", zap.String("run_id", runID.String()), zap.Error(err))
		return
	}

	kind, level := "completed", types.EventLevelInfo
	if status != types.RunStatusSuccess {
		kind, level = "failed", types.EventLevelError
	}
	if event, err := h.runs.AppendRunEvent(ctx, runID, string(level), kind, tr.Error, ""); err != nil {
		h.logger.Warn("appending run completion event", zap.String("run_id", runID.String()), zap.Error(err))
	} else {
		h.bus.Publish(runID, *event)
	}

	if h.notifications == nil {
		return
	}
	run, err := h.runs.GetRun(ctx, runID)
	if err != nil {
		h.logger.Warn("loading run for notification", zap.String("run_id", runID.String()), zap.Error(err))
		return
	}
	jobName := ""
	if job, err := h.jobs.GetByID(ctx, run.JobID); err == nil {
		jobName = job.Name
	}
	if err := h.notifications.NotifyRunCompleted(ctx, runID, run.JobID, jobName, status, tr.Error); err != nil {
		h.logger.Warn("enqueueing run completion notification", zap.String("run_id", runID.String()), zap.Error(err))
	}
}

// HandleFSListResult only logs: the remote-browse control RPC (spec
// §4.7) has no server-side consumer yet, since nothing in this
// implementation's scope issues an fs_list request to correlate the
// reply against.
func (h *Handler) HandleFSListResult(agentID string, res protocol.FSListResult) {
	h.logger.Info("received fs_list_result",
		zap.String("agent_id", agentID), zap.String("request_id", res.RequestID), zap.Int("entries", len(res.Entries)))
}
