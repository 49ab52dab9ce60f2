package offline

import (
	"encoding/json"
	"time"

	"bastionhq.dev/bastion/shared/protocol"
)

// localSink implements executor.FrameSink by writing run events and the
// terminal task result straight into the run store instead of over a
// WebSocket, so the same executor pipeline drives both the online and
// offline paths.
type localSink struct {
	store *RunStore
}

func (s *localSink) SendRunEvent(ev protocol.RunEvent) error {
	return s.store.AppendEvent(ev.RunID, ev.Level, ev.Kind, ev.Message, ev.Fields)
}

func (s *localSink) SendTaskResult(tr protocol.TaskResult) error {
	status := "completed"
	if tr.Status == protocol.TaskResultFailed {
		status = "failed"
	}
	var summary json.RawMessage
	if len(tr.Summary) > 0 {
		summary = tr.Summary
	}
	return s.store.FinishRun(tr.RunID, status, time.Now(), summary, tr.Error)
}
