// Package protocol defines the JSON text-frame envelope exchanged over the
// single bidirectional hub<->agent connection (spec §4.7): frame kinds,
// their payloads, and the protocol version every frame must carry.
package protocol

import (
	"encoding/json"
	"time"

	"bastionhq.dev/bastion/shared/types"
)

// Version is the protocol version stamped on every frame. Receivers drop
// frames whose V does not match.
const Version = 1

// Kind is the discriminant carried in a frame's "type" field.
type Kind string

const (
	// Hub -> agent
	KindTask            Kind = "task"
	KindConfigSnapshot  Kind = "config_snapshot"
	KindSecretsSnapshot Kind = "secrets_snapshot"
	KindPong            Kind = "pong"
	KindFSList          Kind = "fs_list"

	// Agent -> hub
	KindHello         Kind = "hello"
	KindConfigAck     Kind = "config_ack"
	KindPing          Kind = "ping"
	KindAck           Kind = "ack"
	KindRunEvent      Kind = "run_event"
	KindTaskResult    Kind = "task_result"
	KindFSListResult  Kind = "fs_list_result"
)

// Envelope is the outer shape of every frame: Type selects which payload
// field is populated, analogous to a closed sum type. Only the field
// matching Type is ever read by either side.
type Envelope struct {
	Type Kind `json:"type"`
	V    int  `json:"v"`

	Task            *Task            `json:"task_frame,omitempty"`
	ConfigSnapshot  *ConfigSnapshot  `json:"config_snapshot,omitempty"`
	SecretsSnapshot *SecretsSnapshot `json:"secrets_snapshot,omitempty"`
	FSList          *FSListRequest   `json:"fs_list,omitempty"`

	Hello        *Hello        `json:"hello,omitempty"`
	ConfigAck    *ConfigAck    `json:"config_ack,omitempty"`
	Ack          *Ack          `json:"ack,omitempty"`
	RunEvent     *RunEvent     `json:"run_event,omitempty"`
	TaskResult   *TaskResult   `json:"task_result,omitempty"`
	FSListResult *FSListResult `json:"fs_list_result,omitempty"`
}

// TaskSpec is the fully resolved job spec embedded in a task dispatch —
// credentials and encryption identities are already substituted in.
type TaskSpec = types.JobSpec

// Task dispatches a run to be executed by the agent.
type Task struct {
	TaskID    string    `json:"task_id"`
	RunID     string    `json:"run_id"`
	JobID     string    `json:"job_id"`
	StartedAt time.Time `json:"started_at"`
	Spec      TaskSpec  `json:"spec"`
}

// JobSummary is the per-job slice of a config snapshot: enough for the
// agent's offline scheduler to evaluate cron and dispatch local tasks.
type JobSummary struct {
	JobID         string              `json:"job_id"`
	Name          string              `json:"name"`
	CronExpr      string              `json:"cron_expr,omitempty"`
	Timezone      string              `json:"timezone,omitempty"`
	OverlapPolicy types.OverlapPolicy `json:"overlap_policy"`
	Spec          types.JobSpec       `json:"spec"`
}

// ConfigSnapshot pushes the agent's current set of jobs.
type ConfigSnapshot struct {
	NodeID     string       `json:"node_id"`
	SnapshotID string       `json:"snapshot_id"`
	IssuedAt   time.Time    `json:"issued_at"`
	Jobs       []JobSummary `json:"jobs"`
}

// WebDAVCredential is one resolved credential entry in a secrets snapshot.
type WebDAVCredential struct {
	SecretName string `json:"secret_name"`
	Username   string `json:"username"`
	Password   string `json:"password"`
}

// SecretsSnapshot pushes resolved target credentials to the agent so it
// can run offline.
type SecretsSnapshot struct {
	NodeID   string             `json:"node_id"`
	IssuedAt time.Time          `json:"issued_at"`
	WebDAV   []WebDAVCredential `json:"webdav"`
}

// FSListRequest asks the agent to list a directory (control RPC, used by
// the admin surface when authoring filesystem job sources; out of the
// hard-core scope beyond framing it correctly).
type FSListRequest struct {
	RequestID string            `json:"request_id"`
	Path      string            `json:"path"`
	Cursor    string            `json:"cursor,omitempty"`
	Limit     int               `json:"limit,omitempty"`
	Filters   map[string]string `json:"filters,omitempty"`
}

// FSEntry is one entry returned by an fs_list_result.
type FSEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

// FSListResult answers an FSListRequest.
type FSListResult struct {
	RequestID string    `json:"request_id"`
	Entries   []FSEntry `json:"entries"`
	Error     string    `json:"error,omitempty"`
}

// AgentInfo describes the agent's runtime environment, sent in Hello.
type AgentInfo struct {
	Hostname string `json:"hostname"`
	OS       string `json:"os"`
	Arch     string `json:"arch"`
	Version  string `json:"version"`
}

// Hello is the first frame an agent sends after connecting.
type Hello struct {
	AgentID      string    `json:"agent_id"`
	Name         string    `json:"name,omitempty"`
	Info         AgentInfo `json:"info"`
	Capabilities []string  `json:"capabilities,omitempty"`
}

// ConfigAck acknowledges receipt of a ConfigSnapshot by id.
type ConfigAck struct {
	SnapshotID string `json:"snapshot_id"`
}

// Ack is sent immediately upon receiving a Task, before execution begins.
type Ack struct {
	TaskID string `json:"task_id"`
}

// RunEvent is streamed to the hub during task execution. The agent's Seq
// is advisory; the hub re-sequences on insert.
type RunEvent struct {
	RunID   string                 `json:"run_id"`
	Level   types.RunEventLevel    `json:"level"`
	Kind    string                 `json:"kind"`
	Message string                 `json:"message"`
	Fields  map[string]interface{} `json:"fields,omitempty"`
}

// TaskResultStatus is the terminal status of a completed task.
type TaskResultStatus string

const (
	TaskResultSuccess TaskResultStatus = "success"
	TaskResultFailed  TaskResultStatus = "failed"
)

// TaskResult reports the outcome of a task. Summary may be populated even
// on failure, to preserve partial progress.
type TaskResult struct {
	TaskID  string            `json:"task_id"`
	RunID   string            `json:"run_id"`
	Status  TaskResultStatus  `json:"status"`
	Summary json.RawMessage   `json:"summary,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// NewTaskFrame wraps a Task in a versioned envelope.
func NewTaskFrame(t Task) Envelope { return Envelope{Type: KindTask, V: Version, Task: &t} }

// NewPongFrame builds a heartbeat reply.
func NewPongFrame() Envelope { return Envelope{Type: KindPong, V: Version} }

// NewPingFrame builds a heartbeat request from the agent.
func NewPingFrame() Envelope { return Envelope{Type: KindPing, V: Version} }

// NewHelloFrame wraps a Hello in a versioned envelope.
func NewHelloFrame(h Hello) Envelope { return Envelope{Type: KindHello, V: Version, Hello: &h} }

// NewAckFrame builds an ack frame for taskID.
func NewAckFrame(taskID string) Envelope {
	return Envelope{Type: KindAck, V: Version, Ack: &Ack{TaskID: taskID}}
}

// NewRunEventFrame wraps a RunEvent in a versioned envelope.
func NewRunEventFrame(e RunEvent) Envelope {
	return Envelope{Type: KindRunEvent, V: Version, RunEvent: &e}
}

// NewTaskResultFrame wraps a TaskResult in a versioned envelope.
func NewTaskResultFrame(r TaskResult) Envelope {
	return Envelope{Type: KindTaskResult, V: Version, TaskResult: &r}
}

// NewConfigSnapshotFrame wraps a ConfigSnapshot in a versioned envelope.
func NewConfigSnapshotFrame(s ConfigSnapshot) Envelope {
	return Envelope{Type: KindConfigSnapshot, V: Version, ConfigSnapshot: &s}
}

// NewConfigAckFrame builds a config_ack frame.
func NewConfigAckFrame(snapshotID string) Envelope {
	return Envelope{Type: KindConfigAck, V: Version, ConfigAck: &ConfigAck{SnapshotID: snapshotID}}
}

// NewSecretsSnapshotFrame wraps a SecretsSnapshot in a versioned envelope.
func NewSecretsSnapshotFrame(s SecretsSnapshot) Envelope {
	return Envelope{Type: KindSecretsSnapshot, V: Version, SecretsSnapshot: &s}
}
