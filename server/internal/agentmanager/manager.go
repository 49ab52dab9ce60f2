// Package agentmanager maintains the in-memory registry of connected
// agents and the single bidirectional JSON-frame connection each one
// holds open to the hub (spec §4.7).
//
// When an agent connects, Serve upgrades the HTTP request to a WebSocket
// and registers the resulting connection here. The worker loop uses this
// registry to dispatch a task by writing a frame onto the open connection.
//
// All state is in-memory and intentionally non-persistent: if the hub
// restarts, agents reconnect and re-register automatically via their own
// reconnect loop. The persistent agent record (hostname, capabilities,
// key hash) lives in the database and is managed by AgentRepository.
package agentmanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"bastionhq.dev/bastion/shared/protocol"
)

// ConnectedAgent is an agent with an active hub connection.
type ConnectedAgent struct {
	// ID is the persistent UUIDv7 assigned to this agent by the hub on
	// first enrollment and stored in the database.
	ID string

	// Hostname is cached here for logging, avoiding a database lookup on
	// every dispatch.
	Hostname string

	// ConnectedAt is when this agent established the current connection.
	// Reset on every reconnect — not the same as the DB CreatedAt field.
	ConnectedAt time.Time

	conn *websocket.Conn

	// writeMu serializes writes: gorilla/websocket connections support at
	// most one concurrent writer. Unlike the teacher's client, there is no
	// outbound queue — the protocol here is reactive (task dispatch and
	// pong replies are both infrequent and already serialized by this
	// mutex), so a buffered send channel would add complexity without a
	// throughput benefit.
	writeMu sync.Mutex
}

// send writes env to the agent's connection as a single JSON text
// message, safe for concurrent callers.
func (c *ConnectedAgent) send(env protocol.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteJSON(env)
}

// Manager is the in-memory registry of currently connected agents. Safe
// for concurrent use by multiple goroutines (the websocket handler and
// the scheduler's worker loop run in separate goroutines).
//
// The zero value is not usable — create instances with New.
type Manager struct {
	mu     sync.RWMutex
	agents map[string]*ConnectedAgent // keyed by agent ID
	logger *zap.Logger
}

// New creates a new Manager instance.
func New(logger *zap.Logger) *Manager {
	return &Manager{
		agents: make(map[string]*ConnectedAgent),
		logger: logger.Named("agentmanager"),
	}
}

// register adds an agent to the in-memory registry with its open
// connection. If an agent with the same ID is already registered (e.g. a
// reconnect before the hub detected the previous connection as dead),
// the old entry is closed and replaced.
func (m *Manager) register(agentID, hostname string, conn *websocket.Conn) *ConnectedAgent {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.agents[agentID]; ok {
		m.logger.Warn("replacing existing agent connection",
			zap.String("agent_id", agentID),
			zap.String("hostname", hostname),
		)
		_ = existing.conn.Close()
	}

	agent := &ConnectedAgent{
		ID:          agentID,
		Hostname:    hostname,
		ConnectedAt: time.Now().UTC(),
		conn:        conn,
	}
	m.agents[agentID] = agent

	m.logger.Info("agent connected",
		zap.String("agent_id", agentID),
		zap.String("hostname", hostname),
		zap.Int("total_connected", len(m.agents)),
	)
	return agent
}

// deregister removes an agent from the in-memory registry, but only if
// the entry still points at this exact connection — a reconnect may have
// already replaced it by the time the old connection's read loop exits.
func (m *Manager) deregister(agentID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	agent, exists := m.agents[agentID]
	if !exists || agent.conn != conn {
		return
	}
	delete(m.agents, agentID)

	m.logger.Info("agent disconnected",
		zap.String("agent_id", agentID),
		zap.String("hostname", agent.Hostname),
		zap.Duration("session_duration", time.Since(agent.ConnectedAt)),
		zap.Int("total_connected", len(m.agents)),
	)
}

// Dispatch sends a task frame to a specific agent. Returns an error if
// the agent is not connected or the write fails; the caller (the worker
// loop) is responsible for leaving the run in "running" so the
// incomplete-cleanup loop can reconcile it later.
func (m *Manager) Dispatch(agentID string, task protocol.Task) error {
	m.mu.RLock()
	agent, exists := m.agents[agentID]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("agent %s is not connected", agentID)
	}

	if err := agent.send(protocol.NewTaskFrame(task)); err != nil {
		return fmt.Errorf("failed to send task %s to agent %s: %w", task.TaskID, agentID, err)
	}

	m.logger.Info("task dispatched to agent",
		zap.String("task_id", task.TaskID),
		zap.String("run_id", task.RunID),
		zap.String("agent_id", agentID),
		zap.String("hostname", agent.Hostname),
	)
	return nil
}

// SendConfigSnapshot pushes a config snapshot to a connected agent.
func (m *Manager) SendConfigSnapshot(agentID string, snap protocol.ConfigSnapshot) error {
	return m.sendTo(agentID, protocol.NewConfigSnapshotFrame(snap))
}

// SendSecretsSnapshot pushes a secrets snapshot to a connected agent.
func (m *Manager) SendSecretsSnapshot(agentID string, snap protocol.SecretsSnapshot) error {
	return m.sendTo(agentID, protocol.NewSecretsSnapshotFrame(snap))
}

func (m *Manager) sendTo(agentID string, env protocol.Envelope) error {
	m.mu.RLock()
	agent, exists := m.agents[agentID]
	m.mu.RUnlock()
	if !exists {
		return fmt.Errorf("agent %s is not connected", agentID)
	}
	return agent.send(env)
}

// IsConnected reports whether an agent with the given ID currently has
// an active connection.
func (m *Manager) IsConnected(agentID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, exists := m.agents[agentID]
	return exists
}

// ConnectedAgents returns a snapshot of all currently connected agents.
func (m *Manager) ConnectedAgents() []*ConnectedAgent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*ConnectedAgent, 0, len(m.agents))
	for _, a := range m.agents {
		cp := *a
		result = append(result, &cp)
	}
	return result
}

// WaitForAgent blocks until the agent with the given ID connects or ctx
// is canceled. Used when a job is triggered manually for an agent that
// might be mid-reconnect.
func (m *Manager) WaitForAgent(ctx context.Context, agentID string) error {
	for {
		if m.IsConnected(agentID) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for agent %s to connect: %w", agentID, ctx.Err())
		case <-time.After(500 * time.Millisecond):
		}
	}
}
