// Package connection implements the agent side of the hub<->agent
// stream (spec §4.7): one bidirectional JSON-frame WebSocket connection,
// held open for the process lifetime and re-dialed with equal-jitter
// backoff on any failure. Task frames are handed to the executor; config
// and secrets snapshots are sealed and persisted via agentstate; run
// events and task results produced by the executor are written back
// onto the socket.
package connection

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"bastionhq.dev/bastion/agent/internal/agentstate"
	"bastionhq.dev/bastion/agent/internal/executor"
	"bastionhq.dev/bastion/shared/protocol"
)

const (
	// heartbeatInterval is how often the agent sends a ping frame.
	heartbeatInterval = 15 * time.Second

	// pongTimeout is how long the agent waits for a pong after its last
	// ping before declaring the connection dead and reconnecting.
	pongTimeout = 3 * heartbeatInterval

	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20 // 1 MiB, matching the hub's own limit
)

// Config configures the connection manager.
type Config struct {
	// ServerURL is the hub's base HTTP(S) URL, e.g. "https://hub.example.com".
	ServerURL string
	// AgentKey is the bearer token issued at enrollment.
	AgentKey string
	Hostname string
	Name     string
	Version  string
	OS       string
	Arch     string
}

// Manager owns the agent's single connection to the hub: dialing,
// reconnect backoff, heartbeating, and the steady-state frame loop.
type Manager struct {
	cfg    Config
	state  *agentstate.Store
	exec   *executor.Executor
	logger *zap.Logger

	connMu sync.RWMutex
	conn   *websocket.Conn
	sendMu sync.Mutex

	lastPong   time.Time
	lastPongMu sync.Mutex
}

// New builds a Manager. exec is the already-constructed task executor;
// the manager enqueues incoming tasks into it and implements
// executor.FrameSink to carry its output back to the hub.
func New(cfg Config, state *agentstate.Store, exec *executor.Executor, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		state:  state,
		exec:   exec,
		logger: logger.Named("connection"),
	}
}

// Run dials the hub and services the connection until ctx is canceled,
// reconnecting with equal-jitter backoff on every failure.
func (m *Manager) Run(ctx context.Context) {
	identity, err := m.state.LoadIdentity()
	if err != nil {
		m.logger.Error("loading persisted identity", zap.Error(err))
	}
	agentID := identity.AgentID

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		attempt++
		if err := m.runOnce(ctx, agentID); err != nil {
			wait := equalJitterBackoff(agentID, attempt)
			m.logger.Warn("connection attempt failed, reconnecting",
				zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		attempt = 0
	}
}

// runOnce dials the hub, runs the frame loop to completion, and returns
// the reason the connection ended.
func (m *Manager) runOnce(ctx context.Context, agentID string) error {
	conn, err := m.dial(ctx)
	if err != nil {
		return fmt.Errorf("connection: dialing hub: %w", err)
	}

	m.connMu.Lock()
	m.conn = conn
	m.connMu.Unlock()
	defer func() {
		m.connMu.Lock()
		m.conn = nil
		m.connMu.Unlock()
		_ = conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	m.recordPong()

	hello := protocol.Hello{
		AgentID: agentID,
		Name:    m.cfg.Name,
		Info: protocol.AgentInfo{
			Hostname: m.cfg.Hostname,
			OS:       m.cfg.OS,
			Arch:     m.cfg.Arch,
			Version:  m.cfg.Version,
		},
		Capabilities: []string{"filesystem", "sqlite", "vaultwarden"},
	}
	if err := m.send(protocol.NewHelloFrame(hello)); err != nil {
		return fmt.Errorf("connection: sending hello: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- m.heartbeatLoop(runCtx, conn) }()
	go func() { errCh <- m.readLoop(runCtx, conn) }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		cancel()
		return err
	}
}

func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(m.cfg.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("parsing server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/agent/connect"

	header := http.Header{}
	header.Set("Authorization", "Bearer "+m.cfg.AgentKey)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial: %w (http status %s)", err, resp.Status)
		}
		return nil, err
	}
	return conn, nil
}

// heartbeatLoop sends ping on a timer and watches for a pong within
// pongTimeout, closing the connection (which unblocks readLoop) if one
// doesn't arrive.
func (m *Manager) heartbeatLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	watchdog := time.NewTicker(heartbeatInterval)
	defer watchdog.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.send(protocol.NewPingFrame()); err != nil {
				return fmt.Errorf("connection: sending ping: %w", err)
			}
		case <-watchdog.C:
			if time.Since(m.lastPongTime()) > pongTimeout {
				return fmt.Errorf("connection: no pong within %s, assuming connection dead", pongTimeout)
			}
		}
	}
}

// readLoop processes frames from the hub until the connection closes or
// ctx is canceled.
func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return fmt.Errorf("connection: reading frame: %w", err)
		}
		if env.V != protocol.Version {
			m.logger.Warn("dropping frame with mismatched protocol version",
				zap.Int("got_version", env.V), zap.String("type", string(env.Type)))
			continue
		}

		switch env.Type {
		case protocol.KindPong:
			m.recordPong()

		case protocol.KindTask:
			if env.Task == nil {
				continue
			}
			if err := m.send(protocol.NewAckFrame(env.Task.TaskID)); err != nil {
				m.logger.Warn("sending ack", zap.String("task_id", env.Task.TaskID), zap.Error(err))
			}
			if err := m.exec.Enqueue(*env.Task); err != nil {
				m.logger.Warn("enqueueing task", zap.String("task_id", env.Task.TaskID), zap.Error(err))
			}

		case protocol.KindConfigSnapshot:
			if env.ConfigSnapshot == nil {
				continue
			}
			m.handleConfigSnapshot(*env.ConfigSnapshot)

		case protocol.KindSecretsSnapshot:
			if env.SecretsSnapshot == nil {
				continue
			}
			m.handleSecretsSnapshot(*env.SecretsSnapshot)

		case protocol.KindFSList:
			if env.FSList == nil {
				continue
			}
			result := handleFSList(*env.FSList)
			if err := m.send(protocol.Envelope{Type: protocol.KindFSListResult, V: protocol.Version, FSListResult: &result}); err != nil {
				m.logger.Warn("sending fs_list_result", zap.String("request_id", env.FSList.RequestID), zap.Error(err))
			}

		default:
			m.logger.Warn("dropping unexpected frame kind", zap.String("type", string(env.Type)))
		}
	}
}

// handleConfigSnapshot ignores a snapshot addressed to a different node,
// otherwise persists it and acknowledges.
func (m *Manager) handleConfigSnapshot(snap protocol.ConfigSnapshot) {
	identity, err := m.state.LoadIdentity()
	if err != nil {
		m.logger.Error("loading identity before config snapshot", zap.Error(err))
		return
	}
	if identity.AgentID != "" && snap.NodeID != identity.AgentID {
		m.logger.Warn("ignoring config snapshot addressed to a different node",
			zap.String("snapshot_node_id", snap.NodeID), zap.String("agent_id", identity.AgentID))
		return
	}
	if err := m.state.SaveConfigSnapshot(snap); err != nil {
		m.logger.Error("persisting config snapshot", zap.Error(err))
		return
	}
	if err := m.send(protocol.NewConfigAckFrame(snap.SnapshotID)); err != nil {
		m.logger.Warn("sending config_ack", zap.String("snapshot_id", snap.SnapshotID), zap.Error(err))
	}
}

func (m *Manager) handleSecretsSnapshot(snap protocol.SecretsSnapshot) {
	identity, err := m.state.LoadIdentity()
	if err != nil {
		m.logger.Error("loading identity before secrets snapshot", zap.Error(err))
		return
	}
	if identity.AgentID != "" && snap.NodeID != identity.AgentID {
		m.logger.Warn("ignoring secrets snapshot addressed to a different node",
			zap.String("snapshot_node_id", snap.NodeID), zap.String("agent_id", identity.AgentID))
		return
	}
	if err := m.state.SaveSecretsSnapshot(snap); err != nil {
		m.logger.Error("persisting secrets snapshot", zap.Error(err))
	}
}

// SendRunEvent implements executor.FrameSink.
func (m *Manager) SendRunEvent(ev protocol.RunEvent) error {
	return m.send(protocol.NewRunEventFrame(ev))
}

// SendTaskResult implements executor.FrameSink.
func (m *Manager) SendTaskResult(tr protocol.TaskResult) error {
	return m.send(protocol.NewTaskResultFrame(tr))
}

func (m *Manager) send(env protocol.Envelope) error {
	m.connMu.RLock()
	conn := m.conn
	m.connMu.RUnlock()
	if conn == nil {
		return fmt.Errorf("connection: not connected")
	}

	m.sendMu.Lock()
	defer m.sendMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteJSON(env)
}

func (m *Manager) recordPong() {
	m.lastPongMu.Lock()
	m.lastPong = time.Now()
	m.lastPongMu.Unlock()
}

func (m *Manager) lastPongTime() time.Time {
	m.lastPongMu.Lock()
	defer m.lastPongMu.Unlock()
	return m.lastPong
}
