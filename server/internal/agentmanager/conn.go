package agentmanager

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"bastionhq.dev/bastion/shared/protocol"
)

const (
	// writeWait is the maximum time allowed to write a frame to the agent.
	writeWait = 10 * time.Second

	// readWait is how long Serve waits for the next frame before treating
	// the connection as dead. The agent is expected to send a ping frame
	// well within this window; every frame received resets the deadline.
	readWait = 90 * time.Second

	// maxMessageSize bounds a single inbound frame. Run events and task
	// results carry a free-form fields/summary blob, so the limit is
	// generous but not unbounded.
	maxMessageSize = 1 << 20 // 1 MiB
)

// upgrader performs the HTTP -> WebSocket protocol upgrade. CheckOrigin
// always returns true — agents authenticate with a bearer token validated
// before Serve is called, and this is not a browser-facing endpoint.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// FrameHandler processes the frame kinds an agent may send after Hello.
// Implemented by the caller that owns the repositories needed to act on
// them (run events append to RunRepository, task results complete a run,
// and so on); agentmanager itself stays free of that dependency.
type FrameHandler interface {
	HandleConfigAck(agentID string, ack protocol.ConfigAck)
	HandleRunEvent(agentID string, ev protocol.RunEvent)
	HandleTaskResult(agentID string, tr protocol.TaskResult)
	HandleFSListResult(agentID string, res protocol.FSListResult)
}

// Serve upgrades the HTTP request to a WebSocket, registers agentID under
// hostname, and runs the connection's read loop until it closes. It
// blocks for the lifetime of the connection; the caller's HTTP handler
// should invoke it directly rather than in a goroutine, since the
// upgraded connection has already taken over the request's lifecycle.
//
// The caller is expected to have already read and validated the agent's
// Hello frame (or equivalent bearer auth) before calling Serve — Serve
// only manages the registry and the steady-state frame loop.
func (m *Manager) Serve(w http.ResponseWriter, r *http.Request, agentID, hostname string, handler FrameHandler) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	agent := m.register(agentID, hostname, conn)
	defer func() {
		m.deregister(agentID, conn)
		_ = conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(readWait)); err != nil {
		return err
	}

	logger := m.logger.With(zap.String("agent_id", agentID), zap.String("hostname", hostname))

	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				logger.Warn("agent connection closed unexpectedly", zap.Error(err))
			}
			return nil
		}
		if err := conn.SetReadDeadline(time.Now().Add(readWait)); err != nil {
			return err
		}
		if env.V != protocol.Version {
			logger.Warn("dropping frame with mismatched protocol version",
				zap.Int("got_version", env.V), zap.String("type", string(env.Type)))
			continue
		}

		switch env.Type {
		case protocol.KindPing:
			if err := agent.send(protocol.NewPongFrame()); err != nil {
				logger.Warn("failed to send pong", zap.Error(err))
				return nil
			}
		case protocol.KindConfigAck:
			if env.ConfigAck != nil {
				handler.HandleConfigAck(agentID, *env.ConfigAck)
			}
		case protocol.KindRunEvent:
			if env.RunEvent != nil {
				handler.HandleRunEvent(agentID, *env.RunEvent)
			}
		case protocol.KindTaskResult:
			if env.TaskResult != nil {
				handler.HandleTaskResult(agentID, *env.TaskResult)
			}
		case protocol.KindFSListResult:
			if env.FSListResult != nil {
				handler.HandleFSListResult(agentID, *env.FSListResult)
			}
		case protocol.KindHello:
			// Identity and capabilities were already established by the
			// bearer token that authenticated the upgrade; the hello
			// frame itself carries nothing Serve needs to act on.
			if env.Hello != nil {
				logger.Info("agent hello", zap.Strings("capabilities", env.Hello.Capabilities))
			}
		default:
			logger.Warn("dropping unexpected frame kind", zap.String("type", string(env.Type)))
		}
	}
}
