package ws

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/Tatu1984/netwatch-sub000/internal/broker"
	"github.com/Tatu1984/netwatch-sub000/internal/protocol"
)

type Config struct {
	AgentKey   string
	SendBuffer int
	JWTSecret  string
}

// Handler upgrades agent and console connections and pumps their frames
// into the broker.
type Handler struct {
	broker   *broker.Broker
	cfg      Config
	stream   protocol.StreamConfig
	upgrader websocket.Upgrader
}

func NewHandler(b *broker.Broker, cfg Config, stream protocol.StreamConfig) *Handler {
	if cfg.SendBuffer == 0 {
		cfg.SendBuffer = 256
	}
	return &Handler{
		broker: b,
		cfg:    cfg,
		stream: stream,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// HandleAgent serves GET /ws/agent. The first frame must authenticate
// the machine; everything after is telemetry and responses routed
// through the broker until the socket dies.
func (h *Handler) HandleAgent(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Warn("Agent upgrade failed", "remote", c.ClientIP(), "error", err)
		return
	}

	p := newPeer(conn, h.cfg.SendBuffer)
	defer p.Close()
	p.configureRead()

	firstEnv, err := p.readEnvelope()
	if err != nil {
		slog.Warn("Agent closed before authenticating", "remote", c.ClientIP(), "error", err)
		return
	}
	if firstEnv.Type != protocol.TypeAgentAuth {
		slog.Warn("Agent sent non-auth first frame", "remote", c.ClientIP(), "type", firstEnv.Type)
		return
	}

	authMsg, err := protocol.Decode[protocol.AgentAuth](firstEnv)
	if err != nil {
		slog.Warn("Bad agent auth payload", "remote", c.ClientIP(), "error", err)
		return
	}
	if authMsg.MachineIdentity == "" {
		slog.Warn("Agent auth missing machine identity", "remote", c.ClientIP())
		return
	}
	if subtle.ConstantTimeCompare([]byte(authMsg.AgentKey), []byte(h.cfg.AgentKey)) != 1 {
		slog.Warn("Agent auth rejected", "remote", c.ClientIP(), "machine_identity", authMsg.MachineIdentity)
		return
	}

	machineID := authMsg.MachineIdentity
	if err := p.Send(protocol.MustEncode(protocol.TypeAgentAuthSuccess, protocol.AgentAuthSuccess{
		MachineID: machineID,
		Config:    h.stream,
	})); err != nil {
		return
	}

	h.broker.AgentConnected(machineID, authMsg.HostInfo, p)
	defer h.broker.AgentDisconnected(machineID, p)

	for {
		env, err := p.readEnvelope()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("Agent read loop ended", "machine_id", machineID, "error", err)
			}
			return
		}
		h.broker.HandleAgentMessage(machineID, env)
	}
}
