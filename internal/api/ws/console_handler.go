package ws

import (
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Tatu1984/netwatch-sub000/internal/auth"
	"github.com/Tatu1984/netwatch-sub000/internal/broker"
	"github.com/Tatu1984/netwatch-sub000/internal/protocol"
)

// HandleConsole serves GET /ws/console. The first frame must carry a
// valid operator token; after that every decoded frame goes through the
// broker, and disconnect releases the console's rooms and sessions.
func (h *Handler) HandleConsole(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Warn("Console upgrade failed", "remote", c.ClientIP(), "error", err)
		return
	}

	p := newPeer(conn, h.cfg.SendBuffer)
	defer p.Close()
	p.configureRead()

	firstEnv, err := p.readEnvelope()
	if err != nil {
		slog.Warn("Console closed before authenticating", "remote", c.ClientIP(), "error", err)
		return
	}
	if firstEnv.Type != protocol.TypeAgentAuth {
		slog.Warn("Console sent non-auth first frame", "remote", c.ClientIP(), "type", firstEnv.Type)
		return
	}

	authMsg, err := protocol.Decode[protocol.ConsoleAuth](firstEnv)
	if err != nil {
		slog.Warn("Bad console auth payload", "remote", c.ClientIP(), "error", err)
		return
	}

	claims, err := auth.ValidateToken(h.cfg.JWTSecret, authMsg.Token)
	if err != nil {
		slog.Warn("Console auth rejected", "remote", c.ClientIP(), "error", err)
		return
	}

	console := &broker.Console{
		ID:         uuid.New().String(),
		OperatorID: claims.OperatorID,
		Link:       p,
	}

	if err := p.Send(protocol.MustEncode(protocol.TypeAgentAuthSuccess, protocol.ConsoleAuthSuccess{
		OnlineMachines: h.broker.OnlineMachines(),
	})); err != nil {
		return
	}

	h.broker.ConsoleConnected(console)
	defer h.broker.ConsoleDisconnected(console)

	ctx := c.Request.Context()
	for {
		env, err := p.readEnvelope()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("Console read loop ended", "console_id", console.ID, "error", err)
			}
			return
		}
		h.broker.HandleConsoleMessage(ctx, console, env)
	}
}
