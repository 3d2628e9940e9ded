package http

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"orgchat/internal/realtime"
)

// WSHandler convierte un handshake autenticado en una sesion del hub.
type WSHandler struct {
	ctx        context.Context
	hub        *realtime.Hub
	dispatcher *realtime.Dispatcher
	upgrader   websocket.Upgrader
	seenSize   int
	logger     *zap.Logger
}

// NewWSHandler: ctx vive lo que vive el servidor; las sesiones no dependen del request.
// Sin allowedOrigins se acepta cualquier origen.
func NewWSHandler(ctx context.Context, hub *realtime.Hub, dispatcher *realtime.Dispatcher, allowedOrigins []string, seenSize int, logger *zap.Logger) *WSHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSHandler{
		ctx:        ctx,
		hub:        hub,
		dispatcher: dispatcher,
		seenSize:   seenSize,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return len(allowedOrigins) == 0 || origin == "" || lo.Contains(allowedOrigins, origin)
			},
		},
	}
}

// Connect maneja GET /ws.
func (h *WSHandler) Connect(c *gin.Context) {
	identity, ok := GetIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing identity"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade ya respondio al cliente.
		h.logger.Warn("websocket upgrade failed", zap.String("user_id", identity.UserID), zap.Error(err))
		return
	}

	session := realtime.NewSession(identity, 0, h.seenSize)
	if err := h.hub.Register(session); err != nil {
		h.logger.Warn("session rejected", zap.String("user_id", identity.UserID), zap.Error(err))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server shutting down"))
		conn.Close()
		return
	}

	client := realtime.NewClient(h.hub, conn, session, h.dispatcher, h.logger)
	go client.WritePump()
	go client.ReadPump(h.ctx)
}
