package realtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"orgchat/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16 * 1024
	actionTimeout  = 10 * time.Second
)

// Client une una conexion websocket con su sesion.
type Client struct {
	hub        *Hub
	conn       *websocket.Conn
	session    *Session
	dispatcher *Dispatcher
	logger     *zap.Logger
}

func NewClient(hub *Hub, conn *websocket.Conn, session *Session, dispatcher *Dispatcher, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		hub:        hub,
		conn:       conn,
		session:    session,
		dispatcher: dispatcher,
		logger: logger.With(
			zap.String("session_id", session.ID),
			zap.String("user_id", session.UserID()),
		),
	}
}

// ReadPump procesa las acciones de la conexion en orden hasta que se cierra.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c.session.ID)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}

		var frame domain.ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.hub.Reply(c.session, domain.ErrorEvent("", "", domain.Invalid("malformed frame")))
			continue
		}

		actionCtx, cancel := context.WithTimeout(ctx, actionTimeout)
		events := c.dispatcher.Dispatch(actionCtx, c.session, frame)
		cancel()
		for _, ev := range events {
			c.hub.Reply(c.session, ev)
		}
	}
}

// WritePump escribe los eventos de la sesion y mantiene vivo el socket con pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.session.Send():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				c.logger.Error("encode event failed", zap.String("event", string(ev.Name)), zap.Error(err))
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("websocket write failed", zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
