// Package realtime mantiene las sesiones websocket de esta instancia y
// despacha las acciones de los clientes.
package realtime

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"orgchat/internal/domain"
	"orgchat/internal/metrics"
)

// Hub es el router de sesiones: usuario -> sesiones conectadas a esta instancia.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byUser   map[string]map[string]*Session
	closed   bool
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

func NewHub(logger *zap.Logger, m *metrics.Metrics) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		sessions: make(map[string]*Session),
		byUser:   make(map[string]map[string]*Session),
		logger:   logger,
		metrics:  m,
	}
}

// Register falla si el id ya pertenece a otro usuario. Registrar dos veces la misma sesion no hace nada.
func (h *Hub) Register(s *Session) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return fmt.Errorf("hub closed")
	}
	if existing, ok := h.sessions[s.ID]; ok {
		if existing.UserID() != s.UserID() {
			return fmt.Errorf("session %s already bound to another user: %w", s.ID, domain.ErrConflict)
		}
		return nil
	}
	h.sessions[s.ID] = s
	if h.byUser[s.UserID()] == nil {
		h.byUser[s.UserID()] = make(map[string]*Session)
	}
	h.byUser[s.UserID()][s.ID] = s
	h.metrics.SessionOpened()
	h.logger.Info("session registered", zap.String("session_id", s.ID), zap.String("user_id", s.UserID()))
	return nil
}

// Unregister es idempotente y cierra el canal de envio de la sesion.
func (h *Hub) Unregister(sessionID string) {
	h.mu.Lock()
	s, ok := h.sessions[sessionID]
	if ok {
		delete(h.sessions, sessionID)
		if userSessions := h.byUser[s.UserID()]; userSessions != nil {
			delete(userSessions, sessionID)
			if len(userSessions) == 0 {
				delete(h.byUser, s.UserID())
			}
		}
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	s.close()
	h.metrics.SessionClosed()
	h.logger.Info("session unregistered", zap.String("session_id", sessionID), zap.String("user_id", s.UserID()))
}

func (h *Hub) SessionsOf(userID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.byUser[userID]))
	for id := range h.byUser[userID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Deliver envia a todas las sesiones del usuario sin bloquear. Sin sesiones no es un error.
// Devuelve cuantas sesiones recibieron el evento.
func (h *Hub) Deliver(userID string, ev domain.Event) int {
	h.mu.RLock()
	targets := make([]*Session, 0, len(h.byUser[userID]))
	for _, s := range h.byUser[userID] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, s := range targets {
		switch s.enqueue(ev) {
		case enqueued:
			delivered++
			h.metrics.Delivered(string(ev.Name))
		case dropped:
			h.metrics.Dropped()
			h.logger.Warn("session buffer full, event dropped",
				zap.String("session_id", s.ID),
				zap.String("user_id", userID),
				zap.String("event", string(ev.Name)),
			)
		}
	}
	return delivered
}

// Reply envia una respuesta a una sola sesion, con la misma politica que Deliver.
func (h *Hub) Reply(s *Session, ev domain.Event) bool {
	switch s.enqueue(ev) {
	case enqueued:
		h.metrics.Delivered(string(ev.Name))
		return true
	case dropped:
		h.metrics.Dropped()
		h.logger.Warn("session buffer full, reply dropped",
			zap.String("session_id", s.ID),
			zap.String("event", string(ev.Name)),
		)
	}
	return false
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Close cierra todas las sesiones; los WritePump envian el frame de cierre.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	ids := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	h.mu.Unlock()
	for _, id := range ids {
		h.Unregister(id)
	}
}
