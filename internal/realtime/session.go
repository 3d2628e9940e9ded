package realtime

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"orgchat/internal/domain"
)

const (
	defaultSendBuffer = 256
	defaultSeenSize   = 512
)

type enqueueResult int

const (
	enqueued enqueueResult = iota
	duplicate
	dropped
)

// Session es una conexion autenticada. Pertenece a un unico usuario durante toda su vida.
type Session struct {
	ID       string
	Identity domain.Identity

	mu     sync.Mutex
	send   chan domain.Event
	seen   *lru.Cache[string, struct{}]
	rooms  map[string]struct{}
	closed bool
}

func NewSession(identity domain.Identity, sendBuffer, seenSize int) *Session {
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	if seenSize <= 0 {
		seenSize = defaultSeenSize
	}
	// lru.New solo falla con tamano no positivo.
	seen, _ := lru.New[string, struct{}](seenSize)
	return &Session{
		ID:       uuid.NewString(),
		Identity: identity,
		send:     make(chan domain.Event, sendBuffer),
		seen:     seen,
		rooms:    make(map[string]struct{}),
	}
}

func (s *Session) UserID() string {
	return s.Identity.UserID
}

// Send es el canal que drena el WritePump; se cierra al desregistrar la sesion.
func (s *Session) Send() <-chan domain.Event {
	return s.send
}

// enqueue no bloquea. Un evento con DedupKey ya visto se descarta en silencio.
func (s *Session) enqueue(ev domain.Event) enqueueResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return dropped
	}
	if ev.DedupKey != "" && s.seen.Contains(ev.DedupKey) {
		return duplicate
	}
	select {
	case s.send <- ev:
		if ev.DedupKey != "" {
			s.seen.Add(ev.DedupKey, struct{}{})
		}
		return enqueued
	default:
		return dropped
	}
}

// Join registra la suscripcion de la sesion a una sala.
func (s *Session) Join(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[roomID] = struct{}{}
}

func (s *Session) Leave(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, roomID)
}

func (s *Session) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.send)
}
