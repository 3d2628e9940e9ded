package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"orgchat/internal/domain"
)

// MemoryStore guarda usuarios, salas y mensajes en memoria.
// Se usa en tests y en modo local; un unico mutex serializa todas las mutaciones.
type MemoryStore struct {
	mu       sync.Mutex
	users    map[string]domain.User
	rooms    map[string]domain.Room
	private  map[string]string
	messages map[string][]storedMessage
	seq      int64
}

type storedMessage struct {
	seq int64
	msg domain.Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]domain.User),
		rooms:    make(map[string]domain.Room),
		private:  make(map[string]string),
		messages: make(map[string][]storedMessage),
	}
}

// PutUser registra un usuario; el alta real ocurre fuera del chat.
func (s *MemoryStore) PutUser(user domain.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user.Role == "" {
		user.Role = domain.RoleMember
	}
	s.users[user.ID] = user
}

func (s *MemoryStore) Users() *MemoryUserRepository       { return &MemoryUserRepository{s: s} }
func (s *MemoryStore) Rooms() *MemoryRoomRepository       { return &MemoryRoomRepository{s: s} }
func (s *MemoryStore) Messages() *MemoryMessageRepository { return &MemoryMessageRepository{s: s} }

// MessageCount devuelve cuantos mensajes persisten para la sala.
func (s *MemoryStore) MessageCount(roomID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages[roomID])
}

// RoomCount devuelve cuantas salas vivas hay de un tipo.
func (s *MemoryStore) RoomCount(kind domain.RoomKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, room := range s.rooms {
		if room.Kind == kind {
			n++
		}
	}
	return n
}

func copyRoom(room domain.Room) domain.Room {
	room.Participants = room.Participants.Clone()
	return room
}

type MemoryUserRepository struct{ s *MemoryStore }

func (r *MemoryUserRepository) GetByID(_ context.Context, id string) (domain.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[id]
	if !ok {
		return domain.User{}, fmt.Errorf("user %s: %w", id, domain.ErrNotFound)
	}
	return u, nil
}

func (r *MemoryUserRepository) ListByOrganization(_ context.Context, organizationID, excludeID string) ([]domain.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := []domain.User{}
	for _, u := range r.s.users {
		if u.OrganizationID == organizationID && u.ID != excludeID {
			out = append(out, u)
		}
	}
	sortUsers(out)
	return out, nil
}

func (r *MemoryUserRepository) ListByIDs(_ context.Context, ids []string) ([]domain.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := []domain.User{}
	for _, id := range ids {
		if u, ok := r.s.users[id]; ok {
			out = append(out, u)
		}
	}
	sortUsers(out)
	return out, nil
}

func sortUsers(users []domain.User) {
	sort.Slice(users, func(i, j int) bool {
		if users[i].DisplayName != users[j].DisplayName {
			return users[i].DisplayName < users[j].DisplayName
		}
		return users[i].ID < users[j].ID
	})
}

type MemoryRoomRepository struct{ s *MemoryStore }

func (r *MemoryRoomRepository) GetByID(_ context.Context, id string) (domain.Room, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	room, ok := r.s.rooms[id]
	if !ok {
		return domain.Room{}, fmt.Errorf("room %s: %w", id, domain.ErrNotFound)
	}
	return copyRoom(room), nil
}

func (r *MemoryRoomRepository) ListByParticipant(_ context.Context, userID string, kind domain.RoomKind) ([]domain.Room, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.filterRooms(func(room domain.Room) bool {
		return room.IsParticipant(userID) && (kind == "" || room.Kind == kind)
	}), nil
}

func (r *MemoryRoomRepository) ListByKind(_ context.Context, kind domain.RoomKind) ([]domain.Room, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.filterRooms(func(room domain.Room) bool {
		return room.Kind == kind
	}), nil
}

func (s *MemoryStore) filterRooms(keep func(domain.Room) bool) []domain.Room {
	out := []domain.Room{}
	for _, room := range s.rooms {
		if keep(room) {
			out = append(out, copyRoom(room))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *MemoryRoomRepository) FindPrivate(_ context.Context, a, b string) (domain.Room, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := domain.PrivatePairKey(a, b)
	id, ok := r.s.private[key]
	if !ok {
		return domain.Room{}, fmt.Errorf("private room %s: %w", key, domain.ErrNotFound)
	}
	return copyRoom(r.s.rooms[id]), nil
}

func (r *MemoryRoomRepository) CreatePrivate(_ context.Context, room domain.Room) (domain.Room, bool, error) {
	ids := room.Participants.IDs()
	if room.Kind != domain.RoomPrivate || len(ids) != 2 {
		return domain.Room{}, false, domain.Invalid("private room needs exactly two participants")
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := domain.PrivatePairKey(ids[0], ids[1])
	if id, ok := r.s.private[key]; ok {
		return copyRoom(r.s.rooms[id]), false, nil
	}
	r.s.rooms[room.ID] = copyRoom(room)
	r.s.private[key] = room.ID
	return copyRoom(room), true, nil
}

func (r *MemoryRoomRepository) Create(_ context.Context, room domain.Room) error {
	if room.Kind == domain.RoomPrivate {
		return domain.Invalid("use CreatePrivate for private rooms")
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.rooms[room.ID]; ok {
		return fmt.Errorf("room %s: %w", room.ID, domain.ErrConflict)
	}
	r.s.rooms[room.ID] = copyRoom(room)
	return nil
}

func (r *MemoryRoomRepository) Mutate(_ context.Context, id string, fn MutateFunc) (domain.Room, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stored, ok := r.s.rooms[id]
	if !ok {
		return domain.Room{}, fmt.Errorf("room %s: %w", id, domain.ErrNotFound)
	}
	room := copyRoom(stored)
	mutation, err := fn(&room)
	if err != nil {
		return domain.Room{}, err
	}
	switch mutation {
	case MutationUpdate:
		r.s.rooms[id] = copyRoom(room)
	case MutationDelete:
		delete(r.s.rooms, id)
		delete(r.s.messages, id)
		if room.Kind == domain.RoomPrivate {
			ids := room.Participants.IDs()
			if len(ids) == 2 {
				delete(r.s.private, domain.PrivatePairKey(ids[0], ids[1]))
			}
		}
	}
	return room, nil
}

type MemoryMessageRepository struct{ s *MemoryStore }

func (r *MemoryMessageRepository) Create(_ context.Context, message domain.Message) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	room, ok := r.s.rooms[message.RoomID]
	if !ok {
		return fmt.Errorf("room %s: %w", message.RoomID, domain.ErrNotFound)
	}
	if !room.IsParticipant(message.SenderID) {
		return fmt.Errorf("sender %s in room %s: %w", message.SenderID, message.RoomID, domain.ErrAccessDenied)
	}
	r.s.seq++
	r.s.messages[message.RoomID] = append(r.s.messages[message.RoomID], storedMessage{seq: r.s.seq, msg: message})
	return nil
}

func (r *MemoryMessageRepository) ListRecent(_ context.Context, roomID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 20
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stored := append([]storedMessage(nil), r.s.messages[roomID]...)
	sort.SliceStable(stored, func(i, j int) bool {
		if !stored[i].msg.CreatedAt.Equal(stored[j].msg.CreatedAt) {
			return stored[i].msg.CreatedAt.Before(stored[j].msg.CreatedAt)
		}
		return stored[i].seq < stored[j].seq
	})
	if len(stored) > limit {
		stored = stored[len(stored)-limit:]
	}
	out := make([]domain.Message, 0, len(stored))
	for _, m := range stored {
		msg := m.msg
		if u, ok := r.s.users[msg.SenderID]; ok {
			msg.SenderName = u.DisplayName
		}
		out = append(out, msg)
	}
	return out, nil
}
