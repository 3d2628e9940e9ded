package domain

import (
	"encoding/json"
	"sort"
	"time"
)

// RoomKind distingue salas privadas (1:1) de grupos.
type RoomKind string

const (
	RoomPrivate RoomKind = "private"
	RoomGroup   RoomKind = "group"
)

func (k RoomKind) Valid() bool {
	return k == RoomPrivate || k == RoomGroup
}

// ParticipantSet es el unico predicado de autorizacion sobre una sala.
// Los ids son strings opacos en todo el sistema.
type ParticipantSet map[string]struct{}

func NewParticipantSet(ids ...string) ParticipantSet {
	set := make(ParticipantSet, len(ids))
	for _, id := range ids {
		if id != "" {
			set[id] = struct{}{}
		}
	}
	return set
}

func (s ParticipantSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Add devuelve true si el id no estaba presente.
func (s ParticipantSet) Add(id string) bool {
	if id == "" || s.Has(id) {
		return false
	}
	s[id] = struct{}{}
	return true
}

// Remove devuelve true si el id estaba presente.
func (s ParticipantSet) Remove(id string) bool {
	if !s.Has(id) {
		return false
	}
	delete(s, id)
	return true
}

func (s ParticipantSet) Len() int {
	return len(s)
}

// IDs devuelve los participantes ordenados, para salidas deterministas.
func (s ParticipantSet) IDs() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s ParticipantSet) Clone() ParticipantSet {
	out := make(ParticipantSet, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}

func (s ParticipantSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.IDs())
}

func (s *ParticipantSet) UnmarshalJSON(data []byte) error {
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return err
	}
	*s = NewParticipantSet(ids...)
	return nil
}

type Room struct {
	ID           string         `json:"id"`
	Kind         RoomKind       `json:"kind"`
	Name         string         `json:"name"`
	Participants ParticipantSet `json:"participants"`
	CreatedBy    string         `json:"created_by"`
	CreatedAt    time.Time      `json:"created_at"`
}

func (r Room) IsParticipant(userID string) bool {
	return r.Participants.Has(userID)
}

func (r Room) IsGroup() bool {
	return r.Kind == RoomGroup
}

// CanRead: miembro de la sala, o admin si la sala es un grupo.
func (r Room) CanRead(id Identity) bool {
	if r.IsParticipant(id.UserID) {
		return true
	}
	return r.IsGroup() && id.IsAdmin()
}

// PrivatePairKey es la clave unica de un par no ordenado de usuarios.
func PrivatePairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

// RoomView es la sala con los participantes resueltos a nombres visibles.
type RoomView struct {
	ID           string     `json:"id"`
	Kind         RoomKind   `json:"kind"`
	Name         string     `json:"name"`
	Participants []UserView `json:"participants"`
	CreatedBy    string     `json:"created_by"`
	CreatedAt    time.Time  `json:"created_at"`
}
