package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"orgchat/internal/domain"
)

// RoomMutation indica que debe persistirse tras un Mutate.
type RoomMutation int

const (
	MutationNone RoomMutation = iota
	MutationUpdate
	MutationDelete
)

// MutateFunc corre con la sala bloqueada; puede modificar room.Participants.
type MutateFunc func(room *domain.Room) (RoomMutation, error)

// RoomRepository define el contrato de persistencia para salas.
type RoomRepository interface {
	GetByID(ctx context.Context, id string) (domain.Room, error)
	// ListByParticipant devuelve las salas del usuario; kind vacio no filtra.
	ListByParticipant(ctx context.Context, userID string, kind domain.RoomKind) ([]domain.Room, error)
	ListByKind(ctx context.Context, kind domain.RoomKind) ([]domain.Room, error)
	FindPrivate(ctx context.Context, a, b string) (domain.Room, error)
	// CreatePrivate es idempotente por par de usuarios: si otra llamada gano la carrera
	// devuelve la sala existente y created=false.
	CreatePrivate(ctx context.Context, room domain.Room) (domain.Room, bool, error)
	Create(ctx context.Context, room domain.Room) error
	// Mutate serializa cambios por sala; MutationDelete borra la sala y sus mensajes.
	Mutate(ctx context.Context, id string, fn MutateFunc) (domain.Room, error)
}

// PgRoomRepository implementa RoomRepository usando pgxpool.
type PgRoomRepository struct {
	pool *pgxpool.Pool
}

func NewPgRoomRepository(pool *pgxpool.Pool) *PgRoomRepository {
	return &PgRoomRepository{pool: pool}
}

const selectRoom = `
	SELECT id, kind, name, participants, created_by, created_at
	FROM rooms
`

func (r *PgRoomRepository) GetByID(ctx context.Context, id string) (domain.Room, error) {
	room, err := scanRoom(r.pool.QueryRow(ctx, selectRoom+` WHERE id = $1`, id))
	return room, mapErr(fmt.Sprintf("room %s", id), err)
}

func (r *PgRoomRepository) ListByParticipant(ctx context.Context, userID string, kind domain.RoomKind) ([]domain.Room, error) {
	rows, err := r.pool.Query(ctx, selectRoom+`
		WHERE $1 = ANY(participants) AND ($2 = '' OR kind = $2)
		ORDER BY created_at ASC, id ASC
	`, userID, string(kind))
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("list rooms: %w", err))
	}
	defer rows.Close()
	return scanRooms(rows)
}

func (r *PgRoomRepository) ListByKind(ctx context.Context, kind domain.RoomKind) ([]domain.Room, error) {
	rows, err := r.pool.Query(ctx, selectRoom+`
		WHERE kind = $1
		ORDER BY created_at ASC, id ASC
	`, string(kind))
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("list rooms by kind: %w", err))
	}
	defer rows.Close()
	return scanRooms(rows)
}

func (r *PgRoomRepository) FindPrivate(ctx context.Context, a, b string) (domain.Room, error) {
	key := domain.PrivatePairKey(a, b)
	room, err := scanRoom(r.pool.QueryRow(ctx, selectRoom+` WHERE private_key = $1`, key))
	return room, mapErr(fmt.Sprintf("private room %s", key), err)
}

func (r *PgRoomRepository) CreatePrivate(ctx context.Context, room domain.Room) (domain.Room, bool, error) {
	ids := room.Participants.IDs()
	if room.Kind != domain.RoomPrivate || len(ids) != 2 {
		return domain.Room{}, false, domain.Invalid("private room needs exactly two participants")
	}
	// La restriccion UNIQUE sobre private_key resuelve la carrera entre ambos lados del par.
	const query = `
		INSERT INTO rooms (id, kind, name, participants, created_by, created_at, private_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (private_key) DO NOTHING
	`
	tag, err := r.pool.Exec(ctx, query,
		room.ID,
		string(room.Kind),
		room.Name,
		ids,
		room.CreatedBy,
		room.CreatedAt,
		domain.PrivatePairKey(ids[0], ids[1]),
	)
	if err != nil {
		return domain.Room{}, false, domain.Transient(fmt.Errorf("create private room: %w", err))
	}
	if tag.RowsAffected() == 1 {
		return room, true, nil
	}
	existing, err := r.FindPrivate(ctx, ids[0], ids[1])
	if err != nil {
		return domain.Room{}, false, err
	}
	return existing, false, nil
}

func (r *PgRoomRepository) Create(ctx context.Context, room domain.Room) error {
	if room.Kind == domain.RoomPrivate {
		return domain.Invalid("use CreatePrivate for private rooms")
	}
	const query = `
		INSERT INTO rooms (id, kind, name, participants, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.pool.Exec(ctx, query,
		room.ID,
		string(room.Kind),
		room.Name,
		room.Participants.IDs(),
		room.CreatedBy,
		room.CreatedAt,
	)
	if err != nil {
		return domain.Transient(fmt.Errorf("create room: %w", err))
	}
	return nil
}

func (r *PgRoomRepository) Mutate(ctx context.Context, id string, fn MutateFunc) (domain.Room, error) {
	var out domain.Room
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		room, err := scanRoom(tx.QueryRow(ctx, selectRoom+` WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return mapErr(fmt.Sprintf("room %s", id), err)
		}
		mutation, err := fn(&room)
		if err != nil {
			return err
		}
		switch mutation {
		case MutationUpdate:
			if _, err := tx.Exec(ctx, `UPDATE rooms SET participants = $1 WHERE id = $2`, room.Participants.IDs(), id); err != nil {
				return domain.Transient(fmt.Errorf("update room: %w", err))
			}
		case MutationDelete:
			if _, err := tx.Exec(ctx, `DELETE FROM messages WHERE room_id = $1`, id); err != nil {
				return domain.Transient(fmt.Errorf("delete room messages: %w", err))
			}
			if _, err := tx.Exec(ctx, `DELETE FROM rooms WHERE id = $1`, id); err != nil {
				return domain.Transient(fmt.Errorf("delete room: %w", err))
			}
		}
		out = room
		return nil
	})
	if err != nil {
		return domain.Room{}, mapErr(fmt.Sprintf("mutate room %s", id), err)
	}
	return out, nil
}

func scanRoom(row pgx.Row) (domain.Room, error) {
	var (
		room         domain.Room
		kind         string
		participants []string
	)
	if err := row.Scan(&room.ID, &kind, &room.Name, &participants, &room.CreatedBy, &room.CreatedAt); err != nil {
		return domain.Room{}, err
	}
	room.Kind = domain.RoomKind(kind)
	room.Participants = domain.NewParticipantSet(participants...)
	return room, nil
}

func scanRooms(rows pgx.Rows) ([]domain.Room, error) {
	rooms := []domain.Room{}
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Transient(err)
	}
	return rooms, nil
}
