package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"orgchat/internal/domain"
)

const foreignKeyViolation = "23503"

type MessageRepository interface {
	// Create inserta el mensaje con la sala bloqueada en modo compartido: si la sala
	// fue borrada devuelve ErrNotFound, si el emisor ya no participa ErrAccessDenied.
	Create(ctx context.Context, message domain.Message) error
	// ListRecent devuelve los ultimos limit mensajes en orden cronologico.
	ListRecent(ctx context.Context, roomID string, limit int) ([]domain.Message, error)
}

type PgMessageRepository struct {
	pool *pgxpool.Pool
}

func NewPgMessageRepository(pool *pgxpool.Pool) *PgMessageRepository {
	return &PgMessageRepository{pool: pool}
}

func (r *PgMessageRepository) Create(ctx context.Context, message domain.Message) error {
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var participants []string
		err := tx.QueryRow(ctx, `SELECT participants FROM rooms WHERE id = $1 FOR SHARE`, message.RoomID).Scan(&participants)
		if err != nil {
			return mapErr(fmt.Sprintf("room %s", message.RoomID), err)
		}
		if !domain.NewParticipantSet(participants...).Has(message.SenderID) {
			return fmt.Errorf("sender %s in room %s: %w", message.SenderID, message.RoomID, domain.ErrAccessDenied)
		}

		const query = `
			INSERT INTO messages (id, room_id, sender_id, content, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`
		_, err = tx.Exec(ctx, query,
			message.ID,
			message.RoomID,
			message.SenderID,
			message.Content,
			message.CreatedAt,
		)
		return err
	})
	return mapCreateMessageErr(message.RoomID, err)
}

// mapCreateMessageErr: una violacion de FK significa que la sala se borro en
// paralelo con el envio.
func mapCreateMessageErr(roomID string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
		return fmt.Errorf("room %s: %w", roomID, domain.ErrNotFound)
	}
	return mapErr("create message", err)
}

func (r *PgMessageRepository) ListRecent(ctx context.Context, roomID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 20
	}
	const query = `
		SELECT m.id, m.room_id, m.sender_id, COALESCE(u.display_name, ''), m.content, m.created_at
		FROM (
			SELECT seq, id, room_id, sender_id, content, created_at
			FROM messages
			WHERE room_id = $1
			ORDER BY created_at DESC, seq DESC
			LIMIT $2
		) m
		LEFT JOIN users u ON u.id = m.sender_id
		ORDER BY m.created_at ASC, m.seq ASC
	`

	rows, err := r.pool.Query(ctx, query, roomID, limit)
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("list messages: %w", err))
	}
	defer rows.Close()

	messages := []domain.Message{}
	for rows.Next() {
		var msg domain.Message
		err = rows.Scan(
			&msg.ID,
			&msg.RoomID,
			&msg.SenderID,
			&msg.SenderName,
			&msg.Content,
			&msg.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	if err = rows.Err(); err != nil {
		return nil, domain.Transient(err)
	}

	return messages, nil
}
