package service

import (
	"context"
	"errors"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"orgchat/internal/domain"
	"orgchat/internal/repository"
)

// Router entrega un evento a todas las sesiones locales de un usuario y devuelve cuantas lo recibieron.
type Router interface {
	Deliver(userID string, ev domain.Event) int
}

// Fanout consume sobres del broker y los reparte en las sesiones de esta instancia.
type Fanout struct {
	rooms  repository.RoomRepository
	router Router
	logger *zap.Logger
}

func NewFanout(rooms repository.RoomRepository, router Router, logger *zap.Logger) *Fanout {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fanout{rooms: rooms, router: router, logger: logger}
}

// Plan traduce un sobre en entregas por usuario. Un sobre sin destinatarios se
// resuelve con los participantes actuales de la sala; si la sala ya no existe
// el plan queda vacio.
func (f *Fanout) Plan(ctx context.Context, env domain.Envelope) ([]domain.Delivery, error) {
	recipients := env.Recipients
	if len(recipients) == 0 && env.RoomID != "" {
		room, err := f.rooms.GetByID(ctx, env.RoomID)
		if errors.Is(err, domain.ErrNotFound) {
			f.logger.Debug("room gone, dropping envelope",
				zap.String("event_id", env.ID),
				zap.String("room_id", env.RoomID),
			)
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		recipients = room.Participants.IDs()
	}
	ev := env.Event()
	return lo.Map(lo.Uniq(recipients), func(userID string, _ int) domain.Delivery {
		return domain.Delivery{UserID: userID, Event: ev}
	}), nil
}

// Handle cumple broker.Handler: un error deja el sobre sin confirmar.
func (f *Fanout) Handle(ctx context.Context, env domain.Envelope) error {
	plan, err := f.Plan(ctx, env)
	if err != nil {
		return err
	}
	sessions := 0
	for _, d := range plan {
		sessions += f.router.Deliver(d.UserID, d.Event)
	}
	f.logger.Debug("envelope delivered",
		zap.String("event_id", env.ID),
		zap.String("kind", string(env.Kind)),
		zap.Int("users", len(plan)),
		zap.Int("sessions", sessions),
	)
	return nil
}
