package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"orgchat/internal/domain"
	"orgchat/internal/metrics"
)

// RoomActions es la parte del servicio de salas que usan los clientes.
type RoomActions interface {
	ListVisibleUsers(ctx context.Context, caller domain.Identity) ([]domain.UserView, error)
	ListRooms(ctx context.Context, caller domain.Identity) ([]domain.RoomView, error)
	ListGroups(ctx context.Context, caller domain.Identity) ([]domain.RoomView, error)
	GetOrCreatePrivateRoom(ctx context.Context, caller domain.Identity, otherUserID string) (domain.RoomView, error)
	CreateGroup(ctx context.Context, caller domain.Identity, name string, participants []string) (domain.Event, error)
	JoinRoom(ctx context.Context, caller domain.Identity, roomID string) (domain.RoomMessages, error)
	AddMembers(ctx context.Context, caller domain.Identity, groupID string, userIDs []string) (domain.Event, error)
	RemoveMember(ctx context.Context, caller domain.Identity, groupID, userID string) (domain.Event, error)
	DeleteRoom(ctx context.Context, caller domain.Identity, roomID string) (domain.Event, error)
	SendMessage(ctx context.Context, caller domain.Identity, roomID, content string) (domain.Message, error)
}

// Dispatcher traduce frames de cliente en llamadas al servicio y devuelve
// los eventos para la sesion que origino la accion.
type Dispatcher struct {
	rooms    RoomActions
	validate *validator.Validate
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

func NewDispatcher(rooms RoomActions, logger *zap.Logger, m *metrics.Metrics) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Dispatcher{
		rooms:    rooms,
		validate: validate,
		logger:   logger,
		metrics:  m,
	}
}

// Dispatch nunca descarta una accion: devuelve la respuesta, un evento error, o ambos.
func (d *Dispatcher) Dispatch(ctx context.Context, s *Session, frame domain.ClientFrame) []domain.Event {
	reply, err := d.handle(ctx, s, frame)
	outcome := "ok"
	var out []domain.Event
	if reply.Name != "" {
		reply.RequestID = frame.RequestID
		out = append(out, reply)
	}
	if err != nil {
		outcome = string(domain.CodeOf(err))
		d.logFailure(s, frame.Action, err)
		out = append(out, domain.ErrorEvent(frame.Action, frame.RequestID, err))
	}
	d.metrics.Action(string(frame.Action), outcome)
	return out
}

func (d *Dispatcher) handle(ctx context.Context, s *Session, frame domain.ClientFrame) (domain.Event, error) {
	caller := s.Identity
	switch frame.Action {
	case domain.ActionGetUsers:
		users, err := d.rooms.ListVisibleUsers(ctx, caller)
		if err != nil {
			return domain.Event{}, err
		}
		return domain.NewEvent(domain.EventUserList, users)

	case domain.ActionGetRooms:
		rooms, err := d.rooms.ListRooms(ctx, caller)
		if err != nil {
			return domain.Event{}, err
		}
		return domain.NewEvent(domain.EventRoomList, rooms)

	case domain.ActionGetGroups:
		groups, err := d.rooms.ListGroups(ctx, caller)
		if err != nil {
			return domain.Event{}, err
		}
		return domain.NewEvent(domain.EventGroupList, groups)

	case domain.ActionJoinRoom:
		p, err := decodePayload[domain.JoinRoomPayload](d.validate, frame.Payload)
		if err != nil {
			return domain.Event{}, err
		}
		window, err := d.rooms.JoinRoom(ctx, caller, p.RoomID)
		if err != nil {
			return domain.Event{}, err
		}
		s.Join(p.RoomID)
		return domain.NewEvent(domain.EventRoomMessages, window)

	case domain.ActionCreateGroup:
		p, err := decodePayload[domain.CreateGroupPayload](d.validate, frame.Payload)
		if err != nil {
			return domain.Event{}, err
		}
		return d.rooms.CreateGroup(ctx, caller, p.Name, p.Participants)

	case domain.ActionAddToGroup:
		p, err := decodePayload[domain.AddToGroupPayload](d.validate, frame.Payload)
		if err != nil {
			return domain.Event{}, err
		}
		return d.rooms.AddMembers(ctx, caller, p.GroupID, p.Users)

	case domain.ActionLeaveGroup:
		p, err := decodePayload[domain.LeaveGroupPayload](d.validate, frame.Payload)
		if err != nil {
			return domain.Event{}, err
		}
		ev, err := d.rooms.RemoveMember(ctx, caller, p.GroupID, p.UserID)
		if ev.Name == domain.EventLeftGroup {
			s.Leave(p.GroupID)
		}
		return ev, err

	case domain.ActionSendMessage:
		p, err := decodePayload[domain.SendMessagePayload](d.validate, frame.Payload)
		if err != nil {
			return domain.Event{}, err
		}
		msg, err := d.rooms.SendMessage(ctx, caller, p.RoomID, p.Content)
		if msg.ID == "" {
			return domain.Event{}, err
		}
		// Persistido: el ack sale aunque la publicacion haya fallado.
		ev, encErr := domain.NewEvent(domain.EventMessageSent, msg)
		if encErr != nil {
			return domain.Event{}, encErr
		}
		return ev, err

	case domain.ActionDeleteRoom:
		p, err := decodePayload[domain.DeleteRoomPayload](d.validate, frame.Payload)
		if err != nil {
			return domain.Event{}, err
		}
		ev, err := d.rooms.DeleteRoom(ctx, caller, p.RoomID)
		if ev.Name != "" {
			s.Leave(p.RoomID)
		}
		return ev, err

	case domain.ActionGetPrivateRoom:
		p, err := decodePayload[domain.GetPrivateRoomPayload](d.validate, frame.Payload)
		if err != nil {
			return domain.Event{}, err
		}
		room, err := d.rooms.GetOrCreatePrivateRoom(ctx, caller, p.UserID)
		if err != nil {
			return domain.Event{}, err
		}
		return domain.NewEvent(domain.EventPrivateRoom, room)

	default:
		return domain.Event{}, domain.Invalid("unknown action %q", frame.Action)
	}
}

func (d *Dispatcher) logFailure(s *Session, action domain.Action, err error) {
	fields := []zap.Field{
		zap.String("session_id", s.ID),
		zap.String("user_id", s.UserID()),
		zap.String("action", string(action)),
		zap.Error(err),
	}
	switch domain.CodeOf(err) {
	case domain.CodeTransient, domain.CodeInternal:
		d.logger.Error("action failed", fields...)
	case domain.CodeAccessDenied:
		d.logger.Warn("action denied", fields...)
	default:
		d.logger.Debug("action rejected", fields...)
	}
}

func decodePayload[T any](v *validator.Validate, raw json.RawMessage) (T, error) {
	var p T
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &p); err != nil {
			return p, domain.Invalid("malformed payload: %v", err)
		}
	}
	if err := v.Struct(p); err != nil {
		return p, domain.Invalid("%s", validationMessage(err))
	}
	return p, nil
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fe.Field()+" failed "+fe.Tag())
	}
	return strings.Join(parts, "; ")
}
