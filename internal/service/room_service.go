package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"orgchat/internal/broker"
	"orgchat/internal/cache"
	"orgchat/internal/domain"
	"orgchat/internal/metrics"
	"orgchat/internal/repository"
)

const (
	DefaultWindow           = 20
	DefaultMaxContentLength = 4000
	DefaultLoadTimeout      = 5 * time.Second
)

// RoomDeps agrupa los colaboradores de RoomService.
type RoomDeps struct {
	Users    repository.UserRepository
	Rooms    repository.RoomRepository
	Messages repository.MessageRepository
	Cache    cache.MessageCache
	Bus      broker.Publisher
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

// RoomService aplica autorizacion y ciclo de vida de salas, y traduce cada
// mutacion en sobres publicados al broker.
type RoomService struct {
	users    repository.UserRepository
	rooms    repository.RoomRepository
	messages repository.MessageRepository
	cache    cache.MessageCache
	bus      broker.Publisher
	logger   *zap.Logger
	metrics  *metrics.Metrics

	window           int
	maxContentLength int
	loadTimeout      time.Duration
	loads            singleflight.Group

	newID             func() string
	now               func() time.Time
	invalidateBackOff func() backoff.BackOff
}

func NewRoomService(deps RoomDeps, window int) *RoomService {
	if window <= 0 {
		window = DefaultWindow
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RoomService{
		users:            deps.Users,
		rooms:            deps.Rooms,
		messages:         deps.Messages,
		cache:            deps.Cache,
		bus:              deps.Bus,
		logger:           logger,
		metrics:          deps.Metrics,
		window:           window,
		maxContentLength: DefaultMaxContentLength,
		loadTimeout:      DefaultLoadTimeout,
		newID:            uuid.NewString,
		now:              func() time.Time { return time.Now().UTC() },
		invalidateBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 20 * time.Millisecond
			b.MaxElapsedTime = time.Second
			return b
		},
	}
}

// ListVisibleUsers devuelve los usuarios de la organizacion del caller, sin el caller.
func (s *RoomService) ListVisibleUsers(ctx context.Context, caller domain.Identity) ([]domain.UserView, error) {
	if caller.OrganizationID == "" {
		return nil, domain.ErrNoOrganization
	}
	users, err := s.users.ListByOrganization(ctx, caller.OrganizationID, caller.UserID)
	if err != nil {
		return nil, err
	}
	return lo.Map(users, func(u domain.User, _ int) domain.UserView { return u.View() }), nil
}

// ListRooms devuelve todas las salas, privadas y grupos, donde participa el caller.
func (s *RoomService) ListRooms(ctx context.Context, caller domain.Identity) ([]domain.RoomView, error) {
	rooms, err := s.rooms.ListByParticipant(ctx, caller.UserID, "")
	if err != nil {
		return nil, err
	}
	return s.views(ctx, rooms...)
}

// ListGroups: los admins ven todos los grupos, el resto solo aquellos donde participa.
func (s *RoomService) ListGroups(ctx context.Context, caller domain.Identity) ([]domain.RoomView, error) {
	var (
		rooms []domain.Room
		err   error
	)
	if caller.IsAdmin() {
		rooms, err = s.rooms.ListByKind(ctx, domain.RoomGroup)
	} else {
		rooms, err = s.rooms.ListByParticipant(ctx, caller.UserID, domain.RoomGroup)
	}
	if err != nil {
		return nil, err
	}
	return s.views(ctx, rooms...)
}

// GetOrCreatePrivateRoom es idempotente por par: llamadas concurrentes de ambos
// lados convergen en la misma sala.
func (s *RoomService) GetOrCreatePrivateRoom(ctx context.Context, caller domain.Identity, otherUserID string) (domain.RoomView, error) {
	otherUserID = strings.TrimSpace(otherUserID)
	if otherUserID == "" {
		return domain.RoomView{}, domain.Invalid("userId is required")
	}
	if otherUserID == caller.UserID {
		return domain.RoomView{}, domain.Invalid("cannot open a private room with yourself")
	}
	if caller.OrganizationID == "" {
		return domain.RoomView{}, domain.ErrNoOrganization
	}
	other, err := s.users.GetByID(ctx, otherUserID)
	if err != nil {
		return domain.RoomView{}, err
	}
	if !sameOrganization(caller, other) {
		return domain.RoomView{}, fmt.Errorf("user %s: %w", otherUserID, domain.ErrNotFound)
	}

	room, err := s.rooms.FindPrivate(ctx, caller.UserID, otherUserID)
	switch {
	case err == nil:
		return s.view(ctx, room)
	case !errors.Is(err, domain.ErrNotFound):
		return domain.RoomView{}, err
	}

	room, created, err := s.rooms.CreatePrivate(ctx, domain.Room{
		ID:           s.newID(),
		Kind:         domain.RoomPrivate,
		Name:         fmt.Sprintf("Private: %s & %s", caller.DisplayName, other.DisplayName),
		Participants: domain.NewParticipantSet(caller.UserID, otherUserID),
		CreatedBy:    caller.UserID,
		CreatedAt:    s.now(),
	})
	if err != nil {
		return domain.RoomView{}, err
	}
	if created {
		s.logger.Info("private room created",
			zap.String("room_id", room.ID),
			zap.String("user_id", caller.UserID),
		)
	}
	return s.view(ctx, room)
}

// CreateGroup agrega al caller como participante salvo que sea admin.
func (s *RoomService) CreateGroup(ctx context.Context, caller domain.Identity, name string, participants []string) (domain.Event, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Event{}, domain.Invalid("group name is required")
	}
	ids := cleanIDs(participants)
	if !caller.IsAdmin() && !lo.Contains(ids, caller.UserID) {
		ids = append(ids, caller.UserID)
	}
	if len(ids) == 0 {
		return domain.Event{}, domain.Invalid("group needs at least one participant")
	}
	if err := s.requireUsers(ctx, caller, lo.Without(ids, caller.UserID)); err != nil {
		return domain.Event{}, err
	}

	room := domain.Room{
		ID:           s.newID(),
		Kind:         domain.RoomGroup,
		Name:         name,
		Participants: domain.NewParticipantSet(ids...),
		CreatedBy:    caller.UserID,
		CreatedAt:    s.now(),
	}
	if err := s.rooms.Create(ctx, room); err != nil {
		return domain.Event{}, err
	}
	view, err := s.view(ctx, room)
	if err != nil {
		return domain.Event{}, err
	}
	env, err := s.publish(ctx, domain.EventNewGroup, room.ID, audience(room.Participants.IDs(), room.CreatedBy), view)
	return env.Event(), err
}

// JoinRoom devuelve la ventana reciente; lee primero de la cache.
func (s *RoomService) JoinRoom(ctx context.Context, caller domain.Identity, roomID string) (domain.RoomMessages, error) {
	room, err := s.rooms.GetByID(ctx, roomID)
	if err != nil {
		return domain.RoomMessages{}, err
	}
	if !room.CanRead(caller) {
		s.logger.Warn("join denied", zap.String("user_id", caller.UserID), zap.String("room_id", roomID))
		return domain.RoomMessages{}, fmt.Errorf("join room %s: %w", roomID, domain.ErrAccessDenied)
	}
	messages, err := s.recentMessages(ctx, roomID)
	if err != nil {
		return domain.RoomMessages{}, err
	}
	return domain.RoomMessages{RoomID: roomID, Messages: messages}, nil
}

func (s *RoomService) recentMessages(ctx context.Context, roomID string) ([]domain.Message, error) {
	if s.cache == nil {
		return s.messages.ListRecent(ctx, roomID, s.window)
	}
	lookup, err := s.cache.Get(ctx, roomID)
	if err != nil {
		s.metrics.CacheLookup("error")
		s.logger.Warn("cache read failed", zap.String("room_id", roomID), zap.Error(err))
		return s.messages.ListRecent(ctx, roomID, s.window)
	}
	if lookup.Hit {
		s.metrics.CacheLookup("hit")
		return lookup.Messages, nil
	}
	s.metrics.CacheLookup("miss")

	// La clave incluye la version: una carga iniciada antes de un envio no se
	// comparte con lectores posteriores. La carga no hereda la cancelacion de
	// quien la inicio; cada caller deja de esperar cuando vence su propio ctx.
	ch := s.loads.DoChan(roomID+"@"+lookup.Version, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.loadTimeout)
		defer cancel()
		messages, err := s.messages.ListRecent(loadCtx, roomID, s.window)
		if err != nil {
			return nil, err
		}
		if _, err := s.cache.Put(loadCtx, roomID, lookup.Version, messages); err != nil {
			s.logger.Warn("cache write failed", zap.String("room_id", roomID), zap.Error(err))
		}
		return messages, nil
	})
	select {
	case <-ctx.Done():
		return nil, domain.Transient(ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]domain.Message), nil
	}
}

// AddMembers solo lo puede hacer el creador; usuarios ya presentes se ignoran.
func (s *RoomService) AddMembers(ctx context.Context, caller domain.Identity, groupID string, userIDs []string) (domain.Event, error) {
	ids := cleanIDs(userIDs)
	if len(ids) == 0 {
		return domain.Event{}, domain.Invalid("users is required")
	}
	if err := s.requireUsers(ctx, caller, ids); err != nil {
		return domain.Event{}, err
	}

	var existing, added []string
	room, err := s.rooms.Mutate(ctx, groupID, func(room *domain.Room) (repository.RoomMutation, error) {
		if !room.IsGroup() {
			return repository.MutationNone, domain.Invalid("room %s is not a group", room.ID)
		}
		if room.CreatedBy != caller.UserID {
			return repository.MutationNone, fmt.Errorf("add to group %s: %w", room.ID, domain.ErrAccessDenied)
		}
		existing = room.Participants.IDs()
		added = lo.Filter(ids, func(id string, _ int) bool { return room.Participants.Add(id) })
		if len(added) == 0 {
			return repository.MutationNone, nil
		}
		return repository.MutationUpdate, nil
	})
	if err != nil {
		return domain.Event{}, err
	}
	view, err := s.view(ctx, room)
	if err != nil {
		return domain.Event{}, err
	}
	if len(added) == 0 {
		return domain.NewEvent(domain.EventGroupUpdated, view)
	}

	env, err := s.publish(ctx, domain.EventGroupUpdated, room.ID, audience(existing, room.CreatedBy), view)
	_, addErr := s.publish(ctx, domain.EventAddedToGroup, room.ID, added, view)
	if err == nil {
		err = addErr
	}
	return env.Event(), err
}

// RemoveMember: el creador puede quitar a cualquiera, un miembro solo a si mismo.
// Si el grupo queda vacio o sale el creador, el grupo se borra con sus mensajes.
func (s *RoomService) RemoveMember(ctx context.Context, caller domain.Identity, groupID, userID string) (domain.Event, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		userID = caller.UserID
	}

	var before []string
	deleted := false
	room, err := s.rooms.Mutate(ctx, groupID, func(room *domain.Room) (repository.RoomMutation, error) {
		if !room.IsGroup() {
			return repository.MutationNone, domain.Invalid("room %s is not a group", room.ID)
		}
		if caller.UserID != room.CreatedBy && caller.UserID != userID {
			return repository.MutationNone, fmt.Errorf("remove from group %s: %w", room.ID, domain.ErrAccessDenied)
		}
		if !room.IsParticipant(userID) {
			return repository.MutationNone, fmt.Errorf("member %s of group %s: %w", userID, room.ID, domain.ErrNotFound)
		}
		before = room.Participants.IDs()
		room.Participants.Remove(userID)
		if room.Participants.Len() == 0 || userID == room.CreatedBy {
			deleted = true
			return repository.MutationDelete, nil
		}
		return repository.MutationUpdate, nil
	})
	if err != nil {
		return domain.Event{}, err
	}

	ref := domain.GroupRef{GroupID: room.ID}
	var notice domain.Envelope
	if deleted {
		// Sala borrada: JoinRoom responde NotFound antes de tocar la cache.
		_ = s.invalidate(ctx, room.ID)
		s.logger.Info("group deleted", zap.String("room_id", room.ID), zap.String("user_id", userID))
		notice, err = s.publish(ctx, domain.EventGroupDeleted, room.ID, lo.Without(audience(before, room.CreatedBy), userID), ref)
	} else {
		view, viewErr := s.view(ctx, room)
		if viewErr != nil {
			return domain.Event{}, viewErr
		}
		notice, err = s.publish(ctx, domain.EventGroupUpdated, room.ID, audience(room.Participants.IDs(), room.CreatedBy), view)
	}
	left, leftErr := s.publish(ctx, domain.EventLeftGroup, room.ID, []string{userID}, ref)
	if err == nil {
		err = leftErr
	}
	if caller.UserID == userID {
		return left.Event(), err
	}
	return notice.Event(), err
}

// DeleteRoom solo lo puede hacer el creador; borra mensajes y cache.
func (s *RoomService) DeleteRoom(ctx context.Context, caller domain.Identity, roomID string) (domain.Event, error) {
	room, err := s.rooms.Mutate(ctx, roomID, func(room *domain.Room) (repository.RoomMutation, error) {
		if room.CreatedBy != caller.UserID {
			return repository.MutationNone, fmt.Errorf("delete room %s: %w", room.ID, domain.ErrAccessDenied)
		}
		return repository.MutationDelete, nil
	})
	if err != nil {
		return domain.Event{}, err
	}
	_ = s.invalidate(ctx, room.ID)
	s.logger.Info("room deleted", zap.String("room_id", room.ID), zap.String("user_id", caller.UserID))
	env, err := s.publish(ctx, domain.EventRoomDeleted, room.ID, audience(room.Participants.IDs(), room.CreatedBy), domain.RoomRef{RoomID: room.ID})
	return env.Event(), err
}

// SendMessage persiste, invalida la cache y publica. Si la publicacion falla
// el mensaje ya es durable: se devuelve junto con un error transitorio.
func (s *RoomService) SendMessage(ctx context.Context, caller domain.Identity, roomID, content string) (domain.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return domain.Message{}, domain.Invalid("message content is empty")
	}
	if utf8.RuneCountInString(content) > s.maxContentLength {
		return domain.Message{}, domain.Invalid("message exceeds %d characters", s.maxContentLength)
	}
	room, err := s.rooms.GetByID(ctx, roomID)
	if err != nil {
		return domain.Message{}, err
	}
	if !room.IsParticipant(caller.UserID) {
		s.logger.Warn("send denied", zap.String("user_id", caller.UserID), zap.String("room_id", roomID))
		return domain.Message{}, fmt.Errorf("send to room %s: %w", roomID, domain.ErrAccessDenied)
	}

	msg := domain.Message{
		ID:         s.newID(),
		RoomID:     roomID,
		SenderID:   caller.UserID,
		SenderName: caller.DisplayName,
		Content:    content,
		CreatedAt:  s.now(),
	}
	if err := s.messages.Create(ctx, msg); err != nil {
		return domain.Message{}, err
	}
	// Sin invalidacion la ventana cacheada queda vieja: se publica igual y se avisa al caller.
	staleErr := s.invalidate(ctx, roomID)

	payload, err := json.Marshal(msg)
	if err != nil {
		return msg, errors.Join(fmt.Errorf("encode message %s: %w", msg.ID, err), staleErr)
	}
	env := domain.Envelope{
		ID:        msg.ID,
		Kind:      domain.EventNewMessage,
		RoomID:    roomID,
		Payload:   payload,
		CreatedAt: msg.CreatedAt,
	}
	if err := s.bus.Publish(ctx, env); err != nil {
		s.logger.Error("publish message failed",
			zap.String("event_id", msg.ID),
			zap.String("room_id", roomID),
			zap.Error(err),
		)
		return msg, errors.Join(domain.Transient(err), staleErr)
	}
	return msg, staleErr
}

// invalidate reintenta con backoff. Si la cache sigue caida devuelve un error transitorio.
func (s *RoomService) invalidate(ctx context.Context, roomID string) error {
	if s.cache == nil {
		return nil
	}
	op := func() error { return s.cache.Invalidate(ctx, roomID) }
	if err := backoff.Retry(op, backoff.WithContext(s.invalidateBackOff(), ctx)); err != nil {
		s.logger.Error("cache invalidation failed", zap.String("room_id", roomID), zap.Error(err))
		return domain.Transient(fmt.Errorf("invalidate cache of room %s: %w", roomID, err))
	}
	return nil
}

func (s *RoomService) publish(ctx context.Context, kind domain.EventName, roomID string, recipients []string, payload any) (domain.Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return domain.Envelope{}, fmt.Errorf("encode %s: %w", kind, err)
	}
	env := domain.Envelope{
		ID:         s.newID(),
		Kind:       kind,
		RoomID:     roomID,
		Recipients: recipients,
		Payload:    raw,
		CreatedAt:  s.now(),
	}
	if err := s.bus.Publish(ctx, env); err != nil {
		s.logger.Error("publish event failed",
			zap.String("event_id", env.ID),
			zap.String("kind", string(kind)),
			zap.String("room_id", roomID),
			zap.Error(err),
		)
		return env, domain.Transient(err)
	}
	return env, nil
}

// requireUsers falla con NotFound si algun id no existe o es de otra organizacion.
func (s *RoomService) requireUsers(ctx context.Context, caller domain.Identity, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if caller.OrganizationID == "" {
		return domain.ErrNoOrganization
	}
	users, err := s.users.ListByIDs(ctx, ids)
	if err != nil {
		return err
	}
	known := lo.FilterMap(users, func(u domain.User, _ int) (string, bool) {
		return u.ID, sameOrganization(caller, u)
	})
	if missing, _ := lo.Difference(ids, known); len(missing) > 0 {
		return fmt.Errorf("users %s: %w", strings.Join(missing, ","), domain.ErrNotFound)
	}
	return nil
}

func (s *RoomService) view(ctx context.Context, room domain.Room) (domain.RoomView, error) {
	views, err := s.views(ctx, room)
	if err != nil {
		return domain.RoomView{}, err
	}
	return views[0], nil
}

// views resuelve los nombres de todos los participantes con una sola consulta.
func (s *RoomService) views(ctx context.Context, rooms ...domain.Room) ([]domain.RoomView, error) {
	ids := lo.Uniq(lo.FlatMap(rooms, func(r domain.Room, _ int) []string { return r.Participants.IDs() }))
	var byID map[string]domain.User
	if len(ids) > 0 {
		users, err := s.users.ListByIDs(ctx, ids)
		if err != nil {
			return nil, err
		}
		byID = lo.KeyBy(users, func(u domain.User) string { return u.ID })
	}
	return lo.Map(rooms, func(r domain.Room, _ int) domain.RoomView {
		return domain.RoomView{
			ID:   r.ID,
			Kind: r.Kind,
			Name: r.Name,
			Participants: lo.Map(r.Participants.IDs(), func(id string, _ int) domain.UserView {
				if u, ok := byID[id]; ok {
					return u.View()
				}
				return domain.UserView{ID: id}
			}),
			CreatedBy: r.CreatedBy,
			CreatedAt: r.CreatedAt,
		}
	}), nil
}

// sameOrganization nunca cruza tenants: un caller sin organizacion no ve a nadie.
func sameOrganization(caller domain.Identity, u domain.User) bool {
	return caller.OrganizationID != "" && caller.OrganizationID == u.OrganizationID
}

func cleanIDs(ids []string) []string {
	trimmed := lo.Map(ids, func(id string, _ int) string { return strings.TrimSpace(id) })
	return lo.Uniq(lo.Compact(trimmed))
}

// audience une participantes y creador, sin duplicados y en orden estable.
func audience(participants []string, createdBy string) []string {
	return lo.Uniq(append(append([]string{}, participants...), createdBy))
}
