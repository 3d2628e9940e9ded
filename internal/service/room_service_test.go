package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"

	"orgchat/internal/cache"
	"orgchat/internal/domain"
	"orgchat/internal/repository"
)

type recordingBus struct {
	mu   sync.Mutex
	envs []domain.Envelope
	err  error
}

func (b *recordingBus) Publish(_ context.Context, env domain.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.envs = append(b.envs, env)
	return nil
}

func (b *recordingBus) byKind(kind domain.EventName) []domain.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.Envelope
	for _, env := range b.envs {
		if env.Kind == kind {
			out = append(out, env)
		}
	}
	return out
}

func (b *recordingBus) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.envs = nil
}

// countingMessages cuenta las lecturas que llegan a la base.
type countingMessages struct {
	repository.MessageRepository
	mu    sync.Mutex
	reads int
}

func (c *countingMessages) ListRecent(ctx context.Context, roomID string, limit int) ([]domain.Message, error) {
	c.mu.Lock()
	c.reads++
	c.mu.Unlock()
	return c.MessageRepository.ListRecent(ctx, roomID, limit)
}

type fixture struct {
	svc      *RoomService
	store    *repository.MemoryStore
	bus      *recordingBus
	messages *countingMessages
}

var (
	ana   = domain.Identity{UserID: "a", DisplayName: "Ana", OrganizationID: "o1", Role: domain.RoleMember}
	beto  = domain.Identity{UserID: "b", DisplayName: "Beto", OrganizationID: "o1", Role: domain.RoleMember}
	caro  = domain.Identity{UserID: "c", DisplayName: "Caro", OrganizationID: "o1", Role: domain.RoleMember}
	root  = domain.Identity{UserID: "root", DisplayName: "Root", OrganizationID: "o1", Role: domain.RoleAdmin}
	xavi  = domain.Identity{UserID: "x", DisplayName: "Xavi", OrganizationID: "o2", Role: domain.RoleMember}
	loner = domain.Identity{UserID: "l", DisplayName: "Loner", Role: domain.RoleMember}
)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := repository.NewMemoryStore()
	for _, id := range []domain.Identity{ana, beto, caro, root, xavi, loner} {
		store.PutUser(domain.User{ID: id.UserID, DisplayName: id.DisplayName, OrganizationID: id.OrganizationID, Role: id.Role})
	}
	bus := &recordingBus{}
	messages := &countingMessages{MessageRepository: store.Messages()}
	svc := NewRoomService(RoomDeps{
		Users:    store.Users(),
		Rooms:    store.Rooms(),
		Messages: messages,
		Cache:    cache.NewMemoryMessageCache(clock.NewMock(), 0),
		Bus:      bus,
	}, 0)
	return &fixture{svc: svc, store: store, bus: bus, messages: messages}
}

func decodeRoom(t *testing.T, ev domain.Event) domain.RoomView {
	t.Helper()
	var view domain.RoomView
	require.NoError(t, json.Unmarshal(ev.Payload, &view))
	return view
}

func participantIDs(view domain.RoomView) []string {
	ids := make([]string, 0, len(view.Participants))
	for _, p := range view.Participants {
		ids = append(ids, p.ID)
	}
	return ids
}

func (f *fixture) group(t *testing.T, caller domain.Identity, members ...string) domain.RoomView {
	t.Helper()
	ev, err := f.svc.CreateGroup(context.Background(), caller, "  equipo  ", members)
	require.NoError(t, err)
	require.Equal(t, domain.EventNewGroup, ev.Name)
	return decodeRoom(t, ev)
}

func TestRoomService_PrivateRoomConvergesUnderRace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]string, 40)
	errs := make([]error, 40)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			caller, other := ana, "b"
			if i%2 == 1 {
				caller, other = beto, "a"
			}
			view, err := f.svc.GetOrCreatePrivateRoom(ctx, caller, other)
			ids[i], errs[i] = view.ID, err
		}(i)
	}
	wg.Wait()

	for i := range ids {
		require.NoError(t, errs[i])
		require.Equal(t, ids[0], ids[i])
	}
	require.Equal(t, 1, f.store.RoomCount(domain.RoomPrivate))

	view, err := f.svc.GetOrCreatePrivateRoom(ctx, ana, "b")
	require.NoError(t, err)
	require.Equal(t, domain.RoomPrivate, view.Kind)
	require.Equal(t, []string{"a", "b"}, participantIDs(view))
	require.Contains(t, []string{"Private: Ana & Beto", "Private: Beto & Ana"}, view.Name)
}

func TestRoomService_PrivateRoomValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.GetOrCreatePrivateRoom(ctx, ana, "a")
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = f.svc.GetOrCreatePrivateRoom(ctx, ana, "nadie")
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.svc.GetOrCreatePrivateRoom(ctx, ana, "x")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRoomService_ListVisibleUsers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	users, err := f.svc.ListVisibleUsers(ctx, ana)
	require.NoError(t, err)
	ids := make([]string, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.ID)
	}
	require.ElementsMatch(t, []string{"b", "c", "root"}, ids)

	_, err = f.svc.ListVisibleUsers(ctx, loner)
	require.ErrorIs(t, err, domain.ErrNoOrganization)
}

func TestRoomService_CreateGroupCreatorMembership(t *testing.T) {
	f := newFixture(t)

	byMember := f.group(t, ana, "b")
	require.Equal(t, "equipo", byMember.Name)
	require.Equal(t, []string{"a", "b"}, participantIDs(byMember))

	byAdmin := f.group(t, root, "a", "b")
	require.Equal(t, "root", byAdmin.CreatedBy)
	require.Equal(t, []string{"a", "b"}, participantIDs(byAdmin))

	envs := f.bus.byKind(domain.EventNewGroup)
	require.Len(t, envs, 2)
	require.Equal(t, []string{"a", "b", "root"}, envs[1].Recipients)
}

func TestRoomService_CreateGroupValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateGroup(ctx, ana, "   ", []string{"b"})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = f.svc.CreateGroup(ctx, root, "vacio", nil)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = f.svc.CreateGroup(ctx, ana, "mixto", []string{"b", "x"})
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.Empty(t, f.bus.byKind(domain.EventNewGroup))
}

func TestRoomService_SendByNonParticipantPersistsNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := f.group(t, ana, "b")
	f.bus.reset()

	_, err := f.svc.SendMessage(ctx, caro, g.ID, "hola")
	require.ErrorIs(t, err, domain.ErrAccessDenied)
	require.Equal(t, 0, f.store.MessageCount(g.ID))
	require.Empty(t, f.bus.byKind(domain.EventNewMessage))

	_, err = f.svc.SendMessage(ctx, ana, g.ID, "  \n\t ")
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = f.svc.SendMessage(ctx, ana, "no-existe", "hola")
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.Equal(t, 0, f.store.MessageCount(g.ID))
}

func TestRoomService_JoinReflectsSendWithinTTL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := f.group(t, ana, "b")

	first, err := f.svc.JoinRoom(ctx, beto, g.ID)
	require.NoError(t, err)
	require.Empty(t, first.Messages)

	_, err = f.svc.JoinRoom(ctx, beto, g.ID)
	require.NoError(t, err)
	require.Equal(t, 1, f.messages.reads, "second join should be served from cache")

	msg, err := f.svc.SendMessage(ctx, ana, g.ID, " hola ")
	require.NoError(t, err)
	require.Equal(t, "hola", msg.Content)

	after, err := f.svc.JoinRoom(ctx, beto, g.ID)
	require.NoError(t, err)
	require.Len(t, after.Messages, 1)
	require.Equal(t, msg.ID, after.Messages[0].ID)
	require.Equal(t, "Ana", after.Messages[0].SenderName)

	envs := f.bus.byKind(domain.EventNewMessage)
	require.Len(t, envs, 1)
	require.Equal(t, msg.ID, envs[0].ID)
	require.Empty(t, envs[0].Recipients)
	require.Equal(t, g.ID, envs[0].RoomID)
}

func TestRoomService_JoinAuthorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := f.group(t, ana, "b")
	p, err := f.svc.GetOrCreatePrivateRoom(ctx, ana, "b")
	require.NoError(t, err)

	_, err = f.svc.JoinRoom(ctx, caro, g.ID)
	require.ErrorIs(t, err, domain.ErrAccessDenied)

	_, err = f.svc.JoinRoom(ctx, root, g.ID)
	require.NoError(t, err)

	_, err = f.svc.JoinRoom(ctx, root, p.ID)
	require.ErrorIs(t, err, domain.ErrAccessDenied)

	_, err = f.svc.JoinRoom(ctx, ana, "no-existe")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRoomService_AdminReadsButCannotMutate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := f.group(t, ana, "b")
	f.group(t, caro)

	groups, err := f.svc.ListGroups(ctx, root)
	require.NoError(t, err)
	require.Len(t, groups, 2)

	groups, err = f.svc.ListGroups(ctx, beto)
	require.NoError(t, err)
	require.Len(t, groups, 1)

	_, err = f.svc.AddMembers(ctx, root, g.ID, []string{"c"})
	require.ErrorIs(t, err, domain.ErrAccessDenied)

	_, err = f.svc.RemoveMember(ctx, root, g.ID, "b")
	require.ErrorIs(t, err, domain.ErrAccessDenied)

	_, err = f.svc.DeleteRoom(ctx, root, g.ID)
	require.ErrorIs(t, err, domain.ErrAccessDenied)

	_, err = f.svc.SendMessage(ctx, root, g.ID, "hola")
	require.ErrorIs(t, err, domain.ErrAccessDenied)
}

func TestRoomService_ListRoomsIncludesPrivateAndGroups(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.group(t, ana, "b")
	_, err := f.svc.GetOrCreatePrivateRoom(ctx, ana, "c")
	require.NoError(t, err)

	rooms, err := f.svc.ListRooms(ctx, ana)
	require.NoError(t, err)
	require.Len(t, rooms, 2)

	rooms, err = f.svc.ListRooms(ctx, beto)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	require.Equal(t, "Ana", rooms[0].Participants[0].DisplayName)
}

func TestRoomService_AddMembers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := f.group(t, ana, "b")
	f.bus.reset()

	_, err := f.svc.AddMembers(ctx, beto, g.ID, []string{"c"})
	require.ErrorIs(t, err, domain.ErrAccessDenied)

	ev, err := f.svc.AddMembers(ctx, ana, g.ID, []string{"b"})
	require.NoError(t, err)
	require.Equal(t, domain.EventGroupUpdated, ev.Name)
	require.Empty(t, f.bus.envs, "already present users are a no-op")

	ev, err = f.svc.AddMembers(ctx, ana, g.ID, []string{"b", "c", "c"})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, participantIDs(decodeRoom(t, ev)))

	updated := f.bus.byKind(domain.EventGroupUpdated)
	require.Len(t, updated, 1)
	require.Equal(t, []string{"a", "b"}, updated[0].Recipients)
	require.Equal(t, updated[0].ID, ev.DedupKey)

	added := f.bus.byKind(domain.EventAddedToGroup)
	require.Len(t, added, 1)
	require.Equal(t, []string{"c"}, added[0].Recipients)

	_, err = f.svc.AddMembers(ctx, ana, g.ID, []string{"x"})
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRoomService_AddAndRemoveRejectPrivateRooms(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, err := f.svc.GetOrCreatePrivateRoom(ctx, ana, "b")
	require.NoError(t, err)

	_, err = f.svc.AddMembers(ctx, ana, p.ID, []string{"c"})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = f.svc.RemoveMember(ctx, ana, p.ID, "")
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestRoomService_CreatorLeavingDeletesGroupAndMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := f.group(t, ana, "b", "c")
	_, err := f.svc.SendMessage(ctx, beto, g.ID, "hola")
	require.NoError(t, err)
	require.Equal(t, 1, f.store.MessageCount(g.ID))
	f.bus.reset()

	ev, err := f.svc.RemoveMember(ctx, ana, g.ID, "")
	require.NoError(t, err)
	require.Equal(t, domain.EventLeftGroup, ev.Name)
	require.Equal(t, 0, f.store.MessageCount(g.ID))

	deleted := f.bus.byKind(domain.EventGroupDeleted)
	require.Len(t, deleted, 1)
	require.Equal(t, []string{"b", "c"}, deleted[0].Recipients)
	left := f.bus.byKind(domain.EventLeftGroup)
	require.Len(t, left, 1)
	require.Equal(t, []string{"a"}, left[0].Recipients)

	_, err = f.svc.DeleteRoom(ctx, ana, g.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.svc.JoinRoom(ctx, beto, g.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRoomService_MemberLeavingUpdatesGroup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := f.group(t, ana, "b", "c")
	f.bus.reset()

	ev, err := f.svc.RemoveMember(ctx, beto, g.ID, "")
	require.NoError(t, err)
	require.Equal(t, domain.EventLeftGroup, ev.Name)

	updated := f.bus.byKind(domain.EventGroupUpdated)
	require.Len(t, updated, 1)
	require.Equal(t, []string{"a", "c"}, updated[0].Recipients)

	groups, err := f.svc.ListGroups(ctx, ana)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	require.Equal(t, []string{"a", "c"}, participantIDs(groups[0]))

	_, err = f.svc.RemoveMember(ctx, caro, g.ID, "a")
	require.ErrorIs(t, err, domain.ErrAccessDenied)

	_, err = f.svc.RemoveMember(ctx, ana, g.ID, "b")
	require.ErrorIs(t, err, domain.ErrNotFound)

	ev, err = f.svc.RemoveMember(ctx, ana, g.ID, "c")
	require.NoError(t, err)
	require.Equal(t, domain.EventGroupUpdated, ev.Name)
}

func TestRoomService_AdminGroupDeletedWhenEmptied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := f.group(t, root, "a")
	f.bus.reset()

	ev, err := f.svc.RemoveMember(ctx, root, g.ID, "a")
	require.NoError(t, err)
	require.Equal(t, domain.EventGroupDeleted, ev.Name)
	require.Equal(t, []string{"root"}, f.bus.byKind(domain.EventGroupDeleted)[0].Recipients)
	require.Equal(t, 0, f.store.RoomCount(domain.RoomGroup))
}

func TestRoomService_DeleteRoom(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := f.group(t, ana, "b")
	_, err := f.svc.SendMessage(ctx, ana, g.ID, "hola")
	require.NoError(t, err)
	_, err = f.svc.JoinRoom(ctx, beto, g.ID)
	require.NoError(t, err)

	_, err = f.svc.DeleteRoom(ctx, beto, g.ID)
	require.ErrorIs(t, err, domain.ErrAccessDenied)

	ev, err := f.svc.DeleteRoom(ctx, ana, g.ID)
	require.NoError(t, err)
	require.Equal(t, domain.EventRoomDeleted, ev.Name)
	require.JSONEq(t, `{"roomId":"`+g.ID+`"}`, string(ev.Payload))
	require.Equal(t, []string{"a", "b"}, f.bus.byKind(domain.EventRoomDeleted)[0].Recipients)
	require.Equal(t, 0, f.store.MessageCount(g.ID))

	_, err = f.svc.DeleteRoom(ctx, ana, g.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.svc.SendMessage(ctx, ana, g.ID, "tarde")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRoomService_PublishFailureKeepsMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := f.group(t, ana, "b")
	f.bus.err = errors.New("broker down")

	msg, err := f.svc.SendMessage(ctx, ana, g.ID, "hola")
	require.ErrorIs(t, err, domain.ErrTransient)
	require.NotEmpty(t, msg.ID)
	require.Equal(t, 1, f.store.MessageCount(g.ID))
}

func TestRoomService_OrglessCallerCannotReachOtherTenants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateGroup(ctx, loner, "cross", []string{"a", "x"})
	require.ErrorIs(t, err, domain.ErrNoOrganization)
	require.Empty(t, f.bus.byKind(domain.EventNewGroup))
	require.Equal(t, 0, f.store.RoomCount(domain.RoomGroup))

	_, err = f.svc.GetOrCreatePrivateRoom(ctx, loner, "x")
	require.ErrorIs(t, err, domain.ErrNoOrganization)
	require.Equal(t, 0, f.store.RoomCount(domain.RoomPrivate))

	// Desde una organizacion tampoco se alcanza a quien no tiene ninguna.
	_, err = f.svc.GetOrCreatePrivateRoom(ctx, ana, "l")
	require.ErrorIs(t, err, domain.ErrNotFound)

	g := f.group(t, ana, "b")
	_, err = f.svc.AddMembers(ctx, ana, g.ID, []string{"l"})
	require.ErrorIs(t, err, domain.ErrNotFound)

	// Un grupo propio, sin nadie mas, sigue permitido.
	ev, err := f.svc.CreateGroup(ctx, loner, "solo", nil)
	require.NoError(t, err)
	require.Equal(t, []string{"l"}, participantIDs(decodeRoom(t, ev)))
}

func TestRoomService_SendRacingCreatorLeaveLeavesNoOrphans(t *testing.T) {
	for i := 0; i < 100; i++ {
		f := newFixture(t)
		ctx := context.Background()
		g := f.group(t, ana, "b")

		var (
			wg       sync.WaitGroup
			sendErr  error
			leaveErr error
			msg      domain.Message
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			msg, sendErr = f.svc.SendMessage(ctx, beto, g.ID, "justo a tiempo")
		}()
		go func() {
			defer wg.Done()
			_, leaveErr = f.svc.RemoveMember(ctx, ana, g.ID, "")
		}()
		wg.Wait()

		require.NoError(t, leaveErr)
		if sendErr != nil {
			require.True(t, errors.Is(sendErr, domain.ErrNotFound) || errors.Is(sendErr, domain.ErrAccessDenied),
				"unexpected send error: %v", sendErr)
			require.Empty(t, msg.ID)
		}
		require.Equal(t, 0, f.store.RoomCount(domain.RoomGroup))
		require.Equal(t, 0, f.store.MessageCount(g.ID))
	}
}

// flakyInvalidation deja la cache sin poder invalidar.
type flakyInvalidation struct {
	cache.MessageCache
	calls atomic.Int32
}

func (c *flakyInvalidation) Invalidate(context.Context, string) error {
	c.calls.Add(1)
	return errors.New("redis down")
}

func TestRoomService_SendReportsFailedInvalidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := f.group(t, ana, "b")

	flaky := &flakyInvalidation{MessageCache: f.svc.cache}
	f.svc.cache = flaky
	f.svc.invalidateBackOff = func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2)
	}

	msg, err := f.svc.SendMessage(ctx, ana, g.ID, "hola")
	require.ErrorIs(t, err, domain.ErrTransient)
	require.NotEmpty(t, msg.ID)
	require.Equal(t, int32(3), flaky.calls.Load())
	require.Equal(t, 1, f.store.MessageCount(g.ID))
	require.Len(t, f.bus.byKind(domain.EventNewMessage), 1)
}

// slowMessages bloquea ListRecent hasta release, respetando el ctx recibido.
type slowMessages struct {
	repository.MessageRepository
	started chan struct{}
	release chan struct{}
	reads   atomic.Int32
}

func (m *slowMessages) ListRecent(ctx context.Context, roomID string, limit int) ([]domain.Message, error) {
	m.reads.Add(1)
	select {
	case m.started <- struct{}{}:
	default:
	}
	select {
	case <-m.release:
		return m.MessageRepository.ListRecent(ctx, roomID, limit)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestRoomService_CoalescedLoadSurvivesFirstCallerCancel(t *testing.T) {
	f := newFixture(t)
	g := f.group(t, ana, "b")
	_, err := f.svc.SendMessage(context.Background(), ana, g.ID, "hola")
	require.NoError(t, err)

	slow := &slowMessages{
		MessageRepository: f.store.Messages(),
		started:           make(chan struct{}, 1),
		release:           make(chan struct{}),
	}
	f.svc.messages = slow

	type result struct {
		window domain.RoomMessages
		err    error
	}
	first := make(chan result, 1)
	ctx1, cancel1 := context.WithCancel(context.Background())
	go func() {
		w, err := f.svc.JoinRoom(ctx1, ana, g.ID)
		first <- result{w, err}
	}()
	<-slow.started

	second := make(chan result, 1)
	go func() {
		w, err := f.svc.JoinRoom(context.Background(), beto, g.ID)
		second <- result{w, err}
	}()

	cancel1()
	select {
	case res := <-first:
		require.ErrorIs(t, res.err, domain.ErrTransient)
		require.ErrorIs(t, res.err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatalf("cancelled caller kept waiting for the shared load")
	}

	close(slow.release)
	select {
	case res := <-second:
		require.NoError(t, res.err)
		require.Len(t, res.window.Messages, 1)
	case <-time.After(time.Second):
		t.Fatalf("second caller never got the window")
	}

	// La carga compartida termino y lleno la cache pese a la cancelacion.
	reads := slow.reads.Load()
	w, err := f.svc.JoinRoom(context.Background(), beto, g.ID)
	require.NoError(t, err)
	require.Len(t, w.Messages, 1)
	require.Equal(t, reads, slow.reads.Load())
}
