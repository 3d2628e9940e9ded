package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"orgchat/internal/broker"
	"orgchat/internal/cache"
	"orgchat/internal/domain"
	"orgchat/internal/repository"
)

// localRouter simula las sesiones conectadas a una instancia.
type localRouter struct {
	mu        sync.Mutex
	connected map[string]bool
	got       map[string][]domain.Event
}

func newLocalRouter(users ...string) *localRouter {
	r := &localRouter{connected: map[string]bool{}, got: map[string][]domain.Event{}}
	for _, u := range users {
		r.connected[u] = true
	}
	return r
}

func (r *localRouter) Deliver(userID string, ev domain.Event) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connected[userID] {
		return 0
	}
	r.got[userID] = append(r.got[userID], ev)
	return 1
}

func (r *localRouter) events(userID string) []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Event(nil), r.got[userID]...)
}

func TestFanout_PlanResolvesParticipantsForMessages(t *testing.T) {
	f := newFixture(t)
	g := f.group(t, ana, "b", "c")
	fan := NewFanout(f.store.Rooms(), newLocalRouter(), nil)

	plan, err := fan.Plan(context.Background(), domain.Envelope{ID: "m1", Kind: domain.EventNewMessage, RoomID: g.ID})
	require.NoError(t, err)
	require.Len(t, plan, 3)
	for _, d := range plan {
		require.Equal(t, "m1", d.Event.DedupKey)
	}

	plan, err = fan.Plan(context.Background(), domain.Envelope{ID: "m2", Kind: domain.EventNewMessage, RoomID: "borrada"})
	require.NoError(t, err)
	require.Empty(t, plan)

	plan, err = fan.Plan(context.Background(), domain.Envelope{
		ID: "e1", Kind: domain.EventGroupDeleted, RoomID: "borrada", Recipients: []string{"b", "b", "c"},
	})
	require.NoError(t, err)
	require.Len(t, plan, 2)
}

func TestFanout_TwoInstancesDeliverOnce(t *testing.T) {
	store := repository.NewMemoryStore()
	for _, id := range []domain.Identity{ana, beto} {
		store.PutUser(domain.User{ID: id.UserID, DisplayName: id.DisplayName, OrganizationID: id.OrganizationID})
	}
	bus := broker.NewMemoryBus(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Ana conectada a la instancia 1, Beto a la instancia 2.
	routerA := newLocalRouter("a")
	routerB := newLocalRouter("b")
	go bus.Consume(ctx, NewFanout(store.Rooms(), routerA, nil).Handle)
	go bus.Consume(ctx, NewFanout(store.Rooms(), routerB, nil).Handle)
	require.Eventually(t, func() bool { return bus.Subscribers() == 2 }, time.Second, time.Millisecond)

	deps := RoomDeps{
		Users:    store.Users(),
		Rooms:    store.Rooms(),
		Messages: store.Messages(),
		Cache:    cache.NewMemoryMessageCache(nil, 0),
		Bus:      bus,
	}
	instance1 := NewRoomService(deps, 0)
	instance2 := NewRoomService(deps, 0)

	room, err := instance1.GetOrCreatePrivateRoom(ctx, ana, "b")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, participantIDs(room))

	msg, err := instance2.SendMessage(ctx, beto, room.ID, "hi")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(routerA.events("a")) == 1 && len(routerB.events("b")) == 1
	}, time.Second, time.Millisecond)

	got := routerA.events("a")[0]
	require.Equal(t, domain.EventNewMessage, got.Name)
	require.Equal(t, msg.ID, got.DedupKey)
	var delivered domain.Message
	require.NoError(t, json.Unmarshal(got.Payload, &delivered))
	require.Equal(t, "hi", delivered.Content)
	require.Equal(t, "b", delivered.SenderID)

	time.Sleep(20 * time.Millisecond)
	require.Len(t, routerA.events("a"), 1)
}
