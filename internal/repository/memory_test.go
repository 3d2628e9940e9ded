package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"orgchat/internal/domain"
)

func seededStore() *MemoryStore {
	s := NewMemoryStore()
	s.PutUser(domain.User{ID: "a", DisplayName: "Ana", OrganizationID: "o1"})
	s.PutUser(domain.User{ID: "b", DisplayName: "Beto", OrganizationID: "o1"})
	s.PutUser(domain.User{ID: "c", DisplayName: "Caro", OrganizationID: "o2"})
	return s
}

func TestMemoryUsers_ListByOrganizationExcludesCaller(t *testing.T) {
	s := seededStore()
	users, err := s.Users().ListByOrganization(context.Background(), "o1", "a")
	require.NoError(t, err)
	require.Len(t, users, 1)
	require.Equal(t, "b", users[0].ID)

	_, err = s.Users().GetByID(context.Background(), "zzz")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMemoryRooms_CreatePrivateIsIdempotentUnderRace(t *testing.T) {
	s := seededStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]domain.Room, 20)
	errs := make([]error, 20)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := "a", "b"
			if i%2 == 1 {
				a, b = b, a
			}
			room, _, err := s.Rooms().CreatePrivate(ctx, domain.Room{
				ID:           fmt.Sprintf("r%d", i),
				Kind:         domain.RoomPrivate,
				Participants: domain.NewParticipantSet(a, b),
				CreatedBy:    a,
				CreatedAt:    time.Now().UTC(),
			})
			results[i], errs[i] = room, err
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	for _, room := range results {
		require.Equal(t, results[0].ID, room.ID)
	}
	require.Equal(t, 1, s.RoomCount(domain.RoomPrivate))
}

func TestMemoryRooms_MutateDeleteCascadesMessages(t *testing.T) {
	s := seededStore()
	ctx := context.Background()
	require.NoError(t, s.Rooms().Create(ctx, domain.Room{
		ID: "g1", Kind: domain.RoomGroup, Name: "g", CreatedBy: "a",
		Participants: domain.NewParticipantSet("a", "b"), CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, s.Messages().Create(ctx, domain.Message{ID: "m1", RoomID: "g1", SenderID: "a", Content: "hola", CreatedAt: time.Now().UTC()}))
	require.Equal(t, 1, s.MessageCount("g1"))

	_, err := s.Rooms().Mutate(ctx, "g1", func(room *domain.Room) (RoomMutation, error) {
		return MutationDelete, nil
	})
	require.NoError(t, err)
	require.Equal(t, 0, s.MessageCount("g1"))

	_, err = s.Rooms().Mutate(ctx, "g1", func(room *domain.Room) (RoomMutation, error) {
		return MutationDelete, nil
	})
	require.ErrorIs(t, err, domain.ErrNotFound)

	err = s.Messages().Create(ctx, domain.Message{ID: "m2", RoomID: "g1", SenderID: "a", Content: "tarde"})
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMemoryRooms_MutateErrorLeavesRoomUntouched(t *testing.T) {
	s := seededStore()
	ctx := context.Background()
	require.NoError(t, s.Rooms().Create(ctx, domain.Room{
		ID: "g1", Kind: domain.RoomGroup, CreatedBy: "a", Participants: domain.NewParticipantSet("a", "b"),
	}))

	boom := errors.New("boom")
	_, err := s.Rooms().Mutate(ctx, "g1", func(room *domain.Room) (RoomMutation, error) {
		room.Participants.Remove("b")
		return MutationNone, boom
	})
	require.ErrorIs(t, err, boom)

	room, err := s.Rooms().GetByID(ctx, "g1")
	require.NoError(t, err)
	require.True(t, room.IsParticipant("b"))
}

func TestMemoryMessages_RejectsNonParticipantAndOrdersWindow(t *testing.T) {
	s := seededStore()
	ctx := context.Background()
	require.NoError(t, s.Rooms().Create(ctx, domain.Room{
		ID: "g1", Kind: domain.RoomGroup, CreatedBy: "a", Participants: domain.NewParticipantSet("a", "b"),
	}))

	err := s.Messages().Create(ctx, domain.Message{ID: "x", RoomID: "g1", SenderID: "c", Content: "hola"})
	require.ErrorIs(t, err, domain.ErrAccessDenied)
	require.Equal(t, 0, s.MessageCount("g1"))

	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 25; i++ {
		// Mismo timestamp para los pares: el orden de insercion desempata.
		created := at.Add(time.Duration(i/2) * time.Second)
		require.NoError(t, s.Messages().Create(ctx, domain.Message{
			ID: fmt.Sprintf("m%02d", i), RoomID: "g1", SenderID: "a", Content: "x", CreatedAt: created,
		}))
	}

	window, err := s.Messages().ListRecent(ctx, "g1", 20)
	require.NoError(t, err)
	require.Len(t, window, 20)
	require.Equal(t, "m05", window[0].ID)
	require.Equal(t, "m24", window[19].ID)
	require.Equal(t, "Ana", window[0].SenderName)
}
