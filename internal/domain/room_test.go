package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParticipantSet(t *testing.T) {
	set := NewParticipantSet("b", "a", "", "a")
	require.Equal(t, 2, set.Len())
	require.Equal(t, []string{"a", "b"}, set.IDs())

	require.True(t, set.Add("c"))
	require.False(t, set.Add("c"))
	require.False(t, set.Add(""))
	require.True(t, set.Remove("a"))
	require.False(t, set.Remove("a"))

	clone := set.Clone()
	clone.Add("z")
	require.False(t, set.Has("z"))
}

func TestParticipantSetJSON(t *testing.T) {
	raw, err := json.Marshal(NewParticipantSet("u2", "u1"))
	require.NoError(t, err)
	require.JSONEq(t, `["u1","u2"]`, string(raw))

	var decoded ParticipantSet
	require.NoError(t, json.Unmarshal([]byte(`["x","y","x"]`), &decoded))
	require.Equal(t, []string{"x", "y"}, decoded.IDs())
}

func TestPrivatePairKeyIsUnordered(t *testing.T) {
	require.Equal(t, PrivatePairKey("alice", "bob"), PrivatePairKey("bob", "alice"))
	require.NotEqual(t, PrivatePairKey("alice", "bob"), PrivatePairKey("alice", "carol"))
}

func TestRoomCanRead(t *testing.T) {
	member := Identity{UserID: "u1", Role: RoleMember}
	outsider := Identity{UserID: "u9", Role: RoleMember}
	admin := Identity{UserID: "adm", Role: RoleAdmin}

	group := Room{Kind: RoomGroup, Participants: NewParticipantSet("u1", "u2")}
	private := Room{Kind: RoomPrivate, Participants: NewParticipantSet("u1", "u2")}

	require.True(t, group.CanRead(member))
	require.False(t, group.CanRead(outsider))
	require.True(t, group.CanRead(admin))
	require.False(t, private.CanRead(admin))
}

func TestEnvelopeEventCarriesDedupKey(t *testing.T) {
	env := Envelope{ID: "m1", Kind: EventNewMessage, Payload: json.RawMessage(`{"id":"m1"}`)}
	ev := env.Event()
	require.Equal(t, "m1", ev.DedupKey)
	require.Equal(t, EventNewMessage, ev.Name)

	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	require.JSONEq(t, `{"event":"newMessage","payload":{"id":"m1"}}`, string(raw))
}
