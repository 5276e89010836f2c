package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomchat/internal/models"
)

type fakeGuard struct {
	allowed map[string]int64
	err     error
}

func (g fakeGuard) CanJoin(_ context.Context, userID int64, chatID string) (bool, error) {
	if g.err != nil {
		return false, g.err
	}
	owner, ok := g.allowed[chatID]
	return ok && owner == userID, nil
}

func envelope(t *testing.T, event EventType, data any) Envelope {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return Envelope{Event: event, Data: raw}
}

func newSessionPair(t *testing.T) (*Hub, *fakeSender, *Session, *fakeSender, *Session) {
	t.Helper()
	hub := NewHub(nil, nil)
	guard := fakeGuard{allowed: map[string]int64{"chat-x": 7}}
	tab1, tab2 := newFakeSender("tab1", 7), newFakeSender("tab2", 7)
	hub.Register(tab1)
	hub.Register(tab2)
	return hub, tab1, NewSession(hub, guard, tab1, nil), tab2, NewSession(hub, guard, tab2, nil)
}

func TestSessionTwoTabs(t *testing.T) {
	ctx := context.Background()
	hub, tab1, s1, tab2, s2 := newSessionPair(t)

	require.NoError(t, s1.Dispatch(ctx, envelope(t, EventJoinRoom, RoomPayload{ChatID: "chat-x"})))
	// older clients send the bare id
	require.NoError(t, s2.Dispatch(ctx, envelope(t, EventJoinChat, "chat-x")))
	assert.Equal(t, 2, hub.RoomSize("chat-x"))

	joined := tab2.events(t)
	require.Len(t, joined, 1)
	assert.Equal(t, EventJoined, joined[0].Event)
	assert.JSONEq(t, `{"chatId":"chat-x","members":2,"connectionId":"tab2"}`, string(joined[0].Data))

	err := s1.Dispatch(ctx, envelope(t, EventNewMessage, map[string]any{
		"chatId":  "chat-x",
		"userId":  999, // ignored
		"message": map[string]string{"role": "bot", "text": "hello"},
	}))
	require.NoError(t, err)

	got := tab2.events(t)
	require.Len(t, got, 2)
	assert.Equal(t, EventMessageReceived, got[1].Event)
	var payload MessagePayload
	require.NoError(t, json.Unmarshal(got[1].Data, &payload))
	assert.Equal(t, "chat-x", payload.ChatID)
	assert.Equal(t, int64(7), payload.UserID)
	assert.Equal(t, models.RoleAssistant, payload.Message.Role)
	assert.Equal(t, "hello", payload.Message.Text)
	assert.NotNil(t, payload.Message.Attachments)
	assert.Empty(t, payload.Message.Attachments)
	assert.False(t, payload.Message.CreatedAt.IsZero())
	assert.Contains(t, string(got[1].Data), `"attachments":[]`)

	for _, ev := range tab1.events(t) {
		assert.NotEqual(t, EventMessageReceived, ev.Event)
	}
}

func TestSessionTyping(t *testing.T) {
	ctx := context.Background()
	_, tab1, s1, tab2, s2 := newSessionPair(t)
	require.NoError(t, s1.Dispatch(ctx, envelope(t, EventJoinRoom, RoomPayload{ChatID: "chat-x"})))
	require.NoError(t, s2.Dispatch(ctx, envelope(t, EventJoinRoom, RoomPayload{ChatID: "chat-x"})))

	require.NoError(t, s1.Dispatch(ctx, envelope(t, EventTyping, TypingPayload{ChatID: "chat-x", UserID: 1})))
	got := tab2.events(t)
	require.Len(t, got, 2)
	assert.Equal(t, EventUserTyping, got[1].Event)
	assert.JSONEq(t, `{"chatId":"chat-x","userId":7}`, string(got[1].Data))
	assert.Len(t, tab1.events(t), 1) // only its own joined ack
}

func TestSessionRejectsForeignRoom(t *testing.T) {
	ctx := context.Background()
	hub, tab1, s1, _, _ := newSessionPair(t)

	err := s1.Dispatch(ctx, envelope(t, EventJoinRoom, RoomPayload{ChatID: "someone-else"}))
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.Equal(t, 0, hub.RoomSize("someone-else"))

	got := tab1.events(t)
	require.Len(t, got, 1)
	assert.Equal(t, EventError, got[0].Event)
	assert.JSONEq(t, `{"event":"join-room","message":"chat not found"}`, string(got[0].Data))
}

func TestSessionRequiresMembership(t *testing.T) {
	ctx := context.Background()
	hub, _, s1, tab2, s2 := newSessionPair(t)
	require.NoError(t, s2.Dispatch(ctx, envelope(t, EventJoinRoom, RoomPayload{ChatID: "chat-x"})))

	err := s1.Dispatch(ctx, envelope(t, EventTyping, TypingPayload{ChatID: "chat-x"}))
	assert.ErrorIs(t, err, ErrNotInRoom)
	err = s1.Dispatch(ctx, envelope(t, EventNewMessage, map[string]any{
		"chatId":  "chat-x",
		"message": map[string]string{"role": "user", "text": "sneaky"},
	}))
	assert.ErrorIs(t, err, ErrNotInRoom)
	assert.Len(t, tab2.events(t), 1)

	require.NoError(t, s1.Dispatch(ctx, envelope(t, EventJoinRoom, RoomPayload{ChatID: "chat-x"})))
	require.NoError(t, s1.Dispatch(ctx, Envelope{Event: EventLeaveRoom}))
	assert.Equal(t, 1, hub.RoomSize("chat-x"))
}

func TestSessionValidation(t *testing.T) {
	ctx := context.Background()
	_, _, s1, _, _ := newSessionPair(t)
	require.NoError(t, s1.Dispatch(ctx, envelope(t, EventJoinRoom, RoomPayload{ChatID: "chat-x"})))

	cases := []Envelope{
		{Event: "dance"},
		{Event: EventJoinRoom},
		envelope(t, EventJoinRoom, RoomPayload{}),
		envelope(t, EventNewMessage, map[string]any{
			"chatId":  "chat-x",
			"message": map[string]string{"role": "system", "text": "x"},
		}),
		envelope(t, EventNewMessage, map[string]any{
			"chatId":  "chat-x",
			"message": map[string]string{"role": "user", "text": "  "},
		}),
	}
	for i, env := range cases {
		assert.ErrorIs(t, s1.Dispatch(ctx, env), models.ErrValidation, "case %d", i)
	}
}

func TestSessionGuardFailure(t *testing.T) {
	hub := NewHub(nil, nil)
	conn := newFakeSender("c", 1)
	hub.Register(conn)
	boom := errors.New("db down")
	s := NewSession(hub, fakeGuard{err: boom}, conn, nil)

	err := s.Dispatch(context.Background(), envelope(t, EventJoinRoom, RoomPayload{ChatID: "x"}))
	assert.ErrorIs(t, err, boom)
	got := conn.events(t)
	require.Len(t, got, 1)
	assert.JSONEq(t, `{"event":"join-room","message":"internal error"}`, string(got[0].Data))
}
