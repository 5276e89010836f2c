package realtime

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSender struct {
	id     string
	userID int64
	limit  int

	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func newFakeSender(id string, userID int64) *fakeSender {
	return &fakeSender{id: id, userID: userID, limit: 64}
}

func (f *fakeSender) ID() string    { return f.id }
func (f *fakeSender) UserID() int64 { return f.userID }

func (f *fakeSender) Send(frame []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || len(f.frames) >= f.limit {
		return false
	}
	f.frames = append(f.frames, frame)
	return true
}

func (f *fakeSender) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

type decodedFrame struct {
	Event EventType       `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func (f *fakeSender) events(t *testing.T) []decodedFrame {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]decodedFrame, 0, len(f.frames))
	for _, raw := range f.frames {
		var fr decodedFrame
		require.NoError(t, json.Unmarshal(raw, &fr))
		out = append(out, fr)
	}
	return out
}

func TestBroadcastExcludesSenderAndNonMembers(t *testing.T) {
	hub := NewHub(NewPresence(), nil)
	a, b, c := newFakeSender("a", 1), newFakeSender("b", 1), newFakeSender("c", 2)
	for _, s := range []*fakeSender{a, b, c} {
		hub.Register(s)
	}
	require.NoError(t, hub.Join("a", "chat-x"))
	require.NoError(t, hub.Join("b", "chat-x"))

	n := hub.Broadcast("chat-x", EventMessageReceived, map[string]string{"text": "hi"}, "a")
	assert.Equal(t, 1, n)
	assert.Empty(t, a.events(t))
	assert.Empty(t, c.events(t))

	got := b.events(t)
	require.Len(t, got, 1)
	assert.Equal(t, EventMessageReceived, got[0].Event)
	assert.JSONEq(t, `{"text":"hi"}`, string(got[0].Data))
}

func TestBroadcastAfterDisconnect(t *testing.T) {
	hub := NewHub(nil, nil)
	a, b := newFakeSender("a", 1), newFakeSender("b", 2)
	hub.Register(a)
	hub.Register(b)
	require.NoError(t, hub.Join("a", "room"))
	require.NoError(t, hub.Join("b", "room"))

	hub.Unregister("b")
	assert.Equal(t, 1, hub.RoomSize("room"))
	assert.Equal(t, 1, hub.Broadcast("room", EventUserTyping, TypingPayload{ChatID: "room", UserID: 1}, ""))
	assert.Empty(t, b.events(t))

	hub.Unregister("a")
	assert.Equal(t, 0, hub.Broadcast("room", EventUserTyping, nil, ""))
	assert.Empty(t, hub.Rooms())
	assert.Equal(t, 0, hub.Connections())

	// unregistering twice is harmless
	hub.Unregister("a")
}

func TestJoinMovesBetweenRooms(t *testing.T) {
	presence := NewPresence()
	hub := NewHub(presence, nil)
	a := newFakeSender("a", 1)
	hub.Register(a)

	require.NoError(t, hub.Join("a", "one"))
	require.NoError(t, hub.Join("a", "two"))
	assert.Equal(t, 0, hub.RoomSize("one"))
	assert.Equal(t, 1, hub.RoomSize("two"))
	assert.Equal(t, []string{"two"}, hub.Rooms())

	room, ok := presence.Room("a")
	require.True(t, ok)
	assert.Equal(t, "two", room)

	// re-joining the same room keeps a single membership
	require.NoError(t, hub.Join("a", "two"))
	assert.Equal(t, 1, hub.RoomSize("two"))
	assert.Equal(t, 1, presence.Len())

	left, ok := hub.Leave("a")
	require.True(t, ok)
	assert.Equal(t, "two", left)
	assert.Equal(t, 0, presence.Len())

	assert.ErrorIs(t, hub.Join("ghost", "two"), ErrUnknownConnection)
}

func TestCloseRoomEvictsMembers(t *testing.T) {
	presence := NewPresence()
	hub := NewHub(presence, nil)
	a, b, other := newFakeSender("a", 1), newFakeSender("b", 1), newFakeSender("other", 2)
	for _, s := range []*fakeSender{a, b, other} {
		hub.Register(s)
	}
	require.NoError(t, hub.Join("a", "doomed"))
	require.NoError(t, hub.Join("b", "doomed"))
	require.NoError(t, hub.Join("other", "elsewhere"))

	assert.Equal(t, 2, hub.CloseRoom("doomed"))
	assert.Equal(t, 0, hub.RoomSize("doomed"))
	assert.Equal(t, []string{"elsewhere"}, hub.Rooms())
	assert.Equal(t, 1, presence.Len())
	_, ok := hub.Room("a")
	assert.False(t, ok)

	for _, s := range []*fakeSender{a, b} {
		got := s.events(t)
		require.Len(t, got, 1)
		assert.Equal(t, EventChatDeleted, got[0].Event)
		assert.JSONEq(t, `{"chatId":"doomed"}`, string(got[0].Data))
	}
	assert.Empty(t, other.events(t))
	assert.Equal(t, 0, hub.Broadcast("doomed", EventUserTyping, nil, ""))

	// evicted connections stay registered and can join again
	assert.Equal(t, 3, hub.Connections())
	require.NoError(t, hub.Join("a", "elsewhere"))
	assert.Equal(t, 0, hub.CloseRoom("nobody-here"))
}

func TestBroadcastDropsForFullQueueOnly(t *testing.T) {
	hub := NewHub(nil, nil)
	slow, fast := newFakeSender("slow", 1), newFakeSender("fast", 2)
	slow.limit = 1
	hub.Register(slow)
	hub.Register(fast)
	require.NoError(t, hub.Join("slow", "room"))
	require.NoError(t, hub.Join("fast", "room"))

	assert.Equal(t, 2, hub.Broadcast("room", EventUserTyping, nil, ""))
	assert.Equal(t, 1, hub.Broadcast("room", EventUserTyping, nil, ""))
	assert.Len(t, slow.events(t), 1)
	assert.Len(t, fast.events(t), 2)
}

func TestHubConcurrentUse(t *testing.T) {
	hub := NewHub(nil, nil)
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("conn-%d", i)
			hub.Register(newFakeSender(id, int64(i)))
			for j := 0; j < 20; j++ {
				room := fmt.Sprintf("room-%d", (i+j)%4)
				if err := hub.Join(id, room); err != nil {
					t.Errorf("join: %v", err)
					return
				}
				hub.Broadcast(room, EventUserTyping, TypingPayload{ChatID: room, UserID: int64(i)}, id)
			}
			hub.Unregister(id)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, hub.Connections())
	assert.Empty(t, hub.Rooms())
}

func TestHubCloseClosesConnections(t *testing.T) {
	hub := NewHub(nil, nil)
	a := newFakeSender("a", 1)
	hub.Register(a)
	hub.Close()
	assert.False(t, a.Send([]byte("x")))
}

func TestPresence(t *testing.T) {
	p := NewPresence()
	_, had := p.Set("c1", "x")
	assert.False(t, had)
	prev, had := p.Set("c1", "y")
	assert.True(t, had)
	assert.Equal(t, "x", prev)

	chatID, ok := p.Remove("c1")
	assert.True(t, ok)
	assert.Equal(t, "y", chatID)
	_, ok = p.Remove("c1")
	assert.False(t, ok)
}
