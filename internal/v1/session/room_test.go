package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeFrame(t *testing.T, raw []byte) Frame {
	t.Helper()
	var f Frame
	require.NoError(t, json.Unmarshal(raw, &f))
	return f
}

func eventsOf(t *testing.T, frames [][]byte) []Event {
	t.Helper()
	out := make([]Event, len(frames))
	for i, raw := range frames {
		out[i] = decodeFrame(t, raw).Event
	}
	return out
}

func connectClient(r *Room, connID ConnectionIdType, u User) (*Client, *mockConn) {
	c, conn := newTestClient(connID, u)
	r.handleClientConnect(context.Background(), c)
	return c, conn
}

// A newly connected client receives welcome then room_state, and every
// other already-connected client sees user_joined (spec §4.4.1, late-join
// roster scenario).
func TestRoom_HandleClientConnect_WelcomesAndBroadcasts(t *testing.T) {
	r := NewRoom("room-1", nil)

	teacher, teacherConn := connectClient(r, "conn-teacher", User{ID: "u1", Username: "Teacher", Role: RoleTeacher})
	_ = teacherConn

	student, studentConn := connectClient(r, "conn-student", User{ID: "u2", Username: "Student", Role: RoleStudent})
	_ = studentConn

	teacherFrames := drainSend(teacher)
	events := eventsOf(t, teacherFrames)
	assert.Contains(t, events, EventUserJoined, "the already-connected teacher must see the late joiner")

	studentFrames := drainSend(student)
	studentEvents := eventsOf(t, studentFrames)
	assert.Equal(t, []Event{EventWelcome, EventRoomState, EventMessageHistory}, studentEvents)

	var roomState roomStatePayload
	for _, raw := range studentFrames {
		f := decodeFrame(t, raw)
		if f.Event == EventRoomState {
			require.NoError(t, json.Unmarshal(f.Payload, &roomState))
		}
	}
	assert.Len(t, roomState.Participants, 2, "room_state must include every already-connected participant, including self")
}

// Capability flags are a pure function of role, fixed at join and never
// mutated independently afterward (spec invariant).
func TestNewParticipant_CapabilitiesDeriveFromRole(t *testing.T) {
	teacher := NewParticipant("c1", User{ID: "t1", Role: RoleTeacher})
	assert.True(t, teacher.CanStream)
	assert.True(t, teacher.CanScreenShare)
	assert.True(t, teacher.CanChat)
	assert.True(t, teacher.IsModerator())

	student := NewParticipant("c2", User{ID: "s1", Role: RoleStudent})
	assert.False(t, student.CanStream)
	assert.False(t, student.CanScreenShare)
	assert.True(t, student.CanChat)
	assert.False(t, student.IsModerator())
}

func TestRoom_HandleClientDisconnect_NotifiesRemainingParticipants(t *testing.T) {
	r := NewRoom("room-1", nil)
	teacher, _ := connectClient(r, "conn-teacher", User{ID: "u1", Role: RoleTeacher})
	student, _ := connectClient(r, "conn-student", User{ID: "u2", Role: RoleStudent})
	drainSend(teacher)
	drainSend(student)

	r.handleClientDisconnect(student)

	frames := drainSend(teacher)
	events := eventsOf(t, frames)
	assert.Contains(t, events, EventUserLeft)
	assert.Equal(t, 1, r.ParticipantCount())
}

func TestRoom_HandleClientDisconnect_IsIdempotent(t *testing.T) {
	r := NewRoom("room-1", nil)
	c, _ := connectClient(r, "conn-1", User{ID: "u1", Role: RoleStudent})

	r.handleClientDisconnect(c)
	assert.NotPanics(t, func() { r.handleClientDisconnect(c) })
}

// Chat messages are delivered in order and the ring buffer evicts the
// oldest entry once it exceeds the 100-message bound (spec I4).
func TestChatHistory_OrderingAndEviction(t *testing.T) {
	r := NewRoom("room-1", nil)
	sender, _ := connectClient(r, "conn-1", User{ID: "u1", Username: "Alice", Role: RoleStudent})
	drainSend(sender)

	for i := 0; i < maxMessageHistory+10; i++ {
		payload, _ := json.Marshal(SendMessagePayload{
			RoomID: r.ID,
			Message: struct {
				UserID   UserIdType `json:"userId"`
				Username string     `json:"username"`
				Content  string     `json:"content"`
			}{UserID: "u1", Username: "Alice", Content: "msg"},
		})
		r.handleSendMessage(context.Background(), sender, Frame{Event: EventSendMessage, Payload: payload})
		// Reset the limiter between iterations so history growth isn't
		// gated by the separate rate-limit invariant under test elsewhere.
		r.chatLimiter = newChatRateLimiter(chatRateLimitMessages, chatRateLimitWindow)
	}

	history := r.recentMessages()
	require.Len(t, history, maxMessageHistory)
	assert.Equal(t, uint64(maxMessageHistory+10), history[len(history)-1].Sequence)
	assert.Equal(t, uint64(11), history[0].Sequence, "the oldest 10 messages must have been evicted")
}

// A sixth message inside the 10-second window is dropped with an error
// frame, not broadcast (spec §4.4.4 chat rate limit scenario).
func TestChatRateLimit_DropsSixthMessageInWindow(t *testing.T) {
	r := NewRoom("room-1", nil)
	sender, _ := connectClient(r, "conn-1", User{ID: "u1", Username: "Alice", Role: RoleStudent})
	drainSend(sender)

	send := func(content string) {
		payload, _ := json.Marshal(SendMessagePayload{
			RoomID: r.ID,
			Message: struct {
				UserID   UserIdType `json:"userId"`
				Username string     `json:"username"`
				Content  string     `json:"content"`
			}{UserID: "u1", Username: "Alice", Content: content},
		})
		r.handleSendMessage(context.Background(), sender, Frame{Event: EventSendMessage, Payload: payload})
	}

	for i := 0; i < chatRateLimitMessages; i++ {
		send("ok")
	}
	drainSend(sender)

	send("one too many")

	frames := drainSend(sender)
	require.Len(t, frames, 1)
	f := decodeFrame(t, frames[0])
	assert.Equal(t, EventError, f.Event)

	history := r.recentMessages()
	assert.Len(t, history, chatRateLimitMessages, "the rate-limited message must not have been appended to history")
}

// A chat-disabled capability (spec invariant: CanChat is still true for
// every role today, so this exercises the handler's own guard directly).
func TestHandleSendMessage_RespectsCanChatFlag(t *testing.T) {
	r := NewRoom("room-1", nil)
	sender, _ := connectClient(r, "conn-1", User{ID: "u1", Role: RoleStudent})
	drainSend(sender)

	r.mu.Lock()
	r.participants[sender.ConnectionID].CanChat = false
	r.mu.Unlock()

	payload, _ := json.Marshal(SendMessagePayload{
		RoomID: r.ID,
		Message: struct {
			UserID   UserIdType `json:"userId"`
			Username string     `json:"username"`
			Content  string     `json:"content"`
		}{UserID: "u1", Content: "hi"},
	})
	r.handleSendMessage(context.Background(), sender, Frame{Event: EventSendMessage, Payload: payload})

	frames := drainSend(sender)
	require.Len(t, frames, 1)
	assert.Equal(t, EventError, decodeFrame(t, frames[0]).Event)
}

// Kick flow: the target receives a priority kicked_from_room frame, every
// remaining participant sees participant_kicked, and the target is removed
// from the room (spec §4.4.7 kick scenario).
func TestHandleKickParticipant_RemovesTargetAndNotifiesRoom(t *testing.T) {
	r := NewRoom("room-1", nil)
	teacher, _ := connectClient(r, "conn-teacher", User{ID: "teacher-1", Role: RoleTeacher})
	target, _ := connectClient(r, "conn-target", User{ID: "student-1", Role: RoleStudent})
	drainSend(teacher)
	drainSend(target)

	payload, _ := json.Marshal(KickParticipantPayload{
		RoomID:       r.ID,
		TargetUserID: "student-1",
		RequesterID:  "teacher-1",
		Reason:       "disruptive",
	})
	r.handleKickParticipant(context.Background(), teacher, Frame{Event: EventKickParticipant, Payload: payload})

	priorityFrames := drainPriority(target)
	require.Len(t, priorityFrames, 1)
	assert.Equal(t, EventKickedFromRoom, decodeFrame(t, priorityFrames[0]).Event)

	teacherFrames := drainSend(teacher)
	assert.Contains(t, eventsOf(t, teacherFrames), EventParticipantKicked)

	assert.Equal(t, 1, r.ParticipantCount())
}

// The kicked target is removed from the room immediately, but its transport
// stays open until kickCloseDelay elapses, giving kicked_from_room time to
// flush (spec §4.4.7 "short delay" requirement).
func TestHandleKickParticipant_DefersTransportClose(t *testing.T) {
	orig := kickCloseDelay
	kickCloseDelay = 10 * time.Millisecond
	defer func() { kickCloseDelay = orig }()

	r := NewRoom("room-1", nil)
	teacher, _ := connectClient(r, "conn-teacher", User{ID: "teacher-1", Role: RoleTeacher})
	target, _ := connectClient(r, "conn-target", User{ID: "student-1", Role: RoleStudent})
	drainSend(teacher)
	drainSend(target)

	payload, _ := json.Marshal(KickParticipantPayload{RoomID: r.ID, TargetUserID: "student-1", RequesterID: "teacher-1"})
	r.handleKickParticipant(context.Background(), teacher, Frame{Event: EventKickParticipant, Payload: payload})

	assert.Equal(t, 0, r.ParticipantCount(), "target must be removed from the room synchronously")

	target.mu.RLock()
	closedImmediately := target.closed
	target.mu.RUnlock()
	assert.False(t, closedImmediately, "transport must still be open right after the kick")

	require.Eventually(t, func() bool {
		target.mu.RLock()
		defer target.mu.RUnlock()
		return target.closed
	}, time.Second, time.Millisecond, "transport must close once kickCloseDelay elapses")
}

// A non-moderator's kick_participant request is ignored entirely.
func TestHandleKickParticipant_RequiresModerator(t *testing.T) {
	r := NewRoom("room-1", nil)
	requester, _ := connectClient(r, "conn-student", User{ID: "student-1", Role: RoleStudent})
	target, _ := connectClient(r, "conn-target", User{ID: "student-2", Role: RoleStudent})
	drainSend(requester)
	drainSend(target)

	payload, _ := json.Marshal(KickParticipantPayload{RoomID: r.ID, TargetUserID: "student-2", RequesterID: "student-1"})
	r.handleKickParticipant(context.Background(), requester, Frame{Event: EventKickParticipant, Payload: payload})

	assert.Equal(t, 2, r.ParticipantCount())
	assert.Empty(t, drainPriority(target))
}

func TestHandleRaiseHandLowerHand_BroadcastsState(t *testing.T) {
	r := NewRoom("room-1", nil)
	student, _ := connectClient(r, "conn-1", User{ID: "u1", Username: "Alice", Role: RoleStudent})
	observer, _ := connectClient(r, "conn-2", User{ID: "u2", Role: RoleStudent})
	drainSend(student)
	drainSend(observer)

	r.handleRaiseHand(context.Background(), student, Frame{Event: EventRaiseHand})
	frames := drainSend(observer)
	assert.Contains(t, eventsOf(t, frames), EventHandRaised)

	p, ok := r.participantByUser("u1")
	require.True(t, ok)
	assert.True(t, p.HandRaised)

	r.handleLowerHand(context.Background(), student, Frame{Event: EventLowerHand})
	frames = drainSend(observer)
	assert.Contains(t, eventsOf(t, frames), EventHandLowered)

	p, ok = r.participantByUser("u1")
	require.True(t, ok)
	assert.False(t, p.HandRaised)
}

func TestClearRoom_NotifiesAndEmptiesRoom(t *testing.T) {
	r := NewRoom("room-1", nil)
	c1, _ := connectClient(r, "conn-1", User{ID: "u1", Role: RoleStudent})
	c2, _ := connectClient(r, "conn-2", User{ID: "u2", Role: RoleStudent})
	drainSend(c1)
	drainSend(c2)

	r.clearRoom(context.Background(), "completed")

	assert.Contains(t, eventsOf(t, drainSend(c1)), EventRoomCleared)
	assert.Equal(t, 0, r.ParticipantCount())
}

func TestClearRoom_IsIdempotent(t *testing.T) {
	r := NewRoom("room-1", nil)
	c, _ := connectClient(r, "conn-1", User{ID: "u1", Role: RoleStudent})
	_ = c

	r.clearRoom(context.Background(), "completed")
	assert.NotPanics(t, func() { r.clearRoom(context.Background(), "completed") })
}

func TestRoom_IdleSinceAdvances(t *testing.T) {
	r := NewRoom("room-1", nil)
	r.mu.Lock()
	r.lastActivity = time.Now().UTC().Add(-time.Hour)
	r.mu.Unlock()

	assert.GreaterOrEqual(t, r.IdleSince(), 59*time.Minute)
}
