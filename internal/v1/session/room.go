package session

import (
	"container/list"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/classroomhub/collab-core/internal/v1/bus"
	"github.com/classroomhub/collab-core/internal/v1/logging"
	"github.com/classroomhub/collab-core/internal/v1/metrics"
	"k8s.io/utils/set"
)

// RoomConfig carries the per-room tunables that are configurable at
// deployment time (spec §6.4): history retention and the chat rate limit.
// Room lifecycle tunables (sweep interval, inactive threshold) live on Hub
// instead, since they govern the Hub's sweep loop rather than any one room.
type RoomConfig struct {
	MessageHistoryLimit int
	RateLimitMessages   int
	RateLimitWindow     time.Duration
}

// DefaultRoomConfig returns the documented defaults, used whenever a caller
// doesn't have an explicit config handy (tests, and any NewRoom call that
// predates RoomConfig).
func DefaultRoomConfig() RoomConfig {
	return RoomConfig{
		MessageHistoryLimit: maxMessageHistory,
		RateLimitMessages:   chatRateLimitMessages,
		RateLimitWindow:     chatRateLimitWindow,
	}
}

// Room is the single-threaded actor owning all state for one room: its
// connected clients, their participant records, chat history, and stream
// state. Every mutation happens under mu; handlers never touch a client's
// socket directly, only its buffered send channel.
type Room struct {
	ID RoomIdType

	mu sync.Mutex

	clients      map[ConnectionIdType]*Client
	participants map[ConnectionIdType]*Participant

	messages   *list.List
	messageSeq uint64

	stream StreamState
	// streamerConn tracks which connection is the active streamer, so
	// disconnect-time cleanup doesn't depend on the wire-visible (and
	// possibly empty) StreamerDisplayName. Never serialized.
	streamerConn ConnectionIdType

	chatLimiter         *chatRateLimiter
	messageHistoryLimit int

	lastActivity time.Time

	// bus is an optional, nil-safe mirror publisher. It is never consulted
	// for admission or correctness decisions, only for best-effort fan-out
	// to external observers after a mutation has already committed.
	bus *bus.Service

	closed bool
}

// NewRoom constructs an empty room. svc may be nil, in which case the room
// runs in pure single-instance mode with no outward mirror. cfg is
// variadic so existing call sites may omit it and get DefaultRoomConfig().
func NewRoom(id RoomIdType, svc *bus.Service, cfg ...RoomConfig) *Room {
	c := DefaultRoomConfig()
	if len(cfg) > 0 {
		c = cfg[0]
	}
	r := &Room{
		ID:                  id,
		clients:             make(map[ConnectionIdType]*Client),
		participants:        make(map[ConnectionIdType]*Participant),
		messages:            list.New(),
		chatLimiter:         newChatRateLimiter(c.RateLimitMessages, c.RateLimitWindow),
		messageHistoryLimit: c.MessageHistoryLimit,
		lastActivity:        time.Now().UTC(),
		bus:                 svc,
	}
	metrics.ActiveRooms.Inc()
	return r
}

func (r *Room) touch() {
	r.lastActivity = time.Now().UTC()
}

// IdleSince reports how long the room has had no activity.
func (r *Room) IdleSince() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return time.Since(r.lastActivity)
}

// ParticipantCount reports the number of currently connected clients.
func (r *Room) ParticipantCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// handleClientConnect admits an already-authorized client into the room.
// Admission gating (is this room's lecture live?) happens in the Hub
// before this is called; by the time Room sees the client it is committed
// to joining.
func (r *Room) handleClientConnect(ctx context.Context, c *Client) {
	r.mu.Lock()
	p := NewParticipant(c.ConnectionID, User{
		ID:          c.UserID,
		Username:    c.Username,
		Role:        c.Role,
		DisplayName: c.DisplayName,
		Status:      c.Status,
	})
	r.clients[c.ConnectionID] = c
	r.participants[c.ConnectionID] = p
	c.room = r
	r.touch()

	snapshotParticipants := r.participantSnapshot()
	streamSnapshot := r.stream
	history := r.recentMessagesLocked()
	r.mu.Unlock()

	metrics.RoomParticipants.WithLabelValues(string(r.ID)).Set(float64(len(snapshotParticipants)))
	metrics.ActiveWebSocketConnections.Inc()

	c.sendFrame(EventWelcome, welcomePayload{
		Message:   "connected",
		Timestamp: time.Now().UTC(),
	})
	c.sendFrame(EventRoomState, roomStatePayload{
		Stream:       &streamSnapshot,
		Participants: snapshotParticipants,
	})
	c.sendFrame(EventMessageHistory, messageHistoryPayload{Messages: history})

	r.broadcastExcept(c.ConnectionID, EventUserJoined, userJoinedPayload{
		UserID:       p.UserID,
		Username:     p.Username,
		ConnectionID: p.ConnectionID,
		Role:         p.Role,
		DisplayName:  p.DisplayName,
		Status:       p.Status,
	})
	r.mirror(ctx, EventUserJoined, p)

	logging.Info(ctx, "participant joined room",
		zap.String("room_id", string(r.ID)),
		zap.String("user_id", string(p.UserID)),
		zap.String("role", string(p.Role)))
}

// handleClientDisconnect removes a client's state, closes its transport, and
// notifies the rest of the room. It is safe to call more than once for the
// same client.
func (r *Room) handleClientDisconnect(c *Client) {
	if !r.removeParticipant(c) {
		return
	}
	c.close()
}

// removeParticipant does everything handleClientDisconnect does except
// close the transport, so callers that need the transport close deferred
// (kick_participant) can still remove the participant synchronously.
// Reports whether c was still a participant.
func (r *Room) removeParticipant(c *Client) bool {
	r.mu.Lock()
	p, ok := r.participants[c.ConnectionID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.clients, c.ConnectionID)
	delete(r.participants, c.ConnectionID)
	wasStreamer := r.stream.Active && r.streamerConn == c.ConnectionID
	if wasStreamer {
		r.stream = StreamState{}
		r.streamerConn = ""
	}
	streamSnapshot := r.stream
	r.chatLimiter.forget(p.UserID)
	r.touch()
	remaining := len(r.clients)
	r.mu.Unlock()

	metrics.RoomParticipants.WithLabelValues(string(r.ID)).Set(float64(remaining))
	metrics.ActiveWebSocketConnections.Dec()

	if wasStreamer {
		r.broadcast(EventStreamStopped, streamSnapshot)
	}

	r.broadcastExcept(c.ConnectionID, EventUserLeft, userLeftPayload{
		UserID:       p.UserID,
		Username:     p.Username,
		ConnectionID: p.ConnectionID,
	})
	r.mirror(context.Background(), EventUserLeft, p)
	return true
}

// route dispatches one inbound frame from client to its handler. Unknown
// events and malformed payloads are logged and dropped; they never panic
// the room actor.
func (r *Room) route(c *Client, frame Frame) {
	ctx := context.Background()
	start := time.Now()
	status := "ok"
	defer func() {
		metrics.MessageProcessingDuration.WithLabelValues(string(frame.Event)).Observe(time.Since(start).Seconds())
		metrics.WebsocketEvents.WithLabelValues(string(frame.Event), status).Inc()
	}()

	r.mu.Lock()
	r.touch()
	r.mu.Unlock()

	switch frame.Event {
	case EventLeaveRoom:
		r.handleClientDisconnect(c)
	case EventRequestMessageHistory:
		r.handleRequestMessageHistory(ctx, c, frame)
	case EventSendMessage:
		r.handleSendMessage(ctx, c, frame)
	case EventStartStream:
		r.handleStartStream(ctx, c, frame)
	case EventStopStream:
		r.handleStopStream(ctx, c, frame)
	case EventOffer, EventAnswer, EventICECandidate:
		r.handleSignal(ctx, c, frame)
	case EventMuteAllParticipants:
		r.handleMuteAllParticipants(ctx, c, frame)
	case EventMuteParticipant:
		r.handleMuteParticipant(ctx, c, frame)
	case EventKickParticipant:
		r.handleKickParticipant(ctx, c, frame)
	case EventRaiseHand:
		r.handleRaiseHand(ctx, c, frame)
	case EventLowerHand:
		r.handleLowerHand(ctx, c, frame)
	case EventRecordingStarted:
		r.handleRecordingStarted(ctx, c, frame)
	case EventRecordingStopped:
		r.handleRecordingStopped(ctx, c, frame)
	case EventPing:
		// liveness frame from the client; no response required.
	default:
		status = "unknown_event"
		logging.Warn(ctx, "unknown event", zap.String("event", string(frame.Event)))
	}
}

// participantSnapshot returns a copy of every participant, for room_state
// frames. Caller must hold mu.
func (r *Room) participantSnapshot() []*Participant {
	out := make([]*Participant, 0, len(r.participants))
	for _, p := range r.participants {
		cp := *p
		out = append(out, &cp)
	}
	return out
}

// broadcast fans a frame out to every connected client's non-blocking send
// queue. Slow consumers silently miss frames rather than stalling the room.
func (r *Room) broadcast(event Event, payload any) {
	r.broadcastExcept("", event, payload)
}

// broadcastExcept broadcasts to everyone but the given connection (used so
// a sender doesn't receive its own echo of certain events).
func (r *Room) broadcastExcept(except ConnectionIdType, event Event, payload any) {
	r.mu.Lock()
	targets := make([]*Client, 0, len(r.clients))
	for id, c := range r.clients {
		if id == except {
			continue
		}
		targets = append(targets, c)
	}
	r.mu.Unlock()

	for _, c := range targets {
		c.sendFrame(event, payload)
	}
}

// broadcastToRoles fans a frame out only to clients whose role is in roles.
func (r *Room) broadcastToRoles(roles set.Set[RoleType], event Event, payload any) {
	r.mu.Lock()
	targets := make([]*Client, 0)
	for _, c := range r.clients {
		if roles.Has(c.Role) {
			targets = append(targets, c)
		}
	}
	r.mu.Unlock()

	for _, c := range targets {
		c.sendFrame(event, payload)
	}
}

// sendToUser delivers a frame to one user's connection, if present.
func (r *Room) sendToUser(userID UserIdType, event Event, payload any) bool {
	r.mu.Lock()
	var target *Client
	for _, c := range r.clients {
		if c.UserID == userID {
			target = c
			break
		}
	}
	r.mu.Unlock()

	if target == nil {
		return false
	}
	target.sendFrame(event, payload)
	return true
}

// sendPriorityToUser delivers a frame on the priority lane to one user.
func (r *Room) sendPriorityToUser(userID UserIdType, event Event, payload any) bool {
	r.mu.Lock()
	var target *Client
	for _, c := range r.clients {
		if c.UserID == userID {
			target = c
			break
		}
	}
	r.mu.Unlock()

	if target == nil {
		return false
	}
	target.sendPriorityFrame(event, payload)
	return true
}

// connectionFor looks up the live client behind a connection id.
func (r *Room) connectionFor(id ConnectionIdType) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clients[id]
}

// participantByUser finds a participant record by stable user id.
func (r *Room) participantByUser(userID UserIdType) (*Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.participants {
		if p.UserID == userID {
			cp := *p
			return &cp, true
		}
	}
	return nil, false
}

// appendMessage pushes a message onto the bounded ring buffer, evicting the
// oldest entry once the cap is exceeded (I4).
func (r *Room) appendMessage(msg ChatMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages.PushBack(msg)
	if r.messages.Len() > r.messageHistoryLimit {
		r.messages.Remove(r.messages.Front())
	}
}

// recentMessages returns up to the room's history bound worth of messages,
// oldest first.
func (r *Room) recentMessages() []ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recentMessagesLocked()
}

// recentMessagesLocked is recentMessages for callers already holding mu.
func (r *Room) recentMessagesLocked() []ChatMessage {
	out := make([]ChatMessage, 0, r.messages.Len())
	for e := r.messages.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(ChatMessage))
	}
	return out
}

func (r *Room) nextSequence() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messageSeq++
	return r.messageSeq
}

// clearRoom ends the room on lecture-driven grounds (spec §4.4.9):
// notifies every client, then disconnects them all. Triggered by the
// Event Coordinator when a lecture transitions away from "live".
func (r *Room) clearRoom(ctx context.Context, reason string) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.Unlock()

	r.broadcast(EventRoomCleared, roomClearedPayload{
		RoomID:    r.ID,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	})

	for _, c := range clients {
		r.handleClientDisconnect(c)
	}

	metrics.ActiveRooms.Dec()
	logging.Info(ctx, "room cleared", zap.String("room_id", string(r.ID)), zap.String("reason", reason))
}

// closeIdle ends the room because the idle sweep found no activity past
// the configured threshold (spec §4.4.10). Distinct wire event from
// clearRoom so clients can tell "lecture ended" from "room timed out".
func (r *Room) closeIdle(ctx context.Context, reason string) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.Unlock()

	r.broadcast(EventRoomClosed, roomClosedPayload{
		RoomID:    r.ID,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	})

	for _, c := range clients {
		r.handleClientDisconnect(c)
	}

	metrics.ActiveRooms.Dec()
	logging.Info(ctx, "room closed by idle sweep", zap.String("room_id", string(r.ID)), zap.String("reason", reason))
}

// shutdown tells every client the server is going away, without touching
// metrics that track per-room lifecycle (the Hub owns that during a
// process-wide shutdown).
func (r *Room) shutdown() {
	r.mu.Lock()
	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.Unlock()

	for _, c := range clients {
		c.sendPriorityFrame(EventServerShutdown, serverShutdownPayload{
			Message:   "server is shutting down",
			Timestamp: time.Now().UTC(),
		})
	}
}

// mirror best-effort publishes an already-committed event to the optional
// bus. Never blocks admission or correctness; nil-safe end to end.
func (r *Room) mirror(ctx context.Context, event Event, payload any) {
	if r.bus == nil {
		return
	}
	if err := r.bus.Publish(ctx, string(r.ID), string(event), payload, "", nil); err != nil {
		logging.Warn(ctx, "bus mirror publish failed", zap.String("room_id", string(r.ID)), zap.Error(err))
	}
}
