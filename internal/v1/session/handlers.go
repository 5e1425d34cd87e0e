package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/classroomhub/collab-core/internal/v1/logging"
	"github.com/classroomhub/collab-core/internal/v1/metrics"
	"github.com/google/uuid"
)

// kickCloseDelay is how long the transport stays open after
// kicked_from_room is sent, so the frame has time to flush before the
// connection is force-closed. A var, not a const, so tests can shrink it.
var kickCloseDelay = time.Second

// logHelper records a malformed-payload condition once, at a consistent
// call site, instead of repeating the same log line in every handler.
func logHelper(ok bool, conn ConnectionIdType, handler string, room RoomIdType) {
	if ok {
		return
	}
	logging.Warn(context.Background(), "malformed payload",
		zap.String("handler", handler),
		zap.String("connection_id", string(conn)),
		zap.String("room_id", string(room)))
}

// currentParticipant resolves the Participant record behind a connection,
// returning false if the client has already been removed from the room
// (a race between disconnect and a late-arriving frame).
func (r *Room) currentParticipant(c *Client) (*Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.participants[c.ConnectionID]
	if !ok {
		return nil, false
	}
	cp := *p
	return &cp, true
}

func (r *Room) handleRequestMessageHistory(ctx context.Context, c *Client, frame Frame) {
	_, ok := r.currentParticipant(c)
	if !ok {
		return
	}
	c.sendFrame(EventMessageHistory, messageHistoryPayload{Messages: r.recentMessages()})
}

func (r *Room) handleSendMessage(ctx context.Context, c *Client, frame Frame) {
	p, ok := r.currentParticipant(c)
	if !ok {
		return
	}
	payload, ok := assertPayload[SendMessagePayload](frame.Payload)
	logHelper(ok, c.ConnectionID, "handleSendMessage", r.ID)
	if !ok {
		return
	}
	if !p.CanChat {
		c.sendFrame(EventError, errorPayload{Message: "chat is disabled for this participant"})
		return
	}
	if !r.chatLimiter.allow(ctx, p.UserID) {
		metrics.RateLimitExceeded.WithLabelValues("chat_message", "user").Inc()
		c.sendFrame(EventError, errorPayload{Message: "rate limit exceeded: too many messages"})
		return
	}

	content := payload.Message.Content
	if content == "" {
		return
	}

	msg := ChatMessage{
		MessageID: uuid.NewString(),
		Sequence:  r.nextSequence(),
		UserID:    p.UserID,
		Username:  p.Username,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
	r.appendMessage(msg)

	r.broadcast(EventNewMessage, newMessagePayload{
		MessageID: msg.MessageID,
		Sequence:  msg.Sequence,
		UserID:    msg.UserID,
		Username:  msg.Username,
		Content:   msg.Content,
		Timestamp: msg.Timestamp,
	})
	r.mirror(ctx, EventNewMessage, msg)
}

func (r *Room) handleStartStream(ctx context.Context, c *Client, frame Frame) {
	p, ok := r.currentParticipant(c)
	if !ok {
		return
	}
	payload, ok := assertPayload[StartStreamPayload](frame.Payload)
	logHelper(ok, c.ConnectionID, "handleStartStream", r.ID)
	if !ok {
		return
	}
	if !p.CanStream {
		c.sendFrame(EventError, errorPayload{Message: "not permitted to stream"})
		return
	}

	r.mu.Lock()
	r.stream = StreamState{
		Active:              true,
		StreamerDisplayName: p.DisplayName,
		Quality:             payload.Quality,
	}
	if r.stream.StreamerDisplayName == "" {
		r.stream.StreamerDisplayName = p.Username
	}
	r.streamerConn = c.ConnectionID
	snapshot := r.stream
	r.mu.Unlock()

	r.broadcast(EventStreamStarted, snapshot)
	metrics.WebrtcConnectionAttempts.WithLabelValues("stream_started").Inc()
}

func (r *Room) handleStopStream(ctx context.Context, c *Client, frame Frame) {
	p, ok := r.currentParticipant(c)
	if !ok {
		return
	}
	if !p.CanStream {
		return
	}
	r.mu.Lock()
	r.stream = StreamState{}
	r.streamerConn = ""
	snapshot := r.stream
	r.mu.Unlock()
	r.broadcast(EventStreamStopped, snapshot)
}

func (r *Room) handleMuteAllParticipants(ctx context.Context, c *Client, frame Frame) {
	p, ok := r.currentParticipant(c)
	if !ok || !p.IsModerator() {
		return
	}
	payload, ok := assertPayload[MuteAllParticipantsPayload](frame.Payload)
	logHelper(ok, c.ConnectionID, "handleMuteAllParticipants", r.ID)
	if !ok {
		return
	}
	r.broadcast(EventMuteAll, muteAllPayload{
		RequestedBy: payload.RequesterID,
		Timestamp:   time.Now().UTC(),
	})
}

func (r *Room) handleMuteParticipant(ctx context.Context, c *Client, frame Frame) {
	p, ok := r.currentParticipant(c)
	if !ok || !p.IsModerator() {
		return
	}
	payload, ok := assertPayload[MuteParticipantPayload](frame.Payload)
	logHelper(ok, c.ConnectionID, "handleMuteParticipant", r.ID)
	if !ok {
		return
	}
	r.sendPriorityToUser(payload.TargetUserID, EventMutedByTeacher, mutedByTeacherPayload{
		RequestedBy: payload.RequesterID,
		Timestamp:   time.Now().UTC(),
	})
}

func (r *Room) handleKickParticipant(ctx context.Context, c *Client, frame Frame) {
	p, ok := r.currentParticipant(c)
	if !ok || !p.IsModerator() {
		return
	}
	payload, ok := assertPayload[KickParticipantPayload](frame.Payload)
	logHelper(ok, c.ConnectionID, "handleKickParticipant", r.ID)
	if !ok {
		return
	}

	target, ok := r.participantByUser(payload.TargetUserID)
	if !ok {
		return
	}
	targetClient := r.connectionFor(target.ConnectionID)
	if targetClient == nil {
		return
	}

	targetClient.sendPriorityFrame(EventKickedFromRoom, kickedFromRoomPayload{
		RoomID:    r.ID,
		Reason:    payload.Reason,
		KickedBy:  payload.RequesterID,
		Timestamp: time.Now().UTC(),
	})
	r.broadcastExcept(target.ConnectionID, EventParticipantKicked, participantKickedPayload{
		UserID: payload.TargetUserID,
		Reason: payload.Reason,
	})
	if r.removeParticipant(targetClient) {
		time.AfterFunc(kickCloseDelay, targetClient.close)
	}
}

func (r *Room) handleRaiseHand(ctx context.Context, c *Client, frame Frame) {
	r.mu.Lock()
	p, ok := r.participants[c.ConnectionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	p.HandRaised = true
	p.HandRaisedAt = &now
	username := p.Username
	userID := p.UserID
	r.mu.Unlock()

	r.broadcast(EventHandRaised, handRaisedPayload{
		UserID:    userID,
		Username:  username,
		Timestamp: now,
	})
}

func (r *Room) handleLowerHand(ctx context.Context, c *Client, frame Frame) {
	r.mu.Lock()
	p, ok := r.participants[c.ConnectionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	p.HandRaised = false
	p.HandRaisedAt = nil
	userID := p.UserID
	r.mu.Unlock()

	r.broadcast(EventHandLowered, handLoweredPayload{
		UserID:    userID,
		Timestamp: time.Now().UTC(),
	})
}

func (r *Room) handleRecordingStarted(ctx context.Context, c *Client, frame Frame) {
	p, ok := r.currentParticipant(c)
	if !ok || !p.IsModerator() {
		return
	}
	payload, ok := assertPayload[RecordingStartedPayload](frame.Payload)
	logHelper(ok, c.ConnectionID, "handleRecordingStarted", r.ID)
	if !ok {
		return
	}
	r.broadcast(EventLectureRecordingStarted, recordingStartedBroadcast{
		TeacherID: payload.TeacherID,
		Timestamp: time.Now().UTC(),
	})
}

func (r *Room) handleRecordingStopped(ctx context.Context, c *Client, frame Frame) {
	p, ok := r.currentParticipant(c)
	if !ok || !p.IsModerator() {
		return
	}
	payload, ok := assertPayload[RecordingStoppedPayload](frame.Payload)
	logHelper(ok, c.ConnectionID, "handleRecordingStopped", r.ID)
	if !ok {
		return
	}
	r.broadcast(EventLectureRecordingStopped, recordingStoppedBroadcast{
		TeacherID: payload.TeacherID,
		Duration:  payload.Duration,
		Timestamp: time.Now().UTC(),
	})
}
