// Package session implements the real-time room hub: connection lifecycle,
// room membership, chat fan-out, WebRTC signaling relay, and moderation.
package session

import (
	"encoding/json"
	"time"
)

// --- Identity types ---

// RoleType is a participant's role, fixed at join time.
type RoleType string

const (
	RoleTeacher RoleType = "teacher"
	RoleStudent RoleType = "student"
	RoleAdmin   RoleType = "admin"
)

// RoomIdType identifies a room. Rooms are 1:1 with an in-progress lecture.
type RoomIdType string

// ConnectionIdType is an opaque, transport-scoped handle for one live
// session. It is not stable across reconnects; stable identity is UserId.
type ConnectionIdType string

// UserIdType is the application's stable identifier for a human.
type UserIdType string

// User is the external, pre-authenticated input the hub receives on join.
// Authentication itself happens upstream of this package.
type User struct {
	ID          UserIdType `json:"id"`
	Username    string     `json:"username"`
	Role        RoleType   `json:"role"`
	DisplayName string     `json:"displayName,omitempty"`
	Email       string     `json:"email,omitempty"`
	Status      string     `json:"status,omitempty"`
}

// Participant is the hub's ephemeral record of one (room, connection) pair.
// Capability flags are a pure function of Role and must never be mutated
// independently of it (spec invariant: capabilities don't change at runtime).
type Participant struct {
	UserID         UserIdType       `json:"userId"`
	Username       string           `json:"username"`
	Role           RoleType         `json:"role"`
	DisplayName    string           `json:"displayName,omitempty"`
	Status         string           `json:"status,omitempty"`
	ConnectionID   ConnectionIdType `json:"connectionId"`
	JoinedAt       time.Time        `json:"joinedAt"`
	CanStream      bool             `json:"canStream"`
	CanScreenShare bool             `json:"canScreenShare"`
	CanChat        bool             `json:"canChat"`
	HandRaised     bool             `json:"handRaised"`
	HandRaisedAt   *time.Time       `json:"handRaisedAt,omitempty"`
}

// NewParticipant derives a Participant from a join request. Capability
// flags are computed once, here, and never touched again.
func NewParticipant(connID ConnectionIdType, u User) *Participant {
	canStreamOrShare := u.Role == RoleTeacher || u.Role == RoleAdmin
	return &Participant{
		UserID:         u.ID,
		Username:       u.Username,
		Role:           u.Role,
		DisplayName:    u.DisplayName,
		Status:         u.Status,
		ConnectionID:   connID,
		JoinedAt:       time.Now().UTC(),
		CanStream:      canStreamOrShare,
		CanScreenShare: canStreamOrShare,
		CanChat:        true,
	}
}

// IsModerator reports whether the participant may issue moderation commands.
func (p *Participant) IsModerator() bool {
	return p.Role == RoleTeacher || p.Role == RoleAdmin
}

// ChatMessage is one entry in a room's bounded message history.
type ChatMessage struct {
	MessageID string    `json:"messageId"`
	Sequence  uint64    `json:"sequence"`
	UserID    UserIdType `json:"userId"`
	Username  string    `json:"username"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// StreamState mirrors the active streamer, if any, in a room.
type StreamState struct {
	Active              bool   `json:"active"`
	StreamerDisplayName string `json:"streamerDisplayName,omitempty"`
	Quality             string `json:"quality,omitempty"`
}

const maxMessageHistory = 100

// --- Wire frame ---

// Frame is the tagged-event envelope exchanged over the connection.
// Encoding is JSON; the event name selects the handler, the payload is
// unmarshalled into the handler's expected shape.
type Frame struct {
	Event   Event           `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Event names the inbound or outbound frame kind.
type Event string

// Client -> server events.
const (
	EventJoinRoom              Event = "join_room"
	EventLeaveRoom             Event = "leave_room"
	EventRequestMessageHistory Event = "request_message_history"
	EventSendMessage           Event = "send_message"
	EventStartStream           Event = "start_stream"
	EventStopStream            Event = "stop_stream"
	EventOffer                 Event = "offer"
	EventAnswer                Event = "answer"
	EventICECandidate          Event = "ice-candidate"
	EventMuteAllParticipants   Event = "mute_all_participants"
	EventMuteParticipant       Event = "mute_participant"
	EventKickParticipant       Event = "kick_participant"
	EventRaiseHand             Event = "raise_hand"
	EventLowerHand             Event = "lower_hand"
	EventRecordingStarted      Event = "recording_started"
	EventRecordingStopped      Event = "recording_stopped"
	EventPing                  Event = "ping"
)

// Server -> client events.
const (
	EventWelcome                 Event = "welcome"
	EventRoomState               Event = "room_state"
	EventMessageHistory          Event = "message_history"
	EventNewMessage              Event = "new_message"
	EventUserJoined              Event = "user_joined"
	EventUserLeft                Event = "user_left"
	EventStreamStarted           Event = "stream_started"
	EventStreamStopped           Event = "stream_stopped"
	EventMuteAll                 Event = "mute_all"
	EventMutedByTeacher          Event = "muted_by_teacher"
	EventKickedFromRoom          Event = "kicked_from_room"
	EventParticipantKicked       Event = "participant_kicked"
	EventHandRaised              Event = "hand_raised"
	EventHandLowered             Event = "hand_lowered"
	EventLectureRecordingStarted Event = "lecture_recording_started"
	EventLectureRecordingStopped Event = "lecture_recording_stopped"
	EventRoomCleared             Event = "room_cleared"
	EventRoomClosed              Event = "room_closed"
	EventServerShutdown          Event = "server_shutdown"
	EventJoinRoomError           Event = "join_room_error"
	EventError                   Event = "error"
)

// --- Inbound payloads ---

type JoinRoomPayload struct {
	RoomID RoomIdType `json:"roomId"`
	User   User       `json:"user"`
}

type LeaveRoomPayload struct {
	RoomID RoomIdType `json:"roomId"`
}

type RequestMessageHistoryPayload struct {
	RoomID RoomIdType `json:"roomId"`
}

type SendMessagePayload struct {
	RoomID  RoomIdType `json:"roomId"`
	Message struct {
		UserID   UserIdType `json:"userId"`
		Username string     `json:"username"`
		Content  string     `json:"content"`
	} `json:"message"`
}

type StartStreamPayload struct {
	RoomID   RoomIdType `json:"roomId"`
	Username string     `json:"username"`
	Quality  string     `json:"quality"`
}

type StopStreamPayload struct {
	RoomID RoomIdType `json:"roomId"`
}

type SignalPayload struct {
	RoomID       RoomIdType       `json:"roomId"`
	TargetPeerID ConnectionIdType `json:"targetPeerId"`
	Offer        json.RawMessage  `json:"offer,omitempty"`
	Answer       json.RawMessage  `json:"answer,omitempty"`
	Candidate    json.RawMessage  `json:"candidate,omitempty"`
}

type MuteAllParticipantsPayload struct {
	RoomID      RoomIdType `json:"roomId"`
	RequesterID UserIdType `json:"requesterId"`
}

type MuteParticipantPayload struct {
	RoomID      RoomIdType `json:"roomId"`
	TargetUserID UserIdType `json:"targetUserId"`
	RequesterID UserIdType `json:"requesterId"`
}

type KickParticipantPayload struct {
	RoomID      RoomIdType `json:"roomId"`
	TargetUserID UserIdType `json:"targetUserId"`
	RequesterID UserIdType `json:"requesterId"`
	Reason      string     `json:"reason,omitempty"`
}

type RaiseHandPayload struct {
	RoomID RoomIdType `json:"roomId"`
	UserID UserIdType `json:"userId"`
}

type RecordingStartedPayload struct {
	RoomID    RoomIdType `json:"roomId"`
	TeacherID UserIdType `json:"teacherId"`
}

type RecordingStoppedPayload struct {
	RoomID    RoomIdType `json:"roomId"`
	TeacherID UserIdType `json:"teacherId"`
	Duration  int64      `json:"duration"`
}

// --- Outbound payloads ---

type welcomePayload struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type roomStatePayload struct {
	Stream       *StreamState   `json:"stream"`
	Participants []*Participant `json:"participants"`
}

type messageHistoryPayload struct {
	Messages []ChatMessage `json:"messages"`
}

type newMessagePayload struct {
	MessageID string    `json:"messageId"`
	Sequence  uint64    `json:"sequence"`
	UserID    UserIdType `json:"userId"`
	Username  string    `json:"username"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type userJoinedPayload struct {
	UserID       UserIdType       `json:"userId"`
	Username     string           `json:"username"`
	ConnectionID ConnectionIdType `json:"connectionId"`
	Role         RoleType         `json:"role"`
	DisplayName  string           `json:"displayName,omitempty"`
	Status       string           `json:"status,omitempty"`
}

type userLeftPayload struct {
	UserID       UserIdType       `json:"userId"`
	Username     string           `json:"username"`
	ConnectionID ConnectionIdType `json:"connectionId"`
}

type signalRelayPayload struct {
	FromPeerID ConnectionIdType `json:"fromPeerId"`
	Offer      json.RawMessage  `json:"offer,omitempty"`
	Answer     json.RawMessage  `json:"answer,omitempty"`
	Candidate  json.RawMessage  `json:"candidate,omitempty"`
}

type muteAllPayload struct {
	RequestedBy UserIdType `json:"requestedBy"`
	Timestamp   time.Time  `json:"timestamp"`
}

type mutedByTeacherPayload struct {
	RequestedBy UserIdType `json:"requestedBy"`
	Reason      string     `json:"reason,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
}

type kickedFromRoomPayload struct {
	RoomID    RoomIdType `json:"roomId"`
	Reason    string     `json:"reason,omitempty"`
	KickedBy  UserIdType `json:"kickedBy"`
	Timestamp time.Time  `json:"timestamp"`
}

type participantKickedPayload struct {
	UserID UserIdType `json:"userId"`
	Reason string     `json:"reason,omitempty"`
}

type handRaisedPayload struct {
	UserID    UserIdType `json:"userId"`
	Username  string     `json:"username,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

type handLoweredPayload struct {
	UserID    UserIdType `json:"userId"`
	Timestamp time.Time  `json:"timestamp"`
}

type recordingStartedBroadcast struct {
	TeacherID UserIdType `json:"teacherId"`
	Timestamp time.Time  `json:"timestamp"`
}

type recordingStoppedBroadcast struct {
	TeacherID UserIdType `json:"teacherId"`
	Duration  int64      `json:"duration"`
	Timestamp time.Time  `json:"timestamp"`
}

type roomClearedPayload struct {
	RoomID    RoomIdType `json:"roomId"`
	Reason    string     `json:"reason"`
	Timestamp time.Time  `json:"timestamp"`
}

type roomClosedPayload struct {
	RoomID    RoomIdType `json:"roomId"`
	Reason    string     `json:"reason"`
	Timestamp time.Time  `json:"timestamp"`
}

type serverShutdownPayload struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// JoinRoomErrorCode enumerates join_room_error codes.
type JoinRoomErrorCode string

const JoinErrorRoomUnavailable JoinRoomErrorCode = "ROOM_UNAVAILABLE"

type joinRoomErrorPayload struct {
	Code          JoinRoomErrorCode `json:"code"`
	Message       string            `json:"message,omitempty"`
	LectureStatus string            `json:"lectureStatus,omitempty"`
	RoomID        RoomIdType        `json:"roomId"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// assertPayload unmarshals a raw JSON payload into T. It also accepts an
// already-typed T directly, which test code takes advantage of to skip
// marshalling round-trips.
func assertPayload[T any](payload json.RawMessage) (T, bool) {
	var result T
	if len(payload) == 0 {
		return result, false
	}
	if err := json.Unmarshal(payload, &result); err != nil {
		return result, false
	}
	return result, true
}
