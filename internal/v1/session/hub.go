// Package session - hub.go
//
// Hub is the process-wide registry of rooms. It owns WebSocket upgrade,
// pre-authenticates connections via TokenValidator, gates room admission
// through a LectureRegistry, and runs the periodic idle sweep that closes
// rooms nobody has touched in a while.
package session

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/classroomhub/collab-core/internal/v1/auth"
	"github.com/classroomhub/collab-core/internal/v1/bus"
	"github.com/classroomhub/collab-core/internal/v1/logging"
	"github.com/classroomhub/collab-core/internal/v1/metrics"
)

// TokenValidator authenticates the bearer token presented at connect time
// and returns the claims the Hub uses to build a User. Production wiring
// is Auth0-backed (internal/auth.Validator); tests and SKIP_AUTH=true
// wire a MockValidator instead.
type TokenValidator interface {
	ValidateToken(tokenString string) (*auth.CustomClaims, error)
}

// LectureRegistry answers the one question room admission depends on:
// is this room currently backed by a live lecture? (spec I3). The Hub
// never creates or mutates registry state itself.
type LectureRegistry interface {
	IsRoomAvailable(roomID string) (available bool, lectureStatus string, err error)
}

const (
	defaultSweepInterval      = 5 * time.Minute
	defaultInactiveThreshold  = 30 * time.Minute
	defaultWsReadBufferBytes  = 4096
	defaultWsWriteBufferBytes = 4096
)

// Hub is the top-level registry of rooms for this process. Individual
// rooms serialize their own state; the Hub only serializes the rooms map
// itself.
type Hub struct {
	mu    sync.Mutex
	rooms map[RoomIdType]*Room

	validator TokenValidator
	registry  LectureRegistry
	bus       *bus.Service
	devMode   bool

	roomConfig RoomConfig

	sweepInterval     time.Duration
	inactiveThreshold time.Duration
	sweepStop         chan struct{}
	sweepDone         chan struct{}
}

// HubConfig carries the Hub-level lifecycle tunables (spec §6.4): how often
// the idle sweep runs and how long a room may sit silent before it's
// closed. Zero values fall back to the documented defaults.
type HubConfig struct {
	SweepInterval     time.Duration
	InactiveThreshold time.Duration
	Room              RoomConfig
}

// DefaultHubConfig returns the documented defaults.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		SweepInterval:     defaultSweepInterval,
		InactiveThreshold: defaultInactiveThreshold,
		Room:              DefaultRoomConfig(),
	}
}

// NewHub wires a Hub with its auth validator, lecture registry, optional
// event mirror, and runtime tuning. devMode, when true, relaxes
// origin/token checks to support local development without a real identity
// provider.
func NewHub(validator TokenValidator, registry LectureRegistry, svc *bus.Service, devMode bool, cfg HubConfig) *Hub {
	sweepInterval := cfg.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = defaultSweepInterval
	}
	inactiveThreshold := cfg.InactiveThreshold
	if inactiveThreshold <= 0 {
		inactiveThreshold = defaultInactiveThreshold
	}
	h := &Hub{
		rooms:             make(map[RoomIdType]*Room),
		validator:         validator,
		registry:          registry,
		bus:               svc,
		devMode:           devMode,
		roomConfig:        cfg.Room,
		sweepInterval:     sweepInterval,
		inactiveThreshold: inactiveThreshold,
	}
	return h
}

// StartIdleSweep launches the background goroutine that closes rooms idle
// past inactiveThreshold (spec §4.4.10). Call once at startup; Shutdown
// stops it.
func (h *Hub) StartIdleSweep(ctx context.Context) {
	h.sweepStop = make(chan struct{})
	h.sweepDone = make(chan struct{})
	go func() {
		defer close(h.sweepDone)
		ticker := time.NewTicker(h.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				h.sweepIdleRooms(ctx)
			case <-h.sweepStop:
				return
			}
		}
	}()
}

func (h *Hub) sweepIdleRooms(ctx context.Context) {
	h.mu.Lock()
	candidates := make([]*Room, 0)
	for _, room := range h.rooms {
		if room.IdleSince() >= h.inactiveThreshold {
			candidates = append(candidates, room)
		}
	}
	h.mu.Unlock()

	for _, room := range candidates {
		room.closeIdle(ctx, "idle_timeout")
		h.mu.Lock()
		delete(h.rooms, room.ID)
		h.mu.Unlock()
		logging.Info(ctx, "idle sweep closed room", zap.String("room_id", string(room.ID)))
	}
}

// Shutdown notifies every connected client that the server is going away,
// stops the idle sweep, and drops the room registry. Call this before the
// HTTP server's own Shutdown(ctx) so server_shutdown reaches clients
// ahead of the listener closing (spec §4.4.11).
func (h *Hub) Shutdown(ctx context.Context) {
	if h.sweepStop != nil {
		close(h.sweepStop)
		<-h.sweepDone
	}

	h.mu.Lock()
	rooms := make([]*Room, 0, len(h.rooms))
	for _, room := range h.rooms {
		rooms = append(rooms, room)
	}
	h.rooms = make(map[RoomIdType]*Room)
	h.mu.Unlock()

	for _, room := range rooms {
		room.shutdown()
	}
	logging.Info(ctx, "hub shutdown complete", zap.Int("rooms_notified", len(rooms)))
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  defaultWsReadBufferBytes,
	WriteBufferSize: defaultWsWriteBufferBytes,
}

// ServeWs upgrades the HTTP request to a WebSocket, pre-authenticates the
// connection, and starts the client's pumps. Room admission itself is
// decided on the client's first join_room frame, not here — the Hub only
// establishes who the caller is.
func (h *Hub) ServeWs(c *gin.Context) {
	ctx := c.Request.Context()

	tokenResult := extractToken(c.Request)
	if tokenResult.Token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token not provided"})
		return
	}

	claims, err := h.authenticateUser(tokenResult.Token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	if !validateOrigin(c.Request, h.devMode) {
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(ctx, "websocket upgrade failed", zap.Error(err))
		return
	}

	user := userFromClaims(claims, c.Query("username"), h.devMode)
	connID := newConnectionID()

	client := NewClient(conn, connID, user)
	client.hub = h

	metrics.ActiveWebSocketConnections.Inc()
	go client.writePump()
	go client.readPump()
}

// admitToRoom is the join_room entry point: checks lecture availability,
// gets-or-creates the room, and hands the client off to it. Returns false
// (and sends join_room_error) if the room is not currently available.
func (h *Hub) admitToRoom(ctx context.Context, c *Client, roomID RoomIdType) bool {
	available, status, err := h.registry.IsRoomAvailable(string(roomID))
	if err != nil {
		logging.Error(ctx, "registry lookup failed", zap.String("room_id", string(roomID)), zap.Error(err))
		c.sendFrame(EventJoinRoomError, joinRoomErrorPayload{
			Code:    JoinErrorRoomUnavailable,
			Message: "could not verify room availability",
			RoomID:  roomID,
		})
		return false
	}
	if !available {
		c.sendFrame(EventJoinRoomError, joinRoomErrorPayload{
			Code:          JoinErrorRoomUnavailable,
			Message:       "room is not currently live",
			LectureStatus: status,
			RoomID:        roomID,
		})
		return false
	}

	room := h.getOrCreateRoom(roomID)
	room.handleClientConnect(ctx, c)
	return true
}

// getOrCreateRoom returns the existing room for roomID, creating one if
// this is the first admitted client.
func (h *Hub) getOrCreateRoom(roomID RoomIdType) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()

	if room, ok := h.rooms[roomID]; ok {
		return room
	}
	room := NewRoom(roomID, h.bus, h.roomConfig)
	h.rooms[roomID] = room
	return room
}

// ClearRoom is the Event Coordinator's entry point for ending a room on
// lecture-driven grounds (spec §4.4.9).
func (h *Hub) ClearRoom(ctx context.Context, roomID RoomIdType, reason string) {
	h.mu.Lock()
	room, ok := h.rooms[roomID]
	if ok {
		delete(h.rooms, roomID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	room.clearRoom(ctx, reason)
}

// userFromClaims builds the External-input User (spec §3) from validated
// JWT claims, preferring an explicit username query param (dev convenience)
// and falling back to the claim's name/email-local-part.
func userFromClaims(claims *auth.CustomClaims, usernameParam string, devMode bool) User {
	displayName := usernameParam
	if displayName == "" {
		displayName = claims.Name
		if displayName == "" && claims.Email != "" {
			if parts := strings.Split(claims.Email, "@"); len(parts) > 0 {
				displayName = parts[0]
			}
		}
		if displayName == "" {
			displayName = claims.Subject
		}
	}

	role := RoleStudent
	for _, scope := range strings.Fields(claims.Scope) {
		switch scope {
		case "role:teacher":
			role = RoleTeacher
		case "role:admin":
			role = RoleAdmin
		}
	}

	return User{
		ID:          UserIdType(claims.Subject),
		Username:    displayName,
		DisplayName: displayName,
		Role:        role,
		Email:       claims.Email,
	}
}
