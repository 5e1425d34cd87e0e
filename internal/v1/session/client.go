package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/classroomhub/collab-core/internal/v1/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 32 * 1024
	sendBufferSize = 64
)

// wsConnection is the subset of *websocket.Conn the Client depends on. It
// exists so tests can drive a Client without a real socket.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Client is one live connection into a Room. It owns two goroutines (read
// and write pumps) and exposes a non-blocking send surface to the rest of
// the package; the Room never writes to the socket directly.
type Client struct {
	conn wsConnection

	// send carries ordinary broadcast/relay traffic. prioritySend carries
	// frames that must survive even a full send buffer (moderation
	// notices, server_shutdown) — it is drained first by writePump.
	send         chan []byte
	prioritySend chan []byte

	room *Room
	hub  *Hub

	UserID       UserIdType
	Username     string
	ConnectionID ConnectionIdType
	Role         RoleType
	DisplayName  string
	Status       string

	mu     sync.RWMutex
	closed bool
}

// NewClient wraps an upgraded connection. The caller is responsible for
// attaching the Client to a Room before starting the pumps.
func NewClient(conn wsConnection, connID ConnectionIdType, u User) *Client {
	return &Client{
		conn:         conn,
		send:         make(chan []byte, sendBufferSize),
		prioritySend: make(chan []byte, 8),
		UserID:       u.ID,
		Username:     u.Username,
		ConnectionID: connID,
		Role:         u.Role,
		DisplayName:  u.DisplayName,
		Status:       u.Status,
	}
}

// applyJoinProfile overlays the displayName/status carried on a join_room
// frame's user payload onto the client, since the Hub's pre-authenticated
// User (from token claims) doesn't know either.
func (c *Client) applyJoinProfile(u User) {
	if u.DisplayName != "" {
		c.DisplayName = u.DisplayName
	}
	if u.Status != "" {
		c.Status = u.Status
	}
}

// deliver enqueues a frame for this client without blocking. A full buffer
// means the consumer is too slow to keep up; the frame is dropped rather
// than stalling the sender or the room's broadcast loop.
func (c *Client) deliver(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// deliverPriority enqueues a frame on the priority lane, used for
// moderation and shutdown notices that must not be starved by chat volume.
func (c *Client) deliverPriority(frame []byte) bool {
	select {
	case c.prioritySend <- frame:
		return true
	default:
		return false
	}
}

// sendFrame marshals and enqueues an event/payload pair on the normal lane.
func (c *Client) sendFrame(event Event, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(Frame{Event: event, Payload: raw})
	if err != nil {
		return err
	}
	c.deliver(frame)
	return nil
}

// sendPriorityFrame is sendFrame's priority-lane counterpart.
func (c *Client) sendPriorityFrame(event Event, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(Frame{Event: event, Payload: raw})
	if err != nil {
		return err
	}
	c.deliverPriority(frame)
	return nil
}

// close idempotently tears down the outbound channels. Safe to call from
// either pump.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	close(c.prioritySend)
}

// readPump decodes inbound frames and hands them to the room router. It
// owns the connection's read deadline/pong handling and terminates the
// client (via room.handleClientDisconnect) on any read error.
func (c *Client) readPump() {
	defer func() {
		if c.room != nil {
			c.room.handleClientDisconnect(c)
		} else {
			c.close()
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			logging.Warn(nil, "discarding malformed frame", zap.Error(err))
			continue
		}
		switch {
		case c.room != nil:
			c.room.route(c, frame)
		case frame.Event == EventJoinRoom && c.hub != nil:
			c.handleJoinFrame(frame)
		default:
			// Dropped: the client must join_room before sending anything else.
		}
	}
}

// handleJoinFrame processes the very first frame a connection is allowed
// to send before it has a room: join_room. Admission is gated by the
// Hub's LectureRegistry (spec I3); everything after a successful join
// routes through the room's own dispatch instead.
func (c *Client) handleJoinFrame(frame Frame) {
	payload, ok := assertPayload[JoinRoomPayload](frame.Payload)
	if !ok {
		c.sendFrame(EventError, errorPayload{Message: "malformed join_room payload"})
		return
	}
	c.applyJoinProfile(payload.User)
	c.hub.admitToRoom(context.Background(), c, payload.RoomID)
}

// writePump drains the priority lane ahead of the normal lane and owns the
// connection's ping cadence. It exits, closing the socket, once either
// channel is closed.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.prioritySend:
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case frame, ok := <-c.send:
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
