package session

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_SendFrame_QueuesOnNormalLane(t *testing.T) {
	c, _ := newTestClient("conn-1", User{ID: "u1", Role: RoleStudent})
	require.NoError(t, c.sendFrame(EventWelcome, welcomePayload{Message: "hi"}))

	frames := drainSend(c)
	require.Len(t, frames, 1)
	assert.Equal(t, EventWelcome, decodeFrame(t, frames[0]).Event)
}

func TestClient_SendPriorityFrame_QueuesOnPriorityLane(t *testing.T) {
	c, _ := newTestClient("conn-1", User{ID: "u1", Role: RoleStudent})
	require.NoError(t, c.sendPriorityFrame(EventServerShutdown, serverShutdownPayload{Message: "bye"}))

	assert.Empty(t, drainSend(c))
	frames := drainPriority(c)
	require.Len(t, frames, 1)
	assert.Equal(t, EventServerShutdown, decodeFrame(t, frames[0]).Event)
}

// deliver never blocks: once the buffer is full, further frames are
// dropped rather than stalling the caller.
func TestClient_Deliver_DropsWhenBufferFull(t *testing.T) {
	c, _ := newTestClient("conn-1", User{ID: "u1", Role: RoleStudent})
	for i := 0; i < sendBufferSize; i++ {
		assert.True(t, c.deliver([]byte("x")))
	}
	assert.False(t, c.deliver([]byte("overflow")), "the buffer is full, so this send must be dropped, not block")
}

func TestClient_Close_IsIdempotent(t *testing.T) {
	c, _ := newTestClient("conn-1", User{ID: "u1", Role: RoleStudent})
	c.close()
	assert.NotPanics(t, func() { c.close() })
}

// readPump and writePump both terminate once the underlying connection is
// closed, leaving no goroutines behind (verified by TestMain's goleak
// check).
func TestClient_Pumps_TerminateOnConnectionClose(t *testing.T) {
	r := NewRoom("room-1", nil)
	conn := newMockConn()
	c := NewClient(conn, "conn-1", User{ID: "u1", Role: RoleStudent})
	r.handleClientConnect(nil, c)

	done := make(chan struct{})
	go func() {
		c.writePump()
		close(done)
	}()
	readDone := make(chan struct{})
	go func() {
		c.readPump()
		close(readDone)
	}()

	require.NoError(t, conn.Close())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("writePump did not exit after connection close")
	}
	select {
	case <-readDone:
	case <-time.After(time.Second):
		t.Fatal("readPump did not exit after connection close")
	}
}

// A malformed frame is discarded without tearing down the connection; the
// next well-formed frame is still routed.
func TestClient_ReadPump_DiscardsMalformedFrame(t *testing.T) {
	r := NewRoom("room-1", nil)
	conn := newMockConn()
	c := NewClient(conn, "conn-1", User{ID: "u1", Username: "Alice", Role: RoleStudent})
	r.handleClientConnect(nil, c)
	drainSend(c)

	readDone := make(chan struct{})
	go func() {
		c.readPump()
		close(readDone)
	}()

	conn.in <- []byte("not json")

	historyPayload, _ := json.Marshal(Frame{Event: EventRequestMessageHistory})
	conn.in <- historyPayload

	var frames [][]byte
	require.Eventually(t, func() bool {
		frames = append(frames, drainSend(c)...)
		return len(frames) > 0
	}, time.Second, time.Millisecond, "well-formed frame after a malformed one must still be routed")
	assert.Equal(t, EventMessageHistory, decodeFrame(t, frames[0]).Event)

	require.NoError(t, conn.Close())
	select {
	case <-readDone:
	case <-time.After(time.Second):
		t.Fatal("readPump did not exit after connection close")
	}
}
