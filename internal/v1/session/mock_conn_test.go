package session

import (
	"errors"
	"sync"
	"time"
)

// mockConn is a wsConnection test double that records every frame written
// and lets tests feed inbound frames without a real socket.
type mockConn struct {
	mu     sync.Mutex
	out    [][]byte
	closed bool
	in     chan []byte
}

func newMockConn() *mockConn {
	return &mockConn{in: make(chan []byte, 32)}
}

func (m *mockConn) ReadMessage() (int, []byte, error) {
	raw, ok := <-m.in
	if !ok {
		return 0, nil, errors.New("connection closed")
	}
	return 1, raw, nil
}

func (m *mockConn) WriteMessage(messageType int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("write on closed connection")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	m.out = append(m.out, cp)
	return nil
}

func (m *mockConn) SetReadDeadline(t time.Time) error  { return nil }
func (m *mockConn) SetWriteDeadline(t time.Time) error { return nil }
func (m *mockConn) SetReadLimit(limit int64)           {}
func (m *mockConn) SetPongHandler(h func(string) error) {}

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.in)
	return nil
}

// sentFrames returns a snapshot of every frame written so far.
func (m *mockConn) sentFrames() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.out))
	copy(out, m.out)
	return out
}

// newTestClient builds a Client over a mockConn without starting its pumps,
// so tests can call room handlers directly and inspect deliver() results
// via the client's own send channel instead of racing real goroutines.
func newTestClient(connID ConnectionIdType, u User) (*Client, *mockConn) {
	conn := newMockConn()
	c := NewClient(conn, connID, u)
	return c, conn
}

// drainSend collects every frame currently queued on c's normal send lane
// without blocking.
func drainSend(c *Client) [][]byte {
	var out [][]byte
	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				return out
			}
			out = append(out, frame)
		default:
			return out
		}
	}
}

// drainPriority collects every frame currently queued on c's priority lane
// without blocking.
func drainPriority(c *Client) [][]byte {
	var out [][]byte
	for {
		select {
		case frame, ok := <-c.prioritySend:
			if !ok {
				return out
			}
			out = append(out, frame)
		default:
			return out
		}
	}
}
