package chat

import (
	"encoding/json"
	"sync"
)

const sendBuffer = 256

// Conn is one live transport session. It knows its authenticated user and
// the rooms it has joined; the transport drains Outbound.
type Conn struct {
	ID     string
	UserID int64

	mu     sync.Mutex
	send   chan []byte
	rooms  map[RoomID]struct{}
	closed bool
}

func newConn(id string, userID int64) *Conn {
	return &Conn{
		ID:     id,
		UserID: userID,
		send:   make(chan []byte, sendBuffer),
		rooms:  make(map[RoomID]struct{}),
	}
}

// Outbound is closed once the connection is disconnected.
func (c *Conn) Outbound() <-chan []byte {
	return c.send
}

// deliver queues b without blocking. A full buffer drops the frame.
func (c *Conn) deliver(b []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

// Reply encodes v and queues it for this connection only.
func (c *Conn) Reply(v any) bool {
	b, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return c.deliver(b)
}

func (c *Conn) join(room RoomID) (added bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, ErrConnectionClosed
	}
	if _, ok := c.rooms[room]; ok {
		return false, nil
	}
	c.rooms[room] = struct{}{}
	return true, nil
}

func (c *Conn) leave(room RoomID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rooms[room]; !ok {
		return false
	}
	delete(c.rooms, room)
	return true
}

// Joined reports whether the connection is currently a member of room.
func (c *Conn) Joined(room RoomID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[room]
	return ok
}

// Rooms returns a copy of the joined room set.
func (c *Conn) Rooms() []RoomID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]RoomID, 0, len(c.rooms))
	for r := range c.rooms {
		out = append(out, r)
	}
	return out
}

// close marks the connection dead and hands back the rooms that still need
// cleanup. A second call returns nil.
func (c *Conn) close() []RoomID {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.send)
	rooms := make([]RoomID, 0, len(c.rooms))
	for r := range c.rooms {
		rooms = append(rooms, r)
	}
	c.rooms = make(map[RoomID]struct{})
	return rooms
}
