package chat

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"carelink-chat/internal/metrics"
)

// Router fans events out to the connections joined to a room. Delivery is
// best effort: a connection whose buffer is full misses the frame.
type Router struct {
	mu     sync.RWMutex
	rooms  map[RoomID]map[*Conn]struct{}
	logger *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		rooms:  make(map[RoomID]map[*Conn]struct{}),
		logger: logger,
	}
}

func (r *Router) Add(room RoomID, c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.rooms[room]
	if !ok {
		set = make(map[*Conn]struct{})
		r.rooms[room] = set
	}
	set[c] = struct{}{}
}

func (r *Router) Remove(room RoomID, c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.rooms[room]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(r.rooms, room)
	}
}

// Members is the number of connections joined to room.
func (r *Router) Members(room RoomID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room])
}

// BroadcastPresence sends the full online set to everyone in the room.
func (r *Router) BroadcastPresence(room RoomID, online []int64) {
	r.broadcast(room, EventPresenceUpdate, PresenceUpdate{Type: EventPresenceUpdate, Room: room, Online: online}, nil)
}

// BroadcastTyping reaches every connection in the room except from.
func (r *Router) BroadcastTyping(room RoomID, from *Conn, isTyping bool) {
	r.broadcast(room, EventTyping, TypingSignal{Type: EventTyping, Room: room, UserID: from.UserID, IsTyping: isTyping}, from)
}

// BroadcastMessage reaches every connection in the room, the sender's own
// devices included.
func (r *Router) BroadcastMessage(room RoomID, m *Message) {
	r.broadcast(room, EventMessageNew, MessageEvent{Type: EventMessageNew, Room: room, Message: m}, nil)
}

func (r *Router) BroadcastRead(room RoomID, readerID int64) {
	r.broadcast(room, EventRead, ReadReceipt{Type: EventRead, Room: room, ReaderID: readerID}, nil)
}

func (r *Router) broadcast(room RoomID, event string, v any, except *Conn) {
	payload, err := json.Marshal(v)
	if err != nil {
		r.logger.Error("encode broadcast", zap.String("event", event), zap.Error(err))
		return
	}

	r.mu.RLock()
	targets := make([]*Conn, 0, len(r.rooms[room]))
	for c := range r.rooms[room] {
		if c != except {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range targets {
		if !c.deliver(payload) {
			metrics.DroppedFrames.WithLabelValues(event).Inc()
			r.logger.Debug("dropped frame",
				zap.String("event", event),
				zap.String("room", string(room)),
				zap.String("conn", c.ID),
			)
		}
	}
}
