package chat

import (
	"sort"
	"sync"
)

// Presence tracks which users have at least one open connection joined to a
// room. It lives only in process memory: a restart clears it, and a second
// gateway process would keep its own independent copy.
type Presence struct {
	mu sync.RWMutex
	// room -> user -> connection ids
	rooms map[RoomID]map[int64]map[string]struct{}
}

func NewPresence() *Presence {
	return &Presence{rooms: make(map[RoomID]map[int64]map[string]struct{})}
}

// Add records connID of userID as joined to room. It reports whether the
// user was not already online there.
func (p *Presence) Add(room RoomID, userID int64, connID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	users, ok := p.rooms[room]
	if !ok {
		users = make(map[int64]map[string]struct{})
		p.rooms[room] = users
	}
	conns, ok := users[userID]
	if !ok {
		conns = make(map[string]struct{})
		users[userID] = conns
	}
	conns[connID] = struct{}{}
	return !ok
}

// Remove drops connID. The user leaves the room's set only when it was their
// last connection there, and the room entry goes away once nobody is left.
// It reports whether the user went offline in that room.
func (p *Presence) Remove(room RoomID, userID int64, connID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	users, ok := p.rooms[room]
	if !ok {
		return false
	}
	conns, ok := users[userID]
	if !ok {
		return false
	}
	if _, ok := conns[connID]; !ok {
		return false
	}
	delete(conns, connID)
	if len(conns) > 0 {
		return false
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(p.rooms, room)
	}
	return true
}

// Online returns the sorted user ids currently present in room.
func (p *Presence) Online(room RoomID) []int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()

	users := p.rooms[room]
	out := make([]int64, 0, len(users))
	for id := range users {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Active reports whether room currently has any member.
func (p *Presence) Active(room RoomID) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.rooms[room]
	return ok
}

// Rooms is the number of active rooms.
func (p *Presence) Rooms() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.rooms)
}
