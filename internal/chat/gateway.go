package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"carelink-chat/internal/metrics"
)

// sendTimeout bounds one message write, whichever transport started it.
const sendTimeout = 10 * time.Second

// Gateway is the connection-facing orchestrator. It owns no global state:
// presence and routing are injected and live as long as the gateway does.
type Gateway struct {
	resolver ParticipantResolver
	messages *Service
	presence *Presence
	router   *Router
	logger   *zap.Logger

	// membership changes and the presence broadcast they trigger happen
	// under the room's lock so snapshots go out in mutation order.
	rooms *roomLocks
	// sends to one room persist and fan out one at a time.
	sends *roomLocks
}

func NewGateway(resolver ParticipantResolver, messages *Service, presence *Presence, router *Router, logger *zap.Logger) *Gateway {
	return &Gateway{
		resolver: resolver,
		messages: messages,
		presence: presence,
		router:   router,
		logger:   logger,
		rooms:    newRoomLocks(),
		sends:    newRoomLocks(),
	}
}

// Connect opens a session for an already authenticated user.
func (g *Gateway) Connect(userID int64) (*Conn, error) {
	if userID == 0 {
		return nil, ErrUnauthenticated
	}
	c := newConn(uuid.NewString(), userID)
	metrics.ConnectionsOpen.Inc()
	g.logger.Debug("connected", zap.String("conn", c.ID), zap.Int64("user_id", userID))
	return c, nil
}

// Join authorizes the user against the room, then adds the connection and
// announces the new presence set. Failures are returned to the caller only.
func (g *Gateway) Join(ctx context.Context, c *Conn, room RoomID) ([]int64, error) {
	// authorization I/O completes before any state is touched
	if _, err := Authorize(ctx, g.resolver, c.UserID, room); err != nil {
		return nil, err
	}

	unlock := g.rooms.lock(room)
	defer unlock()

	added, err := c.join(room)
	if err != nil {
		return nil, err
	}
	if !added {
		return g.presence.Online(room), nil
	}
	g.router.Add(room, c)
	g.presence.Add(room, c.UserID, c.ID)
	online := g.presence.Online(room)
	g.router.BroadcastPresence(room, online)
	metrics.ActiveRooms.Set(float64(g.presence.Rooms()))
	return online, nil
}

// Leave is a no-op when the connection is not in the room.
func (g *Gateway) Leave(c *Conn, room RoomID) {
	unlock := g.rooms.lock(room)
	defer unlock()

	if !c.leave(room) {
		return
	}
	g.detach(room, c)
}

// Disconnect runs leave cleanup for every joined room. It is safe to call
// more than once.
func (g *Gateway) Disconnect(c *Conn) {
	rooms := c.close()
	if rooms == nil {
		return
	}
	for _, room := range rooms {
		unlock := g.rooms.lock(room)
		g.detach(room, c)
		unlock()
	}
	metrics.ConnectionsOpen.Dec()
	g.logger.Debug("disconnected", zap.String("conn", c.ID), zap.Int64("user_id", c.UserID), zap.Int("rooms", len(rooms)))
}

// detach must be called with the room lock held.
func (g *Gateway) detach(room RoomID, c *Conn) {
	g.router.Remove(room, c)
	g.presence.Remove(room, c.UserID, c.ID)
	g.router.BroadcastPresence(room, g.presence.Online(room))
	metrics.ActiveRooms.Set(float64(g.presence.Rooms()))
}

// Typing relays an ephemeral typing signal to the rest of the room. Only a
// connection that joined the room may signal in it.
func (g *Gateway) Typing(c *Conn, room RoomID, isTyping bool) error {
	if !c.Joined(room) {
		return ErrForbidden
	}
	g.router.BroadcastTyping(room, c, isTyping)
	return nil
}

// Send persists a message from senderID and fans it out to the room once the
// write has succeeded. A caller that goes away mid-send does not cancel the
// write; sendTimeout bounds it instead.
func (g *Gateway) Send(ctx context.Context, senderID int64, room RoomID, content string, att *Attachment) (*Message, error) {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
	defer cancel()

	unlock := g.sends.lock(room)
	defer unlock()

	m, err := g.messages.Send(sendCtx, senderID, room, content, att)
	if err != nil {
		return nil, err
	}
	g.router.BroadcastMessage(room, m)
	return m, nil
}

// MarkRead marks everything sent to readerID in the room's conversation as
// read and, if anything changed, tells the room.
func (g *Gateway) MarkRead(ctx context.Context, readerID int64, room RoomID) error {
	n, err := g.messages.MarkRoomRead(ctx, readerID, room)
	if err != nil {
		return err
	}
	g.Read(room, readerID, n)
	return nil
}

// Read announces a read receipt produced elsewhere, e.g. by a history fetch.
func (g *Gateway) Read(room RoomID, readerID int64, marked int64) {
	if marked > 0 {
		g.router.BroadcastRead(room, readerID)
	}
}

// Online returns the room's current presence set.
func (g *Gateway) Online(room RoomID) []int64 {
	return g.presence.Online(room)
}

// Dispatch handles one inbound event for c and returns the acknowledgement
// for the caller, or nil when none is due.
func (g *Gateway) Dispatch(ctx context.Context, c *Conn, in Inbound) *Ack {
	var (
		err    error
		msg    *Message
		online []int64
	)

	switch in.Type {
	case EventJoin:
		online, err = g.Join(ctx, c, in.Room)
	case EventLeave:
		g.Leave(c, in.Room)
	case EventTypingStart, EventTypingStop:
		err = g.Typing(c, in.Room, in.Type == EventTypingStart)
	case EventSend:
		msg, err = g.Send(ctx, c.UserID, in.Room, in.Content, in.Attachment)
		if err == nil {
			metrics.MessagesSent.WithLabelValues("ws").Inc()
		}
	case EventRead:
		err = g.MarkRead(ctx, c.UserID, in.Room)
	default:
		err = fmt.Errorf("unknown event type %q: %w", in.Type, ErrInvalidArgument)
	}

	metrics.EventsTotal.WithLabelValues(in.Type, resultLabel(err)).Inc()
	if err != nil && !errors.Is(err, ErrForbidden) && !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrInvalidArgument) {
		g.logger.Warn("event failed",
			zap.String("event", in.Type),
			zap.String("room", string(in.Room)),
			zap.Int64("user_id", c.UserID),
			zap.Error(err),
		)
	}

	if in.Ack == "" && err == nil {
		return nil
	}
	ack := &Ack{Type: EventAck, Ref: in.Ack, OK: err == nil, Message: msg, Online: online}
	if err != nil {
		ack.Error = publicError(err)
		ack.Code = Code(err)
	}
	return ack
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return Code(err)
}

type roomLock struct {
	sync.Mutex
	refs int
}

// roomLocks hands out one mutex per room and forgets it once unused.
type roomLocks struct {
	mu    sync.Mutex
	locks map[RoomID]*roomLock
}

func newRoomLocks() *roomLocks {
	return &roomLocks{locks: make(map[RoomID]*roomLock)}
}

func (l *roomLocks) lock(room RoomID) func() {
	l.mu.Lock()
	rl, ok := l.locks[room]
	if !ok {
		rl = &roomLock{}
		l.locks[room] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.Lock()
	return func() {
		rl.Unlock()
		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.locks, room)
		}
		l.mu.Unlock()
	}
}
