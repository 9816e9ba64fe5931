package chat

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"carelink-chat/internal/metrics"
)

const (
	maxContentLength = 5000

	// publishQueue bounds how many message.sent events may wait for the
	// broker; beyond that events are dropped.
	publishQueue   = 1024
	publishTimeout = 5 * time.Second
)

// MessageRepository is durable message storage keyed by conversation.
type MessageRepository interface {
	// CreateMessage must be idempotent on Message.ID so a retried insert
	// whose first attempt actually committed is harmless.
	CreateMessage(ctx context.Context, m *Message) error
	// ListMessages returns the conversation ascending by creation time.
	ListMessages(ctx context.Context, key ConversationKey) ([]*Message, error)
	// MarkRead flips every unread message not sent by viewerID and reports
	// how many changed.
	MarkRead(ctx context.Context, key ConversationKey, viewerID int64) (int64, error)
	// LatestMessage returns nil, nil for an empty conversation.
	LatestMessage(ctx context.Context, key ConversationKey) (*Message, error)
	CountUnread(ctx context.Context, key ConversationKey, viewerID int64) (int, error)
}

// SendLimiter is a shared budget on how fast one user may send.
type SendLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// MessageSent is emitted after a message is durably stored.
type MessageSent struct {
	Room        RoomID   `json:"room"`
	RecipientID int64    `json:"recipient_id"`
	Message     *Message `json:"message"`
}

// EventPublisher hands MessageSent to downstream consumers such as the
// notification service.
type EventPublisher interface {
	PublishMessageSent(ctx context.Context, ev MessageSent) error
}

// Retry bounds how often a transient persistence failure is retried.
type Retry struct {
	Attempts int
	Backoff  time.Duration
}

var DefaultRetry = Retry{Attempts: 3, Backoff: 100 * time.Millisecond}

type ServiceOption func(*Service)

func WithLimiter(l SendLimiter) ServiceOption {
	return func(s *Service) { s.limiter = l }
}

func WithPublisher(p EventPublisher) ServiceOption {
	return func(s *Service) { s.publisher = p }
}

func WithRetry(r Retry) ServiceOption {
	return func(s *Service) { s.retry = r }
}

func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// Service is the message store: validation, authorization and persistence of
// chat messages plus read receipts.
type Service struct {
	resolver  ParticipantResolver
	repo      MessageRepository
	limiter   SendLimiter
	publisher EventPublisher
	breaker   *gobreaker.CircuitBreaker
	retry     Retry
	now       func() time.Time
	logger    *zap.Logger

	idMu    sync.Mutex
	entropy io.Reader

	pubMu     sync.RWMutex
	pubClosed bool
	events    chan MessageSent
	pubDone   chan struct{}
}

func NewService(resolver ParticipantResolver, repo MessageRepository, logger *zap.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		resolver: resolver,
		repo:     repo,
		retry:    DefaultRetry,
		now:      time.Now,
		logger:   logger,
		entropy:  ulid.Monotonic(rand.Reader, 0),
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "message-store",
		MaxRequests: 1,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		// a caller giving up says nothing about the store's health
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	for _, opt := range opts {
		opt(s)
	}
	if s.publisher != nil {
		s.events = make(chan MessageSent, publishQueue)
		s.pubDone = make(chan struct{})
		go s.runPublisher()
	}
	return s
}

// runPublisher drains the event queue in order, one event at a time, so a
// slow broker never holds up a send or its broadcast.
func (s *Service) runPublisher() {
	defer close(s.pubDone)
	for ev := range s.events {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err := s.publisher.PublishMessageSent(ctx, ev)
		cancel()
		if err != nil {
			metrics.PublishedEvents.WithLabelValues("error").Inc()
			s.logger.Warn("publish message.sent", zap.String("message_id", ev.Message.ID), zap.Error(err))
			continue
		}
		metrics.PublishedEvents.WithLabelValues("ok").Inc()
	}
}

func (s *Service) enqueue(ev MessageSent) {
	s.pubMu.RLock()
	defer s.pubMu.RUnlock()
	if s.pubClosed {
		return
	}
	select {
	case s.events <- ev:
	default:
		metrics.PublishedEvents.WithLabelValues("dropped").Inc()
		s.logger.Warn("publish queue full, dropping message.sent", zap.String("message_id", ev.Message.ID))
	}
}

// Close stops accepting events and waits until the queued ones have been
// handed to the publisher. Sends after Close are stored but not published.
func (s *Service) Close() {
	if s.events == nil {
		return
	}
	s.pubMu.Lock()
	if !s.pubClosed {
		s.pubClosed = true
		close(s.events)
	}
	s.pubMu.Unlock()
	<-s.pubDone
}

// Send validates and stores one message from senderID in the room's
// conversation. The message is keyed by the participants' profile ids, not
// the appointment, so history carries across bookings.
func (s *Service) Send(ctx context.Context, senderID int64, room RoomID, content string, att *Attachment) (*Message, error) {
	if senderID == 0 {
		return nil, ErrUnauthenticated
	}
	p, err := Authorize(ctx, s.resolver, senderID, room)
	if err != nil {
		return nil, err
	}

	content = strings.TrimSpace(content)
	att, err = normalizeAttachment(att)
	if err != nil {
		return nil, err
	}
	if content == "" && att == nil {
		return nil, fmt.Errorf("content or attachment required: %w", ErrInvalidArgument)
	}
	if utf8.RuneCountInString(content) > maxContentLength {
		return nil, fmt.Errorf("content longer than %d characters: %w", maxContentLength, ErrInvalidArgument)
	}

	if s.limiter != nil {
		ok, err := s.limiter.Allow(ctx, fmt.Sprintf("send:%d", senderID))
		if err != nil {
			// fail open: the limiter is advisory
			s.logger.Warn("send limiter unavailable", zap.Error(err))
		} else if !ok {
			return nil, ErrRateLimited
		}
	}

	id, now := s.stamp()
	m := &Message{
		ID:         id,
		Key:        p.Key(),
		SenderID:   senderID,
		Content:    content,
		Attachment: att,
		CreatedAt:  now,
	}
	if err := s.persist(ctx, m); err != nil {
		return nil, err
	}

	if s.events != nil {
		s.enqueue(MessageSent{Room: room, RecipientID: p.Recipient(senderID), Message: m})
	}
	return m, nil
}

func (s *Service) persist(ctx context.Context, m *Message) error {
	var err error
	delay := s.retry.Backoff
	for attempt := 1; ; attempt++ {
		_, err = s.breaker.Execute(func() (interface{}, error) {
			return nil, s.repo.CreateMessage(ctx, m)
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) || attempt >= s.retry.Attempts {
			break
		}
		metrics.StoreRetries.Inc()
		s.logger.Debug("retrying message write", zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return fmt.Errorf("persist message: %v: %w", ctx.Err(), ErrTransient)
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("persist message: %v: %w", err, ErrTransient)
}

// stamp returns a message id and creation time taken together under one
// lock, so ids and timestamps sort the same way.
func (s *Service) stamp() (string, time.Time) {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	now := s.now().UTC().Truncate(time.Microsecond)
	return ulid.MustNew(ulid.Timestamp(now), s.entropy).String(), now
}

func normalizeAttachment(att *Attachment) (*Attachment, error) {
	if att == nil {
		return nil, nil
	}
	a := Attachment{
		URL:  strings.TrimSpace(att.URL),
		Key:  strings.TrimSpace(att.Key),
		Type: strings.TrimSpace(att.Type),
		Name: strings.TrimSpace(att.Name),
	}
	if a.Empty() {
		if a.Type != "" || a.Name != "" {
			return nil, fmt.Errorf("attachment needs a url or key: %w", ErrInvalidArgument)
		}
		return nil, nil
	}
	return &a, nil
}

// MarkRead is idempotent: calling it again changes nothing.
func (s *Service) MarkRead(ctx context.Context, key ConversationKey, viewerID int64) (int64, error) {
	n, err := s.repo.MarkRead(ctx, key, viewerID)
	if err != nil {
		return 0, fmt.Errorf("mark read: %v: %w", err, ErrTransient)
	}
	return n, nil
}

// MarkRoomRead authorizes viewerID against the room and marks its
// conversation read.
func (s *Service) MarkRoomRead(ctx context.Context, viewerID int64, room RoomID) (int64, error) {
	if viewerID == 0 {
		return 0, ErrUnauthenticated
	}
	p, err := Authorize(ctx, s.resolver, viewerID, room)
	if err != nil {
		return 0, err
	}
	return s.MarkRead(ctx, p.Key(), viewerID)
}

// ListMessages returns the conversation ascending by time. Viewing implies
// reading, so incoming messages are marked read first.
func (s *Service) ListMessages(ctx context.Context, key ConversationKey, viewerID int64) ([]*Message, error) {
	msgs, _, err := s.list(ctx, key, viewerID)
	return msgs, err
}

func (s *Service) list(ctx context.Context, key ConversationKey, viewerID int64) ([]*Message, int64, error) {
	n, err := s.MarkRead(ctx, key, viewerID)
	if err != nil {
		return nil, 0, err
	}
	msgs, err := s.repo.ListMessages(ctx, key)
	if err != nil {
		return nil, 0, fmt.Errorf("list messages: %v: %w", err, ErrTransient)
	}
	if msgs == nil {
		msgs = []*Message{}
	}
	return msgs, n, nil
}

// Conversation is the history view for one room. It also reports how many
// messages the fetch marked read.
func (s *Service) Conversation(ctx context.Context, viewerID int64, room RoomID) (*Conversation, int64, error) {
	if viewerID == 0 {
		return nil, 0, ErrUnauthenticated
	}
	p, err := Authorize(ctx, s.resolver, viewerID, room)
	if err != nil {
		return nil, 0, err
	}
	msgs, n, err := s.list(ctx, p.Key(), viewerID)
	if err != nil {
		return nil, 0, err
	}
	return &Conversation{
		Room:      room,
		Key:       p.Key(),
		Patient:   p.Patient,
		Clinician: p.Clinician,
		Messages:  msgs,
	}, n, nil
}
