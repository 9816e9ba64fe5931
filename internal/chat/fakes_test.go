package chat

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	patientUser   int64 = 1
	clinicianUser int64 = 2
	strangerUser  int64 = 3
	otherDoctor   int64 = 4

	patientProfile   int64 = 10
	clinicianProfile int64 = 20
	otherProfile     int64 = 40

	roomA RoomID = "appt-a"
)

var baseTime = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func patientParty() Party {
	return Party{UserID: patientUser, ProfileID: patientProfile, Name: "Pat Patient"}
}

func clinicianParty() Party {
	return Party{UserID: clinicianUser, ProfileID: clinicianProfile, Name: "Dr. Dana", Image: "https://img/dana.png"}
}

// fakeAppointments is an in-memory AppointmentRepository.
type fakeAppointments struct {
	mu    sync.Mutex
	appts map[string]*Appointment
}

func newFakeAppointments(appts ...*Appointment) *fakeAppointments {
	f := &fakeAppointments{appts: make(map[string]*Appointment)}
	for _, a := range appts {
		f.appts[a.ID] = a
	}
	return f
}

func (f *fakeAppointments) GetAppointment(_ context.Context, id string) (*Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.appts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (f *fakeAppointments) ListAppointmentsForUser(_ context.Context, userID int64, statuses []AppointmentStatus) ([]*Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Appointment
	for _, a := range f.appts {
		if a.Patient.UserID != userID && a.Clinician.UserID != userID {
			continue
		}
		for _, s := range statuses {
			if a.Status == s {
				cp := *a
				out = append(out, &cp)
				break
			}
		}
	}
	return out, nil
}

// memMessages is an in-memory MessageRepository.
type memMessages struct {
	mu   sync.Mutex
	msgs []*Message
}

func (m *memMessages) CreateMessage(_ context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.msgs {
		if existing.ID == msg.ID {
			return nil
		}
	}
	cp := *msg
	m.msgs = append(m.msgs, &cp)
	return nil
}

func (m *memMessages) conversation(key ConversationKey) []*Message {
	var out []*Message
	for _, msg := range m.msgs {
		if msg.Key == key {
			out = append(out, msg)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *memMessages) ListMessages(_ context.Context, key ConversationKey) ([]*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Message
	for _, msg := range m.conversation(key) {
		cp := *msg
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memMessages) MarkRead(_ context.Context, key ConversationKey, viewerID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, msg := range m.msgs {
		if msg.Key == key && msg.SenderID != viewerID && !msg.Read {
			msg.Read = true
			n++
		}
	}
	return n, nil
}

func (m *memMessages) LatestMessage(_ context.Context, key ConversationKey) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv := m.conversation(key)
	if len(conv) == 0 {
		return nil, nil
	}
	cp := *conv[len(conv)-1]
	return &cp, nil
}

func (m *memMessages) CountUnread(_ context.Context, key ConversationKey, viewerID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, msg := range m.msgs {
		if msg.Key == key && msg.SenderID != viewerID && !msg.Read {
			n++
		}
	}
	return n, nil
}

// mockMessageRepo lets tests script store failures.
type mockMessageRepo struct {
	mock.Mock
}

func (m *mockMessageRepo) CreateMessage(ctx context.Context, msg *Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *mockMessageRepo) ListMessages(ctx context.Context, key ConversationKey) ([]*Message, error) {
	args := m.Called(ctx, key)
	msgs, _ := args.Get(0).([]*Message)
	return msgs, args.Error(1)
}

func (m *mockMessageRepo) MarkRead(ctx context.Context, key ConversationKey, viewerID int64) (int64, error) {
	args := m.Called(ctx, key, viewerID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockMessageRepo) LatestMessage(ctx context.Context, key ConversationKey) (*Message, error) {
	args := m.Called(ctx, key)
	msg, _ := args.Get(0).(*Message)
	return msg, args.Error(1)
}

func (m *mockMessageRepo) CountUnread(ctx context.Context, key ConversationKey, viewerID int64) (int, error) {
	args := m.Called(ctx, key, viewerID)
	return args.Int(0), args.Error(1)
}

// stepClock returns a strictly increasing time on every call.
func stepClock() func() time.Time {
	var mu sync.Mutex
	t := baseTime
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

type fixture struct {
	appts    *fakeAppointments
	messages *memMessages
	service  *Service
	presence *Presence
	router   *Router
	gateway  *Gateway
}

func newFixture(t *testing.T, appts ...*Appointment) *fixture {
	t.Helper()
	if len(appts) == 0 {
		appts = []*Appointment{{
			ID:        string(roomA),
			Patient:   patientParty(),
			Clinician: clinicianParty(),
			Status:    StatusScheduled,
			StartsAt:  baseTime,
		}}
	}
	logger := zap.NewNop()
	f := &fixture{
		appts:    newFakeAppointments(appts...),
		messages: &memMessages{},
		presence: NewPresence(),
		router:   NewRouter(logger),
	}
	resolver := NewResolver(f.appts)
	f.service = NewService(resolver, f.messages, logger, WithClock(stepClock()))
	f.gateway = NewGateway(resolver, f.service, f.presence, f.router, logger)
	return f
}

func (f *fixture) connect(t *testing.T, userID int64) *Conn {
	t.Helper()
	c, err := f.gateway.Connect(userID)
	require.NoError(t, err)
	t.Cleanup(func() { f.gateway.Disconnect(c) })
	return c
}

// frame is a decoded outbound event.
type frame struct {
	Type     string   `json:"type"`
	Room     RoomID   `json:"room"`
	Online   []int64  `json:"online_user_ids"`
	UserID   int64    `json:"user_id"`
	IsTyping bool     `json:"is_typing"`
	ReaderID int64    `json:"reader_id"`
	Message  *Message `json:"message"`
}

// drain returns every frame queued on c without waiting.
func drain(t *testing.T, c *Conn) []frame {
	t.Helper()
	var out []frame
	for {
		select {
		case b, ok := <-c.Outbound():
			if !ok {
				return out
			}
			var fr frame
			require.NoError(t, json.Unmarshal(b, &fr))
			out = append(out, fr)
		default:
			return out
		}
	}
}

func framesOfType(frames []frame, typ string) []frame {
	var out []frame
	for _, fr := range frames {
		if fr.Type == typ {
			out = append(out, fr)
		}
	}
	return out
}
