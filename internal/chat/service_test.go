package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubLimiter struct {
	allow bool
	err   error
	keys  []string
}

func (l *stubLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.keys = append(l.keys, key)
	return l.allow, l.err
}

type recordingPublisher struct {
	events []MessageSent
	err    error
}

func (p *recordingPublisher) PublishMessageSent(_ context.Context, ev MessageSent) error {
	p.events = append(p.events, ev)
	return p.err
}

func TestSendThenListRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sent, err := f.service.Send(ctx, patientUser, roomA, "hello", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, sent.ID)
	assert.False(t, sent.CreatedAt.IsZero())
	assert.Equal(t, ConversationKey{PatientID: patientProfile, ClinicianID: clinicianProfile}, sent.Key)

	key := sent.Key

	// the sender viewing does not mark their own message read
	msgs, err := f.service.ListMessages(ctx, key, patientUser)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, patientUser, msgs[0].SenderID)
	assert.False(t, msgs[0].Read)

	msgs, err = f.service.ListMessages(ctx, key, clinicianUser)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Read)
}

func TestListMessagesPreservesSendOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m1, err := f.service.Send(ctx, patientUser, roomA, "first", nil)
	require.NoError(t, err)
	m2, err := f.service.Send(ctx, clinicianUser, roomA, "second", nil)
	require.NoError(t, err)
	m3, err := f.service.Send(ctx, patientUser, roomA, "third", nil)
	require.NoError(t, err)

	msgs, err := f.service.ListMessages(ctx, m1.Key, patientUser)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, []string{m1.ID, m2.ID, m3.ID}, []string{msgs[0].ID, msgs[1].ID, msgs[2].ID})
	assert.True(t, m1.ID < m2.ID && m2.ID < m3.ID, "ids sort in send order")
}

func TestSendValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		sender  int64
		room    RoomID
		content string
		att     *Attachment
		wantErr error
	}{
		{name: "stranger", sender: strangerUser, room: roomA, content: "hi", wantErr: ErrForbidden},
		{name: "anonymous", sender: 0, room: roomA, content: "hi", wantErr: ErrUnauthenticated},
		{name: "unknown room", sender: patientUser, room: "missing", content: "hi", wantErr: ErrNotFound},
		{name: "empty", sender: patientUser, room: roomA, content: "", wantErr: ErrInvalidArgument},
		{name: "whitespace", sender: patientUser, room: roomA, content: " \n\t", wantErr: ErrInvalidArgument},
		{name: "empty attachment", sender: patientUser, room: roomA, att: &Attachment{}, wantErr: ErrInvalidArgument},
		{name: "attachment without reference", sender: patientUser, room: roomA, att: &Attachment{Name: "scan.pdf", Type: "application/pdf"}, wantErr: ErrInvalidArgument},
		{name: "attachment only", sender: clinicianUser, room: roomA, att: &Attachment{URL: "https://files/scan.pdf", Key: "uploads/scan.pdf", Type: "application/pdf", Name: "scan.pdf"}},
		{name: "text", sender: patientUser, room: roomA, content: "  see you soon  "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := f.service.Send(ctx, tt.sender, tt.room, tt.content, tt.att)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, m)
				return
			}
			require.NoError(t, err)
			assert.True(t, m.Content != "" || !m.Attachment.Empty())
		})
	}

	msgs, err := f.service.ListMessages(ctx, ConversationKey{PatientID: patientProfile, ClinicianID: clinicianProfile}, strangerUser)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "uploads/scan.pdf", msgs[0].Attachment.Key)
	assert.Equal(t, "see you soon", msgs[1].Content)
}

func TestSendRejectsOversizedContent(t *testing.T) {
	f := newFixture(t)
	long := make([]rune, maxContentLength+1)
	for i := range long {
		long[i] = 'a'
	}
	_, err := f.service.Send(context.Background(), patientUser, roomA, string(long), nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestHistorySurvivesAcrossAppointments(t *testing.T) {
	first := &Appointment{ID: "appt-1", Patient: patientParty(), Clinician: clinicianParty(), Status: StatusCompleted, StartsAt: baseTime}
	second := &Appointment{ID: "appt-2", Patient: patientParty(), Clinician: clinicianParty(), Status: StatusScheduled, StartsAt: baseTime.Add(7 * 24 * time.Hour)}
	f := newFixture(t, first, second)
	ctx := context.Background()

	_, err := f.service.Send(ctx, patientUser, "appt-1", "thanks for today", nil)
	require.NoError(t, err)

	conv, marked, err := f.service.Conversation(ctx, clinicianUser, "appt-2")
	require.NoError(t, err)
	assert.EqualValues(t, 1, marked)
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, "thanks for today", conv.Messages[0].Content)
	assert.Equal(t, patientParty(), conv.Patient)
	assert.Equal(t, clinicianParty(), conv.Clinician)
}

func TestMarkReadIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m, err := f.service.Send(ctx, patientUser, roomA, "one", nil)
	require.NoError(t, err)
	_, err = f.service.Send(ctx, patientUser, roomA, "two", nil)
	require.NoError(t, err)
	_, err = f.service.Send(ctx, clinicianUser, roomA, "three", nil)
	require.NoError(t, err)

	n, err := f.service.MarkRead(ctx, m.Key, clinicianUser)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	n, err = f.service.MarkRead(ctx, m.Key, clinicianUser)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	unread, err := f.messages.CountUnread(ctx, m.Key, patientUser)
	require.NoError(t, err)
	assert.Equal(t, 1, unread, "the clinician's own message is still unread for the patient")
}

func TestMarkRoomReadAuthorizes(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.MarkRoomRead(context.Background(), strangerUser, roomA)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.service.MarkRoomRead(context.Background(), 0, roomA)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func newMockedService(t *testing.T, repo MessageRepository, opts ...ServiceOption) *Service {
	t.Helper()
	appts := newFakeAppointments(&Appointment{ID: string(roomA), Patient: patientParty(), Clinician: clinicianParty(), Status: StatusScheduled})
	opts = append([]ServiceOption{WithRetry(Retry{Attempts: 3, Backoff: time.Millisecond})}, opts...)
	return NewService(NewResolver(appts), repo, zap.NewNop(), opts...)
}

func TestSendRetriesTransientFailures(t *testing.T) {
	repo := &mockMessageRepo{}
	repo.On("CreateMessage", mock.Anything, mock.AnythingOfType("*chat.Message")).Return(errors.New("connection reset")).Twice()
	repo.On("CreateMessage", mock.Anything, mock.AnythingOfType("*chat.Message")).Return(nil).Once()

	s := newMockedService(t, repo)
	m, err := s.Send(context.Background(), patientUser, roomA, "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", m.Content)

	repo.AssertNumberOfCalls(t, "CreateMessage", 3)
	// every attempt writes the same id so a duplicate insert is a no-op
	first := repo.Calls[0].Arguments.Get(1).(*Message)
	last := repo.Calls[2].Arguments.Get(1).(*Message)
	assert.Equal(t, first.ID, last.ID)
}

func TestSendGivesUpAfterBoundedRetries(t *testing.T) {
	repo := &mockMessageRepo{}
	repo.On("CreateMessage", mock.Anything, mock.Anything).Return(errors.New("database is down"))

	s := newMockedService(t, repo)
	_, err := s.Send(context.Background(), patientUser, roomA, "hello", nil)

	assert.ErrorIs(t, err, ErrTransient)
	assert.Equal(t, http.StatusServiceUnavailable, StatusCode(err))
	assert.Equal(t, "store unavailable, try again", publicError(err))
	repo.AssertNumberOfCalls(t, "CreateMessage", 3)
}

func TestListMessagesSurfacesStoreFailure(t *testing.T) {
	repo := &mockMessageRepo{}
	key := ConversationKey{PatientID: patientProfile, ClinicianID: clinicianProfile}
	repo.On("MarkRead", mock.Anything, key, clinicianUser).Return(int64(0), nil)
	repo.On("ListMessages", mock.Anything, key).Return(nil, errors.New("timeout"))

	s := newMockedService(t, repo)
	_, err := s.ListMessages(context.Background(), key, clinicianUser)
	assert.ErrorIs(t, err, ErrTransient)
	repo.AssertExpectations(t)
}

func TestSendRateLimit(t *testing.T) {
	t.Run("over the limit", func(t *testing.T) {
		limiter := &stubLimiter{allow: false}
		s := newMockedService(t, &mockMessageRepo{}, WithLimiter(limiter))

		_, err := s.Send(context.Background(), patientUser, roomA, "hello", nil)
		assert.ErrorIs(t, err, ErrRateLimited)
		assert.Equal(t, []string{"send:1"}, limiter.keys)
	})

	t.Run("limiter down fails open", func(t *testing.T) {
		repo := &mockMessageRepo{}
		repo.On("CreateMessage", mock.Anything, mock.Anything).Return(nil)
		s := newMockedService(t, repo, WithLimiter(&stubLimiter{err: errors.New("redis: connection refused")}))

		_, err := s.Send(context.Background(), patientUser, roomA, "hello", nil)
		assert.NoError(t, err)
	})
}

func TestSendPublishesEvent(t *testing.T) {
	repo := &mockMessageRepo{}
	repo.On("CreateMessage", mock.Anything, mock.Anything).Return(nil)
	pub := &recordingPublisher{err: errors.New("broker unavailable")}
	s := newMockedService(t, repo, WithPublisher(pub))

	m, err := s.Send(context.Background(), clinicianUser, roomA, "your results are in", nil)
	require.NoError(t, err, "a publish failure does not fail the send")

	s.Close()
	require.Len(t, pub.events, 1)
	assert.Equal(t, roomA, pub.events[0].Room)
	assert.Equal(t, patientUser, pub.events[0].RecipientID)
	assert.Equal(t, m.ID, pub.events[0].Message.ID)
}

func TestSendAfterCloseIsNotPublished(t *testing.T) {
	repo := &mockMessageRepo{}
	repo.On("CreateMessage", mock.Anything, mock.Anything).Return(nil)
	pub := &recordingPublisher{}
	s := newMockedService(t, repo, WithPublisher(pub))

	s.Close()
	s.Close()
	_, err := s.Send(context.Background(), patientUser, roomA, "late", nil)
	require.NoError(t, err)
	assert.Empty(t, pub.events)
}

func TestCallerCancellationDoesNotTripBreaker(t *testing.T) {
	repo := &mockMessageRepo{}
	repo.On("CreateMessage", mock.Anything, mock.Anything).Return(context.Canceled).Times(6)
	repo.On("CreateMessage", mock.Anything, mock.Anything).Return(nil).Once()
	s := newMockedService(t, repo, WithRetry(Retry{Attempts: 1}))

	for i := 0; i < 6; i++ {
		_, err := s.Send(context.Background(), patientUser, roomA, "hello", nil)
		require.Error(t, err)
	}

	_, err := s.Send(context.Background(), patientUser, roomA, "hello", nil)
	require.NoError(t, err, "the store was healthy all along")
	repo.AssertNumberOfCalls(t, "CreateMessage", 7)
}

func TestConcurrentSendsKeepIDAndTimeOrderAligned(t *testing.T) {
	first := &Appointment{ID: "appt-1", Patient: patientParty(), Clinician: clinicianParty(), Status: StatusCompleted, StartsAt: baseTime}
	second := &Appointment{ID: "appt-2", Patient: patientParty(), Clinician: clinicianParty(), Status: StatusScheduled, StartsAt: baseTime.Add(time.Hour)}
	f := newFixture(t, first, second)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		room := RoomID("appt-1")
		if i%2 == 1 {
			room = "appt-2"
		}
		wg.Add(1)
		go func(room RoomID, i int) {
			defer wg.Done()
			_, err := f.service.Send(ctx, patientUser, room, fmt.Sprintf("msg %d", i), nil)
			assert.NoError(t, err)
		}(room, i)
	}
	wg.Wait()

	msgs, err := f.messages.ListMessages(ctx, ConversationKey{PatientID: patientProfile, ClinicianID: clinicianProfile})
	require.NoError(t, err)
	require.Len(t, msgs, 50)
	for i := 1; i < len(msgs); i++ {
		assert.True(t, msgs[i-1].CreatedAt.Before(msgs[i].CreatedAt))
		assert.Less(t, msgs[i-1].ID, msgs[i].ID)
	}
}
