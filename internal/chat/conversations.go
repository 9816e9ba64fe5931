package chat

import (
	"context"
	"fmt"
	"sort"
)

var qualifyingStatuses = []AppointmentStatus{StatusScheduled, StatusCompleted}

// Aggregator builds the conversation list: one row per counterpart the user
// has ever had a scheduled or completed appointment with.
type Aggregator struct {
	appointments AppointmentRepository
	messages     MessageRepository
}

func NewAggregator(appointments AppointmentRepository, messages MessageRepository) *Aggregator {
	return &Aggregator{appointments: appointments, messages: messages}
}

// List returns the user's conversations, most recently active first.
func (a *Aggregator) List(ctx context.Context, userID int64) ([]*Summary, error) {
	if userID == 0 {
		return nil, ErrUnauthenticated
	}
	appts, err := a.appointments.ListAppointmentsForUser(ctx, userID, qualifyingStatuses)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %v: %w", err, ErrTransient)
	}

	// latest qualifying appointment per counterpart supplies display metadata
	latest := make(map[int64]*Appointment)
	for _, appt := range appts {
		if !appt.Status.Qualifies() {
			continue
		}
		other, ok := appt.Counterpart(userID)
		if !ok {
			continue
		}
		if cur, ok := latest[other.UserID]; !ok || appt.StartsAt.After(cur.StartsAt) {
			latest[other.UserID] = appt
		}
	}

	out := make([]*Summary, 0, len(latest))
	for _, appt := range latest {
		other, _ := appt.Counterpart(userID)
		p := Participants{Room: RoomID(appt.ID), Patient: appt.Patient, Clinician: appt.Clinician}
		key := p.Key()

		last, err := a.messages.LatestMessage(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("latest message: %v: %w", err, ErrTransient)
		}
		unread, err := a.messages.CountUnread(ctx, key, userID)
		if err != nil {
			return nil, fmt.Errorf("count unread: %v: %w", err, ErrTransient)
		}

		s := &Summary{
			Room:        p.Room,
			Key:         key,
			Counterpart: other,
			LastMessage: last,
			UnreadCount: unread,
			UpdatedAt:   appt.StartsAt,
		}
		if last != nil {
			s.UpdatedAt = last.CreatedAt
		}
		out = append(out, s)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].Room < out[j].Room
	})
	return out, nil
}
