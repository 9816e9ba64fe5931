package chat

import (
	"context"
	"errors"
	"fmt"
)

// AppointmentRepository is the read side of the booking store we depend on.
type AppointmentRepository interface {
	// GetAppointment returns ErrNotFound when no appointment has that id.
	GetAppointment(ctx context.Context, id string) (*Appointment, error)
	// ListAppointmentsForUser returns every appointment where userID is the
	// patient or the clinician and the status is one of statuses.
	ListAppointmentsForUser(ctx context.Context, userID int64, statuses []AppointmentStatus) ([]*Appointment, error)
}

// ParticipantResolver turns a room into the two identities allowed in it.
// The gateway only knows this interface, so rooms that are not appointments
// can be served by plugging in another resolver.
type ParticipantResolver interface {
	ResolveParticipants(ctx context.Context, room RoomID) (Participants, error)
}

// Resolver resolves appointment rooms.
type Resolver struct {
	appointments AppointmentRepository
}

func NewResolver(appointments AppointmentRepository) *Resolver {
	return &Resolver{appointments: appointments}
}

func (r *Resolver) ResolveParticipants(ctx context.Context, room RoomID) (Participants, error) {
	if room == "" {
		return Participants{}, fmt.Errorf("empty room: %w", ErrNotFound)
	}
	a, err := r.appointments.GetAppointment(ctx, string(room))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Participants{}, err
		}
		return Participants{}, fmt.Errorf("resolve room %s: %v: %w", room, err, ErrTransient)
	}
	return Participants{Room: room, Patient: a.Patient, Clinician: a.Clinician}, nil
}

// Authorize resolves the room and checks userID against it. It returns
// ErrNotFound for an unknown room and ErrForbidden for a non-participant.
func Authorize(ctx context.Context, r ParticipantResolver, userID int64, room RoomID) (Participants, error) {
	p, err := r.ResolveParticipants(ctx, room)
	if err != nil {
		return Participants{}, err
	}
	if !p.Includes(userID) {
		return Participants{}, ErrForbidden
	}
	return p, nil
}
