package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type AppointmentRepository interface {
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// UpdateStatus moves the appointment from one status to another and
	// reports false when it was no longer in from. A nil note keeps the
	// stored one.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status, note *string) (bool, error)
	List(ctx context.Context, f Filter, limit, offset int) ([]*Appointment, int, error)
	LastQueueNumber(ctx context.Context, doctorID uuid.UUID, date time.Time) (string, error)
	HasActiveBooking(ctx context.Context, patientID, doctorID uuid.UUID, date time.Time) (bool, error)
	// Queue returns the active appointments of date ordered by queue number.
	Queue(ctx context.Context, doctorID *uuid.UUID, date time.Time) ([]*Appointment, error)
}
