package pharmacy

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type MedicationRepository interface {
	Create(ctx context.Context, m *Medication) error
	GetByID(ctx context.Context, id uuid.UUID) (*Medication, error)
	Update(ctx context.Context, m *Medication) error
	List(ctx context.Context, f MedicationFilter, limit, offset int) ([]*Medication, int, error)
	// LowStock lists active medications with stock below threshold.
	LowStock(ctx context.Context, threshold int) ([]*Medication, error)
	// ExpiringBetween lists active medications expiring after from and on or
	// before to, soonest first.
	ExpiringBetween(ctx context.Context, from, to time.Time) ([]*Medication, error)
	// ExpiredOn lists active medications whose expiry date is on or before day.
	ExpiredOn(ctx context.Context, day time.Time) ([]*Medication, error)

	// Deduct subtracts qty only if that leaves stock at zero or above. ok is
	// false, and nothing changes, otherwise.
	Deduct(ctx context.Context, id uuid.UUID, qty int) (stockAfter int, ok bool, err error)
	// Adjust adds delta (which may be negative) under the same rule.
	Adjust(ctx context.Context, id uuid.UUID, delta int) (stockAfter int, ok bool, err error)
	RecordAdjustment(ctx context.Context, a *StockAdjustment) error
	ListAdjustments(ctx context.Context, medicationID uuid.UUID, limit, offset int) ([]*StockAdjustment, int, error)
}

type PrescriptionRepository interface {
	// RecordRef resolves the appointment and people behind a medical record.
	RecordRef(ctx context.Context, medicalRecordID uuid.UUID) (RecordRef, error)

	Create(ctx context.Context, p *Prescription) error
	GetByID(ctx context.Context, id uuid.UUID) (*Prescription, error)
	// GetForUpdate is GetByID that also locks the prescription row for the
	// rest of the transaction.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Prescription, error)
	List(ctx context.Context, f PrescriptionFilter, limit, offset int) ([]*Prescription, int, error)
	UpdateStatus(ctx context.Context, p *Prescription) error

	AddLine(ctx context.Context, l *Line) error
	GetLine(ctx context.Context, id uuid.UUID) (*Line, error)
	UpdateLine(ctx context.Context, l *Line) error
	RemoveLine(ctx context.Context, id uuid.UUID) error
}
