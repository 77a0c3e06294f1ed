package clinical

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type ProcedureRepository interface {
	Create(ctx context.Context, p *Procedure) error
	GetByID(ctx context.Context, id uuid.UUID) (*Procedure, error)
	Update(ctx context.Context, p *Procedure) error
	List(ctx context.Context, f ProcedureFilter, limit, offset int) ([]*Procedure, int, error)
}

type RecordRepository interface {
	Create(ctx context.Context, m *MedicalRecord) error
	GetByID(ctx context.Context, id uuid.UUID) (*MedicalRecord, error)
	// GetForUpdate is GetByID that also locks the record row for the rest of
	// the transaction.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*MedicalRecord, error)
	GetByAppointment(ctx context.Context, appointmentID uuid.UUID) (*MedicalRecord, error)
	Update(ctx context.Context, m *MedicalRecord) error
	// SetTimes writes the consultation start and end times.
	SetTimes(ctx context.Context, id uuid.UUID, start, end *time.Time) error
	List(ctx context.Context, f RecordFilter, limit, offset int) ([]*MedicalRecord, int, error)

	// AttachProcedure reports false when the procedure was already attached.
	AttachProcedure(ctx context.Context, recordID, procedureID uuid.UUID) (bool, error)
	// DetachProcedure reports false when the procedure was not attached.
	DetachProcedure(ctx context.Context, recordID, procedureID uuid.UUID) (bool, error)
}
