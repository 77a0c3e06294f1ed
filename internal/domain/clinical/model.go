package clinical

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/klinik/clinic/internal/platform/validation"
)

// ProcedureCategory groups catalog procedures.
type ProcedureCategory string

const (
	CategoryExamination ProcedureCategory = "examination"
	CategoryTreatment   ProcedureCategory = "treatment"
	CategoryLaboratory  ProcedureCategory = "laboratory"
	CategoryRadiology   ProcedureCategory = "radiology"
	CategoryOther       ProcedureCategory = "other"
)

func (c ProcedureCategory) Valid() bool {
	switch c {
	case CategoryExamination, CategoryTreatment, CategoryLaboratory, CategoryRadiology, CategoryOther:
		return true
	}
	return false
}

// Procedure maps to the clinical_procedure table. Its fee is billed for every
// medical record it is attached to.
type Procedure struct {
	ID          uuid.UUID         `db:"id" json:"id"`
	Name        string            `db:"name" json:"name"`
	Fee         float64           `db:"fee" json:"fee"`
	Category    ProcedureCategory `db:"category" json:"category"`
	Description *string           `db:"description" json:"description,omitempty"`
	Active      bool              `db:"active" json:"active"`
	CreatedAt   time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time         `db:"updated_at" json:"updated_at"`
}

func ValidateProcedure(p *Procedure) error {
	var r validation.Result
	r.Require("name", strings.TrimSpace(p.Name) != "")
	r.Check("fee", p.Fee >= 0, "must not be negative")
	r.Check("category", p.Category.Valid(), "must be examination, treatment, laboratory, radiology or other")
	return r.Err()
}

type ProcedureFilter struct {
	Category   ProcedureCategory
	ActiveOnly bool
	Search     string
}

// MedicalRecord maps to the medical_record table. There is at most one per
// appointment; attached procedures live in medical_record_procedure.
type MedicalRecord struct {
	ID            uuid.UUID  `db:"id" json:"id"`
	AppointmentID uuid.UUID  `db:"appointment_id" json:"appointment_id"`
	PatientID     uuid.UUID  `db:"patient_id" json:"patient_id"`
	DoctorID      uuid.UUID  `db:"doctor_id" json:"doctor_id"`
	Diagnosis     string     `db:"diagnosis" json:"diagnosis"`
	Anamnesis     string     `db:"anamnesis" json:"anamnesis"`
	PhysicalExam  *string    `db:"physical_exam" json:"physical_exam,omitempty"`
	Note          *string    `db:"note" json:"note,omitempty"`
	StartTime     *time.Time `db:"start_time" json:"start_time,omitempty"`
	EndTime       *time.Time `db:"end_time" json:"end_time,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updated_at"`

	Procedures []*Procedure `db:"-" json:"procedures"`

	// Joined for display and access checks.
	PatientUserID       uuid.UUID `db:"-" json:"patient_user_id"`
	PatientName         string    `db:"-" json:"patient_name"`
	PatientRecordNumber string    `db:"-" json:"patient_record_number"`
	DoctorUserID        uuid.UUID `db:"-" json:"doctor_user_id"`
	DoctorName          string    `db:"-" json:"doctor_name"`

	Duration *int `db:"-" json:"duration_minutes,omitempty"`
}

// DurationMinutes is the consultation length in whole minutes. It is nil
// until both the start and the end time are known.
func (m *MedicalRecord) DurationMinutes() *int {
	if m.StartTime == nil || m.EndTime == nil {
		return nil
	}
	d := int(m.EndTime.Sub(*m.StartTime) / time.Minute)
	return &d
}

// ProcedureFees sums the fees of the attached procedures.
func (m *MedicalRecord) ProcedureFees() float64 {
	var total float64
	for _, p := range m.Procedures {
		total += p.Fee
	}
	return total
}

// ValidateRecord checks the clinical content every record needs.
func ValidateRecord(m *MedicalRecord) error {
	var r validation.Result
	r.Require("diagnosis", strings.TrimSpace(m.Diagnosis) != "")
	r.Require("anamnesis", strings.TrimSpace(m.Anamnesis) != "")
	return r.Err()
}

type RecordFilter struct {
	PatientID     *uuid.UUID
	DoctorID      *uuid.UUID
	PatientUserID *uuid.UUID
	DoctorUserID  *uuid.UUID
	From          *time.Time
	To            *time.Time
	Search        string
}
