package clinical

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/klinik/clinic/internal/domain/billing"
	"github.com/klinik/clinic/internal/domain/pharmacy"
	"github.com/klinik/clinic/internal/domain/scheduling"
	"github.com/klinik/clinic/internal/platform/audit"
	"github.com/klinik/clinic/internal/platform/auth"
	"github.com/klinik/clinic/internal/platform/db"
	"github.com/klinik/clinic/internal/platform/validation"
)

var (
	ErrRecordExists            = errors.New("appointment already has a medical record")
	ErrAppointmentNotConfirmed = errors.New("appointment is not confirmed")
	ErrNotAttendingDoctor      = errors.New("appointment belongs to another doctor")
	ErrProcedureInactive       = errors.New("procedure is inactive")
	ErrProcedureNotAttached    = errors.New("procedure is not attached to this record")
	ErrConsultationStarted     = errors.New("consultation already started")
	ErrConsultationNotStarted  = errors.New("consultation has not started")
	ErrConsultationFinished    = errors.New("consultation already finished")
)

// Appointments is the scheduling side of a visit. *scheduling.Service
// satisfies it.
type Appointments interface {
	Get(ctx context.Context, actor auth.Actor, id uuid.UUID) (*scheduling.Appointment, error)
	MarkCompleted(ctx context.Context, actor auth.Actor, id uuid.UUID) error
}

// Prescriber writes the prescription of a visit. *pharmacy.Service satisfies
// it.
type Prescriber interface {
	CreatePrescription(ctx context.Context, actor auth.Actor, medicalRecordID uuid.UUID, lines []pharmacy.LineInput) (*pharmacy.Prescription, error)
}

// Billing opens and refreshes the payment of a visit. *billing.Service
// satisfies it.
type Billing interface {
	CreateForAppointment(ctx context.Context, actor auth.Actor, appointmentID uuid.UUID) (*billing.Payment, error)
	RecomputeForAppointment(ctx context.Context, appointmentID uuid.UUID) error
}

type Service struct {
	procedures ProcedureRepository
	records    RecordRepository
	appts      Appointments
	rx         Prescriber
	billing    Billing
	tx         db.TxManager
	trail      *audit.Trail
	logger     zerolog.Logger

	now func() time.Time
}

func NewService(procedures ProcedureRepository, records RecordRepository, appts Appointments, rx Prescriber, bill Billing, tx db.TxManager) *Service {
	return &Service{
		procedures: procedures,
		records:    records,
		appts:      appts,
		rx:         rx,
		billing:    bill,
		tx:         tx,
		logger:     zerolog.Nop(),
		now:        time.Now,
	}
}

func (s *Service) SetAuditTrail(t *audit.Trail) { s.trail = t }

func (s *Service) SetLogger(l zerolog.Logger) { s.logger = l }

// -- Procedure catalog --

type ProcedureInput struct {
	Name        string            `json:"name"`
	Fee         float64           `json:"fee"`
	Category    ProcedureCategory `json:"category"`
	Description *string           `json:"description,omitempty"`
	Active      *bool             `json:"active,omitempty"`
}

func (s *Service) CreateProcedure(ctx context.Context, actor auth.Actor, in ProcedureInput) (*Procedure, error) {
	p := &Procedure{
		Name:        strings.TrimSpace(in.Name),
		Fee:         in.Fee,
		Category:    in.Category,
		Description: in.Description,
		Active:      in.Active == nil || *in.Active,
	}
	if err := ValidateProcedure(p); err != nil {
		return nil, err
	}
	if err := s.procedures.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("create procedure: %w", err)
	}
	s.trail.Record(ctx, audit.Entry{
		Actor:       actor,
		Action:      audit.ActionCreate,
		EntityType:  "clinical_procedure",
		EntityID:    p.ID.String(),
		Description: fmt.Sprintf("added procedure %s", p.Name),
	})
	return p, nil
}

type UpdateProcedureInput struct {
	Name        *string            `json:"name,omitempty"`
	Fee         *float64           `json:"fee,omitempty"`
	Category    *ProcedureCategory `json:"category,omitempty"`
	Description *string            `json:"description,omitempty"`
	Active      *bool              `json:"active,omitempty"`
}

// UpdateProcedure changes a catalog entry. A new fee reaches open payments
// the next time they are recomputed.
func (s *Service) UpdateProcedure(ctx context.Context, actor auth.Actor, id uuid.UUID, in UpdateProcedureInput) (*Procedure, error) {
	p, err := s.procedures.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	changes := map[string]audit.Change{}
	if in.Name != nil {
		p.Name = strings.TrimSpace(*in.Name)
	}
	if in.Fee != nil && *in.Fee != p.Fee {
		changes["fee"] = audit.Change{Old: p.Fee, New: *in.Fee}
		p.Fee = *in.Fee
	}
	if in.Category != nil {
		p.Category = *in.Category
	}
	if in.Description != nil {
		p.Description = in.Description
	}
	if in.Active != nil && *in.Active != p.Active {
		changes["active"] = audit.Change{Old: p.Active, New: *in.Active}
		p.Active = *in.Active
	}
	if err := ValidateProcedure(p); err != nil {
		return nil, err
	}
	if err := s.procedures.Update(ctx, p); err != nil {
		return nil, fmt.Errorf("update procedure: %w", err)
	}
	s.trail.Record(ctx, audit.Entry{
		Actor:       actor,
		Action:      audit.ActionUpdate,
		EntityType:  "clinical_procedure",
		EntityID:    p.ID.String(),
		Description: fmt.Sprintf("updated procedure %s", p.Name),
		Changes:     changes,
	})
	return p, nil
}

func (s *Service) GetProcedure(ctx context.Context, id uuid.UUID) (*Procedure, error) {
	return s.procedures.GetByID(ctx, id)
}

func (s *Service) ListProcedures(ctx context.Context, f ProcedureFilter, limit, offset int) ([]*Procedure, int, error) {
	if f.Category != "" && !f.Category.Valid() {
		return nil, 0, validation.Fieldf("category", "unknown category %q", f.Category)
	}
	return s.procedures.List(ctx, f, limit, offset)
}

// billable loads a procedure that may still be attached to a record.
func (s *Service) billable(ctx context.Context, field string, id uuid.UUID) (*Procedure, error) {
	p, err := s.procedures.GetByID(ctx, id)
	if errors.Is(err, validation.ErrNotFound) {
		return nil, validation.Field(field, err)
	}
	if err != nil {
		return nil, err
	}
	if !p.Active {
		return nil, validation.Field(field, fmt.Errorf("%w: %s", ErrProcedureInactive, p.Name))
	}
	return p, nil
}

// -- Medical records --

type CreateRecordInput struct {
	AppointmentID uuid.UUID            `json:"appointment_id"`
	Diagnosis     string               `json:"diagnosis"`
	Anamnesis     string               `json:"anamnesis"`
	PhysicalExam  *string              `json:"physical_exam,omitempty"`
	Note          *string              `json:"note,omitempty"`
	StartTime     *time.Time           `json:"start_time,omitempty"`
	EndTime       *time.Time           `json:"end_time,omitempty"`
	ProcedureIDs  []uuid.UUID          `json:"procedure_ids,omitempty"`
	Prescription  []pharmacy.LineInput `json:"prescription,omitempty"`
}

// Visit is everything written when a doctor records an examination.
type Visit struct {
	MedicalRecord *MedicalRecord         `json:"medical_record"`
	Prescription  *pharmacy.Prescription `json:"prescription,omitempty"`
	Payment       *billing.Payment       `json:"payment"`
}

// CreateMedicalRecord records the examination of a confirmed appointment by
// its own doctor. In one transaction it writes the record with its
// procedures and optional prescription, completes the appointment and opens
// the payment priced from those charges.
func (s *Service) CreateMedicalRecord(ctx context.Context, actor auth.Actor, in CreateRecordInput) (*Visit, error) {
	if !actor.Is(auth.RoleDoctor) {
		return nil, validation.Field("appointment_id", ErrNotAttendingDoctor)
	}
	if in.AppointmentID == uuid.Nil {
		return nil, validation.Fieldf("appointment_id", "is required")
	}
	m := &MedicalRecord{
		AppointmentID: in.AppointmentID,
		Diagnosis:     strings.TrimSpace(in.Diagnosis),
		Anamnesis:     strings.TrimSpace(in.Anamnesis),
		PhysicalExam:  in.PhysicalExam,
		Note:          in.Note,
		StartTime:     in.StartTime,
		EndTime:       in.EndTime,
	}
	if err := ValidateRecord(m); err != nil {
		return nil, err
	}
	if err := checkTimes(m.StartTime, m.EndTime); err != nil {
		return nil, err
	}

	visit := &Visit{}
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		appt, err := s.appts.Get(ctx, actor, in.AppointmentID)
		if errors.Is(err, validation.ErrNotFound) {
			return validation.Field("appointment_id", err)
		}
		if err != nil {
			return err
		}
		if appt.DoctorUserID != actor.UserID {
			return validation.Field("appointment_id", ErrNotAttendingDoctor)
		}
		if appt.Status != scheduling.StatusConfirmed {
			return validation.Field("appointment_id", fmt.Errorf("%w: it is %s", ErrAppointmentNotConfirmed, appt.Status))
		}
		if _, err := s.records.GetByAppointment(ctx, appt.ID); err == nil {
			return validation.Field("appointment_id", ErrRecordExists)
		} else if !errors.Is(err, validation.ErrNotFound) {
			return err
		}

		m.PatientID, m.DoctorID = appt.PatientID, appt.DoctorID
		if err := s.records.Create(ctx, m); err != nil {
			return err
		}
		seen := map[uuid.UUID]bool{}
		for i, pid := range in.ProcedureIDs {
			if seen[pid] {
				continue
			}
			seen[pid] = true
			if _, err := s.billable(ctx, fmt.Sprintf("procedure_ids[%d]", i), pid); err != nil {
				return err
			}
			if _, err := s.records.AttachProcedure(ctx, m.ID, pid); err != nil {
				return fmt.Errorf("attach procedure: %w", err)
			}
		}
		if len(in.Prescription) > 0 {
			if visit.Prescription, err = s.rx.CreatePrescription(ctx, actor, m.ID, in.Prescription); err != nil {
				return err
			}
		}
		if err := s.appts.MarkCompleted(ctx, actor, appt.ID); err != nil {
			return err
		}
		if visit.Payment, err = s.billing.CreateForAppointment(ctx, actor, appt.ID); err != nil {
			return err
		}
		visit.MedicalRecord, err = s.records.GetByID(ctx, m.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	m = decorate(visit.MedicalRecord)
	s.trail.Record(ctx, audit.Entry{
		Actor:       actor,
		Action:      audit.ActionCreate,
		EntityType:  "medical_record",
		EntityID:    m.ID.String(),
		Description: fmt.Sprintf("examined %s (%s): %s", m.PatientName, m.PatientRecordNumber, m.Diagnosis),
	})
	return visit, nil
}

func checkTimes(start, end *time.Time) error {
	if end == nil {
		return nil
	}
	if start == nil {
		return validation.Field("end_time", ErrConsultationNotStarted)
	}
	if end.Before(*start) {
		return validation.Fieldf("end_time", "must not be before start_time")
	}
	return nil
}

func decorate(m *MedicalRecord) *MedicalRecord {
	if m != nil {
		m.Duration = m.DurationMinutes()
	}
	return m
}

// owned loads and locks a record the actor may change. Doctors only reach
// their own records.
func (s *Service) owned(ctx context.Context, actor auth.Actor, id uuid.UUID) (*MedicalRecord, error) {
	m, err := s.records.GetForUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.Is(auth.RoleDoctor) && m.DoctorUserID != actor.UserID {
		return nil, fmt.Errorf("medical record %s: %w", id, validation.ErrNotFound)
	}
	return m, nil
}

func (s *Service) recompute(ctx context.Context, appointmentID uuid.UUID) error {
	if err := s.billing.RecomputeForAppointment(ctx, appointmentID); err != nil {
		return fmt.Errorf("recompute payment: %w", err)
	}
	return nil
}

type UpdateRecordInput struct {
	Diagnosis    *string `json:"diagnosis,omitempty"`
	Anamnesis    *string `json:"anamnesis,omitempty"`
	PhysicalExam *string `json:"physical_exam,omitempty"`
	Note         *string `json:"note,omitempty"`
}

// UpdateMedicalRecord amends the clinical notes of a record and refreshes the
// visit's payment.
func (s *Service) UpdateMedicalRecord(ctx context.Context, actor auth.Actor, id uuid.UUID, in UpdateRecordInput) (*MedicalRecord, error) {
	var (
		m       *MedicalRecord
		changes = map[string]audit.Change{}
	)
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		if m, err = s.owned(ctx, actor, id); err != nil {
			return err
		}
		if in.Diagnosis != nil {
			if d := strings.TrimSpace(*in.Diagnosis); d != m.Diagnosis {
				changes["diagnosis"] = audit.Change{Old: m.Diagnosis, New: d}
				m.Diagnosis = d
			}
		}
		if in.Anamnesis != nil {
			m.Anamnesis = strings.TrimSpace(*in.Anamnesis)
		}
		if in.PhysicalExam != nil {
			m.PhysicalExam = in.PhysicalExam
		}
		if in.Note != nil {
			m.Note = in.Note
		}
		if err := ValidateRecord(m); err != nil {
			return err
		}
		if err := s.records.Update(ctx, m); err != nil {
			return fmt.Errorf("update medical record: %w", err)
		}
		return s.recompute(ctx, m.AppointmentID)
	})
	if err != nil {
		return nil, err
	}

	s.trail.Record(ctx, audit.Entry{
		Actor:       actor,
		Action:      audit.ActionUpdate,
		EntityType:  "medical_record",
		EntityID:    m.ID.String(),
		Description: fmt.Sprintf("amended the record of %s", m.PatientName),
		Changes:     changes,
	})
	return decorate(m), nil
}

// AttachProcedure bills a catalog procedure on a record. Attaching the same
// procedure twice changes nothing.
func (s *Service) AttachProcedure(ctx context.Context, actor auth.Actor, recordID, procedureID uuid.UUID) (*MedicalRecord, error) {
	return s.editProcedures(ctx, actor, recordID, procedureID, true)
}

// DetachProcedure removes a procedure from a record.
func (s *Service) DetachProcedure(ctx context.Context, actor auth.Actor, recordID, procedureID uuid.UUID) (*MedicalRecord, error) {
	return s.editProcedures(ctx, actor, recordID, procedureID, false)
}

func (s *Service) editProcedures(ctx context.Context, actor auth.Actor, recordID, procedureID uuid.UUID, attach bool) (*MedicalRecord, error) {
	var (
		m       *MedicalRecord
		changed bool
	)
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		if m, err = s.owned(ctx, actor, recordID); err != nil {
			return err
		}
		if attach {
			if _, err := s.billable(ctx, "procedure_id", procedureID); err != nil {
				return err
			}
			if changed, err = s.records.AttachProcedure(ctx, recordID, procedureID); err != nil {
				return fmt.Errorf("attach procedure: %w", err)
			}
		} else {
			if changed, err = s.records.DetachProcedure(ctx, recordID, procedureID); err != nil {
				return fmt.Errorf("detach procedure: %w", err)
			}
			if !changed {
				return validation.Field("procedure_id", ErrProcedureNotAttached)
			}
		}
		if changed {
			if err := s.recompute(ctx, m.AppointmentID); err != nil {
				return err
			}
		}
		m, err = s.records.GetByID(ctx, recordID)
		return err
	})
	if err != nil {
		return nil, err
	}

	if changed {
		verb := "attached"
		if !attach {
			verb = "detached"
		}
		s.trail.Record(ctx, audit.Entry{
			Actor:       actor,
			Action:      audit.ActionUpdate,
			EntityType:  "medical_record",
			EntityID:    m.ID.String(),
			Description: fmt.Sprintf("%s procedure %s", verb, procedureID),
		})
	}
	return decorate(m), nil
}

// StartConsultation stamps the start of the examination.
func (s *Service) StartConsultation(ctx context.Context, actor auth.Actor, id uuid.UUID) (*MedicalRecord, error) {
	return s.stamp(ctx, actor, id, func(m *MedicalRecord, now time.Time) error {
		if m.StartTime != nil {
			return validation.Field("start_time", ErrConsultationStarted)
		}
		m.StartTime = &now
		return nil
	})
}

// FinishConsultation stamps the end of an examination that has started.
func (s *Service) FinishConsultation(ctx context.Context, actor auth.Actor, id uuid.UUID) (*MedicalRecord, error) {
	return s.stamp(ctx, actor, id, func(m *MedicalRecord, now time.Time) error {
		switch {
		case m.StartTime == nil:
			return validation.Field("end_time", ErrConsultationNotStarted)
		case m.EndTime != nil:
			return validation.Field("end_time", ErrConsultationFinished)
		}
		m.EndTime = &now
		return nil
	})
}

func (s *Service) stamp(ctx context.Context, actor auth.Actor, id uuid.UUID, apply func(*MedicalRecord, time.Time) error) (*MedicalRecord, error) {
	var m *MedicalRecord
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		if m, err = s.owned(ctx, actor, id); err != nil {
			return err
		}
		if err := apply(m, s.now().UTC().Truncate(time.Second)); err != nil {
			return err
		}
		return s.records.SetTimes(ctx, m.ID, m.StartTime, m.EndTime)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug().Str("medical_record_id", m.ID.String()).Msg("consultation time recorded")
	return decorate(m), nil
}

// Get returns a record. Patients and doctors only see their own.
func (s *Service) Get(ctx context.Context, actor auth.Actor, id uuid.UUID) (*MedicalRecord, error) {
	m, err := s.records.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if (actor.Is(auth.RolePatient) && m.PatientUserID != actor.UserID) ||
		(actor.Is(auth.RoleDoctor) && m.DoctorUserID != actor.UserID) {
		return nil, fmt.Errorf("medical record %s: %w", id, validation.ErrNotFound)
	}
	return decorate(m), nil
}

// GetByAppointment returns the record written for an appointment.
func (s *Service) GetByAppointment(ctx context.Context, actor auth.Actor, appointmentID uuid.UUID) (*MedicalRecord, error) {
	m, err := s.records.GetByAppointment(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, actor, m.ID)
}

// List returns records matching f, narrowed to the caller's own when the
// caller is a patient or a doctor.
func (s *Service) List(ctx context.Context, actor auth.Actor, f RecordFilter, limit, offset int) ([]*MedicalRecord, int, error) {
	switch actor.Role {
	case auth.RolePatient:
		f.PatientUserID = &actor.UserID
	case auth.RoleDoctor:
		f.DoctorUserID = &actor.UserID
	}
	items, total, err := s.records.List(ctx, f, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	for _, m := range items {
		decorate(m)
	}
	return items, total, nil
}

// ListByPatient is the medical history of one patient, newest first.
func (s *Service) ListByPatient(ctx context.Context, actor auth.Actor, patientID uuid.UUID, limit, offset int) ([]*MedicalRecord, int, error) {
	return s.List(ctx, actor, RecordFilter{PatientID: &patientID}, limit, offset)
}

// ListByDoctor lists the records a doctor wrote, newest first.
func (s *Service) ListByDoctor(ctx context.Context, actor auth.Actor, doctorID uuid.UUID, limit, offset int) ([]*MedicalRecord, int, error) {
	return s.List(ctx, actor, RecordFilter{DoctorID: &doctorID}, limit, offset)
}
