package scheduling

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/klinik/clinic/internal/domain/identity"
	"github.com/klinik/clinic/internal/platform/audit"
	"github.com/klinik/clinic/internal/platform/auth"
	"github.com/klinik/clinic/internal/platform/db"
	"github.com/klinik/clinic/internal/platform/idgen"
	"github.com/klinik/clinic/internal/platform/notification"
	"github.com/klinik/clinic/internal/platform/validation"
)

// Directory resolves the patients and doctors appointments refer to.
// *identity.Service satisfies it.
type Directory interface {
	GetDoctor(ctx context.Context, id uuid.UUID) (*identity.Doctor, error)
	GetPatient(ctx context.Context, id uuid.UUID) (*identity.Patient, error)
	PatientForUser(ctx context.Context, userID uuid.UUID) (*identity.Patient, error)
	DoctorForUser(ctx context.Context, userID uuid.UUID) (*identity.Doctor, error)
}

// Notifier delivers templated notifications. Delivery failures never reach
// the caller.
type Notifier interface {
	NotifyTemplate(ctx context.Context, userID uuid.UUID, templateID string, data map[string]string)
}

type Service struct {
	appts    AppointmentRepository
	dir      Directory
	tx       db.TxManager
	trail    *audit.Trail
	notifier Notifier

	now func() time.Time
	loc *time.Location
}

func NewService(appts AppointmentRepository, dir Directory, tx db.TxManager) *Service {
	return &Service{
		appts: appts,
		dir:   dir,
		tx:    tx,
		now:   time.Now,
		loc:   time.UTC,
	}
}

func (s *Service) SetAuditTrail(t *audit.Trail) { s.trail = t }

func (s *Service) SetNotifier(n Notifier) { s.notifier = n }

// SetLocation sets the clinic time zone that decides what "today" is.
func (s *Service) SetLocation(loc *time.Location) { s.loc = loc }

func (s *Service) today() time.Time {
	now := s.now().In(s.loc)
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

func (s *Service) notify(ctx context.Context, userID uuid.UUID, templateID string, data map[string]string) {
	if s.notifier == nil {
		return
	}
	s.notifier.NotifyTemplate(ctx, userID, templateID, data)
}

// -- Booking --

type BookInput struct {
	PatientID *uuid.UUID `json:"patient_id,omitempty"`
	DoctorID  uuid.UUID  `json:"doctor_id"`
	Date      string     `json:"date"`
	Time      string     `json:"time"`
	Complaint string     `json:"complaint"`
}

// Book creates a pending appointment and assigns the doctor's next queue
// number for that date. Patients book for themselves; front desk staff name
// the patient.
func (s *Service) Book(ctx context.Context, actor auth.Actor, in BookInput) (*Appointment, error) {
	var r validation.Result
	date, dateErr := ParseDate(in.Date)
	r.Check("date", dateErr == nil, "must be a date in YYYY-MM-DD format")
	if dateErr == nil {
		r.Check("date", !date.Before(s.today()), "cannot be in the past")
	}
	in.Time = strings.TrimSpace(in.Time)
	r.Check("time", identity.ValidClock(in.Time), "must be a time in HH:MM format")
	r.Require("complaint", strings.TrimSpace(in.Complaint) != "")
	r.Require("doctor_id", in.DoctorID != uuid.Nil)
	if !actor.Is(auth.RolePatient) {
		r.Require("patient_id", in.PatientID != nil && *in.PatientID != uuid.Nil)
	}
	if err := r.Err(); err != nil {
		return nil, err
	}

	patient, err := s.bookingPatient(ctx, actor, in.PatientID)
	if err != nil {
		return nil, err
	}
	doctor, err := s.dir.GetDoctor(ctx, in.DoctorID)
	if errors.Is(err, validation.ErrNotFound) {
		return nil, validation.Fieldf("doctor_id", "unknown doctor")
	}
	if err != nil {
		return nil, err
	}
	if !doctor.Active {
		return nil, validation.Fieldf("doctor_id", "doctor %s is not accepting appointments", doctor.FullName())
	}
	hours, ok := doctor.Schedule.On(date)
	if !ok {
		return nil, validation.Fieldf("date", "doctor %s does not practice on %s", doctor.FullName(), date.Weekday())
	}
	if !hours.Contains(in.Time) {
		return nil, validation.Fieldf("time", "doctor %s practices %s to %s on %s",
			doctor.FullName(), hours.Start, hours.End, date.Weekday())
	}

	a := &Appointment{
		PatientID:           patient.ID,
		DoctorID:            doctor.ID,
		Date:                date,
		Time:                in.Time,
		Complaint:           strings.TrimSpace(in.Complaint),
		Status:              StatusPending,
		PatientUserID:       patient.UserID,
		PatientName:         patient.FullName(),
		PatientRecordNumber: patient.RecordNumber,
		DoctorUserID:        doctor.UserID,
		DoctorName:          doctor.FullName(),
	}
	scope := fmt.Sprintf("queue:%s:%s", doctor.ID, date.Format(DateLayout))
	err = s.tx.InScopedTx(ctx, scope, func(ctx context.Context) error {
		dup, err := s.appts.HasActiveBooking(ctx, patient.ID, doctor.ID, date)
		if err != nil {
			return fmt.Errorf("check existing booking: %w", err)
		}
		if dup {
			return validation.Field("date", ErrDuplicateBooking)
		}
		last, err := s.appts.LastQueueNumber(ctx, doctor.ID, date)
		if err != nil {
			return fmt.Errorf("read last queue number: %w", err)
		}
		a.QueueNumber = idgen.NextQueueNumber(doctor.Code(), last)
		return s.appts.Create(ctx, a)
	})
	if err != nil {
		return nil, err
	}

	s.trail.Record(ctx, audit.Entry{
		Actor:       actor,
		Action:      audit.ActionCreate,
		EntityType:  "appointment",
		EntityID:    a.ID.String(),
		Description: fmt.Sprintf("booked %s with %s on %s %s (%s)", a.PatientName, a.DoctorName, a.DateString(), a.Time, a.QueueNumber),
	})
	return a, nil
}

func (s *Service) bookingPatient(ctx context.Context, actor auth.Actor, id *uuid.UUID) (*identity.Patient, error) {
	if actor.Is(auth.RolePatient) {
		return s.dir.PatientForUser(ctx, actor.UserID)
	}
	p, err := s.dir.GetPatient(ctx, *id)
	if errors.Is(err, validation.ErrNotFound) {
		return nil, validation.Fieldf("patient_id", "unknown patient")
	}
	return p, err
}

// -- Status changes --

// Confirm accepts a pending appointment and tells the patient their queue
// number. A doctor may only confirm their own appointments.
func (s *Service) Confirm(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Appointment, error) {
	a, err := s.Get(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if err := s.transition(ctx, actor, a, StatusConfirmed, nil); err != nil {
		return nil, err
	}
	s.notify(ctx, a.PatientUserID, notification.TplAppointmentConfirmed, map[string]string{
		"doctor":       a.DoctorName,
		"date":         a.DateString(),
		"time":         a.Time,
		"queue_number": a.QueueNumber,
	})
	return a, nil
}

// Cancel cancels a pending or confirmed appointment. Completed appointments
// own a medical record and a payment and stay as they are. The patient is
// told when somebody else cancelled.
func (s *Service) Cancel(ctx context.Context, actor auth.Actor, id uuid.UUID, note string) (*Appointment, error) {
	a, err := s.Get(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	var notePtr *string
	if note = strings.TrimSpace(note); note != "" {
		notePtr = &note
	}
	if err := s.transition(ctx, actor, a, StatusCancelled, notePtr); err != nil {
		return nil, err
	}
	if actor.UserID != a.PatientUserID {
		s.notify(ctx, a.PatientUserID, notification.TplAppointmentCancelled, map[string]string{
			"date": a.DateString(),
			"time": a.Time,
			"note": note,
		})
	}
	return a, nil
}

// MarkCompleted closes a confirmed appointment. It joins the caller's
// transaction and is only used while creating the medical record.
func (s *Service) MarkCompleted(ctx context.Context, actor auth.Actor, id uuid.UUID) error {
	a, err := s.appts.GetByID(ctx, id)
	if err != nil {
		return err
	}
	return s.transition(ctx, actor, a, StatusCompleted, nil)
}

func (s *Service) transition(ctx context.Context, actor auth.Actor, a *Appointment, to Status, note *string) error {
	from := a.Status
	if err := checkTransition(from, to); err != nil {
		return err
	}
	ok, err := s.appts.UpdateStatus(ctx, a.ID, from, to, note)
	if err != nil {
		return fmt.Errorf("update appointment status: %w", err)
	}
	if !ok {
		return validation.Field("status", fmt.Errorf("%w: appointment is no longer %s", ErrInvalidTransition, from))
	}
	a.Status = to
	if note != nil {
		a.Note = note
	}

	s.trail.Record(ctx, audit.Entry{
		Actor:       actor,
		Action:      audit.ActionStatus,
		EntityType:  "appointment",
		EntityID:    a.ID.String(),
		Description: fmt.Sprintf("appointment %s %s", a.QueueNumber, to),
		Changes:     map[string]audit.Change{"status": {Old: from, New: to}},
	})
	return nil
}

// -- Reads --

// Get returns the appointment. Patients and doctors only see their own.
func (s *Service) Get(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Appointment, error) {
	a, err := s.appts.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if (actor.Is(auth.RolePatient) && a.PatientUserID != actor.UserID) ||
		(actor.Is(auth.RoleDoctor) && a.DoctorUserID != actor.UserID) {
		return nil, fmt.Errorf("appointment %s: %w", id, validation.ErrNotFound)
	}
	return a, nil
}

// List returns appointments matching f, narrowed to the caller's own when the
// caller is a patient or a doctor.
func (s *Service) List(ctx context.Context, actor auth.Actor, f Filter, limit, offset int) ([]*Appointment, int, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, validation.Fieldf("status", "unknown status %q", f.Status)
	}
	switch actor.Role {
	case auth.RolePatient:
		p, err := s.dir.PatientForUser(ctx, actor.UserID)
		if err != nil {
			return nil, 0, err
		}
		f.PatientID = &p.ID
	case auth.RoleDoctor:
		d, err := s.dir.DoctorForUser(ctx, actor.UserID)
		if err != nil {
			return nil, 0, err
		}
		f.DoctorID = &d.ID
	}
	f.Search = strings.TrimSpace(f.Search)
	return s.appts.List(ctx, f, limit, offset)
}

// Queue returns the pending and confirmed appointments of date in queue
// order, optionally for one doctor. A nil date means today. Doctors always
// get their own queue.
func (s *Service) Queue(ctx context.Context, actor auth.Actor, doctorID *uuid.UUID, date *time.Time) ([]*Appointment, error) {
	if actor.Is(auth.RoleDoctor) {
		d, err := s.dir.DoctorForUser(ctx, actor.UserID)
		if err != nil {
			return nil, err
		}
		doctorID = &d.ID
	}
	day := s.today()
	if date != nil {
		day = *date
	}
	return s.appts.Queue(ctx, doctorID, day)
}
