package pharmacy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/klinik/clinic/internal/platform/audit"
	"github.com/klinik/clinic/internal/platform/auth"
	"github.com/klinik/clinic/internal/platform/notification"
	"github.com/klinik/clinic/internal/platform/validation"
)

type LineInput struct {
	MedicationID uuid.UUID `json:"medication_id"`
	Quantity     int       `json:"quantity"`
	Instructions string    `json:"instructions"`
}

type UpdateLineInput struct {
	Quantity     *int    `json:"quantity,omitempty"`
	Instructions *string `json:"instructions,omitempty"`
}

// checkLine validates a line against the medication as it is now. held is
// what other lines of the same prescription already ask of that medication.
// Field names are prefixed so callers can point at one line of many.
func (s *Service) checkLine(ctx context.Context, prefix string, medID uuid.UUID, qty, held int) (*Medication, error) {
	if medID == uuid.Nil {
		return nil, validation.Fieldf(prefix+"medication_id", "is required")
	}
	if qty < 1 {
		return nil, validation.Fieldf(prefix+"quantity", "must be at least 1")
	}
	m, err := s.meds.GetByID(ctx, medID)
	if errors.Is(err, validation.ErrNotFound) {
		return nil, validation.Fieldf(prefix+"medication_id", "medication %s does not exist", medID)
	}
	if err != nil {
		return nil, err
	}
	if !m.Active {
		return nil, validation.Fieldf(prefix+"medication_id", "%s is no longer dispensed", m.Name)
	}
	if m.IsExpired(s.today()) {
		return nil, validation.Field(prefix+"medication_id", fmt.Errorf("%w: %s", ErrMedicationExpired, m.Name))
	}
	if qty+held > m.Stock {
		if held > 0 {
			return nil, validation.Field(prefix+"quantity",
				fmt.Errorf("%w: %s has %d %s left, %d already prescribed", ErrInsufficientStock, m.Name, m.Stock, m.Unit, held))
		}
		return nil, validation.Field(prefix+"quantity",
			fmt.Errorf("%w: %s has %d %s left", ErrInsufficientStock, m.Name, m.Stock, m.Unit))
	}
	return m, nil
}

// heldBy sums what the lines of p ask of medID, leaving out the line skip.
func heldBy(p *Prescription, medID, skip uuid.UUID) int {
	n := 0
	for _, l := range p.Lines {
		if l.MedicationID == medID && l.ID != skip {
			n += l.Quantity
		}
	}
	return n
}

// CreatePrescription writes a pending prescription for a medical record.
// It joins the caller's transaction when there is one.
func (s *Service) CreatePrescription(ctx context.Context, actor auth.Actor, medicalRecordID uuid.UUID, lines []LineInput) (*Prescription, error) {
	if len(lines) == 0 {
		return nil, validation.Fieldf("lines", "at least one medication is required")
	}
	var p *Prescription
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		ref, err := s.prescriptions.RecordRef(ctx, medicalRecordID)
		if err != nil {
			return err
		}
		if actor.Is(auth.RoleDoctor) && ref.DoctorUserID != actor.UserID {
			return validation.ErrNotFound
		}

		p = &Prescription{MedicalRecordID: medicalRecordID, Status: PrescriptionPending, RecordRef: ref}
		if err := s.prescriptions.Create(ctx, p); err != nil {
			return fmt.Errorf("create prescription: %w", err)
		}
		for i, in := range lines {
			m, err := s.checkLine(ctx, fmt.Sprintf("lines[%d].", i), in.MedicationID, in.Quantity, heldBy(p, in.MedicationID, uuid.Nil))
			if err != nil {
				return err
			}
			l := &Line{
				PrescriptionID: p.ID,
				MedicationID:   m.ID,
				Quantity:       in.Quantity,
				Instructions:   strings.TrimSpace(in.Instructions),
				UnitPrice:      m.SalePrice,
				MedicationName: m.Name,
				MedicationUnit: m.Unit,
			}
			if err := s.prescriptions.AddLine(ctx, l); err != nil {
				return fmt.Errorf("add prescription line: %w", err)
			}
			p.Lines = append(p.Lines, l)
		}
		return s.recomputeFor(ctx, ref.AppointmentID)
	})
	if err != nil {
		return nil, err
	}

	s.trail.Record(ctx, audit.Entry{
		Actor:       actor,
		Action:      audit.ActionCreate,
		EntityType:  "prescription",
		EntityID:    p.ID.String(),
		Description: fmt.Sprintf("prescribed %d medication(s) for %s", len(p.Lines), p.PatientName),
	})
	return p, nil
}

func (s *Service) recomputeFor(ctx context.Context, appointmentID uuid.UUID) error {
	if s.recompute == nil {
		return nil
	}
	if err := s.recompute.RecomputeForAppointment(ctx, appointmentID); err != nil {
		return fmt.Errorf("recompute payment: %w", err)
	}
	return nil
}

// editable loads a prescription whose lines the actor may still change.
func (s *Service) editable(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Prescription, error) {
	p, err := s.prescriptions.GetForUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.Is(auth.RoleDoctor) && p.DoctorUserID != actor.UserID {
		return nil, validation.ErrNotFound
	}
	if p.Status != PrescriptionPending {
		return nil, validation.Field("status", ErrNotEditable)
	}
	return p, nil
}

func (s *Service) AddLine(ctx context.Context, actor auth.Actor, prescriptionID uuid.UUID, in LineInput) (*Prescription, error) {
	var appointmentID uuid.UUID
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		p, err := s.editable(ctx, actor, prescriptionID)
		if err != nil {
			return err
		}
		appointmentID = p.AppointmentID
		m, err := s.checkLine(ctx, "", in.MedicationID, in.Quantity, heldBy(p, in.MedicationID, uuid.Nil))
		if err != nil {
			return err
		}
		l := &Line{
			PrescriptionID: p.ID,
			MedicationID:   m.ID,
			Quantity:       in.Quantity,
			Instructions:   strings.TrimSpace(in.Instructions),
			UnitPrice:      m.SalePrice,
		}
		if err := s.prescriptions.AddLine(ctx, l); err != nil {
			return fmt.Errorf("add prescription line: %w", err)
		}
		return s.recomputeFor(ctx, appointmentID)
	})
	if err != nil {
		return nil, err
	}
	s.recordLineChange(ctx, actor, prescriptionID, "added a medication")
	return s.prescriptions.GetByID(ctx, prescriptionID)
}

// UpdateLine changes the quantity or instructions of a line. The unit price
// stays what it was when the line was written.
func (s *Service) UpdateLine(ctx context.Context, actor auth.Actor, lineID uuid.UUID, in UpdateLineInput) (*Prescription, error) {
	var prescriptionID uuid.UUID
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		l, err := s.prescriptions.GetLine(ctx, lineID)
		if err != nil {
			return err
		}
		prescriptionID = l.PrescriptionID
		p, err := s.editable(ctx, actor, l.PrescriptionID)
		if err != nil {
			return err
		}
		if in.Quantity != nil {
			if _, err := s.checkLine(ctx, "", l.MedicationID, *in.Quantity, heldBy(p, l.MedicationID, l.ID)); err != nil {
				return err
			}
			l.Quantity = *in.Quantity
		}
		if in.Instructions != nil {
			l.Instructions = strings.TrimSpace(*in.Instructions)
		}
		if err := s.prescriptions.UpdateLine(ctx, l); err != nil {
			return fmt.Errorf("update prescription line: %w", err)
		}
		return s.recomputeFor(ctx, p.AppointmentID)
	})
	if err != nil {
		return nil, err
	}
	s.recordLineChange(ctx, actor, prescriptionID, "changed a medication")
	return s.prescriptions.GetByID(ctx, prescriptionID)
}

func (s *Service) RemoveLine(ctx context.Context, actor auth.Actor, lineID uuid.UUID) (*Prescription, error) {
	var prescriptionID uuid.UUID
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		l, err := s.prescriptions.GetLine(ctx, lineID)
		if err != nil {
			return err
		}
		prescriptionID = l.PrescriptionID
		p, err := s.editable(ctx, actor, l.PrescriptionID)
		if err != nil {
			return err
		}
		if err := s.prescriptions.RemoveLine(ctx, lineID); err != nil {
			return fmt.Errorf("remove prescription line: %w", err)
		}
		return s.recomputeFor(ctx, p.AppointmentID)
	})
	if err != nil {
		return nil, err
	}
	s.recordLineChange(ctx, actor, prescriptionID, "removed a medication")
	return s.prescriptions.GetByID(ctx, prescriptionID)
}

func (s *Service) recordLineChange(ctx context.Context, actor auth.Actor, id uuid.UUID, what string) {
	s.trail.Record(ctx, audit.Entry{
		Actor:       actor,
		Action:      audit.ActionUpdate,
		EntityType:  "prescription",
		EntityID:    id.String(),
		Description: what,
	})
}

// GetPrescription hides prescriptions from patients and doctors they do not
// belong to.
func (s *Service) GetPrescription(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Prescription, error) {
	p, err := s.prescriptions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case actor.Is(auth.RolePatient) && p.PatientUserID != actor.UserID,
		actor.Is(auth.RoleDoctor) && p.DoctorUserID != actor.UserID:
		return nil, validation.ErrNotFound
	}
	return p, nil
}

func (s *Service) ListPrescriptions(ctx context.Context, actor auth.Actor, f PrescriptionFilter, limit, offset int) ([]*Prescription, int, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, validation.Fieldf("status", "unknown status %q", f.Status)
	}
	switch actor.Role {
	case auth.RolePatient:
		f.PatientUserID = &actor.UserID
	case auth.RoleDoctor:
		f.DoctorUserID = &actor.UserID
	}
	return s.prescriptions.List(ctx, f, limit, offset)
}

type ProcessInput struct {
	Status PrescriptionStatus `json:"status"`
	Note   *string            `json:"note,omitempty"`
}

// Process moves a prescription forward on behalf of a pharmacist.
func (s *Service) Process(ctx context.Context, actor auth.Actor, id uuid.UUID, in ProcessInput) (*Prescription, error) {
	switch in.Status {
	case PrescriptionDelivered:
		return s.Deliver(ctx, actor, id, in.Note)
	case PrescriptionProcessing:
	default:
		return nil, validation.Fieldf("status", "must be %s or %s", PrescriptionProcessing, PrescriptionDelivered)
	}

	var p *Prescription
	err := s.tx.InScopedTx(ctx, "prescription:"+id.String(), func(ctx context.Context) error {
		var err error
		p, err = s.prescriptions.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := checkTransition(p.Status, PrescriptionProcessing); err != nil {
			return err
		}
		now := s.now()
		p.Status = PrescriptionProcessing
		p.ProcessedBy = &actor.UserID
		p.ProcessedAt = &now
		if in.Note != nil {
			p.PharmacistNote = in.Note
		}
		return s.prescriptions.UpdateStatus(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	s.recordStatus(ctx, actor, p, PrescriptionPending)
	return p, nil
}

// Deliver hands the medication over and deducts stock for every line. Stock
// is checked again line by line, and one short line aborts the whole
// delivery. Delivering an already delivered prescription changes nothing.
func (s *Service) Deliver(ctx context.Context, actor auth.Actor, id uuid.UUID, note *string) (*Prescription, error) {
	var (
		p       *Prescription
		from    PrescriptionStatus
		already bool
		low     []lowStock
	)
	err := s.tx.InScopedTx(ctx, "prescription:"+id.String(), func(ctx context.Context) error {
		var err error
		p, err = s.prescriptions.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if p.Status == PrescriptionDelivered {
			already = true
			return nil
		}
		from = p.Status
		if err := checkTransition(p.Status, PrescriptionDelivered); err != nil {
			return err
		}

		// Stock left per medication once every line is deducted, in line
		// order, so a medication on two lines raises one alert.
		var order []uuid.UUID
		left := make(map[uuid.UUID]lowStock)
		for i, l := range p.Lines {
			after, ok, err := s.meds.Deduct(ctx, l.MedicationID, l.Quantity)
			if err != nil {
				return fmt.Errorf("deduct stock: %w", err)
			}
			if !ok {
				return validation.Field(fmt.Sprintf("lines[%d].quantity", i),
					fmt.Errorf("%w: not enough %s to deliver %d", ErrInsufficientStock, l.MedicationName, l.Quantity))
			}
			if _, seen := left[l.MedicationID]; !seen {
				order = append(order, l.MedicationID)
			}
			left[l.MedicationID] = lowStock{name: l.MedicationName, unit: l.MedicationUnit, stock: after}
		}
		low = low[:0]
		for _, id := range order {
			if ls := left[id]; ls.stock > 0 && ls.stock < s.threshold {
				low = append(low, ls)
			}
		}

		now := s.now()
		p.Status = PrescriptionDelivered
		p.ProcessedBy = &actor.UserID
		p.ProcessedAt = &now
		if note != nil {
			p.PharmacistNote = note
		}
		return s.prescriptions.UpdateStatus(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	if already {
		return p, nil
	}

	s.recordStatus(ctx, actor, p, from)
	if s.notifier != nil {
		s.notifier.NotifyTemplate(ctx, p.PatientUserID, notification.TplPrescriptionDelivered, map[string]string{
			"date": p.ProcessedAt.In(s.loc).Format(DateLayout),
		})
	}
	s.notifyLowStock(ctx, low)
	return p, nil
}

func (s *Service) recordStatus(ctx context.Context, actor auth.Actor, p *Prescription, from PrescriptionStatus) {
	s.trail.Record(ctx, audit.Entry{
		Actor:       actor,
		Action:      audit.ActionStatus,
		EntityType:  "prescription",
		EntityID:    p.ID.String(),
		Description: fmt.Sprintf("prescription for %s is %s", p.PatientName, p.Status),
		Changes:     map[string]audit.Change{"status": {Old: from, New: p.Status}},
	})
}
