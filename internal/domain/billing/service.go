package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/klinik/clinic/internal/platform/audit"
	"github.com/klinik/clinic/internal/platform/auth"
	"github.com/klinik/clinic/internal/platform/db"
	"github.com/klinik/clinic/internal/platform/idgen"
	"github.com/klinik/clinic/internal/platform/notification"
	"github.com/klinik/clinic/internal/platform/validation"
)

type Notifier interface {
	NotifyTemplate(ctx context.Context, userID uuid.UUID, templateID string, data map[string]string)
}

type Service struct {
	payments     PaymentRepository
	installments InstallmentRepository
	transactions TransactionRepository
	charges      ChargeReader
	tx           db.TxManager
	trail        *audit.Trail
	notifier     Notifier
	logger       zerolog.Logger

	now func() time.Time
	loc *time.Location
}

func NewService(payments PaymentRepository, installments InstallmentRepository, transactions TransactionRepository, charges ChargeReader, tx db.TxManager) *Service {
	return &Service{
		payments:     payments,
		installments: installments,
		transactions: transactions,
		charges:      charges,
		tx:           tx,
		logger:       zerolog.Nop(),
		now:          time.Now,
		loc:          time.UTC,
	}
}

func (s *Service) SetAuditTrail(t *audit.Trail) { s.trail = t }

func (s *Service) SetNotifier(n Notifier) { s.notifier = n }

func (s *Service) SetLogger(l zerolog.Logger) { s.logger = l }

func (s *Service) SetLocation(loc *time.Location) { s.loc = loc }

// today is the clinic's calendar date as midnight UTC.
func (s *Service) today() time.Time {
	now := s.now().In(s.loc)
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

func paymentScope(id uuid.UUID) string { return "payment:" + id.String() }

// -- Payments --

// CreateForAppointment opens the payment of an appointment with the next
// invoice number of the day and its current charges. An appointment that
// already has a payment gets that payment back.
func (s *Service) CreateForAppointment(ctx context.Context, actor auth.Actor, appointmentID uuid.UUID) (*Payment, error) {
	existing, err := s.payments.GetByAppointment(ctx, appointmentID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, validation.ErrNotFound) {
		return nil, err
	}

	day := s.today()
	p := &Payment{AppointmentID: appointmentID, Method: MethodCash, Status: PaymentPending}
	err = s.tx.InScopedTx(ctx, "invoice:"+day.Format("20060102"), func(ctx context.Context) error {
		last, err := s.payments.LastInvoiceNumber(ctx, idgen.InvoicePrefix(day))
		if err != nil {
			return fmt.Errorf("read last invoice number: %w", err)
		}
		p.InvoiceNumber = idgen.NextInvoiceNumber(day, last)

		charges, err := s.charges.Charges(ctx, appointmentID)
		if err != nil {
			return fmt.Errorf("read charges: %w", err)
		}
		Recompute(p, charges)
		if err := s.payments.Create(ctx, p); err != nil {
			return fmt.Errorf("create payment: %w", err)
		}
		p, err = s.payments.GetByID(ctx, p.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.trail.Record(ctx, audit.Entry{
		Actor:       actor,
		Action:      audit.ActionCreate,
		EntityType:  "payment",
		EntityID:    p.ID.String(),
		Description: fmt.Sprintf("opened invoice %s over %s", p.InvoiceNumber, FormatAmount(p.TotalCost)),
	})
	return p, nil
}

// RecomputeForAppointment refreshes the totals of the appointment's payment
// from its current charges. It does nothing when the appointment has no
// payment yet or the payment is already settled.
func (s *Service) RecomputeForAppointment(ctx context.Context, appointmentID uuid.UUID) error {
	p, err := s.payments.GetByAppointment(ctx, appointmentID)
	if errors.Is(err, validation.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, _, err = s.recompute(ctx, p.ID)
	return err
}

// recompute refreshes a pending payment under its scope and spreads the new
// total over the unpaid part of its installment plan. It returns the payment
// and the total it had before.
func (s *Service) recompute(ctx context.Context, id uuid.UUID) (*Payment, float64, error) {
	var (
		p   *Payment
		old float64
	)
	err := s.tx.InScopedTx(ctx, paymentScope(id), func(ctx context.Context) error {
		var err error
		if p, err = s.payments.GetByID(ctx, id); err != nil {
			return err
		}
		old = p.TotalCost
		if p.Status == PaymentPaid {
			s.logger.Debug().Str("invoice", p.InvoiceNumber).Msg("payment already settled, totals kept")
			return nil
		}
		charges, err := s.charges.Charges(ctx, p.AppointmentID)
		if err != nil {
			return fmt.Errorf("read charges: %w", err)
		}
		before := *p
		Recompute(p, charges)
		if before.TotalCost == p.TotalCost && before.ConsultationFee == p.ConsultationFee &&
			before.MedicationCost == p.MedicationCost && before.ProcedureCost == p.ProcedureCost {
			return nil
		}

		items, err := s.installments.ListByPayment(ctx, id)
		if err != nil {
			return err
		}
		changed, extra, err := Rebalance(items, p.TotalCost, s.today())
		if err != nil {
			return validation.Field("total_cost", fmt.Errorf("%w: invoice %s", err, p.InvoiceNumber))
		}

		ok, err := s.payments.UpdateTotals(ctx, p)
		if err != nil {
			return fmt.Errorf("update payment totals: %w", err)
		}
		if !ok {
			p, err = s.payments.GetByID(ctx, id)
			return err
		}
		for _, it := range changed {
			if _, err := s.installments.SetAmount(ctx, it.ID, it.Amount); err != nil {
				return fmt.Errorf("update installment %d: %w", it.Sequence, err)
			}
		}
		if extra != nil {
			if err := s.installments.CreateAll(ctx, []*Installment{extra}); err != nil {
				return fmt.Errorf("add installment %d: %w", extra.Sequence, err)
			}
		}
		if len(changed) > 0 || extra != nil {
			s.logger.Info().Str("invoice", p.InvoiceNumber).Int("resplit", len(changed)).
				Bool("added", extra != nil).Msg("installment plan follows new total")
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return p, old, nil
}

// Recompute refreshes one payment on request.
func (s *Service) Recompute(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Payment, error) {
	p, old, err := s.recompute(ctx, id)
	if err != nil {
		return nil, err
	}
	if old != p.TotalCost {
		s.trail.Record(ctx, audit.Entry{
			Actor:       actor,
			Action:      audit.ActionUpdate,
			EntityType:  "payment",
			EntityID:    p.ID.String(),
			Description: "recomputed invoice " + p.InvoiceNumber,
			Changes:     map[string]audit.Change{"total_cost": {Old: old, New: p.TotalCost}},
		})
	}
	return p, nil
}

// outstanding is what p still owes after its paid installments.
func (s *Service) outstanding(ctx context.Context, p *Payment) (float64, error) {
	items, err := s.installments.ListByPayment(ctx, p.ID)
	if err != nil {
		return 0, err
	}
	return roundMoney(p.TotalCost - Collected(items)), nil
}

// Get hides other patients' payments from a patient.
func (s *Service) Get(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Payment, error) {
	p, err := s.payments.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.Is(auth.RolePatient) && p.PatientUserID != actor.UserID {
		return nil, validation.ErrNotFound
	}
	return p, nil
}

func (s *Service) GetByAppointment(ctx context.Context, actor auth.Actor, appointmentID uuid.UUID) (*Payment, error) {
	p, err := s.payments.GetByAppointment(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	if actor.Is(auth.RolePatient) && p.PatientUserID != actor.UserID {
		return nil, validation.ErrNotFound
	}
	return p, nil
}

func (s *Service) List(ctx context.Context, actor auth.Actor, f PaymentFilter, limit, offset int) ([]*Payment, int, error) {
	var r validation.Result
	r.Check("status", f.Status == "" || f.Status.Valid(), fmt.Sprintf("unknown status %q", f.Status))
	r.Check("method", f.Method == "" || f.Method.Valid(), fmt.Sprintf("unknown method %q", f.Method))
	if err := r.Err(); err != nil {
		return nil, 0, err
	}
	if actor.Is(auth.RolePatient) {
		f.PatientUserID = &actor.UserID
	}
	return s.payments.List(ctx, f, limit, offset)
}

type PayInput struct {
	Method Method  `json:"method"`
	Note   *string `json:"note,omitempty"`
}

// Pay settles a payment in full at the cashier. Whatever installments are
// still open are closed with it.
func (s *Service) Pay(ctx context.Context, actor auth.Actor, id uuid.UUID, in PayInput) (*Payment, error) {
	if !in.Method.Valid() {
		return nil, validation.Fieldf("method", "must be one of cash, transfer, insurance or qris")
	}
	var p *Payment
	err := s.tx.InScopedTx(ctx, paymentScope(id), func(ctx context.Context) error {
		var err error
		if p, err = s.payments.GetByID(ctx, id); err != nil {
			return err
		}
		return s.settle(ctx, actor, p, in.Method, in.Note)
	})
	if err != nil {
		return nil, err
	}
	s.paid(ctx, actor, p)
	return p, nil
}

// settle marks p paid. Callers hold the payment scope.
func (s *Service) settle(ctx context.Context, actor auth.Actor, p *Payment, method Method, note *string) error {
	if err := checkTransition(p.Status, PaymentPaid); err != nil {
		return err
	}
	now := s.now()
	p.Status = PaymentPaid
	p.Method = method
	p.PaidAt = &now
	if actor.UserID != uuid.Nil {
		p.ProcessedBy = &actor.UserID
	}
	if note != nil {
		p.Note = note
	}
	ok, err := s.payments.MarkPaid(ctx, p)
	if err != nil {
		return fmt.Errorf("mark payment paid: %w", err)
	}
	if !ok {
		return validation.Field("status", fmt.Errorf("%w: invoice %s is no longer pending", ErrInvalidTransition, p.InvoiceNumber))
	}
	closed, err := s.installments.CloseRemaining(ctx, p.ID, s.today())
	if err != nil {
		return fmt.Errorf("close installments: %w", err)
	}
	if closed > 0 {
		s.logger.Info().Str("invoice", p.InvoiceNumber).Int("installments", closed).Msg("open installments closed by settlement")
	}
	return nil
}

// paid runs after a settlement commits.
func (s *Service) paid(ctx context.Context, actor auth.Actor, p *Payment) {
	s.trail.Record(ctx, audit.Entry{
		Actor:       actor,
		Action:      audit.ActionStatus,
		EntityType:  "payment",
		EntityID:    p.ID.String(),
		Description: fmt.Sprintf("invoice %s paid by %s", p.InvoiceNumber, p.Method),
		Changes:     map[string]audit.Change{"status": {Old: PaymentPending, New: PaymentPaid}},
	})
	if s.notifier != nil {
		s.notifier.NotifyTemplate(ctx, p.PatientUserID, notification.TplPaymentPaid, map[string]string{
			"invoice_number": p.InvoiceNumber,
			"total":          FormatAmount(p.TotalCost),
		})
	}
}

// InvoiceQR returns the QR payload for a payment and keeps it on the
// payment. The stored payload follows the current total.
func (s *Service) InvoiceQR(ctx context.Context, actor auth.Actor, id uuid.UUID) (string, error) {
	p, err := s.Get(ctx, actor, id)
	if err != nil {
		return "", err
	}
	payload := InvoiceQRPayload(p.InvoiceNumber, p.TotalCost, p.PatientRecordNumber)
	if p.QRData != nil && *p.QRData == payload {
		return payload, nil
	}
	if err := s.payments.SetQRData(ctx, p.ID, payload); err != nil {
		return "", fmt.Errorf("store invoice qr: %w", err)
	}
	return payload, nil
}

// -- Installments --

type InstallmentPlanInput struct {
	Count     int    `json:"count"`
	StartDate string `json:"start_date"`
}

// CreateInstallments splits a pending payment into installments due every
// InstallmentInterval days from the start date, today by default.
func (s *Service) CreateInstallments(ctx context.Context, actor auth.Actor, paymentID uuid.UUID, in InstallmentPlanInput) ([]*Installment, error) {
	var r validation.Result
	r.Check("count", in.Count >= MinInstallments && in.Count <= MaxInstallments,
		fmt.Sprintf("must be between %d and %d", MinInstallments, MaxInstallments))
	start := s.today()
	if in.StartDate != "" {
		d, err := time.Parse("2006-01-02", in.StartDate)
		r.Check("start_date", err == nil, "must be a date in YYYY-MM-DD format")
		if err == nil {
			start = d
		}
	}
	if err := r.Err(); err != nil {
		return nil, err
	}

	var (
		p     *Payment
		items []*Installment
	)
	err := s.tx.InScopedTx(ctx, paymentScope(paymentID), func(ctx context.Context) error {
		var err error
		if p, err = s.payments.GetByID(ctx, paymentID); err != nil {
			return err
		}
		if p.Status != PaymentPending {
			return validation.Field("status", fmt.Errorf("%w: invoice %s is already paid", ErrInvalidTransition, p.InvoiceNumber))
		}
		if p.TotalCost <= 0 {
			return validation.Field("count", ErrNoCharges)
		}
		if !Splittable(p.TotalCost, in.Count) {
			return validation.Field("count", fmt.Errorf("%w: %s over %d", ErrTooSmallToSplit, FormatAmount(p.TotalCost), in.Count))
		}
		existing, err := s.installments.ListByPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return validation.Field("count", ErrHasInstallments)
		}
		items = SplitInstallments(paymentID, p.TotalCost, in.Count, start)
		return s.installments.CreateAll(ctx, items)
	})
	if err != nil {
		return nil, err
	}

	s.trail.Record(ctx, audit.Entry{
		Actor:       actor,
		Action:      audit.ActionCreate,
		EntityType:  "payment",
		EntityID:    p.ID.String(),
		Description: fmt.Sprintf("split invoice %s into %d installments", p.InvoiceNumber, in.Count),
	})
	return s.decorate(items), nil
}

func (s *Service) decorate(items []*Installment) []*Installment {
	today := s.today()
	for _, it := range items {
		it.Effective = it.EffectiveStatus(today)
	}
	return items
}

func (s *Service) ListInstallments(ctx context.Context, actor auth.Actor, paymentID uuid.UUID) ([]*Installment, error) {
	if _, err := s.Get(ctx, actor, paymentID); err != nil {
		return nil, err
	}
	items, err := s.installments.ListByPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	return s.decorate(items), nil
}

// PayInstallment settles one installment. Paying the last open installment
// settles the payment as well.
func (s *Service) PayInstallment(ctx context.Context, actor auth.Actor, installmentID uuid.UUID, note *string) (*Installment, error) {
	it, err := s.installments.GetByID(ctx, installmentID)
	if err != nil {
		return nil, err
	}
	var (
		p       *Payment
		settled bool
	)
	err = s.tx.InScopedTx(ctx, paymentScope(it.PaymentID), func(ctx context.Context) error {
		paidOn := s.today()
		ok, err := s.installments.MarkPaid(ctx, installmentID, paidOn, note)
		if err != nil {
			return fmt.Errorf("mark installment paid: %w", err)
		}
		if !ok {
			return validation.Field("status", fmt.Errorf("%w: installment %d is already paid", ErrInvalidTransition, it.Sequence))
		}
		it.Status, it.PaidDate = InstallmentPaid, &paidOn
		if note != nil {
			it.Note = note
		}

		all, err := s.installments.ListByPayment(ctx, it.PaymentID)
		if err != nil {
			return err
		}
		for _, other := range all {
			if other.Status != InstallmentPaid {
				return nil
			}
		}
		if p, err = s.payments.GetByID(ctx, it.PaymentID); err != nil {
			return err
		}
		if p.Status == PaymentPaid {
			return nil
		}
		// The plan is paid off but may not cover the current total.
		_, extra, err := Rebalance(all, p.TotalCost, paidOn)
		if err != nil {
			return validation.Field("amount", fmt.Errorf("%w: invoice %s", err, p.InvoiceNumber))
		}
		if extra != nil {
			s.logger.Warn().Str("invoice", p.InvoiceNumber).Str("owed", FormatAmount(extra.Amount)).
				Msg("installments short of invoice total, installment added")
			return s.installments.CreateAll(ctx, []*Installment{extra})
		}
		settled = true
		return s.settle(ctx, actor, p, p.Method, nil)
	})
	if err != nil {
		return nil, err
	}

	s.trail.Record(ctx, audit.Entry{
		Actor:       actor,
		Action:      audit.ActionStatus,
		EntityType:  "installment",
		EntityID:    installmentID.String(),
		Description: fmt.Sprintf("installment %d paid", it.Sequence),
		Changes:     map[string]audit.Change{"status": {Old: InstallmentPending, New: InstallmentPaid}},
	})
	if settled {
		s.paid(ctx, actor, p)
	}
	it.Effective = it.EffectiveStatus(s.today())
	return it, nil
}

// SendInstallmentReminders tells patients about installments due tomorrow
// and about every overdue installment. It returns how many reminders went
// out.
func (s *Service) SendInstallmentReminders(ctx context.Context) (int, error) {
	if s.notifier == nil {
		return 0, nil
	}
	today := s.today()
	due, err := s.installments.DueOn(ctx, today.AddDate(0, 0, 1))
	if err != nil {
		return 0, fmt.Errorf("list installments due: %w", err)
	}
	overdue, err := s.installments.OverdueOn(ctx, today)
	if err != nil {
		return 0, fmt.Errorf("list overdue installments: %w", err)
	}
	for _, n := range due {
		s.notifier.NotifyTemplate(ctx, n.PatientUserID, notification.TplInstallmentDue, installmentData(n))
	}
	for _, n := range overdue {
		s.notifier.NotifyTemplate(ctx, n.PatientUserID, notification.TplInstallmentOverdue, installmentData(n))
	}
	return len(due) + len(overdue), nil
}

func installmentData(n *InstallmentNotice) map[string]string {
	return map[string]string{
		"sequence":       fmt.Sprint(n.Sequence),
		"invoice_number": n.InvoiceNumber,
		"amount":         FormatAmount(n.Amount),
		"due_date":       n.DueDate.Format("2006-01-02"),
	}
}
