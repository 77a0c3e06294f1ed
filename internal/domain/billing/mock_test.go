package billing

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/klinik/clinic/internal/platform/db"
	"github.com/klinik/clinic/internal/platform/validation"
	"github.com/klinik/clinic/pkg/pagination"
)

// -- Mock Repositories --

type patientRef struct {
	userID       uuid.UUID
	name         string
	recordNumber string
}

type mockPaymentRepo struct {
	mu       sync.Mutex
	payments map[uuid.UUID]*Payment
	patients map[uuid.UUID]patientRef // by appointment
	writes   int
}

func newMockPaymentRepo() *mockPaymentRepo {
	return &mockPaymentRepo{
		payments: make(map[uuid.UUID]*Payment),
		patients: make(map[uuid.UUID]patientRef),
	}
}

func (m *mockPaymentRepo) Create(_ context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.payments {
		if existing.InvoiceNumber == p.InvoiceNumber {
			return fmt.Errorf("duplicate invoice number %s", p.InvoiceNumber)
		}
		if existing.AppointmentID == p.AppointmentID {
			return fmt.Errorf("appointment %s already has a payment", p.AppointmentID)
		}
	}
	p.ID = uuid.New()
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	cp := *p
	m.payments[p.ID] = &cp
	return nil
}

func (m *mockPaymentRepo) joined(p *Payment) *Payment {
	cp := *p
	ref := m.patients[p.AppointmentID]
	cp.PatientUserID, cp.PatientName, cp.PatientRecordNumber = ref.userID, ref.name, ref.recordNumber
	return &cp
}

func (m *mockPaymentRepo) GetByID(_ context.Context, id uuid.UUID) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, fmt.Errorf("payment %s: %w", id, validation.ErrNotFound)
	}
	return m.joined(p), nil
}

func (m *mockPaymentRepo) GetByAppointment(_ context.Context, appointmentID uuid.UUID) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.AppointmentID == appointmentID {
			return m.joined(p), nil
		}
	}
	return nil, fmt.Errorf("payment for appointment %s: %w", appointmentID, validation.ErrNotFound)
}

func (m *mockPaymentRepo) List(_ context.Context, f PaymentFilter, limit, offset int) ([]*Payment, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*Payment
	for _, p := range m.payments {
		j := m.joined(p)
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.Method != "" && j.Method != f.Method {
			continue
		}
		if f.PatientUserID != nil && j.PatientUserID != *f.PatientUserID {
			continue
		}
		if f.Search != "" && !strings.Contains(j.InvoiceNumber, f.Search) {
			continue
		}
		result = append(result, j)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].InvoiceNumber < result[j].InvoiceNumber })
	return pagination.Window(result, limit, offset), len(result), nil
}

func (m *mockPaymentRepo) LastInvoiceNumber(_ context.Context, prefix string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	last := ""
	for _, p := range m.payments {
		if strings.HasPrefix(p.InvoiceNumber, prefix) && p.InvoiceNumber > last {
			last = p.InvoiceNumber
		}
	}
	return last, nil
}

func (m *mockPaymentRepo) UpdateTotals(_ context.Context, p *Payment) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.payments[p.ID]
	if !ok {
		return false, fmt.Errorf("payment %s: %w", p.ID, validation.ErrNotFound)
	}
	if existing.Status != PaymentPending {
		return false, nil
	}
	existing.ConsultationFee = p.ConsultationFee
	existing.MedicationCost = p.MedicationCost
	existing.ProcedureCost = p.ProcedureCost
	existing.TotalCost = p.TotalCost
	m.writes++
	return true, nil
}

func (m *mockPaymentRepo) MarkPaid(_ context.Context, p *Payment) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.payments[p.ID]
	if !ok || existing.Status != PaymentPending {
		return false, nil
	}
	existing.Status = PaymentPaid
	existing.Method = p.Method
	existing.PaidAt = p.PaidAt
	existing.ProcessedBy = p.ProcessedBy
	if p.Note != nil {
		existing.Note = p.Note
	}
	return true, nil
}

func (m *mockPaymentRepo) SetQRData(_ context.Context, id uuid.UUID, data string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments[id].QRData = &data
	m.writes++
	return nil
}

type mockCharges struct {
	mu      sync.Mutex
	charges map[uuid.UUID]Charges
	// onRead, when set, runs on every read before the charges are returned.
	onRead func()
}

func (m *mockCharges) set(appointmentID uuid.UUID, c Charges) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.charges[appointmentID] = c
}

// Charges of an unknown appointment are all zero.
func (m *mockCharges) Charges(_ context.Context, appointmentID uuid.UUID) (Charges, error) {
	m.mu.Lock()
	hook := m.onRead
	m.mu.Unlock()
	if hook != nil {
		hook()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.charges[appointmentID], nil
}

type mockInstallmentRepo struct {
	mu       sync.Mutex
	items    map[uuid.UUID]*Installment
	payments *mockPaymentRepo
}

func (m *mockInstallmentRepo) CreateAll(_ context.Context, items []*Installment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range items {
		it.ID = uuid.New()
		it.CreatedAt = time.Now()
		cp := *it
		m.items[it.ID] = &cp
	}
	return nil
}

func (m *mockInstallmentRepo) ListByPayment(_ context.Context, paymentID uuid.UUID) ([]*Installment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*Installment
	for _, it := range m.items {
		if it.PaymentID == paymentID {
			cp := *it
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Sequence < result[j].Sequence })
	return result, nil
}

func (m *mockInstallmentRepo) GetByID(_ context.Context, id uuid.UUID) (*Installment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return nil, fmt.Errorf("installment %s: %w", id, validation.ErrNotFound)
	}
	cp := *it
	return &cp, nil
}

func (m *mockInstallmentRepo) MarkPaid(_ context.Context, id uuid.UUID, paidDate time.Time, note *string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok || it.Status != InstallmentPending {
		return false, nil
	}
	it.Status = InstallmentPaid
	it.PaidDate = &paidDate
	if note != nil {
		it.Note = note
	}
	return true, nil
}

func (m *mockInstallmentRepo) SetAmount(_ context.Context, id uuid.UUID, amount float64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok || it.Status != InstallmentPending {
		return false, nil
	}
	it.Amount = amount
	return true, nil
}

func (m *mockInstallmentRepo) CloseRemaining(_ context.Context, paymentID uuid.UUID, paidDate time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, it := range m.items {
		if it.PaymentID == paymentID && it.Status == InstallmentPending {
			it.Status = InstallmentPaid
			it.PaidDate = &paidDate
			n++
		}
	}
	return n, nil
}

func (m *mockInstallmentRepo) notices(keep func(*Installment) bool) []*InstallmentNotice {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*InstallmentNotice
	for _, it := range m.items {
		if it.Status != InstallmentPending || !keep(it) {
			continue
		}
		p, err := m.payments.GetByID(context.Background(), it.PaymentID)
		if err != nil || p.Status != PaymentPending {
			continue
		}
		result = append(result, &InstallmentNotice{Installment: *it, InvoiceNumber: p.InvoiceNumber, PatientUserID: p.PatientUserID})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Sequence < result[j].Sequence })
	return result
}

func (m *mockInstallmentRepo) DueOn(_ context.Context, day time.Time) ([]*InstallmentNotice, error) {
	return m.notices(func(it *Installment) bool { return it.DueDate.Equal(day) }), nil
}

func (m *mockInstallmentRepo) OverdueOn(_ context.Context, day time.Time) ([]*InstallmentNotice, error) {
	return m.notices(func(it *Installment) bool { return it.DueDate.Before(day) }), nil
}

type mockTransactionRepo struct {
	mu    sync.Mutex
	items map[uuid.UUID]*Transaction
}

func (m *mockTransactionRepo) Create(_ context.Context, t *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.ID = uuid.New()
	t.CreatedAt = time.Now()
	cp := *t
	m.items[t.ID] = &cp
	return nil
}

func (m *mockTransactionRepo) GetByID(_ context.Context, id uuid.UUID) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.items[id]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", id, validation.ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

func (m *mockTransactionRepo) GetByReference(_ context.Context, ref string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.items {
		if t.TransactionID == ref {
			cp := *t
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("transaction %s: %w", ref, validation.ErrNotFound)
}

func (m *mockTransactionRepo) ListByPayment(_ context.Context, paymentID uuid.UUID) ([]*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*Transaction
	for _, t := range m.items {
		if t.PaymentID == paymentID {
			cp := *t
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *mockTransactionRepo) UpdateStatus(_ context.Context, id uuid.UUID, from, to TransactionStatus, response map[string]interface{}) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.items[id]
	if !ok || t.Status != from {
		return false, nil
	}
	t.Status = to
	if t.Response == nil {
		t.Response = map[string]interface{}{}
	}
	for k, v := range response {
		t.Response[k] = v
	}
	return true, nil
}

// -- Recording Notifier --

type sentNotification struct {
	UserID   uuid.UUID
	Template string
	Data     map[string]string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
}

func (n *recordingNotifier) NotifyTemplate(_ context.Context, userID uuid.UUID, templateID string, data map[string]string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotification{UserID: userID, Template: templateID, Data: data})
}

func (n *recordingNotifier) byTemplate(id string) []sentNotification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []sentNotification
	for _, s := range n.sent {
		if s.Template == id {
			out = append(out, s)
		}
	}
	return out
}

// -- Environment --

type testEnv struct {
	svc          *Service
	payments     *mockPaymentRepo
	charges      *mockCharges
	installments *mockInstallmentRepo
	transactions *mockTransactionRepo
	notifier     *recordingNotifier
	patient      uuid.UUID
}

// testNow is 2024-06-03 10:00 in the clinic.
var testNow = time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)

func newTestEnv() *testEnv {
	payments := newMockPaymentRepo()
	env := &testEnv{
		payments:     payments,
		charges:      &mockCharges{charges: make(map[uuid.UUID]Charges)},
		installments: &mockInstallmentRepo{items: make(map[uuid.UUID]*Installment), payments: payments},
		transactions: &mockTransactionRepo{items: make(map[uuid.UUID]*Transaction)},
		notifier:     &recordingNotifier{},
		patient:      uuid.New(),
	}
	svc := NewService(env.payments, env.installments, env.transactions, env.charges, db.NewLocalTxManager())
	svc.now = func() time.Time { return testNow }
	svc.SetNotifier(env.notifier)
	env.svc = svc
	return env
}

// addAppointment registers a completed appointment of the env's patient
// with the given charges.
func (env *testEnv) addAppointment(c Charges) uuid.UUID {
	id := uuid.New()
	env.payments.mu.Lock()
	env.payments.patients[id] = patientRef{userID: env.patient, name: "Ani Wijaya", recordNumber: "RM202400001"}
	env.payments.mu.Unlock()
	env.charges.set(id, c)
	return id
}
