package pharmacy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/klinik/clinic/internal/platform/auth"
	"github.com/klinik/clinic/internal/platform/db"
	"github.com/klinik/clinic/internal/platform/validation"
	"github.com/klinik/clinic/pkg/pagination"
)

// -- Mock Repositories --

type mockMedicationRepo struct {
	mu          sync.Mutex
	meds        map[uuid.UUID]*Medication
	adjustments []*StockAdjustment
}

func newMockMedicationRepo() *mockMedicationRepo {
	return &mockMedicationRepo{meds: make(map[uuid.UUID]*Medication)}
}

func (m *mockMedicationRepo) Create(_ context.Context, med *Medication) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	med.ID = uuid.New()
	med.CreatedAt = time.Now()
	med.UpdatedAt = med.CreatedAt
	cp := *med
	m.meds[med.ID] = &cp
	return nil
}

func (m *mockMedicationRepo) GetByID(_ context.Context, id uuid.UUID) (*Medication, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	med, ok := m.meds[id]
	if !ok {
		return nil, fmt.Errorf("medication %s: %w", id, validation.ErrNotFound)
	}
	cp := *med
	return &cp, nil
}

func (m *mockMedicationRepo) Update(_ context.Context, med *Medication) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.meds[med.ID]
	if !ok {
		return fmt.Errorf("medication %s: %w", med.ID, validation.ErrNotFound)
	}
	cp := *med
	cp.Stock = existing.Stock
	m.meds[med.ID] = &cp
	return nil
}

func (m *mockMedicationRepo) filter(keep func(*Medication) bool) []*Medication {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*Medication
	for _, med := range m.meds {
		if keep(med) {
			cp := *med
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

func (m *mockMedicationRepo) List(_ context.Context, f MedicationFilter, limit, offset int) ([]*Medication, int, error) {
	result := m.filter(func(med *Medication) bool {
		if f.ActiveOnly && !med.Active {
			return false
		}
		if f.Category != "" && med.Category != f.Category {
			return false
		}
		return f.Search == "" || strings.Contains(strings.ToLower(med.Name), strings.ToLower(f.Search))
	})
	return pagination.Window(result, limit, offset), len(result), nil
}

func (m *mockMedicationRepo) LowStock(_ context.Context, threshold int) ([]*Medication, error) {
	return m.filter(func(med *Medication) bool { return med.Active && med.Stock < threshold }), nil
}

func (m *mockMedicationRepo) ExpiringBetween(_ context.Context, from, to time.Time) ([]*Medication, error) {
	return m.filter(func(med *Medication) bool {
		return med.Active && med.ExpiryDate != nil && med.ExpiryDate.After(from) && !med.ExpiryDate.After(to)
	}), nil
}

func (m *mockMedicationRepo) ExpiredOn(_ context.Context, day time.Time) ([]*Medication, error) {
	return m.filter(func(med *Medication) bool {
		return med.Active && med.ExpiryDate != nil && !med.ExpiryDate.After(day)
	}), nil
}

func (m *mockMedicationRepo) Deduct(ctx context.Context, id uuid.UUID, qty int) (int, bool, error) {
	return m.Adjust(ctx, id, -qty)
}

func (m *mockMedicationRepo) Adjust(_ context.Context, id uuid.UUID, delta int) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	med, ok := m.meds[id]
	if !ok || med.Stock+delta < 0 {
		return 0, false, nil
	}
	med.Stock += delta
	return med.Stock, true, nil
}

func (m *mockMedicationRepo) RecordAdjustment(_ context.Context, a *StockAdjustment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.ID = uuid.New()
	a.CreatedAt = time.Now()
	cp := *a
	m.adjustments = append(m.adjustments, &cp)
	return nil
}

func (m *mockMedicationRepo) ListAdjustments(_ context.Context, medicationID uuid.UUID, limit, offset int) ([]*StockAdjustment, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*StockAdjustment
	for _, a := range m.adjustments {
		if a.MedicationID == medicationID {
			result = append(result, a)
		}
	}
	return pagination.Window(result, limit, offset), len(result), nil
}

func (m *mockMedicationRepo) stock(id uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.meds[id].Stock
}

func (m *mockMedicationRepo) snapshot() map[uuid.UUID]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uuid.UUID]int, len(m.meds))
	for id, med := range m.meds {
		out[id] = med.Stock
	}
	return out
}

func (m *mockMedicationRepo) restore(stock map[uuid.UUID]int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, n := range stock {
		m.meds[id].Stock = n
	}
}

type mockPrescriptionRepo struct {
	mu      sync.Mutex
	meds    *mockMedicationRepo
	records map[uuid.UUID]RecordRef
	rx      map[uuid.UUID]*Prescription
	lines   map[uuid.UUID]*Line
}

func newMockPrescriptionRepo(meds *mockMedicationRepo) *mockPrescriptionRepo {
	return &mockPrescriptionRepo{
		meds:    meds,
		records: make(map[uuid.UUID]RecordRef),
		rx:      make(map[uuid.UUID]*Prescription),
		lines:   make(map[uuid.UUID]*Line),
	}
}

func (m *mockPrescriptionRepo) RecordRef(_ context.Context, id uuid.UUID) (RecordRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref, ok := m.records[id]
	if !ok {
		return RecordRef{}, fmt.Errorf("medical record %s: %w", id, validation.ErrNotFound)
	}
	return ref, nil
}

func (m *mockPrescriptionRepo) Create(_ context.Context, p *Prescription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.ID = uuid.New()
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	cp := *p
	cp.Lines = nil
	m.rx[p.ID] = &cp
	return nil
}

func (m *mockPrescriptionRepo) GetByID(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rx[id]
	if !ok {
		return nil, fmt.Errorf("prescription %s: %w", id, validation.ErrNotFound)
	}
	cp := *p
	cp.Lines = nil
	for _, l := range m.lines {
		if l.PrescriptionID != id {
			continue
		}
		lc := *l
		if med, err := m.meds.GetByID(ctx, l.MedicationID); err == nil {
			lc.MedicationName, lc.MedicationUnit = med.Name, med.Unit
		}
		cp.Lines = append(cp.Lines, &lc)
	}
	sort.Slice(cp.Lines, func(i, j int) bool { return cp.Lines[i].MedicationName < cp.Lines[j].MedicationName })
	return &cp, nil
}

func (m *mockPrescriptionRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	return m.GetByID(ctx, id)
}

func (m *mockPrescriptionRepo) List(ctx context.Context, f PrescriptionFilter, limit, offset int) ([]*Prescription, int, error) {
	m.mu.Lock()
	var ids []uuid.UUID
	for id, p := range m.rx {
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		if f.MedicalRecordID != nil && p.MedicalRecordID != *f.MedicalRecordID {
			continue
		}
		if f.PatientUserID != nil && p.PatientUserID != *f.PatientUserID {
			continue
		}
		if f.DoctorUserID != nil && p.DoctorUserID != *f.DoctorUserID {
			continue
		}
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var result []*Prescription
	for _, id := range ids {
		p, err := m.GetByID(ctx, id)
		if err != nil {
			return nil, 0, err
		}
		result = append(result, p)
	}
	return pagination.Window(result, limit, offset), len(result), nil
}

func (m *mockPrescriptionRepo) UpdateStatus(_ context.Context, p *Prescription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.rx[p.ID]
	if !ok {
		return fmt.Errorf("prescription %s: %w", p.ID, validation.ErrNotFound)
	}
	existing.Status = p.Status
	existing.PharmacistNote = p.PharmacistNote
	existing.ProcessedBy = p.ProcessedBy
	existing.ProcessedAt = p.ProcessedAt
	return nil
}

func (m *mockPrescriptionRepo) AddLine(_ context.Context, l *Line) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.ID = uuid.New()
	cp := *l
	m.lines[l.ID] = &cp
	return nil
}

func (m *mockPrescriptionRepo) GetLine(_ context.Context, id uuid.UUID) (*Line, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lines[id]
	if !ok {
		return nil, fmt.Errorf("prescription line %s: %w", id, validation.ErrNotFound)
	}
	cp := *l
	return &cp, nil
}

func (m *mockPrescriptionRepo) UpdateLine(_ context.Context, l *Line) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.lines[l.ID]
	if !ok {
		return fmt.Errorf("prescription line %s: %w", l.ID, validation.ErrNotFound)
	}
	existing.Quantity = l.Quantity
	existing.Instructions = l.Instructions
	return nil
}

func (m *mockPrescriptionRepo) RemoveLine(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lines[id]; !ok {
		return fmt.Errorf("prescription line %s: %w", id, validation.ErrNotFound)
	}
	delete(m.lines, id)
	return nil
}

// -- Rolling Back Transactions --

// stockTx restores medication stock when a transaction fails, so tests can
// observe rollbacks.
type stockTx struct {
	local *db.LocalTxManager
	meds  *mockMedicationRepo
}

func (t *stockTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	before := t.meds.snapshot()
	if err := t.local.InTx(ctx, fn); err != nil {
		t.meds.restore(before)
		return err
	}
	return nil
}

func (t *stockTx) InScopedTx(ctx context.Context, scope string, fn func(ctx context.Context) error) error {
	return t.local.InScopedTx(ctx, scope, func(ctx context.Context) error {
		before := t.meds.snapshot()
		if err := fn(ctx); err != nil {
			t.meds.restore(before)
			return err
		}
		return nil
	})
}

// -- Collaborators --

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

type staticStaff map[auth.Role][]uuid.UUID

func (s staticStaff) UserIDsByRole(_ context.Context, role auth.Role) ([]uuid.UUID, error) {
	return s[role], nil
}

type countingRecomputer struct {
	mu    sync.Mutex
	calls []uuid.UUID
	err   error
}

func (r *countingRecomputer) RecomputeForAppointment(_ context.Context, appointmentID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, appointmentID)
	return r.err
}

func (r *countingRecomputer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// -- Environment --

type testEnv struct {
	svc        *Service
	meds       *mockMedicationRepo
	rx         *mockPrescriptionRepo
	notifier   *recordingNotifier
	recomputer *countingRecomputer
	pharmacist uuid.UUID
	doctor     auth.Actor
	patient    uuid.UUID
}

// testToday is the clinic date every test runs on.
var testToday = time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)

func newTestEnv() *testEnv {
	meds := newMockMedicationRepo()
	rx := newMockPrescriptionRepo(meds)
	env := &testEnv{
		meds:       meds,
		rx:         rx,
		notifier:   &recordingNotifier{},
		recomputer: &countingRecomputer{},
		pharmacist: uuid.New(),
		doctor:     auth.Actor{UserID: uuid.New(), Role: auth.RoleDoctor},
		patient:    uuid.New(),
	}
	svc := NewService(meds, rx, &stockTx{local: db.NewLocalTxManager(), meds: meds})
	svc.now = func() time.Time { return testToday.Add(9 * time.Hour) }
	svc.SetNotifier(env.notifier, staticStaff{auth.RolePharmacist: {env.pharmacist}})
	svc.SetRecomputer(env.recomputer)
	env.svc = svc
	return env
}

func (env *testEnv) addMedication(name string, stock int, price float64, expiry *time.Time) *Medication {
	m := &Medication{
		Name:       name,
		Category:   "tablet",
		Unit:       "tablet",
		Stock:      stock,
		SalePrice:  price,
		ExpiryDate: expiry,
		Active:     true,
	}
	_ = env.meds.Create(context.Background(), m)
	return m
}

// addRecord registers a medical record written by the env's doctor.
func (env *testEnv) addRecord() uuid.UUID {
	id := uuid.New()
	env.rx.mu.Lock()
	env.rx.records[id] = RecordRef{
		AppointmentID: uuid.New(),
		PatientUserID: env.patient,
		PatientName:   "Ani Wijaya",
		DoctorUserID:  env.doctor.UserID,
		DoctorName:    "Budi Santoso",
	}
	env.rx.mu.Unlock()
	return id
}

func daysFromToday(n int) *time.Time {
	d := testToday.AddDate(0, 0, n)
	return &d
}
