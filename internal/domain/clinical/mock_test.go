package clinical

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/klinik/clinic/internal/domain/billing"
	"github.com/klinik/clinic/internal/domain/pharmacy"
	"github.com/klinik/clinic/internal/domain/scheduling"
	"github.com/klinik/clinic/internal/platform/auth"
	"github.com/klinik/clinic/internal/platform/db"
	"github.com/klinik/clinic/internal/platform/validation"
	"github.com/klinik/clinic/pkg/pagination"
)

// -- Mock Repositories --

type mockProcedureRepo struct {
	mu    sync.Mutex
	procs map[uuid.UUID]*Procedure
}

func newMockProcedureRepo() *mockProcedureRepo {
	return &mockProcedureRepo{procs: make(map[uuid.UUID]*Procedure)}
}

func (m *mockProcedureRepo) Create(_ context.Context, p *Procedure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.ID = uuid.New()
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	cp := *p
	m.procs[p.ID] = &cp
	return nil
}

func (m *mockProcedureRepo) GetByID(_ context.Context, id uuid.UUID) (*Procedure, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.procs[id]
	if !ok {
		return nil, fmt.Errorf("procedure %s: %w", id, validation.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (m *mockProcedureRepo) Update(_ context.Context, p *Procedure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.procs[p.ID]; !ok {
		return fmt.Errorf("procedure %s: %w", p.ID, validation.ErrNotFound)
	}
	cp := *p
	m.procs[p.ID] = &cp
	return nil
}

func (m *mockProcedureRepo) List(_ context.Context, f ProcedureFilter, limit, offset int) ([]*Procedure, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*Procedure
	for _, p := range m.procs {
		if f.Category != "" && p.Category != f.Category {
			continue
		}
		if f.ActiveOnly && !p.Active {
			continue
		}
		if f.Search != "" && !strings.Contains(strings.ToLower(p.Name), strings.ToLower(f.Search)) {
			continue
		}
		cp := *p
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return pagination.Window(result, limit, offset), len(result), nil
}

type attachment struct{ record, procedure uuid.UUID }

type mockRecordRepo struct {
	mu       sync.Mutex
	records  map[uuid.UUID]*MedicalRecord
	attached map[attachment]bool
	procs    *mockProcedureRepo
	appts    *mockAppointments
}

func newMockRecordRepo(procs *mockProcedureRepo, appts *mockAppointments) *mockRecordRepo {
	return &mockRecordRepo{
		records:  make(map[uuid.UUID]*MedicalRecord),
		attached: make(map[attachment]bool),
		procs:    procs,
		appts:    appts,
	}
}

func (m *mockRecordRepo) Create(_ context.Context, r *MedicalRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.records {
		if existing.AppointmentID == r.AppointmentID {
			return validation.Field("appointment_id", ErrRecordExists)
		}
	}
	r.ID = uuid.New()
	r.CreatedAt = time.Now()
	r.UpdatedAt = r.CreatedAt
	if a := m.appts.get(r.AppointmentID); a != nil {
		r.PatientUserID, r.PatientName, r.PatientRecordNumber = a.PatientUserID, a.PatientName, a.PatientRecordNumber
		r.DoctorUserID, r.DoctorName = a.DoctorUserID, a.DoctorName
	}
	cp := *r
	m.records[r.ID] = &cp
	return nil
}

// withProcedures copies r and joins its attached procedures. m.mu is held.
func (m *mockRecordRepo) withProcedures(r *MedicalRecord) *MedicalRecord {
	cp := *r
	cp.Procedures = []*Procedure{}
	for a := range m.attached {
		if a.record != r.ID {
			continue
		}
		if p, err := m.procs.GetByID(context.Background(), a.procedure); err == nil {
			cp.Procedures = append(cp.Procedures, p)
		}
	}
	sort.Slice(cp.Procedures, func(i, j int) bool { return cp.Procedures[i].Name < cp.Procedures[j].Name })
	return &cp
}

func (m *mockRecordRepo) GetByID(_ context.Context, id uuid.UUID) (*MedicalRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("medical record %s: %w", id, validation.ErrNotFound)
	}
	return m.withProcedures(r), nil
}

func (m *mockRecordRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*MedicalRecord, error) {
	return m.GetByID(ctx, id)
}

func (m *mockRecordRepo) GetByAppointment(_ context.Context, appointmentID uuid.UUID) (*MedicalRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.AppointmentID == appointmentID {
			return m.withProcedures(r), nil
		}
	}
	return nil, fmt.Errorf("medical record %s: %w", appointmentID, validation.ErrNotFound)
}

func (m *mockRecordRepo) Update(_ context.Context, r *MedicalRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.records[r.ID]
	if !ok {
		return fmt.Errorf("medical record %s: %w", r.ID, validation.ErrNotFound)
	}
	existing.Diagnosis, existing.Anamnesis = r.Diagnosis, r.Anamnesis
	existing.PhysicalExam, existing.Note = r.PhysicalExam, r.Note
	existing.UpdatedAt = time.Now()
	return nil
}

func (m *mockRecordRepo) SetTimes(_ context.Context, id uuid.UUID, start, end *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.records[id]
	if !ok {
		return fmt.Errorf("medical record %s: %w", id, validation.ErrNotFound)
	}
	existing.StartTime, existing.EndTime = start, end
	return nil
}

func (m *mockRecordRepo) List(_ context.Context, f RecordFilter, limit, offset int) ([]*MedicalRecord, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*MedicalRecord
	for _, r := range m.records {
		if f.PatientID != nil && r.PatientID != *f.PatientID {
			continue
		}
		if f.DoctorID != nil && r.DoctorID != *f.DoctorID {
			continue
		}
		if f.PatientUserID != nil && r.PatientUserID != *f.PatientUserID {
			continue
		}
		if f.DoctorUserID != nil && r.DoctorUserID != *f.DoctorUserID {
			continue
		}
		result = append(result, m.withProcedures(r))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return pagination.Window(result, limit, offset), len(result), nil
}

func (m *mockRecordRepo) AttachProcedure(_ context.Context, recordID, procedureID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := attachment{recordID, procedureID}
	if m.attached[key] {
		return false, nil
	}
	m.attached[key] = true
	return true, nil
}

func (m *mockRecordRepo) DetachProcedure(_ context.Context, recordID, procedureID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := attachment{recordID, procedureID}
	if !m.attached[key] {
		return false, nil
	}
	delete(m.attached, key)
	return true, nil
}

// -- Mock collaborators --

type mockAppointments struct {
	mu    sync.Mutex
	appts map[uuid.UUID]*scheduling.Appointment
}

func (m *mockAppointments) get(id uuid.UUID) *scheduling.Appointment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appts[id]
}

func (m *mockAppointments) Get(_ context.Context, actor auth.Actor, id uuid.UUID) (*scheduling.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok || (actor.Is(auth.RoleDoctor) && a.DoctorUserID != actor.UserID) {
		return nil, fmt.Errorf("appointment %s: %w", id, validation.ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (m *mockAppointments) MarkCompleted(_ context.Context, _ auth.Actor, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok {
		return fmt.Errorf("appointment %s: %w", id, validation.ErrNotFound)
	}
	if a.Status != scheduling.StatusConfirmed {
		return validation.Fieldf("status", "appointment is %s", a.Status)
	}
	a.Status = scheduling.StatusCompleted
	return nil
}

type mockPrescriber struct {
	calls int
	lines []pharmacy.LineInput
	err   error
}

func (m *mockPrescriber) CreatePrescription(_ context.Context, _ auth.Actor, recordID uuid.UUID, lines []pharmacy.LineInput) (*pharmacy.Prescription, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	m.lines = append(m.lines, lines...)
	return &pharmacy.Prescription{ID: uuid.New(), MedicalRecordID: recordID, Status: pharmacy.PrescriptionPending}, nil
}

type mockBilling struct {
	mu         sync.Mutex
	payments   map[uuid.UUID]*billing.Payment
	recomputes int
}

func (m *mockBilling) CreateForAppointment(_ context.Context, _ auth.Actor, appointmentID uuid.UUID) (*billing.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.payments[appointmentID]; ok {
		return p, nil
	}
	p := &billing.Payment{
		ID:            uuid.New(),
		AppointmentID: appointmentID,
		InvoiceNumber: fmt.Sprintf("INV-20240603-%04d", len(m.payments)+1),
		Status:        billing.PaymentPending,
	}
	m.payments[appointmentID] = p
	return p, nil
}

func (m *mockBilling) RecomputeForAppointment(_ context.Context, appointmentID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payments[appointmentID]; ok {
		m.recomputes++
	}
	return nil
}

// -- Test environment --

var testNow = time.Date(2024, 6, 3, 9, 30, 0, 0, time.UTC)

type testEnv struct {
	svc     *Service
	procs   *mockProcedureRepo
	records *mockRecordRepo
	appts   *mockAppointments
	rx      *mockPrescriber
	billing *mockBilling
	now     time.Time

	doctor  auth.Actor
	patient auth.Actor
	admin   auth.Actor
}

func newTestEnv() *testEnv {
	appts := &mockAppointments{appts: make(map[uuid.UUID]*scheduling.Appointment)}
	procs := newMockProcedureRepo()
	env := &testEnv{
		procs:   procs,
		records: newMockRecordRepo(procs, appts),
		appts:   appts,
		rx:      &mockPrescriber{},
		billing: &mockBilling{payments: make(map[uuid.UUID]*billing.Payment)},
		now:     testNow,
		doctor:  auth.Actor{UserID: uuid.New(), Role: auth.RoleDoctor},
		patient: auth.Actor{UserID: uuid.New(), Role: auth.RolePatient},
		admin:   auth.Actor{UserID: uuid.New(), Role: auth.RoleAdmin},
	}
	env.svc = NewService(procs, env.records, appts, env.rx, env.billing, db.NewLocalTxManager())
	env.svc.now = func() time.Time { return env.now }
	return env
}

// addAppointment registers an appointment of the env's patient with the
// env's doctor.
func (env *testEnv) addAppointment(status scheduling.Status) *scheduling.Appointment {
	a := &scheduling.Appointment{
		ID:                  uuid.New(),
		PatientID:           uuid.New(),
		DoctorID:            uuid.New(),
		Status:              status,
		QueueNumber:         "BUD-01",
		PatientUserID:       env.patient.UserID,
		PatientName:         "Ani Wijaya",
		PatientRecordNumber: "RM202400001",
		DoctorUserID:        env.doctor.UserID,
		DoctorName:          "Budi Santoso",
	}
	env.appts.mu.Lock()
	env.appts.appts[a.ID] = a
	env.appts.mu.Unlock()
	return a
}

func (env *testEnv) appointmentStatus(id uuid.UUID) scheduling.Status {
	return env.appts.get(id).Status
}

func (env *testEnv) addProcedure(name string, fee float64, active bool) *Procedure {
	p := &Procedure{Name: name, Fee: fee, Category: CategoryExamination, Active: active}
	_ = env.procs.Create(context.Background(), p)
	return p
}
