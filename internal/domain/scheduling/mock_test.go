package scheduling

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/klinik/clinic/internal/domain/identity"
	"github.com/klinik/clinic/internal/platform/db"
	"github.com/klinik/clinic/internal/platform/idgen"
	"github.com/klinik/clinic/internal/platform/validation"
	"github.com/klinik/clinic/pkg/pagination"
)

// -- Mock Repositories --

type mockAppointmentRepo struct {
	mu    sync.Mutex
	appts map[uuid.UUID]*Appointment
}

func newMockAppointmentRepo() *mockAppointmentRepo {
	return &mockAppointmentRepo{appts: make(map[uuid.UUID]*Appointment)}
}

func (m *mockAppointmentRepo) Create(_ context.Context, a *Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.appts {
		if existing.DoctorID == a.DoctorID && existing.Date.Equal(a.Date) && existing.QueueNumber == a.QueueNumber {
			return fmt.Errorf("duplicate queue number %s", a.QueueNumber)
		}
	}
	a.ID = uuid.New()
	a.CreatedAt = time.Now()
	a.UpdatedAt = a.CreatedAt
	cp := *a
	m.appts[a.ID] = &cp
	return nil
}

func (m *mockAppointmentRepo) GetByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok {
		return nil, fmt.Errorf("appointment %s: %w", id, validation.ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (m *mockAppointmentRepo) UpdateStatus(_ context.Context, id uuid.UUID, from, to Status, note *string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok || a.Status != from {
		return false, nil
	}
	a.Status = to
	if note != nil {
		a.Note = note
	}
	a.UpdatedAt = time.Now()
	return true, nil
}

func (m *mockAppointmentRepo) List(_ context.Context, f Filter, limit, offset int) ([]*Appointment, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*Appointment
	for _, a := range m.appts {
		if f.PatientID != nil && a.PatientID != *f.PatientID {
			continue
		}
		if f.DoctorID != nil && a.DoctorID != *f.DoctorID {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		if f.Date != nil && !a.Date.Equal(*f.Date) {
			continue
		}
		if f.Search != "" && !strings.Contains(strings.ToLower(a.PatientName), strings.ToLower(f.Search)) {
			continue
		}
		cp := *a
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].QueueNumber < result[j].QueueNumber })
	return pagination.Window(result, limit, offset), len(result), nil
}

func (m *mockAppointmentRepo) LastQueueNumber(_ context.Context, doctorID uuid.UUID, date time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	last := ""
	for _, a := range m.appts {
		if a.DoctorID != doctorID || !a.Date.Equal(date) {
			continue
		}
		if last == "" || idgen.QueueSeq(a.QueueNumber) > idgen.QueueSeq(last) {
			last = a.QueueNumber
		}
	}
	return last, nil
}

func (m *mockAppointmentRepo) HasActiveBooking(_ context.Context, patientID, doctorID uuid.UUID, date time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.appts {
		if a.PatientID == patientID && a.DoctorID == doctorID && a.Date.Equal(date) && a.Status.Active() {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockAppointmentRepo) Queue(_ context.Context, doctorID *uuid.UUID, date time.Time) ([]*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*Appointment
	for _, a := range m.appts {
		if !a.Date.Equal(date) || !a.Status.Active() {
			continue
		}
		if doctorID != nil && a.DoctorID != *doctorID {
			continue
		}
		cp := *a
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		si, sj := idgen.QueueSeq(result[i].QueueNumber), idgen.QueueSeq(result[j].QueueNumber)
		if si != sj {
			return si < sj
		}
		return result[i].QueueNumber < result[j].QueueNumber
	})
	return result, nil
}

// -- Mock Directory --

type mockDirectory struct {
	doctors  map[uuid.UUID]*identity.Doctor
	patients map[uuid.UUID]*identity.Patient
}

func newMockDirectory() *mockDirectory {
	return &mockDirectory{
		doctors:  make(map[uuid.UUID]*identity.Doctor),
		patients: make(map[uuid.UUID]*identity.Patient),
	}
}

func (m *mockDirectory) addDoctor(firstName string, schedule identity.WeeklySchedule) *identity.Doctor {
	d := &identity.Doctor{
		ID:              uuid.New(),
		UserID:          uuid.New(),
		Specialty:       "general",
		LicenseNumber:   "SIP-" + firstName,
		Schedule:        schedule,
		ConsultationFee: 150000,
		Active:          true,
		FirstName:       firstName,
	}
	m.doctors[d.ID] = d
	return d
}

func (m *mockDirectory) addPatient(firstName, recordNumber string) *identity.Patient {
	p := &identity.Patient{
		ID:           uuid.New(),
		UserID:       uuid.New(),
		RecordNumber: recordNumber,
		FirstName:    firstName,
	}
	m.patients[p.ID] = p
	return p
}

func (m *mockDirectory) GetDoctor(_ context.Context, id uuid.UUID) (*identity.Doctor, error) {
	d, ok := m.doctors[id]
	if !ok {
		return nil, fmt.Errorf("doctor %s: %w", id, validation.ErrNotFound)
	}
	return d, nil
}

func (m *mockDirectory) GetPatient(_ context.Context, id uuid.UUID) (*identity.Patient, error) {
	p, ok := m.patients[id]
	if !ok {
		return nil, fmt.Errorf("patient %s: %w", id, validation.ErrNotFound)
	}
	return p, nil
}

func (m *mockDirectory) PatientForUser(_ context.Context, userID uuid.UUID) (*identity.Patient, error) {
	for _, p := range m.patients {
		if p.UserID == userID {
			return p, nil
		}
	}
	return nil, fmt.Errorf("patient for user %s: %w", userID, validation.ErrNotFound)
}

func (m *mockDirectory) DoctorForUser(_ context.Context, userID uuid.UUID) (*identity.Doctor, error) {
	for _, d := range m.doctors {
		if d.UserID == userID {
			return d, nil
		}
	}
	return nil, fmt.Errorf("doctor for user %s: %w", userID, validation.ErrNotFound)
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

func (n *recordingNotifier) all() []sentNotification {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]sentNotification, len(n.sent))
	copy(out, n.sent)
	return out
}

type testEnv struct {
	svc      *Service
	repo     *mockAppointmentRepo
	dir      *mockDirectory
	notifier *recordingNotifier
}

// weekdays practises Monday to Friday, 08:00 to 12:00.
var weekdays = identity.WeeklySchedule{
	"monday":    {Start: "08:00", End: "12:00"},
	"tuesday":   {Start: "08:00", End: "12:00"},
	"wednesday": {Start: "08:00", End: "12:00"},
	"thursday":  {Start: "08:00", End: "12:00"},
	"friday":    {Start: "08:00", End: "12:00"},
}

func newTestEnv() *testEnv {
	repo := newMockAppointmentRepo()
	dir := newMockDirectory()
	svc := NewService(repo, dir, db.NewLocalTxManager())
	n := &recordingNotifier{}
	svc.SetNotifier(n)
	// Monday 3 June 2024.
	svc.now = func() time.Time { return time.Date(2024, 6, 3, 7, 0, 0, 0, time.UTC) }
	return &testEnv{svc: svc, repo: repo, dir: dir, notifier: n}
}
