package identity

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/klinik/clinic/internal/platform/auth"
	"github.com/klinik/clinic/internal/platform/db"
	"github.com/klinik/clinic/internal/platform/validation"
	"github.com/klinik/clinic/pkg/pagination"
)

func uniqueViolation(constraint string) error {
	return &pgconn.PgError{Code: "23505", ConstraintName: constraint}
}

// -- Mock Repositories --

type mockStore struct {
	mu            sync.Mutex
	users         map[uuid.UUID]*User
	patients      map[uuid.UUID]*Patient
	doctors       map[uuid.UUID]*Doctor
	receptionists map[uuid.UUID]*Receptionist
	pharmacists   map[uuid.UUID]*Pharmacist
	cashiers      map[uuid.UUID]*Cashier
}

func newMockStore() *mockStore {
	return &mockStore{
		users:         make(map[uuid.UUID]*User),
		patients:      make(map[uuid.UUID]*Patient),
		doctors:       make(map[uuid.UUID]*Doctor),
		receptionists: make(map[uuid.UUID]*Receptionist),
		pharmacists:   make(map[uuid.UUID]*Pharmacist),
		cashiers:      make(map[uuid.UUID]*Cashier),
	}
}

type mockUserRepo struct{ *mockStore }

func (m mockUserRepo) Create(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.Username == u.Username {
			return uniqueViolation(constraintUsername)
		}
	}
	u.ID = uuid.New()
	u.CreatedAt = time.Now()
	u.UpdatedAt = u.CreatedAt
	m.users[u.ID] = u
	return nil
}

func (m mockUserRepo) GetByID(_ context.Context, id uuid.UUID) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, validation.ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

func (m mockUserRepo) ListByRole(_ context.Context, role auth.Role, limit, offset int) ([]*User, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*User
	for _, u := range m.users {
		if u.Role == role {
			result = append(result, u)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].FirstName < result[j].FirstName })
	return pagination.Window(result, limit, offset), len(result), nil
}

func (m mockUserRepo) IDsByRole(_ context.Context, role auth.Role) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []uuid.UUID
	for _, u := range m.users {
		if u.Role == role && u.Active {
			ids = append(ids, u.ID)
		}
	}
	return ids, nil
}

type mockPatientRepo struct{ *mockStore }

func (m mockPatientRepo) withUser(p *Patient) *Patient {
	cp := *p
	if u, ok := m.users[p.UserID]; ok {
		cp.FirstName, cp.LastName, cp.Phone = u.FirstName, u.LastName, u.Phone
	}
	return &cp
}

func (m mockPatientRepo) Create(_ context.Context, p *Patient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.patients {
		if existing.RecordNumber == p.RecordNumber {
			return uniqueViolation("patient_record_number_key")
		}
	}
	p.ID = uuid.New()
	p.CreatedAt = time.Now()
	m.patients[p.ID] = p
	return nil
}

func (m mockPatientRepo) GetByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patients[id]
	if !ok {
		return nil, fmt.Errorf("patient %s: %w", id, validation.ErrNotFound)
	}
	return m.withUser(p), nil
}

func (m mockPatientRepo) GetByUserID(_ context.Context, userID uuid.UUID) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.patients {
		if p.UserID == userID {
			return m.withUser(p), nil
		}
	}
	return nil, fmt.Errorf("patient for user %s: %w", userID, validation.ErrNotFound)
}

func (m mockPatientRepo) Update(_ context.Context, p *Patient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.patients[p.ID] = &cp
	return nil
}

func (m mockPatientRepo) List(_ context.Context, search string, limit, offset int) ([]*Patient, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*Patient
	for _, p := range m.patients {
		full := m.withUser(p)
		if search == "" || strings.Contains(full.RecordNumber, search) || strings.Contains(full.FullName(), search) {
			result = append(result, full)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].RecordNumber > result[j].RecordNumber })
	return pagination.Window(result, limit, offset), len(result), nil
}

func (m mockPatientRepo) LastRecordNumber(_ context.Context, prefix string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	last := ""
	for _, p := range m.patients {
		if strings.HasPrefix(p.RecordNumber, prefix) && p.RecordNumber > last {
			last = p.RecordNumber
		}
	}
	return last, nil
}

type mockDoctorRepo struct{ *mockStore }

func (m mockDoctorRepo) withUser(d *Doctor) *Doctor {
	cp := *d
	if u, ok := m.users[d.UserID]; ok {
		cp.FirstName, cp.LastName, cp.Phone = u.FirstName, u.LastName, u.Phone
	}
	return &cp
}

func (m mockDoctorRepo) Create(_ context.Context, d *Doctor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.doctors {
		if existing.LicenseNumber == d.LicenseNumber {
			return uniqueViolation(constraintDoctorLicense)
		}
	}
	d.ID = uuid.New()
	d.CreatedAt = time.Now()
	m.doctors[d.ID] = d
	return nil
}

func (m mockDoctorRepo) GetByID(_ context.Context, id uuid.UUID) (*Doctor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.doctors[id]
	if !ok {
		return nil, fmt.Errorf("doctor %s: %w", id, validation.ErrNotFound)
	}
	return m.withUser(d), nil
}

func (m mockDoctorRepo) GetByUserID(_ context.Context, userID uuid.UUID) (*Doctor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.doctors {
		if d.UserID == userID {
			return m.withUser(d), nil
		}
	}
	return nil, fmt.Errorf("doctor for user %s: %w", userID, validation.ErrNotFound)
}

func (m mockDoctorRepo) Update(_ context.Context, d *Doctor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.doctors[d.ID] = &cp
	return nil
}

func (m mockDoctorRepo) List(_ context.Context, f DoctorFilter, limit, offset int) ([]*Doctor, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*Doctor
	for _, d := range m.doctors {
		if f.ActiveOnly && !d.Active {
			continue
		}
		if f.Specialty != "" && d.Specialty != f.Specialty {
			continue
		}
		result = append(result, m.withUser(d))
	}
	return pagination.Window(result, limit, offset), len(result), nil
}

type mockStaffRepo struct{ *mockStore }

func (m mockStaffRepo) CreateReceptionist(_ context.Context, r *Receptionist) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.ID = uuid.New()
	m.receptionists[r.UserID] = r
	return nil
}

func (m mockStaffRepo) CreatePharmacist(_ context.Context, p *Pharmacist) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.pharmacists {
		if existing.LicenseNumber == p.LicenseNumber {
			return uniqueViolation(constraintPharmacistLicense)
		}
	}
	p.ID = uuid.New()
	m.pharmacists[p.UserID] = p
	return nil
}

func (m mockStaffRepo) CreateCashier(_ context.Context, c *Cashier) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.ID = uuid.New()
	m.cashiers[c.UserID] = c
	return nil
}

func (m mockStaffRepo) GetReceptionist(_ context.Context, userID uuid.UUID) (*Receptionist, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.receptionists[userID]; ok {
		return r, nil
	}
	return nil, validation.ErrNotFound
}

func (m mockStaffRepo) GetPharmacist(_ context.Context, userID uuid.UUID) (*Pharmacist, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pharmacists[userID]; ok {
		return p, nil
	}
	return nil, validation.ErrNotFound
}

func (m mockStaffRepo) GetCashier(_ context.Context, userID uuid.UUID) (*Cashier, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.cashiers[userID]; ok {
		return c, nil
	}
	return nil, validation.ErrNotFound
}

func newTestService() (*Service, *mockStore) {
	store := newMockStore()
	svc := NewService(mockUserRepo{store}, mockPatientRepo{store}, mockDoctorRepo{store}, mockStaffRepo{store}, db.NewLocalTxManager())
	return svc, store
}
