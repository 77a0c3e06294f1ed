package identity

import (
	"context"

	"github.com/google/uuid"

	"github.com/klinik/clinic/internal/platform/auth"
)

type UserRepository interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	ListByRole(ctx context.Context, role auth.Role, limit, offset int) ([]*User, int, error)
	IDsByRole(ctx context.Context, role auth.Role) ([]uuid.UUID, error)
}

type PatientRepository interface {
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetByUserID(ctx context.Context, userID uuid.UUID) (*Patient, error)
	Update(ctx context.Context, p *Patient) error
	List(ctx context.Context, search string, limit, offset int) ([]*Patient, int, error)
	// LastRecordNumber returns the highest record number starting with
	// prefix, or "" when there is none.
	LastRecordNumber(ctx context.Context, prefix string) (string, error)
}

type DoctorRepository interface {
	Create(ctx context.Context, d *Doctor) error
	GetByID(ctx context.Context, id uuid.UUID) (*Doctor, error)
	GetByUserID(ctx context.Context, userID uuid.UUID) (*Doctor, error)
	Update(ctx context.Context, d *Doctor) error
	List(ctx context.Context, f DoctorFilter, limit, offset int) ([]*Doctor, int, error)
}

// DoctorFilter narrows doctor listings. Zero values match everything.
type DoctorFilter struct {
	ActiveOnly bool
	Specialty  string
}

type StaffRepository interface {
	CreateReceptionist(ctx context.Context, r *Receptionist) error
	CreatePharmacist(ctx context.Context, p *Pharmacist) error
	CreateCashier(ctx context.Context, c *Cashier) error
	GetReceptionist(ctx context.Context, userID uuid.UUID) (*Receptionist, error)
	GetPharmacist(ctx context.Context, userID uuid.UUID) (*Pharmacist, error)
	GetCashier(ctx context.Context, userID uuid.UUID) (*Cashier, error)
}
