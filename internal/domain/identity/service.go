package identity

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/klinik/clinic/internal/platform/audit"
	"github.com/klinik/clinic/internal/platform/auth"
	"github.com/klinik/clinic/internal/platform/db"
	"github.com/klinik/clinic/internal/platform/idgen"
	"github.com/klinik/clinic/internal/platform/validation"
)

type Service struct {
	users    UserRepository
	patients PatientRepository
	doctors  DoctorRepository
	staff    StaffRepository
	tx       db.TxManager
	trail    *audit.Trail

	now func() time.Time
	loc *time.Location
}

func NewService(users UserRepository, patients PatientRepository, doctors DoctorRepository, staff StaffRepository, tx db.TxManager) *Service {
	return &Service{
		users:    users,
		patients: patients,
		doctors:  doctors,
		staff:    staff,
		tx:       tx,
		now:      time.Now,
		loc:      time.UTC,
	}
}

// SetAuditTrail attaches the audit trail used for every mutation.
func (s *Service) SetAuditTrail(t *audit.Trail) { s.trail = t }

// SetLocation sets the clinic time zone used to pick the record number year.
func (s *Service) SetLocation(loc *time.Location) { s.loc = loc }

// AccountInput carries the users row fields shared by every registration.
type AccountInput struct {
	Username  string  `json:"username"`
	Email     *string `json:"email,omitempty"`
	FirstName string  `json:"first_name"`
	LastName  string  `json:"last_name"`
	Phone     *string `json:"phone,omitempty"`
	Address   *string `json:"address,omitempty"`
	PhotoURI  *string `json:"photo_uri,omitempty"`
}

func (in AccountInput) validate(r *validation.Result) {
	r.Require("username", strings.TrimSpace(in.Username) != "")
	r.Require("first_name", strings.TrimSpace(in.FirstName) != "")
	if in.Email != nil && *in.Email != "" {
		r.Check("email", strings.Contains(*in.Email, "@"), "is not a valid email address")
	}
}

func (in AccountInput) user(role auth.Role) *User {
	return &User{
		Username:  strings.TrimSpace(in.Username),
		Email:     in.Email,
		FirstName: strings.TrimSpace(in.FirstName),
		LastName:  strings.TrimSpace(in.LastName),
		Phone:     in.Phone,
		Address:   in.Address,
		PhotoURI:  in.PhotoURI,
		Role:      role,
		Active:    true,
	}
}

func (s *Service) createUser(ctx context.Context, u *User) error {
	if err := s.users.Create(ctx, u); err != nil {
		if db.IsUniqueViolation(err, constraintUsername) {
			return validation.Fieldf("username", "%q is already taken", u.Username)
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// -- Patient --

type RegisterPatientInput struct {
	AccountInput
	BirthDate        *time.Time `json:"birth_date,omitempty"`
	BloodType        *string    `json:"blood_type,omitempty"`
	Allergies        *string    `json:"allergies,omitempty"`
	EmergencyContact *string    `json:"emergency_contact,omitempty"`
}

// ValidatePatient checks the patient specific fields.
func ValidatePatient(p *Patient, today time.Time) error {
	var r validation.Result
	if p.BloodType != nil && *p.BloodType != "" {
		r.Check("blood_type", validBloodTypes[*p.BloodType], "must be one of A+, A-, B+, B-, AB+, AB-, O+, O-")
	}
	if p.BirthDate != nil {
		r.Check("birth_date", !p.BirthDate.After(today), "cannot be in the future")
	}
	return r.Err()
}

// RegisterPatient creates the user and the patient profile and assigns the
// next record number of the current year.
func (s *Service) RegisterPatient(ctx context.Context, actor auth.Actor, in RegisterPatientInput) (*Patient, error) {
	now := s.now().In(s.loc)
	p := &Patient{
		BirthDate:        in.BirthDate,
		BloodType:        in.BloodType,
		Allergies:        in.Allergies,
		EmergencyContact: in.EmergencyContact,
	}

	var r validation.Result
	in.AccountInput.validate(&r)
	if err := r.Err(); err != nil {
		return nil, err
	}
	if err := ValidatePatient(p, now); err != nil {
		return nil, err
	}

	u := in.AccountInput.user(auth.RolePatient)
	year := now.Year()
	err := s.tx.InScopedTx(ctx, fmt.Sprintf("record:%d", year), func(ctx context.Context) error {
		if err := s.createUser(ctx, u); err != nil {
			return err
		}
		last, err := s.patients.LastRecordNumber(ctx, idgen.RecordPrefix(year))
		if err != nil {
			return fmt.Errorf("read last record number: %w", err)
		}
		p.UserID = u.ID
		p.RecordNumber = idgen.NextRecordNumber(year, last)
		return s.patients.Create(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	p.FirstName, p.LastName, p.Phone = u.FirstName, u.LastName, u.Phone

	s.trail.Record(ctx, audit.Entry{
		Actor:       actor,
		Action:      audit.ActionCreate,
		EntityType:  "patient",
		EntityID:    p.ID.String(),
		Description: fmt.Sprintf("registered patient %s (%s)", p.FullName(), p.RecordNumber),
	})
	return p, nil
}

func (s *Service) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return s.patients.GetByID(ctx, id)
}

// PatientForUser returns the patient profile of a patient user.
func (s *Service) PatientForUser(ctx context.Context, userID uuid.UUID) (*Patient, error) {
	return s.patients.GetByUserID(ctx, userID)
}

func (s *Service) ListPatients(ctx context.Context, search string, limit, offset int) ([]*Patient, int, error) {
	return s.patients.List(ctx, strings.TrimSpace(search), limit, offset)
}

type UpdatePatientInput struct {
	BirthDate        *time.Time `json:"birth_date,omitempty"`
	BloodType        *string    `json:"blood_type,omitempty"`
	Allergies        *string    `json:"allergies,omitempty"`
	EmergencyContact *string    `json:"emergency_contact,omitempty"`
}

// UpdatePatient changes the medical profile. A patient may only update
// their own record.
func (s *Service) UpdatePatient(ctx context.Context, actor auth.Actor, id uuid.UUID, in UpdatePatientInput) (*Patient, error) {
	p, err := s.patients.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.Is(auth.RolePatient) && p.UserID != actor.UserID {
		return nil, fmt.Errorf("patient %s: %w", id, validation.ErrNotFound)
	}

	changes := map[string]audit.Change{}
	if in.BirthDate != nil {
		changes["birth_date"] = audit.Change{Old: p.BirthDate, New: *in.BirthDate}
		p.BirthDate = in.BirthDate
	}
	if in.BloodType != nil {
		changes["blood_type"] = audit.Change{Old: p.BloodType, New: *in.BloodType}
		p.BloodType = in.BloodType
	}
	if in.Allergies != nil {
		changes["allergies"] = audit.Change{Old: p.Allergies, New: *in.Allergies}
		p.Allergies = in.Allergies
	}
	if in.EmergencyContact != nil {
		changes["emergency_contact"] = audit.Change{Old: p.EmergencyContact, New: *in.EmergencyContact}
		p.EmergencyContact = in.EmergencyContact
	}
	if err := ValidatePatient(p, s.now().In(s.loc)); err != nil {
		return nil, err
	}
	if err := s.patients.Update(ctx, p); err != nil {
		return nil, fmt.Errorf("update patient: %w", err)
	}

	s.trail.Record(ctx, audit.Entry{
		Actor:       actor,
		Action:      audit.ActionUpdate,
		EntityType:  "patient",
		EntityID:    p.ID.String(),
		Description: "updated patient " + p.RecordNumber,
		Changes:     changes,
	})
	return p, nil
}

// -- Doctor --

type CreateDoctorInput struct {
	AccountInput
	Specialty       string         `json:"specialty"`
	LicenseNumber   string         `json:"license_number"`
	Schedule        WeeklySchedule `json:"schedule"`
	ConsultationFee *float64       `json:"consultation_fee,omitempty"`
}

// DefaultConsultationFee applies when a doctor is created without a fee.
const DefaultConsultationFee = 100000

// ValidateDoctor checks every doctor field.
func ValidateDoctor(d *Doctor) error {
	var r validation.Result
	r.Require("license_number", strings.TrimSpace(d.LicenseNumber) != "")
	r.Check("specialty", validSpecialties[d.Specialty], fmt.Sprintf("unknown specialty %q", d.Specialty))
	r.Check("consultation_fee", d.ConsultationFee >= 0, "cannot be negative")
	for _, p := range d.Schedule.Problems() {
		r.Add("schedule", p)
	}
	return r.Err()
}

func (s *Service) CreateDoctor(ctx context.Context, actor auth.Actor, in CreateDoctorInput) (*Doctor, error) {
	d := &Doctor{
		Specialty:       in.Specialty,
		LicenseNumber:   strings.TrimSpace(in.LicenseNumber),
		Schedule:        in.Schedule,
		ConsultationFee: DefaultConsultationFee,
		Active:          true,
	}
	if d.Specialty == "" {
		d.Specialty = "general"
	}
	if d.Schedule == nil {
		d.Schedule = WeeklySchedule{}
	}
	if in.ConsultationFee != nil {
		d.ConsultationFee = *in.ConsultationFee
	}

	var r validation.Result
	in.AccountInput.validate(&r)
	if err := r.Err(); err != nil {
		return nil, err
	}
	if err := ValidateDoctor(d); err != nil {
		return nil, err
	}

	u := in.AccountInput.user(auth.RoleDoctor)
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.createUser(ctx, u); err != nil {
			return err
		}
		d.UserID = u.ID
		if err := s.doctors.Create(ctx, d); err != nil {
			if db.IsUniqueViolation(err, constraintDoctorLicense) {
				return validation.Fieldf("license_number", "%q is already registered", d.LicenseNumber)
			}
			return fmt.Errorf("create doctor: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	d.FirstName, d.LastName, d.Phone = u.FirstName, u.LastName, u.Phone

	s.trail.Record(ctx, audit.Entry{
		Actor:       actor,
		Action:      audit.ActionCreate,
		EntityType:  "doctor",
		EntityID:    d.ID.String(),
		Description: "created doctor " + d.FullName(),
	})
	return d, nil
}

type UpdateDoctorInput struct {
	Specialty       *string         `json:"specialty,omitempty"`
	Schedule        *WeeklySchedule `json:"schedule,omitempty"`
	ConsultationFee *float64        `json:"consultation_fee,omitempty"`
	Active          *bool           `json:"active,omitempty"`
}

// UpdateDoctor changes practice settings. A doctor may update only their own
// profile. Existing payments keep their fee until they are recomputed.
func (s *Service) UpdateDoctor(ctx context.Context, actor auth.Actor, id uuid.UUID, in UpdateDoctorInput) (*Doctor, error) {
	d, err := s.doctors.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.Is(auth.RoleDoctor) && d.UserID != actor.UserID {
		return nil, fmt.Errorf("doctor %s: %w", id, validation.ErrNotFound)
	}

	changes := map[string]audit.Change{}
	if in.Specialty != nil && *in.Specialty != d.Specialty {
		changes["specialty"] = audit.Change{Old: d.Specialty, New: *in.Specialty}
		d.Specialty = *in.Specialty
	}
	if in.Schedule != nil {
		changes["schedule"] = audit.Change{Old: d.Schedule, New: *in.Schedule}
		d.Schedule = *in.Schedule
	}
	if in.ConsultationFee != nil && *in.ConsultationFee != d.ConsultationFee {
		changes["consultation_fee"] = audit.Change{Old: d.ConsultationFee, New: *in.ConsultationFee}
		d.ConsultationFee = *in.ConsultationFee
	}
	if in.Active != nil && *in.Active != d.Active {
		changes["active"] = audit.Change{Old: d.Active, New: *in.Active}
		d.Active = *in.Active
	}
	if err := ValidateDoctor(d); err != nil {
		return nil, err
	}
	if err := s.doctors.Update(ctx, d); err != nil {
		return nil, fmt.Errorf("update doctor: %w", err)
	}

	s.trail.Record(ctx, audit.Entry{
		Actor:       actor,
		Action:      audit.ActionUpdate,
		EntityType:  "doctor",
		EntityID:    d.ID.String(),
		Description: "updated doctor " + d.FullName(),
		Changes:     changes,
	})
	return d, nil
}

func (s *Service) GetDoctor(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	return s.doctors.GetByID(ctx, id)
}

// DoctorForUser returns the doctor profile of a doctor user.
func (s *Service) DoctorForUser(ctx context.Context, userID uuid.UUID) (*Doctor, error) {
	return s.doctors.GetByUserID(ctx, userID)
}

func (s *Service) ListDoctors(ctx context.Context, f DoctorFilter, limit, offset int) ([]*Doctor, int, error) {
	return s.doctors.List(ctx, f, limit, offset)
}

// -- Staff --

type CreateStaffInput struct {
	AccountInput
	Role          auth.Role  `json:"role"`
	Shift         string     `json:"shift,omitempty"`
	LicenseNumber string     `json:"license_number,omitempty"`
	StartDate     *time.Time `json:"start_date,omitempty"`
}

var staffRoles = map[auth.Role]bool{
	auth.RoleReceptionist: true,
	auth.RolePharmacist:   true,
	auth.RoleCashier:      true,
}

// CreateStaff creates a receptionist, pharmacist or cashier.
func (s *Service) CreateStaff(ctx context.Context, actor auth.Actor, in CreateStaffInput) (*User, error) {
	var r validation.Result
	in.AccountInput.validate(&r)
	r.Check("role", staffRoles[in.Role], "must be receptionist, pharmacist or cashier")
	if in.Role == auth.RoleReceptionist {
		if in.Shift == "" {
			in.Shift = "morning"
		}
		r.Check("shift", validShifts[in.Shift], "must be morning, afternoon or night")
	}
	if in.Role == auth.RolePharmacist {
		r.Require("license_number", strings.TrimSpace(in.LicenseNumber) != "")
	}
	if err := r.Err(); err != nil {
		return nil, err
	}

	start := s.now().In(s.loc)
	if in.StartDate != nil {
		start = *in.StartDate
	}
	start = time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)

	u := in.AccountInput.user(in.Role)
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.createUser(ctx, u); err != nil {
			return err
		}
		switch in.Role {
		case auth.RoleReceptionist:
			rc := &Receptionist{UserID: u.ID, Shift: in.Shift, StartDate: start}
			u.Profile = rc
			return s.staff.CreateReceptionist(ctx, rc)
		case auth.RolePharmacist:
			p := &Pharmacist{UserID: u.ID, LicenseNumber: strings.TrimSpace(in.LicenseNumber), StartDate: start}
			u.Profile = p
			if err := s.staff.CreatePharmacist(ctx, p); err != nil {
				if db.IsUniqueViolation(err, constraintPharmacistLicense) {
					return validation.Fieldf("license_number", "%q is already registered", p.LicenseNumber)
				}
				return err
			}
			return nil
		default:
			c := &Cashier{UserID: u.ID, StartDate: start}
			u.Profile = c
			return s.staff.CreateCashier(ctx, c)
		}
	})
	if err != nil {
		return nil, err
	}

	s.trail.Record(ctx, audit.Entry{
		Actor:       actor,
		Action:      audit.ActionCreate,
		EntityType:  "user",
		EntityID:    u.ID.String(),
		Description: fmt.Sprintf("created %s %s", u.Role, u.FullName()),
	})
	return u, nil
}

// -- Users --

// GetUser returns the user with its role profile attached.
func (s *Service) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	u, err := s.users.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	profile, err := s.profile(ctx, u)
	if err != nil {
		return nil, err
	}
	u.Profile = profile
	return u, nil
}

func (s *Service) profile(ctx context.Context, u *User) (Profile, error) {
	switch u.Role {
	case auth.RolePatient:
		return s.patients.GetByUserID(ctx, u.ID)
	case auth.RoleDoctor:
		return s.doctors.GetByUserID(ctx, u.ID)
	case auth.RoleReceptionist:
		return s.staff.GetReceptionist(ctx, u.ID)
	case auth.RolePharmacist:
		return s.staff.GetPharmacist(ctx, u.ID)
	case auth.RoleCashier:
		return s.staff.GetCashier(ctx, u.ID)
	default:
		return &Admin{}, nil
	}
}

func (s *Service) ListByRole(ctx context.Context, role auth.Role, limit, offset int) ([]*User, int, error) {
	if !role.Valid() {
		return nil, 0, validation.Fieldf("role", "unknown role %q", role)
	}
	return s.users.ListByRole(ctx, role, limit, offset)
}

// UserIDsByRole lists active users holding role, for notification fan-out.
func (s *Service) UserIDsByRole(ctx context.Context, role auth.Role) ([]uuid.UUID, error) {
	return s.users.IDsByRole(ctx, role)
}

// PhoneForUser returns the user's phone number, or "" when none is set.
func (s *Service) PhoneForUser(ctx context.Context, userID uuid.UUID) (string, error) {
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return "", err
	}
	if u.Phone == nil {
		return "", nil
	}
	return *u.Phone, nil
}
