package identity

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/klinik/clinic/internal/platform/auth"
	"github.com/klinik/clinic/internal/platform/idgen"
)

// User maps to the users table. Exactly one role profile is attached,
// matching Role.
type User struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Username  string    `db:"username" json:"username"`
	Email     *string   `db:"email" json:"email,omitempty"`
	FirstName string    `db:"first_name" json:"first_name"`
	LastName  string    `db:"last_name" json:"last_name"`
	Phone     *string   `db:"phone" json:"phone,omitempty"`
	Address   *string   `db:"address" json:"address,omitempty"`
	PhotoURI  *string   `db:"photo_uri" json:"photo_uri,omitempty"`
	Role      auth.Role `db:"role" json:"role"`
	Active    bool      `db:"active" json:"active"`
	Profile   Profile   `db:"-" json:"profile,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

func (u *User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// Profile is the role specific part of a user. The concrete type always
// matches the user's role: *Patient, *Doctor, *Receptionist, *Pharmacist,
// *Cashier or *Admin.
type Profile interface {
	ProfileRole() auth.Role
}

// Patient maps to the patient table.
type Patient struct {
	ID               uuid.UUID  `db:"id" json:"id"`
	UserID           uuid.UUID  `db:"user_id" json:"user_id"`
	RecordNumber     string     `db:"record_number" json:"record_number"`
	BirthDate        *time.Time `db:"birth_date" json:"birth_date,omitempty"`
	BloodType        *string    `db:"blood_type" json:"blood_type,omitempty"`
	Allergies        *string    `db:"allergies" json:"allergies,omitempty"`
	EmergencyContact *string    `db:"emergency_contact" json:"emergency_contact,omitempty"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`

	// Read from users.
	FirstName string  `db:"-" json:"first_name"`
	LastName  string  `db:"-" json:"last_name"`
	Phone     *string `db:"-" json:"phone,omitempty"`
}

func (*Patient) ProfileRole() auth.Role { return auth.RolePatient }

func (p *Patient) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// TimeRange is an inclusive practice window in "HH:MM".
type TimeRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Contains reports whether hhmm falls inside the window, both ends included.
func (r TimeRange) Contains(hhmm string) bool {
	return r.Start <= hhmm && hhmm <= r.End
}

// WeeklySchedule maps a lowercase English weekday ("monday") to the
// doctor's practice hours that day. Days without an entry are off.
type WeeklySchedule map[string]TimeRange

func weekdayKey(d time.Weekday) string {
	return strings.ToLower(d.String())
}

var weekdays = map[string]bool{
	"monday": true, "tuesday": true, "wednesday": true, "thursday": true,
	"friday": true, "saturday": true, "sunday": true,
}

// On returns the hours for the weekday of date.
func (s WeeklySchedule) On(date time.Time) (TimeRange, bool) {
	r, ok := s[weekdayKey(date.Weekday())]
	return r, ok
}

// Covers reports whether the doctor practices at hhmm on date.
func (s WeeklySchedule) Covers(date time.Time, hhmm string) bool {
	r, ok := s.On(date)
	return ok && r.Contains(hhmm)
}

// Problems lists what is wrong with the schedule, keyed by weekday.
func (s WeeklySchedule) Problems() []string {
	var out []string
	for day, r := range s {
		if !weekdays[day] {
			out = append(out, fmt.Sprintf("%s is not a weekday", day))
			continue
		}
		if !ValidClock(r.Start) || !ValidClock(r.End) {
			out = append(out, fmt.Sprintf("%s: times must be HH:MM", day))
			continue
		}
		if r.Start > r.End {
			out = append(out, fmt.Sprintf("%s: start is after end", day))
		}
	}
	return out
}

// ValidClock reports whether s is a 24h "HH:MM" time.
func ValidClock(s string) bool {
	if len(s) != 5 {
		return false
	}
	_, err := time.Parse("15:04", s)
	return err == nil
}

// Doctor maps to the doctor table.
type Doctor struct {
	ID              uuid.UUID      `db:"id" json:"id"`
	UserID          uuid.UUID      `db:"user_id" json:"user_id"`
	Specialty       string         `db:"specialty" json:"specialty"`
	LicenseNumber   string         `db:"license_number" json:"license_number"`
	Schedule        WeeklySchedule `db:"schedule" json:"schedule"`
	ConsultationFee float64        `db:"consultation_fee" json:"consultation_fee"`
	Active          bool           `db:"active" json:"active"`
	CreatedAt       time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at" json:"updated_at"`

	// Read from users.
	FirstName string  `db:"-" json:"first_name"`
	LastName  string  `db:"-" json:"last_name"`
	Phone     *string `db:"-" json:"phone,omitempty"`
}

func (*Doctor) ProfileRole() auth.Role { return auth.RoleDoctor }

func (d *Doctor) FullName() string {
	return strings.TrimSpace(d.FirstName + " " + d.LastName)
}

// Code is the three letter prefix of the doctor's queue numbers.
func (d *Doctor) Code() string {
	return idgen.DoctorCode(d.FirstName)
}

// Receptionist maps to the receptionist table.
type Receptionist struct {
	ID        uuid.UUID `db:"id" json:"id"`
	UserID    uuid.UUID `db:"user_id" json:"user_id"`
	Shift     string    `db:"shift" json:"shift"`
	StartDate time.Time `db:"start_date" json:"start_date"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

func (*Receptionist) ProfileRole() auth.Role { return auth.RoleReceptionist }

// Pharmacist maps to the pharmacist table.
type Pharmacist struct {
	ID            uuid.UUID `db:"id" json:"id"`
	UserID        uuid.UUID `db:"user_id" json:"user_id"`
	LicenseNumber string    `db:"license_number" json:"license_number"`
	StartDate     time.Time `db:"start_date" json:"start_date"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

func (*Pharmacist) ProfileRole() auth.Role { return auth.RolePharmacist }

// Cashier maps to the cashier table.
type Cashier struct {
	ID        uuid.UUID `db:"id" json:"id"`
	UserID    uuid.UUID `db:"user_id" json:"user_id"`
	StartDate time.Time `db:"start_date" json:"start_date"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

func (*Cashier) ProfileRole() auth.Role { return auth.RoleCashier }

// Admin has no role specific fields.
type Admin struct{}

func (*Admin) ProfileRole() auth.Role { return auth.RoleAdmin }

var validSpecialties = map[string]bool{
	"general": true, "dental": true, "pediatric": true, "obstetrics": true,
	"ophthalmology": true, "ent": true, "dermatology": true, "cardiology": true,
	"surgery": true, "neurology": true,
}

var validBloodTypes = map[string]bool{
	"A+": true, "A-": true, "B+": true, "B-": true,
	"AB+": true, "AB-": true, "O+": true, "O-": true,
}

var validShifts = map[string]bool{
	"morning": true, "afternoon": true, "night": true,
}
