package scheduling

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an appointment.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

var validStatuses = map[Status]bool{
	StatusPending: true, StatusConfirmed: true, StatusCompleted: true, StatusCancelled: true,
}

func (s Status) Valid() bool { return validStatuses[s] }

// Active reports whether the appointment still occupies the doctor's day.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusConfirmed
}

// DateLayout is the wire format of appointment dates.
const DateLayout = "2006-01-02"

// Appointment maps to the appointment table.
type Appointment struct {
	ID          uuid.UUID `db:"id" json:"id"`
	PatientID   uuid.UUID `db:"patient_id" json:"patient_id"`
	DoctorID    uuid.UUID `db:"doctor_id" json:"doctor_id"`
	Date        time.Time `db:"appointment_date" json:"-"`
	Time        string    `db:"appointment_time" json:"time"`
	Complaint   string    `db:"complaint" json:"complaint"`
	Status      Status    `db:"status" json:"status"`
	QueueNumber string    `db:"queue_number" json:"queue_number"`
	Note        *string   `db:"note" json:"note,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`

	// Joined for display and notification routing.
	PatientUserID       uuid.UUID `db:"-" json:"patient_user_id"`
	PatientName         string    `db:"-" json:"patient_name"`
	PatientRecordNumber string    `db:"-" json:"patient_record_number"`
	DoctorUserID        uuid.UUID `db:"-" json:"doctor_user_id"`
	DoctorName          string    `db:"-" json:"doctor_name"`
}

// DateString is Date in DateLayout. It is what clients see as "date".
func (a *Appointment) DateString() string {
	return a.Date.Format(DateLayout)
}

// MarshalJSON renders Date as a plain calendar date.
func (a Appointment) MarshalJSON() ([]byte, error) {
	type plain Appointment
	return json.Marshal(struct {
		plain
		Date string `json:"date"`
	}{plain(a), a.DateString()})
}

// ParseDate parses a DateLayout date at midnight UTC.
func ParseDate(s string) (time.Time, error) {
	return time.Parse(DateLayout, strings.TrimSpace(s))
}

// Filter narrows appointment listings. Zero values match everything.
type Filter struct {
	PatientID *uuid.UUID
	DoctorID  *uuid.UUID
	Status    Status
	Date      *time.Time
	Search    string
}
