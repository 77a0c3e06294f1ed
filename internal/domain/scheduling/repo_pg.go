package scheduling

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/klinik/clinic/internal/platform/db"
)

type querier interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type appointmentRepoPG struct{ pool *pgxpool.Pool }

func NewAppointmentRepoPG(pool *pgxpool.Pool) AppointmentRepository {
	return &appointmentRepoPG{pool: pool}
}

func (r *appointmentRepoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const apptCols = `a.id, a.patient_id, a.doctor_id, a.appointment_date, to_char(a.appointment_time, 'HH24:MI'),
	a.complaint, a.status, a.queue_number, a.note, a.created_at, a.updated_at,
	p.user_id, trim(pu.first_name || ' ' || pu.last_name), p.record_number,
	d.user_id, trim(du.first_name || ' ' || du.last_name)`

const apptFrom = ` FROM appointment a
	JOIN patient p ON p.id = a.patient_id
	JOIN users pu ON pu.id = p.user_id
	JOIN doctor d ON d.id = a.doctor_id
	JOIN users du ON du.id = d.user_id`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var status string
	err := row.Scan(&a.ID, &a.PatientID, &a.DoctorID, &a.Date, &a.Time,
		&a.Complaint, &status, &a.QueueNumber, &a.Note, &a.CreatedAt, &a.UpdatedAt,
		&a.PatientUserID, &a.PatientName, &a.PatientRecordNumber,
		&a.DoctorUserID, &a.DoctorName)
	a.Status = Status(status)
	return &a, err
}

func (r *appointmentRepoPG) Create(ctx context.Context, a *Appointment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO appointment (id, patient_id, doctor_id, appointment_date, appointment_time,
			complaint, status, queue_number, note)
		VALUES ($1,$2,$3,$4,$5::time,$6,$7,$8,$9)
		RETURNING created_at, updated_at`,
		a.ID, a.PatientID, a.DoctorID, a.Date, a.Time, a.Complaint, string(a.Status), a.QueueNumber, a.Note,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
}

func (r *appointmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := scanAppointment(r.conn(ctx).QueryRow(ctx, `SELECT `+apptCols+apptFrom+` WHERE a.id = $1`, id))
	if err != nil {
		return nil, db.Lookup(err, fmt.Sprintf("appointment %s", id))
	}
	return a, nil
}

func (r *appointmentRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status, note *string) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE appointment SET status = $3, note = COALESCE($4, note), updated_at = NOW()
		WHERE id = $1 AND status = $2`,
		id, string(from), string(to), note)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *appointmentRepoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*Appointment, int, error) {
	var where []string
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.PatientID != nil {
		add("a.patient_id = $%d", *f.PatientID)
	}
	if f.DoctorID != nil {
		add("a.doctor_id = $%d", *f.DoctorID)
	}
	if f.Status != "" {
		add("a.status = $%d", string(f.Status))
	}
	if f.Date != nil {
		add("a.appointment_date = $%d", *f.Date)
	}
	if f.Search != "" {
		add("(pu.first_name ILIKE $%[1]d OR pu.last_name ILIKE $%[1]d OR p.record_number ILIKE $%[1]d)", "%"+f.Search+"%")
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*)`+apptFrom+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	n := len(args)
	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+apptCols+apptFrom+cond+
		fmt.Sprintf(` ORDER BY a.appointment_date DESC, a.appointment_time LIMIT $%d OFFSET $%d`, n+1, n+2), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	items, err := collect(rows)
	return items, total, err
}

// queueSeq orders queue numbers by their numeric suffix, so numbers issued
// before a doctor's code changed still count.
const queueSeq = `substring(queue_number from '-([0-9]+)$')::int`

func (r *appointmentRepoPG) LastQueueNumber(ctx context.Context, doctorID uuid.UUID, date time.Time) (string, error) {
	var last string
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT queue_number FROM appointment
		WHERE doctor_id = $1 AND appointment_date = $2
		ORDER BY `+queueSeq+` DESC NULLS LAST LIMIT 1`,
		doctorID, date).Scan(&last)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return last, err
}

func (r *appointmentRepoPG) HasActiveBooking(ctx context.Context, patientID, doctorID uuid.UUID, date time.Time) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM appointment
			WHERE patient_id = $1 AND doctor_id = $2 AND appointment_date = $3
			  AND status IN ('pending', 'confirmed'))`,
		patientID, doctorID, date).Scan(&exists)
	return exists, err
}

func (r *appointmentRepoPG) Queue(ctx context.Context, doctorID *uuid.UUID, date time.Time) ([]*Appointment, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+apptCols+apptFrom+`
		WHERE a.appointment_date = $1 AND a.status IN ('pending', 'confirmed')
		  AND ($2::uuid IS NULL OR a.doctor_id = $2)
		ORDER BY substring(a.queue_number from '-([0-9]+)$')::int, a.queue_number`, date, doctorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows)
}

func collect(rows pgx.Rows) ([]*Appointment, error) {
	var items []*Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}
