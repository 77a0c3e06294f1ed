package clinical

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/klinik/clinic/internal/platform/db"
	"github.com/klinik/clinic/internal/platform/validation"
)

type querier interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func connFor(ctx context.Context, pool *pgxpool.Pool) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return pool
}

// =========== Procedure Repository ===========

type procedureRepoPG struct{ pool *pgxpool.Pool }

func NewProcedureRepoPG(pool *pgxpool.Pool) ProcedureRepository {
	return &procedureRepoPG{pool: pool}
}

func (r *procedureRepoPG) conn(ctx context.Context) querier { return connFor(ctx, r.pool) }

const procCols = `id, name, fee, category, description, active, created_at, updated_at`

func scanProcedure(row pgx.Row) (*Procedure, error) {
	var p Procedure
	var category string
	err := row.Scan(&p.ID, &p.Name, &p.Fee, &category, &p.Description, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	p.Category = ProcedureCategory(category)
	return &p, err
}

func (r *procedureRepoPG) Create(ctx context.Context, p *Procedure) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO clinical_procedure (id, name, fee, category, description, active)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING created_at, updated_at`,
		p.ID, p.Name, p.Fee, string(p.Category), p.Description, p.Active,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
}

func (r *procedureRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Procedure, error) {
	p, err := scanProcedure(r.conn(ctx).QueryRow(ctx, `SELECT `+procCols+` FROM clinical_procedure WHERE id = $1`, id))
	if err != nil {
		return nil, db.Lookup(err, fmt.Sprintf("procedure %s", id))
	}
	return p, nil
}

func (r *procedureRepoPG) Update(ctx context.Context, p *Procedure) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE clinical_procedure SET name=$2, fee=$3, category=$4, description=$5, active=$6, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		p.ID, p.Name, p.Fee, string(p.Category), p.Description, p.Active,
	).Scan(&p.UpdatedAt)
	return db.Lookup(err, fmt.Sprintf("procedure %s", p.ID))
}

func (r *procedureRepoPG) List(ctx context.Context, f ProcedureFilter, limit, offset int) ([]*Procedure, int, error) {
	var where []string
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Category != "" {
		add("category = $%d", string(f.Category))
	}
	if f.ActiveOnly {
		where = append(where, "active")
	}
	if f.Search != "" {
		add("name ILIKE $%d", "%"+f.Search+"%")
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM clinical_procedure`+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	n := len(args)
	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+procCols+` FROM clinical_procedure`+cond+
		fmt.Sprintf(` ORDER BY category, name LIMIT $%d OFFSET $%d`, n+1, n+2), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Procedure
	for rows.Next() {
		p, err := scanProcedure(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}

// =========== Medical Record Repository ===========

type recordRepoPG struct{ pool *pgxpool.Pool }

func NewRecordRepoPG(pool *pgxpool.Pool) RecordRepository {
	return &recordRepoPG{pool: pool}
}

func (r *recordRepoPG) conn(ctx context.Context) querier { return connFor(ctx, r.pool) }

const recordCols = `mr.id, mr.appointment_id, mr.patient_id, mr.doctor_id, mr.diagnosis, mr.anamnesis,
	mr.physical_exam, mr.note, mr.start_time, mr.end_time, mr.created_at, mr.updated_at,
	p.user_id, trim(pu.first_name || ' ' || pu.last_name), p.record_number,
	d.user_id, trim(du.first_name || ' ' || du.last_name)`

const recordFrom = ` FROM medical_record mr
	JOIN patient p ON p.id = mr.patient_id
	JOIN users pu ON pu.id = p.user_id
	JOIN doctor d ON d.id = mr.doctor_id
	JOIN users du ON du.id = d.user_id`

func scanRecord(row pgx.Row) (*MedicalRecord, error) {
	var m MedicalRecord
	err := row.Scan(&m.ID, &m.AppointmentID, &m.PatientID, &m.DoctorID, &m.Diagnosis, &m.Anamnesis,
		&m.PhysicalExam, &m.Note, &m.StartTime, &m.EndTime, &m.CreatedAt, &m.UpdatedAt,
		&m.PatientUserID, &m.PatientName, &m.PatientRecordNumber, &m.DoctorUserID, &m.DoctorName)
	return &m, err
}

func (r *recordRepoPG) Create(ctx context.Context, m *MedicalRecord) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO medical_record (id, appointment_id, patient_id, doctor_id, diagnosis, anamnesis,
			physical_exam, note, start_time, end_time)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING created_at, updated_at`,
		m.ID, m.AppointmentID, m.PatientID, m.DoctorID, m.Diagnosis, m.Anamnesis,
		m.PhysicalExam, m.Note, m.StartTime, m.EndTime,
	).Scan(&m.CreatedAt, &m.UpdatedAt)
	if db.IsUniqueViolation(err, "medical_record_appointment_id_key") {
		return validation.Field("appointment_id", ErrRecordExists)
	}
	return err
}

func (r *recordRepoPG) get(ctx context.Context, where string, arg interface{}, lock string) (*MedicalRecord, error) {
	m, err := scanRecord(r.conn(ctx).QueryRow(ctx, `SELECT `+recordCols+recordFrom+` WHERE `+where+lock, arg))
	if err != nil {
		return nil, db.Lookup(err, fmt.Sprintf("medical record %v", arg))
	}
	if m.Procedures, err = r.procedures(ctx, m.ID); err != nil {
		return nil, err
	}
	return m, nil
}

func (r *recordRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*MedicalRecord, error) {
	return r.get(ctx, "mr.id = $1", id, "")
}

func (r *recordRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*MedicalRecord, error) {
	return r.get(ctx, "mr.id = $1", id, " FOR UPDATE OF mr")
}

func (r *recordRepoPG) GetByAppointment(ctx context.Context, appointmentID uuid.UUID) (*MedicalRecord, error) {
	return r.get(ctx, "mr.appointment_id = $1", appointmentID, "")
}

func (r *recordRepoPG) procedures(ctx context.Context, recordID uuid.UUID) ([]*Procedure, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT cp.id, cp.name, cp.fee, cp.category, cp.description, cp.active, cp.created_at, cp.updated_at
		FROM medical_record_procedure mrp JOIN clinical_procedure cp ON cp.id = mrp.procedure_id
		WHERE mrp.medical_record_id = $1 ORDER BY cp.name`, recordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []*Procedure{}
	for rows.Next() {
		p, err := scanProcedure(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

func (r *recordRepoPG) Update(ctx context.Context, m *MedicalRecord) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE medical_record SET diagnosis=$2, anamnesis=$3, physical_exam=$4, note=$5, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		m.ID, m.Diagnosis, m.Anamnesis, m.PhysicalExam, m.Note,
	).Scan(&m.UpdatedAt)
	return db.Lookup(err, fmt.Sprintf("medical record %s", m.ID))
}

func (r *recordRepoPG) SetTimes(ctx context.Context, id uuid.UUID, start, end *time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE medical_record SET start_time=$2, end_time=$3, updated_at=NOW() WHERE id = $1`,
		id, start, end)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("medical record %s: %w", id, validation.ErrNotFound)
	}
	return nil
}

func (r *recordRepoPG) List(ctx context.Context, f RecordFilter, limit, offset int) ([]*MedicalRecord, int, error) {
	var where []string
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.PatientID != nil {
		add("mr.patient_id = $%d", *f.PatientID)
	}
	if f.DoctorID != nil {
		add("mr.doctor_id = $%d", *f.DoctorID)
	}
	if f.PatientUserID != nil {
		add("p.user_id = $%d", *f.PatientUserID)
	}
	if f.DoctorUserID != nil {
		add("d.user_id = $%d", *f.DoctorUserID)
	}
	if f.From != nil {
		add("mr.created_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("mr.created_at < $%d", *f.To)
	}
	if f.Search != "" {
		add("(mr.diagnosis ILIKE $%[1]d OR pu.first_name ILIKE $%[1]d OR pu.last_name ILIKE $%[1]d OR p.record_number ILIKE $%[1]d)", "%"+f.Search+"%")
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*)`+recordFrom+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	n := len(args)
	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+recordCols+recordFrom+cond+
		fmt.Sprintf(` ORDER BY mr.created_at DESC LIMIT $%d OFFSET $%d`, n+1, n+2), args...)
	if err != nil {
		return nil, 0, err
	}
	var items []*MedicalRecord
	for rows.Next() {
		m, err := scanRecord(rows)
		if err != nil {
			rows.Close()
			return nil, 0, err
		}
		items = append(items, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	for _, m := range items {
		if m.Procedures, err = r.procedures(ctx, m.ID); err != nil {
			return nil, 0, err
		}
	}
	return items, total, nil
}

func (r *recordRepoPG) AttachProcedure(ctx context.Context, recordID, procedureID uuid.UUID) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO medical_record_procedure (medical_record_id, procedure_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, recordID, procedureID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *recordRepoPG) DetachProcedure(ctx context.Context, recordID, procedureID uuid.UUID) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		DELETE FROM medical_record_procedure WHERE medical_record_id = $1 AND procedure_id = $2`,
		recordID, procedureID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
