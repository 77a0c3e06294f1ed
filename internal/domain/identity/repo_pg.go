package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/klinik/clinic/internal/platform/auth"
	"github.com/klinik/clinic/internal/platform/db"
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

// Unique constraints surfaced as field errors.
const (
	constraintUsername          = "users_username_key"
	constraintDoctorLicense     = "doctor_license_number_key"
	constraintPharmacistLicense = "pharmacist_license_number_key"
)

// =========== User Repository ===========

type userRepoPG struct{ pool *pgxpool.Pool }

func NewUserRepoPG(pool *pgxpool.Pool) UserRepository { return &userRepoPG{pool: pool} }

func (r *userRepoPG) conn(ctx context.Context) querier { return connFor(ctx, r.pool) }

const userCols = `id, username, email, first_name, last_name, phone, address, photo_uri, role, active, created_at, updated_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	var role string
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.FirstName, &u.LastName, &u.Phone, &u.Address,
		&u.PhotoURI, &role, &u.Active, &u.CreatedAt, &u.UpdatedAt)
	u.Role = auth.Role(role)
	return &u, err
}

func (r *userRepoPG) Create(ctx context.Context, u *User) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO users (id, username, email, first_name, last_name, phone, address, photo_uri, role, active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING created_at, updated_at`,
		u.ID, u.Username, u.Email, u.FirstName, u.LastName, u.Phone, u.Address, u.PhotoURI, string(u.Role), u.Active,
	).Scan(&u.CreatedAt, &u.UpdatedAt)
}

func (r *userRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	u, err := scanUser(r.conn(ctx).QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE id = $1`, id))
	if err != nil {
		return nil, db.Lookup(err, fmt.Sprintf("user %s", id))
	}
	return u, nil
}

func (r *userRepoPG) ListByRole(ctx context.Context, role auth.Role, limit, offset int) ([]*User, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM users WHERE role = $1`, string(role)).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+userCols+` FROM users WHERE role = $1
		ORDER BY first_name, last_name LIMIT $2 OFFSET $3`, string(role), limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, u)
	}
	return items, total, rows.Err()
}

func (r *userRepoPG) IDsByRole(ctx context.Context, role auth.Role) ([]uuid.UUID, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT id FROM users WHERE role = $1 AND active`, string(role))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// =========== Patient Repository ===========

type patientRepoPG struct{ pool *pgxpool.Pool }

func NewPatientRepoPG(pool *pgxpool.Pool) PatientRepository { return &patientRepoPG{pool: pool} }

func (r *patientRepoPG) conn(ctx context.Context) querier { return connFor(ctx, r.pool) }

const patientCols = `p.id, p.user_id, p.record_number, p.birth_date, p.blood_type, p.allergies,
	p.emergency_contact, p.created_at, p.updated_at, u.first_name, u.last_name, u.phone`

const patientFrom = ` FROM patient p JOIN users u ON u.id = p.user_id`

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.UserID, &p.RecordNumber, &p.BirthDate, &p.BloodType, &p.Allergies,
		&p.EmergencyContact, &p.CreatedAt, &p.UpdatedAt, &p.FirstName, &p.LastName, &p.Phone)
	return &p, err
}

func (r *patientRepoPG) Create(ctx context.Context, p *Patient) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO patient (id, user_id, record_number, birth_date, blood_type, allergies, emergency_contact)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at, updated_at`,
		p.ID, p.UserID, p.RecordNumber, p.BirthDate, p.BloodType, p.Allergies, p.EmergencyContact,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
}

func (r *patientRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	p, err := scanPatient(r.conn(ctx).QueryRow(ctx, `SELECT `+patientCols+patientFrom+` WHERE p.id = $1`, id))
	if err != nil {
		return nil, db.Lookup(err, fmt.Sprintf("patient %s", id))
	}
	return p, nil
}

func (r *patientRepoPG) GetByUserID(ctx context.Context, userID uuid.UUID) (*Patient, error) {
	p, err := scanPatient(r.conn(ctx).QueryRow(ctx, `SELECT `+patientCols+patientFrom+` WHERE p.user_id = $1`, userID))
	if err != nil {
		return nil, db.Lookup(err, fmt.Sprintf("patient for user %s", userID))
	}
	return p, nil
}

func (r *patientRepoPG) Update(ctx context.Context, p *Patient) error {
	return r.conn(ctx).QueryRow(ctx, `
		UPDATE patient SET birth_date = $2, blood_type = $3, allergies = $4, emergency_contact = $5, updated_at = now()
		WHERE id = $1
		RETURNING updated_at`,
		p.ID, p.BirthDate, p.BloodType, p.Allergies, p.EmergencyContact,
	).Scan(&p.UpdatedAt)
}

func (r *patientRepoPG) List(ctx context.Context, search string, limit, offset int) ([]*Patient, int, error) {
	where := ` WHERE ($1 = '' OR p.record_number ILIKE '%' || $1 || '%'
		OR u.first_name ILIKE '%' || $1 || '%' OR u.last_name ILIKE '%' || $1 || '%')`

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*)`+patientFrom+where, search).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+patientCols+patientFrom+where+`
		ORDER BY p.record_number DESC LIMIT $2 OFFSET $3`, search, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}

func (r *patientRepoPG) LastRecordNumber(ctx context.Context, prefix string) (string, error) {
	var last string
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT record_number FROM patient WHERE record_number LIKE $1 || '%'
		ORDER BY length(record_number) DESC, record_number DESC LIMIT 1`, prefix).Scan(&last)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return last, err
}

// =========== Doctor Repository ===========

type doctorRepoPG struct{ pool *pgxpool.Pool }

func NewDoctorRepoPG(pool *pgxpool.Pool) DoctorRepository { return &doctorRepoPG{pool: pool} }

func (r *doctorRepoPG) conn(ctx context.Context) querier { return connFor(ctx, r.pool) }

const doctorCols = `d.id, d.user_id, d.specialty, d.license_number, d.schedule, d.consultation_fee,
	d.active, d.created_at, d.updated_at, u.first_name, u.last_name, u.phone`

const doctorFrom = ` FROM doctor d JOIN users u ON u.id = d.user_id`

func scanDoctor(row pgx.Row) (*Doctor, error) {
	var d Doctor
	err := row.Scan(&d.ID, &d.UserID, &d.Specialty, &d.LicenseNumber, &d.Schedule, &d.ConsultationFee,
		&d.Active, &d.CreatedAt, &d.UpdatedAt, &d.FirstName, &d.LastName, &d.Phone)
	if d.Schedule == nil {
		d.Schedule = WeeklySchedule{}
	}
	return &d, err
}

func (r *doctorRepoPG) Create(ctx context.Context, d *Doctor) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO doctor (id, user_id, specialty, license_number, schedule, consultation_fee, active)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at, updated_at`,
		d.ID, d.UserID, d.Specialty, d.LicenseNumber, d.Schedule, d.ConsultationFee, d.Active,
	).Scan(&d.CreatedAt, &d.UpdatedAt)
}

func (r *doctorRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	d, err := scanDoctor(r.conn(ctx).QueryRow(ctx, `SELECT `+doctorCols+doctorFrom+` WHERE d.id = $1`, id))
	if err != nil {
		return nil, db.Lookup(err, fmt.Sprintf("doctor %s", id))
	}
	return d, nil
}

func (r *doctorRepoPG) GetByUserID(ctx context.Context, userID uuid.UUID) (*Doctor, error) {
	d, err := scanDoctor(r.conn(ctx).QueryRow(ctx, `SELECT `+doctorCols+doctorFrom+` WHERE d.user_id = $1`, userID))
	if err != nil {
		return nil, db.Lookup(err, fmt.Sprintf("doctor for user %s", userID))
	}
	return d, nil
}

func (r *doctorRepoPG) Update(ctx context.Context, d *Doctor) error {
	return r.conn(ctx).QueryRow(ctx, `
		UPDATE doctor SET specialty = $2, schedule = $3, consultation_fee = $4, active = $5, updated_at = now()
		WHERE id = $1
		RETURNING updated_at`,
		d.ID, d.Specialty, d.Schedule, d.ConsultationFee, d.Active,
	).Scan(&d.UpdatedAt)
}

func (r *doctorRepoPG) List(ctx context.Context, f DoctorFilter, limit, offset int) ([]*Doctor, int, error) {
	where := ` WHERE (NOT $1 OR d.active) AND ($2 = '' OR d.specialty = $2)`

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*)`+doctorFrom+where, f.ActiveOnly, f.Specialty).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+doctorCols+doctorFrom+where+`
		ORDER BY u.first_name, u.last_name LIMIT $3 OFFSET $4`, f.ActiveOnly, f.Specialty, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Doctor
	for rows.Next() {
		d, err := scanDoctor(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, d)
	}
	return items, total, rows.Err()
}

// =========== Staff Repository ===========

type staffRepoPG struct{ pool *pgxpool.Pool }

func NewStaffRepoPG(pool *pgxpool.Pool) StaffRepository { return &staffRepoPG{pool: pool} }

func (r *staffRepoPG) conn(ctx context.Context) querier { return connFor(ctx, r.pool) }

func (r *staffRepoPG) CreateReceptionist(ctx context.Context, rc *Receptionist) error {
	if rc.ID == uuid.Nil {
		rc.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO receptionist (id, user_id, shift, start_date) VALUES ($1,$2,$3,$4)
		RETURNING created_at`, rc.ID, rc.UserID, rc.Shift, rc.StartDate).Scan(&rc.CreatedAt)
}

func (r *staffRepoPG) CreatePharmacist(ctx context.Context, p *Pharmacist) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO pharmacist (id, user_id, license_number, start_date) VALUES ($1,$2,$3,$4)
		RETURNING created_at`, p.ID, p.UserID, p.LicenseNumber, p.StartDate).Scan(&p.CreatedAt)
}

func (r *staffRepoPG) CreateCashier(ctx context.Context, c *Cashier) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO cashier (id, user_id, start_date) VALUES ($1,$2,$3)
		RETURNING created_at`, c.ID, c.UserID, c.StartDate).Scan(&c.CreatedAt)
}

func (r *staffRepoPG) GetReceptionist(ctx context.Context, userID uuid.UUID) (*Receptionist, error) {
	var rc Receptionist
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, user_id, shift, start_date, created_at FROM receptionist WHERE user_id = $1`, userID,
	).Scan(&rc.ID, &rc.UserID, &rc.Shift, &rc.StartDate, &rc.CreatedAt)
	if err != nil {
		return nil, db.Lookup(err, fmt.Sprintf("receptionist for user %s", userID))
	}
	return &rc, nil
}

func (r *staffRepoPG) GetPharmacist(ctx context.Context, userID uuid.UUID) (*Pharmacist, error) {
	var p Pharmacist
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, user_id, license_number, start_date, created_at FROM pharmacist WHERE user_id = $1`, userID,
	).Scan(&p.ID, &p.UserID, &p.LicenseNumber, &p.StartDate, &p.CreatedAt)
	if err != nil {
		return nil, db.Lookup(err, fmt.Sprintf("pharmacist for user %s", userID))
	}
	return &p, nil
}

func (r *staffRepoPG) GetCashier(ctx context.Context, userID uuid.UUID) (*Cashier, error) {
	var c Cashier
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, user_id, start_date, created_at FROM cashier WHERE user_id = $1`, userID,
	).Scan(&c.ID, &c.UserID, &c.StartDate, &c.CreatedAt)
	if err != nil {
		return nil, db.Lookup(err, fmt.Sprintf("cashier for user %s", userID))
	}
	return &c, nil
}
