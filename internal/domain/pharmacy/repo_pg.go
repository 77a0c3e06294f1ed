package pharmacy

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

func connFor(ctx context.Context, pool *pgxpool.Pool) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return pool
}

// =========== Medication Repository ===========

type medicationRepoPG struct{ pool *pgxpool.Pool }

func NewMedicationRepoPG(pool *pgxpool.Pool) MedicationRepository {
	return &medicationRepoPG{pool: pool}
}

func (r *medicationRepoPG) conn(ctx context.Context) querier { return connFor(ctx, r.pool) }

const medCols = `id, name, category, unit, stock, sale_price, purchase_price, expiry_date,
	supplier, description, active, created_at, updated_at`

func scanMedication(row pgx.Row) (*Medication, error) {
	var m Medication
	err := row.Scan(&m.ID, &m.Name, &m.Category, &m.Unit, &m.Stock, &m.SalePrice, &m.PurchasePrice,
		&m.ExpiryDate, &m.Supplier, &m.Description, &m.Active, &m.CreatedAt, &m.UpdatedAt)
	return &m, err
}

func collectMedications(rows pgx.Rows) ([]*Medication, error) {
	defer rows.Close()
	var items []*Medication
	for rows.Next() {
		m, err := scanMedication(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

func (r *medicationRepoPG) Create(ctx context.Context, m *Medication) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO medication (id, name, category, unit, stock, sale_price, purchase_price,
			expiry_date, supplier, description, active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING created_at, updated_at`,
		m.ID, m.Name, m.Category, m.Unit, m.Stock, m.SalePrice, m.PurchasePrice,
		m.ExpiryDate, m.Supplier, m.Description, m.Active,
	).Scan(&m.CreatedAt, &m.UpdatedAt)
}

func (r *medicationRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Medication, error) {
	m, err := scanMedication(r.conn(ctx).QueryRow(ctx, `SELECT `+medCols+` FROM medication WHERE id = $1`, id))
	if err != nil {
		return nil, db.Lookup(err, fmt.Sprintf("medication %s", id))
	}
	return m, nil
}

// Update never writes stock. Stock only moves through Deduct and Adjust.
func (r *medicationRepoPG) Update(ctx context.Context, m *Medication) error {
	return r.conn(ctx).QueryRow(ctx, `
		UPDATE medication SET name=$2, category=$3, unit=$4, sale_price=$5, purchase_price=$6,
			expiry_date=$7, supplier=$8, description=$9, active=$10, updated_at=NOW()
		WHERE id = $1
		RETURNING stock, updated_at`,
		m.ID, m.Name, m.Category, m.Unit, m.SalePrice, m.PurchasePrice,
		m.ExpiryDate, m.Supplier, m.Description, m.Active,
	).Scan(&m.Stock, &m.UpdatedAt)
}

func (r *medicationRepoPG) List(ctx context.Context, f MedicationFilter, limit, offset int) ([]*Medication, int, error) {
	var where []string
	var args []interface{}
	if f.Search != "" {
		args = append(args, "%"+f.Search+"%")
		where = append(where, fmt.Sprintf("(name ILIKE $%[1]d OR supplier ILIKE $%[1]d)", len(args)))
	}
	if f.Category != "" {
		args = append(args, f.Category)
		where = append(where, fmt.Sprintf("category = $%d", len(args)))
	}
	if f.ActiveOnly {
		where = append(where, "active")
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM medication`+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	n := len(args)
	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+medCols+` FROM medication`+cond+
		fmt.Sprintf(` ORDER BY name LIMIT $%d OFFSET $%d`, n+1, n+2), args...)
	if err != nil {
		return nil, 0, err
	}
	items, err := collectMedications(rows)
	return items, total, err
}

func (r *medicationRepoPG) LowStock(ctx context.Context, threshold int) ([]*Medication, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+medCols+` FROM medication
		WHERE active AND stock < $1 ORDER BY stock, name`, threshold)
	if err != nil {
		return nil, err
	}
	return collectMedications(rows)
}

func (r *medicationRepoPG) ExpiringBetween(ctx context.Context, from, to time.Time) ([]*Medication, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+medCols+` FROM medication
		WHERE active AND expiry_date > $1 AND expiry_date <= $2 ORDER BY expiry_date, name`, from, to)
	if err != nil {
		return nil, err
	}
	return collectMedications(rows)
}

func (r *medicationRepoPG) ExpiredOn(ctx context.Context, day time.Time) ([]*Medication, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+medCols+` FROM medication
		WHERE active AND expiry_date <= $1 ORDER BY expiry_date, name`, day)
	if err != nil {
		return nil, err
	}
	return collectMedications(rows)
}

func (r *medicationRepoPG) Deduct(ctx context.Context, id uuid.UUID, qty int) (int, bool, error) {
	return r.Adjust(ctx, id, -qty)
}

func (r *medicationRepoPG) Adjust(ctx context.Context, id uuid.UUID, delta int) (int, bool, error) {
	var after int
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE medication SET stock = stock + $2, updated_at = NOW()
		WHERE id = $1 AND stock + $2 >= 0
		RETURNING stock`, id, delta).Scan(&after)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return after, true, nil
}

func (r *medicationRepoPG) RecordAdjustment(ctx context.Context, a *StockAdjustment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO stock_adjustment (id, medication_id, delta, stock_after, reason, note, adjusted_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at`,
		a.ID, a.MedicationID, a.Delta, a.StockAfter, string(a.Reason), a.Note, a.AdjustedBy,
	).Scan(&a.CreatedAt)
}

func (r *medicationRepoPG) ListAdjustments(ctx context.Context, medicationID uuid.UUID, limit, offset int) ([]*StockAdjustment, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM stock_adjustment WHERE medication_id = $1`, medicationID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, medication_id, delta, stock_after, reason, note, adjusted_by, created_at
		FROM stock_adjustment WHERE medication_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, medicationID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*StockAdjustment
	for rows.Next() {
		var a StockAdjustment
		var reason string
		if err := rows.Scan(&a.ID, &a.MedicationID, &a.Delta, &a.StockAfter, &reason, &a.Note, &a.AdjustedBy, &a.CreatedAt); err != nil {
			return nil, 0, err
		}
		a.Reason = AdjustmentReason(reason)
		items = append(items, &a)
	}
	return items, total, rows.Err()
}

// =========== Prescription Repository ===========

type prescriptionRepoPG struct{ pool *pgxpool.Pool }

func NewPrescriptionRepoPG(pool *pgxpool.Pool) PrescriptionRepository {
	return &prescriptionRepoPG{pool: pool}
}

func (r *prescriptionRepoPG) conn(ctx context.Context) querier { return connFor(ctx, r.pool) }

const recordRefCols = `mr.appointment_id, p.user_id, trim(pu.first_name || ' ' || pu.last_name),
	d.user_id, trim(du.first_name || ' ' || du.last_name)`

const recordRefJoins = `
	JOIN patient p ON p.id = mr.patient_id
	JOIN users pu ON pu.id = p.user_id
	JOIN doctor d ON d.id = mr.doctor_id
	JOIN users du ON du.id = d.user_id`

const rxCols = `rx.id, rx.medical_record_id, rx.status, rx.pharmacist_note, rx.processed_by,
	rx.processed_at, rx.created_at, rx.updated_at, ` + recordRefCols

const rxFrom = ` FROM prescription rx JOIN medical_record mr ON mr.id = rx.medical_record_id` + recordRefJoins

func scanPrescription(row pgx.Row) (*Prescription, error) {
	var p Prescription
	var status string
	err := row.Scan(&p.ID, &p.MedicalRecordID, &status, &p.PharmacistNote, &p.ProcessedBy,
		&p.ProcessedAt, &p.CreatedAt, &p.UpdatedAt,
		&p.AppointmentID, &p.PatientUserID, &p.PatientName, &p.DoctorUserID, &p.DoctorName)
	p.Status = PrescriptionStatus(status)
	return &p, err
}

func (r *prescriptionRepoPG) RecordRef(ctx context.Context, medicalRecordID uuid.UUID) (RecordRef, error) {
	var ref RecordRef
	err := r.conn(ctx).QueryRow(ctx, `SELECT `+recordRefCols+` FROM medical_record mr`+recordRefJoins+`
		WHERE mr.id = $1`, medicalRecordID).
		Scan(&ref.AppointmentID, &ref.PatientUserID, &ref.PatientName, &ref.DoctorUserID, &ref.DoctorName)
	if err != nil {
		return RecordRef{}, db.Lookup(err, fmt.Sprintf("medical record %s", medicalRecordID))
	}
	return ref, nil
}

func (r *prescriptionRepoPG) Create(ctx context.Context, p *Prescription) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO prescription (id, medical_record_id, status, pharmacist_note)
		VALUES ($1,$2,$3,$4)
		RETURNING created_at, updated_at`,
		p.ID, p.MedicalRecordID, string(p.Status), p.PharmacistNote,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
}

func (r *prescriptionRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	return r.get(ctx, id, "")
}

func (r *prescriptionRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	return r.get(ctx, id, " FOR UPDATE OF rx")
}

func (r *prescriptionRepoPG) get(ctx context.Context, id uuid.UUID, lock string) (*Prescription, error) {
	p, err := scanPrescription(r.conn(ctx).QueryRow(ctx, `SELECT `+rxCols+rxFrom+` WHERE rx.id = $1`+lock, id))
	if err != nil {
		return nil, db.Lookup(err, fmt.Sprintf("prescription %s", id))
	}
	if p.Lines, err = r.lines(ctx, p.ID); err != nil {
		return nil, err
	}
	return p, nil
}

const lineCols = `l.id, l.prescription_id, l.medication_id, l.quantity, l.instructions, l.unit_price, m.name, m.unit`

func scanLine(row pgx.Row) (*Line, error) {
	var l Line
	err := row.Scan(&l.ID, &l.PrescriptionID, &l.MedicationID, &l.Quantity, &l.Instructions, &l.UnitPrice,
		&l.MedicationName, &l.MedicationUnit)
	return &l, err
}

func (r *prescriptionRepoPG) lines(ctx context.Context, prescriptionID uuid.UUID) ([]*Line, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+lineCols+`
		FROM prescription_line l JOIN medication m ON m.id = l.medication_id
		WHERE l.prescription_id = $1 ORDER BY m.name`, prescriptionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Line
	for rows.Next() {
		l, err := scanLine(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, l)
	}
	return items, rows.Err()
}

func (r *prescriptionRepoPG) List(ctx context.Context, f PrescriptionFilter, limit, offset int) ([]*Prescription, int, error) {
	var where []string
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		add("rx.status = $%d", string(f.Status))
	}
	if f.MedicalRecordID != nil {
		add("rx.medical_record_id = $%d", *f.MedicalRecordID)
	}
	if f.PatientUserID != nil {
		add("p.user_id = $%d", *f.PatientUserID)
	}
	if f.DoctorUserID != nil {
		add("d.user_id = $%d", *f.DoctorUserID)
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*)`+rxFrom+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	n := len(args)
	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+rxCols+rxFrom+cond+
		fmt.Sprintf(` ORDER BY rx.created_at DESC LIMIT $%d OFFSET $%d`, n+1, n+2), args...)
	if err != nil {
		return nil, 0, err
	}
	var items []*Prescription
	for rows.Next() {
		p, err := scanPrescription(rows)
		if err != nil {
			rows.Close()
			return nil, 0, err
		}
		items = append(items, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	for _, p := range items {
		if p.Lines, err = r.lines(ctx, p.ID); err != nil {
			return nil, 0, err
		}
	}
	return items, total, nil
}

func (r *prescriptionRepoPG) UpdateStatus(ctx context.Context, p *Prescription) error {
	return r.conn(ctx).QueryRow(ctx, `
		UPDATE prescription SET status=$2, pharmacist_note=$3, processed_by=$4, processed_at=$5, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		p.ID, string(p.Status), p.PharmacistNote, p.ProcessedBy, p.ProcessedAt,
	).Scan(&p.UpdatedAt)
}

func (r *prescriptionRepoPG) AddLine(ctx context.Context, l *Line) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO prescription_line (id, prescription_id, medication_id, quantity, instructions, unit_price)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		l.ID, l.PrescriptionID, l.MedicationID, l.Quantity, l.Instructions, l.UnitPrice)
	return err
}

func (r *prescriptionRepoPG) GetLine(ctx context.Context, id uuid.UUID) (*Line, error) {
	l, err := scanLine(r.conn(ctx).QueryRow(ctx, `SELECT `+lineCols+`
		FROM prescription_line l JOIN medication m ON m.id = l.medication_id
		WHERE l.id = $1`, id))
	if err != nil {
		return nil, db.Lookup(err, fmt.Sprintf("prescription line %s", id))
	}
	return l, nil
}

func (r *prescriptionRepoPG) UpdateLine(ctx context.Context, l *Line) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE prescription_line SET quantity=$2, instructions=$3 WHERE id = $1`,
		l.ID, l.Quantity, l.Instructions)
	return err
}

func (r *prescriptionRepoPG) RemoveLine(ctx context.Context, id uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM prescription_line WHERE id = $1`, id)
	return err
}
