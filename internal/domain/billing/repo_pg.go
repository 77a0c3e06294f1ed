package billing

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

// =========== Payment Repository ===========

type paymentRepoPG struct{ pool *pgxpool.Pool }

func NewPaymentRepoPG(pool *pgxpool.Pool) PaymentRepository {
	return &paymentRepoPG{pool: pool}
}

func (r *paymentRepoPG) conn(ctx context.Context) querier { return connFor(ctx, r.pool) }

const paymentCols = `pay.id, pay.appointment_id, pay.invoice_number, pay.method, pay.status,
	pay.consultation_fee, pay.medication_cost, pay.procedure_cost, pay.total_cost,
	pay.paid_at, pay.note, pay.processed_by, pay.qr_data, pay.created_at, pay.updated_at,
	p.user_id, trim(pu.first_name || ' ' || pu.last_name), p.record_number,
	trim(du.first_name || ' ' || du.last_name)`

const paymentFrom = ` FROM payment pay
	JOIN appointment a ON a.id = pay.appointment_id
	JOIN patient p ON p.id = a.patient_id
	JOIN users pu ON pu.id = p.user_id
	JOIN doctor d ON d.id = a.doctor_id
	JOIN users du ON du.id = d.user_id`

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	var method, status string
	err := row.Scan(&p.ID, &p.AppointmentID, &p.InvoiceNumber, &method, &status,
		&p.ConsultationFee, &p.MedicationCost, &p.ProcedureCost, &p.TotalCost,
		&p.PaidAt, &p.Note, &p.ProcessedBy, &p.QRData, &p.CreatedAt, &p.UpdatedAt,
		&p.PatientUserID, &p.PatientName, &p.PatientRecordNumber, &p.DoctorName)
	p.Method, p.Status = Method(method), PaymentStatus(status)
	return &p, err
}

func (r *paymentRepoPG) Create(ctx context.Context, p *Payment) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO payment (id, appointment_id, invoice_number, method, status,
			consultation_fee, medication_cost, procedure_cost, total_cost, note)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING created_at, updated_at`,
		p.ID, p.AppointmentID, p.InvoiceNumber, string(p.Method), string(p.Status),
		p.ConsultationFee, p.MedicationCost, p.ProcedureCost, p.TotalCost, p.Note,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
}

func (r *paymentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Payment, error) {
	p, err := scanPayment(r.conn(ctx).QueryRow(ctx, `SELECT `+paymentCols+paymentFrom+` WHERE pay.id = $1`, id))
	if err != nil {
		return nil, db.Lookup(err, fmt.Sprintf("payment %s", id))
	}
	return p, nil
}

func (r *paymentRepoPG) GetByAppointment(ctx context.Context, appointmentID uuid.UUID) (*Payment, error) {
	p, err := scanPayment(r.conn(ctx).QueryRow(ctx,
		`SELECT `+paymentCols+paymentFrom+` WHERE pay.appointment_id = $1`, appointmentID))
	if err != nil {
		return nil, db.Lookup(err, fmt.Sprintf("payment for appointment %s", appointmentID))
	}
	return p, nil
}

func (r *paymentRepoPG) List(ctx context.Context, f PaymentFilter, limit, offset int) ([]*Payment, int, error) {
	var where []string
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		add("pay.status = $%d", string(f.Status))
	}
	if f.Method != "" {
		add("pay.method = $%d", string(f.Method))
	}
	if f.PatientUserID != nil {
		add("p.user_id = $%d", *f.PatientUserID)
	}
	if f.Date != nil {
		add("pay.created_at::date = $%d", *f.Date)
	}
	if f.Search != "" {
		add(`(pay.invoice_number ILIKE $%[1]d OR p.record_number ILIKE $%[1]d
			OR pu.first_name ILIKE $%[1]d OR pu.last_name ILIKE $%[1]d)`, "%"+f.Search+"%")
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*)`+paymentFrom+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	n := len(args)
	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+paymentCols+paymentFrom+cond+
		fmt.Sprintf(` ORDER BY pay.created_at DESC LIMIT $%d OFFSET $%d`, n+1, n+2), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}

func (r *paymentRepoPG) LastInvoiceNumber(ctx context.Context, prefix string) (string, error) {
	var last string
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT invoice_number FROM payment
		WHERE invoice_number LIKE $1 || '%'
		ORDER BY length(invoice_number) DESC, invoice_number DESC LIMIT 1`, prefix).Scan(&last)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return last, err
}

func (r *paymentRepoPG) UpdateTotals(ctx context.Context, p *Payment) (bool, error) {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE payment SET consultation_fee=$2, medication_cost=$3, procedure_cost=$4,
			total_cost=$5, updated_at=NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING updated_at`,
		p.ID, p.ConsultationFee, p.MedicationCost, p.ProcedureCost, p.TotalCost,
	).Scan(&p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (r *paymentRepoPG) MarkPaid(ctx context.Context, p *Payment) (bool, error) {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE payment SET status='paid', method=$2, paid_at=$3, processed_by=$4,
			note=COALESCE($5, note), updated_at=NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING updated_at`,
		p.ID, string(p.Method), p.PaidAt, p.ProcessedBy, p.Note,
	).Scan(&p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (r *paymentRepoPG) SetQRData(ctx context.Context, id uuid.UUID, data string) error {
	_, err := r.conn(ctx).Exec(ctx, `UPDATE payment SET qr_data=$2, updated_at=NOW() WHERE id = $1`, id, data)
	return err
}

// =========== Charge Reader ===========

type chargeReaderPG struct{ pool *pgxpool.Pool }

// NewChargeReaderPG reads charges straight from the clinical and pharmacy
// tables. Missing records or lines sum to zero.
func NewChargeReaderPG(pool *pgxpool.Pool) ChargeReader {
	return &chargeReaderPG{pool: pool}
}

func (r *chargeReaderPG) Charges(ctx context.Context, appointmentID uuid.UUID) (Charges, error) {
	var c Charges
	err := connFor(ctx, r.pool).QueryRow(ctx, `
		SELECT
			COALESCE((SELECT d.consultation_fee FROM appointment a
				JOIN doctor d ON d.id = a.doctor_id WHERE a.id = $1), 0),
			COALESCE((SELECT SUM(l.quantity * l.unit_price) FROM medical_record mr
				JOIN prescription rx ON rx.medical_record_id = mr.id
				JOIN prescription_line l ON l.prescription_id = rx.id
				WHERE mr.appointment_id = $1), 0),
			COALESCE((SELECT SUM(cp.fee) FROM medical_record mr
				JOIN medical_record_procedure mrp ON mrp.medical_record_id = mr.id
				JOIN clinical_procedure cp ON cp.id = mrp.procedure_id
				WHERE mr.appointment_id = $1), 0)`,
		appointmentID,
	).Scan(&c.ConsultationFee, &c.MedicationCost, &c.ProcedureCost)
	return c, err
}

// =========== Installment Repository ===========

type installmentRepoPG struct{ pool *pgxpool.Pool }

func NewInstallmentRepoPG(pool *pgxpool.Pool) InstallmentRepository {
	return &installmentRepoPG{pool: pool}
}

func (r *installmentRepoPG) conn(ctx context.Context) querier { return connFor(ctx, r.pool) }

const installmentCols = `i.id, i.payment_id, i.sequence, i.amount, i.due_date, i.paid_date,
	i.status, i.note, i.created_at, i.updated_at`

func scanInstallment(row pgx.Row, dest *Installment, extra ...interface{}) error {
	var status string
	args := []interface{}{&dest.ID, &dest.PaymentID, &dest.Sequence, &dest.Amount, &dest.DueDate,
		&dest.PaidDate, &status, &dest.Note, &dest.CreatedAt, &dest.UpdatedAt}
	err := row.Scan(append(args, extra...)...)
	dest.Status = InstallmentStatus(status)
	return err
}

func (r *installmentRepoPG) CreateAll(ctx context.Context, items []*Installment) error {
	batch := &pgx.Batch{}
	for _, it := range items {
		if it.ID == uuid.Nil {
			it.ID = uuid.New()
		}
		batch.Queue(`
			INSERT INTO installment (id, payment_id, sequence, amount, due_date, status, note)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			it.ID, it.PaymentID, it.Sequence, it.Amount, it.DueDate, string(it.Status), it.Note)
	}
	var br pgx.BatchResults
	if tx := db.TxFromContext(ctx); tx != nil {
		br = tx.SendBatch(ctx, batch)
	} else {
		br = r.pool.SendBatch(ctx, batch)
	}
	defer br.Close()
	for range items {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

func (r *installmentRepoPG) ListByPayment(ctx context.Context, paymentID uuid.UUID) ([]*Installment, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+installmentCols+` FROM installment i
		WHERE i.payment_id = $1 ORDER BY i.sequence`, paymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Installment
	for rows.Next() {
		var it Installment
		if err := scanInstallment(rows, &it); err != nil {
			return nil, err
		}
		items = append(items, &it)
	}
	return items, rows.Err()
}

func (r *installmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Installment, error) {
	var it Installment
	err := scanInstallment(r.conn(ctx).QueryRow(ctx, `SELECT `+installmentCols+` FROM installment i WHERE i.id = $1`, id), &it)
	if err != nil {
		return nil, db.Lookup(err, fmt.Sprintf("installment %s", id))
	}
	return &it, nil
}

func (r *installmentRepoPG) MarkPaid(ctx context.Context, id uuid.UUID, paidDate time.Time, note *string) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE installment SET status='paid', paid_date=$2, note=COALESCE($3, note), updated_at=NOW()
		WHERE id = $1 AND status = 'pending'`, id, paidDate, note)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *installmentRepoPG) SetAmount(ctx context.Context, id uuid.UUID, amount float64) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE installment SET amount=$2, updated_at=NOW()
		WHERE id = $1 AND status = 'pending'`, id, amount)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *installmentRepoPG) CloseRemaining(ctx context.Context, paymentID uuid.UUID, paidDate time.Time) (int, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE installment SET status='paid', paid_date=$2, updated_at=NOW()
		WHERE payment_id = $1 AND status = 'pending'`, paymentID, paidDate)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

const noticeFrom = ` FROM installment i
	JOIN payment pay ON pay.id = i.payment_id
	JOIN appointment a ON a.id = pay.appointment_id
	JOIN patient p ON p.id = a.patient_id`

func (r *installmentRepoPG) notices(ctx context.Context, cond string, day time.Time) ([]*InstallmentNotice, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+installmentCols+`, pay.invoice_number, p.user_id`+
		noticeFrom+` WHERE i.status = 'pending' AND pay.status = 'pending' AND `+cond+` ORDER BY i.due_date, i.sequence`, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*InstallmentNotice
	for rows.Next() {
		var n InstallmentNotice
		if err := scanInstallment(rows, &n.Installment, &n.InvoiceNumber, &n.PatientUserID); err != nil {
			return nil, err
		}
		items = append(items, &n)
	}
	return items, rows.Err()
}

func (r *installmentRepoPG) DueOn(ctx context.Context, day time.Time) ([]*InstallmentNotice, error) {
	return r.notices(ctx, "i.due_date = $1", day)
}

func (r *installmentRepoPG) OverdueOn(ctx context.Context, day time.Time) ([]*InstallmentNotice, error) {
	return r.notices(ctx, "i.due_date < $1", day)
}

// =========== Transaction Repository ===========

type transactionRepoPG struct{ pool *pgxpool.Pool }

func NewTransactionRepoPG(pool *pgxpool.Pool) TransactionRepository {
	return &transactionRepoPG{pool: pool}
}

func (r *transactionRepoPG) conn(ctx context.Context) querier { return connFor(ctx, r.pool) }

const transactionCols = `id, payment_id, transaction_id, gateway, amount, status, proof_uri,
	response_data, created_at, updated_at`

func scanTransaction(row pgx.Row) (*Transaction, error) {
	var t Transaction
	var status string
	err := row.Scan(&t.ID, &t.PaymentID, &t.TransactionID, &t.Gateway, &t.Amount, &status,
		&t.ProofURI, &t.Response, &t.CreatedAt, &t.UpdatedAt)
	t.Status = TransactionStatus(status)
	return &t, err
}

func (r *transactionRepoPG) Create(ctx context.Context, t *Transaction) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Response == nil {
		t.Response = map[string]interface{}{}
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO payment_transaction (id, payment_id, transaction_id, gateway, amount, status,
			proof_uri, response_data)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at, updated_at`,
		t.ID, t.PaymentID, t.TransactionID, t.Gateway, t.Amount, string(t.Status), t.ProofURI, t.Response,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
}

func (r *transactionRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Transaction, error) {
	t, err := scanTransaction(r.conn(ctx).QueryRow(ctx,
		`SELECT `+transactionCols+` FROM payment_transaction WHERE id = $1`, id))
	if err != nil {
		return nil, db.Lookup(err, fmt.Sprintf("transaction %s", id))
	}
	return t, nil
}

func (r *transactionRepoPG) GetByReference(ctx context.Context, transactionID string) (*Transaction, error) {
	t, err := scanTransaction(r.conn(ctx).QueryRow(ctx,
		`SELECT `+transactionCols+` FROM payment_transaction WHERE transaction_id = $1`, transactionID))
	if err != nil {
		return nil, db.Lookup(err, "transaction "+transactionID)
	}
	return t, nil
}

func (r *transactionRepoPG) ListByPayment(ctx context.Context, paymentID uuid.UUID) ([]*Transaction, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+transactionCols+` FROM payment_transaction
		WHERE payment_id = $1 ORDER BY created_at DESC`, paymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, t)
	}
	return items, rows.Err()
}

func (r *transactionRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, from, to TransactionStatus, response map[string]interface{}) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE payment_transaction
		SET status=$3, response_data = response_data || COALESCE($4::jsonb, '{}'::jsonb), updated_at=NOW()
		WHERE id = $1 AND status = $2`, id, string(from), string(to), response)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
