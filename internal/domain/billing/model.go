package billing

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Method is how a payment was settled.
type Method string

const (
	MethodCash      Method = "cash"
	MethodTransfer  Method = "transfer"
	MethodInsurance Method = "insurance"
	MethodQRIS      Method = "qris"
)

var validMethods = map[Method]bool{
	MethodCash: true, MethodTransfer: true, MethodInsurance: true, MethodQRIS: true,
}

func (m Method) Valid() bool { return validMethods[m] }

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
)

func (s PaymentStatus) Valid() bool { return s == PaymentPending || s == PaymentPaid }

// Payment maps to the payment table. There is at most one per appointment.
type Payment struct {
	ID              uuid.UUID     `db:"id" json:"id"`
	AppointmentID   uuid.UUID     `db:"appointment_id" json:"appointment_id"`
	InvoiceNumber   string        `db:"invoice_number" json:"invoice_number"`
	Method          Method        `db:"method" json:"method"`
	Status          PaymentStatus `db:"status" json:"status"`
	ConsultationFee float64       `db:"consultation_fee" json:"consultation_fee"`
	MedicationCost  float64       `db:"medication_cost" json:"medication_cost"`
	ProcedureCost   float64       `db:"procedure_cost" json:"procedure_cost"`
	TotalCost       float64       `db:"total_cost" json:"total_cost"`
	PaidAt          *time.Time    `db:"paid_at" json:"paid_at,omitempty"`
	Note            *string       `db:"note" json:"note,omitempty"`
	ProcessedBy     *uuid.UUID    `db:"processed_by" json:"processed_by,omitempty"`
	QRData          *string       `db:"qr_data" json:"qr_data,omitempty"`
	CreatedAt       time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time     `db:"updated_at" json:"updated_at"`

	// Joined from the appointment.
	PatientUserID       uuid.UUID `db:"-" json:"patient_user_id"`
	PatientName         string    `db:"-" json:"patient_name"`
	PatientRecordNumber string    `db:"-" json:"patient_record_number"`
	DoctorName          string    `db:"-" json:"doctor_name"`
}

// Charges are the billable components of one appointment. Anything that
// does not exist yet counts as zero.
type Charges struct {
	ConsultationFee float64
	MedicationCost  float64
	ProcedureCost   float64
}

func roundMoney(v float64) float64 {
	return math.Round(v*100) / 100
}

// Recompute overwrites the cost breakdown and total of p from c. Nothing
// else on the payment changes, so applying the same charges twice gives the
// same result.
func Recompute(p *Payment, c Charges) {
	p.ConsultationFee = roundMoney(c.ConsultationFee)
	p.MedicationCost = roundMoney(c.MedicationCost)
	p.ProcedureCost = roundMoney(c.ProcedureCost)
	p.TotalCost = roundMoney(p.ConsultationFee + p.MedicationCost + p.ProcedureCost)
}

// FormatAmount renders money the way invoices print it.
func FormatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

// InvoiceQRPayload is the text encoded into an invoice QR code.
func InvoiceQRPayload(invoiceNumber string, total float64, recordNumber string) string {
	return fmt.Sprintf("INV:%s|TOTAL:%s|PASIEN:%s", invoiceNumber, FormatAmount(total), recordNumber)
}

// PaymentFilter narrows payment listings.
type PaymentFilter struct {
	Status        PaymentStatus
	Method        Method
	PatientUserID *uuid.UUID
	Date          *time.Time
	Search        string
}

// -- Installments --

type InstallmentStatus string

const (
	InstallmentPending InstallmentStatus = "pending"
	InstallmentPaid    InstallmentStatus = "paid"
	// InstallmentOverdue is never stored. It is how a pending installment
	// past its due date is reported.
	InstallmentOverdue InstallmentStatus = "overdue"
)

const (
	MinInstallments = 2
	MaxInstallments = 12
	// InstallmentInterval is the number of days between due dates.
	InstallmentInterval = 30
)

// Installment maps to the installment table.
type Installment struct {
	ID        uuid.UUID         `db:"id" json:"id"`
	PaymentID uuid.UUID         `db:"payment_id" json:"payment_id"`
	Sequence  int               `db:"sequence" json:"sequence"`
	Amount    float64           `db:"amount" json:"amount"`
	DueDate   time.Time         `db:"due_date" json:"due_date"`
	PaidDate  *time.Time        `db:"paid_date" json:"paid_date,omitempty"`
	Status    InstallmentStatus `db:"status" json:"status"`
	Note      *string           `db:"note" json:"note,omitempty"`
	CreatedAt time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt time.Time         `db:"updated_at" json:"updated_at"`

	// Effective is EffectiveStatus as of the time the installment was read.
	Effective InstallmentStatus `db:"-" json:"effective_status,omitempty"`
}

// EffectiveStatus reports a pending installment whose due date is before
// today as overdue. A paid installment is never overdue.
func (i *Installment) EffectiveStatus(today time.Time) InstallmentStatus {
	if i.Status == InstallmentPending && i.DueDate.Before(today) {
		return InstallmentOverdue
	}
	return i.Status
}

// splitAmounts divides total into count shares of equal amount, the last
// one taking whatever rounding left over.
func splitAmounts(total float64, count int) []float64 {
	if count < 1 {
		return nil
	}
	share := math.Floor(total*100/float64(count)) / 100
	amounts := make([]float64, count)
	var allocated float64
	for i := 0; i < count-1; i++ {
		amounts[i] = share
		allocated = roundMoney(allocated + share)
	}
	amounts[count-1] = roundMoney(total - allocated)
	return amounts
}

// Splittable reports whether total can be divided into count shares of at
// least one cent each.
func Splittable(total float64, count int) bool {
	return count > 0 && roundMoney(total) >= roundMoney(minInstallmentAmount*float64(count))
}

const minInstallmentAmount = 0.01

// SplitInstallments divides total into count installments of equal amount,
// the last one taking whatever rounding left over. The first is due on
// start and the rest every InstallmentInterval days after.
func SplitInstallments(paymentID uuid.UUID, total float64, count int, start time.Time) []*Installment {
	amounts := splitAmounts(total, count)
	items := make([]*Installment, len(amounts))
	for i, amount := range amounts {
		items[i] = &Installment{
			PaymentID: paymentID,
			Sequence:  i + 1,
			Amount:    amount,
			DueDate:   start.AddDate(0, 0, InstallmentInterval*i),
			Status:    InstallmentPending,
		}
	}
	return items
}

// Collected sums the paid installments of a plan.
func Collected(items []*Installment) float64 {
	var sum float64
	for _, it := range items {
		if it.Status == InstallmentPaid {
			sum = roundMoney(sum + it.Amount)
		}
	}
	return sum
}

// Rebalance spreads what total still leaves owed after the paid
// installments over the pending ones, returning those whose amount changed.
// When every installment is paid and something is still owed, it returns an
// extra installment for the difference, due on due. It fails with
// ErrBelowCollected when the pending installments cannot each keep at least
// one cent, or the paid ones already exceed total.
func Rebalance(items []*Installment, total float64, due time.Time) ([]*Installment, *Installment, error) {
	if len(items) == 0 {
		return nil, nil, nil
	}
	owed := roundMoney(total - Collected(items))
	var (
		pending []*Installment
		lastSeq int
	)
	for _, it := range items {
		if it.Status == InstallmentPending {
			pending = append(pending, it)
		}
		if it.Sequence > lastSeq {
			lastSeq = it.Sequence
		}
	}

	if len(pending) == 0 {
		switch {
		case owed < 0:
			return nil, nil, ErrBelowCollected
		case owed == 0:
			return nil, nil, nil
		}
		return nil, &Installment{
			PaymentID: items[0].PaymentID,
			Sequence:  lastSeq + 1,
			Amount:    owed,
			DueDate:   due,
			Status:    InstallmentPending,
		}, nil
	}

	if !Splittable(owed, len(pending)) {
		return nil, nil, ErrBelowCollected
	}
	var changed []*Installment
	for i, amount := range splitAmounts(owed, len(pending)) {
		if pending[i].Amount != amount {
			pending[i].Amount = amount
			changed = append(changed, pending[i])
		}
	}
	return changed, nil, nil
}

// InstallmentNotice is an installment together with who owes it, for
// reminders.
type InstallmentNotice struct {
	Installment
	InvoiceNumber string    `json:"invoice_number"`
	PatientUserID uuid.UUID `json:"patient_user_id"`
}

// -- Gateway transactions --

type TransactionStatus string

const (
	TransactionPending    TransactionStatus = "pending"
	TransactionProcessing TransactionStatus = "processing"
	TransactionSuccess    TransactionStatus = "success"
	TransactionFailed     TransactionStatus = "failed"
	TransactionCancelled  TransactionStatus = "cancelled"
)

// Gateways the clinic accepts transactions from. The set is fixed at build
// time; adding a gateway means shipping its callback handling too.
var validGateways = map[string]bool{
	"mock_transfer": true, "mock_qris": true, "mock_ewallet": true, "mock_cc": true,
}

// Transaction maps to the payment_transaction table.
type Transaction struct {
	ID            uuid.UUID              `db:"id" json:"id"`
	PaymentID     uuid.UUID              `db:"payment_id" json:"payment_id"`
	TransactionID string                 `db:"transaction_id" json:"transaction_id"`
	Gateway       string                 `db:"gateway" json:"gateway"`
	Amount        float64                `db:"amount" json:"amount"`
	Status        TransactionStatus      `db:"status" json:"status"`
	ProofURI      *string                `db:"proof_uri" json:"proof_uri,omitempty"`
	Response      map[string]interface{} `db:"response_data" json:"response_data,omitempty"`
	CreatedAt     time.Time              `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time              `db:"updated_at" json:"updated_at"`
}
