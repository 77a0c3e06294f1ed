package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type PaymentRepository interface {
	Create(ctx context.Context, p *Payment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Payment, error)
	GetByAppointment(ctx context.Context, appointmentID uuid.UUID) (*Payment, error)
	List(ctx context.Context, f PaymentFilter, limit, offset int) ([]*Payment, int, error)
	// LastInvoiceNumber returns the highest invoice number starting with
	// prefix, or "" when there is none.
	LastInvoiceNumber(ctx context.Context, prefix string) (string, error)
	// UpdateTotals writes the cost breakdown and total of a pending payment.
	// It reports false when the payment was no longer pending.
	UpdateTotals(ctx context.Context, p *Payment) (bool, error)
	// MarkPaid settles a pending payment. It reports false when the payment
	// was no longer pending.
	MarkPaid(ctx context.Context, p *Payment) (bool, error)
	SetQRData(ctx context.Context, id uuid.UUID, data string) error
}

// ChargeReader gathers the billable components of an appointment.
type ChargeReader interface {
	Charges(ctx context.Context, appointmentID uuid.UUID) (Charges, error)
}

type InstallmentRepository interface {
	CreateAll(ctx context.Context, items []*Installment) error
	ListByPayment(ctx context.Context, paymentID uuid.UUID) ([]*Installment, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Installment, error)
	// MarkPaid settles a pending installment and reports false otherwise.
	MarkPaid(ctx context.Context, id uuid.UUID, paidDate time.Time, note *string) (bool, error)
	// SetAmount changes the amount of a pending installment and reports
	// false when it was no longer pending.
	SetAmount(ctx context.Context, id uuid.UUID, amount float64) (bool, error)
	// CloseRemaining marks every pending installment of a payment paid on
	// paidDate and returns how many it closed.
	CloseRemaining(ctx context.Context, paymentID uuid.UUID, paidDate time.Time) (int, error)
	// DueOn lists pending installments of pending payments due on day.
	DueOn(ctx context.Context, day time.Time) ([]*InstallmentNotice, error)
	// OverdueOn lists pending installments of pending payments due before
	// day.
	OverdueOn(ctx context.Context, day time.Time) ([]*InstallmentNotice, error)
}

type TransactionRepository interface {
	Create(ctx context.Context, t *Transaction) error
	GetByID(ctx context.Context, id uuid.UUID) (*Transaction, error)
	GetByReference(ctx context.Context, transactionID string) (*Transaction, error)
	ListByPayment(ctx context.Context, paymentID uuid.UUID) ([]*Transaction, error)
	// UpdateStatus moves a transaction from one status to another and
	// reports false when it was no longer in from.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to TransactionStatus, response map[string]interface{}) (bool, error)
}
