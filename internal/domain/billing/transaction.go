package billing

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/klinik/clinic/internal/platform/audit"
	"github.com/klinik/clinic/internal/platform/auth"
	"github.com/klinik/clinic/internal/platform/idgen"
	"github.com/klinik/clinic/internal/platform/validation"
)

type TransactionInput struct {
	Gateway  string  `json:"gateway"`
	ProofURI *string `json:"proof_uri,omitempty"`
}

// methodFor is the payment method a successful gateway transaction settles
// with.
func methodFor(gateway string) Method {
	if gateway == "mock_qris" {
		return MethodQRIS
	}
	return MethodTransfer
}

// CreateTransaction starts a gateway transaction over what a pending payment
// still owes after its paid installments.
func (s *Service) CreateTransaction(ctx context.Context, actor auth.Actor, paymentID uuid.UUID, in TransactionInput) (*Transaction, error) {
	if !validGateways[in.Gateway] {
		return nil, validation.Fieldf("gateway", "unknown gateway %q", in.Gateway)
	}
	p, err := s.Get(ctx, actor, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status != PaymentPending {
		return nil, validation.Field("payment_id", fmt.Errorf("%w: invoice %s is already paid", ErrInvalidTransition, p.InvoiceNumber))
	}

	owed, err := s.outstanding(ctx, p)
	if err != nil {
		return nil, err
	}
	if owed <= 0 {
		return nil, validation.Field("payment_id", ErrNoCharges)
	}

	ref, err := idgen.TransactionID(s.today())
	if err != nil {
		return nil, fmt.Errorf("generate transaction id: %w", err)
	}
	t := &Transaction{
		PaymentID:     p.ID,
		TransactionID: ref,
		Gateway:       in.Gateway,
		Amount:        owed,
		Status:        TransactionPending,
		ProofURI:      in.ProofURI,
	}
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		return s.transactions.Create(ctx, t)
	})
	if err != nil {
		return nil, fmt.Errorf("create transaction: %w", err)
	}

	s.trail.Record(ctx, audit.Entry{
		Actor:       actor,
		Action:      audit.ActionCreate,
		EntityType:  "payment_transaction",
		EntityID:    t.ID.String(),
		Description: fmt.Sprintf("started %s transaction %s for invoice %s", t.Gateway, t.TransactionID, p.InvoiceNumber),
	})
	return t, nil
}

type CallbackInput struct {
	Status   TransactionStatus      `json:"status"`
	Response map[string]interface{} `json:"response_data,omitempty"`
}

// ReportTransaction records the outcome the gateway reports for a
// transaction. A success settles the payment. Repeating a report that was
// already applied changes nothing.
func (s *Service) ReportTransaction(ctx context.Context, reference string, in CallbackInput) (*Transaction, error) {
	switch in.Status {
	case TransactionProcessing, TransactionSuccess, TransactionFailed:
	default:
		return nil, validation.Fieldf("status", "must be processing, success or failed")
	}
	t, err := s.transactions.GetByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	return s.moveTransaction(ctx, auth.System, t, in.Status, in.Response)
}

// VerifyTransaction lets a cashier confirm a transaction by hand, for
// example after checking an uploaded transfer proof.
func (s *Service) VerifyTransaction(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Transaction, error) {
	t, err := s.transactions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.moveTransaction(ctx, actor, t, TransactionSuccess, map[string]interface{}{
		"verified_by": actor.UserID.String(),
	})
}

func (s *Service) moveTransaction(ctx context.Context, actor auth.Actor, t *Transaction, to TransactionStatus, response map[string]interface{}) (*Transaction, error) {
	if t.Status == to {
		return t, nil
	}
	if err := checkTransactionTransition(t.Status, to); err != nil {
		return nil, err
	}

	from := t.Status
	var (
		p       *Payment
		settled bool
	)
	err := s.tx.InScopedTx(ctx, paymentScope(t.PaymentID), func(ctx context.Context) error {
		if to == TransactionSuccess {
			var err error
			if p, err = s.payments.GetByID(ctx, t.PaymentID); err != nil {
				return err
			}
			if p.Status == PaymentPending {
				owed, err := s.outstanding(ctx, p)
				if err != nil {
					return err
				}
				if roundMoney(t.Amount) != owed {
					return validation.Field("amount", fmt.Errorf("%w: transaction %s carries %s, invoice %s owes %s",
						ErrAmountMismatch, t.TransactionID, FormatAmount(t.Amount), p.InvoiceNumber, FormatAmount(owed)))
				}
				settled = true
			}
		}

		ok, err := s.transactions.UpdateStatus(ctx, t.ID, from, to, response)
		if err != nil {
			return fmt.Errorf("update transaction: %w", err)
		}
		if !ok {
			return validation.Field("status", fmt.Errorf("%w: transaction %s is no longer %s", ErrInvalidTransition, t.TransactionID, from))
		}
		t.Status = to
		if !settled {
			return nil
		}
		return s.settle(ctx, actor, p, methodFor(t.Gateway), nil)
	})
	if err != nil {
		return nil, err
	}

	s.trail.Record(ctx, audit.Entry{
		Actor:       actor,
		Action:      audit.ActionStatus,
		EntityType:  "payment_transaction",
		EntityID:    t.ID.String(),
		Description: fmt.Sprintf("transaction %s is %s", t.TransactionID, to),
		Changes:     map[string]audit.Change{"status": {Old: from, New: to}},
	})
	if settled {
		s.paid(ctx, actor, p)
	}
	return t, nil
}

func (s *Service) ListTransactions(ctx context.Context, actor auth.Actor, paymentID uuid.UUID) ([]*Transaction, error) {
	if _, err := s.Get(ctx, actor, paymentID); err != nil {
		return nil, err
	}
	return s.transactions.ListByPayment(ctx, paymentID)
}
