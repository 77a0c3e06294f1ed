package billing

import (
	"errors"
	"fmt"

	"github.com/klinik/clinic/internal/platform/validation"
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrHasInstallments   = errors.New("payment already has installments")
	ErrNoCharges         = errors.New("payment total is zero")
	ErrTooSmallToSplit   = errors.New("total is too small for that many installments")
	ErrBelowCollected    = errors.New("charges are below what installments already collected")
	ErrAmountMismatch    = errors.New("collected amount does not match the invoice total")
)

// Paid is terminal.
var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentPending: {PaymentPaid},
}

var transactionTransitions = map[TransactionStatus][]TransactionStatus{
	TransactionPending:    {TransactionProcessing, TransactionSuccess, TransactionFailed, TransactionCancelled},
	TransactionProcessing: {TransactionSuccess, TransactionFailed},
}

// CanTransition reports whether a payment may move between statuses.
func CanTransition(from, to PaymentStatus) bool {
	for _, s := range paymentTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CanTransitionTransaction reports whether a gateway transaction may move
// between statuses.
func CanTransitionTransaction(from, to TransactionStatus) bool {
	for _, s := range transactionTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to PaymentStatus) error {
	if CanTransition(from, to) {
		return nil
	}
	return validation.Field("status", fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, to))
}

func checkTransactionTransition(from, to TransactionStatus) error {
	if CanTransitionTransaction(from, to) {
		return nil
	}
	return validation.Field("status", fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, to))
}
