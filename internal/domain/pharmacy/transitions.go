package pharmacy

import (
	"errors"
	"fmt"

	"github.com/klinik/clinic/internal/platform/validation"
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrMedicationExpired = errors.New("medication has expired")
	// ErrNotEditable is returned when lines change after dispensing started.
	ErrNotEditable = errors.New("prescription is no longer pending")
)

// Pharmacists may hand a pending prescription over directly.
var transitions = map[PrescriptionStatus][]PrescriptionStatus{
	PrescriptionPending:    {PrescriptionProcessing, PrescriptionDelivered},
	PrescriptionProcessing: {PrescriptionDelivered},
}

// CanTransition reports whether a prescription may move between statuses.
func CanTransition(from, to PrescriptionStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to PrescriptionStatus) error {
	if CanTransition(from, to) {
		return nil
	}
	return validation.Field("status", fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, to))
}
