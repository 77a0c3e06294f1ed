package scheduling

import (
	"errors"
	"fmt"

	"github.com/klinik/clinic/internal/platform/validation"
)

var (
	// ErrInvalidTransition is wrapped by every rejected status change.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrDuplicateBooking means the patient already holds an active
	// appointment with the doctor on that date.
	ErrDuplicateBooking = errors.New("an active appointment with this doctor already exists on that date")
)

// completed is only reachable through medical record creation.
var transitions = map[Status][]Status{
	StatusPending:   {StatusConfirmed, StatusCancelled},
	StatusConfirmed: {StatusCancelled, StatusCompleted},
}

// CanTransition reports whether an appointment may move from one status to
// another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to Status) error {
	if CanTransition(from, to) {
		return nil
	}
	return validation.Field("status", fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, to))
}
