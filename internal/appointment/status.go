package appointment

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrAlreadyTerminal   = errors.New("appointment is already in a terminal state")
)

// transitions lists every allowed status change. approved -> pending only
// happens through a reschedule that needs re-approval.
var transitions = map[AppointmentStatus][]AppointmentStatus{
	StatusPending:  {StatusApproved, StatusRejected, StatusCancelled},
	StatusApproved: {StatusCancelled, StatusPending},
}

func (s AppointmentStatus) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

func (s AppointmentStatus) Terminal() bool {
	return s == StatusRejected || s == StatusCancelled
}

// Live reports whether an appointment in this status holds its slot.
func (s AppointmentStatus) Live() bool {
	return s == StatusPending || s == StatusApproved
}

// releasesSlot reports whether entering s frees the committed slot.
func (s AppointmentStatus) releasesSlot() bool {
	return s.Terminal()
}

func CanTransition(from, to AppointmentStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns nil when from -> to is allowed.
func CheckTransition(from, to AppointmentStatus) error {
	if CanTransition(from, to) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

func ParseStatus(s string) (AppointmentStatus, error) {
	st := AppointmentStatus(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}
