package appointment

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrAppointmentNotFound = fmt.Errorf("appointment %w", ErrNotFound)
	ErrWindowNotFound      = fmt.Errorf("availability window %w", ErrNotFound)

	ErrOverlap   = errors.New("window overlaps an existing availability window")
	ErrSlotTaken = errors.New("slot overlaps a committed slot")
)

// StorageError wraps a persistence failure so callers can tell it apart from
// domain errors.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// AvailabilityStore persists admin-declared windows.
type AvailabilityStore interface {
	// CreateWindow returns ErrOverlap if the window intersects another on
	// the same date.
	CreateWindow(ctx context.Context, w AvailabilityWindow) (*AvailabilityWindow, error)
	// ListWindows returns the date's windows ordered by start time.
	ListWindows(ctx context.Context, date civil.Date) ([]AvailabilityWindow, error)
	DeleteWindow(ctx context.Context, id uuid.UUID) error
}

// Ledger persists appointments together with the slots they commit.
// Every write that touches both a slot and an appointment is atomic.
type Ledger interface {
	// CommittedSlots returns live committed slots for the date, ascending.
	CommittedSlots(ctx context.Context, date civil.Date) ([]Slot, error)

	// Create commits slot and inserts appt referencing it. Returns
	// ErrSlotTaken if slot overlaps a live committed slot.
	Create(ctx context.Context, appt Appointment, slot Slot) (*Appointment, error)

	// Get returns the appointment including soft-deleted ones.
	Get(ctx context.Context, id uuid.UUID) (*Appointment, error)
	List(ctx context.Context, filter ListFilter) ([]Appointment, error)

	// Transition moves an appointment from one status to another if it is
	// still in the from status, optionally releasing its slot.
	Transition(ctx context.Context, req TransitionRequest) (*Appointment, error)

	// Reschedule releases the current slot, commits newSlot and sets status,
	// all in one transaction. The appointment must still be in status from.
	Reschedule(ctx context.Context, id uuid.UUID, from AppointmentStatus, newSlot Slot, to AppointmentStatus) (*Appointment, error)

	UpdateDetails(ctx context.Context, id uuid.UUID, title, description string) (*Appointment, error)
	SoftDelete(ctx context.Context, id uuid.UUID) (*Appointment, error)

	InsertEvent(ctx context.Context, ev EventLog) error
}

// Store is what the service needs from a backend.
type Store interface {
	AvailabilityStore
	Ledger
}

type TransitionRequest struct {
	ID          uuid.UUID
	From        AppointmentStatus
	To          AppointmentStatus
	ReleaseSlot bool
	SoftDelete  bool
	Reason      *string
}
