package appointment

import (
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
)

type AppointmentStatus string

const (
	StatusPending   AppointmentStatus = "pending"
	StatusApproved  AppointmentStatus = "approved"
	StatusRejected  AppointmentStatus = "rejected"
	StatusCancelled AppointmentStatus = "cancelled"
)

type Role string

const (
	RoleInternal Role = "internal"
	RoleExternal Role = "external"
	RoleAdmin    Role = "admin"
)

// AvailabilityWindow is an admin-declared interval on a date during which
// bookings may be carved out.
type AvailabilityWindow struct {
	ID        uuid.UUID
	Date      civil.Date
	StartTime Clock
	EndTime   Clock
	CreatedAt time.Time
}

// Contains reports whether [start,end) lies entirely inside the window.
func (w AvailabilityWindow) Contains(start, end Clock) bool {
	return w.StartTime <= start && end <= w.EndTime
}

// Slot is either a virtual candidate (ID is uuid.Nil, Committed is false)
// or a persisted slot owned by one appointment.
type Slot struct {
	ID        uuid.UUID
	Date      civil.Date
	StartTime Clock
	EndTime   Clock
	Duration  time.Duration
	Committed bool
}

func (s Slot) Overlaps(o Slot) bool {
	return s.Date == o.Date && Overlaps(s.StartTime, s.EndTime, o.StartTime, o.EndTime)
}

// SlotRef identifies a candidate interval by its start and length.
type SlotRef struct {
	Date      civil.Date
	StartTime Clock
	Duration  time.Duration
}

func (r SlotRef) EndTime() Clock {
	return r.StartTime.Add(r.Duration)
}

func (r SlotRef) virtual() Slot {
	return Slot{
		Date:      r.Date,
		StartTime: r.StartTime,
		EndTime:   r.EndTime(),
		Duration:  r.Duration,
	}
}

type Appointment struct {
	ID            uuid.UUID
	RequesterID   string
	RequesterRole Role
	Slot          Slot
	Title         string
	Description   string
	Status        AppointmentStatus
	SoftDeleted   bool
	CancelReason  *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (a *Appointment) OwnedBy(requesterID string) bool {
	return a.RequesterID == requesterID
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

// ListFilter narrows Ledger.List. A nil RequesterID lists everyone's.
type ListFilter struct {
	RequesterID   *string
	Statuses      []AppointmentStatus
	IncludeHidden bool
}
