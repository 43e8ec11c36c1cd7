package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/slot-allocation/internal/appointment"
)

type CreateWindowRequest struct {
	Date      string `json:"date"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

type WindowResponse struct {
	ID        uuid.UUID `json:"id"`
	Date      string    `json:"date"`
	StartTime string    `json:"start_time"`
	EndTime   string    `json:"end_time"`
	CreatedAt time.Time `json:"created_at"`
}

type SlotResponse struct {
	ID              *uuid.UUID `json:"id,omitempty"`
	Date            string     `json:"date"`
	Start           string     `json:"start"`
	End             string     `json:"end"`
	DurationMinutes int        `json:"duration_minutes"`
	Committed       bool       `json:"committed"`
}

// CreateBookingRequest books a candidate. Duration is in minutes.
type CreateBookingRequest struct {
	Date        string `json:"date"`
	StartTime   string `json:"start_time"`
	Duration    int    `json:"duration"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

type RescheduleRequest struct {
	Date      string `json:"date"`
	StartTime string `json:"start_time"`
	Duration  int    `json:"duration"`
}

type UpdateDetailsRequest struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
}

type CancelRequest struct {
	Reason *string `json:"reason"`
}

type SetStatusRequest struct {
	Status string `json:"status"`
}

type AppointmentResponse struct {
	ID            uuid.UUID    `json:"id"`
	RequesterID   string       `json:"requester_id"`
	RequesterRole string       `json:"requester_role"`
	Title         string       `json:"title"`
	Description   string       `json:"description"`
	Status        string       `json:"status"`
	Hidden        bool         `json:"is_deleted"`
	CancelReason  *string      `json:"cancel_reason,omitempty"`
	Slot          SlotResponse `json:"slot"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

type CancelResponse struct {
	Appointment      AppointmentResponse `json:"appointment"`
	AlreadyCancelled bool                `json:"already_cancelled"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toWindowResponse(w appointment.AvailabilityWindow) WindowResponse {
	return WindowResponse{
		ID:        w.ID,
		Date:      w.Date.String(),
		StartTime: w.StartTime.String(),
		EndTime:   w.EndTime.String(),
		CreatedAt: w.CreatedAt,
	}
}

func toSlotResponse(s appointment.Slot) SlotResponse {
	resp := SlotResponse{
		Date:            s.Date.String(),
		Start:           s.StartTime.String(),
		End:             s.EndTime.String(),
		DurationMinutes: int(s.Duration / time.Minute),
		Committed:       s.Committed,
	}
	if s.ID != uuid.Nil {
		id := s.ID
		resp.ID = &id
	}
	return resp
}

func toAppointmentResponse(a *appointment.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:            a.ID,
		RequesterID:   a.RequesterID,
		RequesterRole: string(a.RequesterRole),
		Title:         a.Title,
		Description:   a.Description,
		Status:        string(a.Status),
		Hidden:        a.SoftDeleted,
		CancelReason:  a.CancelReason,
		Slot:          toSlotResponse(a.Slot),
		CreatedAt:     a.CreatedAt,
		UpdatedAt:     a.UpdatedAt,
	}
}
