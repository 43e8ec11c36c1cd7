package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/slot-allocation/internal/config"
	"github.com/hackgods/slot-allocation/internal/notify"
	redisclient "github.com/hackgods/slot-allocation/internal/redis"
)

const (
	EventWindowDeclared       = "WINDOW_DECLARED"
	EventWindowRemoved        = "WINDOW_REMOVED"
	EventAppointmentCreated   = "APPOINTMENT_CREATED"
	EventAppointmentApproved  = "APPOINTMENT_APPROVED"
	EventAppointmentRejected  = "APPOINTMENT_REJECTED"
	EventAppointmentCancelled = "APPOINTMENT_CANCELLED"
	EventAppointmentMoved     = "APPOINTMENT_RESCHEDULED"
	EventAppointmentUpdated   = "APPOINTMENT_UPDATED"
	EventAppointmentArchived  = "APPOINTMENT_ARCHIVED"
)

var (
	ErrInvalidRange = errors.New("start time must be before end time")
	ErrPastDate     = errors.New("date or time is in the past")
	ErrNotAvailable = errors.New("director is not available at this time")
	ErrForbidden    = errors.New("forbidden")
	ErrMissingField = errors.New("missing required field")
)

// Actor is the authenticated caller of an operation.
type Actor struct {
	ID   string
	Role Role
}

func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}

type BookRequest struct {
	Actor       Actor
	Date        civil.Date
	StartTime   Clock
	Duration    time.Duration
	Title       string
	Description string
}

// Service is the allocation engine: it owns the rule that every committed
// slot maps to at most one live appointment.
type Service struct {
	store    Store
	locker   redisclient.Locker
	notifier notify.Notifier
	cfg      config.Config
	loc      *time.Location
	now      func() time.Time
	log      *zap.Logger
}

func NewService(store Store, locker redisclient.Locker, notifier notify.Notifier, cfg config.Config, logger *zap.Logger) *Service {
	if locker == nil {
		locker = redisclient.NopLocker{}
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:    store,
		locker:   locker,
		notifier: notifier,
		cfg:      cfg,
		loc:      cfg.Location(),
		now:      time.Now,
		log:      logger.Named("appointment"),
	}
}

func (s *Service) clock() (civil.Date, Clock) {
	now := s.now().In(s.loc)
	return civil.DateOf(now), ClockOf(now)
}

// inPast reports whether a booking starting at date/start has already begun.
func (s *Service) inPast(date civil.Date, start Clock) bool {
	today, nowClock := s.clock()
	if date.Before(today) {
		return true
	}
	return date == today && start < nowClock
}

// DeclareWindow opens [start,end) on date for bookings. Admin only.
func (s *Service) DeclareWindow(ctx context.Context, actor Actor, date civil.Date, start, end Clock) (*AvailabilityWindow, error) {
	if !actor.IsAdmin() {
		return nil, fmt.Errorf("%w: only an admin can declare availability", ErrForbidden)
	}
	if date == (civil.Date{}) {
		return nil, fmt.Errorf("%w: date", ErrMissingField)
	}
	if !start.Valid() || !end.Valid() || start >= end {
		return nil, fmt.Errorf("%w: %s-%s", ErrInvalidRange, start, end)
	}
	if s.inPast(date, start) {
		return nil, fmt.Errorf("%w: %s %s", ErrPastDate, date, start)
	}

	w, err := s.store.CreateWindow(ctx, AvailabilityWindow{
		ID:        uuid.New(),
		Date:      date,
		StartTime: start,
		EndTime:   end,
	})
	if err != nil {
		return nil, err
	}

	s.logEvent(ctx, nil, EventWindowDeclared, map[string]any{
		"window_id":  w.ID.String(),
		"date":       w.Date.String(),
		"start_time": w.StartTime.String(),
		"end_time":   w.EndTime.String(),
	})
	return w, nil
}

func (s *Service) ListWindows(ctx context.Context, date civil.Date) ([]AvailabilityWindow, error) {
	return s.store.ListWindows(ctx, date)
}

// RemoveWindow deletes a window. Slots already committed inside it stay.
func (s *Service) RemoveWindow(ctx context.Context, actor Actor, id uuid.UUID) error {
	if !actor.IsAdmin() {
		return fmt.Errorf("%w: only an admin can remove availability", ErrForbidden)
	}
	if err := s.store.DeleteWindow(ctx, id); err != nil {
		return err
	}
	s.logEvent(ctx, nil, EventWindowRemoved, map[string]any{"window_id": id.String()})
	return nil
}

// Candidates returns the bookable virtual slots for date. Candidates that
// have already started are left out.
func (s *Service) Candidates(ctx context.Context, date civil.Date, duration time.Duration) ([]Slot, error) {
	if !ValidDuration(duration) {
		return nil, ErrInvalidDuration
	}

	windows, err := s.store.ListWindows(ctx, date)
	if err != nil {
		return nil, err
	}
	committed, err := s.store.CommittedSlots(ctx, date)
	if err != nil {
		return nil, err
	}

	seq, err := Generate(date, duration, windows, committed)
	if err != nil {
		return nil, err
	}

	out := []Slot{}
	for slot := range seq {
		if s.inPast(slot.Date, slot.StartTime) {
			continue
		}
		out = append(out, slot)
	}
	return out, nil
}

// Book commits the candidate interval and creates an appointment on it.
// Two concurrent calls for overlapping intervals yield exactly one success;
// the other gets ErrSlotTaken and should fetch fresh candidates.
func (s *Service) Book(ctx context.Context, req BookRequest) (*Appointment, error) {
	req.Title = strings.TrimSpace(req.Title)
	req.Description = strings.TrimSpace(req.Description)

	switch {
	case req.Actor.ID == "":
		return nil, fmt.Errorf("%w: requester", ErrMissingField)
	case req.Date == (civil.Date{}):
		return nil, fmt.Errorf("%w: date", ErrMissingField)
	case req.Title == "":
		return nil, fmt.Errorf("%w: title", ErrMissingField)
	case req.Description == "":
		return nil, fmt.Errorf("%w: description", ErrMissingField)
	}
	if !req.Actor.Role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrForbidden, req.Actor.Role)
	}
	if req.Actor.IsAdmin() {
		return nil, fmt.Errorf("%w: admin cannot book appointments", ErrForbidden)
	}
	if !ValidDuration(req.Duration) {
		return nil, ErrInvalidDuration
	}

	ref := SlotRef{Date: req.Date, StartTime: req.StartTime, Duration: req.Duration}
	if err := s.checkBookable(ctx, ref); err != nil {
		return nil, err
	}

	slot := ref.virtual()
	slot.ID = uuid.New()
	slot.Committed = true

	appt := Appointment{
		ID:            uuid.New(),
		RequesterID:   req.Actor.ID,
		RequesterRole: req.Actor.Role,
		Title:         req.Title,
		Description:   req.Description,
		Status:        Decide(req.Actor.Role),
	}

	var created *Appointment
	err := s.locker.WithSlotLock(ctx, slotLockKey(slot), func(lockCtx context.Context) error {
		a, err := s.store.Create(lockCtx, appt, slot)
		if err != nil {
			return err
		}
		created = a
		return nil
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, fmt.Errorf("%w: interval is being booked by another request", ErrSlotTaken)
		}
		return nil, err
	}

	s.record(ctx, created, EventAppointmentCreated, map[string]any{
		"requester_id": created.RequesterID,
		"role":         string(created.RequesterRole),
	})
	return created, nil
}

// checkBookable verifies ref starts in the future and lies inside a window.
func (s *Service) checkBookable(ctx context.Context, ref SlotRef) error {
	end := ref.EndTime()
	if !ref.StartTime.Valid() || end > EndOfDay {
		return fmt.Errorf("%w: %s %s-%s", ErrNotAvailable, ref.Date, ref.StartTime, end)
	}
	if s.inPast(ref.Date, ref.StartTime) {
		return fmt.Errorf("%w: %s %s", ErrPastDate, ref.Date, ref.StartTime)
	}

	windows, err := s.store.ListWindows(ctx, ref.Date)
	if err != nil {
		return err
	}
	for _, w := range windows {
		if w.Contains(ref.StartTime, end) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s %s-%s", ErrNotAvailable, ref.Date, ref.StartTime, end)
}

// Reschedule moves an appointment onto a new candidate interval. The old
// slot is released and the new one committed in the same transaction.
func (s *Service) Reschedule(ctx context.Context, actor Actor, id uuid.UUID, ref SlotRef) (*Appointment, error) {
	if ref.Date == (civil.Date{}) {
		return nil, fmt.Errorf("%w: date", ErrMissingField)
	}
	if !ValidDuration(ref.Duration) {
		return nil, ErrInvalidDuration
	}

	appt, err := s.visible(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorize(actor, appt); err != nil {
		return nil, err
	}
	if appt.Status.Terminal() {
		return nil, fmt.Errorf("%w: cannot reschedule a %s appointment", ErrInvalidTransition, appt.Status)
	}

	to := DecideReschedule(actor.Role, appt.RequesterRole)
	if to != appt.Status {
		if err := CheckTransition(appt.Status, to); err != nil {
			return nil, err
		}
	}

	if err := s.checkBookable(ctx, ref); err != nil {
		return nil, err
	}

	slot := ref.virtual()
	slot.ID = uuid.New()
	slot.Committed = true
	previous := appt.Slot

	var moved *Appointment
	err = s.locker.WithSlotLock(ctx, slotLockKey(slot), func(lockCtx context.Context) error {
		a, err := s.store.Reschedule(lockCtx, appt.ID, appt.Status, slot, to)
		if err != nil {
			return err
		}
		moved = a
		return nil
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, fmt.Errorf("%w: interval is being booked by another request", ErrSlotTaken)
		}
		return nil, err
	}

	s.record(ctx, moved, EventAppointmentMoved, map[string]any{
		"actor_id":       actor.ID,
		"previous_date":  previous.Date.String(),
		"previous_start": previous.StartTime.String(),
		"previous_end":   previous.EndTime.String(),
		"previous":       string(appt.Status),
	})
	return moved, nil
}

// Cancel marks the appointment cancelled, hides it and releases its slot.
// Cancelling an appointment that is already terminal returns it unchanged
// together with ErrAlreadyTerminal.
func (s *Service) Cancel(ctx context.Context, actor Actor, id uuid.UUID, reason *string) (*Appointment, error) {
	appt, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorize(actor, appt); err != nil {
		return nil, err
	}
	if appt.Status.Terminal() {
		return appt, ErrAlreadyTerminal
	}

	if reason != nil {
		r := strings.TrimSpace(*reason)
		reason = &r
		if r == "" {
			reason = nil
		}
	}

	cancelled, err := s.store.Transition(ctx, TransitionRequest{
		ID:          appt.ID,
		From:        appt.Status,
		To:          StatusCancelled,
		ReleaseSlot: true,
		SoftDelete:  true,
		Reason:      reason,
	})
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			// Lost a race with another writer; report what won.
			current, getErr := s.store.Get(ctx, id)
			if getErr == nil && current.Status.Terminal() {
				return current, ErrAlreadyTerminal
			}
		}
		return nil, err
	}

	payload := map[string]any{"actor_id": actor.ID, "previous": string(appt.Status)}
	if reason != nil {
		payload["reason"] = *reason
	}
	s.record(ctx, cancelled, EventAppointmentCancelled, payload)
	return cancelled, nil
}

// SetStatus approves or rejects an appointment. Admin only; rejecting
// releases the slot.
func (s *Service) SetStatus(ctx context.Context, actor Actor, id uuid.UUID, to AppointmentStatus) (*Appointment, error) {
	if !actor.IsAdmin() {
		return nil, fmt.Errorf("%w: only an admin can change appointment status", ErrForbidden)
	}
	if to != StatusApproved && to != StatusRejected {
		return nil, fmt.Errorf("%w: status can only be set to approved or rejected, got %q", ErrInvalidTransition, to)
	}

	appt, err := s.visible(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := CheckTransition(appt.Status, to); err != nil {
		return nil, err
	}

	updated, err := s.store.Transition(ctx, TransitionRequest{
		ID:          appt.ID,
		From:        appt.Status,
		To:          to,
		ReleaseSlot: to.releasesSlot(),
	})
	if err != nil {
		return nil, err
	}

	event := EventAppointmentApproved
	if to == StatusRejected {
		event = EventAppointmentRejected
	}
	s.record(ctx, updated, event, map[string]any{"actor_id": actor.ID, "previous": string(appt.Status)})
	return updated, nil
}

// Get returns an appointment visible to actor.
func (s *Service) Get(ctx context.Context, actor Actor, id uuid.UUID) (*Appointment, error) {
	appt, err := s.visible(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorize(actor, appt); err != nil {
		return nil, err
	}
	return appt, nil
}

// List returns the actor's appointments, or everyone's for an admin, newest
// first.
func (s *Service) List(ctx context.Context, actor Actor, statuses []AppointmentStatus, includeHidden bool) ([]Appointment, error) {
	filter := ListFilter{
		Statuses:      statuses,
		IncludeHidden: includeHidden,
	}
	if !actor.IsAdmin() {
		if actor.ID == "" {
			return nil, fmt.Errorf("%w: requester", ErrMissingField)
		}
		id := actor.ID
		filter.RequesterID = &id
	}
	return s.store.List(ctx, filter)
}

// UpdateDetails edits title and/or description of a live appointment.
func (s *Service) UpdateDetails(ctx context.Context, actor Actor, id uuid.UUID, title, description *string) (*Appointment, error) {
	if title == nil && description == nil {
		return nil, fmt.Errorf("%w: title or description", ErrMissingField)
	}

	appt, err := s.visible(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorize(actor, appt); err != nil {
		return nil, err
	}
	if appt.Status.Terminal() {
		return nil, ErrAlreadyTerminal
	}

	newTitle, newDescription := appt.Title, appt.Description
	if title != nil && strings.TrimSpace(*title) != "" {
		newTitle = strings.TrimSpace(*title)
	}
	if description != nil && strings.TrimSpace(*description) != "" {
		newDescription = strings.TrimSpace(*description)
	}

	updated, err := s.store.UpdateDetails(ctx, appt.ID, newTitle, newDescription)
	if err != nil {
		return nil, err
	}
	s.logEvent(ctx, &updated.ID, EventAppointmentUpdated, map[string]any{"actor_id": actor.ID})
	return updated, nil
}

// Archive hides a terminal appointment from default listings. Admin only.
func (s *Service) Archive(ctx context.Context, actor Actor, id uuid.UUID) (*Appointment, error) {
	if !actor.IsAdmin() {
		return nil, fmt.Errorf("%w: only an admin can archive appointments", ErrForbidden)
	}
	appt, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !appt.Status.Terminal() {
		return nil, fmt.Errorf("%w: only rejected or cancelled appointments can be archived", ErrInvalidTransition)
	}
	if appt.SoftDeleted {
		return appt, nil
	}

	archived, err := s.store.SoftDelete(ctx, appt.ID)
	if err != nil {
		return nil, err
	}
	s.logEvent(ctx, &archived.ID, EventAppointmentArchived, map[string]any{"actor_id": actor.ID})
	return archived, nil
}

// visible loads an appointment and hides soft-deleted ones.
func (s *Service) visible(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	appt, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if appt.SoftDeleted {
		return nil, ErrAppointmentNotFound
	}
	return appt, nil
}

func authorize(actor Actor, appt *Appointment) error {
	if actor.IsAdmin() || (actor.ID != "" && appt.OwnedBy(actor.ID)) {
		return nil
	}
	return ErrForbidden
}

func slotLockKey(slot Slot) string {
	return fmt.Sprintf("%s:%s-%s", slot.Date, slot.StartTime, slot.EndTime)
}

// record writes the event log row and hands the appointment to the
// notifier. Neither failure is returned: the mutation already committed.
func (s *Service) record(ctx context.Context, appt *Appointment, eventType string, payload map[string]any) {
	payload["status"] = string(appt.Status)
	payload["date"] = appt.Slot.Date.String()
	payload["start_time"] = appt.Slot.StartTime.String()
	payload["end_time"] = appt.Slot.EndTime.String()
	s.logEvent(ctx, &appt.ID, eventType, payload)

	ev := notify.Event{
		Type:          eventType,
		AppointmentID: appt.ID.String(),
		RequesterID:   appt.RequesterID,
		Title:         appt.Title,
		Status:        string(appt.Status),
		Date:          appt.Slot.Date.String(),
		StartTime:     appt.Slot.StartTime.String(),
		EndTime:       appt.Slot.EndTime.String(),
		OccurredAt:    s.now().UTC(),
	}
	if appt.CancelReason != nil {
		ev.Reason = *appt.CancelReason
	}
	if err := s.notifier.Notify(context.WithoutCancel(ctx), ev); err != nil {
		s.log.Warn("notify failed",
			zap.String("event", eventType),
			zap.Stringer("appointment_id", appt.ID),
			zap.Error(err),
		)
	}
}

func (s *Service) logEvent(ctx context.Context, appointmentID *uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Error("marshal event payload", zap.String("event", eventType), zap.Error(err))
		data = nil
	}

	ev := EventLog{
		EventType:     eventType,
		AppointmentID: appointmentID,
		Payload:       data,
		CreatedAt:     s.now().UTC(),
	}

	if err := s.store.InsertEvent(context.WithoutCancel(ctx), ev); err != nil {
		s.log.Error("insert event log", zap.String("event", eventType), zap.Error(err))
	}
}
