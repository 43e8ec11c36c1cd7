package appointment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgExclusionViolation = "23P01"
	pgUniqueViolation    = "23505"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Helpers

const appointmentColumns = `
	a.id, a.requester_id, a.requester_role, a.title, a.description, a.status,
	a.is_deleted, a.cancel_reason, a.created_at, a.updated_at,
	s.id, s.day, s.start_min, s.end_min, s.duration_min, s.committed`

const appointmentFrom = `
	FROM appointments a
	JOIN slots s ON s.id = a.slot_id`

func pgDate(d civil.Date) time.Time {
	return d.In(time.UTC)
}

func scanWindow(row pgx.Row) (*AvailabilityWindow, error) {
	var w AvailabilityWindow
	var day time.Time
	var start, end int

	err := row.Scan(&w.ID, &day, &start, &end, &w.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWindowNotFound
		}
		return nil, err
	}

	w.Date = civil.DateOf(day)
	w.StartTime = Clock(start)
	w.EndTime = Clock(end)
	return &w, nil
}

func scanSlot(row pgx.Row) (*Slot, error) {
	var s Slot
	var day time.Time
	var start, end, duration int

	err := row.Scan(&s.ID, &day, &start, &end, &duration, &s.Committed)
	if err != nil {
		return nil, err
	}

	s.Date = civil.DateOf(day)
	s.StartTime = Clock(start)
	s.EndTime = Clock(end)
	s.Duration = DurationMinutes(duration)
	return &s, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var role, status string
	var day time.Time
	var start, end, duration int

	err := row.Scan(
		&a.ID,
		&a.RequesterID,
		&role,
		&a.Title,
		&a.Description,
		&status,
		&a.SoftDeleted,
		&a.CancelReason,
		&a.CreatedAt,
		&a.UpdatedAt,
		&a.Slot.ID,
		&day,
		&start,
		&end,
		&duration,
		&a.Slot.Committed,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	a.RequesterRole = Role(role)
	a.Status = AppointmentStatus(status)
	a.Slot.Date = civil.DateOf(day)
	a.Slot.StartTime = Clock(start)
	a.Slot.EndTime = Clock(end)
	a.Slot.Duration = DurationMinutes(duration)
	return &a, nil
}

// mapPgError turns constraint violations into domain errors. Anything else
// becomes a StorageError.
func mapPgError(op string, err error, conflict error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrOverlap) || errors.Is(err, ErrSlotTaken) || errors.Is(err, ErrInvalidTransition) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgExclusionViolation, pgUniqueViolation:
			return fmt.Errorf("%w (%s)", conflict, pgErr.ConstraintName)
		}
	}
	return storageErr(op, err)
}

// lockDay serializes writers for one kind of row on one date for the rest
// of the transaction.
func lockDay(ctx context.Context, tx pgx.Tx, scope string, date civil.Date) error {
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, scope+":"+date.String())
	return err
}

func getAppointment(ctx context.Context, q querier, id uuid.UUID) (*Appointment, error) {
	row := q.QueryRow(ctx, `SELECT `+appointmentColumns+appointmentFrom+` WHERE a.id = $1`, id)
	return scanAppointment(row)
}

func commitSlot(ctx context.Context, tx pgx.Tx, slot Slot) error {
	var taken bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM slots
			WHERE committed
			  AND day = $1
			  AND start_min < $3
			  AND $2 < end_min
		)
	`, pgDate(slot.Date), int(slot.StartTime), int(slot.EndTime)).Scan(&taken)
	if err != nil {
		return err
	}
	if taken {
		return ErrSlotTaken
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO slots (id, day, start_min, end_min, duration_min, committed, created_at)
		VALUES ($1, $2, $3, $4, $5, TRUE, now())
	`, slot.ID, pgDate(slot.Date), int(slot.StartTime), int(slot.EndTime), int(slot.Duration/time.Minute))
	return err
}

// Availability

func (r *PgRepository) CreateWindow(ctx context.Context, w AvailabilityWindow) (*AvailabilityWindow, error) {
	var created *AvailabilityWindow

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if err := lockDay(ctx, tx, "windows", w.Date); err != nil {
			return err
		}

		var overlaps bool
		if err := tx.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM availability_windows
				WHERE day = $1 AND start_min < $3 AND $2 < end_min
			)
		`, pgDate(w.Date), int(w.StartTime), int(w.EndTime)).Scan(&overlaps); err != nil {
			return err
		}
		if overlaps {
			return ErrOverlap
		}

		row := tx.QueryRow(ctx, `
			INSERT INTO availability_windows (id, day, start_min, end_min, created_at)
			VALUES ($1, $2, $3, $4, now())
			RETURNING id, day, start_min, end_min, created_at
		`, w.ID, pgDate(w.Date), int(w.StartTime), int(w.EndTime))

		var err error
		created, err = scanWindow(row)
		return err
	})
	if err != nil {
		return nil, mapPgError("create window", err, ErrOverlap)
	}

	return created, nil
}

func (r *PgRepository) ListWindows(ctx context.Context, date civil.Date) ([]AvailabilityWindow, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, day, start_min, end_min, created_at
		FROM availability_windows
		WHERE day = $1
		ORDER BY start_min
	`, pgDate(date))
	if err != nil {
		return nil, storageErr("list windows", err)
	}
	defer rows.Close()

	result := []AvailabilityWindow{}
	for rows.Next() {
		w, err := scanWindow(rows)
		if err != nil {
			return nil, storageErr("list windows", err)
		}
		result = append(result, *w)
	}

	if err := rows.Err(); err != nil {
		return nil, storageErr("list windows", err)
	}

	return result, nil
}

func (r *PgRepository) DeleteWindow(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM availability_windows WHERE id = $1`, id)
	if err != nil {
		return storageErr("delete window", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrWindowNotFound
	}
	return nil
}

// Ledger

func (r *PgRepository) CommittedSlots(ctx context.Context, date civil.Date) ([]Slot, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, day, start_min, end_min, duration_min, committed
		FROM slots
		WHERE committed AND day = $1
		ORDER BY start_min
	`, pgDate(date))
	if err != nil {
		return nil, storageErr("committed slots", err)
	}
	defer rows.Close()

	result := []Slot{}
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, storageErr("committed slots", err)
		}
		result = append(result, *s)
	}

	if err := rows.Err(); err != nil {
		return nil, storageErr("committed slots", err)
	}

	return result, nil
}

func (r *PgRepository) Create(ctx context.Context, appt Appointment, slot Slot) (*Appointment, error) {
	var created *Appointment

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if err := lockDay(ctx, tx, "slots", slot.Date); err != nil {
			return err
		}
		if err := commitSlot(ctx, tx, slot); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO appointments
				(id, requester_id, requester_role, slot_id, title, description, status, is_deleted, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, now(), now())
		`, appt.ID, appt.RequesterID, string(appt.RequesterRole), slot.ID,
			appt.Title, appt.Description, string(appt.Status)); err != nil {
			return err
		}

		var err error
		created, err = getAppointment(ctx, tx, appt.ID)
		return err
	})
	if err != nil {
		return nil, mapPgError("create appointment", err, ErrSlotTaken)
	}

	return created, nil
}

func (r *PgRepository) Get(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := getAppointment(ctx, r.pool, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, storageErr("get appointment", err)
	}
	return a, err
}

func (r *PgRepository) List(ctx context.Context, filter ListFilter) ([]Appointment, error) {
	var conds []string
	var args []any

	if filter.RequesterID != nil {
		args = append(args, *filter.RequesterID)
		conds = append(conds, fmt.Sprintf("a.requester_id = $%d", len(args)))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
		conds = append(conds, fmt.Sprintf("a.status = ANY($%d)", len(args)))
	}
	if !filter.IncludeHidden {
		conds = append(conds, "NOT a.is_deleted")
	}

	query := `SELECT ` + appointmentColumns + appointmentFrom
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY a.created_at DESC, a.id`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list appointments", err)
	}
	defer rows.Close()

	result := []Appointment{}
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, storageErr("list appointments", err)
		}
		result = append(result, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, storageErr("list appointments", err)
	}

	return result, nil
}

// lockAppointment takes a row lock and checks the appointment is still in
// status from. Returns its current slot id.
func lockAppointment(ctx context.Context, tx pgx.Tx, id uuid.UUID, from AppointmentStatus) (uuid.UUID, error) {
	var slotID uuid.UUID
	var status string

	err := tx.QueryRow(ctx, `
		SELECT slot_id, status FROM appointments WHERE id = $1 FOR UPDATE
	`, id).Scan(&slotID, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, ErrAppointmentNotFound
		}
		return uuid.Nil, err
	}
	if AppointmentStatus(status) != from {
		return uuid.Nil, fmt.Errorf("%w: appointment is %s, expected %s", ErrInvalidTransition, status, from)
	}
	return slotID, nil
}

func (r *PgRepository) Transition(ctx context.Context, req TransitionRequest) (*Appointment, error) {
	var updated *Appointment

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		slotID, err := lockAppointment(ctx, tx, req.ID, req.From)
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `
			UPDATE appointments
			SET status = $2,
			    is_deleted = is_deleted OR $3,
			    cancel_reason = COALESCE($4, cancel_reason),
			    updated_at = now()
			WHERE id = $1
		`, req.ID, string(req.To), req.SoftDelete, req.Reason); err != nil {
			return err
		}

		if req.ReleaseSlot {
			if _, err := tx.Exec(ctx, `UPDATE slots SET committed = FALSE WHERE id = $1`, slotID); err != nil {
				return err
			}
		}

		updated, err = getAppointment(ctx, tx, req.ID)
		return err
	})
	if err != nil {
		return nil, mapPgError("transition appointment", err, ErrInvalidTransition)
	}

	return updated, nil
}

func (r *PgRepository) Reschedule(ctx context.Context, id uuid.UUID, from AppointmentStatus, newSlot Slot, to AppointmentStatus) (*Appointment, error) {
	var moved *Appointment

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if err := lockDay(ctx, tx, "slots", newSlot.Date); err != nil {
			return err
		}

		oldSlotID, err := lockAppointment(ctx, tx, id, from)
		if err != nil {
			return err
		}

		// Release first so the appointment may move into an interval that
		// overlaps its own previous slot.
		if _, err := tx.Exec(ctx, `UPDATE slots SET committed = FALSE WHERE id = $1`, oldSlotID); err != nil {
			return err
		}
		if err := commitSlot(ctx, tx, newSlot); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `
			UPDATE appointments
			SET slot_id = $2,
			    status = $3,
			    updated_at = now()
			WHERE id = $1
		`, id, newSlot.ID, string(to)); err != nil {
			return err
		}

		moved, err = getAppointment(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, mapPgError("reschedule appointment", err, ErrSlotTaken)
	}

	return moved, nil
}

func (r *PgRepository) UpdateDetails(ctx context.Context, id uuid.UUID, title, description string) (*Appointment, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE appointments
		SET title = $2,
		    description = $3,
		    updated_at = now()
		WHERE id = $1
	`, id, title, description)
	if err != nil {
		return nil, storageErr("update appointment", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrAppointmentNotFound
	}
	return r.Get(ctx, id)
}

func (r *PgRepository) SoftDelete(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE appointments
		SET is_deleted = TRUE,
		    updated_at = now()
		WHERE id = $1
	`, id)
	if err != nil {
		return nil, storageErr("archive appointment", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrAppointmentNotFound
	}
	return r.Get(ctx, id)
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return storageErr("insert event log", err)
	}

	return nil
}

// Ping reports whether the database is reachable.
func (r *PgRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
