package appointment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
)

// SQLiteRepository is a single-file Store for local development and tests.
// SQLite has no exclusion constraints, so writers are serialized by mu and
// overlap is checked inside each transaction. Use ":memory:" for an
// in-memory database.
type SQLiteRepository struct {
	db *sql.DB
	mu sync.Mutex
}

func NewSQLiteRepository(path string) (*SQLiteRepository, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_foreign_keys=on&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps ":memory:" databases alive and shared.
	db.SetMaxOpenConns(1)

	repo := &SQLiteRepository{db: db}
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}

	return repo, nil
}

func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *SQLiteRepository) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS availability_windows (
		id TEXT PRIMARY KEY,
		day TEXT NOT NULL,
		start_min INTEGER NOT NULL,
		end_min INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		CHECK (start_min < end_min)
	);

	CREATE INDEX IF NOT EXISTS idx_windows_day
		ON availability_windows(day, start_min);

	CREATE TABLE IF NOT EXISTS slots (
		id TEXT PRIMARY KEY,
		day TEXT NOT NULL,
		start_min INTEGER NOT NULL,
		end_min INTEGER NOT NULL,
		duration_min INTEGER NOT NULL,
		committed BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL,
		CHECK (start_min < end_min)
	);

	CREATE INDEX IF NOT EXISTS idx_slots_committed_day
		ON slots(day, start_min) WHERE committed;

	CREATE TABLE IF NOT EXISTS appointments (
		id TEXT PRIMARY KEY,
		requester_id TEXT NOT NULL,
		requester_role TEXT NOT NULL,
		slot_id TEXT NOT NULL REFERENCES slots(id),
		title TEXT NOT NULL,
		description TEXT NOT NULL,
		status TEXT NOT NULL,
		is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
		cancel_reason TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- A slot backs at most one live appointment.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_appointments_live_slot
		ON appointments(slot_id) WHERE status IN ('pending', 'approved');

	CREATE INDEX IF NOT EXISTS idx_appointments_requester
		ON appointments(requester_id, created_at);

	CREATE TABLE IF NOT EXISTS event_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		appointment_id TEXT,
		payload TEXT,
		created_at TEXT NOT NULL
	);
	`

	_, err := r.db.Exec(schema)
	return err
}

// Fixed-width so that text ordering matches time ordering.
const sqliteTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func nowText() string {
	return time.Now().UTC().Format(sqliteTimeFormat)
}

func parseText(s string) time.Time {
	t, _ := time.Parse(sqliteTimeFormat, s)
	return t
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

// inTx runs fn in a transaction while holding the writer lock.
func (r *SQLiteRepository) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(op, err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		switch {
		case errors.Is(err, ErrNotFound), errors.Is(err, ErrOverlap),
			errors.Is(err, ErrSlotTaken), errors.Is(err, ErrInvalidTransition):
			return err
		case isUniqueConstraintError(err):
			return fmt.Errorf("%w: %v", ErrSlotTaken, err)
		}
		return storageErr(op, err)
	}

	if err := tx.Commit(); err != nil {
		return storageErr(op, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

type sqlQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const sqliteAppointmentSelect = `
	SELECT a.id, a.requester_id, a.requester_role, a.title, a.description, a.status,
	       a.is_deleted, a.cancel_reason, a.created_at, a.updated_at,
	       s.id, s.day, s.start_min, s.end_min, s.duration_min, s.committed
	FROM appointments a
	JOIN slots s ON s.id = a.slot_id`

func scanSQLiteWindow(row rowScanner) (*AvailabilityWindow, error) {
	var w AvailabilityWindow
	var day, createdAt string
	var start, end int

	if err := row.Scan(&w.ID, &day, &start, &end, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrWindowNotFound
		}
		return nil, err
	}

	d, err := civil.ParseDate(day)
	if err != nil {
		return nil, err
	}
	w.Date = d
	w.StartTime = Clock(start)
	w.EndTime = Clock(end)
	w.CreatedAt = parseText(createdAt)
	return &w, nil
}

func scanSQLiteSlot(row rowScanner) (*Slot, error) {
	var s Slot
	var day string
	var start, end, duration int

	if err := row.Scan(&s.ID, &day, &start, &end, &duration, &s.Committed); err != nil {
		return nil, err
	}

	d, err := civil.ParseDate(day)
	if err != nil {
		return nil, err
	}
	s.Date = d
	s.StartTime = Clock(start)
	s.EndTime = Clock(end)
	s.Duration = DurationMinutes(duration)
	return &s, nil
}

func scanSQLiteAppointment(row rowScanner) (*Appointment, error) {
	var a Appointment
	var role, status, createdAt, updatedAt, day string
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
		&createdAt,
		&updatedAt,
		&a.Slot.ID,
		&day,
		&start,
		&end,
		&duration,
		&a.Slot.Committed,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	d, err := civil.ParseDate(day)
	if err != nil {
		return nil, err
	}
	a.RequesterRole = Role(role)
	a.Status = AppointmentStatus(status)
	a.CreatedAt = parseText(createdAt)
	a.UpdatedAt = parseText(updatedAt)
	a.Slot.Date = d
	a.Slot.StartTime = Clock(start)
	a.Slot.EndTime = Clock(end)
	a.Slot.Duration = DurationMinutes(duration)
	return &a, nil
}

func sqliteGetAppointment(ctx context.Context, q sqlQuerier, id uuid.UUID) (*Appointment, error) {
	return scanSQLiteAppointment(q.QueryRowContext(ctx, sqliteAppointmentSelect+` WHERE a.id = ?`, id.String()))
}

func sqliteCommitSlot(ctx context.Context, tx *sql.Tx, slot Slot) error {
	var taken bool
	err := tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM slots
			WHERE committed AND day = ? AND start_min < ? AND ? < end_min
		)
	`, slot.Date.String(), int(slot.EndTime), int(slot.StartTime)).Scan(&taken)
	if err != nil {
		return err
	}
	if taken {
		return ErrSlotTaken
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO slots (id, day, start_min, end_min, duration_min, committed, created_at)
		VALUES (?, ?, ?, ?, ?, TRUE, ?)
	`, slot.ID.String(), slot.Date.String(), int(slot.StartTime), int(slot.EndTime),
		int(slot.Duration/time.Minute), nowText())
	return err
}

func sqliteLockAppointment(ctx context.Context, tx *sql.Tx, id uuid.UUID, from AppointmentStatus) (string, error) {
	var slotID, status string
	err := tx.QueryRowContext(ctx, `SELECT slot_id, status FROM appointments WHERE id = ?`, id.String()).
		Scan(&slotID, &status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrAppointmentNotFound
		}
		return "", err
	}
	if AppointmentStatus(status) != from {
		return "", fmt.Errorf("%w: appointment is %s, expected %s", ErrInvalidTransition, status, from)
	}
	return slotID, nil
}

// Availability

func (r *SQLiteRepository) CreateWindow(ctx context.Context, w AvailabilityWindow) (*AvailabilityWindow, error) {
	var created *AvailabilityWindow

	err := r.inTx(ctx, "create window", func(tx *sql.Tx) error {
		var overlaps bool
		if err := tx.QueryRowContext(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM availability_windows
				WHERE day = ? AND start_min < ? AND ? < end_min
			)
		`, w.Date.String(), int(w.EndTime), int(w.StartTime)).Scan(&overlaps); err != nil {
			return err
		}
		if overlaps {
			return ErrOverlap
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO availability_windows (id, day, start_min, end_min, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, w.ID.String(), w.Date.String(), int(w.StartTime), int(w.EndTime), nowText()); err != nil {
			return err
		}

		var err error
		created, err = scanSQLiteWindow(tx.QueryRowContext(ctx, `
			SELECT id, day, start_min, end_min, created_at
			FROM availability_windows WHERE id = ?
		`, w.ID.String()))
		return err
	})
	if err != nil {
		return nil, err
	}

	return created, nil
}

func (r *SQLiteRepository) ListWindows(ctx context.Context, date civil.Date) ([]AvailabilityWindow, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, day, start_min, end_min, created_at
		FROM availability_windows
		WHERE day = ?
		ORDER BY start_min
	`, date.String())
	if err != nil {
		return nil, storageErr("list windows", err)
	}
	defer rows.Close()

	result := []AvailabilityWindow{}
	for rows.Next() {
		w, err := scanSQLiteWindow(rows)
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

func (r *SQLiteRepository) DeleteWindow(ctx context.Context, id uuid.UUID) error {
	return r.inTx(ctx, "delete window", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM availability_windows WHERE id = ?`, id.String())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrWindowNotFound
		}
		return nil
	})
}

// Ledger

func (r *SQLiteRepository) CommittedSlots(ctx context.Context, date civil.Date) ([]Slot, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, day, start_min, end_min, duration_min, committed
		FROM slots
		WHERE committed AND day = ?
		ORDER BY start_min
	`, date.String())
	if err != nil {
		return nil, storageErr("committed slots", err)
	}
	defer rows.Close()

	result := []Slot{}
	for rows.Next() {
		s, err := scanSQLiteSlot(rows)
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

func (r *SQLiteRepository) Create(ctx context.Context, appt Appointment, slot Slot) (*Appointment, error) {
	var created *Appointment

	err := r.inTx(ctx, "create appointment", func(tx *sql.Tx) error {
		if err := sqliteCommitSlot(ctx, tx, slot); err != nil {
			return err
		}

		now := nowText()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO appointments
				(id, requester_id, requester_role, slot_id, title, description, status, is_deleted, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, FALSE, ?, ?)
		`, appt.ID.String(), appt.RequesterID, string(appt.RequesterRole), slot.ID.String(),
			appt.Title, appt.Description, string(appt.Status), now, now); err != nil {
			return err
		}

		var err error
		created, err = sqliteGetAppointment(ctx, tx, appt.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	return created, nil
}

func (r *SQLiteRepository) Get(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := sqliteGetAppointment(ctx, r.db, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, storageErr("get appointment", err)
	}
	return a, err
}

func (r *SQLiteRepository) List(ctx context.Context, filter ListFilter) ([]Appointment, error) {
	var conds []string
	var args []any

	if filter.RequesterID != nil {
		conds = append(conds, "a.requester_id = ?")
		args = append(args, *filter.RequesterID)
	}
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		conds = append(conds, "a.status IN ("+strings.Join(marks, ", ")+")")
	}
	if !filter.IncludeHidden {
		conds = append(conds, "NOT a.is_deleted")
	}

	query := sqliteAppointmentSelect
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY a.created_at DESC, a.rowid DESC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list appointments", err)
	}
	defer rows.Close()

	result := []Appointment{}
	for rows.Next() {
		a, err := scanSQLiteAppointment(rows)
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

func (r *SQLiteRepository) Transition(ctx context.Context, req TransitionRequest) (*Appointment, error) {
	var updated *Appointment

	err := r.inTx(ctx, "transition appointment", func(tx *sql.Tx) error {
		slotID, err := sqliteLockAppointment(ctx, tx, req.ID, req.From)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE appointments
			SET status = ?,
			    is_deleted = (is_deleted OR ?),
			    cancel_reason = COALESCE(?, cancel_reason),
			    updated_at = ?
			WHERE id = ?
		`, string(req.To), req.SoftDelete, req.Reason, nowText(), req.ID.String()); err != nil {
			return err
		}

		if req.ReleaseSlot {
			if _, err := tx.ExecContext(ctx, `UPDATE slots SET committed = FALSE WHERE id = ?`, slotID); err != nil {
				return err
			}
		}

		updated, err = sqliteGetAppointment(ctx, tx, req.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

func (r *SQLiteRepository) Reschedule(ctx context.Context, id uuid.UUID, from AppointmentStatus, newSlot Slot, to AppointmentStatus) (*Appointment, error) {
	var moved *Appointment

	err := r.inTx(ctx, "reschedule appointment", func(tx *sql.Tx) error {
		oldSlotID, err := sqliteLockAppointment(ctx, tx, id, from)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `UPDATE slots SET committed = FALSE WHERE id = ?`, oldSlotID); err != nil {
			return err
		}
		if err := sqliteCommitSlot(ctx, tx, newSlot); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE appointments
			SET slot_id = ?, status = ?, updated_at = ?
			WHERE id = ?
		`, newSlot.ID.String(), string(to), nowText(), id.String()); err != nil {
			return err
		}

		moved, err = sqliteGetAppointment(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	return moved, nil
}

func (r *SQLiteRepository) UpdateDetails(ctx context.Context, id uuid.UUID, title, description string) (*Appointment, error) {
	var updated *Appointment

	err := r.inTx(ctx, "update appointment", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE appointments SET title = ?, description = ?, updated_at = ? WHERE id = ?
		`, title, description, nowText(), id.String())
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrAppointmentNotFound
		}

		updated, err = sqliteGetAppointment(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

func (r *SQLiteRepository) SoftDelete(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	var archived *Appointment

	err := r.inTx(ctx, "archive appointment", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE appointments SET is_deleted = TRUE, updated_at = ? WHERE id = ?
		`, nowText(), id.String())
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrAppointmentNotFound
		}

		archived, err = sqliteGetAppointment(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	return archived, nil
}

func (r *SQLiteRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	var appID any
	if ev.AppointmentID != nil {
		appID = ev.AppointmentID.String()
	}
	var payload any
	if ev.Payload != nil {
		payload = string(ev.Payload)
	}
	createdAt := ev.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES (?, ?, ?, ?)
	`, ev.EventType, appID, payload, createdAt.UTC().Format(sqliteTimeFormat))
	if err != nil {
		return storageErr("insert event log", err)
	}

	return nil
}

// Events returns the event log for an appointment, oldest first.
func (r *SQLiteRepository) Events(ctx context.Context, appointmentID uuid.UUID) ([]EventLog, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, event_type, appointment_id, payload, created_at
		FROM event_logs
		WHERE appointment_id = ?
		ORDER BY id
	`, appointmentID.String())
	if err != nil {
		return nil, storageErr("list events", err)
	}
	defer rows.Close()

	var result []EventLog
	for rows.Next() {
		var ev EventLog
		var appID, payload sql.NullString
		var createdAt string
		if err := rows.Scan(&ev.ID, &ev.EventType, &appID, &payload, &createdAt); err != nil {
			return nil, storageErr("list events", err)
		}
		if appID.Valid {
			id, err := uuid.Parse(appID.String)
			if err == nil {
				ev.AppointmentID = &id
			}
		}
		if payload.Valid {
			ev.Payload = []byte(payload.String)
		}
		ev.CreatedAt = parseText(createdAt)
		result = append(result, ev)
	}

	return result, rows.Err()
}
