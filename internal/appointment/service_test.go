package appointment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/hackgods/slot-allocation/internal/config"
	"github.com/hackgods/slot-allocation/internal/notify"
	redisclient "github.com/hackgods/slot-allocation/internal/redis"
)

// Tests run "on" 2025-01-09 at noon UTC and book for the next day.
var (
	testNow  = time.Date(2025, time.January, 9, 12, 0, 0, 0, time.UTC)
	today    = civil.DateOf(testNow)
	tomorrow = today.AddDays(1)
	admin    = Actor{ID: "admin-1", Role: RoleAdmin}
	alice    = Actor{ID: "alice", Role: RoleExternal}
	bob      = Actor{ID: "bob", Role: RoleInternal}
	mallory  = Actor{ID: "mallory", Role: RoleExternal}
	halfHour = 30 * time.Minute
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingNotifier) Notify(_ context.Context, ev notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingNotifier) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

type busyLocker struct{}

func (busyLocker) WithSlotLock(context.Context, string, func(context.Context) error) error {
	return redisclient.ErrLockNotAcquired
}

type testEnv struct {
	svc      *Service
	repo     *SQLiteRepository
	notifier *recordingNotifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	repo, err := NewSQLiteRepository(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	n := &recordingNotifier{}
	svc := NewService(repo, nil, n, config.Config{}, zaptest.NewLogger(t))
	svc.now = func() time.Time { return testNow }

	return &testEnv{svc: svc, repo: repo, notifier: n}
}

func (e *testEnv) declare(t *testing.T, date civil.Date, start, end string) *AvailabilityWindow {
	t.Helper()
	w, err := e.svc.DeclareWindow(context.Background(), admin, date, mustClock(t, start), mustClock(t, end))
	require.NoError(t, err)
	return w
}

func (e *testEnv) book(t *testing.T, actor Actor, start string, d time.Duration) *Appointment {
	t.Helper()
	appt, err := e.svc.Book(context.Background(), bookReq(t, actor, start, d))
	require.NoError(t, err)
	return appt
}

func bookReq(t *testing.T, actor Actor, start string, d time.Duration) BookRequest {
	return BookRequest{
		Actor:       actor,
		Date:        tomorrow,
		StartTime:   mustClock(t, start),
		Duration:    d,
		Title:       "Quarterly review",
		Description: "Walk through the numbers",
	}
}

// assertNoOverlap checks that live committed slots on date never intersect.
func assertNoOverlap(t *testing.T, repo *SQLiteRepository, date civil.Date) {
	t.Helper()
	slots, err := repo.CommittedSlots(context.Background(), date)
	require.NoError(t, err)
	for i := range slots {
		for j := i + 1; j < len(slots); j++ {
			assert.False(t, slots[i].Overlaps(slots[j]), "%v overlaps %v", slots[i], slots[j])
		}
	}
}

// Availability

func TestDeclareWindow(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	// GIVEN: an existing window 09:00-12:00
	env.declare(t, tomorrow, "09:00", "12:00")

	// WHEN/THEN: overlapping windows are rejected, touching ones are fine
	_, err := env.svc.DeclareWindow(ctx, admin, tomorrow, mustClock(t, "11:00"), mustClock(t, "13:00"))
	assert.ErrorIs(t, err, ErrOverlap)

	_, err = env.svc.DeclareWindow(ctx, admin, tomorrow, mustClock(t, "12:00"), mustClock(t, "13:00"))
	assert.NoError(t, err)

	windows, err := env.svc.ListWindows(ctx, tomorrow)
	require.NoError(t, err)
	require.Len(t, windows, 2)
	assert.Equal(t, "09:00", windows[0].StartTime.String())
	assert.Equal(t, "12:00", windows[1].StartTime.String())
}

func TestDeclareWindow_Validation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.svc.DeclareWindow(ctx, admin, tomorrow, mustClock(t, "10:00"), mustClock(t, "10:00"))
	assert.ErrorIs(t, err, ErrInvalidRange)

	_, err = env.svc.DeclareWindow(ctx, admin, tomorrow, mustClock(t, "11:00"), mustClock(t, "10:00"))
	assert.ErrorIs(t, err, ErrInvalidRange)

	_, err = env.svc.DeclareWindow(ctx, admin, today.AddDays(-1), mustClock(t, "09:00"), mustClock(t, "10:00"))
	assert.ErrorIs(t, err, ErrPastDate)

	// Earlier today is also in the past.
	_, err = env.svc.DeclareWindow(ctx, admin, today, mustClock(t, "09:00"), mustClock(t, "13:00"))
	assert.ErrorIs(t, err, ErrPastDate)

	_, err = env.svc.DeclareWindow(ctx, admin, today, mustClock(t, "13:00"), mustClock(t, "14:00"))
	assert.NoError(t, err)

	_, err = env.svc.DeclareWindow(ctx, alice, tomorrow, mustClock(t, "09:00"), mustClock(t, "10:00"))
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestRemoveWindow(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	w := env.declare(t, tomorrow, "09:00", "10:00")
	appt := env.book(t, bob, "09:00", halfHour)

	require.NoError(t, env.svc.RemoveWindow(ctx, admin, w.ID))
	assert.ErrorIs(t, env.svc.RemoveWindow(ctx, admin, w.ID), ErrNotFound)
	assert.ErrorIs(t, env.svc.RemoveWindow(ctx, alice, w.ID), ErrForbidden)

	// The booking made inside the removed window keeps its slot.
	got, err := env.svc.Get(ctx, bob, appt.ID)
	require.NoError(t, err)
	assert.True(t, got.Slot.Committed)

	candidates, err := env.svc.Candidates(ctx, tomorrow, halfHour)
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

// Candidates

func TestCandidates_ExcludeBooked(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.declare(t, tomorrow, "09:00", "10:00")

	candidates, err := env.svc.Candidates(ctx, tomorrow, halfHour)
	require.NoError(t, err)
	require.Len(t, candidates, 2)

	env.book(t, alice, "09:00", 15*time.Minute)

	candidates, err = env.svc.Candidates(ctx, tomorrow, halfHour)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "09:30", candidates[0].StartTime.String())

	_, err = env.svc.Candidates(ctx, tomorrow, 0)
	assert.ErrorIs(t, err, ErrInvalidDuration)
}

func TestCandidates_SkipStartedToday(t *testing.T) {
	env := newTestEnv(t)
	env.declare(t, today, "12:00", "13:00")
	env.svc.now = func() time.Time { return testNow.Add(10 * time.Minute) }

	candidates, err := env.svc.Candidates(context.Background(), today, halfHour)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "12:30", candidates[0].StartTime.String())
}

// Booking

func TestBook_PolicyScenario(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.declare(t, tomorrow, "09:00", "12:00")

	internal := env.book(t, bob, "09:00", halfHour)
	assert.Equal(t, StatusApproved, internal.Status)
	assert.True(t, internal.Slot.Committed)
	assert.Equal(t, "09:30", internal.Slot.EndTime.String())

	external := env.book(t, alice, "09:30", halfHour)
	assert.Equal(t, StatusPending, external.Status)
	assert.Equal(t, RoleExternal, external.RequesterRole)

	_, err := env.svc.Book(ctx, bookReq(t, admin, "10:00", halfHour))
	assert.ErrorIs(t, err, ErrForbidden)

	assert.Equal(t, []string{EventAppointmentCreated, EventAppointmentCreated}, env.notifier.types())
}

func TestBook_Validation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.declare(t, tomorrow, "09:00", "10:00")

	req := bookReq(t, alice, "09:00", halfHour)
	req.Title = "   "
	_, err := env.svc.Book(ctx, req)
	assert.ErrorIs(t, err, ErrMissingField)

	req = bookReq(t, alice, "09:00", halfHour)
	req.Actor.ID = ""
	_, err = env.svc.Book(ctx, req)
	assert.ErrorIs(t, err, ErrMissingField)

	_, err = env.svc.Book(ctx, bookReq(t, alice, "09:00", 0))
	assert.ErrorIs(t, err, ErrInvalidDuration)

	_, err = env.svc.Book(ctx, bookReq(t, Actor{ID: "x", Role: "guest"}, "09:00", halfHour))
	assert.ErrorIs(t, err, ErrForbidden)

	// Runs past the end of the window.
	_, err = env.svc.Book(ctx, bookReq(t, alice, "09:45", halfHour))
	assert.ErrorIs(t, err, ErrNotAvailable)

	// No window at all.
	_, err = env.svc.Book(ctx, bookReq(t, alice, "14:00", halfHour))
	assert.ErrorIs(t, err, ErrNotAvailable)

	past := bookReq(t, alice, "09:00", halfHour)
	past.Date = today.AddDays(-1)
	_, err = env.svc.Book(ctx, past)
	assert.ErrorIs(t, err, ErrPastDate)
}

func TestBook_OverlapIsSlotTaken(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.declare(t, tomorrow, "09:00", "12:00")
	env.book(t, alice, "09:15", halfHour)

	_, err := env.svc.Book(ctx, bookReq(t, bob, "09:00", halfHour))
	assert.ErrorIs(t, err, ErrSlotTaken)

	// Touching the booked interval is fine.
	env.book(t, bob, "09:45", halfHour)
	assertNoOverlap(t, env.repo, tomorrow)
}

func TestBook_ConcurrentSameInterval(t *testing.T) {
	env := newTestEnv(t)
	env.declare(t, tomorrow, "09:00", "10:00")

	const callers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		created  []*Appointment
		failures []error
	)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			actor := Actor{ID: uuid.NewString(), Role: RoleExternal}
			appt, err := env.svc.Book(context.Background(), bookReq(t, actor, "09:00", halfHour))

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, err)
				return
			}
			created = append(created, appt)
		}(i)
	}
	wg.Wait()

	require.Len(t, created, 1)
	require.Len(t, failures, callers-1)
	for _, err := range failures {
		assert.ErrorIs(t, err, ErrSlotTaken)
	}
	assertNoOverlap(t, env.repo, tomorrow)
}

func TestBook_LockContentionIsSlotTaken(t *testing.T) {
	env := newTestEnv(t)
	env.svc.locker = busyLocker{}
	env.declare(t, tomorrow, "09:00", "10:00")

	_, err := env.svc.Book(context.Background(), bookReq(t, alice, "09:00", halfHour))
	assert.ErrorIs(t, err, ErrSlotTaken)
}

// Reschedule

func TestReschedule_ExternalRevertsToPending(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.declare(t, tomorrow, "09:00", "12:00")
	appt := env.book(t, alice, "09:00", halfHour)

	approved, err := env.svc.SetStatus(ctx, admin, appt.ID, StatusApproved)
	require.NoError(t, err)
	require.Equal(t, StatusApproved, approved.Status)

	// WHEN: the external owner moves it
	moved, err := env.svc.Reschedule(ctx, alice, appt.ID, SlotRef{Date: tomorrow, StartTime: mustClock(t, "10:00"), Duration: halfHour})
	require.NoError(t, err)

	// THEN: it needs approval again and the old interval is free
	assert.Equal(t, StatusPending, moved.Status)
	assert.Equal(t, "10:00", moved.Slot.StartTime.String())
	assert.NotEqual(t, appt.Slot.ID, moved.Slot.ID)

	again := env.book(t, bob, "09:00", halfHour)
	assert.Equal(t, StatusApproved, again.Status)
	assertNoOverlap(t, env.repo, tomorrow)
}

func TestReschedule_AdminApproves(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.declare(t, tomorrow, "09:00", "12:00")
	appt := env.book(t, alice, "09:00", halfHour)
	require.Equal(t, StatusPending, appt.Status)

	moved, err := env.svc.Reschedule(ctx, admin, appt.ID, SlotRef{Date: tomorrow, StartTime: mustClock(t, "11:00"), Duration: halfHour})
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, moved.Status)
}

func TestReschedule_IntoOwnPreviousInterval(t *testing.T) {
	env := newTestEnv(t)
	env.declare(t, tomorrow, "09:00", "12:00")
	appt := env.book(t, bob, "09:00", halfHour)

	moved, err := env.svc.Reschedule(context.Background(), bob, appt.ID, SlotRef{Date: tomorrow, StartTime: mustClock(t, "09:15"), Duration: halfHour})
	require.NoError(t, err)
	assert.Equal(t, "09:15", moved.Slot.StartTime.String())
	assertNoOverlap(t, env.repo, tomorrow)
}

func TestReschedule_Errors(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.declare(t, tomorrow, "09:00", "12:00")
	appt := env.book(t, alice, "09:00", halfHour)
	env.book(t, bob, "10:00", halfHour)

	ref := SlotRef{Date: tomorrow, StartTime: mustClock(t, "10:15"), Duration: halfHour}

	_, err := env.svc.Reschedule(ctx, alice, appt.ID, ref)
	assert.ErrorIs(t, err, ErrSlotTaken)

	_, err = env.svc.Reschedule(ctx, mallory, appt.ID, ref)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = env.svc.Reschedule(ctx, alice, uuid.New(), ref)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = env.svc.Reschedule(ctx, alice, appt.ID, SlotRef{Date: tomorrow, StartTime: mustClock(t, "13:00"), Duration: halfHour})
	assert.ErrorIs(t, err, ErrNotAvailable)

	// A failed move leaves the existing booking untouched.
	got, err := env.svc.Get(ctx, alice, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, "09:00", got.Slot.StartTime.String())
	assert.True(t, got.Slot.Committed)

	_, err = env.svc.Cancel(ctx, alice, appt.ID, nil)
	require.NoError(t, err)
	_, err = env.svc.Reschedule(ctx, alice, appt.ID, SlotRef{Date: tomorrow, StartTime: mustClock(t, "11:00"), Duration: halfHour})
	assert.ErrorIs(t, err, ErrNotFound, "cancelled appointments are hidden")
}

// Cancel

func TestCancel_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.declare(t, tomorrow, "09:00", "10:00")
	appt := env.book(t, alice, "09:00", halfHour)

	reason := "  conflict with travel  "
	cancelled, err := env.svc.Cancel(ctx, alice, appt.ID, &reason)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.True(t, cancelled.SoftDeleted)
	assert.False(t, cancelled.Slot.Committed)
	require.NotNil(t, cancelled.CancelReason)
	assert.Equal(t, "conflict with travel", *cancelled.CancelReason)

	second, err := env.svc.Cancel(ctx, alice, appt.ID, nil)
	assert.ErrorIs(t, err, ErrAlreadyTerminal)
	require.NotNil(t, second)
	assert.Equal(t, StatusCancelled, second.Status)
	assert.Equal(t, cancelled.Slot.ID, second.Slot.ID)

	// The freed interval is bookable again.
	env.book(t, bob, "09:00", halfHour)

	events, err := env.repo.Events(ctx, appt.ID)
	require.NoError(t, err)
	var cancels int
	for _, ev := range events {
		if ev.EventType == EventAppointmentCancelled {
			cancels++
		}
	}
	assert.Equal(t, 1, cancels)
}

func TestCancel_Authorization(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.declare(t, tomorrow, "09:00", "10:00")
	appt := env.book(t, alice, "09:00", halfHour)

	_, err := env.svc.Cancel(ctx, mallory, appt.ID, nil)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = env.svc.Cancel(ctx, alice, uuid.New(), nil)
	assert.ErrorIs(t, err, ErrNotFound)

	cancelled, err := env.svc.Cancel(ctx, admin, appt.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
}

// SetStatus

func TestSetStatus(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.declare(t, tomorrow, "09:00", "10:00")
	appt := env.book(t, alice, "09:00", halfHour)

	_, err := env.svc.SetStatus(ctx, alice, appt.ID, StatusApproved)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = env.svc.SetStatus(ctx, admin, appt.ID, StatusCancelled)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	rejected, err := env.svc.SetStatus(ctx, admin, appt.ID, StatusRejected)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, rejected.Status)
	assert.False(t, rejected.Slot.Committed)
	assert.False(t, rejected.SoftDeleted, "rejected stays visible until archived")

	_, err = env.svc.SetStatus(ctx, admin, appt.ID, StatusApproved)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// Rejection released the interval.
	env.book(t, bob, "09:00", halfHour)

	assert.Contains(t, env.notifier.types(), EventAppointmentRejected)
}

func TestSetStatus_ApprovedCannotBeRejected(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.declare(t, tomorrow, "09:00", "10:00")
	appt := env.book(t, bob, "09:00", halfHour)

	_, err := env.svc.SetStatus(ctx, admin, appt.ID, StatusRejected)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

// Listing, details and archive

func TestList(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.declare(t, tomorrow, "09:00", "12:00")
	a1 := env.book(t, alice, "09:00", halfHour)
	env.book(t, bob, "09:30", halfHour)
	a3 := env.book(t, alice, "10:00", halfHour)

	mine, err := env.svc.List(ctx, alice, nil, false)
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, a3.ID, mine[0].ID, "newest first")
	assert.Equal(t, a1.ID, mine[1].ID)

	all, err := env.svc.List(ctx, admin, nil, false)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	_, err = env.svc.Cancel(ctx, alice, a1.ID, nil)
	require.NoError(t, err)

	mine, err = env.svc.List(ctx, alice, nil, false)
	require.NoError(t, err)
	assert.Len(t, mine, 1)

	mine, err = env.svc.List(ctx, alice, nil, true)
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	pending, err := env.svc.List(ctx, admin, []AppointmentStatus{StatusPending}, false)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, a3.ID, pending[0].ID)
}

func TestUpdateDetails(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.declare(t, tomorrow, "09:00", "10:00")
	appt := env.book(t, alice, "09:00", halfHour)

	title := "Renamed"
	updated, err := env.svc.UpdateDetails(ctx, alice, appt.ID, &title, nil)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Title)
	assert.Equal(t, appt.Description, updated.Description)

	_, err = env.svc.UpdateDetails(ctx, mallory, appt.ID, &title, nil)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = env.svc.UpdateDetails(ctx, alice, appt.ID, nil, nil)
	assert.ErrorIs(t, err, ErrMissingField)
}

func TestArchive(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.declare(t, tomorrow, "09:00", "10:00")
	appt := env.book(t, alice, "09:00", halfHour)

	_, err := env.svc.Archive(ctx, admin, appt.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition, "live appointments cannot be archived")

	_, err = env.svc.SetStatus(ctx, admin, appt.ID, StatusRejected)
	require.NoError(t, err)

	_, err = env.svc.Archive(ctx, alice, appt.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	archived, err := env.svc.Archive(ctx, admin, appt.ID)
	require.NoError(t, err)
	assert.True(t, archived.SoftDeleted)

	_, err = env.svc.Archive(ctx, admin, appt.ID)
	assert.NoError(t, err)

	_, err = env.svc.Get(ctx, alice, appt.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStorageErrorIsDistinct(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.repo.Close())

	_, err := env.svc.ListWindows(context.Background(), tomorrow)
	var se *StorageError
	assert.True(t, errors.As(err, &se))
	assert.False(t, errors.Is(err, ErrNotFound))
}
