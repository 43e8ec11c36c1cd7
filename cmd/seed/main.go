package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/civil"
	"github.com/brianvoe/gofakeit/v7"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hackgods/slot-allocation/internal/appointment"
	"github.com/hackgods/slot-allocation/internal/config"
	"github.com/hackgods/slot-allocation/internal/db"
	"github.com/hackgods/slot-allocation/internal/logging"
)

type seedOptions struct {
	days       int
	requesters int
	bookings   int
}

func main() {
	var opts seedOptions

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Declare availability windows and book a spread of appointments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
		SilenceUsage: true,
	}
	cmd.Flags().IntVar(&opts.days, "days", 14, "number of days, starting tomorrow, to declare windows for")
	cmd.Flags().IntVar(&opts.requesters, "requesters", 50, "number of fake requesters")
	cmd.Flags().IntVar(&opts.bookings, "bookings", 200, "number of booking attempts")

	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

type requester struct {
	actor appointment.Actor
	name  string
}

func run(ctx context.Context, opts seedOptions) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}
	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	be, err := db.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer be.Close()

	// Seeding runs in-process: no lock service and no notifications.
	svc := appointment.NewService(be.Store, nil, nil, cfg, logger.WithOptions(zap.IncreaseLevel(zap.WarnLevel)))
	admin := appointment.Actor{ID: "seed-admin", Role: appointment.RoleAdmin}

	gofakeit.Seed(time.Now().UnixNano())

	days, windows, err := seedWindows(ctx, svc, admin, cfg.Location(), opts.days)
	if err != nil {
		return fmt.Errorf("seed windows: %w", err)
	}
	logger.Info("windows seeded", zap.Int("days", len(days)), zap.Int("windows", windows))

	people := make([]requester, opts.requesters)
	for i := range people {
		role := appointment.RoleExternal
		if gofakeit.Bool() {
			role = appointment.RoleInternal
		}
		people[i] = requester{
			actor: appointment.Actor{ID: gofakeit.UUID(), Role: role},
			name:  gofakeit.Name(),
		}
	}

	booked, conflicts, err := seedBookings(ctx, svc, days, people, opts.bookings)
	if err != nil {
		return fmt.Errorf("seed bookings: %w", err)
	}
	logger.Info("seed complete",
		zap.Int("booked", booked),
		zap.Int("conflicts", conflicts),
		zap.String("store", be.Name),
	)
	return nil
}

// seedWindows declares a morning and an afternoon window for each weekday.
// Days that already have windows are skipped.
func seedWindows(ctx context.Context, svc *appointment.Service, admin appointment.Actor, loc *time.Location, n int) ([]civil.Date, int, error) {
	tomorrow := civil.DateOf(time.Now().In(loc)).AddDays(1)

	var (
		days  []civil.Date
		count int
	)
	for i := 0; len(days) < n; i++ {
		day := tomorrow.AddDays(i)
		if wd := day.In(loc).Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		days = append(days, day)

		existing, err := svc.ListWindows(ctx, day)
		if err != nil {
			return nil, 0, err
		}
		if len(existing) > 0 {
			continue
		}

		morningStart := appointment.Clock(gofakeit.IntRange(8, 9) * 60)
		afternoonEnd := appointment.Clock(gofakeit.IntRange(16, 18) * 60)
		for _, w := range [][2]appointment.Clock{
			{morningStart, 12 * 60},
			{13 * 60, afternoonEnd},
		} {
			if _, err := svc.DeclareWindow(ctx, admin, day, w[0], w[1]); err != nil {
				return nil, 0, err
			}
			count++
		}
	}
	return days, count, nil
}

var durations = []int{15, 30, 30, 45, 60}

// seedBookings picks random candidates and books them. Conflicts are
// expected once a day fills up and are only counted.
func seedBookings(ctx context.Context, svc *appointment.Service, days []civil.Date, people []requester, n int) (int, int, error) {
	if len(days) == 0 || len(people) == 0 {
		return 0, 0, nil
	}

	var booked, conflicts int
	for i := 0; i < n; i++ {
		who := people[gofakeit.IntN(len(people))]
		day := days[gofakeit.IntN(len(days))]
		duration := appointment.DurationMinutes(durations[gofakeit.IntN(len(durations))])

		candidates, err := svc.Candidates(ctx, day, duration)
		if err != nil {
			return booked, conflicts, err
		}
		if len(candidates) == 0 {
			conflicts++
			continue
		}
		slot := candidates[gofakeit.IntN(len(candidates))]

		_, err = svc.Book(ctx, appointment.BookRequest{
			Actor:       who.actor,
			Date:        slot.Date,
			StartTime:   slot.StartTime,
			Duration:    duration,
			Title:       gofakeit.BuzzWord() + " " + gofakeit.HipsterWord(),
			Description: fmt.Sprintf("%s: %s", who.name, gofakeit.Phrase()),
		})
		switch {
		case errors.Is(err, appointment.ErrSlotTaken), errors.Is(err, appointment.ErrNotAvailable):
			conflicts++
		case err != nil:
			return booked, conflicts, err
		default:
			booked++
		}
	}
	return booked, conflicts, nil
}
