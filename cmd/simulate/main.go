package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"cloud.google.com/go/civil"
	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hackgods/slot-allocation/internal/api"
	"github.com/hackgods/slot-allocation/internal/appointment"
	"github.com/hackgods/slot-allocation/internal/logging"
)

type SimConfig struct {
	APIBaseURL   string
	Duration     time.Duration
	Workers      int
	Requesters   int
	Days         int
	BookingRatio float64
	ReviewRatio  float64
	CancelRatio  float64
	JWTSecret    string
}

// DataPool holds requester identities and the appointments created so far.
type DataPool struct {
	Requesters   []appointment.Actor
	Dates        []civil.Date
	mu           sync.RWMutex
	appointments []booked
}

type booked struct {
	id    uuid.UUID
	owner appointment.Actor
}

func (dp *DataPool) AddAppointment(b booked) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, b)
}

func (dp *DataPool) GetRandomAppointment(rng *rand.Rand) (booked, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.appointments) == 0 {
		return booked{}, false
	}
	return dp.appointments[rng.Intn(len(dp.appointments))], true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case success:
		atomic.AddInt64(&om.Success, 1)
	case conflict:
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95, p99 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	percentile := func(p int) time.Duration {
		idx := len(latencies) * p / 100
		if idx >= len(latencies) {
			idx = len(latencies) - 1
		}
		return latencies[idx]
	}

	return sum / time.Duration(len(latencies)), latencies[0], latencies[len(latencies)-1],
		percentile(50), percentile(95), percentile(99)
}

type Metrics struct {
	Candidates OperationMetrics
	Booking    OperationMetrics
	Review     OperationMetrics
	Cancel     OperationMetrics
	List       OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
	admin   appointment.Actor
	log     *zap.Logger
}

func main() {
	var cfg SimConfig

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Drive concurrent bookings against a running api-server and verify slot exclusivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
		SilenceUsage: true,
	}

	f := cmd.Flags()
	f.StringVar(&cfg.APIBaseURL, "url", "http://localhost:8080", "api-server base URL")
	f.DurationVar(&cfg.Duration, "duration", 30*time.Second, "how long to generate load")
	f.IntVar(&cfg.Workers, "workers", 10, "concurrent workers")
	f.IntVar(&cfg.Requesters, "requesters", 200, "distinct requester identities")
	f.IntVar(&cfg.Days, "days", 5, "weekdays, starting tomorrow, to book on")
	f.Float64Var(&cfg.BookingRatio, "booking-ratio", 0.6, "share of booking operations")
	f.Float64Var(&cfg.ReviewRatio, "review-ratio", 0.2, "share of admin approve/reject operations")
	f.Float64Var(&cfg.CancelRatio, "cancel-ratio", 0.1, "share of cancellations; the rest are list reads")
	f.StringVar(&cfg.JWTSecret, "jwt-secret", "", "sign bearer tokens with this secret instead of sending dev identity headers")

	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, cfg SimConfig) error {
	if err := validateConfig(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := logging.New("dev", "info")
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("simulator starting",
		zap.Duration("duration", cfg.Duration),
		zap.Int("workers", cfg.Workers),
		zap.Float64("booking", cfg.BookingRatio),
		zap.Float64("review", cfg.ReviewRatio),
		zap.Float64("cancel", cfg.CancelRatio),
	)

	sim := &Simulator{
		config: cfg,
		pool:   newDataPool(cfg),
		client: &http.Client{Timeout: 10 * time.Second},
		admin:  appointment.Actor{ID: "sim-admin", Role: appointment.RoleAdmin},
		log:    logger,
	}

	sim.Run(ctx)
	sim.PrintReport()

	violations, err := sim.CheckConsistency(ctx)
	if err != nil {
		return fmt.Errorf("consistency check: %w", err)
	}
	if violations > 0 {
		return fmt.Errorf("found %d overlapping live appointments", violations)
	}
	logger.Info("consistency check passed: no overlapping live appointments")
	return nil
}

func validateConfig(cfg SimConfig) error {
	if cfg.Workers <= 0 {
		return fmt.Errorf("workers must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("duration must be > 0")
	}
	if cfg.Requesters <= 0 || cfg.Days <= 0 {
		return fmt.Errorf("requesters and days must be > 0")
	}
	if cfg.BookingRatio+cfg.ReviewRatio+cfg.CancelRatio > 1 {
		return fmt.Errorf("operation ratios must sum to at most 1")
	}
	return nil
}

func newDataPool(cfg SimConfig) *DataPool {
	dp := &DataPool{}
	for i := 0; i < cfg.Requesters; i++ {
		role := appointment.RoleExternal
		if i%3 == 0 {
			role = appointment.RoleInternal
		}
		dp.Requesters = append(dp.Requesters, appointment.Actor{ID: fmt.Sprintf("sim-user-%03d", i), Role: role})
	}

	day := civil.DateOf(time.Now()).AddDays(1)
	for len(dp.Dates) < cfg.Days {
		if wd := day.In(time.UTC).Weekday(); wd != time.Saturday && wd != time.Sunday {
			dp.Dates = append(dp.Dates, day)
		}
		day = day.AddDays(1)
	}
	return dp
}

func (s *Simulator) Run(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, s.config.Duration)
	defer cancel()

	s.log.Info("starting simulation", zap.Duration("duration", s.config.Duration), zap.Int("workers", s.config.Workers))

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	s.log.Info("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))
	faker := gofakeit.New(0)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		r := rng.Float64()
		switch {
		case r < s.config.BookingRatio:
			s.doBooking(ctx, rng, faker)
		case r < s.config.BookingRatio+s.config.ReviewRatio:
			s.doReview(ctx, rng)
		case r < s.config.BookingRatio+s.config.ReviewRatio+s.config.CancelRatio:
			s.doCancel(ctx, rng)
		default:
			s.doList(ctx, rng)
		}
	}
}

// call sends one request as actor and decodes a JSON response into out.
func (s *Simulator) call(ctx context.Context, actor appointment.Actor, method, path string, body, out any) (int, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, &buf)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	if s.config.JWTSecret != "" {
		token, err := api.IssueToken(s.config.JWTSecret, actor.ID, actor.Role, time.Hour)
		if err != nil {
			return 0, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	} else {
		req.Header.Set("X-User-ID", actor.ID)
		req.Header.Set("X-User-Role", string(actor.Role))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

var durations = []int{15, 30, 45, 60}

func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand, faker *gofakeit.Faker) {
	who := s.pool.Requesters[rng.Intn(len(s.pool.Requesters))]
	day := s.pool.Dates[rng.Intn(len(s.pool.Dates))]
	minutes := durations[rng.Intn(len(durations))]

	start := time.Now()
	var candidates []api.SlotResponse
	status, err := s.call(ctx, who, http.MethodGet,
		fmt.Sprintf("/candidates?date=%s&duration=%d", day, minutes), nil, &candidates)
	s.metrics.Candidates.Record(time.Since(start), err == nil && status == http.StatusOK, false)
	if err != nil || status != http.StatusOK || len(candidates) == 0 {
		return
	}

	slot := candidates[rng.Intn(len(candidates))]

	start = time.Now()
	var created api.AppointmentResponse
	status, err = s.call(ctx, who, http.MethodPost, "/bookings", api.CreateBookingRequest{
		Date:        slot.Date,
		StartTime:   slot.Start,
		Duration:    minutes,
		Title:       faker.BuzzWord() + " sync",
		Description: faker.Phrase(),
	}, &created)
	latency := time.Since(start)

	success := err == nil && status == http.StatusCreated
	if success {
		s.pool.AddAppointment(booked{id: created.ID, owner: who})
	}
	s.metrics.Booking.Record(latency, success, status == http.StatusConflict)
}

func (s *Simulator) doReview(ctx context.Context, rng *rand.Rand) {
	appt, ok := s.pool.GetRandomAppointment(rng)
	if !ok {
		return
	}

	to := "approved"
	if rng.Intn(4) == 0 {
		to = "rejected"
	}

	start := time.Now()
	status, err := s.call(ctx, s.admin, http.MethodPatch,
		"/bookings/"+appt.id.String()+"/status", api.SetStatusRequest{Status: to}, nil)
	s.metrics.Review.Record(time.Since(start), err == nil && status == http.StatusOK,
		status == http.StatusConflict || status == http.StatusNotFound)
}

func (s *Simulator) doCancel(ctx context.Context, rng *rand.Rand) {
	appt, ok := s.pool.GetRandomAppointment(rng)
	if !ok {
		return
	}

	start := time.Now()
	status, err := s.call(ctx, appt.owner, http.MethodDelete, "/bookings/"+appt.id.String(), nil, nil)
	s.metrics.Cancel.Record(time.Since(start), err == nil && status == http.StatusOK, status == http.StatusConflict)
}

func (s *Simulator) doList(ctx context.Context, rng *rand.Rand) {
	who := s.pool.Requesters[rng.Intn(len(s.pool.Requesters))]

	start := time.Now()
	status, err := s.call(ctx, who, http.MethodGet, "/bookings", nil, nil)
	s.metrics.List.Record(time.Since(start), err == nil && status == http.StatusOK, false)
}

// CheckConsistency lists every live appointment as admin and counts pairs
// on the same day whose slots overlap.
func (s *Simulator) CheckConsistency(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var live []api.AppointmentResponse
	status, err := s.call(ctx, s.admin, http.MethodGet, "/bookings?status=pending,approved", nil, &live)
	if err != nil {
		return 0, err
	}
	if status != http.StatusOK {
		return 0, fmt.Errorf("list bookings: status %d", status)
	}

	byDay := make(map[string][]api.AppointmentResponse)
	for _, a := range live {
		byDay[a.Slot.Date] = append(byDay[a.Slot.Date], a)
	}

	violations := 0
	for day, appts := range byDay {
		// Zero-padded HH:MM compares correctly as strings.
		sort.Slice(appts, func(i, j int) bool { return appts[i].Slot.Start < appts[j].Slot.Start })
		for i := 1; i < len(appts); i++ {
			prev, cur := appts[i-1].Slot, appts[i].Slot
			if cur.Start < prev.End {
				violations++
				s.log.Error("overlapping live appointments",
					zap.String("date", day),
					zap.String("first", appts[i-1].ID.String()),
					zap.String("first_slot", prev.Start+"-"+prev.End),
					zap.String("second", appts[i].ID.String()),
					zap.String("second_slot", cur.Start+"-"+cur.End),
				)
			}
		}
	}

	s.log.Info("consistency check", zap.Int("live_appointments", len(live)), zap.Int("days", len(byDay)))
	return violations, nil
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Println()

	printOperationReport("Candidates", &s.metrics.Candidates)
	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("Approve/Reject", &s.metrics.Review)
	printOperationReport("Cancel", &s.metrics.Cancel)
	printOperationReport("List", &s.metrics.List)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95, p99 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s p99=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond), p99.Round(time.Millisecond))
	fmt.Println()
}
