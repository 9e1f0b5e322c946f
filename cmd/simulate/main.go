package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/hackgods/clinic-queue/internal/config"
	"github.com/hackgods/clinic-queue/internal/db"
	"github.com/hackgods/clinic-queue/internal/observability"
)

type SimConfig struct {
	APIBaseURL      string
	Duration        time.Duration
	Workers         int
	BookingRatio    float64
	TransitionRatio float64
	ReadRatio       float64
	ClinicLimit     int
	Patients        int
	PostgresDSN     string
}

type clinicRef struct {
	ID         uuid.UUID
	OperatorID uuid.UUID
}

type apptRef struct {
	ID         uuid.UUID
	ClinicID   uuid.UUID
	PatientID  uuid.UUID
	OperatorID uuid.UUID
}

type DataPool struct {
	Clinics      []clinicRef
	Patients     []uuid.UUID
	mu           sync.RWMutex
	appointments []apptRef
}

func (dp *DataPool) AddAppointment(a apptRef) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, a)
}

func (dp *DataPool) RandomAppointment(rng *rand.Rand) (apptRef, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.appointments) == 0 {
		return apptRef{}, false
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
	if success {
		atomic.AddInt64(&om.Success, 1)
	} else if conflict {
		atomic.AddInt64(&om.Conflict, 1)
	} else {
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]
	p50 = latencies[percentileIndex(len(latencies), 50)]
	p95 = latencies[percentileIndex(len(latencies), 95)]
	return avg, min, max, p50, p95
}

func percentileIndex(n, p int) int {
	idx := n * p / 100
	if idx >= n {
		idx = n - 1
	}
	return idx
}

type Metrics struct {
	Booking    OperationMetrics
	Transition OperationMetrics
	Cancel     OperationMetrics
	ReadByID   OperationMetrics
	ListClinic OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
}

// next status an operator moves an appointment to, given what the
// simulator last saw
var operatorNext = map[string]string{
	"pending":     "confirmed",
	"confirmed":   "in_progress",
	"in_progress": "completed",
}

func main() {
	observability.InitLogger("clinicq-simulate", "dev")
	log.Info().Msg("simulator starting")

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	log.Info().
		Dur("duration", cfg.Duration).
		Int("workers", cfg.Workers).
		Float64("booking", cfg.BookingRatio).
		Float64("transition", cfg.TransitionRatio).
		Float64("read", cfg.ReadRatio).
		Msg("config")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("load data pool")
	}

	log.Info().Int("clinics", len(dataPool.Clinics)).Int("patients", len(dataPool.Patients)).Msg("loaded")

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{Timeout: 10 * time.Second},
	}

	sim.Run()
	sim.PrintReport()

	verifyCtx, cancelVerify := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelVerify()
	if violations := verifyLedgers(verifyCtx, pgPool); violations > 0 {
		log.Error().Int("violations", violations).Msg("ledger verification failed")
		os.Exit(1)
	}
	log.Info().Msg("ledger verification passed")
}

func loadConfig() SimConfig {
	baseCfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load base config")
	}

	cfg := SimConfig{
		APIBaseURL:      getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:        getDuration("SIM_DURATION", 30*time.Second),
		Workers:         getInt("SIM_WORKERS", 10),
		BookingRatio:    getFloat("SIM_BOOKING_RATIO", 0.5),
		TransitionRatio: getFloat("SIM_TRANSITION_RATIO", 0.3),
		ReadRatio:       getFloat("SIM_READ_RATIO", 0.2),
		ClinicLimit:     getInt("SIM_CLINIC_LIMIT", 5),
		Patients:        getInt("SIM_PATIENTS", 500),
		PostgresDSN:     baseCfg.PostgresDSN,
	}

	// Normalize ratios
	total := cfg.BookingRatio + cfg.TransitionRatio + cfg.ReadRatio
	if total > 0 {
		cfg.BookingRatio /= total
		cfg.TransitionRatio /= total
		cfg.ReadRatio /= total
	}

	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required (set in .env or environment)")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	if cfg.Patients <= 0 {
		return fmt.Errorf("SIM_PATIENTS must be > 0")
	}
	return nil
}

// loadDataPool picks a few open clinics so that bookings contend on the
// same clinic locks.
func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	dataPool := &DataPool{}

	rows, err := pool.Query(ctx, `
		SELECT id, operator_id FROM clinics
		WHERE status <> 'closed'
		ORDER BY created_at
		LIMIT $1
	`, cfg.ClinicLimit)
	if err != nil {
		return nil, fmt.Errorf("load clinics: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var c clinicRef
		if err := rows.Scan(&c.ID, &c.OperatorID); err != nil {
			return nil, err
		}
		dataPool.Clinics = append(dataPool.Clinics, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(dataPool.Clinics) == 0 {
		return nil, fmt.Errorf("no open clinics; run cmd/seed first")
	}

	for i := 0; i < cfg.Patients; i++ {
		dataPool.Patients = append(dataPool.Patients, uuid.New())
	}

	return dataPool, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	log.Info().Dur("duration", s.config.Duration).Int("workers", s.config.Workers).Msg("starting simulation")

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	log.Info().Msg("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
			r := rng.Float64()
			switch {
			case r < s.config.BookingRatio:
				s.doBooking(ctx, rng)
			case r < s.config.BookingRatio+s.config.TransitionRatio:
				if rng.Intn(5) == 0 {
					s.doCancel(ctx, rng)
				} else {
					s.doAdvance(ctx, rng)
				}
			default:
				if rng.Intn(2) == 0 {
					s.doReadByID(ctx, rng)
				} else {
					s.doListClinic(ctx, rng)
				}
			}
		}
	}
}

func (s *Simulator) request(ctx context.Context, method, path string, actorID uuid.UUID, role string, body any) (*http.Response, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-ID", actorID.String())
	req.Header.Set("X-Actor-Role", role)

	return s.client.Do(req)
}

func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand) {
	clinic := s.pool.Clinics[rng.Intn(len(s.pool.Clinics))]
	patientID := s.pool.Patients[rng.Intn(len(s.pool.Patients))]

	start := time.Now()
	resp, err := s.request(ctx, http.MethodPost, "/clinics/"+clinic.ID.String()+"/appointments", patientID, "patient", nil)
	latency := time.Since(start)

	success, conflict := false, false
	if err == nil {
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusCreated:
			success = true
			var appt struct {
				ID uuid.UUID `json:"id"`
			}
			if json.NewDecoder(resp.Body).Decode(&appt) == nil && appt.ID != uuid.Nil {
				s.pool.AddAppointment(apptRef{ID: appt.ID, ClinicID: clinic.ID, PatientID: patientID, OperatorID: clinic.OperatorID})
			}
		case http.StatusConflict, http.StatusServiceUnavailable:
			conflict = true
		}
	}

	s.metrics.Booking.Record(latency, success, conflict)
}

// doAdvance reads the appointment's status as its operator, then moves it
// one step forward. Racing workers make some of these 409s, which is the
// point.
func (s *Simulator) doAdvance(ctx context.Context, rng *rand.Rand) {
	appt, ok := s.pool.RandomAppointment(rng)
	if !ok {
		return
	}

	status, ok := s.currentStatus(ctx, appt)
	if !ok {
		return
	}
	next, ok := operatorNext[status]
	if !ok {
		return
	}

	start := time.Now()
	resp, err := s.request(ctx, http.MethodPost, "/appointments/"+appt.ID.String()+"/transitions", appt.OperatorID, "operator", map[string]string{"status": next})
	latency := time.Since(start)

	success, conflict := false, false
	if err == nil {
		resp.Body.Close()
		success = resp.StatusCode == http.StatusOK
		conflict = resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusServiceUnavailable
	}

	s.metrics.Transition.Record(latency, success, conflict)
}

func (s *Simulator) doCancel(ctx context.Context, rng *rand.Rand) {
	appt, ok := s.pool.RandomAppointment(rng)
	if !ok {
		return
	}

	start := time.Now()
	resp, err := s.request(ctx, http.MethodPost, "/appointments/"+appt.ID.String()+"/transitions", appt.PatientID, "patient", map[string]string{"status": "cancelled"})
	latency := time.Since(start)

	success, conflict := false, false
	if err == nil {
		resp.Body.Close()
		success = resp.StatusCode == http.StatusOK
		// in_progress appointments are forbidden to the patient; terminal ones conflict
		conflict = resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusForbidden
	}

	s.metrics.Cancel.Record(latency, success, conflict)
}

func (s *Simulator) currentStatus(ctx context.Context, appt apptRef) (string, bool) {
	resp, err := s.request(ctx, http.MethodGet, "/appointments/"+appt.ID.String(), appt.OperatorID, "operator", nil)
	if err != nil {
		return "", false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", false
	}

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", false
	}
	return body.Status, true
}

func (s *Simulator) doReadByID(ctx context.Context, rng *rand.Rand) {
	appt, ok := s.pool.RandomAppointment(rng)
	if !ok {
		return
	}

	start := time.Now()
	resp, err := s.request(ctx, http.MethodGet, "/appointments/"+appt.ID.String(), appt.PatientID, "patient", nil)
	latency := time.Since(start)

	success := false
	if err == nil {
		resp.Body.Close()
		success = resp.StatusCode == http.StatusOK
	}

	s.metrics.ReadByID.Record(latency, success, false)
}

func (s *Simulator) doListClinic(ctx context.Context, rng *rand.Rand) {
	clinic := s.pool.Clinics[rng.Intn(len(s.pool.Clinics))]

	start := time.Now()
	resp, err := s.request(ctx, http.MethodGet, "/clinics/"+clinic.ID.String()+"/appointments?status=pending,confirmed", clinic.OperatorID, "operator", nil)
	latency := time.Since(start)

	success := false
	if err == nil {
		resp.Body.Close()
		success = resp.StatusCode == http.StatusOK
	}

	s.metrics.ListClinic.Record(latency, success, false)
}

// verifyLedgers checks the stored state directly: tokens per clinic are
// unique and gapless, and waiting positions are exactly 1..n.
func verifyLedgers(ctx context.Context, pool *pgxpool.Pool) int {
	violations := 0

	rows, err := pool.Query(ctx, `
		SELECT c.id, c.last_token, count(a.id), count(DISTINCT a.token_number), COALESCE(max(a.token_number), 0)
		FROM clinics c
		LEFT JOIN appointments a ON a.clinic_id = c.id
		GROUP BY c.id, c.last_token
	`)
	if err != nil {
		log.Error().Err(err).Msg("verify tokens query")
		return 1
	}
	defer rows.Close()

	for rows.Next() {
		var (
			clinicID                 uuid.UUID
			lastToken, maxToken      int64
			appointments, distinctTk int64
		)
		if err := rows.Scan(&clinicID, &lastToken, &appointments, &distinctTk, &maxToken); err != nil {
			log.Error().Err(err).Msg("verify tokens scan")
			return violations + 1
		}
		if appointments != distinctTk {
			violations++
			log.Error().Str("clinic_id", clinicID.String()).Int64("appointments", appointments).Int64("distinct_tokens", distinctTk).Msg("duplicate tokens")
		}
		// tokens issued through POST /tokens have no appointment, so only
		// the upper bound is checked here
		if maxToken > lastToken {
			violations++
			log.Error().Str("clinic_id", clinicID.String()).Int64("max_token", maxToken).Int64("last_token", lastToken).Msg("token beyond counter")
		}
	}
	if err := rows.Err(); err != nil {
		log.Error().Err(err).Msg("verify tokens rows")
		violations++
	}

	var badPositions int64
	err = pool.QueryRow(ctx, `
		SELECT count(*) FROM (
			SELECT clinic_id, count(*) AS n, count(DISTINCT queue_position) AS d, min(queue_position) AS lo, max(queue_position) AS hi
			FROM appointments
			WHERE status IN ('pending', 'confirmed')
			GROUP BY clinic_id
		) q
		WHERE q.n <> q.d OR q.lo <> 1 OR q.hi <> q.n
	`).Scan(&badPositions)
	if err != nil {
		log.Error().Err(err).Msg("verify positions query")
		return violations + 1
	}
	if badPositions > 0 {
		log.Error().Int64("clinics", badPositions).Msg("queue positions are not 1..n")
	}

	return violations + int(badPositions)
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Printf("Clinics: %d\n", len(s.pool.Clinics))
	fmt.Println()

	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("Advance (operator)", &s.metrics.Transition)
	printOperationReport("Cancel (patient)", &s.metrics.Cancel)
	printOperationReport("Read by ID", &s.metrics.ReadByID)
	printOperationReport("List by Clinic", &s.metrics.ListClinic)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

// Helper functions

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
