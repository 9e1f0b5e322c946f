package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/hackgods/clinic-queue/internal/db"
	"github.com/hackgods/clinic-queue/internal/events"
	"github.com/hackgods/clinic-queue/internal/observability"
	"github.com/hackgods/clinic-queue/internal/queue"
)

func main() {
	observability.InitLogger("clinicq-seed", "dev")
	log.Info().Msg("seed starting")

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		log.Fatal().Msg("POSTGRES_DSN is required")
	}

	clinics := getInt("SEED_CLINICS", 25)
	bookings := getInt("SEED_BOOKINGS_PER_CLINIC", 8)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		log.Fatal().Err(err).Msg("migrate")
	}

	// zero seeds from crypto/rand
	_ = gofakeit.Seed(0)

	// Seeding is single-process, so the in-process locker is enough.
	hub := events.NewHub(1)
	defer hub.Close()
	svc := queue.NewService(queue.NewPgRepository(pool), queue.NewLocalLocker(), hub)

	if err := seedClinics(ctx, svc, clinics, bookings); err != nil {
		log.Fatal().Err(err).Msg("seed clinics")
	}

	log.Info().Msg("seed complete")
}

func seedClinics(ctx context.Context, svc *queue.Service, count, bookings int) error {
	log.Info().Int("clinics", count).Int("bookings_per_clinic", bookings).Msg("seeding clinics")

	specialties := []string{
		"Family Medicine",
		"Pediatrics",
		"Dermatology",
		"Cardiology",
		"Dental",
		"Physiotherapy",
		"ENT",
		"Ophthalmology",
	}

	for i := 0; i < count; i++ {
		operator := queue.Actor{ID: uuid.New(), Role: queue.RoleOperator}
		addr := gofakeit.Address()

		clinic, err := svc.CreateClinic(ctx, operator, queue.Clinic{
			Name:            fmt.Sprintf("%s %s Clinic", gofakeit.LastName(), specialties[gofakeit.Number(0, len(specialties)-1)]),
			Address:         fmt.Sprintf("%s, %s", addr.Street, addr.City),
			Phone:           gofakeit.Phone(),
			AverageWaitTime: gofakeit.Number(5, 30),
		})
		if err != nil {
			return fmt.Errorf("create clinic %d: %w", i, err)
		}

		for j := 0; j < bookings; j++ {
			patient := queue.Actor{ID: uuid.New(), Role: queue.RolePatient}
			appt, err := svc.Book(ctx, patient, clinic.ID)
			if err != nil {
				return fmt.Errorf("book clinic %s: %w", clinic.ID, err)
			}

			// confirm roughly half so the dashboards show both waiting states
			if gofakeit.Bool() {
				if _, err := svc.Transition(ctx, operator, appt.ID, queue.StatusConfirmed); err != nil {
					return fmt.Errorf("confirm %s: %w", appt.ID, err)
				}
			}
		}

		log.Info().
			Str("clinic_id", clinic.ID.String()).
			Str("operator_id", operator.ID.String()).
			Str("name", clinic.Name).
			Msg("clinic seeded")
	}

	return nil
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
