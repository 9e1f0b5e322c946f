package queue

import (
	"context"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-queue/internal/db"
	"github.com/hackgods/clinic-queue/internal/events"
)

// testPool connects to POSTGRES_DSN and applies the schema, or skips.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, db.Migrate(ctx, pool))
	return pool
}

func TestPgRepository_ConcurrentBookings(t *testing.T) {
	pool := testPool(t)
	hub := events.NewHub(16)
	defer hub.Close()

	svc := NewService(NewPgRepository(pool), NewLocalLocker(), hub)
	operator := Actor{ID: uuid.New(), Role: RoleOperator}
	ctx := context.Background()

	clinic, err := svc.CreateClinic(ctx, operator, Clinic{Name: "Integration Clinic", AverageWaitTime: 12})
	require.NoError(t, err)
	assert.Empty(t, clinic.Phone)

	const n = 25
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Book(ctx, Actor{ID: uuid.New(), Role: RolePatient}, clinic.ID); err != nil {
				t.Errorf("Book: %v", err)
			}
		}()
	}
	wg.Wait()

	appts, err := svc.ListClinicAppointments(ctx, operator, clinic.ID, nil)
	require.NoError(t, err)
	require.Len(t, appts, n)

	waiting := append([]Appointment(nil), appts...)
	sort.Slice(waiting, func(i, j int) bool {
		if !waiting[i].CreatedAt.Equal(waiting[j].CreatedAt) {
			return waiting[i].CreatedAt.Before(waiting[j].CreatedAt)
		}
		return waiting[i].TokenNumber < waiting[j].TokenNumber
	})

	for i, appt := range appts {
		assert.Equal(t, int64(i+1), appt.TokenNumber)
	}
	for i, appt := range waiting {
		require.NotNil(t, appt.QueuePosition)
		require.NotNil(t, appt.EstimatedTime)
		assert.Equal(t, i+1, *appt.QueuePosition)
		assert.True(t, EstimateFor(appt.CreatedAt, 12, i+1).Equal(*appt.EstimatedTime))
	}

	changed, err := svc.Recompute(ctx, clinic.ID)
	require.NoError(t, err)
	assert.Empty(t, changed)
}

func TestPgRepository_ClinicPhoneIsOptional(t *testing.T) {
	pool := testPool(t)
	repo := NewPgRepository(pool)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	bare, err := repo.CreateClinic(ctx, Clinic{
		OperatorID:      uuid.New(),
		Name:            "No Phone Clinic",
		Status:          ClinicOpen,
		AverageWaitTime: 10,
		CreatedAt:       now,
	})
	require.NoError(t, err)
	assert.Empty(t, bare.Phone)

	phone := "+1 555 0100"
	updated, err := repo.UpdateClinic(ctx, bare.ID, ClinicUpdate{Phone: &phone}, now)
	require.NoError(t, err)
	assert.Equal(t, phone, updated.Phone)

	withPhone, err := repo.CreateClinic(ctx, Clinic{
		OperatorID:      uuid.New(),
		Name:            "Phone Clinic",
		Phone:           phone,
		Status:          ClinicOpen,
		AverageWaitTime: 10,
		CreatedAt:       now,
	})
	require.NoError(t, err)

	got, err := repo.GetClinicByID(ctx, withPhone.ID)
	require.NoError(t, err)
	assert.Equal(t, phone, got.Phone)
}

func TestPgRepository_CreateAppointmentRollsBackOnPlacementFailure(t *testing.T) {
	pool := testPool(t)
	repo := NewPgRepository(pool)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	clinic, err := repo.CreateClinic(ctx, Clinic{
		OperatorID:      uuid.New(),
		Name:            "Rollback Clinic",
		Status:          ClinicOpen,
		AverageWaitTime: 10,
		CreatedAt:       now,
	})
	require.NoError(t, err)

	token, err := repo.NextToken(ctx, clinic.ID)
	require.NoError(t, err)

	position := 1
	appt := Appointment{
		ID:          uuid.New(),
		ClinicID:    clinic.ID,
		PatientID:   uuid.New(),
		TokenNumber: token,
		Status:      StatusPending,
		CreatedAt:   now,
	}
	_, _, err = repo.CreateAppointment(ctx, appt, []Placement{
		{AppointmentID: appt.ID, QueuePosition: &position},
		{AppointmentID: uuid.New(), QueuePosition: &position},
	}, now)
	require.Error(t, err)

	_, err = repo.GetAppointmentByID(ctx, appt.ID)
	assert.ErrorIs(t, err, ErrAppointmentNotFound)
}

func TestPgRepository_TransitionAndChat(t *testing.T) {
	pool := testPool(t)
	hub := events.NewHub(16)
	defer hub.Close()

	svc := NewService(NewPgRepository(pool), NewLocalLocker(), hub)
	operator := Actor{ID: uuid.New(), Role: RoleOperator}
	patient := Actor{ID: uuid.New(), Role: RolePatient}
	ctx := context.Background()

	clinic, err := svc.CreateClinic(ctx, operator, Clinic{Name: "Chat Clinic"})
	require.NoError(t, err)

	a, err := svc.Book(ctx, patient, clinic.ID)
	require.NoError(t, err)
	b, err := svc.Book(ctx, Actor{ID: uuid.New(), Role: RolePatient}, clinic.ID)
	require.NoError(t, err)

	_, err = svc.Transition(ctx, patient, a.ID, StatusCancelled)
	require.NoError(t, err)

	got, err := svc.GetAppointment(ctx, operator, b.ID)
	require.NoError(t, err)
	require.NotNil(t, got.QueuePosition)
	assert.Equal(t, 1, *got.QueuePosition)

	_, err = svc.Transition(ctx, operator, a.ID, StatusPending)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = svc.SendMessage(ctx, patient, a.ID, "first")
	require.NoError(t, err)
	_, err = svc.SendMessage(ctx, operator, a.ID, "second")
	require.NoError(t, err)

	msgs, err := svc.Messages(ctx, patient, a.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].Body)
	assert.Equal(t, "second", msgs[1].Body)

	stats, err := svc.ClinicStats(ctx, operator, clinic.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Counts[StatusCancelled])
	assert.Equal(t, 1, stats.Waiting)
}
