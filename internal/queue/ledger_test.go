package queue

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func timePtr(t time.Time) *time.Time { return &t }

func TestPlanLedger_AssignsPositionsByCreatedAt(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	a := Appointment{ID: uuid.New(), TokenNumber: 1, Status: StatusPending, CreatedAt: base}
	b := Appointment{ID: uuid.New(), TokenNumber: 2, Status: StatusConfirmed, CreatedAt: base.Add(time.Minute)}
	c := Appointment{ID: uuid.New(), TokenNumber: 3, Status: StatusPending, CreatedAt: base.Add(2 * time.Minute)}

	plan := PlanLedger([]Appointment{c, a, b}, 15)
	require.Len(t, plan, 3)

	byID := make(map[uuid.UUID]Placement)
	for _, p := range plan {
		byID[p.AppointmentID] = p
	}

	assert.Equal(t, 1, *byID[a.ID].QueuePosition)
	assert.Equal(t, 2, *byID[b.ID].QueuePosition)
	assert.Equal(t, 3, *byID[c.ID].QueuePosition)
	assert.Equal(t, a.CreatedAt.Add(15*time.Minute), *byID[a.ID].EstimatedTime)
	assert.Equal(t, b.CreatedAt.Add(30*time.Minute), *byID[b.ID].EstimatedTime)
	assert.Equal(t, c.CreatedAt.Add(45*time.Minute), *byID[c.ID].EstimatedTime)
}

func TestPlanLedger_TiesBrokenByToken(t *testing.T) {
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	first := Appointment{ID: uuid.New(), TokenNumber: 7, Status: StatusPending, CreatedAt: at}
	second := Appointment{ID: uuid.New(), TokenNumber: 8, Status: StatusPending, CreatedAt: at}

	plan := PlanLedger([]Appointment{second, first}, 10)
	require.Len(t, plan, 2)
	assert.Equal(t, first.ID, plan[0].AppointmentID)
	assert.Equal(t, 1, *plan[0].QueuePosition)
	assert.Equal(t, second.ID, plan[1].AppointmentID)
	assert.Equal(t, 2, *plan[1].QueuePosition)
}

func TestPlanLedger_ClearsNonWaiting(t *testing.T) {
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	for _, status := range []AppointmentStatus{StatusInProgress, StatusCompleted, StatusCancelled} {
		t.Run(string(status), func(t *testing.T) {
			stale := Appointment{
				ID:            uuid.New(),
				TokenNumber:   1,
				Status:        status,
				QueuePosition: intPtr(1),
				EstimatedTime: timePtr(at.Add(15 * time.Minute)),
				CreatedAt:     at,
			}

			plan := PlanLedger([]Appointment{stale}, 15)
			require.Len(t, plan, 1)
			assert.Equal(t, stale.ID, plan[0].AppointmentID)
			assert.Nil(t, plan[0].QueuePosition)
			assert.Nil(t, plan[0].EstimatedTime)
		})
	}
}

func TestPlanLedger_ConsistentLedgerIsNoop(t *testing.T) {
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	appts := []Appointment{
		{ID: uuid.New(), TokenNumber: 1, Status: StatusPending, CreatedAt: at, QueuePosition: intPtr(1), EstimatedTime: timePtr(at.Add(20 * time.Minute))},
		{ID: uuid.New(), TokenNumber: 2, Status: StatusConfirmed, CreatedAt: at.Add(time.Minute), QueuePosition: intPtr(2), EstimatedTime: timePtr(at.Add(41 * time.Minute))},
		{ID: uuid.New(), TokenNumber: 3, Status: StatusCompleted, CreatedAt: at.Add(2 * time.Minute)},
	}

	assert.Empty(t, PlanLedger(appts, 20))
}

func TestPlanLedger_ShiftsAfterRemoval(t *testing.T) {
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	a := Appointment{ID: uuid.New(), TokenNumber: 1, Status: StatusPending, CreatedAt: at, QueuePosition: intPtr(1), EstimatedTime: timePtr(at.Add(15 * time.Minute))}
	b := Appointment{ID: uuid.New(), TokenNumber: 2, Status: StatusCancelled, CreatedAt: at.Add(time.Minute), QueuePosition: intPtr(2), EstimatedTime: timePtr(at.Add(31 * time.Minute))}
	c := Appointment{ID: uuid.New(), TokenNumber: 3, Status: StatusPending, CreatedAt: at.Add(2 * time.Minute), QueuePosition: intPtr(3), EstimatedTime: timePtr(at.Add(47 * time.Minute))}

	plan := PlanLedger([]Appointment{a, b, c}, 15)
	require.Len(t, plan, 2)

	assert.Equal(t, b.ID, plan[0].AppointmentID)
	assert.Nil(t, plan[0].QueuePosition)

	assert.Equal(t, c.ID, plan[1].AppointmentID)
	assert.Equal(t, 2, *plan[1].QueuePosition)
	assert.Equal(t, c.CreatedAt.Add(30*time.Minute), *plan[1].EstimatedTime)
}

func TestPlanLedger_Empty(t *testing.T) {
	assert.Empty(t, PlanLedger(nil, 15))
}
