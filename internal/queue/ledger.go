package queue

import (
	"sort"
	"time"
)

// PlanLedger derives queue positions and estimates for one clinic.
//
// Waiting appointments (pending, confirmed) are ranked by created_at,
// ties broken by token number, and numbered from 1. Each estimate is
// created_at + averageWait minutes * position. Every other candidate
// still carrying a position or estimate is cleared, in_progress
// included. Only placements that differ from the stored values are
// returned, so planning an already consistent ledger yields nothing.
func PlanLedger(candidates []Appointment, averageWait int) []Placement {
	waiting := make([]Appointment, 0, len(candidates))
	var changes []Placement

	for _, a := range candidates {
		if a.Status.Waiting() {
			waiting = append(waiting, a)
			continue
		}
		if a.QueuePosition != nil || a.EstimatedTime != nil {
			changes = append(changes, Placement{AppointmentID: a.ID})
		}
	}

	sort.SliceStable(waiting, func(i, j int) bool {
		if !waiting[i].CreatedAt.Equal(waiting[j].CreatedAt) {
			return waiting[i].CreatedAt.Before(waiting[j].CreatedAt)
		}
		return waiting[i].TokenNumber < waiting[j].TokenNumber
	})

	for i, a := range waiting {
		position := i + 1
		estimate := EstimateFor(a.CreatedAt, averageWait, position)
		if samePlacement(a, position, estimate) {
			continue
		}
		changes = append(changes, Placement{
			AppointmentID: a.ID,
			QueuePosition: &position,
			EstimatedTime: &estimate,
		})
	}

	return changes
}

// EstimateFor returns createdAt + averageWait minutes * position.
func EstimateFor(createdAt time.Time, averageWait, position int) time.Time {
	return createdAt.Add(time.Duration(averageWait*position) * time.Minute)
}

func samePlacement(a Appointment, position int, estimate time.Time) bool {
	return a.QueuePosition != nil && *a.QueuePosition == position &&
		a.EstimatedTime != nil && a.EstimatedTime.Equal(estimate)
}
