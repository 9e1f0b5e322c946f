package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository keeps everything in process memory. It backs tests
// and STORAGE=memory single-instance runs.
type MemoryRepository struct {
	mu           sync.RWMutex
	clinics      map[uuid.UUID]Clinic
	appointments map[uuid.UUID]Appointment
	messages     map[uuid.UUID][]ChatMessage
	events       []EventLog
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		clinics:      make(map[uuid.UUID]Clinic),
		appointments: make(map[uuid.UUID]Appointment),
		messages:     make(map[uuid.UUID][]ChatMessage),
	}
}

func (r *MemoryRepository) CreateClinic(_ context.Context, c Clinic) (*Clinic, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	r.clinics[c.ID] = c
	return &c, nil
}

func (r *MemoryRepository) GetClinicByID(_ context.Context, id uuid.UUID) (*Clinic, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.clinics[id]
	if !ok {
		return nil, ErrClinicNotFound
	}
	return &c, nil
}

func (r *MemoryRepository) UpdateClinic(_ context.Context, id uuid.UUID, upd ClinicUpdate, at time.Time) (*Clinic, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clinics[id]
	if !ok {
		return nil, ErrClinicNotFound
	}
	if upd.Name != nil {
		c.Name = *upd.Name
	}
	if upd.Address != nil {
		c.Address = *upd.Address
	}
	if upd.Phone != nil {
		c.Phone = *upd.Phone
	}
	if upd.Status != nil {
		c.Status = *upd.Status
	}
	if upd.AverageWaitTime != nil {
		c.AverageWaitTime = *upd.AverageWaitTime
	}
	c.UpdatedAt = at
	r.clinics[id] = c
	return &c, nil
}

func (r *MemoryRepository) ListClinicIDs(_ context.Context) ([]uuid.UUID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]uuid.UUID, 0, len(r.clinics))
	for id := range r.clinics {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}

func (r *MemoryRepository) NextToken(_ context.Context, clinicID uuid.UUID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clinics[clinicID]
	if !ok {
		return 0, ErrClinicNotFound
	}
	c.LastToken++
	r.clinics[clinicID] = c
	return c.LastToken, nil
}

func (r *MemoryRepository) CreateAppointment(_ context.Context, a Appointment, placements []Placement, at time.Time) (*Appointment, []Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clinics[a.ClinicID]; !ok {
		return nil, nil, ErrClinicNotFound
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	for _, p := range placements {
		if p.AppointmentID == a.ID {
			continue
		}
		if existing, ok := r.appointments[p.AppointmentID]; !ok || existing.ClinicID != a.ClinicID {
			return nil, nil, ErrAppointmentNotFound
		}
	}

	a.UpdatedAt = a.CreatedAt
	r.appointments[a.ID] = a
	created := copyAppointment(a)

	updated, err := r.applyLocked(a.ClinicID, placements, at)
	if err != nil {
		return nil, nil, err
	}
	return created, updated, nil
}

func (r *MemoryRepository) GetAppointmentByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return copyAppointment(a), nil
}

func (r *MemoryRepository) UpdateAppointmentStatus(_ context.Context, id uuid.UUID, from, to AppointmentStatus, at time.Time) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.appointments[id]
	if !ok || a.Status != from {
		return nil, ErrAppointmentNotFound
	}
	a.Status = to
	a.UpdatedAt = at
	r.appointments[id] = a
	return copyAppointment(a), nil
}

func (r *MemoryRepository) ListLedgerCandidates(_ context.Context, clinicID uuid.UUID) ([]Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []Appointment
	for _, a := range r.appointments {
		if a.ClinicID != clinicID {
			continue
		}
		if a.Status.Waiting() || a.QueuePosition != nil || a.EstimatedTime != nil {
			result = append(result, *copyAppointment(a))
		}
	}
	sortByToken(result)
	return result, nil
}

func (r *MemoryRepository) ApplyPlacements(_ context.Context, clinicID uuid.UUID, placements []Placement, at time.Time) ([]Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.applyLocked(clinicID, placements, at)
}

// applyLocked validates every placement before writing any. Callers hold mu.
func (r *MemoryRepository) applyLocked(clinicID uuid.UUID, placements []Placement, at time.Time) ([]Appointment, error) {
	for _, p := range placements {
		a, ok := r.appointments[p.AppointmentID]
		if !ok || a.ClinicID != clinicID {
			return nil, ErrAppointmentNotFound
		}
	}

	updated := make([]Appointment, 0, len(placements))
	for _, p := range placements {
		a := r.appointments[p.AppointmentID]
		a.QueuePosition = copyInt(p.QueuePosition)
		a.EstimatedTime = copyTime(p.EstimatedTime)
		a.UpdatedAt = at
		r.appointments[a.ID] = a
		updated = append(updated, *copyAppointment(a))
	}
	return updated, nil
}

func (r *MemoryRepository) ListAppointmentsByClinic(_ context.Context, clinicID uuid.UUID, statuses []AppointmentStatus) ([]Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []Appointment
	for _, a := range r.appointments {
		if a.ClinicID != clinicID || !statusIn(a.Status, statuses) {
			continue
		}
		result = append(result, *copyAppointment(a))
	}
	sortByToken(result)
	return result, nil
}

func (r *MemoryRepository) ListAppointmentsByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []Appointment
	for _, a := range r.appointments {
		if a.PatientID == patientID {
			result = append(result, *copyAppointment(a))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID.String() < result[j].ID.String()
	})

	if offset >= len(result) {
		return nil, nil
	}
	result = result[offset:]
	if limit < len(result) {
		result = result[:limit]
	}
	return result, nil
}

func (r *MemoryRepository) CountByStatus(_ context.Context, clinicID uuid.UUID) (map[AppointmentStatus]int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[AppointmentStatus]int)
	for _, a := range r.appointments {
		if a.ClinicID == clinicID {
			counts[a.Status]++
		}
	}
	return counts, nil
}

func (r *MemoryRepository) InsertMessage(_ context.Context, m ChatMessage) (*ChatMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.appointments[m.AppointmentID]; !ok {
		return nil, ErrAppointmentNotFound
	}
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	r.messages[m.AppointmentID] = append(r.messages[m.AppointmentID], m)
	return &m, nil
}

func (r *MemoryRepository) LatestMessageAt(_ context.Context, appointmentID uuid.UUID) (time.Time, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	msgs := r.messages[appointmentID]
	if len(msgs) == 0 {
		return time.Time{}, nil
	}
	return msgs[len(msgs)-1].CreatedAt, nil
}

func (r *MemoryRepository) ListMessages(_ context.Context, appointmentID uuid.UUID) ([]ChatMessage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	msgs := r.messages[appointmentID]
	out := make([]ChatMessage, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (r *MemoryRepository) InsertEvent(_ context.Context, ev EventLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ev.ID = int64(len(r.events) + 1)
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of the audit log.
func (r *MemoryRepository) Events() []EventLog {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]EventLog, len(r.events))
	copy(out, r.events)
	return out
}

// Helpers

func copyAppointment(a Appointment) *Appointment {
	a.QueuePosition = copyInt(a.QueuePosition)
	a.EstimatedTime = copyTime(a.EstimatedTime)
	return &a
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	n := *v
	return &n
}

func copyTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	t := *v
	return &t
}

func sortByToken(appts []Appointment) {
	sort.Slice(appts, func(i, j int) bool { return appts[i].TokenNumber < appts[j].TokenNumber })
}

func statusIn(s AppointmentStatus, statuses []AppointmentStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, candidate := range statuses {
		if candidate == s {
			return true
		}
	}
	return false
}
