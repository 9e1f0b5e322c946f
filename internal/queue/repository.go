package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrClinicNotFound      = errors.New("clinic not found")
	ErrAppointmentNotFound = errors.New("appointment not found")
)

// Repository contains all storage interactions needed by the service.
// Mutating calls for one clinic are issued while the service holds that
// clinic's lock; reads may run at any time.
type Repository interface {
	CreateClinic(ctx context.Context, c Clinic) (*Clinic, error)
	GetClinicByID(ctx context.Context, id uuid.UUID) (*Clinic, error)
	UpdateClinic(ctx context.Context, id uuid.UUID, upd ClinicUpdate, at time.Time) (*Clinic, error)
	ListClinicIDs(ctx context.Context) ([]uuid.UUID, error)

	// NextToken atomically advances and returns the clinic's token counter.
	NextToken(ctx context.Context, clinicID uuid.UUID) (int64, error)

	// CreateAppointment stores a and applies placements (which may name
	// a itself) atomically, returning a as inserted and the placed rows.
	CreateAppointment(ctx context.Context, a Appointment, placements []Placement, at time.Time) (*Appointment, []Appointment, error)
	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// UpdateAppointmentStatus only succeeds if the stored status still
	// equals from; otherwise it returns ErrAppointmentNotFound.
	UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus, at time.Time) (*Appointment, error)

	// Ledger
	ListLedgerCandidates(ctx context.Context, clinicID uuid.UUID) ([]Appointment, error)
	ApplyPlacements(ctx context.Context, clinicID uuid.UUID, placements []Placement, at time.Time) ([]Appointment, error)

	// Reads
	ListAppointmentsByClinic(ctx context.Context, clinicID uuid.UUID, statuses []AppointmentStatus) ([]Appointment, error)
	ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error)
	CountByStatus(ctx context.Context, clinicID uuid.UUID) (map[AppointmentStatus]int, error)

	// Chat
	InsertMessage(ctx context.Context, m ChatMessage) (*ChatMessage, error)
	LatestMessageAt(ctx context.Context, appointmentID uuid.UUID) (time.Time, error)
	ListMessages(ctx context.Context, appointmentID uuid.UUID) ([]ChatMessage, error)

	// Event logging
	InsertEvent(ctx context.Context, ev EventLog) error
}
