package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	TypeAppointmentCreated = "appointment.created"
	TypeAppointmentUpdated = "appointment.updated"
	TypeChatMessage        = "chat.message"
	TypeClinicUpdated      = "clinic.updated"
)

type ScopeKind string

const (
	ScopeClinic      ScopeKind = "clinic"
	ScopePatient     ScopeKind = "patient"
	ScopeAppointment ScopeKind = "appointment"
)

// Scope names one subscription surface.
type Scope struct {
	Kind ScopeKind
	ID   uuid.UUID
}

func ClinicScope(id uuid.UUID) Scope      { return Scope{Kind: ScopeClinic, ID: id} }
func PatientScope(id uuid.UUID) Scope     { return Scope{Kind: ScopePatient, ID: id} }
func AppointmentScope(id uuid.UUID) Scope { return Scope{Kind: ScopeAppointment, ID: id} }

func (s Scope) String() string {
	return string(s.Kind) + ":" + s.ID.String()
}

// Event is one delta. Payload always restates the full current state of
// the entity it describes, so applying the same event twice is harmless.
type Event struct {
	ID            uuid.UUID       `json:"id"`
	Type          string          `json:"type"`
	ClinicID      uuid.UUID       `json:"clinic_id"`
	PatientID     uuid.UUID       `json:"patient_id,omitempty"`
	AppointmentID uuid.UUID       `json:"appointment_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	CommittedAt   time.Time       `json:"committed_at"`
}

// Scopes returns the subscription surfaces an event is delivered to.
func (e Event) Scopes() []Scope {
	switch e.Type {
	case TypeChatMessage:
		return []Scope{AppointmentScope(e.AppointmentID)}
	case TypeClinicUpdated:
		return []Scope{ClinicScope(e.ClinicID)}
	default:
		scopes := []Scope{ClinicScope(e.ClinicID)}
		if e.PatientID != uuid.Nil {
			scopes = append(scopes, PatientScope(e.PatientID))
		}
		return scopes
	}
}

// Publisher accepts committed deltas for delivery. Implementations must
// not block on slow subscribers.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}
