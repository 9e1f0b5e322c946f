package queue

import (
	"time"

	"github.com/google/uuid"
)

type AppointmentStatus string

const (
	StatusPending    AppointmentStatus = "pending"
	StatusConfirmed  AppointmentStatus = "confirmed"
	StatusInProgress AppointmentStatus = "in_progress"
	StatusCompleted  AppointmentStatus = "completed"
	StatusCancelled  AppointmentStatus = "cancelled"
)

// Waiting reports whether the appointment still holds a queue position.
func (s AppointmentStatus) Waiting() bool {
	return s == StatusPending || s == StatusConfirmed
}

func (s AppointmentStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

func (s AppointmentStatus) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusInProgress, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

type ClinicStatus string

const (
	ClinicOpen   ClinicStatus = "open"
	ClinicBusy   ClinicStatus = "busy"
	ClinicClosed ClinicStatus = "closed"
)

func (s ClinicStatus) Valid() bool {
	return s == ClinicOpen || s == ClinicBusy || s == ClinicClosed
}

type Role string

const (
	RolePatient  Role = "patient"
	RoleOperator Role = "operator"
)

// Actor is the authenticated caller of an operation, supplied by the
// external session provider.
type Actor struct {
	ID   uuid.UUID
	Role Role
}

type Clinic struct {
	ID              uuid.UUID    `json:"id"`
	OperatorID      uuid.UUID    `json:"operator_id"`
	Name            string       `json:"name"`
	Address         string       `json:"address"`
	Phone           string       `json:"phone,omitempty"`
	Status          ClinicStatus `json:"status"`
	AverageWaitTime int          `json:"average_wait_time"` // minutes
	LastToken       int64        `json:"last_token"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// OwnedBy reports whether actor is the operator running this clinic.
func (c *Clinic) OwnedBy(actor Actor) bool {
	return actor.Role == RoleOperator && actor.ID == c.OperatorID
}

type Appointment struct {
	ID            uuid.UUID         `json:"id"`
	ClinicID      uuid.UUID         `json:"clinic_id"`
	PatientID     uuid.UUID         `json:"patient_id"`
	TokenNumber   int64             `json:"token_number"`
	Status        AppointmentStatus `json:"status"`
	QueuePosition *int              `json:"queue_position"`
	EstimatedTime *time.Time        `json:"estimated_time"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

type ChatMessage struct {
	ID            uuid.UUID `json:"id"`
	AppointmentID uuid.UUID `json:"appointment_id"`
	SenderID      uuid.UUID `json:"sender_id"`
	Body          string    `json:"body"`
	CreatedAt     time.Time `json:"created_at"`
}

// Placement is the ledger-derived position and estimate for one
// appointment. Nil fields mean cleared.
type Placement struct {
	AppointmentID uuid.UUID
	QueuePosition *int
	EstimatedTime *time.Time
}

type ClinicUpdate struct {
	Name            *string
	Address         *string
	Phone           *string
	Status          *ClinicStatus
	AverageWaitTime *int
}

type ClinicStats struct {
	ClinicID uuid.UUID                 `json:"clinic_id"`
	Counts   map[AppointmentStatus]int `json:"counts"`
	Waiting  int                       `json:"waiting"`
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}
