package api

import (
	"github.com/hackgods/clinic-queue/internal/queue"
)

type CreateClinicRequest struct {
	Name            string `json:"name"`
	Address         string `json:"address"`
	Phone           string `json:"phone"`
	AverageWaitTime int    `json:"average_wait_time"`
}

type UpdateClinicRequest struct {
	Name            *string `json:"name"`
	Address         *string `json:"address"`
	Phone           *string `json:"phone"`
	Status          *string `json:"status"`
	AverageWaitTime *int    `json:"average_wait_time"`
}

type TransitionRequest struct {
	Status string `json:"status"`
}

type SendMessageRequest struct {
	Body string `json:"body"`
}

type TokenResponse struct {
	ClinicID    string `json:"clinic_id"`
	TokenNumber int64  `json:"token_number"`
}

type RecomputeResponse struct {
	Changed []queue.Appointment `json:"changed"`
}

type AppointmentsResponse struct {
	Appointments []queue.Appointment `json:"appointments"`
}

type MessagesResponse struct {
	Messages []queue.ChatMessage `json:"messages"`
}

// ClinicSnapshot is the first frame of a clinic stream.
type ClinicSnapshot struct {
	Clinic       *queue.Clinic       `json:"clinic"`
	Appointments []queue.Appointment `json:"appointments"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
