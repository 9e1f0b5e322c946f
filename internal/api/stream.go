package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hackgods/clinic-queue/internal/events"
	"github.com/hackgods/clinic-queue/internal/queue"
)

const defaultHeartbeat = 30 * time.Second

// StreamHandler serves the server-sent event surfaces. Every stream
// subscribes before reading its snapshot, so no delta committed in
// between is lost; a delta already reflected in the snapshot is simply
// restated.
type StreamHandler struct {
	svc       *queue.Service
	hub       *events.Hub
	heartbeat time.Duration
}

func NewStreamHandler(svc *queue.Service, hub *events.Hub, heartbeat time.Duration) *StreamHandler {
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	return &StreamHandler{svc: svc, hub: hub, heartbeat: heartbeat}
}

// Clinic streams every appointment delta of a clinic to its operator.
// GET /stream/clinics/{id}
func (h *StreamHandler) Clinic(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "invalid_clinic_id")
	if !ok {
		return
	}

	sub := h.hub.Subscribe(events.ClinicScope(id))
	defer sub.Close()

	appts, err := h.svc.ListClinicAppointments(r.Context(), actor, id, nil)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	clinic, err := h.svc.GetClinic(r.Context(), id)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	h.serve(w, r, sub, ClinicSnapshot{Clinic: clinic, Appointments: orEmpty(appts)})
}

// Patient streams the caller's own appointment deltas.
// GET /stream/me
func (h *StreamHandler) Patient(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	if actor.Role != queue.RolePatient {
		handleServiceError(w, r, queue.ErrForbidden)
		return
	}

	sub := h.hub.Subscribe(events.PatientScope(actor.ID))
	defer sub.Close()

	appts, err := h.patientHistory(r, actor)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	h.serve(w, r, sub, AppointmentsResponse{Appointments: orEmpty(appts)})
}

// snapshotPage is the largest page ListPatientAppointments serves.
const snapshotPage = 100

// patientHistory pages through every appointment of the patient so a
// reconnecting client resynchronises its full history.
func (h *StreamHandler) patientHistory(r *http.Request, actor queue.Actor) ([]queue.Appointment, error) {
	var all []queue.Appointment
	for offset := 0; ; offset += snapshotPage {
		page, err := h.svc.ListPatientAppointments(r.Context(), actor, snapshotPage, offset)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < snapshotPage {
			return all, nil
		}
	}
}

// Messages streams one appointment's chat to its two participants.
// GET /stream/appointments/{id}/messages
func (h *StreamHandler) Messages(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "invalid_appointment_id")
	if !ok {
		return
	}

	sub := h.hub.Subscribe(events.AppointmentScope(id))
	defer sub.Close()

	msgs, err := h.svc.Messages(r.Context(), actor, id)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []queue.ChatMessage{}
	}

	h.serve(w, r, sub, MessagesResponse{Messages: msgs})
}

func (h *StreamHandler) serve(w http.ResponseWriter, r *http.Request, sub *events.Subscription, snapshot any) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, "snapshot", "", snapshot); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if err := writeEvent(w, "heartbeat", "", map[string]time.Time{"timestamp": time.Now().UTC()}); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-sub.C:
			if !ok {
				// dropped by the hub; the client reconnects and gets a fresh snapshot
				log.Info().Str("scope", sub.Scope.String()).Str("request_id", GetRequestID(r.Context())).Msg("stream subscription ended")
				return
			}
			if err := writeEvent(w, ev.Type, ev.ID.String(), ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, name, id string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, payload)
	return err
}
