package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/hackgods/clinic-queue/internal/queue"
)

func createClinicHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}

		var req CreateClinicRequest
		if !decodeBody(w, r, &req) {
			return
		}

		clinic, err := svc.CreateClinic(r.Context(), actor, queue.Clinic{
			Name:            req.Name,
			Address:         req.Address,
			Phone:           req.Phone,
			AverageWaitTime: req.AverageWaitTime,
		})
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusCreated, clinic)
	}
}

func getClinicHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "invalid_clinic_id")
		if !ok {
			return
		}

		clinic, err := svc.GetClinic(r.Context(), id)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, clinic)
	}
}

func updateClinicHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		id, ok := pathID(w, r, "invalid_clinic_id")
		if !ok {
			return
		}

		var req UpdateClinicRequest
		if !decodeBody(w, r, &req) {
			return
		}

		upd := queue.ClinicUpdate{
			Name:            req.Name,
			Address:         req.Address,
			Phone:           req.Phone,
			AverageWaitTime: req.AverageWaitTime,
		}
		if req.Status != nil {
			status := queue.ClinicStatus(*req.Status)
			upd.Status = &status
		}

		clinic, err := svc.UpdateClinic(r.Context(), actor, id, upd)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, clinic)
	}
}

// issueTokenHandler exposes the raw sequence authority to the clinic's
// operator, for walk-in tickets handed out at the desk.
func issueTokenHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := ownedClinic(w, r, svc)
		if !ok {
			return
		}

		token, err := svc.IssueToken(r.Context(), id)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusCreated, TokenResponse{ClinicID: id.String(), TokenNumber: token})
	}
}

func recomputeHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := ownedClinic(w, r, svc)
		if !ok {
			return
		}

		changed, err := svc.Recompute(r.Context(), id)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, RecomputeResponse{Changed: orEmpty(changed)})
	}
}

func bookHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		id, ok := pathID(w, r, "invalid_clinic_id")
		if !ok {
			return
		}

		appt, err := svc.Book(r.Context(), actor, id)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusCreated, appt)
	}
}

func listClinicAppointmentsHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		id, ok := pathID(w, r, "invalid_clinic_id")
		if !ok {
			return
		}

		statuses, err := parseStatuses(r.URL.Query().Get("status"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_status", err.Error())
			return
		}

		appts, err := svc.ListClinicAppointments(r.Context(), actor, id, statuses)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, AppointmentsResponse{Appointments: orEmpty(appts)})
	}
}

func clinicStatsHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		id, ok := pathID(w, r, "invalid_clinic_id")
		if !ok {
			return
		}

		stats, err := svc.ClinicStats(r.Context(), actor, id)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, stats)
	}
}

func getAppointmentHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		id, ok := pathID(w, r, "invalid_appointment_id")
		if !ok {
			return
		}

		appt, err := svc.GetAppointment(r.Context(), actor, id)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, appt)
	}
}

func listMyAppointmentsHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}

		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

		appts, err := svc.ListPatientAppointments(r.Context(), actor, limit, offset)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, AppointmentsResponse{Appointments: orEmpty(appts)})
	}
}

func transitionHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		id, ok := pathID(w, r, "invalid_appointment_id")
		if !ok {
			return
		}

		var req TransitionRequest
		if !decodeBody(w, r, &req) {
			return
		}
		to := queue.AppointmentStatus(req.Status)
		if !to.Valid() {
			writeError(w, http.StatusBadRequest, "invalid_status", "unknown status "+strconv.Quote(req.Status))
			return
		}

		appt, err := svc.Transition(r.Context(), actor, id, to)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, appt)
	}
}

func sendMessageHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		id, ok := pathID(w, r, "invalid_appointment_id")
		if !ok {
			return
		}

		var req SendMessageRequest
		if !decodeBody(w, r, &req) {
			return
		}

		msg, err := svc.SendMessage(r.Context(), actor, id, req.Body)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusCreated, msg)
	}
}

func listMessagesHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		id, ok := pathID(w, r, "invalid_appointment_id")
		if !ok {
			return
		}

		msgs, err := svc.Messages(r.Context(), actor, id)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		if msgs == nil {
			msgs = []queue.ChatMessage{}
		}

		writeJSON(w, http.StatusOK, MessagesResponse{Messages: msgs})
	}
}

func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, queue.ErrClinicNotFound):
		writeError(w, http.StatusNotFound, "clinic_not_found", err.Error())
	case errors.Is(err, queue.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, queue.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, queue.ErrClinicClosed):
		writeError(w, http.StatusConflict, "clinic_closed", err.Error())
	case errors.Is(err, queue.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, queue.ErrEmptyMessage):
		writeError(w, http.StatusUnprocessableEntity, "empty_message", err.Error())
	case errors.Is(err, queue.ErrInvalidClinic):
		writeError(w, http.StatusUnprocessableEntity, "invalid_clinic", err.Error())
	case errors.Is(err, queue.ErrLockTimeout):
		writeError(w, http.StatusServiceUnavailable, "clinic_busy", "clinic is busy, please retry shortly")
	default:
		log.Error().Err(err).
			Str("request_id", GetRequestID(r.Context())).
			Str("path", r.URL.Path).
			Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

// Helpers

func requireActor(w http.ResponseWriter, r *http.Request) (queue.Actor, bool) {
	actor, ok := ActorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing_actor", headerActorID+" and "+headerActorRole+" headers are required")
		return queue.Actor{}, false
	}
	return actor, true
}

func pathID(w http.ResponseWriter, r *http.Request, code string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, code, "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

// ownedClinic resolves the path clinic and checks the caller operates it.
func ownedClinic(w http.ResponseWriter, r *http.Request, svc *queue.Service) (uuid.UUID, bool) {
	actor, ok := requireActor(w, r)
	if !ok {
		return uuid.Nil, false
	}
	id, ok := pathID(w, r, "invalid_clinic_id")
	if !ok {
		return uuid.Nil, false
	}

	clinic, err := svc.GetClinic(r.Context(), id)
	if err != nil {
		handleServiceError(w, r, err)
		return uuid.Nil, false
	}
	if !clinic.OwnedBy(actor) {
		handleServiceError(w, r, queue.ErrForbidden)
		return uuid.Nil, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return false
	}
	return true
}

func parseStatuses(raw string) ([]queue.AppointmentStatus, error) {
	if raw == "" {
		return nil, nil
	}

	var statuses []queue.AppointmentStatus
	for _, part := range strings.Split(raw, ",") {
		s := queue.AppointmentStatus(strings.TrimSpace(part))
		if !s.Valid() {
			return nil, errors.New("unknown status " + strconv.Quote(string(s)))
		}
		statuses = append(statuses, s)
	}
	return statuses, nil
}

func orEmpty(appts []queue.Appointment) []queue.Appointment {
	if appts == nil {
		return []queue.Appointment{}
	}
	return appts
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}
