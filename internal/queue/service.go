package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/hackgods/clinic-queue/internal/events"
	"github.com/hackgods/clinic-queue/internal/observability"
)

const (
	EventAppointmentBooked       = "APPOINTMENT_BOOKED"
	EventAppointmentTransitioned = "APPOINTMENT_TRANSITIONED"
	EventChatMessageSent         = "CHAT_MESSAGE_SENT"

	DefaultAverageWaitTime = 15
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrForbidden         = errors.New("actor is not allowed to perform this action")
	ErrEmptyMessage      = errors.New("message body is empty")
	ErrClinicClosed      = errors.New("clinic is closed")
	ErrInvalidClinic     = errors.New("invalid clinic profile")
)

type Service struct {
	repo      Repository
	locker    Locker
	publisher events.Publisher
	now       func() time.Time
	tracer    trace.Tracer
	metrics   serviceMetrics
}

type Option func(*Service)

// WithClock replaces the wall clock used for created_at and updated_at.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(repo Repository, locker Locker, publisher events.Publisher, opts ...Option) *Service {
	s := &Service{
		repo:      repo,
		locker:    locker,
		publisher: publisher,
		now:       time.Now,
		tracer:    otel.Tracer("clinicq/queue"),
		metrics:   newServiceMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// timestamp is truncated to the precision Postgres stores so that values
// read back compare equal to the ones written.
func (s *Service) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// IssueToken hands out the next token number for a clinic. Concurrent
// callers on the same clinic are serialised by the clinic lock and by the
// atomic counter update in storage.
func (s *Service) IssueToken(ctx context.Context, clinicID uuid.UUID) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "queue.IssueToken", trace.WithAttributes(attribute.String("clinic_id", clinicID.String())))
	defer span.End()

	var token int64
	err := s.locker.WithClinicLock(ctx, clinicID, func(lockCtx context.Context) error {
		var err error
		token, err = s.issueLocked(lockCtx, clinicID)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	return token, nil
}

func (s *Service) issueLocked(ctx context.Context, clinicID uuid.UUID) (int64, error) {
	token, err := s.repo.NextToken(ctx, clinicID)
	if err != nil {
		if errors.Is(err, ErrClinicNotFound) {
			return 0, err
		}
		return 0, fmt.Errorf("issue token: %w", err)
	}
	return token, nil
}

// Book creates a pending appointment for the calling patient with the
// clinic's next token. The insert and the clinic's new ledger placements
// are stored together, so the result already carries its position and
// estimate and a failed booking leaves no ticket behind.
func (s *Service) Book(ctx context.Context, actor Actor, clinicID uuid.UUID) (*Appointment, error) {
	ctx, span := s.tracer.Start(ctx, "queue.Book", trace.WithAttributes(attribute.String("clinic_id", clinicID.String())))
	defer span.End()

	if actor.Role != RolePatient {
		return nil, ErrForbidden
	}

	var booked *Appointment

	err := s.locker.WithClinicLock(ctx, clinicID, func(lockCtx context.Context) error {
		clinic, err := s.loadClinic(lockCtx, clinicID)
		if err != nil {
			return err
		}
		if clinic.Status == ClinicClosed {
			return ErrClinicClosed
		}

		token, err := s.issueLocked(lockCtx, clinicID)
		if err != nil {
			return err
		}

		appt := Appointment{
			ID:          uuid.New(),
			ClinicID:    clinicID,
			PatientID:   actor.ID,
			TokenNumber: token,
			Status:      StatusPending,
			CreatedAt:   s.timestamp(),
		}

		candidates, err := s.repo.ListLedgerCandidates(lockCtx, clinicID)
		if err != nil {
			return fmt.Errorf("list ledger candidates: %w", err)
		}
		placements := PlanLedger(append(candidates, appt), clinic.AverageWaitTime)

		created, changed, err := s.repo.CreateAppointment(lockCtx, appt, placements, s.timestamp())
		if err != nil {
			return fmt.Errorf("create appointment: %w", err)
		}
		s.metrics.ledgerChanged(lockCtx, len(changed))

		booked = pick(created, changed)
		s.publishAppointment(lockCtx, events.TypeAppointmentCreated, booked)
		s.publishChanged(lockCtx, changed, booked.ID)

		s.metrics.booked(lockCtx, clinicID.String())
		s.logEvent(lockCtx, booked.ID, EventAppointmentBooked, map[string]any{
			"clinic_id":    clinicID.String(),
			"patient_id":   actor.ID.String(),
			"token_number": booked.TokenNumber,
		})
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	return booked, nil
}

// Recompute rebuilds a clinic's queue positions and estimates. It is
// idempotent: with no intervening mutation a second run changes nothing
// and emits nothing. The returned slice holds the appointments whose
// placement changed.
func (s *Service) Recompute(ctx context.Context, clinicID uuid.UUID) ([]Appointment, error) {
	ctx, span := s.tracer.Start(ctx, "queue.Recompute", trace.WithAttributes(attribute.String("clinic_id", clinicID.String())))
	defer span.End()

	var changed []Appointment
	err := s.locker.WithClinicLock(ctx, clinicID, func(lockCtx context.Context) error {
		clinic, err := s.loadClinic(lockCtx, clinicID)
		if err != nil {
			return err
		}
		changed, err = s.recomputeLocked(lockCtx, clinic)
		if err != nil {
			return err
		}
		s.publishChanged(lockCtx, changed, uuid.Nil)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return changed, nil
}

func (s *Service) recomputeLocked(ctx context.Context, clinic *Clinic) ([]Appointment, error) {
	candidates, err := s.repo.ListLedgerCandidates(ctx, clinic.ID)
	if err != nil {
		return nil, fmt.Errorf("list ledger candidates: %w", err)
	}

	placements := PlanLedger(candidates, clinic.AverageWaitTime)
	if len(placements) == 0 {
		return nil, nil
	}

	changed, err := s.repo.ApplyPlacements(ctx, clinic.ID, placements, s.timestamp())
	if err != nil {
		return nil, fmt.Errorf("apply placements: %w", err)
	}
	s.metrics.ledgerChanged(ctx, len(changed))
	return changed, nil
}

// Transition moves an appointment along its lifecycle on behalf of actor
// and recomputes the clinic ledger before returning.
func (s *Service) Transition(ctx context.Context, actor Actor, appointmentID uuid.UUID, to AppointmentStatus) (*Appointment, error) {
	ctx, span := s.tracer.Start(ctx, "queue.Transition", trace.WithAttributes(
		attribute.String("appointment_id", appointmentID.String()),
		attribute.String("to", string(to)),
	))
	defer span.End()

	appt, err := s.repo.GetAppointmentByID(ctx, appointmentID)
	if err != nil {
		return nil, wrapLoad("load appointment", err)
	}

	var result *Appointment

	err = s.locker.WithClinicLock(ctx, appt.ClinicID, func(lockCtx context.Context) error {
		current, err := s.repo.GetAppointmentByID(lockCtx, appointmentID)
		if err != nil {
			return wrapLoad("reload appointment", err)
		}
		clinic, err := s.loadClinic(lockCtx, current.ClinicID)
		if err != nil {
			return err
		}

		if err := checkTransition(actor, clinic, current, to); err != nil {
			return err
		}

		updated, err := s.repo.UpdateAppointmentStatus(lockCtx, current.ID, current.Status, to, s.timestamp())
		if err != nil {
			if errors.Is(err, ErrAppointmentNotFound) {
				return ErrInvalidTransition
			}
			return fmt.Errorf("update appointment status: %w", err)
		}

		changed, err := s.recomputeLocked(lockCtx, clinic)
		if err != nil {
			return err
		}

		result = pick(updated, changed)
		s.publishAppointment(lockCtx, events.TypeAppointmentUpdated, result)
		s.publishChanged(lockCtx, changed, result.ID)

		s.metrics.transitioned(lockCtx, to)
		s.logEvent(lockCtx, result.ID, EventAppointmentTransitioned, map[string]any{
			"from":     string(current.Status),
			"to":       string(to),
			"actor_id": actor.ID.String(),
		})
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	return result, nil
}

// CreateClinic registers a clinic run by the calling operator.
func (s *Service) CreateClinic(ctx context.Context, actor Actor, c Clinic) (*Clinic, error) {
	if actor.Role != RoleOperator {
		return nil, ErrForbidden
	}

	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidClinic)
	}
	if c.AverageWaitTime == 0 {
		c.AverageWaitTime = DefaultAverageWaitTime
	}
	if c.AverageWaitTime < 0 {
		return nil, fmt.Errorf("%w: average_wait_time must be positive", ErrInvalidClinic)
	}
	if c.Status == "" {
		c.Status = ClinicOpen
	}
	if !c.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidClinic, c.Status)
	}

	c.ID = uuid.New()
	c.OperatorID = actor.ID
	c.LastToken = 0
	c.CreatedAt = s.timestamp()
	c.UpdatedAt = c.CreatedAt

	created, err := s.repo.CreateClinic(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("create clinic: %w", err)
	}
	return created, nil
}

// UpdateClinic applies an operator's profile change. A new average wait
// time shifts every estimate, so the ledger is recomputed.
func (s *Service) UpdateClinic(ctx context.Context, actor Actor, clinicID uuid.UUID, upd ClinicUpdate) (*Clinic, error) {
	if upd.Status != nil && !upd.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidClinic, *upd.Status)
	}
	if upd.AverageWaitTime != nil && *upd.AverageWaitTime <= 0 {
		return nil, fmt.Errorf("%w: average_wait_time must be positive", ErrInvalidClinic)
	}
	if upd.Name != nil && strings.TrimSpace(*upd.Name) == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidClinic)
	}

	var result *Clinic

	err := s.locker.WithClinicLock(ctx, clinicID, func(lockCtx context.Context) error {
		clinic, err := s.loadClinic(lockCtx, clinicID)
		if err != nil {
			return err
		}
		if !clinic.OwnedBy(actor) {
			return ErrForbidden
		}

		updated, err := s.repo.UpdateClinic(lockCtx, clinicID, upd, s.timestamp())
		if err != nil {
			return wrapLoad("update clinic", err)
		}
		result = updated
		s.publishClinic(lockCtx, updated)

		if updated.AverageWaitTime != clinic.AverageWaitTime {
			changed, err := s.recomputeLocked(lockCtx, updated)
			if err != nil {
				return err
			}
			s.publishChanged(lockCtx, changed, uuid.Nil)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) GetClinic(ctx context.Context, clinicID uuid.UUID) (*Clinic, error) {
	return s.loadClinic(ctx, clinicID)
}

// GetAppointment returns one appointment to its patient or the owning
// operator.
func (s *Service) GetAppointment(ctx context.Context, actor Actor, appointmentID uuid.UUID) (*Appointment, error) {
	appt, _, err := s.loadParticipantView(ctx, actor, appointmentID)
	if err != nil {
		return nil, err
	}
	return appt, nil
}

// ListClinicAppointments is the operator's view of a clinic, ordered by
// token. An empty statuses filter returns every appointment.
func (s *Service) ListClinicAppointments(ctx context.Context, actor Actor, clinicID uuid.UUID, statuses []AppointmentStatus) ([]Appointment, error) {
	clinic, err := s.loadClinic(ctx, clinicID)
	if err != nil {
		return nil, err
	}
	if !clinic.OwnedBy(actor) {
		return nil, ErrForbidden
	}

	appts, err := s.repo.ListAppointmentsByClinic(ctx, clinicID, statuses)
	if err != nil {
		return nil, fmt.Errorf("list appointments by clinic: %w", err)
	}
	return appts, nil
}

// ListPatientAppointments returns the calling patient's own appointments,
// newest first.
func (s *Service) ListPatientAppointments(ctx context.Context, actor Actor, limit, offset int) ([]Appointment, error) {
	if actor.Role != RolePatient {
		return nil, ErrForbidden
	}
	if limit <= 0 {
		limit = 20 // default
	}
	if limit > 100 {
		limit = 100 // max
	}
	if offset < 0 {
		offset = 0
	}

	appts, err := s.repo.ListAppointmentsByPatient(ctx, actor.ID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list appointments by patient: %w", err)
	}
	return appts, nil
}

func (s *Service) ClinicStats(ctx context.Context, actor Actor, clinicID uuid.UUID) (*ClinicStats, error) {
	clinic, err := s.loadClinic(ctx, clinicID)
	if err != nil {
		return nil, err
	}
	if !clinic.OwnedBy(actor) {
		return nil, ErrForbidden
	}

	counts, err := s.repo.CountByStatus(ctx, clinicID)
	if err != nil {
		return nil, fmt.Errorf("count appointments: %w", err)
	}

	return &ClinicStats{
		ClinicID: clinicID,
		Counts:   counts,
		Waiting:  counts[StatusPending] + counts[StatusConfirmed],
	}, nil
}

// ReconcileAll recomputes every clinic's ledger. Failures on one clinic
// are logged and do not stop the others. It returns how many
// appointments changed placement.
func (s *Service) ReconcileAll(ctx context.Context) (int, error) {
	ids, err := s.repo.ListClinicIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list clinics: %w", err)
	}

	total := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		changed, err := s.Recompute(ctx, id)
		if err != nil {
			observability.LoggerFromContext(ctx).Error().Err(err).Str("clinic_id", id.String()).Msg("ledger reconcile failed")
			continue
		}
		total += len(changed)
	}
	return total, nil
}

func (s *Service) loadClinic(ctx context.Context, clinicID uuid.UUID) (*Clinic, error) {
	clinic, err := s.repo.GetClinicByID(ctx, clinicID)
	if err != nil {
		return nil, wrapLoad("load clinic", err)
	}
	return clinic, nil
}

func (s *Service) loadParticipantView(ctx context.Context, actor Actor, appointmentID uuid.UUID) (*Appointment, *Clinic, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, appointmentID)
	if err != nil {
		return nil, nil, wrapLoad("load appointment", err)
	}
	clinic, err := s.loadClinic(ctx, appt.ClinicID)
	if err != nil {
		return nil, nil, err
	}
	if !isParticipant(actor, clinic, appt) {
		return nil, nil, ErrForbidden
	}
	return appt, clinic, nil
}

func isParticipant(actor Actor, clinic *Clinic, appt *Appointment) bool {
	if clinic.OwnedBy(actor) {
		return true
	}
	return actor.Role == RolePatient && actor.ID == appt.PatientID
}

// wrapLoad passes not-found kinds through untouched and wraps everything
// else as a storage failure.
func wrapLoad(op string, err error) error {
	if errors.Is(err, ErrClinicNotFound) || errors.Is(err, ErrAppointmentNotFound) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}

// pick returns the post-recompute copy of target if the ledger touched it.
func pick(target *Appointment, changed []Appointment) *Appointment {
	for i := range changed {
		if changed[i].ID == target.ID {
			return &changed[i]
		}
	}
	return target
}

func (s *Service) publishChanged(ctx context.Context, changed []Appointment, skip uuid.UUID) {
	for i := range changed {
		if changed[i].ID == skip {
			continue
		}
		s.publishAppointment(ctx, events.TypeAppointmentUpdated, &changed[i])
	}
}

func (s *Service) publishAppointment(ctx context.Context, eventType string, appt *Appointment) {
	s.publish(ctx, events.Event{
		Type:          eventType,
		ClinicID:      appt.ClinicID,
		PatientID:     appt.PatientID,
		AppointmentID: appt.ID,
	}, appt)
}

func (s *Service) publishClinic(ctx context.Context, clinic *Clinic) {
	s.publish(ctx, events.Event{
		Type:     events.TypeClinicUpdated,
		ClinicID: clinic.ID,
	}, clinic)
}

// publish never fails the caller: fan-out problems are logged only.
func (s *Service) publish(ctx context.Context, ev events.Event, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		observability.LoggerFromContext(ctx).Error().Err(err).Str("event_type", ev.Type).Msg("marshal event payload")
		return
	}

	ev.ID = uuid.New()
	ev.Payload = data
	ev.CommittedAt = s.timestamp()

	if err := s.publisher.Publish(ctx, ev); err != nil {
		observability.LoggerFromContext(ctx).Warn().Err(err).Str("event_type", ev.Type).Msg("publish event")
	}
}

func (s *Service) logEvent(ctx context.Context, appointmentID uuid.UUID, eventType string, payload map[string]any) {
	logger := observability.LoggerFromContext(ctx)

	data, err := json.Marshal(payload)
	if err != nil {
		logger.Error().Err(err).Str("event_type", eventType).Msg("failed to marshal event payload")
		data = nil
	}

	apptID := appointmentID

	ev := EventLog{
		EventType:     eventType,
		AppointmentID: &apptID,
		Payload:       data,
		CreatedAt:     s.timestamp(),
	}

	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		logger.Error().Err(err).
			Str("event_type", eventType).
			Str("appointment_id", appointmentID.String()).
			Msg("failed to insert event log")
	}
}
