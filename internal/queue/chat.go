package queue

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/hackgods/clinic-queue/internal/events"
)

// SendMessage appends a message to an appointment's chat stream. Only
// the appointment's patient and the clinic's operator may write.
// created_at never goes backwards within one stream.
func (s *Service) SendMessage(ctx context.Context, actor Actor, appointmentID uuid.UUID, body string) (*ChatMessage, error) {
	ctx, span := s.tracer.Start(ctx, "queue.SendMessage", trace.WithAttributes(attribute.String("appointment_id", appointmentID.String())))
	defer span.End()

	body = strings.TrimSpace(body)
	if body == "" {
		return nil, ErrEmptyMessage
	}

	appt, _, err := s.loadParticipantView(ctx, actor, appointmentID)
	if err != nil {
		return nil, err
	}

	var sent *ChatMessage

	err = s.locker.WithClinicLock(ctx, appt.ClinicID, func(lockCtx context.Context) error {
		latest, err := s.repo.LatestMessageAt(lockCtx, appt.ID)
		if err != nil {
			return fmt.Errorf("latest message: %w", err)
		}

		createdAt := s.timestamp()
		if createdAt.Before(latest) {
			createdAt = latest
		}

		msg, err := s.repo.InsertMessage(lockCtx, ChatMessage{
			ID:            uuid.New(),
			AppointmentID: appt.ID,
			SenderID:      actor.ID,
			Body:          body,
			CreatedAt:     createdAt,
		})
		if err != nil {
			return wrapLoad("insert message", err)
		}
		sent = msg

		s.publish(lockCtx, events.Event{
			Type:          events.TypeChatMessage,
			ClinicID:      appt.ClinicID,
			PatientID:     appt.PatientID,
			AppointmentID: appt.ID,
		}, msg)

		s.metrics.messageSent(lockCtx)
		s.logEvent(lockCtx, appt.ID, EventChatMessageSent, map[string]any{
			"message_id": msg.ID.String(),
			"sender_id":  actor.ID.String(),
		})
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	return sent, nil
}

// Messages returns the full ordered chat history of an appointment.
func (s *Service) Messages(ctx context.Context, actor Actor, appointmentID uuid.UUID) ([]ChatMessage, error) {
	if _, _, err := s.loadParticipantView(ctx, actor, appointmentID); err != nil {
		return nil, err
	}

	msgs, err := s.repo.ListMessages(ctx, appointmentID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return msgs, nil
}
