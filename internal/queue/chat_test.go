package queue

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-queue/internal/events"
)

func TestSendMessage_RejectsBlankBody(t *testing.T) {
	f := newFixture(t, 15)
	ctx := context.Background()
	patient := newPatient()
	appt := f.book(t, patient)

	_, err := f.svc.SendMessage(ctx, patient, appt.ID, "hello")
	require.NoError(t, err)

	for _, body := range []string{"", "   ", "\n\t "} {
		_, err := f.svc.SendMessage(ctx, patient, appt.ID, body)
		assert.ErrorIs(t, err, ErrEmptyMessage)
	}

	history, err := f.svc.Messages(ctx, patient, appt.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestSendMessage_TrimsBody(t *testing.T) {
	f := newFixture(t, 15)
	patient := newPatient()
	appt := f.book(t, patient)

	msg, err := f.svc.SendMessage(context.Background(), patient, appt.ID, "  running late  ")
	require.NoError(t, err)
	assert.Equal(t, "running late", msg.Body)
	assert.Equal(t, patient.ID, msg.SenderID)
}

func TestSendMessage_OnlyParticipantsMayWrite(t *testing.T) {
	f := newFixture(t, 15)
	ctx := context.Background()
	patient := newPatient()
	appt := f.book(t, patient)

	_, err := f.svc.SendMessage(ctx, f.operator, appt.ID, "please arrive 5 minutes early")
	require.NoError(t, err)

	_, err = f.svc.SendMessage(ctx, newPatient(), appt.ID, "hi")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.SendMessage(ctx, Actor{ID: uuid.New(), Role: RoleOperator}, appt.ID, "hi")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.Messages(ctx, newPatient(), appt.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.SendMessage(ctx, patient, uuid.New(), "hi")
	assert.ErrorIs(t, err, ErrAppointmentNotFound)
}

func TestSendMessage_CreatedAtNeverGoesBackwards(t *testing.T) {
	f := newFixture(t, 15)
	ctx := context.Background()
	patient := newPatient()
	appt := f.book(t, patient)

	first, err := f.svc.SendMessage(ctx, patient, appt.ID, "one")
	require.NoError(t, err)

	f.clock.Advance(-time.Hour)
	second, err := f.svc.SendMessage(ctx, f.operator, appt.ID, "two")
	require.NoError(t, err)
	assert.False(t, second.CreatedAt.Before(first.CreatedAt))

	f.clock.Advance(2 * time.Hour)
	third, err := f.svc.SendMessage(ctx, patient, appt.ID, "three")
	require.NoError(t, err)
	assert.True(t, third.CreatedAt.After(second.CreatedAt))

	history, err := f.svc.Messages(ctx, f.operator, appt.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, []string{"one", "two", "three"}, []string{history[0].Body, history[1].Body, history[2].Body})
}

func TestSendMessage_AllowedOnTerminalAppointment(t *testing.T) {
	f := newFixture(t, 15)
	ctx := context.Background()
	patient := newPatient()
	appt := f.book(t, patient)

	_, err := f.svc.Transition(ctx, patient, appt.ID, StatusCancelled)
	require.NoError(t, err)

	_, err = f.svc.SendMessage(ctx, patient, appt.ID, "sorry, had to cancel")
	assert.NoError(t, err)
}

func TestSendMessage_PublishesToAppointmentScopeOnly(t *testing.T) {
	f := newFixture(t, 15)
	patient := newPatient()
	appt := f.book(t, patient)

	chatSub := f.hub.Subscribe(events.AppointmentScope(appt.ID))
	clinicSub := f.hub.Subscribe(events.ClinicScope(f.clinic.ID))
	defer chatSub.Close()
	defer clinicSub.Close()

	msg, err := f.svc.SendMessage(context.Background(), patient, appt.ID, "hello")
	require.NoError(t, err)

	ev := nextEvent(t, chatSub)
	assert.Equal(t, events.TypeChatMessage, ev.Type)
	assert.Contains(t, string(ev.Payload), msg.ID.String())

	select {
	case ev := <-clinicSub.C:
		t.Fatalf("unexpected clinic event %s", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}
