package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func appointmentEvent(clinicID, patientID, appointmentID uuid.UUID, n int) Event {
	payload, _ := json.Marshal(map[string]int{"n": n})
	return Event{
		ID:            uuid.New(),
		Type:          TypeAppointmentUpdated,
		ClinicID:      clinicID,
		PatientID:     patientID,
		AppointmentID: appointmentID,
		Payload:       payload,
		CommittedAt:   time.Now(),
	}
}

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C:
		require.True(t, ok, "subscription closed unexpectedly")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func assertNoEvent(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case ev, ok := <-sub.C:
		if ok {
			t.Fatalf("unexpected event %s on %s", ev.Type, sub.Scope)
		}
	default:
	}
}

func TestHub_RoutesAppointmentEventsToClinicAndPatient(t *testing.T) {
	h := NewHub(8)
	clinicID, patientID, otherPatient := uuid.New(), uuid.New(), uuid.New()

	clinicSub := h.Subscribe(ClinicScope(clinicID))
	patientSub := h.Subscribe(PatientScope(patientID))
	otherSub := h.Subscribe(PatientScope(otherPatient))
	chatSub := h.Subscribe(AppointmentScope(uuid.New()))
	defer clinicSub.Close()
	defer patientSub.Close()
	defer otherSub.Close()
	defer chatSub.Close()

	ev := appointmentEvent(clinicID, patientID, uuid.New(), 1)
	require.NoError(t, h.Publish(context.Background(), ev))

	assert.Equal(t, ev.ID, receive(t, clinicSub).ID)
	assert.Equal(t, ev.ID, receive(t, patientSub).ID)
	assertNoEvent(t, otherSub)
	assertNoEvent(t, chatSub)
}

func TestHub_ChatEventsOnlyReachAppointmentScope(t *testing.T) {
	h := NewHub(8)
	clinicID, patientID, appointmentID := uuid.New(), uuid.New(), uuid.New()

	clinicSub := h.Subscribe(ClinicScope(clinicID))
	chatSub := h.Subscribe(AppointmentScope(appointmentID))
	defer clinicSub.Close()
	defer chatSub.Close()

	ev := Event{ID: uuid.New(), Type: TypeChatMessage, ClinicID: clinicID, PatientID: patientID, AppointmentID: appointmentID}
	require.NoError(t, h.Publish(context.Background(), ev))

	assert.Equal(t, ev.ID, receive(t, chatSub).ID)
	assertNoEvent(t, clinicSub)
}

func TestHub_PreservesPublishOrderWithinScope(t *testing.T) {
	h := NewHub(100)
	clinicID := uuid.New()
	sub := h.Subscribe(ClinicScope(clinicID))
	defer sub.Close()

	appointmentID := uuid.New()
	var published []uuid.UUID
	for i := 0; i < 50; i++ {
		ev := appointmentEvent(clinicID, uuid.Nil, appointmentID, i)
		published = append(published, ev.ID)
		require.NoError(t, h.Publish(context.Background(), ev))
	}

	for i := 0; i < 50; i++ {
		assert.Equal(t, published[i], receive(t, sub).ID)
	}
}

func TestHub_CloseStopsDelivery(t *testing.T) {
	h := NewHub(8)
	clinicID := uuid.New()
	sub := h.Subscribe(ClinicScope(clinicID))

	sub.Close()
	sub.Close()

	require.NoError(t, h.Publish(context.Background(), appointmentEvent(clinicID, uuid.Nil, uuid.New(), 1)))

	_, ok := <-sub.C
	assert.False(t, ok)
	assert.Equal(t, 0, h.Subscribers(ClinicScope(clinicID)))
}

func TestHub_SlowSubscriberIsDroppedWithoutBlocking(t *testing.T) {
	h := NewHub(2)
	clinicID := uuid.New()
	slow := h.Subscribe(ClinicScope(clinicID))
	fast := h.Subscribe(ClinicScope(clinicID))
	defer fast.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 3; i++ {
			_ = h.Publish(context.Background(), appointmentEvent(clinicID, uuid.Nil, uuid.New(), i))
			<-fast.C
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	receive(t, slow)
	receive(t, slow)
	_, ok := <-slow.C
	assert.False(t, ok, "slow subscriber should have been dropped")
	assert.Equal(t, 1, h.Subscribers(ClinicScope(clinicID)))
}

func TestHub_CloseDropsEverything(t *testing.T) {
	h := NewHub(4)
	sub := h.Subscribe(ClinicScope(uuid.New()))
	h.Close()

	_, ok := <-sub.C
	assert.False(t, ok)

	late := h.Subscribe(ClinicScope(uuid.New()))
	_, ok = <-late.C
	assert.False(t, ok)
}
