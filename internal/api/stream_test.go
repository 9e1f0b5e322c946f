package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-queue/internal/events"
	"github.com/hackgods/clinic-queue/internal/queue"
)

type sseFrame struct {
	event string
	data  string
}

// newStreamServer registers Close as a cleanup so that it runs after the
// stream cancellations openStream registers later.
func newStreamServer(t *testing.T, ts *testServer) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(ts.handler)
	t.Cleanup(srv.Close)
	return srv
}

// openStream connects to an SSE endpoint and returns a channel of parsed
// frames. Closing happens on test cleanup.
func openStream(t *testing.T, srv *httptest.Server, actor queue.Actor, path string) <-chan sseFrame {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+path, nil)
	require.NoError(t, err)
	req.Header.Set(headerActorID, actor.ID.String())
	req.Header.Set(headerActorRole, string(actor.Role))

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	frames := make(chan sseFrame, 32)
	go func() {
		defer close(frames)
		defer resp.Body.Close()

		var cur sseFrame
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				cur.event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				cur.data = strings.TrimPrefix(line, "data: ")
			case line == "":
				frames <- cur
				cur = sseFrame{}
			}
		}
	}()
	return frames
}

func nextFrame(t *testing.T, frames <-chan sseFrame) sseFrame {
	t.Helper()
	select {
	case f, ok := <-frames:
		require.True(t, ok, "stream closed")
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return sseFrame{}
	}
}

func TestClinicStream_SnapshotThenDeltas(t *testing.T) {
	ts := newTestServer(t)
	first := ts.book(t, patient())

	srv := newStreamServer(t, ts)

	frames := openStream(t, srv, ts.operator, "/stream/clinics/"+ts.clinicID.String())

	snap := nextFrame(t, frames)
	assert.Equal(t, "snapshot", snap.event)
	assert.Contains(t, snap.data, first.ID.String())

	second := ts.book(t, patient())

	delta := nextFrame(t, frames)
	assert.Equal(t, "appointment.created", delta.event)
	assert.Contains(t, delta.data, second.ID.String())
}

func TestPatientStream_OnlyOwnAppointments(t *testing.T) {
	ts := newTestServer(t)
	owner := patient()

	srv := newStreamServer(t, ts)

	frames := openStream(t, srv, owner, "/stream/me")
	snap := nextFrame(t, frames)
	assert.Equal(t, "snapshot", snap.event)
	assert.JSONEq(t, `{"appointments":[]}`, snap.data)

	ts.book(t, patient())
	mine := ts.book(t, owner)

	delta := nextFrame(t, frames)
	assert.Equal(t, "appointment.created", delta.event)
	assert.Contains(t, delta.data, mine.ID.String())
}

func TestPatientStream_SnapshotCoversFullHistory(t *testing.T) {
	ts := newTestServer(t)
	owner := patient()

	const n = 105
	for i := 0; i < n; i++ {
		ts.book(t, owner)
	}

	srv := newStreamServer(t, ts)
	frames := openStream(t, srv, owner, "/stream/me")

	snap := nextFrame(t, frames)
	require.Equal(t, "snapshot", snap.event)

	var body AppointmentsResponse
	require.NoError(t, json.Unmarshal([]byte(snap.data), &body))
	assert.Len(t, body.Appointments, n)
}

func TestStream_ClientDisconnectReleasesSubscription(t *testing.T) {
	ts := newTestServer(t)
	owner := patient()
	srv := newStreamServer(t, ts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/stream/me", nil)
	require.NoError(t, err)
	req.Header.Set(headerActorID, owner.ID.String())
	req.Header.Set(headerActorRole, string(owner.Role))

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	scope := events.PatientScope(owner.ID)
	require.Eventually(t, func() bool { return ts.hub.Subscribers(scope) == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool { return ts.hub.Subscribers(scope) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestMessageStream_DeliversChat(t *testing.T) {
	ts := newTestServer(t)
	owner := patient()
	appt := ts.book(t, owner)

	srv := newStreamServer(t, ts)

	frames := openStream(t, srv, ts.operator, "/stream/appointments/"+appt.ID.String()+"/messages")
	assert.Equal(t, "snapshot", nextFrame(t, frames).event)

	rec := ts.do(t, owner, http.MethodPost, "/appointments/"+appt.ID.String()+"/messages", SendMessageRequest{Body: "on my way"})
	require.Equal(t, http.StatusCreated, rec.Code)

	delta := nextFrame(t, frames)
	assert.Equal(t, "chat.message", delta.event)
	assert.Contains(t, delta.data, "on my way")
}

func TestStreams_RejectOutsiders(t *testing.T) {
	ts := newTestServer(t)
	appt := ts.book(t, patient())

	rec := ts.do(t, patient(), http.MethodGet, "/stream/clinics/"+ts.clinicID.String(), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, patient(), http.MethodGet, "/stream/appointments/"+appt.ID.String()+"/messages", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, ts.operator, http.MethodGet, "/stream/me", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
