package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleettrack/internal/alert"
	"fleettrack/internal/assignment"
	"fleettrack/internal/attendance"
	"fleettrack/internal/db"
	"fleettrack/internal/eta"
	"fleettrack/internal/ingest"
	"fleettrack/internal/livemap"
	"fleettrack/internal/notify"
	"fleettrack/internal/tracking"
)

var t0 = time.Date(2024, 3, 4, 8, 20, 0, 0, time.UTC)

type fixture struct {
	srv   *httptest.Server
	store *db.MemoryStore
	sent  []string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log, _ := test.NewNullLogger()
	f := &fixture{store: db.NewMemoryStore()}
	clock := func() time.Time { return t0 }

	sender := notify.SenderFunc(func(_ context.Context, ch notify.Channel, rcpt string, _ notify.Message) notify.DeliveryResult {
		f.sent = append(f.sent, rcpt)
		return notify.DeliveryResult{Channel: ch, Recipient: rcpt, Delivered: true, At: t0}
	})
	disp := alert.NewDispatcher(f.store, sender, nil, nil, log).WithClock(clock)
	est := eta.NewEstimator(eta.StraightLineProvider{AverageSpeedKmh: 30}, time.Second, nil)
	view := livemap.NewMemoryView()
	pipe := tracking.NewPipeline(ingest.New().WithClock(clock), f.store, est, disp, livemap.NewReconciler(view, nil), log,
		tracking.Options{RetryAttempts: 1}).WithClock(clock)

	s := NewServer(":0", []string{"*"}, Deps{
		Tracker:     pipe,
		ETAs:        est,
		Assignments: assignment.NewService(f.store, assignment.PolicyBlock, log, nil).WithClock(clock),
		Attendance:  attendance.NewService(f.store, disp, log).WithClock(clock),
		Alerts:      disp,
		Store:       f.store,
		Map:         view.Snapshot,
	}, log)
	f.srv = httptest.NewServer(s.Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	var rdr *bytes.Reader
	if body != "" {
		rdr = bytes.NewReader([]byte(body))
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rdr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp.StatusCode, out
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	status, body := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
}

func TestPostPosition(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"valid", `{"vehicleId":"bus-1","lat":40.40,"lng":-3.70}`, http.StatusAccepted},
		{"latitude out of range", `{"vehicleId":"bus-1","lat":91,"lng":0}`, http.StatusUnprocessableEntity},
		{"missing vehicle", `{"lat":40.40,"lng":-3.70}`, http.StatusBadRequest},
		{"not json", `lat=40`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _ := f.do(t, http.MethodPost, "/v1/positions", tt.body)
			assert.Equal(t, tt.status, status)
		})
	}
}

func TestRejectedPositionDetails(t *testing.T) {
	f := newFixture(t)
	status, body := f.do(t, http.MethodPost, "/v1/positions", `{"vehicleId":"bus-1","lat":91,"lng":0}`)
	require.Equal(t, http.StatusUnprocessableEntity, status)
	details := body["details"].(map[string]any)
	assert.Equal(t, "invalid_coordinates", details["reason"])
	assert.Equal(t, "lat", details["field"])
}

func TestVehicleFlow(t *testing.T) {
	f := newFixture(t)

	status, _ := f.do(t, http.MethodGet, "/v1/vehicles/bus-1/eta", "")
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = f.do(t, http.MethodPost, "/v1/vehicles/bus-1/stop",
		`{"key":"stop-9","name":"Main St","lat":40.4100,"lng":-3.7000,"recipients":[{"channel":"email","recipient":"g@example.com"}]}`)
	require.Equal(t, http.StatusOK, status)

	status, out := f.do(t, http.MethodPost, "/v1/positions", `{"vehicleId":"bus-1","lat":40.4090,"lng":-3.7000}`)
	require.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, "immediate", out["proximity"])
	require.NotNil(t, out["alert"])
	assert.Equal(t, []string{"g@example.com"}, f.sent)

	status, etaBody := f.do(t, http.MethodGet, "/v1/vehicles/bus-1/eta", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "stop-9", etaBody["destinationKey"])
	assert.Equal(t, "immediate", etaBody["proximity"])
	assert.Equal(t, false, etaBody["stale"])

	status, vehicle := f.do(t, http.MethodGet, "/v1/vehicles/bus-1", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, vehicle["unavailable"])

	status, m := f.do(t, http.MethodGet, "/v1/map", "")
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, m["markers"], 1)

	status, _ = f.do(t, http.MethodPost, "/v1/vehicles/bus-1/end", "")
	assert.Equal(t, http.StatusNoContent, status)
	status, _ = f.do(t, http.MethodGet, "/v1/vehicles/bus-1/eta", "")
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = f.do(t, http.MethodGet, "/v1/vehicles/bus-1", "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestSetStopValidation(t *testing.T) {
	f := newFixture(t)
	status, _ := f.do(t, http.MethodPost, "/v1/vehicles/bus-1/stop", `{"name":"no key","lat":1,"lng":1}`)
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = f.do(t, http.MethodPost, "/v1/vehicles/bus-1/stop", `{"key":"s","lat":95,"lng":1}`)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
}

func TestAssignmentConflict(t *testing.T) {
	f := newFixture(t)

	status, a := f.do(t, http.MethodPost, "/v1/assignments",
		`{"studentId":"s1","routeId":"R1","effectiveDate":"2024-01-01T00:00:00Z","endDate":"2024-06-01T00:00:00Z"}`)
	require.Equal(t, http.StatusCreated, status)
	aID := a["assignment"].(map[string]any)["id"].(string)

	status, body := f.do(t, http.MethodPost, "/v1/assignments",
		`{"studentId":"s1","routeId":"R2","effectiveDate":"2024-03-01T00:00:00Z"}`)
	require.Equal(t, http.StatusConflict, status)
	conflicts := body["conflicts"].([]any)
	require.Len(t, conflicts, 1)
	assert.Equal(t, aID, conflicts[0].(map[string]any)["id"])

	status, list := f.do(t, http.MethodGet, "/v1/students/s1/assignments", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), list["count"])

	status, _ = f.do(t, http.MethodPost, "/v1/assignments/"+aID+"/extend", `{"endDate":"2024-07-01T00:00:00Z","version":7}`)
	assert.Equal(t, http.StatusConflict, status, "stale version")

	status, ext := f.do(t, http.MethodPost, "/v1/assignments/"+aID+"/extend", `{"endDate":"2024-07-01T00:00:00Z","version":1}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(2), ext["assignment"].(map[string]any)["version"])

	status, deact := f.do(t, http.MethodPost, "/v1/assignments/"+aID+"/deactivate", `{"version":2}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "inactive", deact["status"])

	status, _ = f.do(t, http.MethodGet, "/v1/assignments/missing", "")
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = f.do(t, http.MethodPost, "/v1/assignments", `{"studentId":"s1"}`)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAttendanceFlow(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(t, http.MethodPost, "/v1/attendance/materialize", `{
		"date": "2024-03-04T00:00:00Z",
		"session": "morning",
		"planned": [{"assignmentId":"a1","studentId":"s1","routeId":"R1","eventType":"pickup","scheduledTime":"2024-03-04T08:00:00Z"}]
	}`)
	require.Equal(t, http.StatusCreated, status)
	events := body["events"].([]any)
	require.Len(t, events, 1)
	id := events[0].(map[string]any)["id"].(string)

	status, rec := f.do(t, http.MethodPost, "/v1/attendance/"+id+"/present", `{"location":"Main St"}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "very_late", rec["label"])
	assert.Equal(t, float64(20), rec["delayMinutes"])

	status, _ = f.do(t, http.MethodPost, "/v1/attendance/"+id+"/absent", `{"reason":"no_show"}`)
	assert.Equal(t, http.StatusConflict, status, "completed events are final")

	status, rec = f.do(t, http.MethodPost, "/v1/attendance/"+id+"/notes", `{"note":"called guardian"}`)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, rec["notes"], "called guardian")

	status, _ = f.do(t, http.MethodGet, "/v1/attendance/nope", "")
	assert.Equal(t, http.StatusNotFound, status)

	status, list := f.do(t, http.MethodGet, "/v1/alerts?state=pending", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), list["count"], "very late pickup raises an alert")
}

func TestAlertTransitions(t *testing.T) {
	f := newFixture(t)
	rec := alert.Record{ID: "al-1", Kind: alert.KindSafety, Severity: alert.SeverityHigh, State: alert.StatePending,
		Title: "t", RaisedAt: t0, UpdatedAt: t0}
	require.NoError(t, f.store.CreateAlert(context.Background(), rec))

	status, _ := f.do(t, http.MethodPost, "/v1/alerts/al-1/acknowledge", `{}`)
	assert.Equal(t, http.StatusBadRequest, status, "actor required")

	status, body := f.do(t, http.MethodPost, "/v1/alerts/al-1/acknowledge", `{"actor":"ops"}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "acknowledged", body["state"])

	status, _ = f.do(t, http.MethodPost, "/v1/alerts/al-1/resolve", `{"actor":"ops"}`)
	require.Equal(t, http.StatusOK, status)

	status, _ = f.do(t, http.MethodPost, "/v1/alerts/al-1/dismiss", `{"actor":"ops"}`)
	assert.Equal(t, http.StatusConflict, status)

	status, _ = f.do(t, http.MethodPost, "/v1/alerts/al-1/escalate", `{"actor":"ops"}`)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = f.do(t, http.MethodGet, "/v1/alerts/missing", "")
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = f.do(t, http.MethodGet, "/v1/alerts?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&ingest.RejectError{Reason: ingest.InvalidCoordinates}, http.StatusUnprocessableEntity},
		{&assignment.ConflictError{}, http.StatusConflict},
		{assignment.ErrVersionConflict, http.StatusConflict},
		{eta.ErrNoLiveETA, http.StatusNotFound},
		{attendance.ErrInvalidReason, http.StatusUnprocessableEntity},
		{&alert.TransitionError{}, http.StatusConflict},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}
