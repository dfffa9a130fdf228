package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryansname/dispatchctl/src/dispatch"
)

var startTime = time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

func testSnapshot(t *testing.T) Snapshot {
	t.Helper()
	values := []float64{10, 8, 6, 9, 20, 18, 15}
	prices := make([]dispatch.PricePoint, len(values))
	for i, v := range values {
		start := startTime.Add(time.Duration(i) * time.Hour)
		prices[i] = dispatch.PricePoint{Start: start, End: start.Add(time.Hour), Value: v}
	}
	soc := 50.0
	cfg := dispatch.DefaultBatteryConfig()
	cfg.MinProfit = 5
	sched, err := dispatch.Recompute(dispatch.Input{Prices: prices, SoC: &soc, Config: cfg, Now: startTime})
	require.NoError(t, err)

	return Snapshot{
		ComputedAt:    startTime,
		Status:        sched.Status(startTime, &soc),
		SoC:           &soc,
		SelfUsageMode: "inactive",
		Settings:      Settings{Battery: cfg, Discharging: true},
		Schedule:      sched,
	}
}

func newTestServer(t *testing.T) (*Server, chan Command, http.Handler) {
	t.Helper()
	commands := make(chan Command, 8)
	s := NewServer(commands)
	return s, commands, s.Handler()
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServer_NoSnapshotYet(t *testing.T) {
	_, _, h := newTestServer(t)

	for _, path := range []string{"/api/schedule", "/api/windows", "/api/periods", "/api/status", "/api/settings"} {
		t.Run(path, func(t *testing.T) {
			rec := do(h, http.MethodGet, path, "")
			assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		})
	}
}

func TestServer_Schedule(t *testing.T) {
	s, _, h := newTestServer(t)
	s.Publish(testSnapshot(t))

	rec := do(h, http.MethodGet, "/api/schedule", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Entries []dispatch.ScheduleEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Entries, 7)
	assert.Equal(t, dispatch.ActionCharge, body.Entries[1].Action)
	assert.Equal(t, dispatch.ActionDischarge, body.Entries[4].Action)
}

func TestServer_WindowsAndPeriods(t *testing.T) {
	s, _, h := newTestServer(t)
	s.Publish(testSnapshot(t))

	rec := do(h, http.MethodGet, "/api/windows", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var windows []dispatch.WindowSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &windows))
	require.Len(t, windows, 1)
	assert.Equal(t, 6.0, windows[0].MinPrice)

	rec = do(h, http.MethodGet, "/api/periods", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var periods map[string][]dispatch.Period
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &periods))
	require.Len(t, periods["charge"], 1)
	assert.Equal(t, 2, periods["charge"][0].Hours)
	require.Len(t, periods["discharge"], 1)
	assert.Equal(t, 3, periods["discharge"][0].Hours)
}

func TestServer_StatusAndSettings(t *testing.T) {
	s, _, h := newTestServer(t)
	s.Publish(testSnapshot(t))

	rec := do(h, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "idle (1), SoC: 50%", status["status"])
	assert.Equal(t, "inactive", status["self_usage_mode"])

	rec = do(h, http.MethodGet, "/api/settings", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var settings Settings
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &settings))
	assert.Equal(t, 5.0, settings.Battery.MinProfit)
	assert.True(t, settings.Discharging)
}

func TestServer_UpdateSettings(t *testing.T) {
	_, commands, h := newTestServer(t)

	rec := do(h, http.MethodPut, "/api/settings", `{"min_profit": 25, "self_usage": false, "min_soc": 10, "charging": true}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Len(t, commands, 3)
	assert.Equal(t, Command{Kind: CommandSetSwitch, Key: "charging", On: true}, <-commands)
	assert.Equal(t, Command{Kind: CommandSetSwitch, Key: "self_usage"}, <-commands)
	assert.Equal(t, Command{Kind: CommandSetNumbers, Values: map[string]float64{"min_profit": 25, "min_soc": 10}}, <-commands)
}

func TestServer_UpdateSettingsChecksNumbersTogether(t *testing.T) {
	s, commands, h := newTestServer(t)
	snap := testSnapshot(t)
	snap.Settings.Battery.MaxSoC = 50
	s.Publish(snap)

	// Raising min_soc alone would cross max_soc, both together is fine
	rec := do(h, http.MethodPut, "/api/settings", `{"min_soc": 60, "max_soc": 90}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, Command{Kind: CommandSetNumbers, Values: map[string]float64{"min_soc": 60, "max_soc": 90}}, <-commands)

	rec = do(h, http.MethodPut, "/api/settings", `{"min_soc": 60}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, commands)
}

func TestServer_UpdateSettingsRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{`},
		{"unknown key", `{"turbo": true}`},
		{"out of range", `{"max_soc": 120}`},
		{"min profit bound", `{"min_profit": 1001}`},
		{"wrong type", `{"charge_rate": "fast"}`},
		{"bool for number", `{"charge_rate": true}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, commands, h := newTestServer(t)
			rec := do(h, http.MethodPut, "/api/settings", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Empty(t, commands)
		})
	}
}

func TestServer_Services(t *testing.T) {
	_, commands, h := newTestServer(t)

	rec := do(h, http.MethodPost, "/api/services/force_charge", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, Command{Kind: CommandForceCharge}, <-commands)

	rec = do(h, http.MethodPost, "/api/services/self_usage_toggle", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, Command{Kind: CommandToggleSelfUsage}, <-commands)

	rec = do(h, http.MethodPost, "/api/services/explode", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_GzipsResponses(t *testing.T) {
	s, _, h := newTestServer(t)
	// Two days of hours is well above the handler's minimum compression size
	snap := testSnapshot(t)
	for len(snap.Schedule.Entries) < 48 {
		e := snap.Schedule.Entries[len(snap.Schedule.Entries)%7]
		e.Start = startTime.Add(time.Duration(len(snap.Schedule.Entries)) * time.Hour)
		e.End = e.Start.Add(time.Hour)
		snap.Schedule.Entries = append(snap.Schedule.Entries, e)
	}
	s.Publish(snap)

	req := httptest.NewRequest(http.MethodGet, "/api/schedule", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))
}

func TestServer_WebSocket(t *testing.T) {
	s, _, h := newTestServer(t)
	first := testSnapshot(t)
	s.Publish(first)

	server := httptest.NewServer(h)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var got Snapshot
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, first.Status, got.Status)

	require.Eventually(t, func() bool { return s.hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	second := first
	second.Status = "charge (1), SoC: 60%"
	s.Publish(second)

	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "charge (1), SoC: 60%", got.Status)
}
