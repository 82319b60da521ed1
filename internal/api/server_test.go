package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"corrwatch/internal/config"
	"corrwatch/internal/engine"
	"corrwatch/internal/logging"
	"corrwatch/internal/metrics"
	"corrwatch/internal/model"
)

type fixture struct {
	engine  *engine.Engine
	handler http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	eng := engine.NewEngine(cfg, logging.Discard(), nil, nil, m)
	srv := NewServer(Options{
		Config:   config.NewStaticManager(cfg),
		Engine:   eng,
		Gatherer: reg,
		Logger:   logging.Discard(),
		Version:  "test",
		Extra:    map[string]func() any{"ingest": func() any { return map[string]int{"queued": 3} }},
	})
	return &fixture{engine: eng, handler: srv.Handler()}
}

func (f *fixture) do(t *testing.T, method, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	var out map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func (f *fixture) addIncident(id string, created time.Time, sev model.Severity) {
	f.engine.Incidents().Add(&model.SecurityIncident{
		IncidentID: id,
		Rule:       engine.RuleBruteForce,
		Identity:   "alice",
		Severity:   sev,
		CreatedAt:  created,
		Status:     model.StatusOpen,
	})
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	rec, out := f.do(t, http.MethodGet, "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", out["status"])
	assert.Equal(t, "test", out["version"])
	detection := out["detection"].(map[string]any)
	assert.Equal(t, "5m0s", detection["correlation_window"])
	assert.Equal(t, "10m0s", detection["window_retention"])
}

func TestIncidentListAndGet(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.addIncident("a", base, model.SeverityHigh)
	f.addIncident("b", base.Add(time.Minute), model.SeverityCritical)

	rec, out := f.do(t, http.MethodGet, "/incidents?limit=1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, out["count"])
	first := out["incidents"].([]any)[0].(map[string]any)
	assert.Equal(t, "b", first["incident_id"])

	rec, out = f.do(t, http.MethodGet, "/incidents/a")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "high", out["severity"])

	rec, _ = f.do(t, http.MethodGet, "/incidents/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/incidents?limit=x")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/incidents?status=closed")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, out = f.do(t, http.MethodGet, "/incidents?since=2026-03-01T12:00:30Z")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, out["count"])
}

func TestIncidentsSinceNewestFirst(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.addIncident("a", base, model.SeverityHigh)
	f.addIncident("b", base.Add(time.Minute), model.SeverityHigh)
	f.addIncident("c", base.Add(2*time.Minute), model.SeverityCritical)

	rec, out := f.do(t, http.MethodGet, "/incidents?since=2026-03-01T12:00:00Z")
	require.Equal(t, http.StatusOK, rec.Code)
	var ids []string
	for _, v := range out["incidents"].([]any) {
		ids = append(ids, v.(map[string]any)["incident_id"].(string))
	}
	assert.Equal(t, []string{"c", "b", "a"}, ids)

	rec, out = f.do(t, http.MethodGet, "/incidents?since=2026-03-01T12:00:00Z&limit=1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, out["count"])
	assert.Equal(t, "c", out["incidents"].([]any)[0].(map[string]any)["incident_id"])
}

func TestIncidentTransitions(t *testing.T) {
	f := newFixture(t)
	f.addIncident("a", time.Now().UTC(), model.SeverityHigh)

	rec, out := f.do(t, http.MethodPost, "/incidents/a/acknowledge")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "acknowledged", out["status"])

	rec, out = f.do(t, http.MethodGet, "/incidents?status=acknowledged")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, out["count"])

	rec, _ = f.do(t, http.MethodPost, "/incidents/a/resolve")
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/incidents/a/acknowledge")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/incidents/nope/resolve")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/incidents/a/resolve")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestIdentityEventsAndReset(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	_, err := f.engine.ProcessEvent(context.Background(), model.SecurityEvent{
		EventID:   "e1",
		Timestamp: now,
		EventType: model.EventAuthFailure,
		Identity:  "alice",
		SourceIP:  "10.0.0.1",
		Action:    "authentication",
	})
	require.NoError(t, err)

	rec, out := f.do(t, http.MethodGet, "/identities/alice/events")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, out["count"])

	rec, out = f.do(t, http.MethodGet, "/identities/alice/events?since="+now.Add(time.Minute).Format(time.RFC3339))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0, out["count"])

	rec, _ = f.do(t, http.MethodGet, "/identities/alice/events?since=yesterday")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/admin/reset")
	require.Equal(t, http.StatusOK, rec.Code)

	_, out = f.do(t, http.MethodGet, "/identities/alice/events")
	assert.EqualValues(t, 0, out["count"])
}

func TestStatsAndMetrics(t *testing.T) {
	f := newFixture(t)
	f.engine.RecordRejected("normalization")

	rec, out := f.do(t, http.MethodGet, "/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	eng := out["engine"].(map[string]any)
	assert.EqualValues(t, 1, eng["events_rejected"])
	assert.Contains(t, out, "incidents")
	assert.EqualValues(t, 3, out["ingest"].(map[string]any)["queued"])

	rec, _ = f.do(t, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "corrwatch_events_rejected_total")
}

func TestServerWithoutLogger(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.API.Enabled = false
	eng := engine.NewEngine(cfg, nil, nil, nil, nil)
	assert.Nil(t, Start(context.Background(), Options{Config: config.NewStaticManager(cfg), Engine: eng}))

	eng.Incidents().Add(&model.SecurityIncident{IncidentID: "a", Identity: "alice", Severity: model.SeverityHigh, CreatedAt: time.Now().UTC(), Status: model.StatusOpen})
	h := NewServer(Options{Config: config.NewStaticManager(cfg), Engine: eng}).Handler()
	req := httptest.NewRequest(http.MethodPost, "/incidents/a/acknowledge", nil)
	rec := httptest.NewRecorder()
	require.NotPanics(t, func() { h.ServeHTTP(rec, req) })
	assert.Equal(t, http.StatusOK, rec.Code)
}
