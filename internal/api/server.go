package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"corrwatch/internal/config"
	"corrwatch/internal/engine"
	"corrwatch/internal/incidents"
	"corrwatch/internal/logging"
	"corrwatch/internal/model"
)

// Correlator is the slice of the engine the API reads and drives.
type Correlator interface {
	Stats() engine.Stats
	Incidents() *incidents.Store
	TransitionIncident(ctx context.Context, id string, status model.Status) (*model.SecurityIncident, error)
	Window(identity string, since time.Time) []model.SecurityEvent
	Reset()
}

type Options struct {
	Config   *config.Manager
	Engine   Correlator
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
	Version  string
	// Extra adds named stats blocks, e.g. ingest and sink queues.
	Extra map[string]func() any
}

type Server struct {
	opts   Options
	router *mux.Router
}

type statusResponse struct {
	Status     string          `json:"status"`
	Time       string          `json:"time"`
	Version    string          `json:"version"`
	ConfigPath string          `json:"config_path"`
	Ingest     ingestStatus    `json:"ingest"`
	Detection  detectionStatus `json:"detection"`
	Storage    string          `json:"storage,omitempty"`
}

type ingestStatus struct {
	REST     bool `json:"rest"`
	Syslog   bool `json:"syslog"`
	FileTail bool `json:"file_tail"`
	Kafka    bool `json:"kafka"`
	NATS     bool `json:"nats"`
}

type detectionStatus struct {
	CorrelationWindow   string   `json:"correlation_window"`
	WindowRetention     string   `json:"window_retention"`
	BruteForce          bool     `json:"brute_force"`
	PrivilegeEscalation bool     `json:"privilege_escalation"`
	AnomalousAccess     bool     `json:"anomalous_access"`
	DisabledRules       []string `json:"disabled_rules,omitempty"`
}

func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	s := &Server{opts: opts, router: mux.NewRouter()}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/incidents", s.handleIncidents).Methods(http.MethodGet)
	r.HandleFunc("/incidents/{id}", s.handleIncident).Methods(http.MethodGet)
	r.HandleFunc("/incidents/{id}/acknowledge", s.transition(model.StatusAcknowledged)).Methods(http.MethodPost)
	r.HandleFunc("/incidents/{id}/resolve", s.transition(model.StatusResolved)).Methods(http.MethodPost)
	r.HandleFunc("/identities/{identity}/events", s.handleIdentityEvents).Methods(http.MethodGet)
	r.HandleFunc("/admin/reset", s.handleReset).Methods(http.MethodPost)
	if s.opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func Start(ctx context.Context, opts Options) *http.Server {
	if opts.Config == nil {
		return nil
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	current := opts.Config.Get().API
	if !current.Enabled {
		opts.Logger.Info("api disabled")
		return nil
	}
	opts.Logger.Info("api enabled", "addr", current.Addr)
	httpServer := &http.Server{
		Addr:              current.Addr,
		Handler:           NewServer(opts).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			opts.Logger.Error("api server error", "err", err)
		}
	}()
	return httpServer
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	cfg := s.opts.Config.Get()
	resp := statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.opts.Version,
		ConfigPath: s.opts.Config.Path(),
		Ingest: ingestStatus{
			REST:     cfg.Ingest.REST.Enabled,
			Syslog:   cfg.Ingest.Syslog.Enabled,
			FileTail: cfg.Ingest.FileTail.Enabled,
			Kafka:    cfg.Ingest.Kafka.Enabled,
			NATS:     cfg.Ingest.NATS.Enabled,
		},
		Detection: detectionStatus{
			CorrelationWindow:   cfg.Detection.CorrelationWindow.String(),
			WindowRetention:     cfg.Detection.Retention().String(),
			BruteForce:          cfg.Detection.BruteForce.Enabled,
			PrivilegeEscalation: cfg.Detection.PrivilegeEscalation.Enabled,
			AnomalousAccess:     cfg.Detection.AnomalousAccess.Enabled,
			DisabledRules:       s.opts.Engine.Stats().DisabledRules,
		},
	}
	if cfg.Storage.Enabled {
		resp.Storage = cfg.Storage.Driver
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	out := map[string]any{
		"engine":    s.opts.Engine.Stats(),
		"incidents": s.opts.Engine.Incidents().Counts(),
	}
	for name, fn := range s.opts.Extra {
		out[name] = fn()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleIncidents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	status := model.Status(q.Get("status"))
	if status != "" && !status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}
	store := s.opts.Engine.Incidents()
	var list []*model.SecurityIncident
	if v := q.Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		// newest first, like List, so limit keeps the most recent
		since := store.Since(ts)
		slices.Reverse(since)
		list = filterStatus(since, status, limit)
	} else {
		list = store.List(limit, status)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"incidents": list,
		"count":     len(list),
	})
}

func filterStatus(list []*model.SecurityIncident, status model.Status, limit int) []*model.SecurityIncident {
	out := list[:0]
	for _, inc := range list {
		if status != "" && inc.Status != status {
			continue
		}
		out = append(out, inc)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func (s *Server) handleIncident(w http.ResponseWriter, r *http.Request) {
	inc, err := s.opts.Engine.Incidents().Get(mux.Vars(r)["id"])
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (s *Server) transition(to model.Status) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		inc, err := s.opts.Engine.TransitionIncident(r.Context(), id, to)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		s.opts.Logger.Info("incident status changed", "incident_id", id, "status", inc.Status)
		writeJSON(w, http.StatusOK, inc)
	}
}

func (s *Server) handleIdentityEvents(w http.ResponseWriter, r *http.Request) {
	identity := mux.Vars(r)["identity"]
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = ts
	}
	events := s.opts.Engine.Window(identity, since)
	writeJSON(w, http.StatusOK, map[string]any{
		"identity": identity,
		"events":   events,
		"count":    len(events),
	})
}

func (s *Server) handleReset(w http.ResponseWriter, _ *http.Request) {
	s.opts.Engine.Reset()
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, incidents.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, incidents.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
