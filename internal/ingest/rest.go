package ingest

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"corrwatch/internal/config"
	"corrwatch/internal/logging"
)

type RESTServer struct {
	cfg      *config.Manager
	pipeline *Pipeline
	limiter  *rate.Limiter
	logger   *slog.Logger
}

func NewRESTServer(cfg *config.Manager, pipeline *Pipeline, logger *slog.Logger) *RESTServer {
	if logger == nil {
		logger = logging.Discard()
	}
	current := cfg.Get().Ingest.REST
	s := &RESTServer{cfg: cfg, pipeline: pipeline, logger: logger}
	if current.RateLimit > 0 {
		burst := current.Burst
		if burst <= 0 {
			burst = int(current.RateLimit)
		}
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(current.RateLimit), burst)
	}
	return s
}

func (s *RESTServer) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/events", s.handleEvents).Methods(http.MethodPost)
	r.HandleFunc("/events/{kind}", s.handleEvents).Methods(http.MethodPost)
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}).Methods(http.MethodGet)
	return r
}

func StartREST(ctx context.Context, cfg *config.Manager, pipeline *Pipeline, logger *slog.Logger) *http.Server {
	if logger == nil {
		logger = logging.Discard()
	}
	current := cfg.Get().Ingest.REST
	if !current.Enabled {
		logger.Info("rest ingest disabled")
		return nil
	}
	logger.Info("rest ingest enabled", "addr", current.Addr, "rate_limit", current.RateLimit)
	httpServer := &http.Server{
		Addr:              current.Addr,
		Handler:           NewRESTServer(cfg, pipeline, logger).Handler(),
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
			logger.Error("rest ingest server error", "err", err)
		}
	}()
	return httpServer
}

// handleEvents accepts one record or an array. Records are queued, not
// correlated inline; accepted counts records that made it into the queue.
func (s *RESTServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow() {
		writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": "rate limit exceeded"})
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 2<<20))
	if err != nil || len(body) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "empty or oversized body"})
		return
	}
	list, err := ParseJSONList(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
		return
	}
	fallback := mux.Vars(r)["kind"]
	accepted, failed := 0, 0
	var errs []string
	for _, obj := range list {
		rec, err := RecordFromMap(obj, fallback, "rest")
		if err != nil {
			failed++
			errs = append(errs, err.Error())
			continue
		}
		if !s.pipeline.Submit(rec) {
			failed++
			continue
		}
		accepted++
	}
	status := http.StatusAccepted
	if accepted == 0 && failed > 0 {
		status = http.StatusUnprocessableEntity
	}
	resp := map[string]any{"accepted": accepted, "failed": failed}
	if len(errs) > 0 {
		resp["errors"] = errs
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
