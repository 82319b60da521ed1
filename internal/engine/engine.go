package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"corrwatch/internal/config"
	"corrwatch/internal/incidents"
	"corrwatch/internal/logging"
	"corrwatch/internal/metrics"
	"corrwatch/internal/model"
	"corrwatch/internal/risk"
	"corrwatch/internal/window"
)

// Publisher hands a finished incident to the outbound sinks. It must not
// block; a false return means the delivery was dropped.
type Publisher interface {
	Enqueue(inc *model.SecurityIncident) bool
}

// Mirror is the durable copy of the incident table.
type Mirror interface {
	SaveIncident(ctx context.Context, inc *model.SecurityIncident) error
	PurgeIncidents(ctx context.Context, before time.Time) (int64, error)
}

type Engine struct {
	logger    *slog.Logger
	metrics   *metrics.Metrics
	index     *window.Index
	incidents *incidents.Store
	publisher Publisher
	mirror    Mirror
	cfg       atomic.Value
	rules     atomic.Value
	locks     *lockTable
	now       window.Clock
	started   time.Time
	disabled  sync.Map

	processed  atomic.Uint64
	rejected   atomic.Uint64
	duplicates atomic.Uint64
	stale      atomic.Uint64
	future     atomic.Uint64
	created    atomic.Uint64
	bySeverity [5]atomic.Uint64
}

// ruleSet is rebuilt on every config change and never mutated afterwards.
type ruleSet struct {
	rules    []Rule
	scorer   *risk.Scorer
	lookback time.Duration
}

func newRuleSet(cfg *config.Config) *ruleSet {
	return &ruleSet{
		rules:    BuildRules(cfg.Detection),
		scorer:   risk.NewScorer(cfg.Risk),
		lookback: cfg.Detection.MaxRuleWindow(),
	}
}

// NewEngine wires the correlator. A nil index or store is created from cfg.
func NewEngine(cfg *config.Config, logger *slog.Logger, idx *window.Index, store *incidents.Store, m *metrics.Metrics) *Engine {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = logging.Discard()
	}
	if idx == nil {
		idx = window.New(window.OptionsFromConfig(cfg))
	}
	if store == nil {
		store = incidents.NewStore(cfg.Incidents.StoreLimit)
	}
	e := &Engine{
		logger:    logger,
		metrics:   m,
		index:     idx,
		incidents: store,
		locks:     newLockTable(lockStripes),
		now:       window.WallClock,
		started:   time.Now().UTC(),
	}
	e.cfg.Store(cfg)
	e.rules.Store(newRuleSet(cfg))
	return e
}

func (e *Engine) SetPublisher(p Publisher) {
	e.publisher = p
}

func (e *Engine) SetMirror(m Mirror) {
	e.mirror = m
}

// SetClock replaces the clock used for incident creation times.
func (e *Engine) SetClock(c window.Clock) {
	if c != nil {
		e.now = c
	}
}

func (e *Engine) UpdateConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	e.cfg.Store(cfg)
	e.rules.Store(newRuleSet(cfg))
	e.index.SetRetention(cfg.Detection.Retention())
	e.disabled.Range(func(k, _ any) bool {
		e.disabled.Delete(k)
		return true
	})
	e.logger.Info("detection config applied",
		"rules", len(e.ruleSet().rules),
		"lookback", cfg.Detection.MaxRuleWindow().String(),
	)
}

func (e *Engine) Config() *config.Config {
	if v := e.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

func (e *Engine) ruleSet() *ruleSet {
	return e.rules.Load().(*ruleSet)
}

func (e *Engine) Incidents() *incidents.Store {
	return e.incidents
}

func (e *Engine) Index() *window.Index {
	return e.index
}

// ProcessEvent appends ev to its identity's window and runs the rules
// against the refreshed window. It returns the incident of the first rule
// that fires, or nil. Only an invalid event yields an error; duplicates,
// events older than the window retention and events dated beyond the
// allowed clock skew are counted and ignored.
func (e *Engine) ProcessEvent(ctx context.Context, ev model.SecurityEvent) (*model.SecurityIncident, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	if err := ev.Validate(); err != nil {
		e.RecordRejected("validation")
		return nil, err
	}

	rs := e.ruleSet()
	ev.Metadata = ev.Metadata.Clone()
	score := rs.scorer.EventRisk(ev)
	ev.Metadata.RiskScore = &score

	unlock := e.locks.lock(ev.Identity)
	added, err := e.index.Append(ev.Identity, ev)
	if err != nil {
		var capErr *window.CapacityError
		switch {
		case errors.Is(err, window.ErrStale):
			unlock()
			e.stale.Add(1)
			e.metrics.Rejected("stale")
			e.logger.Debug("stale event ignored", "identity", ev.Identity, "event_id", ev.EventID)
			return nil, nil
		case errors.Is(err, window.ErrFuture):
			unlock()
			e.future.Add(1)
			e.metrics.Rejected("future")
			e.logger.Warn("future-dated event ignored", "identity", ev.Identity, "event_id", ev.EventID, "timestamp", ev.Timestamp)
			return nil, nil
		case errors.As(err, &capErr):
			e.metrics.Evicted(capErr.Evicted)
			e.logger.Warn("window capacity reached", "identity", ev.Identity, "evicted", capErr.Evicted, "limit", capErr.Limit)
		default:
			unlock()
			return nil, err
		}
	}
	if !added {
		unlock()
		e.duplicates.Add(1)
		e.metrics.Duplicate()
		return nil, nil
	}
	recent := e.index.RecentSince(ev.Identity, ev.Timestamp.Add(-rs.lookback))
	rule, finding := e.evaluate(rs, ev, recent)
	unlock()

	e.processed.Add(1)
	e.metrics.ObserveProcessed(time.Since(start))
	if finding == nil {
		return nil, nil
	}
	inc := e.materialize(rs, rule, ev, finding)
	e.record(inc)
	return inc, nil
}

func (e *Engine) evaluate(rs *ruleSet, trigger model.SecurityEvent, recent []model.SecurityEvent) (Rule, *Finding) {
	for _, r := range rs.rules {
		if _, off := e.disabled.Load(r.Name()); off {
			continue
		}
		f, err := safeEvaluate(r, trigger, recent)
		if err != nil {
			if _, loaded := e.disabled.LoadOrStore(r.Name(), struct{}{}); !loaded {
				e.logger.Warn("rule disabled", "rule", r.Name(), "err", err)
			}
			continue
		}
		if f != nil && len(f.Events) > 0 && f.Severity.Valid() {
			return r, f
		}
	}
	return nil, nil
}

func safeEvaluate(r Rule, trigger model.SecurityEvent, recent []model.SecurityEvent) (f *Finding, err error) {
	defer func() {
		if p := recover(); p != nil {
			f = nil
			err = fmt.Errorf("rule %s panicked: %v", r.Name(), p)
		}
	}()
	return r.Evaluate(trigger, recent)
}

func (e *Engine) materialize(rs *ruleSet, r Rule, trigger model.SecurityEvent, f *Finding) *model.SecurityIncident {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	events := make([]model.SecurityEvent, len(f.Events))
	for i, ev := range f.Events {
		events[i] = ev.Clone()
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].Timestamp.Before(events[j].Timestamp) })
	createdAt := e.now()
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return &model.SecurityIncident{
		IncidentID:  id.String(),
		Rule:        r.Name(),
		Identity:    trigger.Identity,
		Severity:    f.Severity,
		Title:       f.Title,
		Description: f.Description,
		RiskScore:   rs.scorer.IncidentRisk(events),
		Events:      events,
		CreatedAt:   createdAt,
		Status:      model.StatusOpen,
	}
}

func (e *Engine) record(inc *model.SecurityIncident) {
	e.incidents.Add(inc)
	e.created.Add(1)
	e.bySeverity[inc.Severity.Rank()].Add(1)
	e.metrics.IncidentCreated(string(inc.Severity), inc.Rule)
	e.metrics.SetOpenIncidents(e.incidents.Counts().Open)
	e.logger.Warn("incident created",
		"incident_id", inc.IncidentID,
		"rule", inc.Rule,
		"identity", inc.Identity,
		"severity", inc.Severity,
		"risk_score", inc.RiskScore,
		"events", len(inc.Events),
	)
	if e.publisher != nil && !e.publisher.Enqueue(inc.Clone()) {
		e.logger.Warn("incident delivery dropped", "incident_id", inc.IncidentID)
	}
}

// RecordRejected counts an event dropped before it reached the window.
func (e *Engine) RecordRejected(reason string) {
	e.rejected.Add(1)
	e.metrics.Rejected(reason)
}

// Window returns an identity's retained events at or after since.
func (e *Engine) Window(identity string, since time.Time) []model.SecurityEvent {
	return e.index.RecentSince(identity, since)
}

// TransitionIncident moves an incident's status forward and mirrors the
// change to durable storage when one is configured.
func (e *Engine) TransitionIncident(ctx context.Context, id string, status model.Status) (*model.SecurityIncident, error) {
	inc, err := e.incidents.Transition(id, status)
	if err != nil {
		return nil, err
	}
	e.metrics.SetOpenIncidents(e.incidents.Counts().Open)
	if e.mirror != nil {
		// a full upsert, so the row exists even if the queued creation save has not run yet
		if err := e.mirror.SaveIncident(ctx, inc); err != nil {
			e.logger.Warn("incident status not persisted", "incident_id", id, "err", err)
		}
	}
	return inc, nil
}

// PurgeIncidents drops incidents older than the configured retention.
func (e *Engine) PurgeIncidents(ctx context.Context, now time.Time) int {
	cutoff := now.Add(-e.Config().Incidents.Retention)
	n := e.incidents.Purge(cutoff)
	if e.mirror != nil {
		if _, err := e.mirror.PurgeIncidents(ctx, cutoff); err != nil {
			e.logger.Warn("incident purge not persisted", "err", err)
		}
	}
	if n > 0 {
		e.metrics.SetOpenIncidents(e.incidents.Counts().Open)
		e.logger.Info("incidents purged", "count", n, "before", cutoff)
	}
	return n
}

// Sweep runs one bounded expiry pass over the window index.
func (e *Engine) Sweep(now time.Time) int {
	n := e.index.Expire(now)
	st := e.index.Stats()
	e.metrics.SetWindow(st.Identities, st.Events)
	return n
}

// Reset forgets every window and seen event id. Incidents are kept.
func (e *Engine) Reset() {
	e.index.Reset()
	e.disabled.Range(func(k, _ any) bool {
		e.disabled.Delete(k)
		return true
	})
	e.metrics.SetWindow(0, 0)
	e.logger.Info("engine state reset")
}

type Stats struct {
	Started             time.Time                 `json:"started"`
	EventsProcessed     uint64                    `json:"events_processed"`
	EventsRejected      uint64                    `json:"events_rejected"`
	EventsDuplicate     uint64                    `json:"events_duplicate"`
	EventsStale         uint64                    `json:"events_stale"`
	EventsFuture        uint64                    `json:"events_future"`
	IncidentsCreated    uint64                    `json:"incidents_created"`
	IncidentsBySeverity map[model.Severity]uint64 `json:"incidents_by_severity"`
	OpenIncidents       int                       `json:"open_incidents"`
	DisabledRules       []string                  `json:"disabled_rules,omitempty"`
	Window              window.Stats              `json:"window"`
}

func (e *Engine) Stats() Stats {
	st := Stats{
		Started:             e.started,
		EventsProcessed:     e.processed.Load(),
		EventsRejected:      e.rejected.Load(),
		EventsDuplicate:     e.duplicates.Load(),
		EventsStale:         e.stale.Load(),
		EventsFuture:        e.future.Load(),
		IncidentsCreated:    e.created.Load(),
		IncidentsBySeverity: make(map[model.Severity]uint64, len(model.Severities)),
		OpenIncidents:       e.incidents.Counts().Open,
		Window:              e.index.Stats(),
	}
	for _, sev := range model.Severities {
		st.IncidentsBySeverity[sev] = e.bySeverity[sev.Rank()].Load()
	}
	e.disabled.Range(func(k, _ any) bool {
		st.DisabledRules = append(st.DisabledRules, k.(string))
		return true
	})
	sort.Strings(st.DisabledRules)
	return st
}
