package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"corrwatch/internal/config"
	"corrwatch/internal/metrics"
	"corrwatch/internal/model"
	"corrwatch/internal/window"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testEngine struct {
	*Engine
	clock *window.EventClock
}

func testConfig() *config.Config {
	return config.DefaultConfig()
}

func newEngineForTest(t *testing.T, cfg *config.Config) *testEngine {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	clock := &window.EventClock{}
	opts := window.OptionsFromConfig(cfg)
	opts.Clock = clock.Now
	idx := window.New(opts)
	e := NewEngine(cfg, nil, idx, nil, metrics.New(prometheus.NewRegistry()))
	e.SetClock(clock.Now)
	return &testEngine{Engine: e, clock: clock}
}

func (te *testEngine) process(t *testing.T, ev model.SecurityEvent) *model.SecurityIncident {
	t.Helper()
	te.clock.Observe(ev.Timestamp)
	inc, err := te.ProcessEvent(context.Background(), ev)
	require.NoError(t, err)
	return inc
}

var seq int

func ev(identity string, typ model.EventType, ip string, at time.Time, action string) model.SecurityEvent {
	seq++
	return model.SecurityEvent{
		EventID:   fmt.Sprintf("evt-%d", seq),
		Timestamp: at,
		EventType: typ,
		Identity:  identity,
		SourceIP:  ip,
		Action:    action,
		Success:   typ != model.EventAuthFailure,
	}
}

func eventIDs(events []model.SecurityEvent) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.EventID
	}
	return out
}

func TestScenarioBruteForceHigh(t *testing.T) {
	te := newEngineForTest(t, nil)
	var failures []model.SecurityEvent
	var inc *model.SecurityIncident
	for i := 0; i < 5; i++ {
		e := ev("alice", model.EventAuthFailure, "10.0.0.1", base.Add(time.Duration(i*2)*time.Second), "authentication")
		failures = append(failures, e)
		inc = te.process(t, e)
		if i < 4 {
			require.Nil(t, inc, "no incident before the threshold, event %d", i)
		}
	}
	require.NotNil(t, inc)
	assert.Equal(t, RuleBruteForce, inc.Rule)
	assert.Equal(t, model.SeverityHigh, inc.Severity)
	assert.Equal(t, eventIDs(failures), eventIDs(inc.Events))
	assert.InDelta(t, 0.54, inc.RiskScore, 1e-9)
	assert.Equal(t, model.StatusOpen, inc.Status)
	assert.NotEmpty(t, inc.IncidentID)
}

func TestScenarioBruteForceThenSuccessIsCritical(t *testing.T) {
	te := newEngineForTest(t, nil)
	for i := 0; i < 5; i++ {
		te.process(t, ev("alice", model.EventAuthFailure, "10.0.0.1", base.Add(time.Duration(i*2)*time.Second), "authentication"))
	}
	success := ev("alice", model.EventAuthSuccess, "10.0.0.1", base.Add(11*time.Second), "authentication")
	inc := te.process(t, success)
	require.NotNil(t, inc)
	assert.Equal(t, RuleBruteForce, inc.Rule)
	assert.Equal(t, model.SeverityCritical, inc.Severity)
	require.Len(t, inc.Events, 6)
	assert.Equal(t, success.EventID, inc.Events[5].EventID)
	for _, e := range inc.Events[:5] {
		assert.Equal(t, model.EventAuthFailure, e.EventType)
	}
}

func TestScenarioNewSourceAddress(t *testing.T) {
	te := newEngineForTest(t, nil)
	require.Nil(t, te.process(t, ev("bob", model.EventDataAccess, "10.0.0.5", base, "read")))

	second := ev("bob", model.EventDataAccess, "203.0.113.9", base.Add(time.Minute), "read")
	inc := te.process(t, second)
	require.NotNil(t, inc)
	assert.Equal(t, RuleAnomalousAccess, inc.Rule)
	assert.Equal(t, model.SeverityMedium, inc.Severity)
	assert.Equal(t, []string{second.EventID}, eventIDs(inc.Events))
}

func TestScenarioPrivilegeEscalation(t *testing.T) {
	te := newEngineForTest(t, nil)
	sudo := ev("carol", model.EventPrivilegeEscalation, "10.0.0.7", base, "sudo /bin/bash")
	su := ev("carol", model.EventPrivilegeEscalation, "10.0.0.7", base.Add(time.Minute), "su root")
	read := ev("carol", model.EventAdminAction, "10.0.0.7", base.Add(2*time.Minute), "read")

	assert.Nil(t, te.process(t, sudo))
	inc := te.process(t, su)
	require.NotNil(t, inc)
	assert.Equal(t, RulePrivilegeEscalation, inc.Rule)
	assert.Equal(t, model.SeverityHigh, inc.Severity)
	assert.Equal(t, []string{sudo.EventID, su.EventID}, eventIDs(inc.Events))

	assert.Nil(t, te.process(t, read))
}

func TestBruteForceWinsOverNewSourceAddress(t *testing.T) {
	te := newEngineForTest(t, nil)
	for i := 0; i < 5; i++ {
		te.process(t, ev("dave", model.EventAuthFailure, "10.0.0.1", base.Add(time.Duration(i)*time.Second), "authentication"))
	}
	// new address and a burst of failures at once
	inc := te.process(t, ev("dave", model.EventAuthSuccess, "198.51.100.4", base.Add(6*time.Second), "authentication"))
	require.NotNil(t, inc)
	assert.Equal(t, RuleBruteForce, inc.Rule)
	assert.Equal(t, model.SeverityCritical, inc.Severity)
}

func TestBruteForceThresholdBoundary(t *testing.T) {
	for _, n := range []int{4, 5} {
		t.Run(fmt.Sprintf("%d_failures", n), func(t *testing.T) {
			te := newEngineForTest(t, nil)
			var fired int
			for i := 0; i < n; i++ {
				if te.process(t, ev("erin", model.EventAuthFailure, "10.0.0.1", base.Add(time.Duration(i)*time.Second), "authentication")) != nil {
					fired++
				}
			}
			if n == 4 {
				assert.Zero(t, fired)
			} else {
				assert.Equal(t, 1, fired)
			}
		})
	}
}

func TestBruteForceIgnoresFailuresOutsideWindow(t *testing.T) {
	te := newEngineForTest(t, nil)
	for i := 0; i < 4; i++ {
		te.process(t, ev("frank", model.EventAuthFailure, "10.0.0.1", base.Add(time.Duration(i)*time.Second), "authentication"))
	}
	// 60s after the first failure it no longer counts
	inc := te.process(t, ev("frank", model.EventAuthFailure, "10.0.0.1", base.Add(60*time.Second), "authentication"))
	assert.Nil(t, inc)
}

func TestFirstEventNeverAnomalous(t *testing.T) {
	te := newEngineForTest(t, nil)
	for i, ip := range []string{"10.1.1.1", "203.0.113.50", "2001:db8::1"} {
		identity := fmt.Sprintf("new-%d", i)
		assert.Nil(t, te.process(t, ev(identity, model.EventNetworkConnection, ip, base, "connect")))
	}
}

func TestUnspecifiedAddressNeverAnomalous(t *testing.T) {
	te := newEngineForTest(t, nil)
	te.process(t, ev("gina", model.EventFileAccess, "10.0.0.9", base, "open"))
	assert.Nil(t, te.process(t, ev("gina", model.EventFileAccess, "0.0.0.0", base.Add(time.Second), "open")))
}

func TestDuplicateEventIsIgnored(t *testing.T) {
	te := newEngineForTest(t, nil)
	e := ev("hank", model.EventAuthFailure, "10.0.0.1", base, "authentication")
	te.process(t, e)
	te.process(t, e)
	assert.Len(t, te.Window("hank", base.Add(-time.Hour)), 1)

	st := te.Stats()
	assert.EqualValues(t, 1, st.EventsProcessed)
	assert.EqualValues(t, 1, st.EventsDuplicate)
}

func TestStashedEventRisk(t *testing.T) {
	te := newEngineForTest(t, nil)
	e := ev("ivy", model.EventDataAccess, "10.0.0.1", base, "read")
	e.Metadata = model.Metadata{CriticalAsset: true}
	te.process(t, e)

	got := te.Window("ivy", base)
	require.Len(t, got, 1)
	require.NotNil(t, got[0].Metadata.RiskScore)
	assert.InDelta(t, 0.8, *got[0].Metadata.RiskScore, 1e-9)
	assert.Nil(t, e.Metadata.RiskScore, "caller's event is not mutated")
}

func TestInvalidEventReturnsError(t *testing.T) {
	te := newEngineForTest(t, nil)
	bad := ev("", model.EventAuthFailure, "10.0.0.1", base, "authentication")
	_, err := te.ProcessEvent(context.Background(), bad)
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "identity", verr.Field)

	bad = ev("jack", "logout", "10.0.0.1", base, "")
	_, err = te.ProcessEvent(context.Background(), bad)
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "event_type", verr.Field)

	assert.EqualValues(t, 2, te.Stats().EventsRejected)

	// the engine keeps working for everyone else
	assert.Nil(t, te.process(t, ev("jack", model.EventAuthSuccess, "10.0.0.1", base, "authentication")))
}

func TestMisconfiguredRuleIsDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Detection.BruteForce.FailedAttemptsThreshold = 0
	te := newEngineForTest(t, cfg)

	for i := 0; i < 6; i++ {
		inc := te.process(t, ev("kate", model.EventAuthFailure, "10.0.0.1", base.Add(time.Duration(i)*time.Second), "authentication"))
		assert.Nil(t, inc)
	}
	assert.Equal(t, []string{RuleBruteForce}, te.Stats().DisabledRules)

	// the remaining rules still run
	inc := te.process(t, ev("kate", model.EventAuthFailure, "203.0.113.1", base.Add(10*time.Second), "authentication"))
	require.NotNil(t, inc)
	assert.Equal(t, RuleAnomalousAccess, inc.Rule)

	cfg2 := testConfig()
	te.UpdateConfig(cfg2)
	assert.Empty(t, te.Stats().DisabledRules)
}

type panicRule struct{}

func (panicRule) Name() string { return "panics" }
func (panicRule) Evaluate(model.SecurityEvent, []model.SecurityEvent) (*Finding, error) {
	panic("boom")
}

func TestPanickingRuleDegradesToNoIncident(t *testing.T) {
	te := newEngineForTest(t, nil)
	rs := te.ruleSet()
	te.rules.Store(&ruleSet{rules: append([]Rule{panicRule{}}, rs.rules...), scorer: rs.scorer, lookback: rs.lookback})

	assert.NotPanics(t, func() {
		te.process(t, ev("liam", model.EventDataAccess, "10.0.0.1", base, "read"))
	})
	assert.Contains(t, te.Stats().DisabledRules, "panics")
}

func TestDisabledRulesDoNotFire(t *testing.T) {
	cfg := testConfig()
	cfg.Detection.AnomalousAccess.Enabled = false
	te := newEngineForTest(t, cfg)
	te.process(t, ev("mia", model.EventDataAccess, "10.0.0.5", base, "read"))
	assert.Nil(t, te.process(t, ev("mia", model.EventDataAccess, "203.0.113.9", base.Add(time.Second), "read")))
}

func TestStatsAndTransitions(t *testing.T) {
	te := newEngineForTest(t, nil)
	te.process(t, ev("nina", model.EventDataAccess, "10.0.0.5", base, "read"))
	inc := te.process(t, ev("nina", model.EventDataAccess, "203.0.113.9", base.Add(time.Second), "read"))
	require.NotNil(t, inc)

	st := te.Stats()
	assert.EqualValues(t, 2, st.EventsProcessed)
	assert.EqualValues(t, 1, st.IncidentsCreated)
	assert.EqualValues(t, 1, st.IncidentsBySeverity[model.SeverityMedium])
	assert.EqualValues(t, 0, st.IncidentsBySeverity[model.SeverityCritical])
	assert.Equal(t, 1, st.OpenIncidents)

	_, err := te.TransitionIncident(context.Background(), inc.IncidentID, model.StatusAcknowledged)
	require.NoError(t, err)
	assert.Equal(t, 0, te.Stats().OpenIncidents)
}

type recordingPublisher struct {
	mu   sync.Mutex
	got  []*model.SecurityIncident
	full bool
}

func (p *recordingPublisher) Enqueue(inc *model.SecurityIncident) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.full {
		return false
	}
	p.got = append(p.got, inc)
	return true
}

func TestIncidentsArePublished(t *testing.T) {
	te := newEngineForTest(t, nil)
	pub := &recordingPublisher{}
	te.SetPublisher(pub)
	te.process(t, ev("omar", model.EventDataAccess, "10.0.0.5", base, "read"))
	inc := te.process(t, ev("omar", model.EventDataAccess, "203.0.113.9", base.Add(time.Second), "read"))
	require.NotNil(t, inc)
	require.Len(t, pub.got, 1)
	assert.Equal(t, inc.IncidentID, pub.got[0].IncidentID)

	// a full outbound queue does not lose the incident internally
	pub.full = true
	inc2 := te.process(t, ev("omar", model.EventDataAccess, "198.51.100.1", base.Add(2*time.Second), "read"))
	require.NotNil(t, inc2)
	_, err := te.Incidents().Get(inc2.IncidentID)
	assert.NoError(t, err)
}

func TestConcurrentIdentities(t *testing.T) {
	te := newEngineForTest(t, nil)
	te.clock.Observe(base.Add(time.Minute))

	const identities = 20
	var wg sync.WaitGroup
	results := make([][]*model.SecurityIncident, identities)
	for i := 0; i < identities; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			identity := fmt.Sprintf("user-%d", i)
			for j := 0; j < 5; j++ {
				e := model.SecurityEvent{
					EventID:   fmt.Sprintf("%s-%d", identity, j),
					Timestamp: base.Add(time.Duration(j) * time.Second),
					EventType: model.EventAuthFailure,
					Identity:  identity,
					SourceIP:  "10.0.0.1",
					Action:    "authentication",
				}
				inc, err := te.ProcessEvent(context.Background(), e)
				if err == nil && inc != nil {
					results[i] = append(results[i], inc)
				}
			}
		}(i)
	}
	wg.Wait()
	for i, incs := range results {
		require.Len(t, incs, 1, "identity %d", i)
		assert.Len(t, incs[0].Events, 5)
	}
	assert.EqualValues(t, identities*5, te.Stats().EventsProcessed)
}

func TestConcurrentSameIdentityFiresOnce(t *testing.T) {
	te := newEngineForTest(t, nil)
	te.clock.Observe(base.Add(time.Minute))

	var wg sync.WaitGroup
	var mu sync.Mutex
	var fired []*model.SecurityIncident
	for j := 0; j < 5; j++ {
		wg.Add(1)
		go func(j int) {
			defer wg.Done()
			inc, err := te.ProcessEvent(context.Background(), model.SecurityEvent{
				EventID:   fmt.Sprintf("burst-%d", j),
				Timestamp: base.Add(time.Duration(j) * time.Second),
				EventType: model.EventAuthFailure,
				Identity:  "zoe",
				SourceIP:  "10.0.0.1",
				Action:    "authentication",
			})
			if err == nil && inc != nil {
				mu.Lock()
				fired = append(fired, inc)
				mu.Unlock()
			}
		}(j)
	}
	wg.Wait()
	require.Len(t, fired, 1)
	assert.Len(t, fired[0].Events, 5)
}

func TestStaleEventIgnored(t *testing.T) {
	te := newEngineForTest(t, nil)
	te.clock.Observe(base.Add(time.Hour))
	inc, err := te.ProcessEvent(context.Background(), ev("pam", model.EventAuthFailure, "10.0.0.1", base, "authentication"))
	require.NoError(t, err)
	assert.Nil(t, inc)
	assert.EqualValues(t, 1, te.Stats().EventsStale)
}

func TestCancelledContext(t *testing.T) {
	te := newEngineForTest(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := te.ProcessEvent(ctx, ev("quinn", model.EventAuthFailure, "10.0.0.1", base, "authentication"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSweepExpiresOldEvents(t *testing.T) {
	te := newEngineForTest(t, nil)
	te.process(t, ev("rob", model.EventDataAccess, "10.0.0.1", base, "read"))
	retention := te.Config().Detection.Retention()
	assert.Equal(t, 1, te.Sweep(base.Add(retention+time.Second)))
	assert.Empty(t, te.Window("rob", time.Time{}))
}

func TestFutureDatedEventsCannotArmRules(t *testing.T) {
	te := newEngineForTest(t, nil)
	te.clock.Observe(base)
	for i := 0; i < 5; i++ {
		inc, err := te.ProcessEvent(context.Background(),
			ev("mallory", model.EventAuthFailure, "10.0.0.1", base.Add(24*time.Hour+time.Duration(i)*time.Second), "authentication"))
		require.NoError(t, err)
		require.Nil(t, inc)
	}
	assert.EqualValues(t, 5, te.Stats().EventsFuture)
	assert.Empty(t, te.Window("mallory", time.Time{}))

	assert.Nil(t, te.process(t, ev("mallory", model.EventAuthSuccess, "10.0.0.1", base.Add(time.Second), "authentication")))
	assert.Nil(t, te.process(t, ev("mallory", model.EventAuthFailure, "10.0.0.1", base.Add(2*time.Second), "authentication")))
}

func TestLateEventDoesNotSeeLaterHistory(t *testing.T) {
	te := newEngineForTest(t, nil)
	var inc *model.SecurityIncident
	for i := 0; i < 5; i++ {
		inc = te.process(t, ev("nina", model.EventAuthFailure, "10.0.0.1", base.Add(30*time.Second+time.Duration(i*2)*time.Second), "authentication"))
	}
	require.NotNil(t, inc)
	require.Equal(t, model.SeverityHigh, inc.Severity)

	// arrives after the burst but happened before it
	assert.Nil(t, te.process(t, ev("nina", model.EventAuthSuccess, "10.0.0.1", base, "authentication")))
	assert.Nil(t, te.process(t, ev("nina", model.EventAuthFailure, "10.0.0.1", base.Add(10*time.Second), "authentication")))
	// an address only used later in the window is not history for an earlier event
	assert.Nil(t, te.process(t, ev("olga", model.EventDataAccess, "10.0.0.9", base.Add(20*time.Second), "read")))
	assert.Nil(t, te.process(t, ev("olga", model.EventDataAccess, "203.0.113.4", base, "read")))
}

func TestRulesIgnoreEventsAfterTrigger(t *testing.T) {
	trigger := ev("pia", model.EventAuthSuccess, "10.0.0.1", base, "authentication")
	events := []model.SecurityEvent{trigger}
	for i := 0; i < 5; i++ {
		events = append(events, ev("pia", model.EventAuthFailure, "10.0.0.1", base.Add(time.Duration(i+1)*time.Second), "authentication"))
	}
	f, err := (&BruteForceRule{Threshold: 5, Window: time.Minute}).Evaluate(trigger, events)
	require.NoError(t, err)
	assert.Nil(t, f)

	sudo := ev("pia", model.EventPrivilegeEscalation, "10.0.0.1", base, "sudo -i")
	later := ev("pia", model.EventPrivilegeEscalation, "10.0.0.1", base.Add(time.Minute), "su root")
	f, err = (&PrivilegeEscalationRule{Keywords: []string{"sudo", "su"}, Window: 5 * time.Minute, MinOccurrences: 2}).
		Evaluate(sudo, []model.SecurityEvent{sudo, later})
	require.NoError(t, err)
	assert.Nil(t, f)

	f, err = (&PrivilegeEscalationRule{Keywords: []string{"sudo", "su"}, Window: 5 * time.Minute, MinOccurrences: 2}).
		Evaluate(later, []model.SecurityEvent{sudo, later})
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Len(t, f.Events, 2)
}

type recordingMirror struct {
	mu    sync.Mutex
	saved []*model.SecurityIncident
}

func (m *recordingMirror) SaveIncident(_ context.Context, inc *model.SecurityIncident) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, inc.Clone())
	return nil
}

func (m *recordingMirror) PurgeIncidents(context.Context, time.Time) (int64, error) { return 0, nil }

func TestTransitionMirrorsFullIncident(t *testing.T) {
	te := newEngineForTest(t, nil)
	mirror := &recordingMirror{}
	te.SetMirror(mirror)
	te.process(t, ev("quentin", model.EventDataAccess, "10.0.0.5", base, "read"))
	inc := te.process(t, ev("quentin", model.EventDataAccess, "203.0.113.9", base.Add(time.Minute), "read"))
	require.NotNil(t, inc)

	_, err := te.TransitionIncident(context.Background(), inc.IncidentID, model.StatusAcknowledged)
	require.NoError(t, err)

	require.Len(t, mirror.saved, 1)
	saved := mirror.saved[0]
	assert.Equal(t, inc.IncidentID, saved.IncidentID)
	assert.Equal(t, model.StatusAcknowledged, saved.Status)
	assert.Equal(t, inc.Rule, saved.Rule)
	assert.Len(t, saved.Events, 1)
}
