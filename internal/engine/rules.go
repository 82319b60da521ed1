package engine

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"corrwatch/internal/config"
	"corrwatch/internal/model"
	"corrwatch/internal/normalize"
)

var ErrRuleMisconfigured = errors.New("rule misconfigured")

const (
	RuleBruteForce          = "brute_force"
	RulePrivilegeEscalation = "privilege_escalation"
	RuleAnomalousAccess     = "anomalous_access"
)

// Finding is what a rule reports before the engine turns it into an incident.
type Finding struct {
	Severity    model.Severity
	Title       string
	Description string
	Events      []model.SecurityEvent
}

// Rule decides from the triggering event and the identity's window whether
// to report a finding. window is ascending by timestamp and includes trigger.
type Rule interface {
	Name() string
	Evaluate(trigger model.SecurityEvent, window []model.SecurityEvent) (*Finding, error)
}

// BuildRules returns the enabled rules in evaluation order. Order is the
// tie-break: the first rule that fires wins.
func BuildRules(cfg config.DetectionConfig) []Rule {
	rules := make([]Rule, 0, 3)
	if cfg.BruteForce.Enabled {
		rules = append(rules, &BruteForceRule{
			Threshold: cfg.BruteForce.FailedAttemptsThreshold,
			Window:    cfg.BruteForce.TimeWindow,
		})
	}
	if cfg.PrivilegeEscalation.Enabled {
		rules = append(rules, &PrivilegeEscalationRule{
			Keywords:       lowerAll(cfg.PrivilegeEscalation.SuspiciousActions),
			Window:         cfg.PrivilegeEscalation.TimeWindow,
			MinOccurrences: cfg.PrivilegeEscalation.MinOccurrences,
		})
	}
	if cfg.AnomalousAccess.Enabled {
		rules = append(rules, &AnomalousAccessRule{})
	}
	return rules
}

type BruteForceRule struct {
	Threshold int
	Window    time.Duration
}

func (r *BruteForceRule) Name() string { return RuleBruteForce }

func (r *BruteForceRule) Evaluate(trigger model.SecurityEvent, window []model.SecurityEvent) (*Finding, error) {
	if r.Threshold <= 0 || r.Window <= 0 {
		return nil, fmt.Errorf("%w: %s needs threshold > 0 and window > 0", ErrRuleMisconfigured, r.Name())
	}
	if trigger.EventType != model.EventAuthFailure && trigger.EventType != model.EventAuthSuccess {
		return nil, nil
	}
	var failures []model.SecurityEvent
	for _, ev := range window {
		if ev.EventType == model.EventAuthFailure && trailing(ev, trigger, r.Window) {
			failures = append(failures, ev)
		}
	}
	if len(failures) < r.Threshold {
		return nil, nil
	}
	lastFailure := failures[len(failures)-1].Timestamp
	var successes []model.SecurityEvent
	for _, ev := range window {
		if ev.EventType == model.EventAuthSuccess && !ev.Timestamp.Before(lastFailure) && !ev.Timestamp.After(trigger.Timestamp) {
			successes = append(successes, ev)
		}
	}
	if len(successes) == 0 {
		return &Finding{
			Severity: model.SeverityHigh,
			Title:    "Brute force attempt",
			Description: fmt.Sprintf("%d failed authentications for %s within %s",
				len(failures), trigger.Identity, r.Window),
			Events: failures,
		}, nil
	}
	events := append(append(make([]model.SecurityEvent, 0, len(failures)+len(successes)), failures...), successes...)
	sort.SliceStable(events, func(i, j int) bool { return events[i].Timestamp.Before(events[j].Timestamp) })
	return &Finding{
		Severity: model.SeverityCritical,
		Title:    "Brute force followed by successful login",
		Description: fmt.Sprintf("%d failed authentications for %s within %s followed by %d successful login(s)",
			len(failures), trigger.Identity, r.Window, len(successes)),
		Events: events,
	}, nil
}

type PrivilegeEscalationRule struct {
	Keywords       []string
	Window         time.Duration
	MinOccurrences int
}

func (r *PrivilegeEscalationRule) Name() string { return RulePrivilegeEscalation }

func (r *PrivilegeEscalationRule) matches(ev model.SecurityEvent) bool {
	action := strings.ToLower(ev.Action)
	for _, k := range r.Keywords {
		if strings.Contains(action, k) {
			return true
		}
	}
	return false
}

func (r *PrivilegeEscalationRule) Evaluate(trigger model.SecurityEvent, window []model.SecurityEvent) (*Finding, error) {
	if r.Window <= 0 || r.MinOccurrences <= 0 || len(r.Keywords) == 0 {
		return nil, fmt.Errorf("%w: %s needs keywords, window > 0 and min_occurrences > 0", ErrRuleMisconfigured, r.Name())
	}
	// only a privileged action can complete the pattern
	if !r.matches(trigger) {
		return nil, nil
	}
	var matched []model.SecurityEvent
	for _, ev := range window {
		if trailing(ev, trigger, r.Window) && r.matches(ev) {
			matched = append(matched, ev)
		}
	}
	if len(matched) < r.MinOccurrences {
		return nil, nil
	}
	return &Finding{
		Severity: model.SeverityHigh,
		Title:    "Repeated privileged actions",
		Description: fmt.Sprintf("%d privileged actions by %s within %s",
			len(matched), trigger.Identity, r.Window),
		Events: matched,
	}, nil
}

// trailing reports whether ev falls in (trigger-window, trigger]. Events
// dated after the trigger are never part of its window.
func trailing(ev, trigger model.SecurityEvent, window time.Duration) bool {
	return ev.Timestamp.After(trigger.Timestamp.Add(-window)) && !ev.Timestamp.After(trigger.Timestamp)
}

// AnomalousAccessRule flags a source address the identity has not used in
// any other event still held in its window. History is window-bounded.
type AnomalousAccessRule struct{}

func (r *AnomalousAccessRule) Name() string { return RuleAnomalousAccess }

func (r *AnomalousAccessRule) Evaluate(trigger model.SecurityEvent, window []model.SecurityEvent) (*Finding, error) {
	if isUnspecified(trigger.SourceIP) {
		return nil, nil
	}
	history := false
	for _, ev := range window {
		if ev.EventID == trigger.EventID || isUnspecified(ev.SourceIP) || ev.Timestamp.After(trigger.Timestamp) {
			continue
		}
		if ev.SourceIP == trigger.SourceIP {
			return nil, nil
		}
		history = true
	}
	if !history {
		return nil, nil
	}
	return &Finding{
		Severity:    model.SeverityMedium,
		Title:       "Access from new source address",
		Description: fmt.Sprintf("%s acted from %s, not seen in its %d other recent event(s)", trigger.Identity, trigger.SourceIP, len(window)-1),
		Events:      []model.SecurityEvent{trigger},
	}, nil
}

func isUnspecified(ip string) bool {
	return ip == "" || ip == normalize.UnspecifiedIP || ip == "::"
}

func lowerAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
