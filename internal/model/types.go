package model

import (
	"time"
)

type EventType string

const (
	EventAuthFailure         EventType = "auth_failure"
	EventAuthSuccess         EventType = "auth_success"
	EventPrivilegeEscalation EventType = "privilege_escalation"
	EventDataAccess          EventType = "data_access"
	EventNetworkConnection   EventType = "network_connection"
	EventFileAccess          EventType = "file_access"
	EventAdminAction         EventType = "admin_action"
)

var eventTypes = map[EventType]struct{}{
	EventAuthFailure:         {},
	EventAuthSuccess:         {},
	EventPrivilegeEscalation: {},
	EventDataAccess:          {},
	EventNetworkConnection:   {},
	EventFileAccess:          {},
	EventAdminAction:         {},
}

func (t EventType) Valid() bool {
	_, ok := eventTypes[t]
	return ok
}

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var Severities = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

// Rank orders severities; unknown values rank below low.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

func (s Severity) Valid() bool {
	return s.Rank() > 0
}

type Status string

const (
	StatusOpen         Status = "open"
	StatusAcknowledged Status = "acknowledged"
	StatusResolved     Status = "resolved"
)

func (s Status) rank() int {
	switch s {
	case StatusOpen:
		return 1
	case StatusAcknowledged:
		return 2
	case StatusResolved:
		return 3
	}
	return 0
}

func (s Status) Valid() bool {
	return s.rank() > 0
}

// CanTransition reports whether an incident may move from s to next.
// Status only ever moves forward.
func (s Status) CanTransition(next Status) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	return next.rank() > s.rank()
}

type SecurityEvent struct {
	EventID     string    `json:"event_id" validate:"required,max=256"`
	Timestamp   time.Time `json:"timestamp" validate:"required"`
	EventType   EventType `json:"event_type" validate:"required,oneof=auth_failure auth_success privilege_escalation data_access network_connection file_access admin_action"`
	Identity    string    `json:"identity" validate:"required,max=512"`
	SourceIP    string    `json:"source_ip" validate:"required,ip"`
	Destination string    `json:"destination,omitempty" validate:"max=4096"`
	Action      string    `json:"action" validate:"max=4096"`
	Success     bool      `json:"success"`
	Metadata    Metadata  `json:"metadata"`
}

type SecurityIncident struct {
	IncidentID  string          `json:"incident_id"`
	Rule        string          `json:"rule"`
	Identity    string          `json:"identity"`
	Severity    Severity        `json:"severity"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	RiskScore   float64         `json:"risk_score"`
	Events      []SecurityEvent `json:"events"`
	CreatedAt   time.Time       `json:"created_at"`
	Status      Status          `json:"status"`
}

// Clone returns a deep copy so callers outside the store cannot mutate shared state.
func (i *SecurityIncident) Clone() *SecurityIncident {
	if i == nil {
		return nil
	}
	out := *i
	out.Events = make([]SecurityEvent, len(i.Events))
	for n, ev := range i.Events {
		out.Events[n] = ev.Clone()
	}
	return &out
}

func (e SecurityEvent) Clone() SecurityEvent {
	e.Metadata = e.Metadata.Clone()
	return e
}
