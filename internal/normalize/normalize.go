package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"corrwatch/internal/config"
	"corrwatch/internal/model"
)

type SourceKind string

const (
	SourceAuth   SourceKind = "auth"
	SourceAccess SourceKind = "access"
	SourceAdmin  SourceKind = "admin"
)

func ParseSourceKind(value string) (SourceKind, error) {
	switch SourceKind(strings.ToLower(strings.TrimSpace(value))) {
	case SourceAuth:
		return SourceAuth, nil
	case SourceAccess:
		return SourceAccess, nil
	case SourceAdmin:
		return SourceAdmin, nil
	}
	return "", &NormalizationError{Kind: SourceKind(value), Field: "source_kind", Reason: "unknown source kind"}
}

// NormalizationError marks a raw record that cannot become a meaningful event.
type NormalizationError struct {
	Kind   SourceKind
	Field  string
	Reason string
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("normalize %s record: %s: %s", e.Kind, e.Field, e.Reason)
}

const UnspecifiedIP = "0.0.0.0"

var (
	identityKeys    = []string{"identity", "user", "username", "user_name", "principal", "account", "subject"}
	sourceIPKeys    = []string{"source_ip", "src_ip", "ip", "client_ip", "remote_addr", "remote_ip"}
	destinationKeys = []string{"destination", "resource", "path", "file", "url", "target", "host", "service"}
	actionKeys      = []string{"action", "command", "cmd", "operation", "method"}
	outcomeKeys     = []string{"result", "status", "outcome"}
	timestampKeys   = []string{"timestamp", "time", "ts", "@timestamp"}
	eventIDKeys     = []string{"event_id", "id", "eventid"}
)

type Normalizer struct {
	privilegeKeywords []string
	sensitivePaths    []string
	now               func() time.Time
}

func New(cfg config.NormalizeConfig) *Normalizer {
	return &Normalizer{
		privilegeKeywords: lowerAll(cfg.PrivilegeKeywords),
		sensitivePaths:    lowerAll(cfg.SensitivePaths),
		now:               func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time used for records without a timestamp.
func (n *Normalizer) WithClock(now func() time.Time) *Normalizer {
	n.now = now
	return n
}

// Normalize maps one raw record of the given kind onto the canonical event.
func (n *Normalizer) Normalize(raw map[string]any, kind SourceKind) (model.SecurityEvent, error) {
	if raw == nil {
		return model.SecurityEvent{}, &NormalizationError{Kind: kind, Field: "record", Reason: "empty record"}
	}
	fields := lowerKeys(raw)

	identity := firstString(fields, identityKeys...)
	if identity == "" {
		return model.SecurityEvent{}, &NormalizationError{Kind: kind, Field: "identity", Reason: "missing"}
	}

	ts := n.now()
	if v, ok := firstValue(fields, timestampKeys...); ok {
		parsed, err := ParseTimestampValue(v)
		if err != nil {
			return model.SecurityEvent{}, &NormalizationError{Kind: kind, Field: "timestamp", Reason: err.Error()}
		}
		ts = parsed.UTC()
	}

	sourceIP, err := parseSourceIP(firstString(fields, sourceIPKeys...))
	if err != nil {
		return model.SecurityEvent{}, &NormalizationError{Kind: kind, Field: "source_ip", Reason: err.Error()}
	}

	var meta model.Metadata
	if m, ok := fields["metadata"].(map[string]any); ok {
		meta = model.MetadataFromMap(m)
	}
	// the engine computes the risk score itself
	meta.RiskScore = nil

	ev := model.SecurityEvent{
		Timestamp:   ts,
		Identity:    identity,
		SourceIP:    sourceIP,
		Destination: firstString(fields, destinationKeys...),
		Action:      firstString(fields, actionKeys...),
		Metadata:    meta,
	}

	switch kind {
	case SourceAuth:
		success, ok := parseOutcome(fields)
		if !ok {
			return model.SecurityEvent{}, &NormalizationError{Kind: kind, Field: "success", Reason: "missing outcome"}
		}
		ev.Success = success
		ev.EventType = model.EventAuthFailure
		if success {
			ev.EventType = model.EventAuthSuccess
		}
		if ev.Action == "" {
			ev.Action = "authentication"
		}
	case SourceAccess:
		ev.Success = true
		if success, ok := parseOutcome(fields); ok {
			ev.Success = success
		}
		ev.EventType = accessEventType(firstString(fields, "event_type", "type"))
		if ev.Action == "" {
			ev.Action = "access"
		}
		if n.isSensitive(ev.Destination) {
			ev.Metadata.CriticalAsset = true
		}
	case SourceAdmin:
		if ev.Action == "" {
			return model.SecurityEvent{}, &NormalizationError{Kind: kind, Field: "action", Reason: "missing"}
		}
		ev.Success = true
		if success, ok := parseOutcome(fields); ok {
			ev.Success = success
		}
		ev.EventType = model.EventAdminAction
		if containsAny(strings.ToLower(ev.Action), n.privilegeKeywords) {
			ev.EventType = model.EventPrivilegeEscalation
		}
	default:
		return model.SecurityEvent{}, &NormalizationError{Kind: kind, Field: "source_kind", Reason: "unknown source kind"}
	}

	ev.EventID = firstString(fields, eventIDKeys...)
	if ev.EventID == "" {
		ev.EventID = ContentID(kind, ev)
	}
	return ev, nil
}

func (n *Normalizer) isSensitive(destination string) bool {
	if destination == "" {
		return false
	}
	return containsAny(strings.ToLower(destination), n.sensitivePaths)
}

func accessEventType(value string) model.EventType {
	switch model.EventType(strings.ToLower(value)) {
	case model.EventFileAccess:
		return model.EventFileAccess
	case model.EventNetworkConnection:
		return model.EventNetworkConnection
	}
	return model.EventDataAccess
}

// ContentID derives a stable id so that replays of the same record dedupe.
func ContentID(kind SourceKind, ev model.SecurityEvent) string {
	parts := []string{
		string(kind),
		ev.Identity,
		string(ev.EventType),
		ev.Timestamp.UTC().Format(time.RFC3339Nano),
		ev.SourceIP,
		ev.Destination,
		ev.Action,
		strconv.FormatBool(ev.Success),
	}
	h := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(h[:16])
}

func parseSourceIP(value string) (string, error) {
	if value == "" {
		return UnspecifiedIP, nil
	}
	if addr, err := netip.ParseAddr(value); err == nil {
		return addr.Unmap().String(), nil
	}
	if ap, err := netip.ParseAddrPort(value); err == nil {
		return ap.Addr().Unmap().String(), nil
	}
	return "", fmt.Errorf("not an ip address: %q", value)
}

func parseOutcome(fields map[string]any) (bool, bool) {
	if v, ok := fields["success"]; ok && v != nil {
		switch t := v.(type) {
		case bool:
			return t, true
		default:
			return ParseResult(fmt.Sprint(t), "") == resultSuccess, true
		}
	}
	outcome := firstString(fields, outcomeKeys...)
	errCode := firstString(fields, "error", "error_code", "err")
	if outcome == "" && errCode == "" {
		return false, false
	}
	return ParseResult(outcome, errCode) == resultSuccess, true
}

const (
	resultSuccess = "success"
	resultFailure = "failure"
)

func ParseResult(result string, errorCode string) string {
	n := strings.ToLower(strings.TrimSpace(result))
	switch n {
	case "ok", "success", "succeeded", "true", "1", "allow", "allowed", "granted", "pass":
		return resultSuccess
	case "fail", "failed", "failure", "false", "0", "denied", "reject", "rejected", "timeout", "error":
		return resultFailure
	}
	if strings.TrimSpace(errorCode) != "" {
		return resultFailure
	}
	return resultSuccess
}

func lowerKeys(raw map[string]any) map[string]any {
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		out[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return out
}

func firstValue(m map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
				continue
			}
			return v, true
		}
	}
	return nil, false
}

func firstString(m map[string]any, keys ...string) string {
	v, ok := firstValue(m, keys...)
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case map[string]any, []any:
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

func containsAny(value string, needles []string) bool {
	for _, n := range needles {
		if n != "" && strings.Contains(value, n) {
			return true
		}
	}
	return false
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
