package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const (
	MetaCriticalAsset = "critical_asset"
	MetaSuspiciousIP  = "suspicious_ip"
	MetaRiskScore     = "risk_score"
)

// Metadata carries the scoring hints the engine understands as typed fields.
// Everything else from the raw record lands in Extra and is display-only.
type Metadata struct {
	CriticalAsset bool
	SuspiciousIP  bool
	RiskScore     *float64
	Extra         map[string]string
}

func (m Metadata) Clone() Metadata {
	if m.RiskScore != nil {
		v := *m.RiskScore
		m.RiskScore = &v
	}
	if m.Extra != nil {
		extra := make(map[string]string, len(m.Extra))
		for k, v := range m.Extra {
			extra[k] = v
		}
		m.Extra = extra
	}
	return m
}

func (m Metadata) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Extra)+3)
	for k, v := range m.Extra {
		out[k] = v
	}
	if m.CriticalAsset {
		out[MetaCriticalAsset] = true
	}
	if m.SuspiciousIP {
		out[MetaSuspiciousIP] = true
	}
	if m.RiskScore != nil {
		out[MetaRiskScore] = *m.RiskScore
	}
	return json.Marshal(out)
}

func (m *Metadata) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = MetadataFromMap(raw)
	return nil
}

// MetadataFromMap converts an untrusted key/value bag. Hint keys only ever
// turn on when the value is truthy; they never fail the conversion.
func MetadataFromMap(raw map[string]any) Metadata {
	var m Metadata
	for k, v := range raw {
		key := strings.ToLower(strings.TrimSpace(k))
		switch key {
		case MetaCriticalAsset:
			m.CriticalAsset = Truthy(v)
		case MetaSuspiciousIP:
			m.SuspiciousIP = Truthy(v)
		case MetaRiskScore:
			if f, ok := toFloat(v); ok {
				m.RiskScore = &f
			}
		default:
			if key == "" || v == nil {
				continue
			}
			if m.Extra == nil {
				m.Extra = make(map[string]string)
			}
			m.Extra[key] = fmt.Sprint(v)
		}
	}
	return m
}

func Truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "1", "true", "yes", "y", "on":
			return true
		}
		return false
	case float64:
		return t != 0
	case float32:
		return t != 0
	case int:
		return t != 0
	case int64:
		return t != 0
	case json.Number:
		f, err := t.Float64()
		return err == nil && f != 0
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}
