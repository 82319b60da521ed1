package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z0700",
	"Jan 02 15:04:05",
	"Jan 2 15:04:05",
	"Jan _2 15:04:05",
}

// ParseTimestampValue accepts epoch seconds (integer or fractional), epoch
// milliseconds, or any of the supported textual layouts.
func ParseTimestampValue(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case float64:
		return fromEpochSeconds(t)
	case float32:
		return fromEpochSeconds(float64(t))
	case int:
		return fromEpochSeconds(float64(t))
	case int64:
		return fromEpochSeconds(float64(t))
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return time.Time{}, err
		}
		return fromEpochSeconds(f)
	case string:
		return ParseTimestamp(t, time.UTC)
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
}

// maxEpochMillis is past year 30000. Larger values are rejected rather than
// overflowing int64.
const maxEpochMillis = 1e15

func fromEpochSeconds(sec float64) (time.Time, error) {
	if math.IsNaN(sec) || math.IsInf(sec, 0) || sec < 0 || sec >= maxEpochMillis {
		return time.Time{}, fmt.Errorf("invalid epoch timestamp %v", sec)
	}
	// values this large are milliseconds
	if sec >= 1e12 {
		ms := int64(sec)
		return time.UnixMilli(ms).UTC(), nil
	}
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(math.Round(frac*1e9))).UTC(), nil
}

func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if isNumeric(value) {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return fromEpochSeconds(f)
		}
	}
	for _, layout := range timestampLayouts {
		if strings.HasPrefix(layout, "Jan ") {
			if t, err := time.ParseInLocation(layout, value, loc); err == nil {
				now := time.Now().In(loc)
				return time.Date(now.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc), nil
			}
			continue
		}
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	dots := 0
	for _, ch := range value {
		if ch == '.' {
			dots++
			continue
		}
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0 && dots <= 1 && value != "."
}
