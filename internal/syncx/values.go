package syncx

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// GetString extracts a string value from a map, returning "" when the
// key is absent or holds a non-string.
func GetString(m map[string]any, k string) string {
	if v, ok := m[k]; ok {
		if s, ok2 := v.(string); ok2 {
			return s
		}
	}
	return ""
}

// GetMap safely extracts a nested map from a map
func GetMap(m map[string]any, k string) (map[string]any, bool) {
	if v, ok := m[k]; ok {
		if mm, ok2 := v.(map[string]any); ok2 {
			return mm, true
		}
	}
	return nil, false
}

// String coerces a scalar to its string form.
// Numbers keep their shortest representation; nil and composites fail.
func String(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), true
	case int:
		return strconv.Itoa(s), true
	case int64:
		return strconv.FormatInt(s, 10), true
	case json.Number:
		return s.String(), true
	case bool:
		if s {
			return "1", true
		}
		return "0", true
	}
	return "", false
}

// Float coerces JSON and native numeric values to float64.
// Strings are parsed; booleans are rejected.
func Float(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

// Int coerces to int64. Floats must be integral.
func Int(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		i := int64(n)
		if float64(i) == n {
			return i, true
		}
		return 0, false
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		return i, err == nil
	}
	return 0, false
}

// IsNumber reports whether v is a numeric value (bools excluded).
func IsNumber(v any) bool {
	switch v.(type) {
	case float64, float32, int, int64, json.Number:
		return true
	}
	return false
}

// Truthy interprets the loose boolean forms clients send (1, "1",
// "true", "yes", true).
func Truthy(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case float64:
		return b != 0
	case int:
		return b != 0
	case int64:
		return b != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "1", "true", "yes", "y":
			return true
		}
	}
	return false
}

// CloneMap deep-copies a payload map. Nested maps and slices are
// copied; scalars are shared.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneMap(t)
	case []any:
		cp := make([]any, len(t))
		for i, e := range t {
			cp[i] = cloneValue(e)
		}
		return cp
	default:
		return v
	}
}

// Round2 rounds a float to 2 decimal places using half-up money
// rounding.
func Round2(f float64) float64 {
	v, _ := decimal.NewFromFloat(f).Round(2).Float64()
	return v
}

// Round6 rounds to 6 decimal places (percent mirrors).
func Round6(f float64) float64 {
	v, _ := decimal.NewFromFloat(f).Round(6).Float64()
	return v
}

// TimeLayout is the canonical wire representation for timestamps:
// fixed-width UTC with microsecond precision, lexicographically
// sortable.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// FormatTime renders a timestamp in the canonical layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

var timeLayouts = []string{
	TimeLayout,
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseTime parses the datetime forms clients send: canonical layout,
// RFC3339 variants, space-separated datetimes, bare dates, and epoch
// seconds or milliseconds (>= 1e12 means milliseconds).
func ParseTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), true
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UTC(), true
			}
		}
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			return epochToTime(n), true
		}
		return time.Time{}, false
	case float64:
		return epochToTime(t), true
	case int:
		return epochToTime(float64(t)), true
	case int64:
		return epochToTime(float64(t)), true
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return time.Time{}, false
		}
		return epochToTime(f), true
	}
	return time.Time{}, false
}

func epochToTime(n float64) time.Time {
	if n >= 1e12 {
		return time.UnixMilli(int64(n)).UTC()
	}
	sec := int64(n)
	frac := n - float64(sec)
	return time.Unix(sec, int64(frac*1e9)).UTC()
}

// ClampInt32 caps epoch-millisecond values to the int32 range the
// legacy client columns were sized for.
func ClampInt32(v int64) int64 {
	const maxInt32 = 2147483647
	if v > maxInt32 {
		return maxInt32
	}
	if v < 0 {
		return 0
	}
	return v
}
