package jsdo

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/maruel/jsdo/catalog"
)

// Values are coerced to the declared field type on assignment and load.
//
//	JSON value       string     integer   number    boolean   array
//	"12"             "12"       12        12.0      -         -
//	12.0             "12"       12        12.0      true      -
//	true             "true"     1         1.0       true      -
//	"yes"            "yes"      -         -         true      -
//	"[1,2]"          "[1,2]"    -         -         -         [1,2]
//
// "-" means the value is kept as-is. nil passes through.

func coerceValue(value any, f *catalog.Field) any {
	if value == nil || f == nil {
		return value
	}
	switch f.Type {
	case catalog.TypeString:
		return coerceToText(value)
	case catalog.TypeDate:
		return coerceToDate(value)
	case catalog.TypeInteger:
		return coerceToInteger(value)
	case catalog.TypeNumber:
		return coerceToReal(value)
	case catalog.TypeBoolean:
		return coerceToBoolean(value)
	case catalog.TypeArray:
		return coerceToArray(value, f)
	case catalog.TypeObject:
		return coerceToObject(value)
	default:
		return value
	}
}

func coerceToText(value any) any {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		if i, ok := exactInt(v); ok && v == math.Trunc(v) {
			return strconv.FormatInt(i, 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	default:
		return value
	}
}

// coerceToDate keeps dates as ISO-8601 text.
func coerceToDate(value any) any {
	switch v := value.(type) {
	case time.Time:
		if v.Hour() == 0 && v.Minute() == 0 && v.Second() == 0 && v.Nanosecond() == 0 {
			return v.Format(time.DateOnly)
		}
		return v.Format(time.RFC3339Nano)
	case *time.Time:
		if v == nil {
			return nil
		}
		return coerceToDate(*v)
	default:
		return value
	}
}

// exactInt truncates f when every integer of its magnitude is representable
// as a float64.
func exactInt(f float64) (int64, bool) {
	if math.IsNaN(f) || math.Abs(f) >= 1<<53 {
		return 0, false
	}
	return int64(f), true
}

// coerceToInteger truncates fractions. Values beyond the exact float64
// integer range are kept as-is.
func coerceToInteger(value any) any {
	switch v := value.(type) {
	case float64:
		if i, ok := exactInt(v); ok {
			return i
		}
		return v
	case int64:
		return v
	case int:
		return int64(v)
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}
		if f, err := v.Float64(); err == nil {
			if i, ok := exactInt(f); ok {
				return i
			}
		}
		return v.String()
	case string:
		s := strings.TrimSpace(v)
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			if i, ok := exactInt(f); ok {
				return i
			}
		}
		return v
	case bool:
		if v {
			return int64(1)
		}
		return int64(0)
	default:
		return value
	}
}

func coerceToReal(value any) any {
	switch v := value.(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
		return v.String()
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
		return v
	case bool:
		if v {
			return float64(1)
		}
		return float64(0)
	default:
		return value
	}
}

func coerceToBoolean(value any) any {
	switch v := value.(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case int64:
		return v != 0
	case int:
		return v != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "yes", "1":
			return true
		case "false", "no", "0", "":
			return false
		}
		return v
	default:
		return value
	}
}

func coerceToArray(value any, f *catalog.Field) any {
	var items []any
	switch v := value.(type) {
	case []any:
		items = v
	case []string:
		items = make([]any, len(v))
		for i, s := range v {
			items[i] = s
		}
	case string:
		s := strings.TrimSpace(v)
		if !strings.HasPrefix(s, "[") || json.Unmarshal([]byte(s), &items) != nil {
			return value
		}
	default:
		return value
	}
	if f.ItemType == "" || f.ItemType == catalog.TypeArray {
		return items
	}
	elem := &catalog.Field{Type: f.ItemType}
	out := make([]any, len(items))
	for i, e := range items {
		out[i] = coerceValue(e, elem)
	}
	return out
}

func coerceToObject(value any) any {
	s, ok := value.(string)
	if !ok {
		return value
	}
	var m map[string]any
	if json.Unmarshal([]byte(s), &m) != nil {
		return value
	}
	return m
}
