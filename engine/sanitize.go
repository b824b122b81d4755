package engine

import (
	"fmt"
	"time"
)

// The checkpoint serialization universe is closed: strings, integers,
// floats, booleans, nil, sequences of these, and string-keyed maps of
// these. Anything else is represented by its type tag so checkpoints never
// carry values that cannot round-trip.

func sanitizeValue(v any) any {
	switch val := v.(type) {
	case nil, bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return val
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sanitizeValue(item)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = item
		}
		return out
	case map[string]any:
		return sanitizeMap(val)
	default:
		return fmt.Sprintf("<%T>", v)
	}
}

func sanitizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = sanitizeValue(v)
	}
	return out
}
