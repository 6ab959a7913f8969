// Package payload extracts typed values from a bus.Message's generic
// map[string]interface{} payload. Every domain agent parses kind-specific
// fields out of the same shape (a JSON object decoded into a map), so the
// accessor glue lives here once rather than being reimplemented per agent.
package payload

// String returns m[key] as a string, or "" if absent or not a string.
func String(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// Int returns m[key] as an int, accepting the float64/int shapes that both
// a decoded-JSON payload and a programmatically-built map may carry.
func Int(m map[string]interface{}, key string) int {
	if m == nil {
		return 0
	}
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	default:
		return 0
	}
}

// StringSlice returns m[key] as a []string, accepting both a native
// []string (built in-process) and a []interface{} of strings (decoded JSON).
func StringSlice(m map[string]interface{}, key string) []string {
	if m == nil {
		return nil
	}
	switch v := m[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Map returns m[key] as a map[string]interface{}, or nil if absent or of a
// different shape.
func Map(m map[string]interface{}, key string) map[string]interface{} {
	if m == nil {
		return nil
	}
	if v, ok := m[key].(map[string]interface{}); ok {
		return v
	}
	return nil
}

// Slice returns m[key] as a []interface{}, or nil if absent.
func Slice(m map[string]interface{}, key string) []interface{} {
	if m == nil {
		return nil
	}
	if v, ok := m[key].([]interface{}); ok {
		return v
	}
	return nil
}

// StringMapSlice returns m[key] as a slice of map[string]interface{},
// accepting both []map[string]interface{} (built in-process) and
// []interface{} of maps (decoded JSON).
func StringMapSlice(m map[string]interface{}, key string) []map[string]interface{} {
	if m == nil {
		return nil
	}
	switch v := m[key].(type) {
	case []map[string]interface{}:
		return v
	case []interface{}:
		out := make([]map[string]interface{}, 0, len(v))
		for _, item := range v {
			if mm, ok := item.(map[string]interface{}); ok {
				out = append(out, mm)
			}
		}
		return out
	default:
		return nil
	}
}
