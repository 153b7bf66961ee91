package statestore

import "strconv"

// JSON payloads arrive as interface{} trees from encoding/json: maps,
// slices, float64, string, bool, nil. These helpers make the handler
// code in store.go tolerant of absent or mistyped fields rather than
// panicking on a type assertion.

func asMap(v interface{}) map[string]interface{} {
	m, _ := v.(map[string]interface{})
	return m
}

func asSlice(v interface{}) []interface{} {
	s, _ := v.([]interface{})
	return s
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func asInt(v interface{}) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case string:
		i, _ := strconv.Atoi(n)
		return i
	default:
		return 0
	}
}

func asFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case string:
		f, _ := strconv.ParseFloat(n, 64)
		return f
	default:
		return 0
	}
}

// firstInt returns asInt(v) if v is present and non-nil, else fallback.
func firstInt(v interface{}, fallback int) int {
	if v == nil {
		return fallback
	}
	return asInt(v)
}

// firstFloat returns asFloat(v) if v is present and non-nil, else fallback.
func firstFloat(v interface{}, fallback float64) float64 {
	if v == nil {
		return fallback
	}
	return asFloat(v)
}

func parseIntString(s string) int {
	i, _ := strconv.Atoi(s)
	return i
}
