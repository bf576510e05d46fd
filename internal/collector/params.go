package collector

import (
	"strconv"
	"time"
)

// =============================================================================
// CONFIG PARAM HELPERS
// Provider adapters parse generic config maps with these. The first matching
// key wins; values may arrive as their native type or as strings.
// =============================================================================

// StringParam returns the first non-empty string value among keys.
func StringParam(config map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := config[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

// IntParam returns the first integer value among keys, or defaultVal.
func IntParam(config map[string]any, defaultVal int, keys ...string) int {
	for _, key := range keys {
		v, ok := config[key]
		if !ok {
			continue
		}
		switch n := v.(type) {
		case int:
			return n
		case int64:
			return int(n)
		case float64:
			return int(n)
		case string:
			if parsed, err := strconv.Atoi(n); err == nil {
				return parsed
			}
		}
	}
	return defaultVal
}

// DurationParam returns the first duration value among keys, or defaultVal.
// String values use time.ParseDuration syntax ("90s", "1m").
func DurationParam(config map[string]any, defaultVal time.Duration, keys ...string) time.Duration {
	for _, key := range keys {
		v, ok := config[key]
		if !ok {
			continue
		}
		switch d := v.(type) {
		case time.Duration:
			return d
		case int:
			return time.Duration(d) * time.Second
		case float64:
			return time.Duration(d) * time.Second
		case string:
			if parsed, err := time.ParseDuration(d); err == nil {
				return parsed
			}
		}
	}
	return defaultVal
}
