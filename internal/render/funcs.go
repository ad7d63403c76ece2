package render

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"text/template"
	"time"
)

// dateLayouts are the input formats accepted by the date helpers, tried in
// order. First match wins.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"02/01/2006",
}

// builtins returns the fixed helper surface exposed to templates. Templates
// get string utilities, date parsing/formatting, and numeric coercion; they
// cannot reach the filesystem, the network, or any persisted state.
func builtins() template.FuncMap {
	return template.FuncMap{
		"trim":  strings.TrimSpace,
		"upper": strings.ToUpper,
		"lower": strings.ToLower,
		"default": func(def string, v any) any {
			if v == nil {
				return def
			}
			if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
				return def
			}
			return v
		},
		"date": func(layout string, v any) string {
			t, ok := parseTime(v)
			if !ok {
				return ""
			}
			return t.Format(layout)
		},
		"num": func(v any) float64 {
			f, _ := toFloat(v)
			return f
		},
		"int": func(v any) int64 {
			f, _ := toFloat(v)
			return int64(f)
		},
		"json": func(v any) (string, error) {
			b, err := json.Marshal(v)
			if err != nil {
				return "", fmt.Errorf("json helper: %w", err)
			}
			return string(b), nil
		},
	}
}

// parseTime coerces v to a time.Time using the known layouts.
func parseTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range dateLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}

// toFloat coerces JSON scalar values to a float64.
func toFloat(v any) (float64, bool) {
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
	default:
		return 0, false
	}
}
