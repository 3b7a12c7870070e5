package tools

import (
	"math"

	"github.com/opsgate/opsgate/internal/operr"
)

// Parameter readers for decoded JSON params. JSON numbers arrive as float64;
// every mismatch is an invalid_argument carrying {parameter, value} details.

func badParam(key string, value any, want string) error {
	return operr.InvalidArgumentf("parameter %q must be %s", key, want).
		WithDetails(map[string]any{"parameter": key, "value": value})
}

func optFloat(params map[string]any, key string, def float64) (float64, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return def, nil
	}
	f, ok := v.(float64)
	if !ok {
		return 0, badParam(key, v, "a number")
	}
	return f, nil
}

func optInt(params map[string]any, key string, def int) (int, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return def, nil
	}
	f, ok := v.(float64)
	if !ok || f != math.Trunc(f) {
		return 0, badParam(key, v, "an integer")
	}
	return int(f), nil
}

func optString(params map[string]any, key, def string) (string, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", badParam(key, v, "a string")
	}
	return s, nil
}

func reqString(params map[string]any, key string) (string, error) {
	s, err := optString(params, key, "")
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", badParam(key, params[key], "a non-empty string")
	}
	return s, nil
}

func optStringSlice(params map[string]any, key string) ([]string, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return nil, nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil, badParam(key, v, "an array of strings")
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, badParam(key, v, "an array of strings")
		}
		out = append(out, s)
	}
	return out, nil
}
