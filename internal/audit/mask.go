package audit

import "strings"

// sensitivePatterns are matched as substrings of lowercased keys. Both
// api_key and apikey appear so either spelling trips the filter.
var sensitivePatterns = []string{
	"token",
	"password",
	"secret",
	"api_key",
	"apikey",
	"secret_key",
	"private_key",
	"credential",
	"auth",
}

// maskThreshold separates long strings, which keep their first and last two
// characters, from short ones, which are fully replaced.
const maskThreshold = 8

// Sensitive reports whether a key names a value that must not be written out.
func Sensitive(key string) bool {
	k := strings.ToLower(key)
	for _, p := range sensitivePatterns {
		if strings.Contains(k, p) {
			return true
		}
	}
	return false
}

// Mask returns a copy of v with every value under a sensitive key replaced.
// It recurses into maps and slices and never mutates its input.
func Mask(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			if Sensitive(k) {
				out[k] = maskValue(item)
			} else {
				out[k] = Mask(item)
			}
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Mask(item)
		}
		return out
	default:
		return v
	}
}

func maskValue(v any) any {
	s, ok := v.(string)
	if !ok {
		return "<masked>"
	}
	r := []rune(s)
	if len(r) < maskThreshold {
		return "<masked>"
	}
	return string(r[:2]) + "…" + string(r[len(r)-2:])
}
