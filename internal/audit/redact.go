package audit

import (
	"regexp"
)

// Redacted replaces any detail value that is not identifier-like
const Redacted = "[redacted]"

// DetailsRedactedKey flags an event whose details were scrubbed
const DetailsRedactedKey = "details_redacted"

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_.:/-]{0,128}$`)

// RedactDetails returns a copy of details in which free-text values are replaced.
// Allowed values are booleans, numbers, identifier strings and lists of identifier strings.
func RedactDetails(details map[string]any) map[string]any {
	if details == nil {
		return nil
	}
	out := make(map[string]any, len(details))
	redacted := false
	for k, v := range details {
		if k == DetailsRedactedKey {
			continue
		}
		safe, ok := sanitizeValue(v)
		if !ok {
			redacted = true
			out[k] = Redacted
			continue
		}
		out[k] = safe
	}
	if redacted || details[DetailsRedactedKey] == true {
		out[DetailsRedactedKey] = true
	}
	return out
}

func sanitizeValue(v any) (any, bool) {
	switch val := v.(type) {
	case nil, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return val, true
	case string:
		return val, identifierPattern.MatchString(val)
	case []string:
		out := make([]string, len(val))
		for i, s := range val {
			if !identifierPattern.MatchString(s) {
				return nil, false
			}
			out[i] = s
		}
		return out, true
	case interface{ String() string }:
		s := val.String()
		return s, identifierPattern.MatchString(s)
	default:
		return nil, false
	}
}
