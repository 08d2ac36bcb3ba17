package ledger

import (
	"encoding/json"
	"strings"
)

// DefaultMaxBodyBytes caps request/response snapshots.
const DefaultMaxBodyBytes = 64 << 10

const truncatedSuffix = "...[truncated]"

// BodySnapshot copies b into a JSON value suitable for a Record. Valid JSON
// within the limit is kept verbatim; anything else is stored as a JSON
// string, truncated to maxBytes. Empty input yields nil (JSON null).
func BodySnapshot(b []byte, maxBytes int) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBodyBytes
	}
	if len(b) <= maxBytes && json.Valid(b) {
		out := make([]byte, len(b))
		copy(out, b)
		return out
	}
	s := string(b)
	if len(s) > maxBytes {
		s = s[:maxBytes] + truncatedSuffix
	}
	out, _ := json.Marshal(s)
	return out
}

var sensitiveHeaders = map[string]bool{
	"authorization": true,
	"api-key":       true,
	"x-api-key":     true,
	"cookie":        true,
}

// RedactHeaders returns a copy of h with credential headers masked.
func RedactHeaders(h map[string]string) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		if sensitiveHeaders[strings.ToLower(k)] {
			out[k] = "***"
			continue
		}
		out[k] = v
	}
	return out
}
