package pg

import (
	"encoding/json"
	"time"
)

// --- Nullable helpers ---
// Same small pattern as the teacher's internal/store/pg/helpers.go.

func nilStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// --- JSON helpers ---

func jsonOrEmpty(data json.RawMessage) json.RawMessage {
	if data == nil {
		return json.RawMessage("{}")
	}
	return data
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
