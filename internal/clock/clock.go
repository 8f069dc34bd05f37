package clock

import (
	"strings"
	"time"
)

// UTCNow returns the current instant in UTC, truncated to microseconds so the
// value round-trips through the timestamp columns unchanged.
func UTCNow() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// Normalize converts any timestamp to UTC. Zero values pass through.
func Normalize(value time.Time) time.Time {
	if value.IsZero() {
		return value
	}
	return value.UTC()
}

// ParseISO parses an ISO-8601 / RFC 3339 instant. It tolerates a trailing "Z",
// a numeric offset, or no offset at all (treated as UTC), matching the formats
// the upstream systems emit. Returns the zero time when the input is blank or
// unparsable.
func ParseISO(value string) time.Time {
	v := strings.TrimSpace(value)
	if v == "" {
		return time.Time{}
	}
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.999999",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// FormatISO renders an instant as RFC 3339 with microsecond precision in UTC.
func FormatISO(value time.Time) string {
	return value.UTC().Format("2006-01-02T15:04:05.999999Z07:00")
}
