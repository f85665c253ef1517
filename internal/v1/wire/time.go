package wire

import "time"

// TimestampFormat is the on-wire timestamp layout: RFC 3339 in UTC with
// nanosecond precision where available.
const TimestampFormat = time.RFC3339Nano

// FormatTimestamp renders t for the wire.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampFormat)
}

// Now returns the current wall clock rendered for the wire.
func Now() string {
	return FormatTimestamp(time.Now())
}

// ParseTimestamp parses a wire timestamp. It accepts RFC 3339 with or
// without fractional seconds.
func ParseTimestamp(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
