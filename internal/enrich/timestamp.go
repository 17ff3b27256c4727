package enrich

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Accepted timestamp layouts, most specific first. Layouts without a zone
// are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006/01/02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// epochMillisFloor separates epoch seconds from epoch milliseconds.
const epochMillisFloor = 100_000_000_000

// ParseTimestamp reads a timestamp in any of the formats the transaction
// table has historically carried: ISO-8601 with or without zone and
// fraction, "yyyy-MM-dd HH:mm:ss", "yyyy/MM/dd HH:mm:ss", or epoch seconds
// or milliseconds. The zone of the input is kept.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("enrich: empty timestamp")
	}

	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n >= epochMillisFloor || n <= -epochMillisFloor {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}

	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("enrich: unrecognized timestamp %q", s)
}
