package zsxq

import (
	"fmt"
	"strings"
	"time"
)

// TimeLayout is the platform's timestamp format, e.g. 2024-01-02T15:04:05.000+0800.
const TimeLayout = "2006-01-02T15:04:05.000-0700"

// Zone is the fixed UTC+8 zone of platform timestamps.
var Zone = time.FixedZone("CST", 8*60*60)

var parseLayouts = []string{
	TimeLayout,
	"2006-01-02T15:04:05.000-07:00",
	"2006-01-02T15:04:05-0700",
	time.RFC3339Nano,
}

// FormatTime renders t in the platform's zone and layout.
func FormatTime(t time.Time) string {
	return t.In(Zone).Format(TimeLayout)
}

// ParseTime accepts platform timestamps with either +0800 or +08:00 offsets.
func ParseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range parseLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("parse platform time %q", raw)
}
