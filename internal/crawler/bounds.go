package crawler

import (
	"fmt"
	"strings"
	"time"

	"github.com/JakeFAU/zsxq-crawler/internal/zsxq"
)

// DefaultWindow is the range used when no start bound is given.
const DefaultWindow = 30 * 24 * time.Hour

var boundLayouts = []string{
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02T15:04:05-0700",
	time.RFC3339Nano,
	time.RFC3339,
}

var naiveLayouts = []string{
	"2006-01-02",
	"2006-01-02T15:04",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseBound parses a user-supplied time. Inputs without an offset are
// read in the platform zone.
func ParseBound(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range boundLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, raw, zsxq.Zone); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time %q", raw)
}

// ResolveBounds derives the inclusive crawl window. Explicit bounds win;
// otherwise lastDays derives start from end; end defaults to now and start to end
// minus DefaultWindow. Inverted bounds are swapped.
func ResolveBounds(now time.Time, start, end string, lastDays int) (time.Time, time.Time, error) {
	var startT, endT time.Time
	var hasStart, hasEnd bool
	if strings.TrimSpace(start) != "" {
		t, err := ParseBound(start)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("start: %w", err)
		}
		startT, hasStart = t, true
	}
	if strings.TrimSpace(end) != "" {
		t, err := ParseBound(end)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("end: %w", err)
		}
		endT, hasEnd = t, true
	}
	if !hasEnd {
		endT = now
	}
	if !hasStart && lastDays > 0 {
		startT, hasStart = endT.Add(-time.Duration(lastDays)*24*time.Hour), true
	}
	if !hasStart {
		startT = endT.Add(-DefaultWindow)
	}
	if startT.After(endT) {
		startT, endT = endT, startT
	}
	return startT.In(zsxq.Zone), endT.In(zsxq.Zone), nil
}
