package crawler

import (
	"fmt"
	"time"

	"github.com/JakeFAU/zsxq-crawler/internal/config"
)

// Settings captures every knob that shapes a crawl run.
type Settings struct {
	PerPage           int
	Pacing            Pacing
	TimestampOffset   time.Duration
	MaxRetriesPerPage int
	IncrementalPages  int
}

// SettingsFromConfig maps the crawl section of the service config.
func SettingsFromConfig(c config.CrawlConfig) Settings {
	return Settings{
		PerPage: c.PerPage,
		Pacing: Pacing{
			IntervalMin:   config.Seconds(c.IntervalMinSeconds),
			IntervalMax:   config.Seconds(c.IntervalMaxSeconds),
			LongSleepMin:  config.Seconds(c.LongSleepMinSeconds),
			LongSleepMax:  config.Seconds(c.LongSleepMaxSeconds),
			PagesPerBatch: c.PagesPerBatch,
		},
		TimestampOffset:   time.Duration(c.TimestampOffsetMs) * time.Millisecond,
		MaxRetriesPerPage: c.MaxRetriesPerPage,
		IncrementalPages:  c.IncrementalPages,
	}
}

// Validate checks for obviously bad combinations.
func (s Settings) Validate() error {
	if s.PerPage <= 0 {
		return fmt.Errorf("per page must be > 0")
	}
	if s.MaxRetriesPerPage <= 0 {
		return fmt.Errorf("max retries per page must be > 0")
	}
	if s.TimestampOffset <= 0 {
		return fmt.Errorf("timestamp offset must be > 0")
	}
	return s.Pacing.Validate()
}
