package crawler

import (
	"errors"
	"time"

	"github.com/JakeFAU/zsxq-crawler/internal/zsxq"
)

// Mode selects the stop predicate of a crawl run.
type Mode string

// Crawl modes.
const (
	// ModeRange imports only topics inside [Start, End] and stops once a
	// page reaches past Start.
	ModeRange Mode = "range"
	// ModeIncremental continues history from the oldest stored topic for a
	// page budget.
	ModeIncremental Mode = "incremental"
	// ModeAll continues history from the oldest stored topic until the
	// feed is exhausted.
	ModeAll Mode = "all"
	// ModeLatest walks from the newest topic until it meets stored ones.
	ModeLatest Mode = "latest"
)

var (
	// ErrStopped is returned when a run observes a stop request.
	ErrStopped = errors.New("crawl stopped")
	// ErrRetriesExhausted is returned when a page keeps failing.
	ErrRetriesExhausted = errors.New("page retries exhausted")
	// ErrStoreFailing aborts a run after repeated storage failures.
	ErrStoreFailing = errors.New("storage keeps failing")
)

// Request describes one crawl run.
type Request struct {
	GroupID    int64
	Mode       Mode
	Credential zsxq.Credential
	PerPage    int
	// MaxPages bounds incremental runs; zero means unbounded.
	MaxPages int
	// Start and End bound ModeRange, inclusive.
	Start time.Time
	End   time.Time
	// Pacing overrides the engine defaults when non-zero.
	Pacing Pacing
}

// Result carries the structured counts of a run.
type Result struct {
	NewTopics     int    `json:"new_topics"`
	UpdatedTopics int    `json:"updated_topics"`
	Errors        int    `json:"errors"`
	Pages         int    `json:"pages"`
	Expired       bool   `json:"expired,omitempty"`
	Code          int    `json:"code,omitempty"`
	Message       string `json:"message,omitempty"`
}
