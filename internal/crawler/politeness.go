package crawler

import (
	"context"
	"fmt"
	"time"
)

// Pacing keeps request cadence under the platform's abuse thresholds.
type Pacing struct {
	IntervalMin   time.Duration
	IntervalMax   time.Duration
	LongSleepMin  time.Duration
	LongSleepMax  time.Duration
	PagesPerBatch int
}

// Validate checks interval ordering.
func (p Pacing) Validate() error {
	if p.IntervalMin < 0 || p.IntervalMin > p.IntervalMax {
		return fmt.Errorf("interval min must be >= 0 and <= interval max")
	}
	if p.LongSleepMin < 0 || p.LongSleepMin > p.LongSleepMax {
		return fmt.Errorf("long sleep min must be >= 0 and <= long sleep max")
	}
	if p.PagesPerBatch <= 0 {
		return fmt.Errorf("pages per batch must be > 0")
	}
	return nil
}

// Merge fills zero fields of p from defaults.
func (p Pacing) Merge(defaults Pacing) Pacing {
	if p.IntervalMin == 0 && p.IntervalMax == 0 {
		p.IntervalMin, p.IntervalMax = defaults.IntervalMin, defaults.IntervalMax
	}
	if p.LongSleepMin == 0 && p.LongSleepMax == 0 {
		p.LongSleepMin, p.LongSleepMax = defaults.LongSleepMin, defaults.LongSleepMax
	}
	if p.PagesPerBatch == 0 {
		p.PagesPerBatch = defaults.PagesPerBatch
	}
	return p
}

// Pacer applies the short delay after every unit of work and the long
// delay after every batch.
type Pacer struct {
	pacing Pacing
	clock  Clock
	log    LogFunc
	unit   string
}

// NewPacer builds a Pacer. unit names the counted work in log lines.
func NewPacer(pacing Pacing, clock Clock, log LogFunc, unit string) *Pacer {
	if log == nil {
		log = func(string) {}
	}
	return &Pacer{pacing: pacing, clock: clock, log: log, unit: unit}
}

// After sleeps once n units are done.
func (p *Pacer) After(ctx context.Context, n int) error {
	if p.pacing.PagesPerBatch > 0 && n%p.pacing.PagesPerBatch == 0 {
		d := between(p.pacing.LongSleepMin, p.pacing.LongSleepMax)
		p.log(fmt.Sprintf("💤 已完成 %d %s，长休眠 %.0f 秒", n, p.unit, d.Seconds()))
		return p.clock.Sleep(ctx, d)
	}
	return p.Short(ctx)
}

// Short sleeps for one short interval.
func (p *Pacer) Short(ctx context.Context) error {
	return p.clock.Sleep(ctx, between(p.pacing.IntervalMin, p.pacing.IntervalMax))
}

// between returns a uniform duration in [lo, hi].
func between(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + randomDuration(hi-lo+1)
}
