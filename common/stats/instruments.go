package stats

import (
	"time"

	"github.com/rcrowley/go-metrics"
)

type Counter interface {
	Inc(int64)
	Count() int64
}

type Gauge interface {
	Update(int64)
	Value() int64
}

type Latency interface {
	// Starts a measurement; concurrent measurements of one Latency are independent.
	Time() Latency
	Stop()
}

type counter struct{ metrics.Counter }

func newCounter() Counter { return counter{metrics.NewCounter()} }

type gauge struct{ metrics.Gauge }

func newGauge() Gauge { return gauge{metrics.NewGauge()} }

// Nanosecond samples in a uniform reservoir.
type latency struct {
	metrics.Histogram
	start time.Time
}

func newLatency() *latency {
	return &latency{Histogram: metrics.NewHistogram(metrics.NewUniformSample(1000))}
}

func (l *latency) Time() Latency { return &latency{Histogram: l.Histogram, start: Clock.Now()} }
func (l *latency) Stop()         { l.Update(Clock.Since(l.start).Nanoseconds()) }

type nilLatency struct{}

func (n nilLatency) Time() Latency { return n }
func (nilLatency) Stop()           {}

// Clock is what latencies read the time from. Tests replace it with NewFixedClock.
var Clock StatsClock = wallClock{}

type StatsClock interface {
	Now() time.Time
	Since(time.Time) time.Duration
}

type wallClock struct{}

func (wallClock) Now() time.Time                  { return time.Now() }
func (wallClock) Since(t time.Time) time.Duration { return time.Since(t) }

type fixedClock struct {
	now     time.Time
	elapsed time.Duration
}

func (c fixedClock) Now() time.Time                { return c.now }
func (c fixedClock) Since(time.Time) time.Duration { return c.elapsed }

// NewFixedClock returns a clock stuck at now, for which every measurement lasts elapsed.
func NewFixedClock(now time.Time, elapsed time.Duration) StatsClock {
	return fixedClock{now: now, elapsed: elapsed}
}

// WallClock is the default Clock.
func WallClock() StatsClock { return wallClock{} }
