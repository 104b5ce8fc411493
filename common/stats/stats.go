// Package stats gives coordinator components a scoped view of one go-metrics
// registry. Components receive a StatsReceiver already scoped to them, create
// counters, gauges and latencies by name, and drop everything below a scope
// when the object it measures goes away (a closed job, for instance).
//
// Names are '/' separated. Scope elements containing '/' are escaped as
// "_SLASH_" so user supplied job names cannot create extra levels.
package stats

import (
	"strings"

	"github.com/rcrowley/go-metrics"
)

// StatsRegistry is the subset of metrics.Registry the receivers need.
type StatsRegistry interface {
	// Returns the metric registered under name, registering the given metric
	// (or the result of calling it, when it is a constructor) first if absent.
	GetOrRegister(name string, metric interface{}) interface{}

	Unregister(name string)

	Each(func(name string, metric interface{}))
}

type StatsReceiver interface {
	// Returns a receiver whose names are prefixed with scope.
	//
	//   stat.Scope("host", "slotpool").Counter("offers")  // is the same as
	//   stat.Counter("host", "slotpool", "offers")
	//
	Scope(scope ...string) StatsReceiver

	Counter(name ...string) Counter

	Gauge(name ...string) Gauge

	// Durations between Time() and Stop(), rendered in milliseconds.
	Latency(name ...string) Latency

	// Unregisters every instrument at or below this receiver's scope.
	RemoveAll()

	// Renders the whole registry as JSON.
	Render(pretty bool) []byte
}

// Backed by a plain go-metrics registry.
func DefaultStatsReceiver() StatsReceiver {
	return NewCustomStatsReceiver(nil)
}

// Backed by the registry makeRegistry returns, metrics.NewRegistry when nil.
// Tests pass NewFinagleStatsRegistry so they can check values with VerifyStats.
func NewCustomStatsReceiver(makeRegistry func() StatsRegistry) StatsReceiver {
	var registry StatsRegistry
	if makeRegistry == nil {
		registry = metrics.NewRegistry()
	} else {
		registry = makeRegistry()
	}
	return &scopedReceiver{registry: registry}
}

type scopedReceiver struct {
	registry StatsRegistry
	path     []string
}

func (s *scopedReceiver) Scope(scope ...string) StatsReceiver {
	return &scopedReceiver{registry: s.registry, path: s.join(scope)}
}

func (s *scopedReceiver) Counter(name ...string) Counter {
	return s.registry.GetOrRegister(s.name(name), newCounter).(Counter)
}

func (s *scopedReceiver) Gauge(name ...string) Gauge {
	return s.registry.GetOrRegister(s.name(name), newGauge).(Gauge)
}

func (s *scopedReceiver) Latency(name ...string) Latency {
	return s.registry.GetOrRegister(s.name(name), newLatency()).(Latency)
}

func (s *scopedReceiver) RemoveAll() {
	prefix := strings.Join(s.path, "/")
	var doomed []string
	s.registry.Each(func(name string, _ interface{}) {
		if prefix == "" || name == prefix || strings.HasPrefix(name, prefix+"/") {
			doomed = append(doomed, name)
		}
	})
	for _, name := range doomed {
		s.registry.Unregister(name)
	}
}

func (s *scopedReceiver) Render(pretty bool) []byte {
	return render(s.registry, pretty)
}

// Copies the path so sibling scopes never share a backing array.
func (s *scopedReceiver) join(elems []string) []string {
	path := make([]string, len(s.path), len(s.path)+len(elems))
	copy(path, s.path)
	for _, e := range elems {
		path = append(path, strings.ReplaceAll(e, "/", "_SLASH_"))
	}
	return path
}

func (s *scopedReceiver) name(elems []string) string {
	return strings.Join(s.join(elems), "/")
}

// NilStatsReceiver discards everything.
func NilStatsReceiver() StatsReceiver {
	return nilReceiver{}
}

type nilReceiver struct{}

func (n nilReceiver) Scope(...string) StatsReceiver { return n }
func (nilReceiver) Counter(...string) Counter       { return counter{metrics.NilCounter{}} }
func (nilReceiver) Gauge(...string) Gauge           { return gauge{metrics.NilGauge{}} }
func (nilReceiver) Latency(...string) Latency       { return nilLatency{} }
func (nilReceiver) RemoveAll()                      {}
func (nilReceiver) Render(bool) []byte              { return []byte{} }
