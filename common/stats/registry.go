package stats

import (
	"encoding/json"
	"time"

	"github.com/rcrowley/go-metrics"
	log "github.com/sirupsen/logrus"
)

// NewFinagleStatsRegistry renders as a flat JSON object, latencies expanded into
// avg/count/max/min/sum and p50/p90/p99 keys in milliseconds.
func NewFinagleStatsRegistry() StatsRegistry {
	return &finagleRegistry{metrics.NewRegistry()}
}

type finagleRegistry struct {
	metrics.Registry
}

func (r *finagleRegistry) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.flatten())
}

func (r *finagleRegistry) marshalPretty() ([]byte, error) {
	return json.MarshalIndent(r.flatten(), "", "  ")
}

func (r *finagleRegistry) flatten() map[string]interface{} {
	out := map[string]interface{}{}
	r.Each(func(name string, metric interface{}) {
		switch m := metric.(type) {
		case *latency:
			flattenLatency(out, name, m.Snapshot())
		case Counter:
			out[name] = m.Count()
		case Gauge:
			out[name] = m.Value()
		default:
			log.Infof("Not rendering %s of type %T", name, metric)
		}
	})
	return out
}

var (
	percentiles      = []float64{0.5, 0.9, 0.99}
	percentileLabels = []string{"p50", "p90", "p99"}
)

func flattenLatency(out map[string]interface{}, name string, h metrics.Histogram) {
	ms := float64(time.Millisecond)
	out[name+".avg"] = h.Mean() / ms
	out[name+".count"] = h.Count()
	out[name+".max"] = h.Max() / int64(time.Millisecond)
	out[name+".min"] = h.Min() / int64(time.Millisecond)
	out[name+".sum"] = h.Sum() / int64(time.Millisecond)
	for i, v := range h.Percentiles(percentiles) {
		out[name+"."+percentileLabels[i]] = v / ms
	}
}

func render(registry StatsRegistry, pretty bool) []byte {
	var bytes []byte
	var err error
	if fr, ok := registry.(*finagleRegistry); ok && pretty {
		bytes, err = fr.marshalPretty()
	} else {
		bytes, err = json.Marshal(registry)
	}
	if err != nil {
		log.Errorf("Cannot render stats registry: %v", err)
		return []byte{}
	}
	return bytes
}
