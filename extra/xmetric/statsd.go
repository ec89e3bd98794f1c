package xmetric

import (
	"sort"
	"strings"
	"time"

	"github.com/cactus/go-statsd-client/v5/statsd"
)

// StatsdMetric feeds nova.Metric observations into statsd, one bucket per
// label set. Each observation updates both a counter and a timer under
// <subPath>.<label values>, e.g. stats.pool.acquire.ok and
// stats.timers.pool.acquire.ok.
type StatsdMetric struct {
	Rate    float32
	statter statsd.SubStatter
}

func NewStatsdMetric(subPath string, statter statsd.Statter) *StatsdMetric {
	return &StatsdMetric{
		Rate:    1,
		statter: statter.NewSubStatter(subPath),
	}
}

func (m *StatsdMetric) Observe(value float64, labels map[string]string) {
	bucket := labelBucket(labels)
	m.statter.Inc(bucket, 1, m.Rate)
	m.statter.TimingDuration(bucket,
		time.Duration(value*float64(time.Second)), m.Rate)
}

// labelBucket flattens a label set into a stable dotted suffix: values
// joined in key order, so {"op": "join", "result": "ok"} becomes "join.ok".
func labelBucket(labels map[string]string) string {
	if len(labels) == 0 {
		return "all"
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	values := make([]string, len(keys))
	for i, k := range keys {
		values[i] = labels[k]
	}
	return strings.Join(values, ".")
}
