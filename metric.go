package nova

// Metric is an interface for collecting metrics by component packages.
type Metric interface {
	Observe(value float64, labels map[string]string)
}

var (
	// LabelOk/LabelErr are the label sets components attach when observing
	// the timespan of a successful/failed operation.
	LabelOk  = map[string]string{"result": "ok"}
	LabelErr = map[string]string{"result": "err"}
)

// A do-nothing Metric.
type noopMetricImpl struct{}

func (m *noopMetricImpl) Observe(value float64, labels map[string]string) {}

var noopMetric = &noopMetricImpl{}

// NoopMetric returns a Metric that discards every observation. It's the
// default of every Metric field in component Opts.
func NoopMetric() Metric { return noopMetric }
