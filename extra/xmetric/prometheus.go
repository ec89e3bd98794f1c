// Package xmetric adapts metrics backends to the nova.Metric interface.
package xmetric

import (
	"errors"

	prom "github.com/prometheus/client_golang/prometheus"
)

var ErrInvalidLabel = errors.New("invalid label")

// PromMetric feeds nova.Metric observations into a prometheus histogram
// vector. The dynamic label names are fixed at construction; every Observe
// must carry exactly those labels.
type PromMetric struct {
	histVec *prom.HistogramVec
}

// NewPromMetric registers a histogram vector on reg (pass
// prometheus.DefaultRegisterer in production). Label names declared in
// histOpts.ConstLabels cannot also be dynamic.
func NewPromMetric(reg prom.Registerer, histOpts prom.HistogramOpts,
	labelNames []string) (*PromMetric, error) {

	for name := range histOpts.ConstLabels {
		for _, dyn := range labelNames {
			if name == dyn {
				return nil, ErrInvalidLabel
			}
		}
	}
	histVec := prom.NewHistogramVec(histOpts, labelNames)
	if err := reg.Register(histVec); err != nil {
		return nil, err
	}
	return &PromMetric{histVec: histVec}, nil
}

// Observe records value under the given labels. Unknown label sets are
// dropped rather than panicking the caller's hot path.
func (m *PromMetric) Observe(value float64, labels map[string]string) {
	h, err := m.histVec.GetMetricWith(prom.Labels(labels))
	if err != nil {
		return
	}
	h.Observe(value)
}
