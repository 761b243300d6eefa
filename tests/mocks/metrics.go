package mocks

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricValue returns the value of the counter or gauge called name whose labels
// include every pair in labels. Histograms report their sample count.
func MetricValue(g prometheus.Gatherer, name string, labels map[string]string) float64 {
	families, err := g.Gather()
	if err != nil {
		return -1
	}

	for _, family := range families {
		if family.GetName() != name {
			continue
		}
	metrics:
		for _, metric := range family.GetMetric() {
			matched := 0
			for _, label := range metric.GetLabel() {
				want, ok := labels[label.GetName()]
				if !ok {
					continue
				}
				if want != label.GetValue() {
					continue metrics
				}
				matched++
			}
			if matched != len(labels) {
				continue
			}
			switch {
			case metric.GetCounter() != nil:
				return metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				return metric.GetGauge().GetValue()
			case metric.GetHistogram() != nil:
				return float64(metric.GetHistogram().GetSampleCount())
			}
		}
	}
	return 0
}
