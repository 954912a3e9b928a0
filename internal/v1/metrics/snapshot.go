package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Snapshot renders the signal_fish metric families as a JSON-friendly map.
// The Prometheus text exposition stays on /metrics/prom; this feeds the
// plain-JSON /metrics surface.
func Snapshot() (map[string]any, error) {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		return nil, err
	}

	out := make(map[string]any)
	for _, mf := range families {
		name := mf.GetName()
		if len(name) < len("signal_fish") || name[:len("signal_fish")] != "signal_fish" {
			continue
		}

		series := make([]map[string]any, 0, len(mf.GetMetric()))
		for _, m := range mf.GetMetric() {
			entry := map[string]any{}
			if labels := m.GetLabel(); len(labels) > 0 {
				lm := make(map[string]string, len(labels))
				for _, l := range labels {
					lm[l.GetName()] = l.GetValue()
				}
				entry["labels"] = lm
			}
			entry["value"] = metricValue(mf.GetType(), m)
			series = append(series, entry)
		}

		if len(series) == 1 {
			if _, hasLabels := series[0]["labels"]; !hasLabels {
				out[name] = series[0]["value"]
				continue
			}
		}
		out[name] = series
	}
	return out, nil
}

func metricValue(t dto.MetricType, m *dto.Metric) any {
	switch t {
	case dto.MetricType_GAUGE:
		return m.GetGauge().GetValue()
	case dto.MetricType_COUNTER:
		return m.GetCounter().GetValue()
	case dto.MetricType_HISTOGRAM:
		h := m.GetHistogram()
		return map[string]any{
			"count": h.GetSampleCount(),
			"sum":   h.GetSampleSum(),
		}
	default:
		return m.GetUntyped().GetValue()
	}
}
