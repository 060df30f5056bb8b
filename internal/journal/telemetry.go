package journal

import "glass-frontier/hub/internal/telemetry"

type metricsTelemetry struct {
	metrics telemetry.Metrics
}

// MetricsTelemetry reports journal drops as counters.
func MetricsTelemetry(metrics telemetry.Metrics) Telemetry {
	if metrics == nil {
		return nil
	}
	return metricsTelemetry{metrics: metrics}
}

func (t metricsTelemetry) RecordJournalDrop(metric string) {
	t.metrics.Add(metric, 1)
}
