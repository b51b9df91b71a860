// Package k6ext holds the glue between the extension and k6 internals.
package k6ext

import (
	"context"
	"time"

	k6lib "go.k6.io/k6/lib"
	k6metrics "go.k6.io/k6/metrics"
)

// CustomMetrics are the custom k6 metrics used by xk6-webdriver.
type CustomMetrics struct {
	ProcessStarts        *k6metrics.Metric
	ProcessStartDuration *k6metrics.Metric
	SessionOpenFailures  *k6metrics.Metric
}

// RegisterCustomMetrics creates and registers our custom metrics with the k6
// VU Registry and returns our internal struct pointer.
func RegisterCustomMetrics(registry *k6metrics.Registry) *CustomMetrics {
	return &CustomMetrics{
		ProcessStarts: registry.MustNewMetric(
			"webdriver_process_starts", k6metrics.Counter),
		ProcessStartDuration: registry.MustNewMetric(
			"webdriver_process_start_duration", k6metrics.Trend, k6metrics.Time),
		SessionOpenFailures: registry.MustNewMetric(
			"webdriver_session_open_failures", k6metrics.Counter),
	}
}

// PushIfNotDone is a helper function to push a sample to a channel if the
// context is not done. It returns true if the sample was pushed, false if the
// context was done.
func PushIfNotDone(ctx context.Context, output chan<- k6metrics.SampleContainer, sample k6metrics.SampleContainer) bool {
	select {
	case <-ctx.Done():
		return false
	case output <- sample:
		return true
	}
}

// PushSample pushes a single sample of m, tagged with the current VU tags.
// It does nothing outside of a VU iteration.
func PushSample(ctx context.Context, state *k6lib.State, m *k6metrics.Metric, value float64) bool {
	if state == nil || m == nil {
		return false
	}

	tm := state.Tags.GetCurrentValues()
	return PushIfNotDone(ctx, state.Samples, k6metrics.Sample{
		TimeSeries: k6metrics.TimeSeries{
			Metric: m,
			Tags:   tm.Tags,
		},
		Time:     time.Now(),
		Metadata: tm.Metadata,
		Value:    value,
	})
}

// DurationValue converts d to the value of a time trend sample.
func DurationValue(d time.Duration) float64 {
	return k6metrics.D(d)
}
