package resilience

import (
	"context"
	"time"
)

// Probe checks one endpoint's health. Implementations return a nil error
// when the endpoint is usable.
type Probe func(ctx context.Context, endpoint string) error

// HealthStatus is the outcome of one health check.
type HealthStatus struct {
	Endpoint  string
	Healthy   bool
	Latency   time.Duration
	Error     *Classified
	CheckedAt time.Time
}

// PerformHealthCheck probes an endpoint under the engine's retry policy and
// classifies the final failure if the probe never succeeds.
func (e *Engine) PerformHealthCheck(ctx context.Context, probe Probe, endpoint string) HealthStatus {
	status := HealthStatus{Endpoint: endpoint, CheckedAt: time.Now()}

	start := time.Now()
	err := e.Do(ctx, "health_check:"+endpoint, func(ctx context.Context) error {
		return probe(ctx, endpoint)
	})
	status.Latency = time.Since(start)

	if err == nil {
		status.Healthy = true
		return status
	}
	if classified, ok := err.(*Classified); ok {
		status.Error = classified
	} else {
		status.Error = e.classifier.Classify(err, "health_check:"+endpoint)
	}
	return status
}
