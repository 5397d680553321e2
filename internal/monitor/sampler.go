package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/stokehq/stoke/internal/progress"
	"github.com/stokehq/stoke/internal/sandbox"
)

// statsLoop samples raw container counters at the configured interval and
// folds them into the context's resource view. One failed sample is a
// warning, not a stop: the stream keeps going.
func (m *Monitor) statsLoop(ctx context.Context, ec *execContext) {
	defer ec.wg.Done()
	ticker := time.NewTicker(m.cfg.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		snap, err := m.client.ContainerStats(ctx, ec.sandboxID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			ec.addWarning(fmt.Sprintf("stats sample failed: %v", err))
			ec.emit()
			continue
		}

		ec.mu.Lock()
		usage := progress.ResourceUsage{
			CPUPercent:     CalculateCPUPercent(snap),
			MemoryBytes:    snap.MemoryUsageBytes,
			NetworkRxBytes: snap.NetworkRxBytes,
			NetworkTxBytes: snap.NetworkTxBytes,
		}
		if m.cfg.MemoryReferenceBytes > 0 {
			usage.MemoryPercent = float64(snap.MemoryUsageBytes) / float64(m.cfg.MemoryReferenceBytes) * 100
		}
		if prev := ec.lastStats; prev != nil {
			usage.NetworkRate = networkRate(prev, snap)
		}
		ec.resources = usage
		ec.lastStats = snap
		ec.lastSampleAt = time.Now()
		ec.mu.Unlock()

		ec.emit()
	}
}

// resourceLoop compares the latest usage against the configured thresholds
// at the same interval as the stats sampler. Every observed breach appends
// a warning naming the observed value and the threshold.
func (m *Monitor) resourceLoop(ctx context.Context, ec *execContext) {
	defer ec.wg.Done()
	ticker := time.NewTicker(m.cfg.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		ec.mu.Lock()
		usage := ec.resources
		sampled := ec.lastStats != nil
		ec.mu.Unlock()
		if !sampled {
			continue
		}

		if breached := m.checkThresholds(usage); len(breached) > 0 {
			for _, w := range breached {
				ec.addWarning(w)
			}
			ec.emit()
		}
	}
}

// progressLoop estimates progress on a fixed 1s tick. The estimate is
// capped at 95 so completion only ever comes from the execution itself.
func (m *Monitor) progressLoop(ctx context.Context, ec *execContext) {
	defer ec.wg.Done()
	ticker := time.NewTicker(progressTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		estimate := ec.estimate
		if estimate <= 0 {
			estimate = defaultEstimate
		}
		estimated := time.Since(ec.startTime).Seconds() / estimate.Seconds() * 100
		if estimated > 95 {
			estimated = 95
		}

		ec.mu.Lock()
		// Progress never regresses: the generator's own reports win when
		// they are ahead of the estimate.
		if estimated > ec.progress {
			ec.progress = estimated
		}
		ec.mu.Unlock()

		ec.emit()
	}
}

// ObserveMetrics folds an execution's own progress report into the
// monitored view. Progress only moves forward.
func (m *Monitor) ObserveMetrics(testID string, reported float64, requestsDone, failedRequests int64, rps float64) {
	m.mu.Lock()
	ec, ok := m.contexts[testID]
	m.mu.Unlock()
	if !ok {
		return
	}

	ec.mu.Lock()
	if reported > ec.progress {
		ec.progress = reported
	}
	ec.metrics = snapshotMetrics{
		requestsDone:   requestsDone,
		failedRequests: failedRequests,
		currentRPS:     rps,
	}
	ec.mu.Unlock()
	ec.emit()
}

// checkThresholds returns one warning per breached threshold.
func (m *Monitor) checkThresholds(usage progress.ResourceUsage) []string {
	var warnings []string
	t := m.cfg.Thresholds

	if t.MaxCPUPercent > 0 && usage.CPUPercent > t.MaxCPUPercent {
		warnings = append(warnings, fmt.Sprintf(
			"High CPU usage: %.1f%% (threshold %.1f%%)", usage.CPUPercent, t.MaxCPUPercent))
	}
	if t.MaxMemoryPercent > 0 && usage.MemoryPercent > t.MaxMemoryPercent {
		warnings = append(warnings, fmt.Sprintf(
			"High memory usage: %.1f%% (threshold %.1f%%)", usage.MemoryPercent, t.MaxMemoryPercent))
	}
	if t.MaxNetworkBytesPerSec > 0 && usage.NetworkRate > t.MaxNetworkBytesPerSec {
		warnings = append(warnings, fmt.Sprintf(
			"High network throughput: %.0f B/s (threshold %.0f B/s)", usage.NetworkRate, t.MaxNetworkBytesPerSec))
	}
	return warnings
}

// CalculateCPUPercent derives instantaneous CPU usage from one raw stats
// sample: cpuDelta/systemDelta scaled by the online CPU count. Either delta
// going non-positive yields zero.
func CalculateCPUPercent(s *sandbox.StatsSnapshot) float64 {
	if s == nil {
		return 0
	}
	cpuDelta := int64(s.CPUTotalUsage) - int64(s.PreCPUTotalUsage)
	systemDelta := int64(s.SystemCPUUsage) - int64(s.PreSystemCPUUsage)
	if cpuDelta <= 0 || systemDelta <= 0 {
		return 0
	}
	cpus := s.OnlineCPUs
	if cpus <= 0 {
		cpus = 1
	}
	return float64(cpuDelta) / float64(systemDelta) * float64(cpus) * 100
}

// networkRate computes combined rx+tx throughput between two samples.
func networkRate(prev, cur *sandbox.StatsSnapshot) float64 {
	elapsed := cur.ReadAt.Sub(prev.ReadAt).Seconds()
	if elapsed <= 0 {
		return 0
	}
	rx := int64(cur.NetworkRxBytes) - int64(prev.NetworkRxBytes)
	tx := int64(cur.NetworkTxBytes) - int64(prev.NetworkTxBytes)
	if rx < 0 {
		rx = 0
	}
	if tx < 0 {
		tx = 0
	}
	return float64(rx+tx) / elapsed
}
