// Package monitor observes sandboxed load-test executions: it samples
// container resource usage, enforces resource thresholds, estimates
// progress, and folds everything into one live snapshot stream per test.
package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/stokehq/stoke/internal/progress"
	"github.com/stokehq/stoke/internal/sandbox"
)

// ResourceThresholds are the breach limits the resource sampler enforces.
type ResourceThresholds struct {
	// MaxCPUPercent is the CPU usage ceiling in percent
	MaxCPUPercent float64 `json:"maxCpuUsage" yaml:"maxCpuUsage"`

	// MaxMemoryPercent is the memory ceiling as a percentage of
	// MemoryReferenceBytes
	MaxMemoryPercent float64 `json:"maxMemoryUsage" yaml:"maxMemoryUsage"`

	// MaxNetworkBytesPerSec is the combined rx+tx throughput ceiling
	MaxNetworkBytesPerSec float64 `json:"maxNetworkIO" yaml:"maxNetworkIO"`
}

// Config configures the monitor.
type Config struct {
	// UpdateInterval drives the stats and resource samplers
	UpdateInterval time.Duration `json:"updateInterval" yaml:"updateInterval"`

	// Thresholds are the resource breach limits
	Thresholds ResourceThresholds `json:"resourceThresholds" yaml:"resourceThresholds"`

	// GracePeriod is how long cancellation waits between the graceful stop
	// and the forced kill
	GracePeriod time.Duration `json:"gracePeriod" yaml:"gracePeriod"`

	// MemoryReferenceBytes is the fixed reference for memory-percentage
	// threshold checks
	MemoryReferenceBytes uint64 `json:"memoryReferenceBytes" yaml:"memoryReferenceBytes"`
}

// DefaultConfig returns the default monitor configuration.
func DefaultConfig() Config {
	return Config{
		UpdateInterval: 2 * time.Second,
		Thresholds: ResourceThresholds{
			MaxCPUPercent:         80,
			MaxMemoryPercent:      80,
			MaxNetworkBytesPerSec: 100 * 1024 * 1024,
		},
		GracePeriod:          5 * time.Second,
		MemoryReferenceBytes: 2 * 1024 * 1024 * 1024,
	}
}

// progressTick is the fixed progress-estimator interval.
const progressTick = time.Second

// defaultEstimate is assumed when a test has no duration estimate.
const defaultEstimate = 60 * time.Second

// Status is a point-in-time view of one monitored execution.
type Status struct {
	TestID      string
	SandboxID   string
	StartTime   time.Time
	Elapsed     time.Duration
	Progress    float64
	Resources   progress.ResourceUsage
	Warnings    []string
	LastSample  time.Time
	HasEstimate bool
}

// execContext is the monitor-owned per-test state. All mutation goes
// through its own mutex; test ids are independent.
type execContext struct {
	testID    string
	sandboxID string
	startTime time.Time
	estimate  time.Duration

	mu           sync.Mutex
	progress     float64
	resources    progress.ResourceUsage
	warnings     []string
	lastStats    *sandbox.StatsSnapshot
	lastSampleAt time.Time
	metrics      snapshotMetrics

	cancel context.CancelFunc
	wg     sync.WaitGroup
	out    chan progress.Snapshot
}

type snapshotMetrics struct {
	requestsDone   int64
	failedRequests int64
	currentRPS     float64
}

// Monitor observes running sandboxes, one per test id.
type Monitor struct {
	cfg    Config
	client sandbox.Client

	mu       sync.Mutex
	contexts map[string]*execContext
}

// New creates a monitor backed by the given runtime client.
func New(cfg Config, client sandbox.Client) *Monitor {
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = DefaultConfig().UpdateInterval
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultConfig().GracePeriod
	}
	if cfg.MemoryReferenceBytes == 0 {
		cfg.MemoryReferenceBytes = DefaultConfig().MemoryReferenceBytes
	}
	return &Monitor{
		cfg:      cfg,
		client:   client,
		contexts: make(map[string]*execContext),
	}
}

// StartMonitoring begins observing a sandbox for the given test and returns
// its snapshot stream. estimated may be 0 when no duration estimate exists.
// A ctx that is already done is refused: the samplers outlive ctx by
// design, so a caller that has already torn down must not register them.
func (m *Monitor) StartMonitoring(ctx context.Context, testID, sandboxID string, estimated time.Duration) (<-chan progress.Snapshot, error) {
	if testID == "" {
		return nil, fmt.Errorf("test id is required")
	}
	if sandboxID == "" {
		return nil, fmt.Errorf("sandbox id is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("monitoring not started for test %s: %w", testID, err)
	}

	m.mu.Lock()
	if _, exists := m.contexts[testID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("test %s is already being monitored", testID)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ec := &execContext{
		testID:    testID,
		sandboxID: sandboxID,
		startTime: time.Now(),
		estimate:  estimated,
		cancel:    cancel,
		out:       make(chan progress.Snapshot, 32),
	}
	m.contexts[testID] = ec
	m.mu.Unlock()

	// Three independent producers, one cancellation, one output stream.
	ec.wg.Add(3)
	go m.statsLoop(runCtx, ec)
	go m.resourceLoop(runCtx, ec)
	go m.progressLoop(runCtx, ec)

	go func() {
		ec.wg.Wait()
		close(ec.out)
	}()

	return ec.out, nil
}

// Monitoring reports whether the test currently has active samplers.
func (m *Monitor) Monitoring(testID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.contexts[testID]
	return ok
}

// StopMonitoring stops the samplers for a test and discards its context.
func (m *Monitor) StopMonitoring(testID string) error {
	m.mu.Lock()
	ec, ok := m.contexts[testID]
	if ok {
		delete(m.contexts, testID)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("test %s not found", testID)
	}
	ec.cancel()
	ec.wg.Wait()
	return nil
}

// CancelExecution terminates a monitored sandbox: graceful stop, a grace
// period, then a forced kill if the sandbox is still running, then resource
// release. Monitoring for the test always stops, whatever else fails.
func (m *Monitor) CancelExecution(ctx context.Context, testID string) error {
	m.mu.Lock()
	ec, ok := m.contexts[testID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("test %s not found", testID)
	}

	defer func() {
		_ = m.StopMonitoring(testID)
	}()

	if err := m.client.StopContainer(ctx, ec.sandboxID, m.cfg.GracePeriod); err != nil && !sandbox.IsNotFound(err) {
		ec.addWarning(fmt.Sprintf("graceful stop failed: %v", err))
		return fmt.Errorf("failed to stop sandbox for test %s: %w", testID, err)
	}

	// Give the sandbox its grace period before checking again.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.cfg.GracePeriod):
	}

	state, err := m.client.InspectContainer(ctx, ec.sandboxID)
	if err != nil && !sandbox.IsNotFound(err) {
		ec.addWarning(fmt.Sprintf("post-stop inspect failed: %v", err))
		return fmt.Errorf("failed to inspect sandbox for test %s: %w", testID, err)
	}
	if state != nil && state.Running {
		ec.addWarning("sandbox did not stop gracefully, forcing termination")
		if err := m.client.KillContainer(ctx, ec.sandboxID); err != nil && !sandbox.IsNotFound(err) {
			ec.addWarning(fmt.Sprintf("forced termination failed: %v", err))
			return fmt.Errorf("failed to kill sandbox for test %s: %w", testID, err)
		}
	}

	if err := m.client.RemoveContainer(ctx, ec.sandboxID); err != nil && !sandbox.IsNotFound(err) {
		ec.addWarning(fmt.Sprintf("sandbox removal failed: %v", err))
		return fmt.Errorf("failed to release sandbox for test %s: %w", testID, err)
	}
	return nil
}

// ActiveExecutions returns the monitored test ids, sorted.
func (m *Monitor) ActiveExecutions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.contexts))
	for id := range m.contexts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ExecutionStatus returns the current view of one monitored execution.
func (m *Monitor) ExecutionStatus(testID string) (*Status, error) {
	m.mu.Lock()
	ec, ok := m.contexts[testID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("test %s not found", testID)
	}

	ec.mu.Lock()
	defer ec.mu.Unlock()
	return &Status{
		TestID:      ec.testID,
		SandboxID:   ec.sandboxID,
		StartTime:   ec.startTime,
		Elapsed:     time.Since(ec.startTime),
		Progress:    ec.progress,
		Resources:   ec.resources,
		Warnings:    append([]string(nil), ec.warnings...),
		LastSample:  ec.lastSampleAt,
		HasEstimate: ec.estimate > 0,
	}, nil
}

func (ec *execContext) addWarning(w string) {
	ec.mu.Lock()
	ec.warnings = append(ec.warnings, w)
	ec.mu.Unlock()
}

// emit sends a full snapshot of the current context state. A full output
// buffer drops the emission; the next tick replaces it anyway.
func (ec *execContext) emit() {
	ec.mu.Lock()
	resources := ec.resources
	snap := progress.Snapshot{
		TestID:             ec.testID,
		Phase:              derivePhase(ec.progress),
		Progress:           ec.progress,
		RequestsDone:       ec.metrics.requestsDone,
		FailedRequests:     ec.metrics.failedRequests,
		CurrentRPS:         ec.metrics.currentRPS,
		EstimatedRemaining: estimatedRemaining(ec.estimate, time.Since(ec.startTime)),
		Resources:          &resources,
		Warnings:           append([]string(nil), ec.warnings...),
		Timestamp:          time.Now(),
	}
	ec.mu.Unlock()

	select {
	case ec.out <- snap:
	default:
	}
}

// derivePhase maps numeric progress onto a coarse execution phase.
func derivePhase(p float64) string {
	switch {
	case p < 10:
		return "starting"
	case p < 90:
		return "running"
	default:
		return "finishing"
	}
}

// estimatedRemaining returns seconds left, or -1 when no estimate applies.
func estimatedRemaining(estimate, elapsed time.Duration) float64 {
	if estimate <= 0 {
		return -1
	}
	remaining := (estimate - elapsed).Seconds()
	if remaining < 0 {
		return 0
	}
	return remaining
}
