package sandbox

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/stokehq/stoke/internal/loadspec"
)

// RunnerConfig configures script execution sandboxes.
type RunnerConfig struct {
	// Image is the load-generator image to run plans with
	Image string

	// MemoryBytes caps sandbox memory
	MemoryBytes int64

	// CPUQuota is the CPU fraction granted to the sandbox
	CPUQuota float64

	// WallClockCap bounds total sandbox run time
	WallClockCap time.Duration

	// MaxVirtualUsers caps generator concurrency
	MaxVirtualUsers int

	// PollInterval is how often the runner inspects the sandbox and
	// refreshes the metrics stream
	PollInterval time.Duration
}

// DefaultRunnerConfig returns the default runner configuration.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		Image:           "ghcr.io/stokehq/stokegen:latest",
		MemoryBytes:     512 * 1024 * 1024,
		CPUQuota:        2.0,
		WallClockCap:    30 * time.Minute,
		MaxVirtualUsers: 500,
		PollInterval:    time.Second,
	}
}

// ScriptRunner executes one generated script in a sandbox container.
//
// It implements loadspec.Executor. A runner is single-use: create one per
// execution.
type ScriptRunner struct {
	client Client
	cfg    RunnerConfig
	name   string

	mu          sync.Mutex
	containerID string
	stopped     bool

	metricsCh chan loadspec.ExecMetrics
}

// NewScriptRunner creates a runner for one execution. name becomes the
// sandbox container name.
func NewScriptRunner(client Client, cfg RunnerConfig, name string) *ScriptRunner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &ScriptRunner{
		client:    client,
		cfg:       cfg,
		name:      name,
		metricsCh: make(chan loadspec.ExecMetrics, 16),
	}
}

// SandboxID returns the sandbox container id, empty before execution starts.
func (r *ScriptRunner) SandboxID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.containerID
}

// MonitorExecution returns the live metrics stream for this execution.
func (r *ScriptRunner) MonitorExecution() <-chan loadspec.ExecMetrics {
	return r.metricsCh
}

// ExecuteScript runs the script to completion inside a sandbox container
// and returns the generator's raw output.
func (r *ScriptRunner) ExecuteScript(ctx context.Context, script *loadspec.Script) (*loadspec.RawResults, error) {
	defer close(r.metricsCh)

	if script == nil || script.Content == "" {
		return nil, fmt.Errorf("cannot execute empty script")
	}

	if err := r.client.EnsureImage(ctx, r.cfg.Image); err != nil {
		return nil, fmt.Errorf("failed to ensure sandbox image: %w", err)
	}

	id, err := r.client.CreateContainer(ctx, CreateOptions{
		Image:           r.cfg.Image,
		Name:            r.name,
		Env:             []string{"STOKE_PLAN=" + script.Content},
		MemoryBytes:     r.cfg.MemoryBytes,
		CPUQuota:        r.cfg.CPUQuota,
		WallClockCap:    r.cfg.WallClockCap,
		MaxVirtualUsers: r.cfg.MaxVirtualUsers,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox: %w", err)
	}
	r.mu.Lock()
	r.containerID = id
	r.mu.Unlock()

	// The sandbox survives an early return only long enough to be removed.
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = r.client.RemoveContainer(rmCtx, id)
	}()

	started := time.Now()
	if err := r.client.StartContainer(ctx, id); err != nil {
		return nil, fmt.Errorf("failed to start sandbox: %w", err)
	}

	if err := r.waitForExit(ctx, id, started); err != nil {
		return nil, err
	}

	state, err := r.client.InspectContainer(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect finished sandbox: %w", err)
	}
	output, err := r.client.ContainerLogs(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to collect sandbox output: %w", err)
	}

	results := &loadspec.RawResults{
		Output:     output,
		ExitCode:   state.ExitCode,
		StartedAt:  started,
		FinishedAt: time.Now(),
	}
	results.Duration = results.FinishedAt.Sub(results.StartedAt)

	if state.OOMKilled {
		return results, fmt.Errorf("sandbox was killed: out of memory")
	}
	if r.wasStopped() {
		return results, fmt.Errorf("execution stopped")
	}
	if state.ExitCode != 0 {
		return results, fmt.Errorf("load generator exited with code %d", state.ExitCode)
	}
	return results, nil
}

// waitForExit polls the sandbox until it stops, the wall-clock cap fires,
// or ctx is cancelled. Each poll also refreshes the metrics stream from the
// generator's progress lines.
func (r *ScriptRunner) waitForExit(ctx context.Context, id string, started time.Time) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			_ = r.client.StopContainer(stopCtx, id, 10*time.Second)
			cancel()
			return ctx.Err()
		case <-ticker.C:
		}

		state, err := r.client.InspectContainer(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to inspect sandbox: %w", err)
		}
		if !state.Running {
			return nil
		}

		r.publishProgress(ctx, id)

		if r.cfg.WallClockCap > 0 && time.Since(started) > r.cfg.WallClockCap {
			_ = r.client.StopContainer(ctx, id, 10*time.Second)
			return fmt.Errorf("execution exceeded wall-clock cap of %s", r.cfg.WallClockCap)
		}
	}
}

// publishProgress parses the generator's latest progress line and pushes it
// onto the metrics stream. A missed update is dropped rather than blocking
// the poll loop.
func (r *ScriptRunner) publishProgress(ctx context.Context, id string) {
	logs, err := r.client.ContainerLogs(ctx, id)
	if err != nil || len(logs) == 0 {
		return
	}

	line, ok := lastProgressLine(logs)
	if !ok {
		return
	}

	m := loadspec.ExecMetrics{
		Progress:       gjson.Get(line, "progress").Float(),
		RequestsDone:   gjson.Get(line, "requests").Int(),
		FailedRequests: gjson.Get(line, "failed").Int(),
		CurrentRPS:     gjson.Get(line, "rps").Float(),
		Timestamp:      time.Now(),
	}
	select {
	case r.metricsCh <- m:
	default:
	}
}

// lastProgressLine finds the most recent {"type":"progress",...} line in
// the generator output.
func lastProgressLine(logs []byte) (string, bool) {
	lines := strings.Split(string(logs), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" || !gjson.Valid(line) {
			continue
		}
		if gjson.Get(line, "type").String() == "progress" {
			return line, true
		}
	}
	return "", false
}

// StopExecution asks the running sandbox to stop gracefully.
func (r *ScriptRunner) StopExecution(ctx context.Context) error {
	r.mu.Lock()
	id := r.containerID
	r.stopped = true
	r.mu.Unlock()

	if id == "" {
		return fmt.Errorf("no execution to stop")
	}
	if err := r.client.StopContainer(ctx, id, 10*time.Second); err != nil && !IsNotFound(err) {
		return fmt.Errorf("failed to stop sandbox: %w", err)
	}
	return nil
}

func (r *ScriptRunner) wasStopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}
