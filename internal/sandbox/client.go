// Package sandbox provides the container runtime client used to run and
// observe load-generator scripts in isolation.
package sandbox

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when the runtime has no container with the given id.
var ErrNotFound = errors.New("container not found")

// CreateOptions describes the sandbox a script runs in.
type CreateOptions struct {
	// Image is the load-generator image reference
	Image string

	// Name is the container name (derived from the test execution id)
	Name string

	// Cmd overrides the image entrypoint arguments
	Cmd []string

	// Env in KEY=value form
	Env []string

	// MemoryBytes caps container memory (0 = runtime default)
	MemoryBytes int64

	// CPUQuota is the CPU fraction the container may use (e.g. 1.5 = one
	// and a half cores; 0 = uncapped)
	CPUQuota float64

	// WallClockCap bounds the container's total run time. Enforced by the
	// driver, not the runtime.
	WallClockCap time.Duration

	// MaxVirtualUsers caps the concurrency the load generator may use,
	// passed through to the generator via its environment.
	MaxVirtualUsers int
}

// ContainerState is the observed state of a container.
type ContainerState struct {
	Running    bool
	Status     string
	ExitCode   int
	OOMKilled  bool
	StartedAt  time.Time
	FinishedAt time.Time
}

// StatsSnapshot carries the raw resource counters for one stats sample.
//
// CPU counters are cumulative; percentage is derived from the delta against
// the previous sample the runtime embeds in the same response.
type StatsSnapshot struct {
	// Current and previous cumulative CPU usage, and the host's cumulative
	// system CPU usage at both points
	CPUTotalUsage     uint64
	PreCPUTotalUsage  uint64
	SystemCPUUsage    uint64
	PreSystemCPUUsage uint64
	OnlineCPUs        int

	MemoryUsageBytes uint64
	MemoryLimitBytes uint64

	// Cumulative network totals across interfaces
	NetworkRxBytes uint64
	NetworkTxBytes uint64

	ReadAt time.Time
}

// Client is the container runtime surface the monitor and script runner use.
//
// Transport mechanics are an implementation concern; callers only rely on
// these operations and on ErrNotFound for missing containers.
type Client interface {
	// EnsureImage checks the image is present locally and pulls it if not.
	EnsureImage(ctx context.Context, ref string) error

	CreateContainer(ctx context.Context, opts CreateOptions) (string, error)
	StartContainer(ctx context.Context, id string) error

	// StopContainer sends a graceful stop, waiting up to timeout before the
	// runtime escalates on its own.
	StopContainer(ctx context.Context, id string, timeout time.Duration) error

	// KillContainer force-terminates immediately.
	KillContainer(ctx context.Context, id string) error

	RemoveContainer(ctx context.Context, id string) error

	InspectContainer(ctx context.Context, id string) (*ContainerState, error)

	// ContainerStats takes one stats sample.
	ContainerStats(ctx context.Context, id string) (*StatsSnapshot, error)

	// ContainerLogs returns the container's combined output so far.
	ContainerLogs(ctx context.Context, id string) ([]byte, error)
}
