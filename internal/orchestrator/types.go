// Package orchestrator is the top-level workflow state machine: it admits
// load-test executions under bounded concurrency, drives each through a
// fixed phase sequence with per-phase recovery, and aggregates cross-test
// progress.
package orchestrator

import (
	"time"

	"github.com/stokehq/stoke/internal/loadspec"
	"github.com/stokehq/stoke/internal/results"
)

// Status is a test execution's lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Config configures the orchestrator.
type Config struct {
	// MaxConcurrentTests bounds the running set
	MaxConcurrentTests int `json:"maxConcurrentTests" yaml:"maxConcurrentTests"`

	// DefaultTimeout bounds a whole execution when the caller's context
	// carries no deadline
	DefaultTimeout time.Duration `json:"defaultTimeout" yaml:"defaultTimeout"`

	// RetryAttempts is the default attempt budget for retry-type recovery
	// and for the retry engine built when none is injected. Zero falls
	// back to the package default.
	RetryAttempts int `json:"retryAttempts" yaml:"retryAttempts"`

	// HistoryLimit bounds the reporting history (FIFO eviction)
	HistoryLimit int `json:"historyLimit" yaml:"historyLimit"`

	// StepTimeout bounds each phase
	StepTimeout time.Duration `json:"stepTimeout" yaml:"stepTimeout"`

	// EnableWorkflowRecovery enables phase-level recovery strategies
	EnableWorkflowRecovery bool `json:"enableWorkflowRecovery" yaml:"enableWorkflowRecovery"`

	// MaxWorkflowRetries bounds retry-type recovery of the executing
	// phase. Zero falls back to RetryAttempts.
	MaxWorkflowRetries int `json:"maxWorkflowRetries" yaml:"maxWorkflowRetries"`

	// CompletedRetention is how long completed queue entries stay visible
	// before the background processor evicts them
	CompletedRetention time.Duration `json:"completedRetention" yaml:"completedRetention"`
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentTests:     3,
		DefaultTimeout:         30 * time.Minute,
		RetryAttempts:          2,
		HistoryLimit:           50,
		StepTimeout:            5 * time.Minute,
		EnableWorkflowRecovery: true,
		MaxWorkflowRetries:     2,
		CompletedRetention:     30 * time.Minute,
	}
}

// TestExecution is one run of one spec. Created on submission, mutated only
// by the orchestrator's phase loop and its background timers, moved to
// history on terminal transition.
type TestExecution struct {
	ID           string             `json:"id"`
	Spec         *loadspec.TestSpec `json:"-"`
	SpecName     string             `json:"specName"`
	Status       Status             `json:"status"`
	StartTime    time.Time          `json:"startTime,omitempty"`
	EndTime      time.Time          `json:"endTime,omitempty"`
	CurrentPhase string             `json:"currentPhase,omitempty"`
	Progress     float64            `json:"progress"`
	RetryCount   int                `json:"retryCount"`
	Errors       []string           `json:"errors,omitempty"`
	Warnings     []string           `json:"warnings,omitempty"`
	Workflow     *WorkflowState     `json:"workflow,omitempty"`

	submittedAt time.Time
	completedAt time.Time
}

// WorkflowState tracks multi-step spec runs: ordered step history plus the
// correlation map threading extracted values between steps.
type WorkflowState struct {
	Steps        []StepRecord      `json:"steps"`
	Correlations map[string]string `json:"correlations,omitempty"`
}

// StepRecord is one step's status within a workflow run.
type StepRecord struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// TestResult is the reported outcome of one execution.
type TestResult struct {
	ID        string           `json:"id"`
	SpecName  string           `json:"specName"`
	Status    Status           `json:"status"`
	StartTime time.Time        `json:"startTime"`
	EndTime   time.Time        `json:"endTime"`
	Duration  time.Duration    `json:"duration"`
	Progress  float64          `json:"progress"`
	Summary   *results.Summary `json:"summary,omitempty"`
	Workflow  *WorkflowState   `json:"workflow,omitempty"`
	Errors    []string         `json:"errors,omitempty"`
	Warnings  []string         `json:"warnings,omitempty"`
}

// QueueSnapshot is a point-in-time view of the execution queue.
type QueueSnapshot struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// AggregateProgress is the periodic cross-test progress view.
type AggregateProgress struct {
	RunningTests    int     `json:"runningTests"`
	PendingTests    int     `json:"pendingTests"`
	AverageProgress float64 `json:"averageProgress"`

	// CurrentTest and CurrentPhase identify the single running test, or
	// the representative (earliest-started) test when several run
	CurrentTest  string `json:"currentTest,omitempty"`
	CurrentPhase string `json:"currentPhase,omitempty"`

	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
