// Package loadspec defines the load-test specification model and the
// collaborator contracts the orchestrator drives: spec validation, script
// generation, and script execution inside a sandbox.
package loadspec

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// TestSpec is the root specification for a single load test.
//
// A spec describes WHAT to test (target, steps) and the load shape to apply
// (virtual users, duration, ramp). Multi-step specs carry correlation rules
// that thread values extracted from one step's response into later steps.
//
// Example YAML:
//
//	name: "checkout flow"
//	target:
//	  baseUrl: "https://api.example.com"
//	load:
//	  vus: 25
//	  duration: 2m
//	steps:
//	  - name: "login"
//	    method: POST
//	    url: "{{baseUrl}}/login"
//	    extract:
//	      - name: token
//	        path: "auth.token"
//	  - name: "cart"
//	    method: GET
//	    url: "{{baseUrl}}/cart"
//	    headers:
//	      Authorization: "Bearer {{token}}"
type TestSpec struct {
	// Name of the test (for reporting)
	Name string `json:"name" yaml:"name"`

	// Description of the test (optional)
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Target describes the system under test
	Target TargetConfig `json:"target" yaml:"target"`

	// Load describes the load shape to apply
	Load LoadConfig `json:"load" yaml:"load"`

	// Steps are the requests each virtual user iterates through.
	// A spec with more than one step is a multi-step (workflow) spec.
	Steps []StepConfig `json:"steps" yaml:"steps"`

	// EstimatedDuration is an optional hint used for progress estimation
	EstimatedDuration string `json:"estimatedDuration,omitempty" yaml:"estimatedDuration,omitempty"`
}

// TargetConfig identifies the system under test.
type TargetConfig struct {
	// BaseURL is the default base URL for all steps
	BaseURL string `json:"baseUrl" yaml:"baseUrl"`

	// Headers are default headers applied to all steps
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	// InsecureSkipVerify skips TLS certificate verification in the generator
	InsecureSkipVerify bool `json:"insecureSkipVerify,omitempty" yaml:"insecureSkipVerify,omitempty"`
}

// LoadConfig describes the load shape.
type LoadConfig struct {
	// VUs is the number of virtual users
	VUs int `json:"vus" yaml:"vus"`

	// Duration is how long to run (e.g., "30s", "2m")
	Duration string `json:"duration" yaml:"duration"`

	// RampUp is an optional ramp-up period before full load
	RampUp string `json:"rampUp,omitempty" yaml:"rampUp,omitempty"`

	// MaxRPS caps the request rate (0 = uncapped)
	MaxRPS float64 `json:"maxRps,omitempty" yaml:"maxRps,omitempty"`
}

// StepConfig defines one request in the test workflow.
type StepConfig struct {
	Name    string            `json:"name" yaml:"name"`
	Method  string            `json:"method" yaml:"method"`
	URL     string            `json:"url" yaml:"url"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Body    string            `json:"body,omitempty" yaml:"body,omitempty"`

	// Extract defines correlation rules applied to this step's response
	Extract []CorrelationRule `json:"extract,omitempty" yaml:"extract,omitempty"`

	// ThinkTime is an optional pause after this step (e.g. "500ms")
	ThinkTime string `json:"thinkTime,omitempty" yaml:"thinkTime,omitempty"`
}

// CorrelationRule threads a value extracted from one step's response body
// into later steps, which reference it as {{name}}.
type CorrelationRule struct {
	// Name the extracted value is stored under
	Name string `json:"name" yaml:"name"`

	// Path is a gjson path into the response body
	Path string `json:"path" yaml:"path"`
}

// MultiStep reports whether this spec is a multi-step workflow spec.
func (s *TestSpec) MultiStep() bool {
	return len(s.Steps) > 1
}

// DurationValue parses the configured load duration, defaulting to 60s when
// unset or malformed input survived validation being skipped.
func (s *TestSpec) DurationValue() time.Duration {
	d, err := time.ParseDuration(s.Load.Duration)
	if err != nil || d <= 0 {
		return 60 * time.Second
	}
	return d
}

// EstimatedDurationValue parses the estimated-duration hint. A missing or
// unusable hint falls back to the configured load duration.
func (s *TestSpec) EstimatedDurationValue() time.Duration {
	if s.EstimatedDuration == "" {
		return s.DurationValue()
	}
	d, err := time.ParseDuration(s.EstimatedDuration)
	if err != nil || d <= 0 {
		return s.DurationValue()
	}
	return d
}

// LoadSpec reads and parses a test spec from a YAML file.
func LoadSpec(path string) (*TestSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read spec file: %w", err)
	}
	return ParseSpec(data)
}

// ParseSpec parses a test spec from YAML bytes.
func ParseSpec(data []byte) (*TestSpec, error) {
	var spec TestSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse spec: %w", err)
	}
	return &spec, nil
}

// Script is an executable load-test script produced by a Generator.
type Script struct {
	// SpecName is the name of the spec the script was generated from
	SpecName string `json:"specName"`

	// Content is the script source handed to the sandbox
	Content string `json:"content"`

	// Baseline is true when the script came from the fallback generator
	Baseline bool `json:"baseline,omitempty"`

	// GeneratedAt is when the script was produced
	GeneratedAt time.Time `json:"generatedAt"`
}

// RawResults is the unprocessed output of one sandboxed script run.
//
// Output is a stream of JSON lines emitted by the load generator; the
// results summarizer parses it. The orchestrator treats it as opaque.
type RawResults struct {
	Output     []byte        `json:"-"`
	ExitCode   int           `json:"exitCode"`
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt time.Time     `json:"finishedAt"`
	Duration   time.Duration `json:"duration"`
}

// ValidationResult is the outcome of validating a spec or script.
type ValidationResult struct {
	IsValid bool     `json:"isValid"`
	Errors  []string `json:"errors,omitempty"`
}

// ExecMetrics is one progress report from a running script execution.
type ExecMetrics struct {
	// Progress as reported by the load generator, 0-100
	Progress float64 `json:"progress"`

	// RequestsDone is the cumulative completed request count
	RequestsDone int64 `json:"requestsDone"`

	// FailedRequests is the cumulative failed request count
	FailedRequests int64 `json:"failedRequests"`

	// CurrentRPS is the most recently observed request rate
	CurrentRPS float64 `json:"currentRps"`

	Timestamp time.Time `json:"timestamp"`
}

// Validator validates a test spec before anything is generated from it.
type Validator interface {
	ValidateSpec(ctx context.Context, spec *TestSpec) (*ValidationResult, error)
}

// Generator produces an executable script from a validated spec.
type Generator interface {
	GenerateScript(ctx context.Context, spec *TestSpec) (*Script, error)
	ValidateScript(ctx context.Context, script *Script) (*ValidationResult, error)
}

// Executor runs a generated script and reports on its execution.
//
// Implementations are sandbox drivers: they start the load generator in an
// isolated environment, surface its progress stream, and can stop it early.
type Executor interface {
	// ExecuteScript runs the script to completion and returns its raw output.
	ExecuteScript(ctx context.Context, script *Script) (*RawResults, error)

	// MonitorExecution returns the execution's live metrics stream.
	// The channel is closed when the execution ends.
	MonitorExecution() <-chan ExecMetrics

	// StopExecution asks the running script to stop.
	StopExecution(ctx context.Context) error

	// SandboxID identifies the sandbox the script runs in, empty until
	// ExecuteScript has started one.
	SandboxID() string
}
