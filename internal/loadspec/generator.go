package loadspec

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

// scriptPlan is the wire form of a generated script: a JSON execution plan
// interpreted by the load-generator image running in the sandbox. The plan
// format is the only contract between generator and generator image; the
// orchestrator never looks inside it.
type scriptPlan struct {
	Name     string     `json:"name"`
	VUs      int        `json:"vus"`
	Duration string     `json:"duration"`
	RampUp   string     `json:"rampUp,omitempty"`
	MaxRPS   float64    `json:"maxRps,omitempty"`
	Insecure bool       `json:"insecure,omitempty"`
	Steps    []planStep `json:"steps"`

	// Report knobs for the generator image
	SampleOutput   bool `json:"sampleOutput"`
	ProgressOutput bool `json:"progressOutput"`
}

type planStep struct {
	Name      string            `json:"name"`
	Method    string            `json:"method"`
	URL       string            `json:"url"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      string            `json:"body,omitempty"`
	Extract   []CorrelationRule `json:"extract,omitempty"`
	ThinkTime string            `json:"thinkTime,omitempty"`
}

// PlanGenerator generates execution-plan scripts from validated specs.
//
// Base-URL references are resolved at generation time; per-iteration
// correlation references stay in the plan for the load generator to resolve
// against live responses.
type PlanGenerator struct{}

// NewPlanGenerator creates a plan generator.
func NewPlanGenerator() *PlanGenerator {
	return &PlanGenerator{}
}

// GenerateScript produces an execution plan from the spec.
func (g *PlanGenerator) GenerateScript(ctx context.Context, spec *TestSpec) (*Script, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if spec == nil {
		return nil, fmt.Errorf("cannot generate script from nil spec")
	}
	if len(spec.Steps) == 0 {
		return nil, fmt.Errorf("cannot generate script: spec %q has no steps", spec.Name)
	}

	plan := g.buildPlan(spec)
	content, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode execution plan: %w", err)
	}

	return &Script{
		SpecName:    spec.Name,
		Content:     string(content),
		GeneratedAt: time.Now(),
	}, nil
}

func (g *PlanGenerator) buildPlan(spec *TestSpec) scriptPlan {
	baseVals := map[string]string{"baseUrl": spec.Target.BaseURL}

	plan := scriptPlan{
		Name:           spec.Name,
		VUs:            spec.Load.VUs,
		Duration:       spec.Load.Duration,
		RampUp:         spec.Load.RampUp,
		MaxRPS:         spec.Load.MaxRPS,
		Insecure:       spec.Target.InsecureSkipVerify,
		SampleOutput:   true,
		ProgressOutput: true,
	}
	if plan.VUs <= 0 {
		plan.VUs = 1
	}
	if plan.Duration == "" {
		plan.Duration = "60s"
	}

	for _, step := range spec.Steps {
		ps := planStep{
			Name:      step.Name,
			Method:    step.Method,
			URL:       ApplyValues(step.URL, baseVals),
			Body:      ApplyValues(step.Body, baseVals),
			Extract:   step.Extract,
			ThinkTime: step.ThinkTime,
		}
		if len(step.Headers) > 0 || len(spec.Target.Headers) > 0 {
			ps.Headers = make(map[string]string, len(step.Headers)+len(spec.Target.Headers))
			for k, v := range spec.Target.Headers {
				ps.Headers[k] = ApplyValues(v, baseVals)
			}
			for k, v := range step.Headers {
				ps.Headers[k] = ApplyValues(v, baseVals)
			}
		}
		plan.Steps = append(plan.Steps, ps)
	}

	return plan
}

// ValidateScript checks that a script is a well-formed execution plan.
func (g *PlanGenerator) ValidateScript(ctx context.Context, script *Script) (*ValidationResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	result := &ValidationResult{IsValid: true}
	if script == nil || script.Content == "" {
		return &ValidationResult{IsValid: false, Errors: []string{"script is empty"}}, nil
	}
	if !gjson.Valid(script.Content) {
		return &ValidationResult{IsValid: false, Errors: []string{"script is not valid JSON"}}, nil
	}

	doc := gjson.Parse(script.Content)
	if doc.Get("name").String() == "" {
		result.IsValid = false
		result.Errors = append(result.Errors, "plan name is missing")
	}
	if doc.Get("vus").Int() < 1 {
		result.IsValid = false
		result.Errors = append(result.Errors, "plan vus must be >= 1")
	}
	if !doc.Get("steps").IsArray() || len(doc.Get("steps").Array()) == 0 {
		result.IsValid = false
		result.Errors = append(result.Errors, "plan has no steps")
	}
	for _, step := range doc.Get("steps").Array() {
		if step.Get("url").String() == "" {
			result.IsValid = false
			result.Errors = append(result.Errors, fmt.Sprintf("step %q has no url", step.Get("name").String()))
		}
	}
	return result, nil
}

// BaselineScript is the generation-phase fallback: a minimal single-step
// smoke plan against the spec's base URL. It trades fidelity for the
// guarantee that something runnable always exists.
func BaselineScript(spec *TestSpec) *Script {
	name := "baseline"
	base := ""
	if spec != nil {
		if spec.Name != "" {
			name = spec.Name
		}
		base = spec.Target.BaseURL
	}

	plan := scriptPlan{
		Name:           name,
		VUs:            1,
		Duration:       "30s",
		SampleOutput:   true,
		ProgressOutput: true,
		Steps: []planStep{
			{Name: "baseline", Method: "GET", URL: base},
		},
	}
	content, _ := json.MarshalIndent(plan, "", "  ")

	return &Script{
		SpecName:    name,
		Content:     string(content),
		Baseline:    true,
		GeneratedAt: time.Now(),
	}
}
