package loadspec

import (
	"context"
	"strings"
	"testing"
)

func validSpec() *TestSpec {
	return &TestSpec{
		Name: "smoke",
		Target: TargetConfig{
			BaseURL: "https://api.example.com",
		},
		Load: LoadConfig{VUs: 5, Duration: "30s"},
		Steps: []StepConfig{
			{Name: "health", Method: "GET", URL: "{{baseUrl}}/health"},
		},
	}
}

func TestValidateSpecValid(t *testing.T) {
	v, err := NewSchemaValidator()
	if err != nil {
		t.Fatalf("NewSchemaValidator failed: %v", err)
	}

	result, err := v.ValidateSpec(context.Background(), validSpec())
	if err != nil {
		t.Fatalf("ValidateSpec failed: %v", err)
	}
	if !result.IsValid {
		t.Errorf("expected valid, got errors: %v", result.Errors)
	}
}

func TestValidateSpecStructuralErrors(t *testing.T) {
	v, err := NewSchemaValidator()
	if err != nil {
		t.Fatalf("NewSchemaValidator failed: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*TestSpec)
	}{
		{"missing name", func(s *TestSpec) { s.Name = "" }},
		{"missing base url", func(s *TestSpec) { s.Target.BaseURL = "" }},
		{"zero vus", func(s *TestSpec) { s.Load.VUs = 0 }},
		{"no steps", func(s *TestSpec) { s.Steps = nil }},
		{"bad method", func(s *TestSpec) { s.Steps[0].Method = "FETCH" }},
		{"step without url", func(s *TestSpec) { s.Steps[0].URL = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := validSpec()
			tt.mutate(spec)

			result, err := v.ValidateSpec(context.Background(), spec)
			if err != nil {
				t.Fatalf("ValidateSpec failed: %v", err)
			}
			if result.IsValid {
				t.Error("expected invalid spec")
			}
			if len(result.Errors) == 0 {
				t.Error("expected at least one error message")
			}
		})
	}
}

func TestValidateSpecSemanticErrors(t *testing.T) {
	v, err := NewSchemaValidator()
	if err != nil {
		t.Fatalf("NewSchemaValidator failed: %v", err)
	}

	tests := []struct {
		name    string
		mutate  func(*TestSpec)
		errPart string
	}{
		{
			"bad duration",
			func(s *TestSpec) { s.Load.Duration = "soon" },
			"not a valid duration",
		},
		{
			"negative duration",
			func(s *TestSpec) { s.Load.Duration = "-5s" },
			"must be positive",
		},
		{
			"bad ramp up",
			func(s *TestSpec) { s.Load.RampUp = "fast" },
			"not a valid duration",
		},
		{
			"forward correlation reference",
			func(s *TestSpec) {
				s.Steps = []StepConfig{
					{Name: "use", Method: "GET", URL: "{{baseUrl}}/cart", Headers: map[string]string{"Authorization": "Bearer {{token}}"}},
					{Name: "login", Method: "POST", URL: "{{baseUrl}}/login", Extract: []CorrelationRule{{Name: "token", Path: "data.token"}}},
				}
			},
			"before any step extracts it",
		},
		{
			"duplicate extraction",
			func(s *TestSpec) {
				s.Steps = []StepConfig{
					{Name: "a", Method: "GET", URL: "{{baseUrl}}/a", Extract: []CorrelationRule{{Name: "id", Path: "id"}}},
					{Name: "b", Method: "GET", URL: "{{baseUrl}}/b", Extract: []CorrelationRule{{Name: "id", Path: "id"}}},
				}
			},
			"re-extracts",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := validSpec()
			tt.mutate(spec)

			result, err := v.ValidateSpec(context.Background(), spec)
			if err != nil {
				t.Fatalf("ValidateSpec failed: %v", err)
			}
			if result.IsValid {
				t.Fatal("expected invalid spec")
			}
			found := false
			for _, e := range result.Errors {
				if strings.Contains(e, tt.errPart) {
					found = true
				}
			}
			if !found {
				t.Errorf("no error containing %q in %v", tt.errPart, result.Errors)
			}
		})
	}
}

func TestValidateSpecBackwardReferenceAllowed(t *testing.T) {
	v, err := NewSchemaValidator()
	if err != nil {
		t.Fatalf("NewSchemaValidator failed: %v", err)
	}

	spec := validSpec()
	spec.Steps = []StepConfig{
		{Name: "login", Method: "POST", URL: "{{baseUrl}}/login", Extract: []CorrelationRule{{Name: "token", Path: "data.token"}}},
		{Name: "use", Method: "GET", URL: "{{baseUrl}}/cart", Headers: map[string]string{"Authorization": "Bearer {{token}}"}},
	}

	result, err := v.ValidateSpec(context.Background(), spec)
	if err != nil {
		t.Fatalf("ValidateSpec failed: %v", err)
	}
	if !result.IsValid {
		t.Errorf("backward reference should validate, got: %v", result.Errors)
	}
}

func TestValidateSpecNil(t *testing.T) {
	v, err := NewSchemaValidator()
	if err != nil {
		t.Fatalf("NewSchemaValidator failed: %v", err)
	}

	result, err := v.ValidateSpec(context.Background(), nil)
	if err != nil {
		t.Fatalf("ValidateSpec failed: %v", err)
	}
	if result.IsValid {
		t.Error("nil spec should be invalid")
	}
}

func TestMinimalValidator(t *testing.T) {
	mv := MinimalValidator{}

	result, err := mv.ValidateSpec(context.Background(), validSpec())
	if err != nil {
		t.Fatalf("ValidateSpec failed: %v", err)
	}
	if !result.IsValid {
		t.Errorf("expected valid, got: %v", result.Errors)
	}

	// Minimal validation ignores everything except name, base URL, steps.
	loose := validSpec()
	loose.Load.Duration = "not-a-duration"
	result, _ = mv.ValidateSpec(context.Background(), loose)
	if !result.IsValid {
		t.Errorf("minimal validator should ignore duration, got: %v", result.Errors)
	}

	empty := &TestSpec{}
	result, _ = mv.ValidateSpec(context.Background(), empty)
	if result.IsValid {
		t.Error("empty spec should fail minimal validation")
	}
	if len(result.Errors) != 3 {
		t.Errorf("len(Errors) = %d, want 3", len(result.Errors))
	}
}
