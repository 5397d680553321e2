// Package results turns raw load-generator output into a test summary.
package results

import (
	"fmt"
	"strings"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/tidwall/gjson"

	"github.com/stokehq/stoke/internal/loadspec"
)

// LatencyStats contains latency statistics for one request population.
type LatencyStats struct {
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Mean  time.Duration `json:"mean"`
	P50   time.Duration `json:"p50"`
	P90   time.Duration `json:"p90"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
	Count int64         `json:"count"`
}

// StepStats is the per-step breakdown for multi-step runs.
type StepStats struct {
	Name    string       `json:"name"`
	Count   int64        `json:"count"`
	Failed  int64        `json:"failed"`
	Latency LatencyStats `json:"latency"`
}

// Summary is the processed result of one execution.
type Summary struct {
	TotalRequests  int64                 `json:"totalRequests"`
	FailedRequests int64                 `json:"failedRequests"`
	ErrorRate      float64               `json:"errorRate"`
	RPS            float64               `json:"rps"`
	BytesReceived  int64                 `json:"bytesReceived"`
	Latency        LatencyStats          `json:"latency"`
	Steps          map[string]*StepStats `json:"steps,omitempty"`
	Duration       time.Duration         `json:"duration"`

	// Extracted holds correlation values recovered from sampled responses,
	// keyed by rule name. Present only for multi-step runs.
	Extracted map[string]string `json:"extracted,omitempty"`

	// ParseErrors counts generator output lines that were not usable samples
	ParseErrors int64 `json:"parseErrors,omitempty"`
}

// Histogram bounds: 1µs to 1h, 3 significant figures.
const (
	histMin     = 1
	histMax     = 3600000000
	histSigFigs = 3
)

// Summarize parses the generator's JSON-line output and computes the run
// summary.
//
// Sample lines look like:
//
//	{"type":"sample","step":"login","latency_us":5230,"status":200,"bytes":412}
//
// Lines of any other shape are counted as parse errors and skipped; the
// generator's progress lines are ignored silently.
func Summarize(raw *loadspec.RawResults) (*Summary, error) {
	if raw == nil {
		return nil, fmt.Errorf("cannot summarize nil results")
	}

	summary := &Summary{
		Duration: raw.Duration,
		Steps:    make(map[string]*StepStats),
	}

	overall := hdrhistogram.New(histMin, histMax, histSigFigs)
	stepHists := make(map[string]*hdrhistogram.Histogram)

	for _, line := range strings.Split(string(raw.Output), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !gjson.Valid(line) {
			summary.ParseErrors++
			continue
		}
		doc := gjson.Parse(line)
		switch doc.Get("type").String() {
		case "progress":
			continue
		case "sample":
		default:
			summary.ParseErrors++
			continue
		}

		latency := doc.Get("latency_us").Int()
		if latency < histMin {
			latency = histMin
		}
		if latency > histMax {
			latency = histMax
		}
		status := doc.Get("status").Int()
		failed := status == 0 || status >= 400 || doc.Get("error").String() != ""

		summary.TotalRequests++
		summary.BytesReceived += doc.Get("bytes").Int()
		if failed {
			summary.FailedRequests++
		}
		_ = overall.RecordValue(latency)

		step := doc.Get("step").String()
		if step != "" {
			ss, ok := summary.Steps[step]
			if !ok {
				ss = &StepStats{Name: step}
				summary.Steps[step] = ss
				stepHists[step] = hdrhistogram.New(histMin, histMax, histSigFigs)
			}
			ss.Count++
			if failed {
				ss.Failed++
			}
			_ = stepHists[step].RecordValue(latency)
		}
	}

	if summary.TotalRequests > 0 {
		summary.ErrorRate = float64(summary.FailedRequests) / float64(summary.TotalRequests)
	}
	if raw.Duration > 0 {
		summary.RPS = float64(summary.TotalRequests) / raw.Duration.Seconds()
	}
	summary.Latency = latencyStats(overall)
	for name, hist := range stepHists {
		summary.Steps[name].Latency = latencyStats(hist)
	}
	if len(summary.Steps) == 0 {
		summary.Steps = nil
	}

	if summary.TotalRequests == 0 && summary.ParseErrors > 0 {
		return summary, fmt.Errorf("no parseable samples in generator output (%d bad lines)", summary.ParseErrors)
	}
	return summary, nil
}

// ExtractCorrelations recovers correlation values from the sampled response
// bodies multi-step generators embed in their output, applying each step's
// rules to its most recent sampled body.
func ExtractCorrelations(raw *loadspec.RawResults, spec *loadspec.TestSpec) map[string]string {
	if raw == nil || spec == nil || !spec.MultiStep() {
		return nil
	}

	// Last sampled body per step wins.
	bodies := make(map[string]string)
	for _, line := range strings.Split(string(raw.Output), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !gjson.Valid(line) {
			continue
		}
		doc := gjson.Parse(line)
		if doc.Get("type").String() != "sample" {
			continue
		}
		if body := doc.Get("body").String(); body != "" {
			bodies[doc.Get("step").String()] = body
		}
	}

	values := make(map[string]string)
	for _, step := range spec.Steps {
		body, ok := bodies[step.Name]
		if !ok {
			continue
		}
		for _, rule := range step.Extract {
			if v, found := loadspec.ExtractValue([]byte(body), rule); found {
				values[rule.Name] = v
			}
		}
	}
	if len(values) == 0 {
		return nil
	}
	return values
}

func latencyStats(h *hdrhistogram.Histogram) LatencyStats {
	if h.TotalCount() == 0 {
		return LatencyStats{}
	}
	return LatencyStats{
		Min:   time.Duration(h.Min()) * time.Microsecond,
		Max:   time.Duration(h.Max()) * time.Microsecond,
		Mean:  time.Duration(h.Mean()) * time.Microsecond,
		P50:   time.Duration(h.ValueAtQuantile(50)) * time.Microsecond,
		P90:   time.Duration(h.ValueAtQuantile(90)) * time.Microsecond,
		P95:   time.Duration(h.ValueAtQuantile(95)) * time.Microsecond,
		P99:   time.Duration(h.ValueAtQuantile(99)) * time.Microsecond,
		Count: h.TotalCount(),
	}
}
