package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stokehq/stoke/internal/loadspec"
	"github.com/stokehq/stoke/internal/monitor"
	"github.com/stokehq/stoke/internal/sandbox"
)

// stubValidator approves every spec unless primed with an error or result.
type stubValidator struct {
	result *loadspec.ValidationResult
	err    error
}

func (v stubValidator) ValidateSpec(ctx context.Context, spec *loadspec.TestSpec) (*loadspec.ValidationResult, error) {
	if v.err != nil {
		return nil, v.err
	}
	if v.result != nil {
		return v.result, nil
	}
	return &loadspec.ValidationResult{IsValid: true}, nil
}

type stubGenerator struct {
	genErr error
}

func (g stubGenerator) GenerateScript(ctx context.Context, spec *loadspec.TestSpec) (*loadspec.Script, error) {
	if g.genErr != nil {
		return nil, g.genErr
	}
	return &loadspec.Script{SpecName: spec.Name, Content: "plan", GeneratedAt: time.Now()}, nil
}

func (g stubGenerator) ValidateScript(ctx context.Context, script *loadspec.Script) (*loadspec.ValidationResult, error) {
	return &loadspec.ValidationResult{IsValid: true}, nil
}

// stubExecutor satisfies loadspec.Executor without a sandbox. ExecuteScript
// optionally waits on gate before emitting the primed metrics, and blocks on
// the context when blockUntilCancel is set.
type stubExecutor struct {
	id               string
	raw              *loadspec.RawResults
	execErr          error
	metrics          []float64
	gate             <-chan struct{}
	blockUntilCancel bool
	hold             time.Duration
	sandboxIDDelay   time.Duration
	onExecute        func()

	mu        sync.Mutex
	stopCalls int
	started   bool
	gotScript *loadspec.Script

	metricsCh chan loadspec.ExecMetrics
}

func newStubExecutor(id string) *stubExecutor {
	return &stubExecutor{
		id:        id,
		raw:       okRaw(),
		metricsCh: make(chan loadspec.ExecMetrics, 16),
	}
}

func (e *stubExecutor) ExecuteScript(ctx context.Context, script *loadspec.Script) (*loadspec.RawResults, error) {
	defer close(e.metricsCh)

	e.mu.Lock()
	e.started = true
	e.gotScript = script
	e.mu.Unlock()

	if e.onExecute != nil {
		e.onExecute()
	}

	if e.gate != nil {
		select {
		case <-e.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	for _, p := range e.metrics {
		e.metricsCh <- loadspec.ExecMetrics{Progress: p, RequestsDone: int64(p), Timestamp: time.Now()}
	}
	if e.blockUntilCancel {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if e.hold > 0 {
		select {
		case <-time.After(e.hold):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if e.execErr != nil {
		return nil, e.execErr
	}
	return e.raw, nil
}

func (e *stubExecutor) MonitorExecution() <-chan loadspec.ExecMetrics { return e.metricsCh }

func (e *stubExecutor) StopExecution(ctx context.Context) error {
	e.mu.Lock()
	e.stopCalls++
	e.mu.Unlock()
	return nil
}

func (e *stubExecutor) SandboxID() string {
	if e.sandboxIDDelay > 0 {
		time.Sleep(e.sandboxIDDelay)
	}
	return "sbx-" + e.id
}

// stubRuntime is a no-op sandbox.Client for tests that wire a real monitor.
type stubRuntime struct{}

func (stubRuntime) EnsureImage(ctx context.Context, ref string) error { return nil }

func (stubRuntime) CreateContainer(ctx context.Context, opts sandbox.CreateOptions) (string, error) {
	return "c", nil
}

func (stubRuntime) StartContainer(ctx context.Context, id string) error { return nil }

func (stubRuntime) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	return nil
}

func (stubRuntime) KillContainer(ctx context.Context, id string) error { return nil }

func (stubRuntime) RemoveContainer(ctx context.Context, id string) error { return nil }

func (stubRuntime) InspectContainer(ctx context.Context, id string) (*sandbox.ContainerState, error) {
	return &sandbox.ContainerState{}, nil
}

func (stubRuntime) ContainerStats(ctx context.Context, id string) (*sandbox.StatsSnapshot, error) {
	return &sandbox.StatsSnapshot{ReadAt: time.Now()}, nil
}

func (stubRuntime) ContainerLogs(ctx context.Context, id string) ([]byte, error) { return nil, nil }

func okRaw() *loadspec.RawResults {
	lines := []string{
		`{"type":"sample","step":"login","latency_us":5000,"status":200,"bytes":120}`,
		`{"type":"sample","step":"login","latency_us":7000,"status":200,"bytes":118}`,
		`{"type":"sample","step":"login","latency_us":9000,"status":500,"bytes":40}`,
	}
	return &loadspec.RawResults{
		Output:   []byte(strings.Join(lines, "\n")),
		Duration: 10 * time.Second,
	}
}

func singleStepSpec(name string) *loadspec.TestSpec {
	return &loadspec.TestSpec{
		Name:   name,
		Target: loadspec.TargetConfig{BaseURL: "http://svc.internal"},
		Load:   loadspec.LoadConfig{VUs: 5, Duration: "10s"},
		Steps: []loadspec.StepConfig{
			{Name: "login", Method: "POST", URL: "{{baseUrl}}/login"},
		},
	}
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxConcurrentTests = 2
	cfg.StepTimeout = 5 * time.Second
	cfg.DefaultTimeout = 10 * time.Second
	return cfg
}

// newTestOrchestrator wires an orchestrator around stub collaborators. The
// factory argument overrides the per-execution executor when non-nil.
func newTestOrchestrator(t *testing.T, cfg Config, factory func(id string) loadspec.Executor) *Orchestrator {
	t.Helper()
	if factory == nil {
		factory = func(id string) loadspec.Executor { return newStubExecutor(id) }
	}
	o, err := New(cfg, Deps{
		Validator:   stubValidator{},
		Generator:   stubGenerator{},
		NewExecutor: factory,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(o.Close)
	return o
}

func TestNewValidatesDeps(t *testing.T) {
	tests := []struct {
		name string
		deps Deps
	}{
		{"missing validator", Deps{Generator: stubGenerator{}, NewExecutor: func(string) loadspec.Executor { return nil }}},
		{"missing generator", Deps{Validator: stubValidator{}, NewExecutor: func(string) loadspec.Executor { return nil }}},
		{"missing executor factory", Deps{Validator: stubValidator{}, Generator: stubGenerator{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(DefaultConfig(), tt.deps); err == nil {
				t.Error("expected dependency error")
			}
		})
	}
}

func TestExecuteLoadTestCompletes(t *testing.T) {
	o := newTestOrchestrator(t, fastConfig(), nil)

	result, err := o.ExecuteLoadTest(context.Background(), singleStepSpec("smoke"))
	if err != nil {
		t.Fatalf("ExecuteLoadTest failed: %v", err)
	}
	if result.Status != StatusCompleted {
		t.Errorf("Status = %s, want %s", result.Status, StatusCompleted)
	}
	if result.Progress != 100 {
		t.Errorf("Progress = %v, want 100", result.Progress)
	}
	if result.Summary == nil {
		t.Fatal("Summary is nil")
	}
	if result.Summary.TotalRequests != 3 {
		t.Errorf("TotalRequests = %d, want 3", result.Summary.TotalRequests)
	}
	if result.Summary.FailedRequests != 1 {
		t.Errorf("FailedRequests = %d, want 1", result.Summary.FailedRequests)
	}
	if result.EndTime.IsZero() {
		t.Error("EndTime not set")
	}
	if result.Duration <= 0 {
		t.Error("Duration not computed")
	}

	history := o.History()
	if len(history) != 1 || history[0].ID != result.ID {
		t.Errorf("history = %v, want the one completed result", history)
	}
}

func TestExecuteLoadTestNilSpec(t *testing.T) {
	o := newTestOrchestrator(t, fastConfig(), nil)
	if _, err := o.ExecuteLoadTest(context.Background(), nil); err == nil {
		t.Error("expected error for nil spec")
	}
}

func TestExecuteLoadTestValidationFailure(t *testing.T) {
	cfg := fastConfig()
	o, err := New(cfg, Deps{
		Validator: stubValidator{result: &loadspec.ValidationResult{
			IsValid: false,
			Errors:  []string{"load.vus must be positive"},
		}},
		Generator:   stubGenerator{},
		NewExecutor: func(id string) loadspec.Executor { return newStubExecutor(id) },
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer o.Close()

	// The minimal fallback validator accepts this structurally sound spec,
	// so a strict-validator rejection alone does not fail the run.
	result, err := o.ExecuteLoadTest(context.Background(), singleStepSpec("strict-reject"))
	if err != nil {
		t.Fatalf("ExecuteLoadTest failed: %v", err)
	}
	if result.Status != StatusCompleted {
		t.Errorf("Status = %s, want %s", result.Status, StatusCompleted)
	}
	found := false
	for _, e := range result.Errors {
		if strings.Contains(e, "fallback used for phase validation") {
			found = true
		}
	}
	if !found {
		t.Errorf("Errors = %v, want a validation fallback entry", result.Errors)
	}
}

func TestGenerationFallbackToBaseline(t *testing.T) {
	var captured *stubExecutor
	o, err := New(fastConfig(), Deps{
		Validator: stubValidator{},
		Generator: stubGenerator{genErr: errors.New("template engine unavailable")},
		NewExecutor: func(id string) loadspec.Executor {
			captured = newStubExecutor(id)
			return captured
		},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer o.Close()

	result, err := o.ExecuteLoadTest(context.Background(), singleStepSpec("fallback"))
	if err != nil {
		t.Fatalf("ExecuteLoadTest failed: %v", err)
	}
	if result.Status != StatusCompleted {
		t.Errorf("Status = %s, want %s", result.Status, StatusCompleted)
	}
	found := false
	for _, e := range result.Errors {
		if strings.Contains(e, "fallback used for phase generation") {
			found = true
		}
	}
	if !found {
		t.Errorf("Errors = %v, want a generation fallback entry", result.Errors)
	}
	if captured == nil {
		t.Fatal("executor was never created")
	}
}

func TestExecutionFailureRetriesThenFails(t *testing.T) {
	savedBackoff := executingBackoff
	executingBackoff = 5 * time.Millisecond
	defer func() { executingBackoff = savedBackoff }()

	cfg := fastConfig()
	cfg.MaxWorkflowRetries = 2

	attempts := int32(0)
	o, err := New(cfg, Deps{
		Validator: stubValidator{},
		Generator: stubGenerator{},
		NewExecutor: func(id string) loadspec.Executor {
			atomic.AddInt32(&attempts, 1)
			e := newStubExecutor(id)
			e.execErr = errors.New("sandbox crashed")
			return e
		},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer o.Close()

	result, err := o.ExecuteLoadTest(context.Background(), singleStepSpec("crashy"))
	if err == nil {
		t.Fatal("expected execution failure")
	}
	if result.Status != StatusFailed {
		t.Errorf("Status = %s, want %s", result.Status, StatusFailed)
	}
	// Initial attempt plus the configured retries.
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Errorf("executor created %d times, want 3", got)
	}
	if result.EndTime.IsZero() {
		t.Error("EndTime not set on failure")
	}
}

func TestCancelRunningTest(t *testing.T) {
	idCh := make(chan string, 1)
	var captured *stubExecutor
	o, err := New(fastConfig(), Deps{
		Validator: stubValidator{},
		Generator: stubGenerator{},
		NewExecutor: func(id string) loadspec.Executor {
			captured = newStubExecutor(id)
			captured.blockUntilCancel = true
			idCh <- id
			return captured
		},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer o.Close()

	type outcome struct {
		result *TestResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, e := o.ExecuteLoadTest(context.Background(), singleStepSpec("doomed"))
		done <- outcome{r, e}
	}()

	var id string
	select {
	case id = <-idCh:
	case <-time.After(5 * time.Second):
		t.Fatal("execution never reached the executing phase")
	}

	if err := o.CancelTest(context.Background(), id); err != nil {
		t.Fatalf("CancelTest failed: %v", err)
	}

	var out outcome
	select {
	case out = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("ExecuteLoadTest did not return after cancel")
	}

	if out.err == nil {
		t.Fatal("expected a cancellation error")
	}
	if out.result.Status != StatusCancelled {
		t.Errorf("Status = %s, want %s", out.result.Status, StatusCancelled)
	}
	if out.result.EndTime.IsZero() {
		t.Error("EndTime not set on cancellation")
	}
	captured.mu.Lock()
	stops := captured.stopCalls
	captured.mu.Unlock()
	if stops != 1 {
		t.Errorf("StopExecution called %d times, want 1", stops)
	}
}

func TestCancelUnknownID(t *testing.T) {
	o := newTestOrchestrator(t, fastConfig(), nil)

	before := o.QueueStatus()
	err := o.CancelTest(context.Background(), "ghost")
	if err == nil {
		t.Fatal("expected error for unknown id")
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("err = %v, want not-found", err)
	}
	if after := o.QueueStatus(); after != before {
		t.Errorf("queue changed on failed cancel: %+v -> %+v", before, after)
	}
}

func TestCancelFinishedTest(t *testing.T) {
	o := newTestOrchestrator(t, fastConfig(), nil)

	result, err := o.ExecuteLoadTest(context.Background(), singleStepSpec("done"))
	if err != nil {
		t.Fatalf("ExecuteLoadTest failed: %v", err)
	}
	if err := o.CancelTest(context.Background(), result.ID); err == nil {
		t.Error("expected error cancelling a finished test")
	}
}

func TestConcurrencyBound(t *testing.T) {
	const total = 5
	cfg := fastConfig()
	cfg.MaxConcurrentTests = 2

	var current, peak int32
	o, err := New(cfg, Deps{
		Validator: stubValidator{},
		Generator: stubGenerator{},
		NewExecutor: func(id string) loadspec.Executor {
			e := newStubExecutor(id)
			e.hold = 50 * time.Millisecond
			return &countingExecutor{stubExecutor: e, current: &current, peak: &peak}
		},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer o.Close()

	var wg sync.WaitGroup
	results := make([]*TestResult, total)
	errs := make([]error, total)
	for i := 0; i < total; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = o.ExecuteLoadTest(context.Background(), singleStepSpec(fmt.Sprintf("load-%d", i)))
		}(i)
	}

	// Queue conservation holds at every observation point.
	conservationDone := make(chan struct{})
	go func() {
		defer close(conservationDone)
		for i := 0; i < 20; i++ {
			qs := o.QueueStatus()
			if qs.Pending+qs.Running+qs.Completed != qs.Total {
				t.Errorf("queue conservation violated: %+v", qs)
				return
			}
			if qs.Running > cfg.MaxConcurrentTests {
				t.Errorf("running = %d exceeds bound %d", qs.Running, cfg.MaxConcurrentTests)
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	wg.Wait()
	<-conservationDone

	if p := atomic.LoadInt32(&peak); p > int32(cfg.MaxConcurrentTests) {
		t.Errorf("peak concurrent executions = %d, want at most %d", p, cfg.MaxConcurrentTests)
	}
	for i := 0; i < total; i++ {
		if errs[i] != nil {
			t.Errorf("test %d failed: %v", i, errs[i])
			continue
		}
		if results[i].Status != StatusCompleted {
			t.Errorf("test %d status = %s, want %s", i, results[i].Status, StatusCompleted)
		}
	}
	if len(o.History()) != total {
		t.Errorf("history length = %d, want %d", len(o.History()), total)
	}
}

// countingExecutor tracks how many script executions overlap.
type countingExecutor struct {
	*stubExecutor
	current, peak *int32
}

func (c *countingExecutor) ExecuteScript(ctx context.Context, script *loadspec.Script) (*loadspec.RawResults, error) {
	n := atomic.AddInt32(c.current, 1)
	for {
		p := atomic.LoadInt32(c.peak)
		if n <= p || atomic.CompareAndSwapInt32(c.peak, p, n) {
			break
		}
	}
	defer atomic.AddInt32(c.current, -1)
	return c.stubExecutor.ExecuteScript(ctx, script)
}

func TestHistoryLimitFIFO(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxConcurrentTests = 1
	cfg.HistoryLimit = 3
	o := newTestOrchestrator(t, cfg, nil)

	for i := 0; i < 5; i++ {
		if _, err := o.ExecuteLoadTest(context.Background(), singleStepSpec(fmt.Sprintf("run-%d", i))); err != nil {
			t.Fatalf("run %d failed: %v", i, err)
		}
	}

	history := o.History()
	if len(history) != 3 {
		t.Fatalf("history length = %d, want 3", len(history))
	}
	for i, want := range []string{"run-2", "run-3", "run-4"} {
		if history[i].SpecName != want {
			t.Errorf("history[%d] = %s, want %s (oldest evicted first)", i, history[i].SpecName, want)
		}
	}
}

func TestSubscribeObservesMonotonicProgress(t *testing.T) {
	gate := make(chan struct{})
	idCh := make(chan string, 1)
	o, err := New(fastConfig(), Deps{
		Validator: stubValidator{},
		Generator: stubGenerator{},
		NewExecutor: func(id string) loadspec.Executor {
			e := newStubExecutor(id)
			e.gate = gate
			e.metrics = []float64{5, 25, 60, 100}
			idCh <- id
			return e
		},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer o.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = o.ExecuteLoadTest(context.Background(), singleStepSpec("watched"))
	}()

	var id string
	select {
	case id = <-idCh:
	case <-time.After(5 * time.Second):
		t.Fatal("execution never reached the executing phase")
	}

	sub, err := o.Subscribe(id)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	close(gate)

	last := -1.0
	for snap := range sub.C() {
		if snap.Progress < 0 || snap.Progress > 100 {
			t.Errorf("progress %v out of [0,100]", snap.Progress)
		}
		if snap.Progress < last {
			t.Errorf("progress regressed: %v after %v", snap.Progress, last)
		}
		last = snap.Progress
	}
	<-done
	if last != 100 {
		t.Errorf("final observed progress = %v, want 100", last)
	}
}

func TestGetExecution(t *testing.T) {
	o := newTestOrchestrator(t, fastConfig(), nil)

	result, err := o.ExecuteLoadTest(context.Background(), singleStepSpec("lookup"))
	if err != nil {
		t.Fatalf("ExecuteLoadTest failed: %v", err)
	}

	exec, err := o.GetExecution(result.ID)
	if err != nil {
		t.Fatalf("GetExecution failed: %v", err)
	}
	if exec.SpecName != "lookup" || exec.Status != StatusCompleted {
		t.Errorf("execution = %s/%s, want lookup/%s", exec.SpecName, exec.Status, StatusCompleted)
	}

	if _, err := o.GetExecution("ghost"); err == nil {
		t.Error("expected error for unknown id")
	}
}

func TestClosedOrchestratorRejectsSubmissions(t *testing.T) {
	o := newTestOrchestrator(t, fastConfig(), nil)
	o.Close()

	if _, err := o.ExecuteLoadTest(context.Background(), singleStepSpec("late")); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}

func TestProgressMappingBounds(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{0, 35},
		{50, 60},
		{100, 85},
		{-10, 35},
		{150, 85},
	}
	for _, tt := range tests {
		if got := mapExecutingProgress(tt.in); got != tt.want {
			t.Errorf("mapExecutingProgress(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestProgressAtStart(t *testing.T) {
	tests := []struct {
		phase string
		want  float64
	}{
		{PhaseValidation, 0},
		{PhasePreparation, 10},
		{PhaseGeneration, 20},
		{PhaseExecuting, 35},
		{PhaseProcessing, 85},
	}
	for _, tt := range tests {
		if got := progressAtStart(tt.phase); got != tt.want {
			t.Errorf("progressAtStart(%s) = %v, want %v", tt.phase, got, tt.want)
		}
	}
}

func TestUpdateProgressNeverRegresses(t *testing.T) {
	o := newTestOrchestrator(t, fastConfig(), nil)
	exec := &TestExecution{ID: "x"}

	o.updateProgress(exec, 40)
	o.updateProgress(exec, 20)
	if exec.Progress != 40 {
		t.Errorf("Progress = %v, want 40 (no regression)", exec.Progress)
	}
	o.updateProgress(exec, 250)
	if exec.Progress != 100 {
		t.Errorf("Progress = %v, want clamped to 100", exec.Progress)
	}
}

func TestExecutingMonitorDetachesOnFastExit(t *testing.T) {
	mon := monitor.New(monitor.Config{
		UpdateInterval: 10 * time.Millisecond,
		GracePeriod:    10 * time.Millisecond,
	}, stubRuntime{})

	// The executor finishes right as the monitor attach resolves its
	// sandbox id, so StartMonitoring lands after teardown has begun.
	o, err := New(fastConfig(), Deps{
		Validator: stubValidator{},
		Generator: stubGenerator{},
		Monitor:   mon,
		NewExecutor: func(id string) loadspec.Executor {
			e := newStubExecutor(id)
			e.sandboxIDDelay = 10 * time.Millisecond
			e.hold = 105 * time.Millisecond
			return e
		},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer o.Close()

	type outcome struct {
		result *TestResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, e := o.ExecuteLoadTest(context.Background(), singleStepSpec("quick"))
		done <- outcome{r, e}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("ExecuteLoadTest did not return; monitor teardown deadlocked")
	}
	if out.err != nil {
		t.Fatalf("ExecuteLoadTest failed: %v", out.err)
	}
	if out.result.Status != StatusCompleted {
		t.Errorf("Status = %s, want %s", out.result.Status, StatusCompleted)
	}
	if got := mon.ActiveExecutions(); len(got) != 0 {
		t.Errorf("monitors leaked after completion: %v", got)
	}
}

// lateGenerator blocks until released, ignoring the phase context the way a
// generator stuck on a slow backend would.
type lateGenerator struct {
	release <-chan struct{}
	script  *loadspec.Script
}

func (g lateGenerator) GenerateScript(ctx context.Context, spec *loadspec.TestSpec) (*loadspec.Script, error) {
	<-g.release
	return g.script, nil
}

func (g lateGenerator) ValidateScript(ctx context.Context, script *loadspec.Script) (*loadspec.ValidationResult, error) {
	return &loadspec.ValidationResult{IsValid: true}, nil
}

func TestTimedOutGenerationCannotOverrideFallback(t *testing.T) {
	savedBackoff := executingBackoff
	executingBackoff = 5 * time.Millisecond
	defer func() { executingBackoff = savedBackoff }()

	cfg := fastConfig()
	cfg.StepTimeout = 50 * time.Millisecond
	cfg.MaxWorkflowRetries = 1

	release := make(chan struct{})
	var executors []*stubExecutor
	var execMu sync.Mutex
	o, err := New(cfg, Deps{
		Validator: stubValidator{},
		Generator: lateGenerator{
			release: release,
			script:  &loadspec.Script{SpecName: "late", Content: "late-plan"},
		},
		NewExecutor: func(id string) loadspec.Executor {
			e := newStubExecutor(id)
			execMu.Lock()
			if len(executors) == 0 {
				// First attempt releases the abandoned generator
				// mid-execution and then fails to force a retry.
				e.execErr = errors.New("sandbox crashed")
				e.hold = 30 * time.Millisecond
				e.onExecute = func() { close(release) }
			}
			executors = append(executors, e)
			execMu.Unlock()
			return e
		},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer o.Close()

	result, err := o.ExecuteLoadTest(context.Background(), singleStepSpec("stuck-gen"))
	if err != nil {
		t.Fatalf("ExecuteLoadTest failed: %v", err)
	}
	if result.Status != StatusCompleted {
		t.Errorf("Status = %s, want %s", result.Status, StatusCompleted)
	}

	found := false
	for _, e := range result.Errors {
		if strings.Contains(e, "fallback used for phase generation") {
			found = true
		}
	}
	if !found {
		t.Errorf("Errors = %v, want a generation fallback entry", result.Errors)
	}

	execMu.Lock()
	defer execMu.Unlock()
	if len(executors) != 2 {
		t.Fatalf("executor created %d times, want 2", len(executors))
	}
	for i, e := range executors {
		e.mu.Lock()
		script := e.gotScript
		e.mu.Unlock()
		if script == nil {
			t.Fatalf("attempt %d never received a script", i+1)
		}
		if !script.Baseline {
			t.Errorf("attempt %d ran %q, want the baseline fallback", i+1, script.Content)
		}
	}
}

func TestRetryAttemptsDefaultWorkflowBudget(t *testing.T) {
	savedBackoff := executingBackoff
	executingBackoff = 5 * time.Millisecond
	defer func() { executingBackoff = savedBackoff }()

	cfg := fastConfig()
	cfg.RetryAttempts = 1
	cfg.MaxWorkflowRetries = 0

	attempts := int32(0)
	o, err := New(cfg, Deps{
		Validator: stubValidator{},
		Generator: stubGenerator{},
		NewExecutor: func(id string) loadspec.Executor {
			atomic.AddInt32(&attempts, 1)
			e := newStubExecutor(id)
			e.execErr = errors.New("sandbox crashed")
			return e
		},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer o.Close()

	if _, err := o.ExecuteLoadTest(context.Background(), singleStepSpec("crashy")); err == nil {
		t.Fatal("expected execution failure")
	}
	// Initial attempt plus the retryAttempts default.
	if got := atomic.LoadInt32(&attempts); got != 2 {
		t.Errorf("executor created %d times, want 2", got)
	}
}

// gateValidator signals entry and then blocks until the run is cancelled.
type gateValidator struct {
	entered chan<- struct{}
}

func (v gateValidator) ValidateSpec(ctx context.Context, spec *loadspec.TestSpec) (*loadspec.ValidationResult, error) {
	v.entered <- struct{}{}
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestCancelBeforeExecutingSkipsSandboxCancel(t *testing.T) {
	mon := monitor.New(monitor.Config{
		UpdateInterval: 10 * time.Millisecond,
		GracePeriod:    10 * time.Millisecond,
	}, stubRuntime{})

	entered := make(chan struct{}, 1)
	o, err := New(fastConfig(), Deps{
		Validator:   gateValidator{entered: entered},
		Generator:   stubGenerator{},
		Monitor:     mon,
		NewExecutor: func(id string) loadspec.Executor { return newStubExecutor(id) },
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer o.Close()

	type outcome struct {
		result *TestResult
		err    error
	}
	done := make(chan outcome, 1)
	spec := singleStepSpec("early-cancel")
	go func() {
		r, e := o.ExecuteLoadTest(context.Background(), spec)
		done <- outcome{r, e}
	}()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("execution never reached validation")
	}

	var id string
	o.mu.Lock()
	for runningID := range o.queue.running {
		id = runningID
	}
	o.mu.Unlock()
	if id == "" {
		t.Fatal("no execution registered")
	}
	if err := o.CancelTest(context.Background(), id); err != nil {
		t.Fatalf("CancelTest failed: %v", err)
	}

	var out outcome
	select {
	case out = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("ExecuteLoadTest did not return after cancel")
	}

	if out.result.Status != StatusCancelled {
		t.Errorf("Status = %s, want %s", out.result.Status, StatusCancelled)
	}
	for _, w := range out.result.Warnings {
		if strings.Contains(w, "sandbox cancellation") {
			t.Errorf("spurious sandbox-cancellation warning: %q", w)
		}
	}
}

func TestCloseSettlesQueuedSubmissions(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxConcurrentTests = 1

	idCh := make(chan string, 1)
	o, err := New(cfg, Deps{
		Validator: stubValidator{},
		Generator: stubGenerator{},
		NewExecutor: func(id string) loadspec.Executor {
			e := newStubExecutor(id)
			e.blockUntilCancel = true
			idCh <- id
			return e
		},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		o.ExecuteLoadTest(context.Background(), singleStepSpec("slot-holder"))
	}()
	select {
	case <-idCh:
	case <-time.After(5 * time.Second):
		t.Fatal("first execution never started")
	}

	secondErr := make(chan error, 1)
	go func() {
		_, err := o.ExecuteLoadTest(context.Background(), singleStepSpec("queued-behind"))
		secondErr <- err
	}()
	waitForQueuedTest(t, o, 1)

	o.Close()

	select {
	case err := <-secondErr:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("err = %v, want ErrClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("queued submission did not return after Close")
	}
	<-firstDone

	if snap := o.QueueStatus(); snap.Pending != 0 {
		t.Errorf("Pending = %d after Close, want 0", snap.Pending)
	}

	found := false
	for _, r := range o.History() {
		if r.SpecName != "queued-behind" {
			continue
		}
		found = true
		if r.Status != StatusCancelled {
			t.Errorf("Status = %s, want %s", r.Status, StatusCancelled)
		}
		if r.EndTime.IsZero() {
			t.Error("EndTime not set on queued cancellation")
		}
	}
	if !found {
		t.Error("queued submission missing from history")
	}
}

func waitForQueuedTest(t *testing.T, o *Orchestrator, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if o.QueueStatus().Pending == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Pending never reached %d", want)
}
