package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stokehq/stoke/internal/loadspec"
	"github.com/stokehq/stoke/internal/monitor"
	"github.com/stokehq/stoke/internal/progress"
	"github.com/stokehq/stoke/internal/resilience"
)

// ErrClosed is returned when submitting to a closed orchestrator.
var ErrClosed = fmt.Errorf("orchestrator is closed")

// queueTick drives the background queue processor.
const queueTick = 5 * time.Second

// aggregateTick drives the cross-test progress aggregator.
const aggregateTick = time.Second

// Deps are the orchestrator's collaborators.
type Deps struct {
	// Validator validates submitted specs
	Validator loadspec.Validator

	// Generator produces executable scripts from validated specs
	Generator loadspec.Generator

	// NewExecutor creates the per-execution sandbox driver
	NewExecutor func(executionID string) loadspec.Executor

	// Monitor observes executing sandboxes; optional
	Monitor *monitor.Monitor

	// Distributor fans progress out to subscribers
	Distributor *progress.Distributor

	// Retry is the shared retry engine; failures during orchestration are
	// classified through it
	Retry *resilience.Engine
}

// Orchestrator is the top-level workflow state machine.
//
// All mutable collections (queue partitions, history, the active-executor
// map) are single-writer: every mutation goes through methods holding the
// orchestrator mutex, from the phase loop or the two background timers.
type Orchestrator struct {
	cfg  Config
	deps Deps

	// slots is a counting semaphore bounding the running set
	slots chan struct{}

	mu        sync.Mutex
	queue     *executionQueue
	history   []*TestResult
	executors map[string]loadspec.Executor
	cancels   map[string]context.CancelFunc
	closed    bool

	aggCh    chan AggregateProgress
	stopCh   chan struct{}
	stopOnce sync.Once
	bg       sync.WaitGroup
}

// New creates an orchestrator and starts its background timers.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if cfg.MaxConcurrentTests < 1 {
		cfg.MaxConcurrentTests = 1
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultConfig().StepTimeout
	}
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = DefaultConfig().RetryAttempts
	}
	if cfg.MaxWorkflowRetries < 1 {
		cfg.MaxWorkflowRetries = cfg.RetryAttempts
	}
	if cfg.HistoryLimit < 1 {
		cfg.HistoryLimit = DefaultConfig().HistoryLimit
	}
	if cfg.CompletedRetention <= 0 {
		cfg.CompletedRetention = DefaultConfig().CompletedRetention
	}
	if deps.Validator == nil {
		return nil, fmt.Errorf("validator is required")
	}
	if deps.Generator == nil {
		return nil, fmt.Errorf("generator is required")
	}
	if deps.NewExecutor == nil {
		return nil, fmt.Errorf("executor factory is required")
	}
	if deps.Distributor == nil {
		deps.Distributor = progress.NewDistributor()
	}
	if deps.Retry == nil {
		rc := resilience.DefaultRetryConfig()
		rc.MaxAttempts = cfg.RetryAttempts
		deps.Retry = resilience.NewEngine(rc, nil)
	}

	o := &Orchestrator{
		cfg:       cfg,
		deps:      deps,
		slots:     make(chan struct{}, cfg.MaxConcurrentTests),
		queue:     newExecutionQueue(),
		executors: make(map[string]loadspec.Executor),
		cancels:   make(map[string]context.CancelFunc),
		aggCh:     make(chan AggregateProgress, 8),
		stopCh:    make(chan struct{}),
	}

	o.bg.Add(2)
	go o.queueLoop()
	go o.aggregatorLoop()
	return o, nil
}

// ExecuteLoadTest runs one spec through the full workflow and returns its
// result. It blocks while waiting for a free execution slot. The returned
// error is non-nil only when no phase recovery succeeded, the run was
// cancelled, or it could not be admitted.
func (o *Orchestrator) ExecuteLoadTest(ctx context.Context, spec *loadspec.TestSpec) (*TestResult, error) {
	if spec == nil {
		return nil, fmt.Errorf("spec is required")
	}

	exec := &TestExecution{
		ID:       uuid.NewString(),
		Spec:     spec,
		SpecName: spec.Name,
		Status:   StatusQueued,
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrClosed
	}
	o.queue.addPending(exec)
	o.mu.Unlock()

	// Admission control: suspend until a slot frees.
	select {
	case o.slots <- struct{}{}:
	case <-ctx.Done():
		o.mu.Lock()
		exec.Status = StatusCancelled
		exec.EndTime = time.Now()
		o.mu.Unlock()
		o.finish(exec)
		return nil, ctx.Err()
	case <-o.stopCh:
		o.mu.Lock()
		if !exec.Status.Terminal() {
			exec.Status = StatusCancelled
			exec.EndTime = time.Now()
		}
		o.mu.Unlock()
		o.finish(exec)
		return nil, ErrClosed
	}
	defer func() { <-o.slots }()

	runCtx, cancel := context.WithCancel(ctx)
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && o.cfg.DefaultTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, o.cfg.DefaultTimeout)
	}
	defer cancel()

	o.mu.Lock()
	if o.closed && exec.Status == StatusQueued {
		// Close raced the slot hand-off; settle the submission.
		exec.Status = StatusCancelled
		exec.EndTime = time.Now()
		o.mu.Unlock()
		o.finish(exec)
		return nil, ErrClosed
	}
	if exec.Status == StatusCancelled {
		// Cancelled while waiting for a slot.
		o.mu.Unlock()
		return o.finish(exec), fmt.Errorf("test %s was cancelled", exec.ID)
	}
	exec.Status = StatusRunning
	exec.StartTime = time.Now()
	o.queue.markRunning(exec.ID)
	o.cancels[exec.ID] = cancel
	o.mu.Unlock()

	data := &phaseData{}
	var runErr error
	for _, ph := range o.buildPhases(exec, data) {
		o.enterPhase(exec, ph)
		result, err := o.runPhaseWithRecovery(runCtx, exec, ph)
		if err != nil {
			runErr = err
			break
		}
		if ph.commit != nil {
			ph.commit(result)
		}
		o.updateProgress(exec, progressAtStart(ph.name)+ph.weight)
	}

	o.mu.Lock()
	cancelled := exec.Status == StatusCancelled
	if cancelled {
		// CancelTest already set the terminal state; keep it.
	} else if runErr != nil {
		exec.Status = StatusFailed
		exec.Errors = append(exec.Errors,
			fmt.Sprintf("workflow_error: phase %s: %v", exec.CurrentPhase, runErr))
		o.deps.Retry.Classifier().Record(runErr, "workflow:"+exec.CurrentPhase)
	} else {
		exec.Status = StatusCompleted
		exec.Progress = 100
	}
	exec.EndTime = time.Now()
	o.mu.Unlock()

	result := o.finish(exec)
	result.Summary = data.summary
	if cancelled {
		return result, fmt.Errorf("test %s was cancelled", exec.ID)
	}
	if runErr != nil {
		return result, runErr
	}
	return result, nil
}

// runExecuting drives the executing phase: it starts the sandbox driver,
// wires the monitor to the sandbox, and maps the delegate's progress stream
// into the executing band.
func (o *Orchestrator) runExecuting(ctx context.Context, exec *TestExecution, script *loadspec.Script) (*loadspec.RawResults, error) {
	if script == nil {
		return nil, fmt.Errorf("no script to execute")
	}

	executor := o.deps.NewExecutor(exec.ID)
	o.mu.Lock()
	o.executors[exec.ID] = executor
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.executors, exec.ID)
		o.mu.Unlock()
	}()

	// Consume the delegate's own progress stream for the whole run.
	var consumers sync.WaitGroup
	consumers.Add(1)
	go func() {
		defer consumers.Done()
		for m := range executor.MonitorExecution() {
			o.updateProgress(exec, mapExecutingProgress(m.Progress))
			if o.deps.Monitor != nil {
				o.deps.Monitor.ObserveMetrics(exec.ID, m.Progress, m.RequestsDone, m.FailedRequests, m.CurrentRPS)
			}
			o.publishSnapshot(exec, progress.Snapshot{
				TestID:         exec.ID,
				Phase:          PhaseExecuting,
				RequestsDone:   m.RequestsDone,
				FailedRequests: m.FailedRequests,
				CurrentRPS:     m.CurrentRPS,
				Timestamp:      time.Now(),
			})
		}
	}()

	// The monitor attaches once the driver has a sandbox. attached closes
	// when StartMonitoring has returned or the attach was abandoned, so
	// teardown below cannot race a late attach into registering samplers
	// that nothing would ever stop.
	monCtx, stopMonWatch := context.WithCancel(ctx)
	defer stopMonWatch()
	attached := make(chan struct{})
	if o.deps.Monitor != nil {
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			o.attachMonitor(monCtx, exec, executor, attached)
		}()
	} else {
		close(attached)
	}

	raw, err := executor.ExecuteScript(ctx, script)

	stopMonWatch()
	<-attached
	if o.deps.Monitor != nil {
		_ = o.deps.Monitor.StopMonitoring(exec.ID)
	}
	consumers.Wait()

	if err != nil {
		return raw, err
	}
	return raw, nil
}

// attachMonitor waits for the executor's sandbox to exist, starts
// monitoring it, and forwards monitor snapshots to subscribers with
// progress mapped into the overall scale. Monitor warnings are folded into
// the execution as they arrive. attached closes once the attach has
// settled either way; StopMonitoring must not run before that.
func (o *Orchestrator) attachMonitor(ctx context.Context, exec *TestExecution, executor loadspec.Executor, attached chan<- struct{}) {
	var sandboxID string
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for sandboxID == "" {
		select {
		case <-ctx.Done():
			close(attached)
			return
		case <-ticker.C:
			sandboxID = executor.SandboxID()
		}
	}

	stream, err := o.deps.Monitor.StartMonitoring(ctx, exec.ID, sandboxID, exec.Spec.EstimatedDurationValue())
	close(attached)
	if err != nil {
		if ctx.Err() == nil {
			o.addWarning(exec, fmt.Sprintf("monitoring unavailable: %v", err))
		}
		return
	}

	seenWarnings := 0
	for snap := range stream {
		o.updateProgress(exec, mapExecutingProgress(snap.Progress))
		if len(snap.Warnings) > seenWarnings {
			o.mu.Lock()
			exec.Warnings = append(exec.Warnings, snap.Warnings[seenWarnings:]...)
			o.mu.Unlock()
			seenWarnings = len(snap.Warnings)
		}
		snap.Phase = PhaseExecuting
		o.publishSnapshot(exec, snap)
	}
}

// CancelTest cancels a pending or running execution. Errors stopping the
// delegate or the sandbox are recorded as warnings, not failures.
func (o *Orchestrator) CancelTest(ctx context.Context, id string) error {
	o.mu.Lock()
	exec := o.queue.get(id)
	if exec == nil {
		o.mu.Unlock()
		return fmt.Errorf("test %s not found", id)
	}
	if exec.Status.Terminal() {
		o.mu.Unlock()
		return fmt.Errorf("test %s already finished with status %s", id, exec.Status)
	}

	wasPending := exec.Status == StatusQueued
	exec.Status = StatusCancelled
	exec.EndTime = time.Now()
	executor := o.executors[id]
	cancel := o.cancels[id]
	o.mu.Unlock()

	if executor != nil {
		if err := executor.StopExecution(ctx); err != nil {
			o.addWarning(exec, fmt.Sprintf("stop request failed: %v", err))
		}
	}
	if o.deps.Monitor != nil && o.deps.Monitor.Monitoring(id) {
		if err := o.deps.Monitor.CancelExecution(ctx, id); err != nil {
			o.addWarning(exec, fmt.Sprintf("sandbox cancellation: %v", err))
		}
	}
	if cancel != nil {
		cancel()
	}

	if wasPending {
		// No phase loop will ever own this execution; settle it here.
		o.finish(exec)
	}
	return nil
}

// MonitorProgress returns the live cross-test progress stream.
func (o *Orchestrator) MonitorProgress() <-chan AggregateProgress {
	return o.aggCh
}

// Subscribe attaches a progress subscriber for one test id.
func (o *Orchestrator) Subscribe(testID string) (*progress.Subscription, error) {
	return o.deps.Distributor.Subscribe(testID)
}

// QueueStatus returns current queue partition sizes.
func (o *Orchestrator) QueueStatus() QueueSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.queue.snapshot()
}

// History returns the bounded result history, oldest first.
func (o *Orchestrator) History() []*TestResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*TestResult, len(o.history))
	copy(out, o.history)
	return out
}

// GetExecution returns the live view of one execution.
func (o *Orchestrator) GetExecution(id string) (*TestExecution, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	exec := o.queue.get(id)
	if exec == nil {
		return nil, fmt.Errorf("test %s not found", id)
	}
	cp := *exec
	cp.Errors = append([]string(nil), exec.Errors...)
	cp.Warnings = append([]string(nil), exec.Warnings...)
	return &cp, nil
}

// Close disposes the orchestrator: background timers stop, running
// executions are marked cancelled with an end time, and the progress
// streams complete.
func (o *Orchestrator) Close() {
	o.stopOnce.Do(func() {
		o.mu.Lock()
		o.closed = true
		now := time.Now()
		for _, exec := range o.queue.runningExecutions() {
			if !exec.Status.Terminal() {
				exec.Status = StatusCancelled
				exec.EndTime = now
			}
			if cancel := o.cancels[exec.ID]; cancel != nil {
				cancel()
			}
		}
		o.cancels = make(map[string]context.CancelFunc)
		o.executors = make(map[string]loadspec.Executor)
		o.mu.Unlock()

		close(o.stopCh)
		o.bg.Wait()
		close(o.aggCh)
		o.deps.Distributor.Close()
	})
}

// finish moves an execution to the completed set, records its result in
// bounded history, and completes its progress stream. A second finish of
// the same execution only rebuilds the result; only the first transition
// touches history or the stream.
func (o *Orchestrator) finish(exec *TestExecution) *TestResult {
	o.mu.Lock()
	first := o.queue.markCompleted(exec.ID)
	delete(o.cancels, exec.ID)

	result := &TestResult{
		ID:        exec.ID,
		SpecName:  exec.SpecName,
		Status:    exec.Status,
		StartTime: exec.StartTime,
		EndTime:   exec.EndTime,
		Progress:  exec.Progress,
		Workflow:  exec.Workflow,
		Errors:    append([]string(nil), exec.Errors...),
		Warnings:  append([]string(nil), exec.Warnings...),
	}
	if !exec.EndTime.IsZero() && !exec.StartTime.IsZero() {
		result.Duration = exec.EndTime.Sub(exec.StartTime)
	}

	if first {
		o.history = append(o.history, result)
		if len(o.history) > o.cfg.HistoryLimit {
			o.history = o.history[len(o.history)-o.cfg.HistoryLimit:]
		}
	}
	o.mu.Unlock()

	if first {
		o.publishSnapshot(exec, progress.Snapshot{
			TestID:    exec.ID,
			Phase:     string(exec.Status),
			Message:   fmt.Sprintf("test %s %s", exec.SpecName, exec.Status),
			Timestamp: time.Now(),
		})
		o.deps.Distributor.Complete(exec.ID)
	}
	return result
}

// enterPhase records the phase boundary and publishes it.
func (o *Orchestrator) enterPhase(exec *TestExecution, ph *phase) {
	o.mu.Lock()
	exec.CurrentPhase = ph.name
	if p := progressAtStart(ph.name); p > exec.Progress {
		exec.Progress = p
	}
	o.mu.Unlock()

	o.publishSnapshot(exec, progress.Snapshot{
		TestID:    exec.ID,
		Phase:     ph.name,
		Message:   fmt.Sprintf("entering phase %s", ph.name),
		Timestamp: time.Now(),
	})
}

// updateProgress raises an execution's progress; progress never regresses.
func (o *Orchestrator) updateProgress(exec *TestExecution, p float64) {
	o.mu.Lock()
	if p > 100 {
		p = 100
	}
	if p > exec.Progress {
		exec.Progress = p
	}
	o.mu.Unlock()
}

func (o *Orchestrator) addWarning(exec *TestExecution, w string) {
	o.mu.Lock()
	exec.Warnings = append(exec.Warnings, w)
	o.mu.Unlock()
}

// publishSnapshot stamps the execution's current progress onto the
// snapshot and fans it out.
func (o *Orchestrator) publishSnapshot(exec *TestExecution, snap progress.Snapshot) {
	o.mu.Lock()
	snap.Progress = exec.Progress
	o.mu.Unlock()
	o.deps.Distributor.Publish(snap)
}

// queueLoop is the background queue processor: it evicts completed entries
// older than the retention window. Admission itself is handled by the slot
// semaphore, so draining pending needs no timer.
func (o *Orchestrator) queueLoop() {
	defer o.bg.Done()
	ticker := time.NewTicker(queueTick)
	defer ticker.Stop()

	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.mu.Lock()
			o.queue.evictCompletedBefore(time.Now().Add(-o.cfg.CompletedRetention))
			o.mu.Unlock()
		}
	}
}

// aggregatorLoop periodically recomputes the cross-test progress view.
func (o *Orchestrator) aggregatorLoop() {
	defer o.bg.Done()
	ticker := time.NewTicker(aggregateTick)
	defer ticker.Stop()

	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			agg := o.aggregate()
			select {
			case o.aggCh <- agg:
			default:
			}
		}
	}
}

// aggregate builds the cross-test view: idle with pending depth, the
// single running test, or the average across several. When one test must
// represent many, the earliest-started wins.
func (o *Orchestrator) aggregate() AggregateProgress {
	o.mu.Lock()
	defer o.mu.Unlock()

	running := o.queue.runningExecutions()
	agg := AggregateProgress{
		RunningTests: len(running),
		PendingTests: len(o.queue.pending),
		Timestamp:    time.Now(),
	}

	switch len(running) {
	case 0:
		agg.Message = fmt.Sprintf("idle (%d pending)", agg.PendingTests)
	case 1:
		exec := running[0]
		agg.AverageProgress = exec.Progress
		agg.CurrentTest = exec.SpecName
		agg.CurrentPhase = exec.CurrentPhase
		agg.Message = fmt.Sprintf("%s: %s (%.0f%%)", exec.SpecName, exec.CurrentPhase, exec.Progress)
	default:
		var total float64
		var lead *TestExecution
		for _, exec := range running {
			total += exec.Progress
			if lead == nil || exec.StartTime.Before(lead.StartTime) {
				lead = exec
			}
		}
		agg.AverageProgress = total / float64(len(running))
		agg.CurrentTest = lead.SpecName
		agg.CurrentPhase = lead.CurrentPhase
		agg.Message = fmt.Sprintf("%d tests running (avg %.0f%%)", len(running), agg.AverageProgress)
	}
	return agg
}
