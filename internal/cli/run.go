package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/stokehq/stoke/internal/config"
	"github.com/stokehq/stoke/internal/loadspec"
	"github.com/stokehq/stoke/internal/monitor"
	"github.com/stokehq/stoke/internal/orchestrator"
	"github.com/stokehq/stoke/internal/progress"
	"github.com/stokehq/stoke/internal/report"
	"github.com/stokehq/stoke/internal/resilience"
	"github.com/stokehq/stoke/internal/sandbox"
)

var runCmd = &cobra.Command{
	Use:   "run <spec.yaml> [spec.yaml...]",
	Short: "Run load tests from spec files",
	Long: `Execute one or more load-test specs. Each spec is validated, compiled
to an execution plan, and run in its own container sandbox. Multiple
specs run concurrently up to the configured limit.

Examples:
  stoke run checkout.yaml
  stoke run smoke.yaml soak.yaml --config stoke.yaml
  stoke run checkout.yaml --json > result.json`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runLoadTests(cmd, args))
	},
}

func init() {
	runCmd.Flags().StringP("config", "c", "", "Path to the stoke configuration file")
	runCmd.Flags().StringP("output", "o", "", "Write JSON results to a file")
	runCmd.Flags().Bool("json", false, "Print results as JSON instead of the summary")
	runCmd.Flags().BoolP("quiet", "q", false, "Suppress live output, print only pass/fail")
	runCmd.Flags().Bool("no-color", false, "Disable colored output")
	runCmd.Flags().Int("max-concurrent", 0, "Override the concurrent test limit")
}

func runLoadTests(cmd *cobra.Command, args []string) int {
	configPath, _ := cmd.Flags().GetString("config")
	outputPath, _ := cmd.Flags().GetString("output")
	jsonOutput, _ := cmd.Flags().GetBool("json")
	quiet, _ := cmd.Flags().GetBool("quiet")
	noColor, _ := cmd.Flags().GetBool("no-color")
	maxConcurrent, _ := cmd.Flags().GetInt("max-concurrent")

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return 1
	}

	specs := make([]*loadspec.TestSpec, 0, len(args))
	for _, path := range args {
		spec, err := loadspec.LoadSpec(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading spec %s: %v\n", path, err)
			return 1
		}
		specs = append(specs, spec)
	}

	orch, err := buildOrchestrator(cfg, maxConcurrent)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer orch.Close()

	console := report.NewConsole(report.ConsoleConfig{
		Quiet:   quiet || jsonOutput,
		NoColor: noColor,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if len(specs) == 1 {
		console.PrintHeader(specs[0].Name)
	} else {
		console.PrintHeader(fmt.Sprintf("%d load tests", len(specs)))
	}

	// One goroutine per spec; the orchestrator enforces the concurrency
	// limit itself.
	results := make([]*orchestrator.TestResult, len(specs))
	var wg sync.WaitGroup
	for i, spec := range specs {
		wg.Add(1)
		go func(i int, spec *loadspec.TestSpec) {
			defer wg.Done()
			result, err := orch.ExecuteLoadTest(ctx, spec)
			if err != nil && result == nil {
				result = &orchestrator.TestResult{
					SpecName: spec.Name,
					Status:   orchestrator.StatusFailed,
					Errors:   []string{err.Error()},
				}
			}
			results[i] = result
		}(i, spec)
	}

	// Drive the live display from the aggregate progress stream.
	displayDone := make(chan struct{})
	go func() {
		defer close(displayDone)
		lastPrint := time.Time{}
		for agg := range orch.MonitorProgress() {
			snap := &progress.Snapshot{
				TestID:             agg.CurrentTest,
				Phase:              agg.CurrentPhase,
				Progress:           agg.AverageProgress,
				EstimatedRemaining: -1,
				Message:            agg.Message,
				Timestamp:          agg.Timestamp,
			}
			if console.IsTTY() {
				console.Update(snap)
			} else if time.Since(lastPrint) >= 5*time.Second {
				console.PrintNonInteractiveUpdate(snap)
				lastPrint = time.Now()
			}
		}
	}()

	wg.Wait()
	orch.Close()
	<-displayDone

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding results: %v\n", err)
			return 1
		}
	} else {
		for _, result := range results {
			console.PrintResult(result)
		}
	}

	if outputPath != "" {
		if err := writeResultsFile(outputPath, results); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing results: %v\n", err)
			return 1
		}
	}

	for _, result := range results {
		if result.Status != orchestrator.StatusCompleted {
			return 1
		}
	}
	return 0
}

// buildOrchestrator assembles the full execution stack from configuration.
func buildOrchestrator(cfg *config.Config, maxConcurrent int) (*orchestrator.Orchestrator, error) {
	validator, err := loadspec.NewSchemaValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to build spec validator: %w", err)
	}

	docker := sandbox.NewDockerClient(cfg.SocketPath())
	runnerCfg := cfg.RunnerConfig()

	classifier := resilience.NewClassifier()
	retry := resilience.NewEngine(cfg.RetryConfig(), classifier)

	orchCfg := cfg.OrchestratorConfig()
	if maxConcurrent > 0 {
		orchCfg.MaxConcurrentTests = maxConcurrent
	}

	return orchestrator.New(orchCfg, orchestrator.Deps{
		Validator: validator,
		Generator: loadspec.NewPlanGenerator(),
		NewExecutor: func(executionID string) loadspec.Executor {
			return sandbox.NewScriptRunner(docker, runnerCfg, executionID)
		},
		Monitor:     monitor.New(cfg.MonitorConfig(), docker),
		Distributor: progress.NewDistributor(),
		Retry:       retry,
	})
}

func writeResultsFile(path string, results []*orchestrator.TestResult) error {
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
