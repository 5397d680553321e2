// Package report renders live progress and final summaries for the terminal.
package report

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/stokehq/stoke/internal/orchestrator"
	"github.com/stokehq/stoke/internal/progress"
)

// Cursor control sequences for the live display.
const (
	cursorUp  = "\033[%dA"
	clearLine = "\033[2K"

	progressFilled = "█"
	progressEmpty  = "░"
)

// Console manages terminal output for one or more test executions.
type Console struct {
	writer io.Writer
	scheme *ColorScheme
	isTTY  bool
	quiet  bool

	mu          sync.Mutex
	linesOutput int
}

// ConsoleConfig contains configuration for Console.
type ConsoleConfig struct {
	Writer  io.Writer
	Quiet   bool
	NoColor bool

	// ForceTTY treats the writer as interactive even when it is not a
	// terminal. Used by tests.
	ForceTTY bool
}

// NewConsole creates a console output handler.
func NewConsole(cfg ConsoleConfig) *Console {
	if cfg.Writer == nil {
		cfg.Writer = os.Stdout
	}

	isTTY := cfg.ForceTTY || isTerminal(cfg.Writer)
	scheme := DefaultColorScheme()
	if cfg.NoColor || !isTTY {
		scheme = NoColorScheme()
	}

	return &Console{
		writer: cfg.Writer,
		scheme: scheme,
		isTTY:  isTTY,
		quiet:  cfg.Quiet,
	}
}

// IsTTY returns whether the output is a terminal.
func (c *Console) IsTTY() bool {
	return c.isTTY
}

// PrintHeader prints the test header.
func (c *Console) PrintHeader(specName string) {
	if c.quiet {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	line := strings.Repeat("━", 56)
	c.writeln(c.scheme.Title.Sprint(line))
	c.writeln(c.scheme.Title.Sprintf("%s - Running", specName))
	c.writeln(c.scheme.Title.Sprint(line))
	c.writeln("")
}

// Update redraws the live display with a new progress snapshot.
// No-op for non-interactive writers; use PrintNonInteractiveUpdate there.
func (c *Console) Update(snap *progress.Snapshot) {
	if c.quiet || !c.isTTY {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.clearLive()

	lines := c.renderSnapshot(snap)
	c.linesOutput = len(lines)
	for _, line := range lines {
		c.writeln(line)
	}
}

// PrintNonInteractiveUpdate prints a one-line status update. Used when
// output is piped to a file or CI.
func (c *Console) PrintNonInteractiveUpdate(snap *progress.Snapshot) {
	if c.quiet {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.writeln(fmt.Sprintf("[%s] %s: %.0f%% | Reqs: %d | Failed: %d | RPS: %.1f",
		snap.Timestamp.Format("15:04:05"),
		snap.Phase,
		snap.Progress,
		snap.RequestsDone,
		snap.FailedRequests,
		snap.CurrentRPS))
	for _, w := range snap.Warnings {
		c.writeln(fmt.Sprintf("  %s %s", WarningIcon(true), w))
	}
}

func (c *Console) renderSnapshot(snap *progress.Snapshot) []string {
	var lines []string

	bar := renderProgressBar(snap.Progress/100, 40)
	percent := fmt.Sprintf("%.0f%%", snap.Progress)
	remaining := "estimating"
	if snap.EstimatedRemaining >= 0 {
		remaining = formatDuration(time.Duration(snap.EstimatedRemaining*float64(time.Second))) + " left"
	}

	lines = append(lines, fmt.Sprintf("Progress: %s %s | %s",
		c.scheme.Progress.Sprint(bar),
		c.scheme.Highlight.Sprint(percent),
		c.scheme.Dim.Sprint(remaining)))
	lines = append(lines, fmt.Sprintf("Phase:    %s", c.scheme.Phase.Sprint(snap.Phase)))

	lines = append(lines, fmt.Sprintf("Requests: %s | Failed: %s | RPS: %s",
		c.scheme.Highlight.Sprint(formatNumber(snap.RequestsDone)),
		c.failColor(snap.FailedRequests).Sprint(formatNumber(snap.FailedRequests)),
		c.scheme.Progress.Sprintf("%.1f", snap.CurrentRPS)))

	if res := snap.Resources; res != nil {
		lines = append(lines, fmt.Sprintf("Sandbox:  CPU %s | Mem %s | Net %s/s",
			c.scheme.Dim.Sprintf("%.1f%%", res.CPUPercent),
			c.scheme.Dim.Sprint(formatBytes(int64(res.MemoryBytes))),
			c.scheme.Dim.Sprint(formatBytes(int64(res.NetworkRate)))))
	}

	for _, w := range snap.Warnings {
		lines = append(lines, fmt.Sprintf("%s %s", WarningIcon(false), c.scheme.Warn.Sprint(w)))
	}

	return lines
}

func (c *Console) failColor(failed int64) interface{ Sprint(...interface{}) string } {
	if failed > 0 {
		return c.scheme.Warn
	}
	return c.scheme.Good
}

// PrintResult prints the final outcome of one execution.
func (c *Console) PrintResult(result *orchestrator.TestResult) {
	if c.quiet {
		if result.Status == orchestrator.StatusCompleted {
			c.writeln(c.scheme.Good.Sprint("PASSED"))
		} else {
			c.writeln(c.scheme.Bad.Sprint(strings.ToUpper(string(result.Status))))
		}
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.clearLive()

	line := strings.Repeat("━", 56)
	status := "Completed " + SuccessIcon(!c.isTTY)
	statusColor := c.scheme.Good
	if result.Status != orchestrator.StatusCompleted {
		status = string(result.Status) + " " + ErrorIcon(!c.isTTY)
		statusColor = c.scheme.Bad
	}

	c.writeln("")
	c.writeln(c.scheme.Title.Sprint(line))
	c.writeln(fmt.Sprintf("%s - %s",
		c.scheme.Title.Sprint(result.SpecName),
		statusColor.Sprint(status)))
	c.writeln(c.scheme.Title.Sprint(line))
	c.writeln("")

	c.writeln(fmt.Sprintf("Duration:      %s", c.scheme.Highlight.Sprint(formatDuration(result.Duration))))

	if s := result.Summary; s != nil {
		c.writeln(fmt.Sprintf("Total Reqs:    %s", c.scheme.Highlight.Sprint(formatNumber(s.TotalRequests))))

		successRate := 1.0 - s.ErrorRate
		rateColor := c.scheme.Good
		if successRate < 0.99 {
			rateColor = c.scheme.Warn
		}
		if successRate < 0.95 {
			rateColor = c.scheme.Bad
		}
		c.writeln(fmt.Sprintf("Success Rate:  %s", rateColor.Sprintf("%.1f%%", successRate*100)))
		c.writeln(fmt.Sprintf("Throughput:    %s", c.scheme.Highlight.Sprintf("%.1f req/s", s.RPS)))
		c.writeln("")

		c.writeln(c.scheme.Title.Sprint("Latency Distribution:"))
		c.writeln(fmt.Sprintf("  Min:       %s", formatDurationShort(s.Latency.Min)))
		c.writeln(fmt.Sprintf("  P50:       %s", formatDurationShort(s.Latency.P50)))
		c.writeln(fmt.Sprintf("  P90:       %s", formatDurationShort(s.Latency.P90)))
		c.writeln(fmt.Sprintf("  P95:       %s", formatDurationShort(s.Latency.P95)))
		c.writeln(fmt.Sprintf("  P99:       %s", formatDurationShort(s.Latency.P99)))
		c.writeln(fmt.Sprintf("  Max:       %s", formatDurationShort(s.Latency.Max)))
		c.writeln("")

		if len(s.Steps) > 0 {
			c.writeln(c.scheme.Title.Sprint("Steps:"))
			names := make([]string, 0, len(s.Steps))
			for name := range s.Steps {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				st := s.Steps[name]
				icon := SuccessIcon(!c.isTTY)
				if st.Failed > 0 {
					icon = ErrorIcon(!c.isTTY)
				}
				c.writeln(fmt.Sprintf("  %s %-20s %s reqs, %s failed, p95 %s",
					icon, st.Name,
					formatNumber(st.Count),
					formatNumber(st.Failed),
					formatDurationShort(st.Latency.P95)))
			}
			c.writeln("")
		}
	}

	if wf := result.Workflow; wf != nil && len(wf.Steps) > 0 {
		c.writeln(c.scheme.Title.Sprint("Workflow:"))
		for _, step := range wf.Steps {
			icon := SuccessIcon(!c.isTTY)
			if step.Status != "completed" {
				icon = ErrorIcon(!c.isTTY)
			}
			c.writeln(fmt.Sprintf("  %s %s (%s)", icon, step.Name, step.Status))
		}
		c.writeln("")
	}

	if len(result.Warnings) > 0 {
		c.writeln(c.scheme.Warn.Sprint("Warnings:"))
		for _, w := range result.Warnings {
			c.writeln(fmt.Sprintf("  %s %s", WarningIcon(!c.isTTY), w))
		}
		c.writeln("")
	}

	if len(result.Errors) > 0 {
		c.writeln(c.scheme.Bad.Sprint("Errors:"))
		for _, e := range result.Errors {
			c.writeln(fmt.Sprintf("  %s %s", ErrorIcon(!c.isTTY), e))
		}
		c.writeln("")
	}
}

// clearLive erases the live display region. Caller holds the mutex.
func (c *Console) clearLive() {
	if !c.isTTY || c.linesOutput == 0 {
		return
	}
	c.write(fmt.Sprintf(cursorUp, c.linesOutput))
	for i := 0; i < c.linesOutput; i++ {
		c.write(clearLine + "\n")
	}
	c.write(fmt.Sprintf(cursorUp, c.linesOutput))
	c.linesOutput = 0
}

func (c *Console) write(s string) {
	fmt.Fprint(c.writer, s)
}

func (c *Console) writeln(s string) {
	fmt.Fprintln(c.writer, s)
}

// renderProgressBar renders a progress bar for a ratio in [0,1].
func renderProgressBar(ratio float64, width int) string {
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}

	filled := int(ratio * float64(width))
	return "[" + strings.Repeat(progressFilled, filled) + strings.Repeat(progressEmpty, width-filled) + "]"
}

// formatDuration formats a duration in a human-readable format.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %02ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh %02dm", h, m)
}

// formatDurationShort formats a duration in a short format.
func formatDurationShort(d time.Duration) string {
	if d < time.Microsecond {
		return "0ms"
	}
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
	return fmt.Sprintf("%.1fm", d.Minutes())
}

// formatNumber formats a number with thousands separators.
func formatNumber(n int64) string {
	str := fmt.Sprintf("%d", n)
	if len(str) <= 3 {
		return str
	}

	var result strings.Builder
	offset := len(str) % 3
	if offset > 0 {
		result.WriteString(str[:offset])
	}
	for i := offset; i < len(str); i += 3 {
		if result.Len() > 0 {
			result.WriteString(",")
		}
		result.WriteString(str[i : i+3])
	}
	return result.String()
}

// formatBytes formats a byte count using binary units.
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMG"[exp])
}
