package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/devicelab-dev/appium-runner/pkg/core"
)

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorGreen  = "\033[32m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
)

// colorsEnabled determines if ANSI colors should be used
var colorsEnabled = true

func init() {
	// Respect NO_COLOR environment variable
	if os.Getenv("NO_COLOR") != "" {
		colorsEnabled = false
		return
	}
	// Check if stdout is a terminal
	if fileInfo, err := os.Stdout.Stat(); err == nil {
		if (fileInfo.Mode() & os.ModeCharDevice) == 0 {
			colorsEnabled = false
		}
	}
}

// color returns the color code if colors are enabled, empty string otherwise
func color(c string) string {
	if colorsEnabled {
		return c
	}
	return ""
}

// printSetupStep prints a setup step in progress
func printSetupStep(msg string) {
	fmt.Printf("  %s⏳%s %s\n", color(colorCyan), color(colorReset), msg)
}

// printSetupSuccess prints a success message for setup
func printSetupSuccess(msg string) {
	fmt.Printf("  %s✓%s %s\n", color(colorGreen), color(colorReset), msg)
}

func printWarning(msg string) {
	fmt.Printf("  %s!%s %s\n", color(colorYellow), color(colorReset), msg)
}

func printIssues(prefix string, issues []error) {
	for _, issue := range issues {
		printWarning(fmt.Sprintf("%s: %v", prefix, issue))
	}
}

func formatDuration(d time.Duration) string {
	ms := d.Milliseconds()
	if ms < 1000 {
		return fmt.Sprintf("%dms", ms)
	}
	if ms < 60000 {
		return fmt.Sprintf("%.1fs", float64(ms)/1000)
	}
	mins := ms / 60000
	secs := (ms % 60000) / 1000
	return fmt.Sprintf("%dm %ds", mins, secs)
}

func statusColor(s core.RunStatus) string {
	switch s {
	case core.StatusPassed:
		return colorGreen
	case core.StatusFailed, core.StatusErrored:
		return colorRed
	case core.StatusSkipped:
		return colorYellow
	default:
		return colorGray
	}
}

func statusSymbol(s core.RunStatus) string {
	switch s {
	case core.StatusPassed:
		return "✓"
	case core.StatusFailed, core.StatusErrored:
		return "✗"
	default:
		return "-"
	}
}

func onWorkerEnd(res core.WorkerResult) {
	line := fmt.Sprintf("  %s%s%s %s on %s %s(%s)%s",
		color(statusColor(res.Status)), statusSymbol(res.Status), color(colorReset),
		res.WorkerID, deviceLabel(res.DeviceID),
		color(colorGray), formatDuration(res.Duration), color(colorReset))
	if res.Error != "" {
		line += fmt.Sprintf("\n      %s%s%s", color(colorRed), res.Error, color(colorReset))
	}
	fmt.Println(line)
}

func deviceLabel(id string) string {
	if id == "" {
		return "any device"
	}
	return id
}

// printSummary prints the per-worker table followed by the totals line.
func printSummary(w io.Writer, run *core.RunResult) {
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  %s%-6s %-16s %-6s %-6s %-8s %-9s %s%s\n", color(colorBold),
		"WORKER", "DEVICE", "APPIUM", "SYSTEM", "STATUS", "DURATION", "CATEGORY", color(colorReset))
	fmt.Fprintf(w, "  %s%s%s\n", color(colorDim), strings.Repeat("─", 70), color(colorReset))
	for _, res := range run.Workers {
		category := ""
		if res.Category != core.ErrCategoryNone {
			category = res.Category.String()
		}
		fmt.Fprintf(w, "  %-6s %-16s %-6s %-6s %s%-8s%s %-9s %s\n",
			res.WorkerID, deviceLabel(res.DeviceID), portLabel(res.AppiumPort), portLabel(res.SystemPort),
			color(statusColor(res.Status)), res.Status, color(colorReset),
			formatDuration(res.Duration), category)
		for _, issue := range res.TeardownIssues {
			fmt.Fprintf(w, "         %steardown: %s%s\n", color(colorYellow), issue, color(colorReset))
		}
	}

	fmt.Fprintln(w)
	summary := fmt.Sprintf("%d passed", run.Passed)
	if run.Failed > 0 {
		summary += fmt.Sprintf(", %s%d failed%s", color(colorRed), run.Failed, color(colorReset))
	}
	if run.Skipped > 0 {
		summary += fmt.Sprintf(", %s%d skipped%s", color(colorYellow), run.Skipped, color(colorReset))
	}
	fmt.Fprintf(w, "  %s (%s)\n", summary, formatDuration(run.Duration))
}

func portLabel(p int) string {
	if p == 0 {
		return "-"
	}
	return fmt.Sprint(p)
}
