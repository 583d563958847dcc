// Package gates runs post-task quality gates: tests, typecheck, and lint,
// each under its own subprocess timeout, with baseline comparison so a task
// is only failed for regressions it introduced.
package gates

import (
	"bytes"
	"context"
	"os/exec"
	"time"

	"autodev/internal/logging"
	"autodev/internal/types"
)

// OutputMaxChars caps stored gate output.
const OutputMaxChars = 4000

// Config controls which gates run and their timeouts.
type Config struct {
	TestsEnabled     bool
	TypecheckEnabled bool
	LintEnabled      bool

	TestTimeout      time.Duration
	TypecheckTimeout time.Duration
	LintTimeout      time.Duration
}

// DefaultConfig enables tests and typecheck with stock timeouts; lint is
// opt-in.
func DefaultConfig() Config {
	return Config{
		TestsEnabled:     true,
		TypecheckEnabled: true,
		LintEnabled:      false,
		TestTimeout:      300 * time.Second,
		TypecheckTimeout: 120 * time.Second,
		LintTimeout:      60 * time.Second,
	}
}

// Baseline is a pre-task snapshot of the test gate.
type Baseline struct {
	TestsFailed int
	TestsOK     bool
	Captured    bool
}

// Runner executes the gates for one project.
type Runner struct {
	cfg Config
}

// NewRunner creates a gate runner.
func NewRunner(cfg Config) *Runner {
	if cfg.TestTimeout <= 0 {
		cfg.TestTimeout = DefaultConfig().TestTimeout
	}
	if cfg.TypecheckTimeout <= 0 {
		cfg.TypecheckTimeout = DefaultConfig().TypecheckTimeout
	}
	if cfg.LintTimeout <= 0 {
		cfg.LintTimeout = DefaultConfig().LintTimeout
	}
	return &Runner{cfg: cfg}
}

// gateOutcome is one subprocess result.
type gateOutcome struct {
	ran    bool
	passed bool
	output string
}

// Snapshot runs only the test gate and records the result as the regression
// baseline. A project with no detectable test tool yields an empty baseline.
func (r *Runner) Snapshot(ctx context.Context, dir string) Baseline {
	if !r.cfg.TestsEnabled {
		return Baseline{}
	}
	tool := DetectTestTool(dir)
	if tool == ToolNone {
		return Baseline{}
	}

	out := r.execGate(ctx, dir, tool, r.cfg.TestTimeout)
	if !out.ran {
		return Baseline{}
	}
	counts := ParseTestCounts(tool, out.output)
	logging.Gates("Baseline snapshot [%s]: ok=%v failed=%d", tool, out.passed, counts.Failed)
	return Baseline{TestsFailed: counts.Failed, TestsOK: out.passed, Captured: true}
}

// Run executes the enabled gates and applies baseline comparison. A gate
// whose toolchain is not detected is skipped, not failed.
func (r *Runner) Run(ctx context.Context, dir string, baseline Baseline) *types.QualityGateResult {
	start := time.Now()
	result := &types.QualityGateResult{TestsOK: true, TypecheckOK: true, LintOK: true}
	var output bytes.Buffer

	if r.cfg.TestsEnabled {
		if tool := DetectTestTool(dir); tool != ToolNone {
			out := r.execGate(ctx, dir, tool, r.cfg.TestTimeout)
			counts := ParseTestCounts(tool, out.output)
			result.TestsRun = counts.Total
			result.TestsPassed = counts.Passed
			result.TestsFailed = counts.Failed
			result.TestsOK = out.passed
			output.WriteString(out.output)

			if !out.passed && baseline.Captured {
				newFailures := counts.Failed - baseline.TestsFailed
				if newFailures <= 0 {
					// Every failure already existed before the task ran.
					result.TestsOK = true
					logging.Gates("Test failures match baseline (%d), overriding to pass", counts.Failed)
				} else {
					result.RegressionDetected = true
					logging.Gates("Regression detected: %d new failures over baseline", newFailures)
				}
			}
		} else {
			logging.GatesDebug("No test toolchain detected in %s, skipping", dir)
		}
	}

	if r.cfg.TypecheckEnabled {
		if tool := DetectTypecheckTool(dir); tool != ToolNone {
			out := r.execGate(ctx, dir, tool, r.cfg.TypecheckTimeout)
			result.TypecheckOK = out.passed
			if !out.passed {
				output.WriteString("\n--- typecheck ---\n")
				output.WriteString(out.output)
			}
		}
	}

	if r.cfg.LintEnabled {
		if tool := DetectLintTool(dir); tool != ToolNone {
			out := r.execGate(ctx, dir, tool, r.cfg.LintTimeout)
			result.LintOK = out.passed
			if !out.passed {
				output.WriteString("\n--- lint ---\n")
				output.WriteString(out.output)
			}
		}
	}

	result.Output = truncate(output.String(), OutputMaxChars)
	result.ExecutionTime = time.Since(start)
	logging.Gates("Gates finished in %s: tests=%v typecheck=%v lint=%v",
		result.ExecutionTime.Round(time.Millisecond), result.TestsOK, result.TypecheckOK, result.LintOK)
	return result
}

// execGate runs one gate subprocess with its own timeout.
func (r *Runner) execGate(ctx context.Context, dir string, tool Toolchain, timeout time.Duration) gateOutcome {
	argv := commandFor(tool)
	if argv == nil {
		return gateOutcome{}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	out := gateOutcome{ran: true, passed: err == nil, output: buf.String()}
	if ctx.Err() == context.DeadlineExceeded {
		out.passed = false
		out.output += "\n[gate timed out after " + timeout.String() + "]"
		logging.Gates("Gate %s timed out after %s", tool, timeout)
	}
	return out
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	// Keep the tail: failure summaries print last.
	return "... [truncated]\n" + s[len(s)-max:]
}
