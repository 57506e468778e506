// Package verify executes phase gate commands and records their outcomes.
//
// Gates are external shell commands (lint, typecheck, build, test); exit
// code 0 means pass and anything else fails the gate. Commands run in
// declared order and execution stops at the first failure. Commands
// tagged flaky get exactly one automatic retry; every other failure is
// surfaced immediately, never retried in a loop.
package verify

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/specd/internal/spec"
)

const instrumentationName = "github.com/fyrsmithlabs/specd/internal/verify"

var gateRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "specd_verify_gate_runs_total",
	Help: "Gate command executions by outcome.",
}, []string{"outcome"})

// Result is the recorded outcome of one gate command execution.
// Output is captured verbatim, stdout and stderr combined.
type Result struct {
	Command   string        `json:"command"`
	ExitCode  int           `json:"exit_code"`
	Output    string        `json:"output"`
	Attempts  int           `json:"attempts"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`
}

// Passed reports whether the gate passed.
func (r Result) Passed() bool {
	return r.ExitCode == 0
}

// Recorder persists gate results. Implemented by specstore; results are
// attached to the phase and totally ordered by timestamp.
type Recorder interface {
	AppendGateResult(ctx context.Context, specID string, phaseIndex int, r Result) error
}

// Config configures the runner.
type Config struct {
	// WorkDir is the directory gate commands run in.
	WorkDir string `koanf:"work_dir"`
	// CommandTimeout bounds a single command execution (default 10m).
	CommandTimeout time.Duration `koanf:"command_timeout"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{CommandTimeout: 10 * time.Minute}
}

// Runner executes gate commands for phases.
type Runner struct {
	config   *Config
	recorder Recorder
	logger   *zap.Logger
	tracer   trace.Tracer

	// execCommand is swapped in tests.
	execCommand func(ctx context.Context, dir, command string) ([]byte, error)
}

// NewRunner creates a gate runner.
func NewRunner(cfg *Config, recorder Recorder, logger *zap.Logger) *Runner {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		config:      cfg,
		recorder:    recorder,
		logger:      logger,
		tracer:      otel.Tracer(instrumentationName),
		execCommand: runShell,
	}
}

// RunGates executes the phase's gate commands in declared order,
// stopping at the first failure. It returns one Result per command
// actually attempted. A failing gate is not an error from RunGates;
// infrastructure problems (context cancellation, recorder failures) are.
func (r *Runner) RunGates(ctx context.Context, specID string, phase *spec.Phase) ([]Result, error) {
	ctx, span := r.tracer.Start(ctx, "verify.run_gates")
	defer span.End()
	span.SetAttributes(
		attribute.String("spec_id", specID),
		attribute.Int("phase_index", phase.Index),
		attribute.Int("gate_count", len(phase.GateCommands)),
	)

	results := make([]Result, 0, len(phase.GateCommands))
	for _, cmd := range phase.GateCommands {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		res, err := r.runOne(ctx, cmd)
		if err != nil {
			return results, err
		}
		results = append(results, res)

		if r.recorder != nil {
			if err := r.recorder.AppendGateResult(ctx, specID, phase.Index, res); err != nil {
				return results, fmt.Errorf("failed to record gate result: %w", err)
			}
		}

		if !res.Passed() {
			gateRuns.WithLabelValues("fail").Inc()
			r.logger.Warn("gate failed, stopping",
				zap.String("spec_id", specID),
				zap.Int("phase_index", phase.Index),
				zap.String("command", res.Command),
				zap.Int("exit_code", res.ExitCode),
				zap.Int("attempts", res.Attempts),
			)
			// Fail fast: later gates are not executed.
			return results, nil
		}
		gateRuns.WithLabelValues("pass").Inc()
	}

	r.logger.Info("all gates passed",
		zap.String("spec_id", specID),
		zap.Int("phase_index", phase.Index),
		zap.Int("gates", len(results)),
	)
	return results, nil
}

// runOne executes a single gate command, retrying once if it is tagged
// flaky and the first attempt fails.
func (r *Runner) runOne(ctx context.Context, cmd spec.Command) (Result, error) {
	attempts := 1
	if cmd.Flaky {
		attempts = 2
	}

	var res Result
	for attempt := 1; attempt <= attempts; attempt++ {
		start := time.Now()
		cctx, cancel := context.WithTimeout(ctx, r.config.CommandTimeout)
		output, err := r.execCommand(cctx, r.config.WorkDir, cmd.Raw)
		cancel()

		exitCode, infraErr := exitCodeOf(err)
		if infraErr != nil {
			return Result{}, fmt.Errorf("gate %q: %w", cmd.Raw, infraErr)
		}

		res = Result{
			Command:   cmd.Raw,
			ExitCode:  exitCode,
			Output:    string(output),
			Attempts:  attempt,
			Timestamp: time.Now().UTC(),
			Duration:  time.Since(start),
		}
		if res.Passed() || attempt == attempts {
			break
		}
		r.logger.Info("flaky gate failed, retrying once",
			zap.String("command", cmd.Raw),
			zap.Int("exit_code", exitCode),
		)
	}
	return res, nil
}

// runShell executes a command line through the shell, capturing stdout
// and stderr combined.
func runShell(ctx context.Context, dir, command string) ([]byte, error) {
	c := exec.CommandContext(ctx, "sh", "-c", command)
	c.Dir = dir
	return c.CombinedOutput()
}

// exitCodeOf maps an exec error to an exit code. Non-exit errors
// (command not startable, context cancelled) are infrastructure errors.
func exitCodeOf(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return 0, err
}
