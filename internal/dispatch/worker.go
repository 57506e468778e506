package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/specd/internal/agent"
)

// DefaultTaskTimeout bounds a single agent invocation.
const DefaultTaskTimeout = 30 * time.Minute

// WorkerConfig configures the shell worker.
type WorkerConfig struct {
	// Command is the agent runner invoked for each task, executed via
	// "sh -c". Task context arrives in SPECD_* environment variables and
	// the instruction packet on stdin.
	Command string `koanf:"command"`
	// WorkDir is the directory the runner executes in.
	WorkDir string `koanf:"work_dir"`
	// TaskTimeout bounds one invocation (default 30m).
	TaskTimeout time.Duration `koanf:"task_timeout"`
}

// DefaultWorkerConfig returns sensible defaults.
func DefaultWorkerConfig() *WorkerConfig {
	return &WorkerConfig{
		Command:     "specd-agent",
		TaskTimeout: DefaultTaskTimeout,
	}
}

// ShellWorker executes tasks by invoking an external agent runner
// process. The runner receives the selected agent's prompt and the
// instruction packet on stdin and reports its output on stdout.
type ShellWorker struct {
	config *WorkerConfig
	logger *zap.Logger

	// execCommand is swappable for tests.
	execCommand func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// NewShellWorker creates a worker backed by an external runner command.
func NewShellWorker(cfg *WorkerConfig, logger *zap.Logger) (*ShellWorker, error) {
	if cfg == nil {
		cfg = DefaultWorkerConfig()
	}
	if cfg.Command == "" {
		return nil, errors.New("worker command is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.TaskTimeout
	if timeout <= 0 {
		timeout = DefaultTaskTimeout
	}
	return &ShellWorker{
		config: &WorkerConfig{
			Command:     cfg.Command,
			WorkDir:     cfg.WorkDir,
			TaskTimeout: timeout,
		},
		logger:      logger,
		execCommand: exec.CommandContext,
	}, nil
}

// Execute runs the agent runner for one task and returns its stdout.
func (w *ShellWorker) Execute(ctx context.Context, task *Task, a *agent.Agent) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, w.config.TaskTimeout)
	defer cancel()

	cmd := w.execCommand(ctx, "sh", "-c", w.config.Command)
	cmd.Dir = w.config.WorkDir
	cmd.Env = append(cmd.Environ(),
		"SPECD_TASK_ID="+task.ID,
		"SPECD_SPEC_ID="+task.SpecID,
		"SPECD_PHASE_INDEX="+strconv.Itoa(task.PhaseIndex),
		"SPECD_OPERATION="+string(task.Operation),
		"SPECD_PARTITION="+task.Partition,
		"SPECD_AGENT_ID="+a.ID,
		"SPECD_AGENT_MODEL="+a.Model,
		"SPECD_AGENT_TIER="+string(a.Tier),
	)
	cmd.Stdin = strings.NewReader(renderInstruction(task, a))

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	w.logger.Debug("invoking agent runner",
		zap.String("task_id", task.ID),
		zap.String("agent_id", a.ID),
		zap.String("operation", string(task.Operation)),
	)

	err := cmd.Run()
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if err != nil {
		return "", fmt.Errorf("agent runner failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// renderInstruction assembles the runner's stdin: the agent's system
// prompt followed by the packet sections.
func renderInstruction(task *Task, a *agent.Agent) string {
	var b strings.Builder
	if a.Prompt != "" {
		b.WriteString(a.Prompt)
		b.WriteString("\n\n")
	}
	if task.Packet == nil {
		return b.String()
	}
	if task.Packet.Working != "" {
		b.WriteString("## Working State\n\n")
		b.WriteString(task.Packet.Working)
		b.WriteString("\n\n")
	}
	if task.Packet.Episodic != "" {
		b.WriteString("## Recent History\n\n")
		b.WriteString(task.Packet.Episodic)
		b.WriteString("\n\n")
	}
	if task.Packet.Semantic != "" {
		b.WriteString("## Project Knowledge\n\n")
		b.WriteString(task.Packet.Semantic)
		b.WriteString("\n\n")
	}
	if len(task.Packet.ProceduralLinks) > 0 {
		b.WriteString("## References\n\n")
		for _, link := range task.Packet.ProceduralLinks {
			b.WriteString("- ")
			b.WriteString(link)
			b.WriteString("\n")
		}
	}
	return b.String()
}
