package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/specd/internal/agent"
	"github.com/fyrsmithlabs/specd/internal/budget"
	"github.com/fyrsmithlabs/specd/internal/config"
	"github.com/fyrsmithlabs/specd/internal/dispatch"
	"github.com/fyrsmithlabs/specd/internal/handoff"
	"github.com/fyrsmithlabs/specd/internal/logging"
	"github.com/fyrsmithlabs/specd/internal/orchestrator"
	"github.com/fyrsmithlabs/specd/internal/reflection"
	"github.com/fyrsmithlabs/specd/internal/spec"
	"github.com/fyrsmithlabs/specd/internal/specstore"
	"github.com/fyrsmithlabs/specd/internal/verify"
)

var taskFile string

var runCmd = &cobra.Command{
	Use:   "run <spec-id>",
	Short: "Run the current phase of a spec",
	Long: `Run one full pass of the spec's current phase: fan out the tasks
from the task file, recover failures, run verification gates, record
reflection, emit the handoff pair, and advance.

The task file is a YAML list:

  - operation: implement
    partition: src/auth
    working: add mfa to the login flow
  - operation: implement
    partition: src/api
    working: expose the mfa enrollment endpoint`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&taskFile, "tasks", "", "YAML file listing the phase's tasks")
}

// taskSpec is one entry in the task file.
type taskSpec struct {
	Operation string `yaml:"operation"`
	Partition string `yaml:"partition"`
	Working   string `yaml:"working"`
}

func runRun(cmd *cobra.Command, args []string) error {
	specID := args[0]

	eng, store, cleanup, err := buildEngine()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := cmd.Context()

	var tasks []*dispatch.Task
	if taskFile != "" {
		entries, err := loadTaskFile(taskFile)
		if err != nil {
			return err
		}
		sp, err := store.GetSpec(ctx, specID)
		if err != nil {
			return err
		}
		for _, ts := range entries {
			op := agent.OperationKind(ts.Operation)
			packet := &budget.Packet{Working: ts.Working}
			if err := eng.PacketRefinements(ctx, specID, op, packet); err != nil {
				return err
			}
			tasks = append(tasks, dispatch.NewTask(specID, sp.CurrentPhaseIndex, op, ts.Partition, packet))
		}
	}

	sp, err := eng.RunPhase(ctx, specID, tasks)
	if err != nil {
		return err
	}

	fmt.Printf("Spec:   %s (%s)\n", sp.Name, sp.ID)
	fmt.Printf("Status: %s\n", sp.Status)
	fmt.Printf("Phase:  %d/%d\n", sp.CurrentPhaseIndex, len(sp.Phases)-1)
	return nil
}

func loadTaskFile(path string) ([]taskSpec, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task file %s: %w", path, err)
	}
	var entries []taskSpec
	if err := yaml.Unmarshal(content, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse task file %s: %w", path, err)
	}
	for i, ts := range entries {
		if ts.Operation == "" {
			return nil, fmt.Errorf("task %d in %s has no operation", i, path)
		}
		if ts.Working == "" {
			return nil, fmt.Errorf("task %d in %s has no working content", i, path)
		}
	}
	return entries, nil
}

// buildEngine assembles the orchestration engine from configuration.
// The returned cleanup closes the store and flushes logs.
func buildEngine() (*orchestrator.Engine, *specstore.Store, func(), error) {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.NewLogger(&cfg.Logging, nil)
	if err != nil {
		return nil, nil, nil, err
	}
	zlog := logger.Underlying()

	store, err := specstore.New(&cfg.Store, zlog)
	if err != nil {
		logger.Sync()
		return nil, nil, nil, fmt.Errorf("failed to open spec store: %w", err)
	}
	cleanup := func() {
		store.Close()
		logger.Sync()
	}

	eng, err := assembleEngine(cfg, store, zlog)
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}
	return eng, store, cleanup, nil
}

func assembleEngine(cfg *config.Config, store *specstore.Store, logger *zap.Logger) (*orchestrator.Engine, error) {
	machine, err := spec.NewMachine(store, logger)
	if err != nil {
		return nil, err
	}

	registry, err := agent.NewRegistry(cfg.Agents.Dir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load agent catalog: %w", err)
	}

	tracker, err := budget.NewTracker(cfg.Budget, logger)
	if err != nil {
		return nil, err
	}

	worker, err := dispatch.NewShellWorker(&cfg.Worker, logger)
	if err != nil {
		return nil, err
	}

	dispatcher, err := dispatch.NewDispatcher(registry, tracker, store, worker, logger, &cfg.Dispatch)
	if err != nil {
		return nil, err
	}

	runner := verify.NewRunner(&cfg.Verify, store, logger)

	reflections, err := reflection.NewAggregator(cfg.Reflection.Dir, logger)
	if err != nil {
		return nil, err
	}

	handoffs, err := handoff.NewManager(cfg.Handoff.Dir, store, reflections, tracker, logger)
	if err != nil {
		return nil, err
	}
	handoffs.SetAuditor(store)
	handoffs.SetWorkDir(cfg.Verify.WorkDir)

	return orchestrator.NewEngine(&cfg.Orchestrator, store, machine, dispatcher, runner, reflections, handoffs, logger)
}
