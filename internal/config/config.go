// Package config provides configuration loading for specd.
//
// Configuration is loaded from a YAML file and overridden by environment
// variables, with hardcoded defaults filling the gaps.
package config

import (
	"fmt"

	"github.com/fyrsmithlabs/specd/internal/budget"
	"github.com/fyrsmithlabs/specd/internal/dispatch"
	"github.com/fyrsmithlabs/specd/internal/http"
	"github.com/fyrsmithlabs/specd/internal/logging"
	"github.com/fyrsmithlabs/specd/internal/orchestrator"
	"github.com/fyrsmithlabs/specd/internal/specstore"
	"github.com/fyrsmithlabs/specd/internal/telemetry"
	"github.com/fyrsmithlabs/specd/internal/verify"
)

// Config holds the complete specd configuration.
type Config struct {
	Server       http.Config           `koanf:"server"`
	Store        specstore.Config      `koanf:"store"`
	Budget       budget.Limits         `koanf:"budget"`
	Dispatch     dispatch.Config       `koanf:"dispatch"`
	Worker       dispatch.WorkerConfig `koanf:"worker"`
	Verify       verify.Config         `koanf:"verify"`
	Orchestrator orchestrator.Config   `koanf:"orchestrator"`
	Agents       AgentsConfig          `koanf:"agents"`
	Handoff      HandoffConfig         `koanf:"handoff"`
	Reflection   ReflectionConfig      `koanf:"reflection"`
	Logging      logging.Config        `koanf:"logging"`
	Telemetry    telemetry.Config      `koanf:"telemetry"`
}

// AgentsConfig locates the agent manifest.
type AgentsConfig struct {
	// Dir is the directory holding agents.yaml.
	Dir string `koanf:"dir"`
}

// HandoffConfig locates emitted handoff documents.
type HandoffConfig struct {
	Dir string `koanf:"dir"`
}

// ReflectionConfig locates the reflection journals.
type ReflectionConfig struct {
	Dir string `koanf:"dir"`
}

// NewDefaultConfig returns the complete default configuration.
func NewDefaultConfig() *Config {
	return &Config{
		Server:       *http.DefaultConfig(),
		Store:        *specstore.DefaultConfig(),
		Budget:       budget.DefaultLimits(),
		Dispatch:     dispatch.Config{MaxParallel: 4},
		Worker:       *dispatch.DefaultWorkerConfig(),
		Verify:       *verify.DefaultConfig(),
		Orchestrator: *orchestrator.DefaultConfig(),
		Agents:       AgentsConfig{Dir: "."},
		Handoff:      HandoffConfig{Dir: "handoffs"},
		Reflection:   ReflectionConfig{Dir: "reflections"},
		Logging:      *logging.NewDefaultConfig(),
		Telemetry:    *telemetry.NewDefaultConfig(),
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}

	if c.Store.DataDir == "" {
		return fmt.Errorf("store.data_dir is required")
	}

	if c.Budget.Working <= 0 || c.Budget.Episodic <= 0 || c.Budget.Semantic <= 0 || c.Budget.Total <= 0 {
		return fmt.Errorf("budget limits must be positive")
	}
	if c.Budget.Total < c.Budget.Working {
		return fmt.Errorf("budget.total (%d) must be at least budget.working (%d)", c.Budget.Total, c.Budget.Working)
	}

	if c.Dispatch.MaxParallel < 1 {
		return fmt.Errorf("dispatch.max_parallel must be at least 1, got %d", c.Dispatch.MaxParallel)
	}

	if c.Worker.Command == "" {
		return fmt.Errorf("worker.command is required")
	}

	if c.Orchestrator.MaxRecoveries < 0 {
		return fmt.Errorf("orchestrator.max_recoveries cannot be negative")
	}
	if c.Orchestrator.LeaseTTL <= 0 {
		return fmt.Errorf("orchestrator.lease_ttl must be positive")
	}

	if c.Agents.Dir == "" {
		return fmt.Errorf("agents.dir is required")
	}
	if c.Handoff.Dir == "" {
		return fmt.Errorf("handoff.dir is required")
	}
	if c.Reflection.Dir == "" {
		return fmt.Errorf("reflection.dir is required")
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	return nil
}
