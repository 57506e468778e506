// Package main implements the specd CLI: the orchestration daemon plus
// commands for driving specs through their phases.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var (
	// configPath overrides the default config file location.
	configPath string
	// serverURL is the base URL client commands talk to.
	serverURL string
)

var rootCmd = &cobra.Command{
	Use:   "specd",
	Short: "Phase-gated multi-agent orchestration",
	Long: `specd drives specifications through a fixed phase plan, dispatching
bounded instruction packets to capability-scoped agents and gating every
phase transition on verification commands.`,
	Version: version,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/specd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:9290", "specd server URL")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(specCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("specd by Fyrsmith Labs\n")
		fmt.Printf("Version:    %s\n", version)
		fmt.Printf("Commit:     %s\n", gitCommit)
		fmt.Printf("Build Date: %s\n", buildDate)
	},
}
