package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <spec-id>",
	Short: "Rehydrate orchestration state from the latest handoff",
	Long: `Load the most recent handoff pair for a spec and print the restored
context packet and orchestrator prompt. The spec's lease is acquired for
the duration of the command and released on exit.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func runResume(cmd *cobra.Command, args []string) error {
	specID := args[0]

	eng, _, cleanup, err := buildEngine()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := cmd.Context()

	h, err := eng.Resume(ctx, specID)
	if err != nil {
		return err
	}
	defer eng.Release(ctx, specID)

	fmt.Printf("Spec:       %s\n", h.SpecID)
	fmt.Printf("Phase:      %d\n", h.PhaseIndex)
	fmt.Printf("Emitted at: %s\n", h.EmittedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Printf("Packet:     ~%d working, ~%d episodic, ~%d semantic tokens\n",
		len(h.Packet.Working)/4, len(h.Packet.Episodic)/4, len(h.Packet.Semantic)/4)
	fmt.Println()
	fmt.Println("## Restored Packet")
	fmt.Println(h.Packet.Working)
	fmt.Println()
	fmt.Println("## Orchestrator Prompt")
	fmt.Println(h.Prompt)
	return nil
}
