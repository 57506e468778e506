package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/specd/internal/spec"
)

const clientTimeout = 30 * time.Second

var specCmd = &cobra.Command{
	Use:   "spec",
	Short: "Manage specs on a running specd server",
}

var (
	createTier   string
	createPhases int
	blockReason  string
	rollbackTo   int
)

var specCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a new spec",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := createSpecRequest{
			Name:            args[0],
			Tier:            createTier,
			ExecutionPhases: createPhases,
		}
		var sp spec.Spec
		if err := apiCall(http.MethodPost, "/api/v1/specs", req, &sp); err != nil {
			return err
		}
		printSpec(&sp)
		return nil
	},
}

var specListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all specs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var specs []*spec.Spec
		if err := apiCall(http.MethodGet, "/api/v1/specs", nil, &specs); err != nil {
			return err
		}
		if len(specs) == 0 {
			fmt.Println("No specs found.")
			return nil
		}
		fmt.Printf("%-38s %-20s %-10s %-9s %s\n", "ID", "NAME", "TIER", "STATUS", "PHASE")
		for _, sp := range specs {
			fmt.Printf("%-38s %-20s %-10s %-9s %d/%d\n",
				sp.ID, sp.Name, sp.Tier, sp.Status, sp.CurrentPhaseIndex, len(sp.Phases)-1)
		}
		return nil
	},
}

var specStatusCmd = &cobra.Command{
	Use:   "status <spec-id>",
	Short: "Show a spec's phase plan and status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var sp spec.Spec
		if err := apiCall(http.MethodGet, "/api/v1/specs/"+args[0], nil, &sp); err != nil {
			return err
		}
		printSpec(&sp)
		fmt.Println("\nPhases:")
		for _, p := range sp.Phases {
			marker := " "
			if p.Index == sp.CurrentPhaseIndex {
				marker = ">"
			}
			fmt.Printf(" %s %2d %-12s %s\n", marker, p.Index, p.Name, p.Status)
		}
		return nil
	},
}

var specAdvanceCmd = &cobra.Command{
	Use:   "advance <spec-id>",
	Short: "Advance a spec to its next phase",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var sp spec.Spec
		if err := apiCall(http.MethodPost, "/api/v1/specs/"+args[0]+"/advance", nil, &sp); err != nil {
			return err
		}
		fmt.Printf("Advanced to phase %d (%s)\n", sp.CurrentPhaseIndex, sp.Phases[sp.CurrentPhaseIndex].Name)
		return nil
	},
}

var specBlockCmd = &cobra.Command{
	Use:   "block <spec-id>",
	Short: "Block a spec with a reason",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := blockRequest{Reason: blockReason}
		if err := apiCall(http.MethodPost, "/api/v1/specs/"+args[0]+"/block", req, nil); err != nil {
			return err
		}
		fmt.Println("Spec blocked.")
		return nil
	},
}

var specUnblockCmd = &cobra.Command{
	Use:   "unblock <spec-id>",
	Short: "Unblock a blocked spec",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiCall(http.MethodPost, "/api/v1/specs/"+args[0]+"/unblock", nil, nil); err != nil {
			return err
		}
		fmt.Println("Spec unblocked.")
		return nil
	},
}

var specRollbackCmd = &cobra.Command{
	Use:   "rollback <spec-id>",
	Short: "Roll a spec back to an earlier phase",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := rollbackRequest{ToIndex: rollbackTo}
		var sp spec.Spec
		if err := apiCall(http.MethodPost, "/api/v1/specs/"+args[0]+"/rollback", req, &sp); err != nil {
			return err
		}
		fmt.Printf("Rolled back to phase %d (%s)\n", sp.CurrentPhaseIndex, sp.Phases[sp.CurrentPhaseIndex].Name)
		return nil
	},
}

var specAuditCmd = &cobra.Command{
	Use:   "audit <spec-id>",
	Short: "Show a spec's audit trail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var records []spec.AuditRecord
		if err := apiCall(http.MethodGet, "/api/v1/specs/"+args[0]+"/audit", nil, &records); err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("No audit records.")
			return nil
		}
		for _, r := range records {
			line := fmt.Sprintf("%s  %-9s phase=%d",
				r.RecordedAt.Format("2006-01-02 15:04:05"), r.Action, r.PhaseIndex)
			if r.Detail != "" {
				line += "  " + r.Detail
			}
			fmt.Println(line)
		}
		return nil
	},
}

func init() {
	specCreateCmd.Flags().StringVar(&createTier, "tier", string(spec.TierStandard), "complexity tier (simple|standard|complex)")
	specCreateCmd.Flags().IntVar(&createPhases, "execution-phases", 1, "number of execution phases")
	specBlockCmd.Flags().StringVar(&blockReason, "reason", "", "why the spec is blocked (required)")
	specRollbackCmd.Flags().IntVar(&rollbackTo, "to", 0, "phase index to roll back to")

	specCmd.AddCommand(specCreateCmd)
	specCmd.AddCommand(specListCmd)
	specCmd.AddCommand(specStatusCmd)
	specCmd.AddCommand(specAdvanceCmd)
	specCmd.AddCommand(specBlockCmd)
	specCmd.AddCommand(specUnblockCmd)
	specCmd.AddCommand(specRollbackCmd)
	specCmd.AddCommand(specAuditCmd)
}

// Request bodies mirror the server's API types.
type createSpecRequest struct {
	Name            string `json:"name"`
	Tier            string `json:"tier"`
	ExecutionPhases int    `json:"execution_phases"`
}

type blockRequest struct {
	Reason string `json:"reason"`
}

type rollbackRequest struct {
	ToIndex int `json:"to_index"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// apiCall performs one JSON round trip against the configured server.
// out may be nil for endpoints that return no body.
func apiCall(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, serverURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: clientTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", serverURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr errorResponse
		data, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		// echo.HTTPError bodies use a "message" field.
		var echoErr struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &echoErr) == nil && echoErr.Message != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, echoErr.Message)
		}
		return fmt.Errorf("server returned %s", strconv.Itoa(resp.StatusCode))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func printSpec(sp *spec.Spec) {
	fmt.Printf("ID:      %s\n", sp.ID)
	fmt.Printf("Name:    %s\n", sp.Name)
	fmt.Printf("Tier:    %s\n", sp.Tier)
	fmt.Printf("Status:  %s\n", sp.Status)
	fmt.Printf("Phase:   %d/%d\n", sp.CurrentPhaseIndex, len(sp.Phases)-1)
	fmt.Printf("Created: %s\n", sp.CreatedAt.Format("2006-01-02 15:04:05 MST"))
}
