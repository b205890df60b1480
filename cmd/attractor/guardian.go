package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/attractorhq/attractor/core"
	"github.com/attractorhq/attractor/internal/audit"
	"github.com/attractorhq/attractor/internal/guardian"
	"github.com/attractorhq/attractor/internal/signalbus"
)

var guardianCmd = &cobra.Command{
	Use:   "guardian",
	Short: "Inspect pipeline health as the read-only Guardian sibling",
}

var (
	guardianJSON  bool
	guardianTailN int
)

var guardianStatusCmd = &cobra.Command{
	Use:   "status PIPELINE_ID",
	Short: "Show the derived health label for one pipeline",
	Args:  cobra.ExactArgs(1),
	RunE:  runGuardianStatus,
}

var guardianListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every pipeline under the state directory, newest first",
	Args:  cobra.NoArgs,
	RunE:  runGuardianList,
}

var guardianVerifyChainCmd = &cobra.Command{
	Use:   "verify-chain PIPELINE_ID",
	Short: "Verify the audit log's hash chain for one pipeline",
	Args:  cobra.ExactArgs(1),
	RunE:  runGuardianVerifyChain,
}

var guardianAuditCmd = &cobra.Command{
	Use:   "audit PIPELINE_ID",
	Short: "Print a pipeline's audit log, optionally tailed",
	Args:  cobra.ExactArgs(1),
	RunE:  runGuardianAudit,
}

var guardianReactSessionName string

var guardianReactCmd = &cobra.Command{
	Use:   "react PIPELINE_ID",
	Short: "Run the Guardian's reaction loop for one worker until canceled",
	Args:  cobra.ExactArgs(1),
	RunE:  runGuardianReact,
}

func init() {
	guardianStatusCmd.Flags().BoolVar(&guardianJSON, "json", false, "emit JSON instead of text")
	guardianListCmd.Flags().BoolVar(&guardianJSON, "json", false, "emit JSON instead of text")
	guardianAuditCmd.Flags().IntVar(&guardianTailN, "tail", 0, "show only the last N entries (0 = all)")
	guardianAuditCmd.Flags().BoolVar(&guardianJSON, "json", false, "emit JSON instead of text")
	guardianReactCmd.Flags().StringVar(&guardianReactSessionName, "session", "", "worker session name, for dead-session escalation")

	guardianCmd.AddCommand(guardianStatusCmd, guardianListCmd, guardianVerifyChainCmd, guardianAuditCmd, guardianReactCmd)
}

func newGuardianFromEnv() *guardian.Guardian {
	stateDir := cfg.StateDir
	signalsDir := cfg.SignalsDir
	staleSeconds := cfg.StaleSeconds

	signals, err := signalbus.NewStore(signalsDir)
	if err != nil {
		// A Guardian that can't open the signal bus can still answer
		// read-only queries against state; the status, list and verify-chain
		// subcommands never touch signals. react opens its own store instead.
		signals = nil
	}
	return guardian.New(stateDir, signals, time.Duration(staleSeconds)*time.Second)
}

func runGuardianStatus(cmd *cobra.Command, args []string) error {
	g := newGuardianFromEnv()
	health, err := g.Status(args[0])
	if err != nil {
		return err
	}
	if guardianJSON {
		printJSON(health)
		return nil
	}
	fmt.Printf("%s\t%s\tage=%.0fs\tupdated_at=%s\n", health.PipelineID, health.Label, health.AgeSeconds, health.UpdatedAt.Format(time.RFC3339))
	return nil
}

func runGuardianList(cmd *cobra.Command, args []string) error {
	g := newGuardianFromEnv()
	healths, err := g.ListPipelines()
	if err != nil {
		return err
	}
	if guardianJSON {
		printJSON(healths)
		return nil
	}
	for _, h := range healths {
		fmt.Printf("%s\t%s\tage=%.0fs\n", h.PipelineID, h.Label, h.AgeSeconds)
	}
	return nil
}

func runGuardianVerifyChain(cmd *cobra.Command, args []string) error {
	g := newGuardianFromEnv()
	ok, reason, err := g.VerifyChain(args[0])
	if err != nil {
		return err
	}
	if guardianJSON {
		printJSON(map[string]interface{}{"valid": ok, "reason": reason})
		return nil
	}
	if ok {
		fmt.Println("chain valid")
		return nil
	}
	fmt.Println("chain broken:", reason)
	return fmt.Errorf("audit chain verification failed: %s", reason)
}

func runGuardianAudit(cmd *cobra.Command, args []string) error {
	stateDir := cfg.StateDir
	path := stateDir + "/" + args[0] + core.AuditSuffix

	w, err := audit.NewWriter(path)
	if err != nil {
		return err
	}

	entries, err := w.Tail(guardianTailN)
	if err != nil {
		return err
	}
	if guardianJSON {
		printJSON(entries)
		return nil
	}
	for _, e := range entries {
		fmt.Printf("%s\t%s\t%s -> %s\tagent=%s\n", e.Timestamp.Format(time.RFC3339), e.NodeID, e.FromStatus, e.ToStatus, e.AgentID)
	}
	return nil
}

func runGuardianReact(cmd *cobra.Command, args []string) error {
	signals, err := signalbus.NewStore(cfg.SignalsDir)
	if err != nil {
		return fmt.Errorf("opening signal bus: %w", err)
	}
	g := guardian.New(cfg.StateDir, signals, time.Duration(cfg.StaleSeconds)*time.Second)
	sessions, err := newSessionAdapter(cfg.RespawnMax)
	if err != nil {
		return fmt.Errorf("building session host: %w", err)
	}

	stuckThreshold := time.Duration(cfg.StaleSeconds) * time.Second

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	// No configured validation hook: every NEEDS_REVIEW is rejected until
	// one is wired in, per Guardian.React's documented fail-closed default.
	err = g.React(ctx, args[0], guardianReactSessionName, stuckThreshold, core.DefaultPollInterval, nil, sessions)
	if err == context.Canceled {
		return nil
	}
	return err
}
