package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/attractorhq/attractor/core"
	"github.com/attractorhq/attractor/internal/audit"
	"github.com/attractorhq/attractor/internal/dag"
	"github.com/attractorhq/attractor/internal/guardrails"
	"github.com/attractorhq/attractor/internal/identity"
	"github.com/attractorhq/attractor/internal/pipeline"
	"github.com/attractorhq/attractor/internal/runner"
	"github.com/attractorhq/attractor/internal/signalbus"
)

var runnerCmd = &cobra.Command{
	Use:   "runner",
	Short: "Drive a pipeline's DAG through the Pipeline Runner",
}

var (
	runnerPipelinePath  string
	runnerStateDir      string
	runnerSessionID     string
	runnerDryRun        bool
	runnerMaxIterations int
)

var runnerRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the Pipeline Runner's reactive loop against one pipeline description",
	RunE:  runRunnerRun,
}

func init() {
	runnerRunCmd.Flags().StringVar(&runnerPipelinePath, "pipeline", "", "path to the DAG description (YAML or JSON)")
	runnerRunCmd.Flags().StringVar(&runnerStateDir, "state-dir", "", "directory for persisted RunnerState and audit logs")
	runnerRunCmd.Flags().StringVar(&runnerSessionID, "session-id", "", "session identifier for this runner process")
	runnerRunCmd.Flags().BoolVar(&runnerDryRun, "dry-run", false, "compose and print one Plan without executing it")
	runnerRunCmd.Flags().IntVar(&runnerMaxIterations, "max-iterations", 0, "stop after N cycles (0 = run until the pipeline completes)")
	runnerCmd.AddCommand(runnerRunCmd)
}

func runRunnerRun(cmd *cobra.Command, args []string) error {
	if runnerPipelinePath == "" {
		return usageErrorf("runner run: --pipeline is required")
	}

	stateDir := runnerStateDir
	if stateDir == "" {
		stateDir = cfg.StateDir
	}
	signalsDir := cfg.SignalsDir
	identitiesDir := cfg.IdentitiesDir

	d, err := dag.Load(runnerPipelinePath)
	if err != nil {
		return fmt.Errorf("loading pipeline: %w", err)
	}

	pipelineID := pipelineIDFromPath(runnerPipelinePath)
	sessionID := runnerSessionID
	if sessionID == "" {
		sessionID = "runner-" + pipelineID
	}

	state, err := runner.LoadState(stateDir, pipelineID)
	if err != nil {
		if !core.IsNotFound(err) {
			return fmt.Errorf("loading runner state: %w", err)
		}
		state = pipeline.NewRunnerState(pipelineID, runnerPipelinePath, sessionID)
	}

	signals, err := signalbus.NewStore(signalsDir)
	if err != nil {
		return fmt.Errorf("opening signal bus: %w", err)
	}

	auditPath := filepath.Join(stateDir, pipelineID+core.AuditSuffix)
	auditLog, err := audit.NewWriter(auditPath)
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}

	maxRetries := cfg.MaxRetries
	evidenceMaxAge := cfg.EvidenceMaxAge
	spotCheckRate := cfg.SpotCheckRate
	hooks := guardrails.New(maxRetries, time.Duration(evidenceMaxAge)*time.Second, spotCheckRate)

	identities, err := identity.NewRegistry(identitiesDir)
	if err != nil {
		return fmt.Errorf("opening identity registry: %w", err)
	}

	sessions, err := newSessionAdapter(cfg.RespawnMax)
	if err != nil {
		return fmt.Errorf("building session host: %w", err)
	}

	r := runner.New(d, state, stateDir, signals, auditLog, hooks, identities, sessions, maxRetries)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if runnerDryRun {
		plan, err := r.Cycle(ctx)
		if err != nil {
			return fmt.Errorf("composing plan: %w", err)
		}
		printJSON(plan)
		return nil
	}

	pollInterval := core.DefaultPollInterval
	for iteration := 0; runnerMaxIterations <= 0 || iteration < runnerMaxIterations; iteration++ {
		plan, err := r.Cycle(ctx)
		if err != nil {
			return fmt.Errorf("cycle %d: %w", iteration, err)
		}
		if plan.PipelineComplete {
			printJSON(plan)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
	return nil
}

func pipelineIDFromPath(path string) string {
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	return base[:len(base)-len(ext)]
}
