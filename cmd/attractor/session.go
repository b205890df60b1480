package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/attractorhq/attractor/internal/sessionhost"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Spawn and inspect tmux-backed worker sessions via the Session Host Adapter",
}

var (
	sessionName       string
	sessionCwd        string
	sessionPrompt     string
	sessionMaxRespawn int
)

var sessionSpawnCmd = &cobra.Command{
	Use:   "spawn",
	Short: "Spawn a new session, refusing reserved prefixes and already-alive names",
	Args:  cobra.NoArgs,
	RunE:  runSessionSpawn,
}

var sessionAliveCmd = &cobra.Command{
	Use:   "alive",
	Short: "Report whether a session is alive",
	Args:  cobra.NoArgs,
	RunE:  runSessionAlive,
}

func init() {
	sessionSpawnCmd.Flags().StringVar(&sessionName, "name", "", "session name")
	sessionSpawnCmd.Flags().StringVar(&sessionCwd, "cwd", ".", "working directory for the new session")
	sessionSpawnCmd.Flags().StringVar(&sessionPrompt, "prompt", "", "initial input sent to the session once it starts")
	sessionSpawnCmd.Flags().IntVar(&sessionMaxRespawn, "max-respawn", 0, "override the respawn cap (0 = use ATTRACTOR_RESPAWN_MAX)")

	sessionAliveCmd.Flags().StringVar(&sessionName, "name", "", "session name")

	sessionCmd.AddCommand(sessionSpawnCmd, sessionAliveCmd)
}

func newSessionAdapterFromEnv() (*sessionhost.Adapter, error) {
	respawnMax := sessionMaxRespawn
	if respawnMax <= 0 {
		respawnMax = cfg.RespawnMax
	}
	return newSessionAdapter(respawnMax)
}

func runSessionSpawn(cmd *cobra.Command, args []string) error {
	if sessionName == "" {
		return usageErrorf("session spawn: --name is required")
	}
	a, err := newSessionAdapterFromEnv()
	if err != nil {
		return err
	}
	if err := a.Spawn(sessionName, sessionCwd, sessionPrompt); err != nil {
		return err
	}
	fmt.Println(sessionName)
	return nil
}

func runSessionAlive(cmd *cobra.Command, args []string) error {
	if sessionName == "" {
		return usageErrorf("session alive: --name is required")
	}
	a, err := newSessionAdapterFromEnv()
	if err != nil {
		return err
	}
	alive, err := a.IsAlive(sessionName)
	if err != nil {
		return err
	}
	printJSON(map[string]interface{}{"name": sessionName, "alive": alive})
	return nil
}
