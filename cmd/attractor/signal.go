package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/attractorhq/attractor/core"
	"github.com/attractorhq/attractor/internal/signalbus"
)

var signalCmd = &cobra.Command{
	Use:   "signal",
	Short: "Emit, read, and wait on envelopes in the filesystem-backed signal bus",
}

var (
	signalSource      string
	signalTarget      string
	signalPayloadJSON string
	signalWaitTimeout time.Duration
)

var signalEmitCmd = &cobra.Command{
	Use:   "emit TYPE",
	Short: "Write one signal envelope to the bus",
	Args:  cobra.ExactArgs(1),
	RunE:  runSignalEmit,
}

var signalReadCmd = &cobra.Command{
	Use:   "read PATH",
	Short: "Read and print one signal envelope by path",
	Args:  cobra.ExactArgs(1),
	RunE:  runSignalRead,
}

var signalWaitCmd = &cobra.Command{
	Use:   "wait",
	Short: "Block until a signal addressed to --target arrives, or time out",
	Args:  cobra.NoArgs,
	RunE:  runSignalWait,
}

func init() {
	signalEmitCmd.Flags().StringVar(&signalSource, "source", "", "source role (runner, guardian, terminal, channel, system)")
	signalEmitCmd.Flags().StringVar(&signalTarget, "target", "", "target role")
	signalEmitCmd.Flags().StringVar(&signalPayloadJSON, "payload", "{}", "payload as a JSON object")

	signalWaitCmd.Flags().StringVar(&signalTarget, "target", "", "target role to wait for")
	signalWaitCmd.Flags().DurationVar(&signalWaitTimeout, "timeout", 30*time.Second, "how long to wait before giving up")

	signalCmd.AddCommand(signalEmitCmd, signalReadCmd, signalWaitCmd)
}

func newSignalStoreFromEnv() (*signalbus.Store, error) {
	return signalbus.NewStore(cfg.SignalsDir)
}

func runSignalEmit(cmd *cobra.Command, args []string) error {
	if signalSource == "" || signalTarget == "" {
		return usageErrorf("signal emit: --source and --target are required")
	}

	var payload json.RawMessage
	if err := json.Unmarshal([]byte(signalPayloadJSON), &payload); err != nil {
		return usageErrorf("signal emit: --payload must be valid JSON: %v", err)
	}

	store, err := newSignalStoreFromEnv()
	if err != nil {
		return err
	}

	path, err := store.Write(signalbus.Signal{
		Source:  signalbus.Role(signalSource),
		Target:  signalbus.Role(signalTarget),
		Type:    signalbus.Type(args[0]),
		Payload: payload,
	})
	if err != nil {
		return err
	}
	fmt.Println(path)
	return nil
}

func runSignalRead(cmd *cobra.Command, args []string) error {
	store, err := newSignalStoreFromEnv()
	if err != nil {
		return err
	}
	sig, err := store.ReadOne(args[0])
	if err != nil {
		return err
	}
	printJSON(sig)
	return nil
}

func runSignalWait(cmd *cobra.Command, args []string) error {
	if signalTarget == "" {
		return usageErrorf("signal wait: --target is required")
	}

	store, err := newSignalStoreFromEnv()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	sig, err := store.Wait(ctx, signalbus.Role(signalTarget), signalWaitTimeout, core.DefaultPollInterval)
	if err != nil {
		return err
	}
	printJSON(sig)
	return nil
}
