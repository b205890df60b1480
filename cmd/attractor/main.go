// Command attractor is the meta-orchestrator CLI: one binary exposing the
// Pipeline Runner, Guardian, signal bus, and session host adapter as
// subcommands.
package main

import (
	"errors"
	"fmt"
	"os"
)

func main() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}

	fmt.Fprintln(os.Stderr, "error:", err)

	var usageErr *UsageError
	if errors.As(err, &usageErr) {
		os.Exit(2)
	}
	os.Exit(1)
}

// UsageError marks a failure as a CLI usage error (exit code 2 per
// spec.md §6) rather than an operational failure (exit code 1).
type UsageError struct {
	msg string
}

func (e *UsageError) Error() string { return e.msg }

func usageErrorf(format string, args ...interface{}) error {
	return &UsageError{msg: fmt.Sprintf(format, args...)}
}
