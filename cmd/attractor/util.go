package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/attractorhq/attractor/internal/sessionhost"
	"github.com/attractorhq/attractor/resilience"
)

// printJSON writes v to stdout as indented JSON, the CLI's one output
// format for structured results (spec.md §6: scriptable output).
func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintln(os.Stderr, "error: encoding output:", err)
	}
}

// newSessionAdapter builds the production Session Host Adapter, tmux-backed
// and wrapped in a circuit breaker so a systemically broken multiplexer
// stops being retried (spec.md §9's "injected configuration" note for the
// reserved-prefix list applies the same way to this adapter's resilience
// wiring — every CLI construction site shares it rather than each
// reimplementing its own breaker). Reserved prefixes come from the process
// config (cfg.ReservedSessionPrefixes) rather than the package default, so
// WithReservedSessionPrefixes actually has an effect on a running process.
func newSessionAdapter(respawnMax int) (*sessionhost.Adapter, error) {
	breaker, err := resilience.NewCircuitBreaker(nil)
	if err != nil {
		return nil, fmt.Errorf("building session host circuit breaker: %w", err)
	}
	return sessionhost.New(
		sessionhost.TmuxMultiplexer{},
		cfg.ReservedSessionPrefixes,
		respawnMax,
		sessionhost.WithCircuitBreaker(breaker),
	), nil
}
