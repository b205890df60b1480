package dag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attractorhq/attractor/core"
)

const sampleYAML = `
nodes:
  - id: start
    handler: terminal-entry
    status: validated
  - id: impl_A
    handler: code-generator
  - id: impl_B
    handler: code-generator
  - id: validate_A
    handler: human-wait
  - id: exit
    handler: terminal-exit
edges:
  - from: start
    to: impl_A
  - from: start
    to: impl_B
  - from: impl_A
    to: validate_A
  - from: validate_A
    to: exit
  - from: impl_B
    to: exit
`

func TestParseAndReadyForFreshPipeline(t *testing.T) {
	d, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	ready := d.Ready()
	require.Len(t, ready, 2)
	assert.Equal(t, "impl_A", ready[0].ID)
	assert.Equal(t, "impl_B", ready[1].ID)
}

func TestReadyRespectsPriorityThenNodeID(t *testing.T) {
	raw := `
nodes:
  - id: b
    handler: code-generator
  - id: a
    handler: code-generator
    priority: high
edges: []
`
	d, err := Parse([]byte(raw))
	require.NoError(t, err)

	ready := d.Ready()
	require.Len(t, ready, 2)
	assert.Equal(t, "a", ready[0].ID)
	assert.Equal(t, "b", ready[1].ID)
}

func TestParseRejectsCycle(t *testing.T) {
	raw := `
nodes:
  - id: a
    handler: code-generator
  - id: b
    handler: code-generator
edges:
  - from: a
    to: b
  - from: b
    to: a
`
	_, err := Parse([]byte(raw))
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrDAGCycle)
}

func TestParseRejectsUnknownEdgeEndpoint(t *testing.T) {
	raw := `
nodes:
  - id: a
    handler: code-generator
edges:
  - from: a
    to: ghost
`
	_, err := Parse([]byte(raw))
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrNodeNotFound)
}

func TestStuckReportsRetryExhaustedAndDownstream(t *testing.T) {
	d, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	d.SetStatus("impl_A", StatusFailed)
	for i := 0; i < 3; i++ {
		d.IncrementRetry("impl_A")
	}

	stuck := d.Stuck(3)
	require.NotEmpty(t, stuck)
	assert.Equal(t, "impl_A", stuck[0].Node.ID)
	require.Len(t, stuck, 2)
	assert.Equal(t, "validate_A", stuck[1].Node.ID)
}

func TestIsCompleteRequiresExitValidated(t *testing.T) {
	d, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)
	assert.False(t, d.IsComplete())

	for _, id := range []string{"impl_A", "impl_B", "validate_A", "exit"} {
		d.SetStatus(id, StatusValidated)
	}
	assert.True(t, d.IsComplete())
}
