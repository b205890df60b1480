package sessionhost

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attractorhq/attractor/core"
)

type fakeMux struct {
	sessions map[string]bool
	newErr   error
}

func newFakeMux() *fakeMux {
	return &fakeMux{sessions: make(map[string]bool)}
}

func (f *fakeMux) NewSession(name, workingDir string, width, height int) error {
	if f.newErr != nil {
		return f.newErr
	}
	f.sessions[name] = true
	return nil
}

func (f *fakeMux) HasSession(name string) (bool, error) {
	return f.sessions[name], nil
}

func (f *fakeMux) SendKeys(name, keys string) error {
	if !f.sessions[name] {
		return errors.New("no such session")
	}
	return nil
}

func (f *fakeMux) KillSession(name string) error {
	delete(f.sessions, name)
	return nil
}

func TestSpawnRejectsReservedPrefix(t *testing.T) {
	mux := newFakeMux()
	a := New(mux, []string{"attractor-"}, 3)

	err := a.Spawn("attractor-runner", "/tmp", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrReservedSessionName)
}

func TestSpawnRejectsAlreadyAlive(t *testing.T) {
	mux := newFakeMux()
	a := New(mux, nil, 3)

	require.NoError(t, a.Spawn("orchestrator-impl_A", "/tmp", ""))
	err := a.Spawn("orchestrator-impl_A", "/tmp", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrSessionAlreadyAlive)
}

func TestIsAliveReflectsMultiplexerState(t *testing.T) {
	mux := newFakeMux()
	a := New(mux, nil, 3)

	alive, err := a.IsAlive("orchestrator-impl_A")
	require.NoError(t, err)
	assert.False(t, alive)

	require.NoError(t, a.Spawn("orchestrator-impl_A", "/tmp", ""))
	alive, err = a.IsAlive("orchestrator-impl_A")
	require.NoError(t, err)
	assert.True(t, alive)
}

func TestRespawnReturnsAlreadyAliveWithoutRespawning(t *testing.T) {
	mux := newFakeMux()
	a := New(mux, nil, 3)
	require.NoError(t, a.Spawn("orchestrator-impl_A", "/tmp", ""))

	result, err := a.Respawn("orchestrator-impl_A", "/tmp")
	require.NoError(t, err)
	assert.Equal(t, RespawnAlreadyAlive, result.Status)
}

func TestRespawnRecreatesDeadSessionAndIncrementsCount(t *testing.T) {
	mux := newFakeMux()
	a := New(mux, nil, 3)
	require.NoError(t, a.Spawn("orchestrator-impl_A", "/tmp", ""))
	require.NoError(t, mux.KillSession("orchestrator-impl_A"))

	result, err := a.Respawn("orchestrator-impl_A", "/tmp")
	require.NoError(t, err)
	assert.Equal(t, RespawnRespawned, result.Status)
	assert.Equal(t, 1, result.NewCount)
}

func TestRespawnRefusesOnceCapReached(t *testing.T) {
	mux := newFakeMux()
	a := New(mux, nil, 1)
	require.NoError(t, a.Spawn("orchestrator-impl_A", "/tmp", ""))
	require.NoError(t, mux.KillSession("orchestrator-impl_A"))

	_, err := a.Respawn("orchestrator-impl_A", "/tmp")
	require.NoError(t, err)
	require.NoError(t, mux.KillSession("orchestrator-impl_A"))

	result, err := a.Respawn("orchestrator-impl_A", "/tmp")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrRespawnCapReached)
	assert.Equal(t, RespawnError, result.Status)
	assert.Equal(t, "respawn cap reached (1/1)", result.Message)
}

// TestRespawnCapMessageNamesCounts matches spec.md §8 scenario 9: with
// max_respawn=3 and 3 prior respawns, the refusal message must name the
// actual counts ("3/3"), not a static string.
func TestRespawnCapMessageNamesCounts(t *testing.T) {
	mux := newFakeMux()
	a := New(mux, nil, 3)
	require.NoError(t, a.Spawn("orchestrator-impl_A", "/tmp", ""))

	for i := 0; i < 3; i++ {
		require.NoError(t, mux.KillSession("orchestrator-impl_A"))
		_, err := a.Respawn("orchestrator-impl_A", "/tmp")
		require.NoError(t, err)
	}

	require.NoError(t, mux.KillSession("orchestrator-impl_A"))
	result, err := a.Respawn("orchestrator-impl_A", "/tmp")
	require.Error(t, err)
	assert.Equal(t, "respawn cap reached (3/3)", result.Message)
}
