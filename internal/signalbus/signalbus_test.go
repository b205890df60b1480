package signalbus

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attractorhq/attractor/core"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func TestWriteThenReadOneRoundTrips(t *testing.T) {
	store := newTestStore(t)

	path, err := store.Write(Signal{
		Source:  RoleRunner,
		Target:  RoleGuardian,
		Type:    TypeNeedsReview,
		Payload: []byte(`{"node_id":"impl_A"}`),
	})
	require.NoError(t, err)

	sig, err := store.ReadOne(path)
	require.NoError(t, err)
	assert.Equal(t, RoleRunner, sig.Source)
	assert.Equal(t, RoleGuardian, sig.Target)
	assert.Equal(t, TypeNeedsReview, sig.Type)
	assert.JSONEq(t, `{"node_id":"impl_A"}`, string(sig.Payload))
	assert.False(t, sig.CreatedAt.IsZero())
}

func TestListFiltersByTargetAndIsFIFO(t *testing.T) {
	store := newTestStore(t)

	for i := 0; i < 3; i++ {
		_, err := store.Write(Signal{Source: RoleRunner, Target: RoleGuardian, Type: TypeNodeComplete})
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}
	_, err := store.Write(Signal{Source: RoleGuardian, Target: RoleRunner, Type: TypeGuidance})
	require.NoError(t, err)

	sigs, err := store.List(RoleGuardian)
	require.NoError(t, err)
	require.Len(t, sigs, 3)

	for i := 1; i < len(sigs); i++ {
		assert.True(t, sigs[i-1].CreatedAt.Before(sigs[i].CreatedAt) || sigs[i-1].CreatedAt.Equal(sigs[i].CreatedAt))
	}
}

func TestConsumeIsIdempotent(t *testing.T) {
	store := newTestStore(t)

	path, err := store.Write(Signal{Source: RoleRunner, Target: RoleGuardian, Type: TypeNodeComplete})
	require.NoError(t, err)

	require.NoError(t, store.Consume(path))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, store.Consume(path))

	processed := filepath.Join(store.dir, processedDirName, filepath.Base(path))
	_, err = os.Stat(processed)
	assert.NoError(t, err)
}

func TestWaitReturnsOldestOnceAvailable(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = store.Write(Signal{Source: RoleRunner, Target: RoleGuardian, Type: TypeNodeComplete})
	}()

	sig, err := store.Wait(ctx, RoleGuardian, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, TypeNodeComplete, sig.Type)
}

func TestWaitTimesOut(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Wait(ctx, RoleGuardian, 30*time.Millisecond, 10*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrWaitTimedOut)
}

func TestReadOneRejectsMalformedJSON(t *testing.T) {
	store := newTestStore(t)
	path := filepath.Join(store.dir, "20260101T000000.000000000Z-runner-guardian-abcdef.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))

	_, err := store.ReadOne(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrMalformedSignal)
}
