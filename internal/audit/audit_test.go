package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWriter(t *testing.T) *Writer {
	t.Helper()
	w, err := NewWriter(filepath.Join(t.TempDir(), "pipeline-audit.jsonl"))
	require.NoError(t, err)
	return w
}

func TestAppendBuildsHashChain(t *testing.T) {
	w := newTestWriter(t)

	e1, err := w.Append(Entry{Timestamp: time.Now().UTC(), NodeID: "impl_A", ToStatus: "active"})
	require.NoError(t, err)
	assert.Empty(t, e1.PrevHash)
	assert.NotEmpty(t, e1.EntryHash)

	e2, err := w.Append(Entry{Timestamp: time.Now().UTC(), NodeID: "impl_A", ToStatus: "impl_complete"})
	require.NoError(t, err)
	assert.Equal(t, e1.EntryHash, e2.PrevHash)

	ok, reason, err := w.VerifyChain()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, reason)
}

func TestVerifyChainDetectsTamperedMiddleEntry(t *testing.T) {
	w := newTestWriter(t)

	for i := 0; i < 3; i++ {
		_, err := w.Append(Entry{Timestamp: time.Now().UTC(), NodeID: "impl_A", ToStatus: "active"})
		require.NoError(t, err)
	}

	lines := readLines(t, w.path)
	require.Len(t, lines, 3)

	var second map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	second["node_id"] = "tampered"
	tampered, err := json.Marshal(second)
	require.NoError(t, err)
	lines[1] = string(tampered)

	require.NoError(t, os.WriteFile(w.path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))

	ok, reason, err := w.VerifyChain()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, reason, "entry 2")
}

func TestVerifyChainEmptyLogIsValid(t *testing.T) {
	w := newTestWriter(t)
	ok, reason, err := w.VerifyChain()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, reason)
}

func TestTailReturnsLastN(t *testing.T) {
	w := newTestWriter(t)
	for i := 0; i < 5; i++ {
		_, err := w.Append(Entry{Timestamp: time.Now().UTC(), NodeID: "n", ToStatus: "active"})
		require.NoError(t, err)
	}

	tail, err := w.Tail(2)
	require.NoError(t, err)
	assert.Len(t, tail, 2)

	count, err := w.Count()
	require.NoError(t, err)
	assert.Equal(t, 5, count)
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.NoError(t, scanner.Err())
	return lines
}
