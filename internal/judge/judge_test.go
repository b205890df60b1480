package judge

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attractorhq/attractor/core"
)

type fakeAIClient struct {
	response *core.AIResponse
	err      error
}

func (f *fakeAIClient) GenerateResponse(ctx context.Context, prompt string, options *core.AIOptions) (*core.AIResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.response, nil
}

func writeTranscript(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "transcript.jsonl")
	data := ""
	for _, l := range lines {
		data += l + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	return path
}

func TestEvaluateFailsOpenWhenTranscriptMissing(t *testing.T) {
	j := New(&fakeAIClient{})
	v := j.Evaluate(context.Background(), "/nonexistent/path.jsonl", "")
	assert.False(t, v.ShouldContinue)
}

func TestEvaluateFailsOpenWhenNoClient(t *testing.T) {
	path := writeTranscript(t, `{"type":"user","message":{"content":"hi"}}`)
	j := New(nil)
	v := j.Evaluate(context.Background(), path, "")
	assert.False(t, v.ShouldContinue)
}

func TestEvaluateFailsOpenOnAIError(t *testing.T) {
	path := writeTranscript(t, `{"type":"user","message":{"content":"hi"}}`)
	j := New(&fakeAIClient{err: errors.New("boom")})
	v := j.Evaluate(context.Background(), path, "")
	assert.False(t, v.ShouldContinue)
}

func TestEvaluateFailsOpenOnMalformedVerdict(t *testing.T) {
	path := writeTranscript(t, `{"type":"user","message":{"content":"hi"}}`)
	j := New(&fakeAIClient{response: &core.AIResponse{Content: "not json at all"}})
	v := j.Evaluate(context.Background(), path, "")
	assert.False(t, v.ShouldContinue)
}

func TestEvaluateFailsOpenWhenNoTurnsExtracted(t *testing.T) {
	path := writeTranscript(t, `{"type":"system","message":{"content":"noise"}}`)
	j := New(&fakeAIClient{response: &core.AIResponse{Content: `{"should_continue":true}`}})
	v := j.Evaluate(context.Background(), path, "")
	assert.False(t, v.ShouldContinue)
}

func TestEvaluateReturnsJudgeVerdictOnSuccess(t *testing.T) {
	path := writeTranscript(t, `{"type":"user","message":{"content":"please continue"}}`)
	j := New(&fakeAIClient{response: &core.AIResponse{
		Content: `{"should_continue": true, "reason": "bead ready", "suggestion": "finish impl_A"}`,
	}})
	v := j.Evaluate(context.Background(), path, "2 beads remaining")
	assert.True(t, v.ShouldContinue)
	assert.Equal(t, "bead ready", v.Reason)
	assert.Equal(t, "finish impl_A", v.Suggestion)
}

func TestEvaluateHandlesTrailingProseAfterJSON(t *testing.T) {
	path := writeTranscript(t, `{"type":"user","message":{"content":"done"}}`)
	j := New(&fakeAIClient{response: &core.AIResponse{
		Content: "{\"should_continue\": false, \"reason\": \"complete\"}\n\nNote: session looks good.",
	}})
	v := j.Evaluate(context.Background(), path, "")
	assert.False(t, v.ShouldContinue)
	assert.Equal(t, "complete", v.Reason)
}

func TestExtractLastTurnsLimitsToMaxTurns(t *testing.T) {
	path := writeTranscript(t,
		`{"type":"user","message":{"content":"one"}}`,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"two"}]}}`,
		`{"type":"user","message":{"content":"three"}}`,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"four"}]}}`,
	)
	turns, err := ExtractLastTurns(path, 2)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "three", turns[0].ContentSummary)
	assert.Equal(t, "four", turns[1].ContentSummary)
}

func TestExtractLastTurnsSummarizesToolUseBlocks(t *testing.T) {
	path := writeTranscript(t,
		`{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Read","input":{"file_path":"/a/b.go"}}]}}`,
	)
	turns, err := ExtractLastTurns(path, 5)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Contains(t, turns[0].ContentSummary, "[Tool: Read(file_path=/a/b.go)]")
}

func TestExtractLastTurnsSkipsMalformedLines(t *testing.T) {
	path := writeTranscript(t,
		`not json`,
		`{"type":"user","message":{"content":"ok"}}`,
	)
	turns, err := ExtractLastTurns(path, 5)
	require.NoError(t, err)
	require.Len(t, turns, 1)
}
