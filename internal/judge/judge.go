// Package judge implements the Completion Judge (C10): a fail-open
// short-circuit evaluator invoked when a qualifying session signals
// shutdown, deciding whether the session genuinely has nothing left to do.
package judge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/attractorhq/attractor/core"
	"github.com/attractorhq/attractor/logger"
)

// Turn is one user/assistant exchange extracted from a transcript.
type Turn struct {
	Role           string
	ContentSummary string
}

// Verdict is the judge's output (spec.md §4.10). ShouldContinue=true blocks
// the stop; false allows it.
type Verdict struct {
	ShouldContinue bool
	Reason         string
	Suggestion     string
}

const (
	defaultMaxTurns    = 5
	contentSummaryCap  = 600
	toolInputSummaryCap = 40
)

// systemPrompt mirrors the judge's evaluation rubric: check recent turns
// against the outstanding-work summary and decide whether real work remains.
const systemPrompt = `You are a session completion evaluator for an autonomous pipeline orchestrator.

Decide whether the session should be allowed to stop, given the outstanding
work summary and the last turns of its transcript.

Respond with JSON only: {"should_continue": boolean, "reason": "...", "suggestion": "..."}
should_continue=true means BLOCK the stop (there is more to do).
should_continue=false means ALLOW the stop (the session is done).`

// Judge delegates evaluation to an injected AIClient (spec.md §4.10: "pure
// function of its inputs delegated to an external summariser").
type Judge struct {
	client   core.AIClient
	maxTurns int
	logger   logger.Logger
}

// Option configures a Judge.
type Option func(*Judge)

// WithMaxTurns overrides how many trailing transcript turns are sent to the
// summariser, defaulting to 5.
func WithMaxTurns(n int) Option {
	return func(j *Judge) { j.maxTurns = n }
}

// WithLogger attaches a logger, defaulting to logger.NewDefaultLogger(),
// which writes through the standard log package.
func WithLogger(l logger.Logger) Option {
	return func(j *Judge) { j.logger = l }
}

// New builds a Judge. client may be nil — Evaluate then always fails open.
func New(client core.AIClient, opts ...Option) *Judge {
	j := &Judge{
		client:   client,
		maxTurns: defaultMaxTurns,
		logger:   logger.NewDefaultLogger(),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// failOpen returns the canonical "allow stop" verdict carrying reason, the
// short-circuit outcome for every guard in spec.md §4.10.
func failOpen(reason string) Verdict {
	return Verdict{ShouldContinue: false, Reason: reason}
}

// Evaluate runs the fail-open ladder: missing transcript, missing AI client,
// AI call error, and malformed verdict JSON all yield should_continue=false
// without ever returning an error to the caller — the judge never mutates
// state and the caller decides how to act on the verdict either way.
func (j *Judge) Evaluate(ctx context.Context, transcriptPath, outstandingWork string) Verdict {
	if transcriptPath == "" {
		return failOpen("no transcript available, skipping judge")
	}
	if _, err := os.Stat(transcriptPath); err != nil {
		return failOpen("no transcript available, skipping judge")
	}
	if j.client == nil {
		return failOpen("no AI client configured, skipping judge")
	}

	turns, err := ExtractLastTurns(transcriptPath, j.maxTurns)
	if err != nil {
		j.logger.Warn("judge: error reading transcript", "error", err)
		return failOpen(fmt.Sprintf("judge error (fail-open): %v", err))
	}
	if len(turns) == 0 {
		return failOpen("no conversation turns found in transcript")
	}

	prompt := buildEvaluationPrompt(turns, outstandingWork)

	resp, err := j.client.GenerateResponse(ctx, prompt, &core.AIOptions{SystemPrompt: systemPrompt})
	if err != nil {
		j.logger.Warn("judge: AI call failed", "error", err)
		return failOpen(fmt.Sprintf("judge error (fail-open): %v", err))
	}

	verdict, err := parseVerdict(resp.Content)
	if err != nil {
		j.logger.Warn("judge: malformed verdict", "error", err)
		return failOpen(fmt.Sprintf("judge error (fail-open): %v", err))
	}
	return verdict
}

type verdictResponse struct {
	ShouldContinue bool   `json:"should_continue"`
	Reason         string `json:"reason"`
	Suggestion     string `json:"suggestion"`
}

// parseVerdict extracts the outermost JSON object from raw (a judge
// summariser may append explanatory prose after the JSON) and decodes it.
func parseVerdict(raw string) (Verdict, error) {
	obj, err := extractJSONObject(raw)
	if err != nil {
		return Verdict{}, err
	}
	var v verdictResponse
	if err := json.Unmarshal([]byte(obj), &v); err != nil {
		return Verdict{}, err
	}
	return Verdict{ShouldContinue: v.ShouldContinue, Reason: v.Reason, Suggestion: v.Suggestion}, nil
}

// extractJSONObject returns the substring of text spanning the first '{' and
// its matching '}', tracking string/escape state so braces inside string
// literals don't throw off the depth count.
func extractJSONObject(text string) (string, error) {
	start := strings.IndexByte(text, '{')
	if start == -1 {
		return "", fmt.Errorf("no '{' found in response text")
	}

	depth := 0
	inString := false
	escapeNext := false

	for i := start; i < len(text); i++ {
		c := text[i]

		if escapeNext {
			escapeNext = false
			continue
		}
		if c == '\\' && inString {
			escapeNext = true
			continue
		}
		if c == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch c {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], nil
			}
		}
	}

	return "", fmt.Errorf("unbalanced braces in response (depth=%d at end)", depth)
}

// transcriptEntry is the minimal shape read out of a JSONL transcript line.
type transcriptEntry struct {
	Type    string `json:"type"`
	Message struct {
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

type contentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ExtractLastTurns reads a JSONL transcript and returns up to maxTurns
// trailing user/assistant turns with a short content summary each.
func ExtractLastTurns(transcriptPath string, maxTurns int) ([]Turn, error) {
	f, err := os.Open(transcriptPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var turns []Turn
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry transcriptEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if entry.Type != "user" && entry.Type != "assistant" {
			continue
		}
		summary := summarizeContent(entry)
		if summary != "" {
			turns = append(turns, Turn{Role: entry.Type, ContentSummary: summary})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if maxTurns > 0 && len(turns) > maxTurns {
		turns = turns[len(turns)-maxTurns:]
	}
	return turns, nil
}

func summarizeContent(entry transcriptEntry) string {
	var parts []string

	var asString string
	if json.Unmarshal(entry.Message.Content, &asString) == nil {
		parts = append(parts, asString)
	} else {
		var blocks []contentBlock
		if json.Unmarshal(entry.Message.Content, &blocks) == nil {
			for _, b := range blocks {
				switch b.Type {
				case "text":
					parts = append(parts, b.Text)
				case "tool_use":
					if entry.Type == "assistant" {
						parts = append(parts, fmt.Sprintf("[Tool: %s(%s)]", b.Name, summarizeToolInput(b.Input)))
					}
				}
			}
		}
	}

	full := strings.Join(parts, " ")
	if len(full) > contentSummaryCap {
		return full[:contentSummaryCap] + "..."
	}
	return full
}

func summarizeToolInput(raw json.RawMessage) string {
	var input map[string]interface{}
	if err := json.Unmarshal(raw, &input); err != nil || len(input) == 0 {
		return "no params"
	}

	var pairs []string
	for _, key := range []string{"file_path", "pattern", "command", "skill", "prompt", "message"} {
		if v, ok := input[key]; ok {
			pairs = append(pairs, fmt.Sprintf("%s=%s", key, truncateValue(v)))
			if len(pairs) >= 2 {
				break
			}
		}
	}
	if len(pairs) > 0 {
		return strings.Join(pairs, ", ")
	}

	for k, v := range input {
		return fmt.Sprintf("%s=%s", k, truncateValue(v))
	}
	return "no params"
}

func truncateValue(v interface{}) string {
	s := fmt.Sprintf("%v", v)
	if len(s) > toolInputSummaryCap {
		return s[:toolInputSummaryCap] + "..."
	}
	return s
}

// buildEvaluationPrompt puts the outstanding-work summary first (the
// decision-relevant data), then the conversation turns (spec.md §4.10:
// "Input: the last K turns of the session's transcript plus a summary of
// its outstanding work").
func buildEvaluationPrompt(turns []Turn, outstandingWork string) string {
	var b strings.Builder
	b.WriteString("## Outstanding work\n")
	if outstandingWork == "" {
		b.WriteString("(none reported)\n")
	} else {
		b.WriteString(outstandingWork)
		b.WriteString("\n")
	}

	b.WriteString("\n## Recent conversation turns\n")
	for _, t := range turns {
		fmt.Fprintf(&b, "[%s] %s\n", t.Role, t.ContentSummary)
	}

	return b.String()
}
