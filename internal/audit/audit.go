// Package audit scores a finished answer against the history that produced it.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/vinayprograms/agentkit/llm"
	"github.com/vinayprograms/agentkit/logging"
	"github.com/vinayprograms/agentkit/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

const judgePrompt = `You are an LLMOps Evaluation Judge.
Evaluate the agent's Final Answer based strictly on the retrieved data (History).
USER QUESTION: %s
AGENT HISTORY: %s
AGENT FINAL ANSWER: %s

Evaluate on two metrics (0.0 to 1.0). Return ONLY valid JSON: {"groundedness": 1.0, "completeness": 0.9, "reasoning": "text"}`

// FailedReasoning is the reasoning attached to a zero-scored result.
const FailedReasoning = "Evaluation failed."

// Result holds the judge's scores.
type Result struct {
	Groundedness float64 `json:"groundedness"`
	Completeness float64 `json:"completeness"`
	Reasoning    string  `json:"reasoning"`
}

// Failed is the result reported when evaluation could not complete.
func Failed() Result {
	return Result{Reasoning: FailedReasoning}
}

// Auditor asks a judge model to grade answers.
type Auditor struct {
	provider llm.Provider
	logger   *logging.Logger
}

// New creates an auditor backed by provider.
func New(provider llm.Provider) *Auditor {
	return &Auditor{
		provider: provider,
		logger:   logging.New().WithComponent("audit"),
	}
}

// Prompt builds the judge prompt.
func Prompt(question, history, final string) string {
	return fmt.Sprintf(judgePrompt, question, history, final)
}

// Score grades final. It never fails; any problem yields Failed().
func (a *Auditor) Score(ctx context.Context, question, history, final string) Result {
	ctx, span := telemetry.GetTracer().StartSpan(ctx, "audit")
	defer span.End()

	res, err := a.score(ctx, question, history, final)
	if err != nil {
		span.RecordError(err)
		a.logger.Warn("audit failed", map[string]interface{}{"error": err.Error()})
		return Failed()
	}
	span.SetAttributes(
		attribute.Float64("audit.groundedness", res.Groundedness),
		attribute.Float64("audit.completeness", res.Completeness),
	)
	a.logger.Info("audit complete", map[string]interface{}{
		"groundedness": res.Groundedness,
		"completeness": res.Completeness,
	})
	return res
}

func (a *Auditor) score(ctx context.Context, question, history, final string) (Result, error) {
	if a == nil || a.provider == nil {
		return Result{}, errors.New("no judge model configured")
	}
	resp, err := a.provider.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{{Role: "user", Content: Prompt(question, history, final)}},
	})
	if err != nil {
		return Result{}, fmt.Errorf("judge call failed: %w", err)
	}
	a.logger.Debug("judge reply", map[string]interface{}{"content": resp.Content})
	return Parse(resp.Content)
}

// Parse decodes a judge reply, tolerating code fences and surrounding prose.
// Scores are clamped to [0, 1].
func Parse(content string) (Result, error) {
	text := strings.ReplaceAll(content, "```json", "")
	text = strings.ReplaceAll(text, "```", "")
	text = strings.TrimSpace(text)

	var raw struct {
		Groundedness *float64 `json:"groundedness"`
		Completeness *float64 `json:"completeness"`
		Reasoning    string   `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		obj := firstObject(text)
		if obj == "" {
			return Result{}, fmt.Errorf("judge reply is not JSON: %w", err)
		}
		if err := json.Unmarshal([]byte(obj), &raw); err != nil {
			return Result{}, fmt.Errorf("judge reply is not JSON: %w", err)
		}
	}
	if raw.Groundedness == nil || raw.Completeness == nil {
		return Result{}, errors.New("judge reply is missing scores")
	}
	return Result{
		Groundedness: clamp(*raw.Groundedness),
		Completeness: clamp(*raw.Completeness),
		Reasoning:    raw.Reasoning,
	}, nil
}

// firstObject returns the first balanced {...} span in s.
func firstObject(s string) string {
	start := strings.Index(s, "{")
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case c == '{' && !inString:
			depth++
		case c == '}' && !inString:
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
