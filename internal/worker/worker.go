// Package worker runs the specialist agents that act on the shared state.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vinayprograms/agentkit/llm"
	"github.com/vinayprograms/agentkit/logging"

	"github.com/vinayprograms/datalens/internal/chart"
	"github.com/vinayprograms/datalens/internal/state"
	"github.com/vinayprograms/datalens/internal/tools"
)

// ErrIterationLimit is returned when a worker exceeds its model-call budget.
var ErrIterationLimit = errors.New("worker iteration limit exceeded")

// DefaultMaxIterations bounds the model calls of a single act.
const DefaultMaxIterations = 50

// Worker is a tool-using agent bound to one graph node.
type Worker struct {
	Node          state.Node
	Provider      llm.Provider
	Tools         *tools.Registry
	Prompt        func(schema string) string
	MaxIterations int
	ToolTimeout   time.Duration
	Policy        state.ContextPolicy

	logger *logging.Logger
}

// Option configures a Worker.
type Option func(*Worker)

// WithMaxIterations sets the model-call budget.
func WithMaxIterations(n int) Option {
	return func(w *Worker) { w.MaxIterations = n }
}

// WithToolTimeout bounds each tool execution.
func WithToolTimeout(d time.Duration) Option {
	return func(w *Worker) { w.ToolTimeout = d }
}

// WithContextPolicy bounds the history sent to the model.
func WithContextPolicy(p state.ContextPolicy) Option {
	return func(w *Worker) { w.Policy = p }
}

// New creates a worker for node.
func New(node state.Node, provider llm.Provider, reg *tools.Registry, prompt func(string) string, opts ...Option) *Worker {
	w := &Worker{
		Node:          node,
		Provider:      provider,
		Tools:         reg,
		Prompt:        prompt,
		MaxIterations: DefaultMaxIterations,
		logger:        logging.New().WithComponent("worker"),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.Tools == nil {
		w.Tools = tools.NewRegistry()
	}
	return w
}

// Act runs the tool loop against st and returns only the messages it
// produced. The input state is not modified.
func (w *Worker) Act(ctx context.Context, st state.SessionState, schema string) ([]state.Message, error) {
	ctx, span := startActSpan(ctx, w.Node)
	var delta []state.Message
	var err error
	defer func() { endActSpan(span, len(delta), err) }()

	system := llm.Message{Role: "system", Content: w.Prompt(schema)}
	history := w.Policy.Window(st.Messages)
	defs := w.Tools.Definitions()

	for i := 0; ; i++ {
		if i >= w.MaxIterations {
			w.logger.Warn("worker iteration limit reached", map[string]interface{}{
				"node":  string(w.Node),
				"limit": w.MaxIterations,
			})
			err = fmt.Errorf("%s: %w (%d)", w.Node, ErrIterationLimit, w.MaxIterations)
			return nil, err
		}

		messages := append([]llm.Message{system}, state.ToLLM(history)...)
		messages = append(messages, state.ToLLM(delta)...)

		resp, chatErr := w.Provider.Chat(ctx, llm.ChatRequest{Messages: messages, Tools: defs})
		if chatErr != nil {
			if ctx.Err() != nil {
				err = fmt.Errorf("%s: %w", w.Node, ctx.Err())
				return nil, err
			}
			w.logger.Warn("worker model error", map[string]interface{}{
				"node":  string(w.Node),
				"error": chatErr.Error(),
			})
			delta = append(delta, state.Message{
				Role:    state.RoleAssistant,
				Content: fmt.Sprintf("%s could not complete this step: %v", w.Node, chatErr),
			})
			return delta, nil
		}

		calls := state.FromToolCalls(resp.ToolCalls)
		if len(calls) == 0 {
			delta = append(delta, state.Message{Role: state.RoleAssistant, Content: resp.Content})
			w.logger.Info("worker finished", map[string]interface{}{
				"node":       string(w.Node),
				"iterations": i + 1,
				"messages":   len(delta),
			})
			return delta, nil
		}

		for j := range calls {
			if calls[j].ID == "" {
				calls[j].ID = "call_" + uuid.New().String()
			}
		}
		delta = append(delta, state.Message{Role: state.RoleAssistant, Content: resp.Content, ToolCalls: calls})

		for _, tc := range calls {
			if ctx.Err() != nil {
				err = fmt.Errorf("%s: %w", w.Node, ctx.Err())
				return nil, err
			}
			delta = append(delta, w.runTool(ctx, tc))
		}
	}
}

// runTool executes one call and converts the outcome into a tool message.
func (w *Worker) runTool(ctx context.Context, tc state.ToolCall) state.Message {
	start := time.Now()
	msg := state.Message{Role: state.RoleTool, ToolCallID: tc.ID, ToolName: tc.Name}

	ctx, span := startToolSpan(ctx, tc.Name)
	content, err := w.executeTool(ctx, tc)
	endToolSpan(span, content, err)

	if err != nil {
		w.logger.Warn("tool failed", map[string]interface{}{
			"node":  string(w.Node),
			"tool":  tc.Name,
			"error": err.Error(),
		})
		msg.Content = "Error: " + err.Error()
		return msg
	}

	w.logger.Debug("tool result", map[string]interface{}{
		"node":        string(w.Node),
		"tool":        tc.Name,
		"duration_ms": time.Since(start).Milliseconds(),
		"bytes":       len(content),
	})

	if chart.IsPayload(content) {
		msg.Content = chart.Placeholder
		msg.Chart = content
		return msg
	}
	msg.Content = content
	return msg
}

// executeTool runs one tool call. A panicking tool is reported as an error
// so the model sees it as an observation.
func (w *Worker) executeTool(ctx context.Context, tc state.ToolCall) (content string, err error) {
	defer func() {
		if r := recover(); r != nil {
			content, err = "", fmt.Errorf("tool %s panicked: %v", tc.Name, r)
		}
	}()

	tool := w.Tools.Get(tc.Name)
	if tool == nil {
		return "", fmt.Errorf("tool not found: %s", tc.Name)
	}

	if w.ToolTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.ToolTimeout)
		defer cancel()
	}

	args := tc.Args
	if args == nil {
		args = map[string]interface{}{}
	}
	return tool.Execute(ctx, args)
}
