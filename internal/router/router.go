// Package router implements the supervisor that picks the next worker.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vinayprograms/agentkit/llm"
	"github.com/vinayprograms/agentkit/logging"

	"github.com/vinayprograms/datalens/internal/state"
)

// ToolName is the name of the constrained-output tool offered to the model.
const ToolName = "route"

const instructionTemplate = `You are the DataLens Team Supervisor.
Your team:
- ENGINEER: Expert in SQL and data extraction.
- SCIENTIST: Expert in Anomaly Detection, Forecasting, and Plotly Charts.

DATABASE SCHEMA:
%s

CRITICAL ROUTING RULES:
1. Look EXACTLY at the user's LATEST request below.
2. Does the chat history already contain the EXACT answer to this specific new request? If NO, you MUST route to a worker.
3. If the user asks for new data, a new region, a new metric, or a different time period -> Route to ENGINEER.
4. If the user asks for anomalies, forecasting, or charts -> Route to SCIENTIST.
5. ONLY route to FINISH if the user is just saying "thanks" or the EXACT requested data and chart for the LATEST prompt have already been generated in the previous turn.

Answer by calling the %s tool.

LATEST USER REQUEST: "%s"`

// Router asks a small model for the next routing decision.
type Router struct {
	provider llm.Provider
	policy   state.ContextPolicy
	logger   *logging.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithContextPolicy bounds the history sent to the model.
func WithContextPolicy(p state.ContextPolicy) Option {
	return func(r *Router) { r.policy = p }
}

// New creates a router backed by provider.
func New(provider llm.Provider, opts ...Option) *Router {
	r := &Router{
		provider: provider,
		logger:   logging.New().WithComponent("router"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Instruction builds the system instruction for the given state.
func Instruction(st state.SessionState, schema string) string {
	return fmt.Sprintf(instructionTemplate, schema, ToolName, st.LatestUserMessage())
}

// Definition returns the routing tool whose single parameter is an enum
// of the legal routes.
func Definition() llm.ToolDef {
	routes := make([]string, len(state.Routes))
	for i, r := range state.Routes {
		routes[i] = string(r)
	}
	return llm.ToolDef{
		Name:        ToolName,
		Description: "Worker to route to next. If no workers are needed, route to FINISH.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"next": map[string]interface{}{
					"type":        "string",
					"enum":        routes,
					"description": "Next node to route to: 'ENGINEER', 'SCIENTIST', or 'FINISH'",
				},
			},
			"required": []string{"next"},
		},
	}
}

// Decide returns the next route. It never fails: any model error or
// unusable reply becomes FINISH.
func (r *Router) Decide(ctx context.Context, st state.SessionState, schema string) state.Route {
	messages := []llm.Message{{Role: "system", Content: Instruction(st, schema)}}
	messages = append(messages, state.ToLLM(r.policy.Window(st.Messages))...)

	r.logger.Debug("routing request", map[string]interface{}{
		"messages": len(messages),
		"latest":   st.LatestUserMessage(),
	})

	resp, err := r.provider.Chat(ctx, llm.ChatRequest{
		Messages: messages,
		Tools:    []llm.ToolDef{Definition()},
	})
	if err != nil {
		r.logger.Warn("router model error, finishing", map[string]interface{}{"error": err.Error()})
		return state.RouteFinish
	}

	raw := extract(resp)
	route, ok := state.ParseRoute(raw)
	if !ok {
		r.logger.Warn("router returned an invalid route, finishing", map[string]interface{}{"raw": raw})
		return state.RouteFinish
	}
	r.logger.Info("routed", map[string]interface{}{"route": string(route)})
	return route
}

// extract pulls the raw routing value out of a response: the route tool
// call first, then a JSON object in the content, then the bare content.
func extract(resp *llm.ChatResponse) string {
	if resp == nil {
		return ""
	}
	for _, tc := range resp.ToolCalls {
		if tc.Name != ToolName {
			continue
		}
		if next, ok := tc.Args["next"].(string); ok {
			return next
		}
	}

	content := strings.TrimSpace(resp.Content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	if strings.HasPrefix(content, "{") {
		var obj struct {
			Next string `json:"next"`
		}
		if err := json.Unmarshal([]byte(content), &obj); err == nil {
			return obj.Next
		}
	}
	return content
}
