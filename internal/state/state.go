// Package state defines the shared conversation state driven through the graph.
package state

import (
	"encoding/json"
	"strings"

	"github.com/vinayprograms/agentkit/llm"
)

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Route is a routing decision emitted by the supervisor.
type Route string

const (
	RouteEngineer  Route = "ENGINEER"
	RouteScientist Route = "SCIENTIST"
	RouteFinish    Route = "FINISH"
)

// Routes lists every legal routing decision.
var Routes = []Route{RouteEngineer, RouteScientist, RouteFinish}

// ParseRoute normalizes a raw routing value. The second return is false
// when the value is not one of the legal routes.
func ParseRoute(s string) (Route, bool) {
	v := strings.ToUpper(strings.TrimSpace(s))
	v = strings.Trim(v, "\"'`.")
	for _, r := range Routes {
		if v == string(r) {
			return r, true
		}
	}
	return "", false
}

// Node is a state of the execution graph.
type Node string

const (
	NodeSupervisor Node = "SUPERVISOR"
	NodeEngineer   Node = "ENGINEER"
	NodeScientist  Node = "SCIENTIST"
	NodeFinished   Node = "FINISHED"
)

// IsWorker reports whether the node runs a worker agent.
func (n Node) IsWorker() bool {
	return n == NodeEngineer || n == NodeScientist
}

// ToolCall is a single tool invocation requested by the model.
type ToolCall struct {
	ID   string                 `json:"id"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args,omitempty"`
}

// Message is one entry of the conversation log. Messages are never
// modified after they are appended.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`

	// Chart holds a structured chart payload that was folded out of Content.
	Chart string `json:"chart,omitempty"`
}

// UserMessage builds a user message.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	out := m
	if m.ToolCalls != nil {
		out.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			out.ToolCalls[i] = ToolCall{ID: tc.ID, Name: tc.Name, Args: cloneArgs(tc.Args)}
		}
	}
	return out
}

// SessionState is the shared memory of the team for one session.
type SessionState struct {
	Messages []Message `json:"messages"`
	NextNode Route     `json:"next_node,omitempty"`
}

// Clone returns a deep copy that shares nothing with s.
func (s SessionState) Clone() SessionState {
	out := SessionState{NextNode: s.NextNode}
	if s.Messages != nil {
		out.Messages = make([]Message, len(s.Messages))
		for i, m := range s.Messages {
			out.Messages[i] = m.Clone()
		}
	}
	return out
}

// Append adds messages to the end of the log.
func (s *SessionState) Append(msgs ...Message) {
	for _, m := range msgs {
		s.Messages = append(s.Messages, m.Clone())
	}
}

// LatestUserMessage returns the verbatim content of the most recent user message.
func (s SessionState) LatestUserMessage() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleUser {
			return s.Messages[i].Content
		}
	}
	return "No input"
}

// LatestAssistantContent returns the content of the most recent assistant
// message that carries text.
func (s SessionState) LatestAssistantContent() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		m := s.Messages[i]
		if m.Role == RoleAssistant && m.Content != "" {
			return m.Content
		}
	}
	return ""
}

// IsPrefixOf reports whether s.Messages is a prefix of other.Messages.
func (s SessionState) IsPrefixOf(other SessionState) bool {
	if len(s.Messages) > len(other.Messages) {
		return false
	}
	for i := range s.Messages {
		a, _ := json.Marshal(s.Messages[i])
		b, _ := json.Marshal(other.Messages[i])
		if string(a) != string(b) {
			return false
		}
	}
	return true
}

// ToLLM converts conversation messages into provider messages.
func ToLLM(msgs []Message) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		lm := llm.Message{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			lm.ToolCalls = append(lm.ToolCalls, llm.ToolCallResponse{
				ID:   tc.ID,
				Name: tc.Name,
				Args: cloneArgs(tc.Args),
			})
		}
		out = append(out, lm)
	}
	return out
}

// FromToolCalls converts provider tool calls into conversation tool calls.
func FromToolCalls(calls []llm.ToolCallResponse) []ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]ToolCall, len(calls))
	for i, tc := range calls {
		out[i] = ToolCall{ID: tc.ID, Name: tc.Name, Args: cloneArgs(tc.Args)}
	}
	return out
}

// cloneArgs deep copies tool arguments through a JSON round trip, which is
// sufficient because arguments always originate from JSON.
func cloneArgs(args map[string]interface{}) map[string]interface{} {
	if args == nil {
		return nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		out := make(map[string]interface{}, len(args))
		for k, v := range args {
			out[k] = v
		}
		return out
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
