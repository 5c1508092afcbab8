// Package events defines the external event protocol and translates
// executor updates into it.
package events

import (
	"encoding/json"
	"strings"

	"github.com/vinayprograms/datalens/internal/audit"
	"github.com/vinayprograms/datalens/internal/chart"
	"github.com/vinayprograms/datalens/internal/graph"
	"github.com/vinayprograms/datalens/internal/state"
)

// Type identifies an event.
type Type string

const (
	TypeRouting     Type = "routing"
	TypeNodeStart   Type = "node_start"
	TypeThought     Type = "thought"
	TypeAction      Type = "action"
	TypeObservation Type = "observation"
	TypeChart       Type = "chart"
	TypeInterrupt   Type = "interrupt"
	TypeAuditStart  Type = "audit_start"
	TypeFinal       Type = "final"
	TypeError       Type = "error"
)

// Event is one entry of the stream sent to callers.
type Event struct {
	Type    Type          `json:"type"`
	Route   state.Route   `json:"route,omitempty"`
	Node    state.Node    `json:"node,omitempty"`
	Text    string        `json:"text,omitempty"`
	Name    string        `json:"name,omitempty"`
	Input   string        `json:"input,omitempty"`
	Lang    string        `json:"lang,omitempty"`
	JSON    string        `json:"json,omitempty"`
	Metrics *audit.Result `json:"metrics,omitempty"`
	Error   string        `json:"error,omitempty"`

	// Err is the error behind an error event, for errors.Is checks.
	Err error `json:"-"`
}

// Terminal reports whether no event can follow this one in a stream.
func (e Event) Terminal() bool {
	return e.Type == TypeFinal || e.Type == TypeInterrupt || e.Type == TypeError
}

func Routing(route state.Route) Event { return Event{Type: TypeRouting, Route: route} }
func NodeStart(node state.Node) Event { return Event{Type: TypeNodeStart, Node: node} }
func Thought(text string) Event       { return Event{Type: TypeThought, Text: text} }
func Observation(text string) Event   { return Event{Type: TypeObservation, Text: text} }
func Chart(payload string) Event      { return Event{Type: TypeChart, JSON: payload} }
func Interrupt(node state.Node) Event { return Event{Type: TypeInterrupt, Node: node} }
func AuditStart() Event               { return Event{Type: TypeAuditStart} }

// Action reports a tool invocation.
func Action(name, input, lang string) Event {
	return Event{Type: TypeAction, Name: name, Input: input, Lang: lang}
}

// Final carries the answer and its audit scores.
func Final(text string, metrics audit.Result) Event {
	return Event{Type: TypeFinal, Text: text, Metrics: &metrics}
}

// Failure ends a stream with err.
func Failure(err error) Event {
	return Event{Type: TypeError, Error: err.Error(), Err: err}
}

const (
	// DefaultObservationLimit caps observation text, in runes.
	DefaultObservationLimit = 2000
	truncatedSuffix         = "... [truncated]"
)

// Translator turns executor updates into events.
type Translator struct {
	// ObservationLimit caps observation text in runes. Zero uses
	// DefaultObservationLimit and a negative value disables the cap.
	ObservationLimit int
}

// NewTranslator creates a translator with the given observation cap.
func NewTranslator(limit int) *Translator {
	return &Translator{ObservationLimit: limit}
}

// Translate returns the events for one update, in order.
func (t *Translator) Translate(u graph.Update) []Event {
	if u.Interrupt {
		return []Event{Interrupt(u.Node)}
	}
	if u.Node == state.NodeSupervisor {
		return []Event{Routing(u.Route)}
	}

	out := []Event{NodeStart(u.Node)}
	for _, m := range u.Messages {
		switch m.Role {
		case state.RoleAssistant:
			if m.Content != "" {
				out = append(out, Thought(m.Content))
			}
			for _, tc := range m.ToolCalls {
				out = append(out, Action(tc.Name, ActionInput(tc.Args), Lang(tc.Name)))
			}
		case state.RoleTool:
			out = append(out, t.observation(m)...)
		}
	}
	return out
}

func (t *Translator) observation(m state.Message) []Event {
	switch {
	case m.Chart != "":
		return []Event{Chart(m.Chart), Observation(chart.Placeholder)}
	case chart.IsPayload(m.Content):
		return []Event{Chart(m.Content), Observation(chart.Placeholder)}
	default:
		return []Event{Observation(t.truncate(m.Content))}
	}
}

func (t *Translator) truncate(s string) string {
	limit := t.ObservationLimit
	if limit == 0 {
		limit = DefaultObservationLimit
	}
	if limit < 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + truncatedSuffix
}

// Lang tags a tool by the language its input is written in.
func Lang(tool string) string {
	name := strings.ToLower(tool)
	if strings.Contains(name, "sql") || strings.Contains(name, "duckdb") {
		return "sql"
	}
	return "python"
}

// inputKeys are the arguments shown as an action's input, in priority order.
var inputKeys = []string{"query", "code", "data_json"}

// ActionInput picks the argument worth showing for a tool call.
func ActionInput(args map[string]interface{}) string {
	for _, k := range inputKeys {
		v, ok := args[k]
		if !ok {
			continue
		}
		if s, ok := v.(string); ok {
			return s
		}
		return marshal(v)
	}
	if args == nil {
		return "{}"
	}
	return marshal(args)
}

func marshal(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
