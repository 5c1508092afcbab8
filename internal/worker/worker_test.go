package worker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/vinayprograms/agentkit/llm"

	"github.com/vinayprograms/datalens/internal/chart"
	"github.com/vinayprograms/datalens/internal/state"
	"github.com/vinayprograms/datalens/internal/tools"
)

// fakeTool returns a canned result.
type fakeTool struct {
	name   string
	result string
	err    error
	block  bool
	panics bool
	calls  int
}

func (f *fakeTool) Name() string                       { return f.name }
func (f *fakeTool) Description() string                { return "fake " + f.name }
func (f *fakeTool) Parameters() map[string]interface{} { return map[string]interface{}{"type": "object"} }

func (f *fakeTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	f.calls++
	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if f.panics {
		panic("makeslice: len out of range")
	}
	return f.result, f.err
}

func question(q string) state.SessionState {
	return state.SessionState{Messages: []state.Message{state.UserMessage(q)}}
}

// scripted replies with a tool call first and a final answer once a tool
// result is in the conversation.
func scripted(tool string, args map[string]interface{}, final string) func(context.Context, llm.ChatRequest) (*llm.ChatResponse, error) {
	return func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
		for _, m := range req.Messages {
			if m.Role == "tool" {
				return &llm.ChatResponse{Content: final}, nil
			}
		}
		return &llm.ChatResponse{
			Content:   "Let me query that.",
			ToolCalls: []llm.ToolCallResponse{{ID: "tc-1", Name: tool, Args: args}},
		}, nil
	}
}

func TestAct_DirectAnswer(t *testing.T) {
	provider := llm.NewMockProvider()
	provider.SetResponse("Total sales are 42.")

	w := NewEngineer(provider, tools.NewRegistry())
	st := question("total sales")
	delta, err := w.Act(context.Background(), st, "schema")
	if err != nil {
		t.Fatalf("Act failed: %v", err)
	}
	if len(delta) != 1 || delta[0].Role != state.RoleAssistant || delta[0].Content != "Total sales are 42." {
		t.Errorf("unexpected delta: %+v", delta)
	}
	if len(st.Messages) != 1 {
		t.Error("input state was modified")
	}

	req := provider.LastRequest()
	if req.Messages[0].Role != "system" || !strings.Contains(req.Messages[0].Content, "schema") {
		t.Errorf("system prompt missing schema: %+v", req.Messages[0])
	}
}

func TestAct_ToolLoop(t *testing.T) {
	sql := &fakeTool{name: "execute_sql_query", result: `[{"total": 42}]`}
	provider := llm.NewMockProvider()
	provider.ChatFunc = scripted("execute_sql_query", map[string]interface{}{"query": "SELECT 42"}, `[{"total": 42}]`)

	w := NewEngineer(provider, tools.NewRegistry(sql))
	delta, err := w.Act(context.Background(), question("total"), "")
	if err != nil {
		t.Fatalf("Act failed: %v", err)
	}
	if len(delta) != 3 {
		t.Fatalf("expected call, result and answer, got %d: %+v", len(delta), delta)
	}
	if len(delta[0].ToolCalls) != 1 || delta[0].ToolCalls[0].Name != "execute_sql_query" {
		t.Errorf("first message should carry the tool call: %+v", delta[0])
	}
	if delta[0].Content != "Let me query that." {
		t.Errorf("thought lost: %q", delta[0].Content)
	}
	if delta[1].Role != state.RoleTool || delta[1].ToolCallID != "tc-1" || delta[1].Content != `[{"total": 42}]` {
		t.Errorf("unexpected tool message: %+v", delta[1])
	}
	if delta[2].Role != state.RoleAssistant || len(delta[2].ToolCalls) != 0 {
		t.Errorf("unexpected final message: %+v", delta[2])
	}
	if sql.calls != 1 {
		t.Errorf("expected 1 tool call, got %d", sql.calls)
	}

	req := provider.LastRequest()
	last := req.Messages[len(req.Messages)-1]
	if last.Role != "tool" || last.ToolCallID != "tc-1" {
		t.Errorf("tool result not sent back to the model: %+v", last)
	}
}

func TestAct_ToolErrorBecomesObservation(t *testing.T) {
	broken := &fakeTool{name: "detect_anomalies", err: errors.New("sql_query is required")}
	provider := llm.NewMockProvider()
	provider.ChatFunc = scripted("detect_anomalies", nil, "Could not analyze.")

	delta, err := NewScientist(provider, tools.NewRegistry(broken), nil).Act(context.Background(), question("anomalies"), "")
	if err != nil {
		t.Fatalf("Act failed: %v", err)
	}
	if delta[1].Content != "Error: sql_query is required" {
		t.Errorf("expected error observation, got %q", delta[1].Content)
	}
}

func TestAct_ToolPanicBecomesObservation(t *testing.T) {
	crashing := &fakeTool{name: "forecast_data", panics: true}
	provider := llm.NewMockProvider()
	provider.ChatFunc = scripted("forecast_data", map[string]interface{}{"periods": 1e15}, "Could not forecast.")

	delta, err := NewScientist(provider, tools.NewRegistry(crashing), nil).Act(context.Background(), question("forecast"), "")
	if err != nil {
		t.Fatalf("Act failed: %v", err)
	}
	if len(delta) != 3 {
		t.Fatalf("expected call, observation and answer, got %d messages", len(delta))
	}
	want := "Error: tool forecast_data panicked: makeslice: len out of range"
	if delta[1].Role != state.RoleTool || delta[1].Content != want {
		t.Errorf("expected panic observation %q, got %q", want, delta[1].Content)
	}
	if delta[2].Content != "Could not forecast." {
		t.Errorf("loop should continue after a panic, got %q", delta[2].Content)
	}
}

func TestAct_UnknownTool(t *testing.T) {
	provider := llm.NewMockProvider()
	provider.ChatFunc = scripted("python_analyst", nil, "ok")

	delta, err := NewScientist(provider, tools.NewRegistry(), nil).Act(context.Background(), question("q"), "")
	if err != nil {
		t.Fatalf("Act failed: %v", err)
	}
	if delta[1].Content != "Error: tool not found: python_analyst" {
		t.Errorf("unexpected observation: %q", delta[1].Content)
	}
}

func TestAct_FoldsChartPayload(t *testing.T) {
	fig := chart.Figure{Data: []chart.Trace{{Type: "bar"}}, Layout: chart.Layout{Title: chart.Title{Text: "Sales"}}}
	payload, _ := fig.JSON()
	charter := &fakeTool{name: "generate_chart", result: payload}
	provider := llm.NewMockProvider()
	provider.ChatFunc = scripted("generate_chart", map[string]interface{}{"data_json": "[]"}, "Chart rendered below.")

	delta, err := NewScientist(provider, tools.NewRegistry(charter), nil).Act(context.Background(), question("chart"), "")
	if err != nil {
		t.Fatalf("Act failed: %v", err)
	}
	if delta[1].Content != chart.Placeholder {
		t.Errorf("expected placeholder, got %q", delta[1].Content)
	}
	if delta[1].Chart != payload {
		t.Errorf("chart payload not preserved: %q", delta[1].Chart)
	}

	req := provider.LastRequest()
	for _, m := range req.Messages {
		if strings.Contains(m.Content, `"layout"`) {
			t.Error("raw chart payload must not be sent back to the model")
		}
	}
}

func TestAct_IterationLimit(t *testing.T) {
	loop := &fakeTool{name: "execute_sql_query", result: "[]"}
	provider := llm.NewMockProvider()
	provider.ChatFunc = func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
		return &llm.ChatResponse{ToolCalls: []llm.ToolCallResponse{{ID: "x", Name: "execute_sql_query"}}}, nil
	}

	w := NewEngineer(provider, tools.NewRegistry(loop), WithMaxIterations(3))
	delta, err := w.Act(context.Background(), question("loop"), "")
	if !errors.Is(err, ErrIterationLimit) {
		t.Fatalf("expected ErrIterationLimit, got %v", err)
	}
	if delta != nil {
		t.Errorf("partial delta must be discarded, got %d messages", len(delta))
	}
	if loop.calls != 3 {
		t.Errorf("expected 3 tool executions, got %d", loop.calls)
	}
}

func TestAct_ModelFailureIsContained(t *testing.T) {
	provider := llm.NewMockProvider()
	provider.ChatFunc = func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
		return nil, errors.New("upstream 503")
	}

	delta, err := NewEngineer(provider, nil).Act(context.Background(), question("q"), "")
	if err != nil {
		t.Fatalf("model failure should be contained, got %v", err)
	}
	if len(delta) != 1 || delta[0].Content != "ENGINEER could not complete this step: upstream 503" {
		t.Errorf("unexpected delta: %+v", delta)
	}
}

func TestAct_CancelledContextPropagates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	provider := llm.NewMockProvider()
	provider.ChatFunc = func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
		return nil, ctx.Err()
	}

	_, err := NewEngineer(provider, nil).Act(ctx, question("q"), "")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestAct_ToolTimeout(t *testing.T) {
	slow := &fakeTool{name: "execute_sql_query", block: true}
	provider := llm.NewMockProvider()
	provider.ChatFunc = scripted("execute_sql_query", nil, "timed out")

	w := NewEngineer(provider, tools.NewRegistry(slow), WithToolTimeout(20*time.Millisecond))
	delta, err := w.Act(context.Background(), question("q"), "")
	if err != nil {
		t.Fatalf("Act failed: %v", err)
	}
	if !strings.HasPrefix(delta[1].Content, "Error: ") || !strings.Contains(delta[1].Content, "deadline exceeded") {
		t.Errorf("expected timeout observation, got %q", delta[1].Content)
	}
}

func TestAct_AssignsMissingCallIDs(t *testing.T) {
	sql := &fakeTool{name: "execute_sql_query", result: "[]"}
	calls := 0
	provider := llm.NewMockProvider()
	provider.ChatFunc = func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
		calls++
		if calls == 1 {
			return &llm.ChatResponse{ToolCalls: []llm.ToolCallResponse{{Name: "execute_sql_query"}}}, nil
		}
		return &llm.ChatResponse{Content: "done"}, nil
	}

	delta, err := NewEngineer(provider, tools.NewRegistry(sql)).Act(context.Background(), question("q"), "")
	if err != nil {
		t.Fatalf("Act failed: %v", err)
	}
	id := delta[0].ToolCalls[0].ID
	if id == "" || delta[1].ToolCallID != id {
		t.Errorf("tool call and result must share a generated id: %q vs %q", id, delta[1].ToolCallID)
	}
}

func TestPrompts(t *testing.T) {
	eng := EngineerPrompt("SCHEMA-X")
	if !strings.Contains(eng, "SCHEMA-X") || !strings.Contains(eng, "search_golden_queries") {
		t.Errorf("engineer prompt incomplete: %s", eng)
	}

	golden, err := tools.NewGoldenIndex()
	if err != nil {
		t.Fatalf("NewGoldenIndex failed: %v", err)
	}
	sci := ScientistPrompt("SCHEMA-Y", golden.All())
	for _, want := range []string{"SCHEMA-Y", "1. Time-Series Aggregation:", "4. Preparing Data for Forecasting (Scientist):", "forecast_data"} {
		if !strings.Contains(sci, want) {
			t.Errorf("scientist prompt missing %q", want)
		}
	}
}
