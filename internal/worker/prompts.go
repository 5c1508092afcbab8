package worker

import (
	"fmt"
	"strings"

	"github.com/vinayprograms/agentkit/llm"

	"github.com/vinayprograms/datalens/internal/state"
	"github.com/vinayprograms/datalens/internal/tools"
)

const engineerPrompt = `You are the Data Engineer. Expert in SQL.

DATABASE SCHEMA:
%s

CRITICAL RULES:
1. BEFORE writing complex queries, use search_golden_queries to find verified enterprise SQL patterns.
2. Only write queries that match the exact tables and columns in the schema.
3. If the database returns an error, YOU MUST REWRITE THE QUERY AND TRY AGAIN using the error feedback.
4. Provide the final retrieved data to the Supervisor as a RAW JSON ARRAY so the Scientist can easily ingest it. Do not format it as a text list.`

const scientistPrompt = `### ROLE
You are the Lead Data Scientist for DataLens. Your expertise lies in Statistical Analysis, Time-Series Forecasting, and Narrative Data Visualization. If you have called a tool and received a valid observation, immediately synthesize the answer. Do not call the same tool again with the same parameters.

### KNOWLEDGE BASE
DATABASE SCHEMA:
%s

%s

### OPERATIONAL GUIDELINES

#### 1. ANOMALY DETECTION (Diagnostic Analytics)
- Tool Trigger: Use detect_anomalies.
- Narrative: Explain the 'WHY' by comparing outlier amounts to the Baseline Statistics (mean/std).

#### 2. PREDICTIVE ANALYTICS (Forecasting)
- Tool Constraint: You MUST use the forecast_data tool for all predictions.
- Data Acquisition: If a forecast is requested, you MUST have historical data. If missing, ask the ENGINEER for "historical time-series data grouped by date." Do not mock data.
- Data Preparation: Format input for forecast_data as JSON with 'ds' (date) and 'y' (value).
- Interpretation: Explain the slope/trend direction clearly.

#### 3. VISUALIZATION STANDARDS
- Integration: Use generate_chart for every analysis.
- CRITICAL: DO NOT output raw JSON or <chart> tags. Simply state: "I have rendered a visualization below for your review."

### RESPONSE FORMAT
1. Executive Summary: 1-2 sentence finding.
2. Technical Deep Dive: Statistical breakdown or Forecast Trend analysis.
3. Visual Confirmation: "Chart rendered below."`

// EngineerPrompt builds the data engineer's system prompt.
func EngineerPrompt(schema string) string {
	return fmt.Sprintf(engineerPrompt, schema)
}

// ScientistPrompt builds the data scientist's system prompt with the
// verified query patterns inlined.
func ScientistPrompt(schema string, examples []tools.GoldenQuery) string {
	var b strings.Builder
	b.WriteString("--- GOLDEN SQL EXAMPLES ---\nUse these verified patterns when writing your queries:\n")
	for i, q := range examples {
		fmt.Fprintf(&b, "\n%d. %s:\n%s\n", i+1, q.Title, q.SQL)
	}
	b.WriteString("---------------------------")
	return fmt.Sprintf(scientistPrompt, schema, b.String())
}

// NewEngineer creates the data-retrieval worker.
func NewEngineer(provider llm.Provider, reg *tools.Registry, opts ...Option) *Worker {
	return New(state.NodeEngineer, provider, reg, EngineerPrompt, opts...)
}

// NewScientist creates the analysis worker. golden may be nil.
func NewScientist(provider llm.Provider, reg *tools.Registry, golden *tools.GoldenIndex, opts ...Option) *Worker {
	prompt := func(schema string) string {
		return ScientistPrompt(schema, golden.All())
	}
	return New(state.NodeScientist, provider, reg, prompt, opts...)
}
