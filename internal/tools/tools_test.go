package tools

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

// newWarehouse seeds a small transactions table and opens it read-only.
func newWarehouse(t *testing.T, outlier bool) *Warehouse {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lake.db")

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("open error: %v", err)
	}
	if _, err := db.Exec(`CREATE TABLE transactions (
		transaction_date DATE,
		region TEXT,
		product_name TEXT,
		amount REAL
	)`); err != nil {
		t.Fatalf("create error: %v", err)
	}

	regions := []string{"EMEA", "APAC", "AMER", "LATAM"}
	for i := 0; i < 120; i++ {
		day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, i)
		if _, err := db.Exec(`INSERT INTO transactions VALUES (?, ?, ?, ?)`,
			day.Format("2006-01-02"), regions[i%4], fmt.Sprintf("product-%d", i%7), 100.0); err != nil {
			t.Fatalf("insert error: %v", err)
		}
	}
	if outlier {
		if _, err := db.Exec(`INSERT INTO transactions VALUES ('2024-05-01', 'EMEA', 'product-9', 10000.0)`); err != nil {
			t.Fatalf("insert error: %v", err)
		}
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close error: %v", err)
	}

	wh, err := OpenWarehouse(WarehouseConfig{Path: path, Schema: "DATABASE SCHEMA:\n- transactions: amount (DOUBLE)"})
	if err != nil {
		t.Fatalf("open warehouse error: %v", err)
	}
	t.Cleanup(func() { wh.Close() })
	return wh
}

// execute runs a tool and fails the test on a returned error.
func execute(t *testing.T, tool Tool, args map[string]interface{}) string {
	t.Helper()
	out, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("execute error: %v", err)
	}
	return out
}

func TestRegistry_Definitions(t *testing.T) {
	wh := newWarehouse(t, false)
	golden, err := NewGoldenIndex()
	if err != nil {
		t.Fatalf("golden error: %v", err)
	}

	eng := EngineerTools(wh, golden)
	if got := eng.Names(); !reflect.DeepEqual(got, []string{"execute_sql_query", "search_golden_queries"}) {
		t.Errorf("unexpected engineer tools: %v", got)
	}

	sci := ScientistTools(wh)
	defs := sci.Definitions()
	if len(defs) != 3 {
		t.Fatalf("expected 3 definitions, got %d", len(defs))
	}
	for i, want := range []string{"detect_anomalies", "forecast_data", "generate_chart"} {
		if defs[i].Name != want {
			t.Errorf("definition %d: expected %s, got %s", i, want, defs[i].Name)
		}
	}
	for _, d := range defs {
		if d.Description == "" {
			t.Errorf("%s has no description", d.Name)
		}
		if d.Parameters["type"] != "object" {
			t.Errorf("%s parameters should be an object schema", d.Name)
		}
	}

	sub := sci.Subset("generate_chart", "missing")
	if got := sub.Names(); !reflect.DeepEqual(got, []string{"generate_chart"}) {
		t.Errorf("unexpected subset: %v", got)
	}
	if sub.Get("forecast_data") != nil {
		t.Error("subset should not contain forecast_data")
	}
}

func TestPeelQuotes(t *testing.T) {
	cases := map[string]string{
		`"""SELECT 1"""`: "SELECT 1",
		`'''SELECT 1'''`: "SELECT 1",
		`"SELECT 1"`:     "SELECT 1",
		`'SELECT 1'`:     "SELECT 1",
		`  SELECT 1  `:   "SELECT 1",
		`SELECT 'a'`:     "SELECT 'a'",
		`"`:              `"`,
	}
	for in, want := range cases {
		if got := peelQuotes(in); got != want {
			t.Errorf("peelQuotes(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSQLQuery_Rows(t *testing.T) {
	wh := newWarehouse(t, false)
	out := execute(t, EngineerTools(wh, nil).Get("execute_sql_query"), map[string]interface{}{
		"query": `"SELECT region, SUM(amount) AS total FROM transactions GROUP BY region ORDER BY region"`,
	})

	var rows []map[string]interface{}
	if err := json.Unmarshal([]byte(out), &rows); err != nil {
		t.Fatalf("invalid JSON %q: %v", out, err)
	}
	if len(rows) != 4 {
		t.Fatalf("expected 4 rows, got %d", len(rows))
	}
	if rows[0]["region"] != "AMER" || rows[0]["total"] != 3000.0 {
		t.Errorf("unexpected first row: %v", rows[0])
	}
	if strings.Index(out, `"region"`) > strings.Index(out, `"total"`) {
		t.Errorf("column order lost: %s", out)
	}
}

func TestSQLQuery_DatesAreStrings(t *testing.T) {
	wh := newWarehouse(t, false)
	out := execute(t, EngineerTools(wh, nil).Get("execute_sql_query"), map[string]interface{}{
		"query": "SELECT transaction_date FROM transactions ORDER BY transaction_date LIMIT 1",
	})
	if !strings.Contains(out, `"2024-01-01"`) {
		t.Errorf("expected date string, got %s", out)
	}
}

func TestSQLQuery_TooManyRows(t *testing.T) {
	wh := newWarehouse(t, false)
	out := execute(t, EngineerTools(wh, nil).Get("execute_sql_query"), map[string]interface{}{"query": "SELECT * FROM transactions"})

	want := "Error: Query returned > 100 rows. REWRITE your query using LIMIT or aggregation (SUM, AVG) to be more specific."
	if out != want {
		t.Errorf("got %q", out)
	}
}

func TestSQLQuery_SelfHealingError(t *testing.T) {
	wh := newWarehouse(t, false)
	out := execute(t, EngineerTools(wh, nil).Get("execute_sql_query"), map[string]interface{}{"query": "'SELECT revenue FROM transactions'"})

	if !strings.HasPrefix(out, "DATABASE ERROR: ") {
		t.Errorf("expected database error, got %q", out)
	}
	for _, want := range []string{
		"\nPROCESSED QUERY: SELECT revenue FROM transactions\n",
		"INSTRUCTION: Do not apologize.",
		"call execute_sql_query again.",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q", want)
		}
	}
}

func TestSQLQuery_ReadOnly(t *testing.T) {
	wh := newWarehouse(t, false)
	out := execute(t, EngineerTools(wh, nil).Get("execute_sql_query"), map[string]interface{}{"query": "DELETE FROM transactions"})
	if !strings.HasPrefix(out, "DATABASE ERROR: ") {
		t.Errorf("expected write to be rejected, got %q", out)
	}
}

func TestSQLQuery_MissingQuery(t *testing.T) {
	wh := newWarehouse(t, false)
	tool := EngineerTools(wh, nil).Get("execute_sql_query")

	if _, err := tool.Execute(context.Background(), map[string]interface{}{}); err == nil {
		t.Error("expected error for missing query")
	}
}

func TestWarehouse_Schema(t *testing.T) {
	wh := newWarehouse(t, false)
	if !strings.Contains(wh.Schema(), "transactions") {
		t.Errorf("unexpected schema: %q", wh.Schema())
	}

	var missing *Warehouse
	if got := missing.Schema(); got != "Database schema unavailable." {
		t.Errorf("unexpected nil schema: %q", got)
	}

	if _, err := OpenWarehouse(WarehouseConfig{Path: filepath.Join(t.TempDir(), "nope.db")}); err == nil {
		t.Error("expected error for missing database")
	}
}

func TestGolden_Search(t *testing.T) {
	golden, err := NewGoldenIndex()
	if err != nil {
		t.Fatalf("golden error: %v", err)
	}
	if golden.Len() != 4 {
		t.Errorf("expected 4 built-in queries, got %d", golden.Len())
	}

	out := execute(t, &goldenSearchTool{index: golden}, map[string]interface{}{"search_term": "top performers by revenue"})
	if !strings.HasPrefix(out, "Observation: Found verified SQL patterns:\nEXAMPLE 1: Finding Top Performers: SELECT product_name") {
		t.Errorf("unexpected result: %q", out)
	}
	if n := strings.Count(out, "EXAMPLE "); n > 2 {
		t.Errorf("expected at most 2 examples, got %d", n)
	}
}

func TestGolden_NoMatch(t *testing.T) {
	golden, err := NewGoldenIndex()
	if err != nil {
		t.Fatalf("golden error: %v", err)
	}

	out := execute(t, &goldenSearchTool{index: golden}, map[string]interface{}{"search_term": "xylophone"})
	if out != "Observation: No matching golden queries found. Proceed with standard SQL." {
		t.Errorf("got %q", out)
	}
}

func TestGolden_LoadReplaces(t *testing.T) {
	golden, err := NewGoldenIndex()
	if err != nil {
		t.Fatalf("golden error: %v", err)
	}

	if err := golden.Load([]byte("queries:\n  - title: Churn Cohorts\n    sql: SELECT cohort FROM churn;\n")); err != nil {
		t.Fatalf("load error: %v", err)
	}
	if golden.Len() != 1 {
		t.Errorf("expected 1 query, got %d", golden.Len())
	}

	hits, err := golden.Search("churn", 2)
	if err != nil {
		t.Fatalf("search error: %v", err)
	}
	if len(hits) != 1 || hits[0].Title != "Churn Cohorts" {
		t.Errorf("unexpected hits: %v", hits)
	}

	if err := golden.Load([]byte("queries: [")); err == nil {
		t.Error("expected error for invalid YAML")
	}
	if golden.Len() != 1 {
		t.Errorf("failed load must keep the previous index, got %d queries", golden.Len())
	}
}

func TestGolden_WatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "golden.yaml")
	if err := os.WriteFile(path, []byte("queries:\n  - title: Alpha\n    sql: SELECT 1;\n"), 0644); err != nil {
		t.Fatalf("write error: %v", err)
	}

	golden, err := LoadGoldenFile(path)
	if err != nil {
		t.Fatalf("load error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := golden.Watch(ctx, path); err != nil {
		t.Fatalf("watch error: %v", err)
	}

	if err := os.WriteFile(path, []byte("queries:\n  - title: Beta\n    sql: SELECT 2;\n  - title: Gamma\n    sql: SELECT 3;\n"), 0644); err != nil {
		t.Fatalf("write error: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for golden.Len() != 2 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if golden.Len() != 2 {
		t.Errorf("expected reload to 2 queries, got %d", golden.Len())
	}
}

func TestChart_Bar(t *testing.T) {
	out := execute(t, &chartTool{}, map[string]interface{}{
		"data_json": `[{"region":"EMEA","q3":10,"q4":12},{"region":"APAC","q3":7,"q4":9}]`,
		"x_col":     "region",
		"y_col":     []interface{}{"q3", "q4"},
		"title":     "Revenue",
	})

	var fig struct {
		Data []struct {
			Type string `json:"type"`
			Name string `json:"name"`
		} `json:"data"`
		Layout struct {
			BarMode string `json:"barmode"`
			Title   struct {
				Text string `json:"text"`
			} `json:"title"`
		} `json:"layout"`
	}
	if err := json.Unmarshal([]byte(out), &fig); err != nil {
		t.Fatalf("invalid figure %q: %v", out, err)
	}
	if len(fig.Data) != 2 {
		t.Fatalf("expected 2 traces, got %d", len(fig.Data))
	}
	if fig.Data[0].Type != "bar" || fig.Data[1].Name != "q4" {
		t.Errorf("unexpected traces: %+v", fig.Data)
	}
	if fig.Layout.BarMode != "group" || fig.Layout.Title.Text != "Revenue" {
		t.Errorf("unexpected layout: %+v", fig.Layout)
	}
}

func TestChart_Kinds(t *testing.T) {
	tool := &chartTool{}
	rows := `[{"m":"Jan","v":1},{"m":"Feb","v":2}]`

	tests := []struct {
		name string
		args map[string]interface{}
		want []string
	}{
		{"pie", map[string]interface{}{"data_json": rows, "x_col": "m", "y_col": "v", "chart_type": "PIE"},
			[]string{`"type":"pie"`, `"labels":["Jan","Feb"]`}},
		{"scatter", map[string]interface{}{"data_json": rows, "x_col": "m", "y_col": `["v"]`, "chart_type": "scatter"},
			[]string{`"mode":"markers"`}},
		{"line", map[string]interface{}{"data_json": rows, "x_col": "m", "y_col": "v", "chart_type": "line"},
			[]string{`"mode":"lines"`, `"title":{"text":"Chart"}`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := execute(t, tool, tt.args)
			for _, want := range tt.want {
				if !strings.Contains(out, want) {
					t.Errorf("output missing %s: %s", want, out)
				}
			}
		})
	}
}

func TestChart_Errors(t *testing.T) {
	tool := &chartTool{}

	out := execute(t, tool, map[string]interface{}{"data_json": "not json", "x_col": "m", "y_col": "v"})
	if !strings.HasPrefix(out, "Chart Error: ") {
		t.Errorf("expected chart error, got %q", out)
	}

	out = execute(t, tool, map[string]interface{}{"data_json": `[{"m":"Jan"}]`, "x_col": "m", "y_col": "v"})
	if !strings.Contains(out, `column "v" not found`) {
		t.Errorf("expected missing column, got %q", out)
	}

	if _, err := tool.Execute(context.Background(), map[string]interface{}{"data_json": "[]", "x_col": "m"}); err == nil {
		t.Error("expected error for missing y_col")
	}
}

func TestAnomalies_Detected(t *testing.T) {
	wh := newWarehouse(t, true)
	out := execute(t, ScientistTools(wh).Get("detect_anomalies"), map[string]interface{}{
		"sql_query": "SELECT region, product_name, amount FROM transactions",
	})

	if !strings.HasPrefix(out, "### 🚨 Detected 1 Anomalies\n\n") {
		t.Errorf("unexpected heading: %q", out)
	}
	for _, want := range []string{
		"**Dataset Baseline Statistics (The 'Normal'):**",
		"| count | 121 |",
		"**Top Outlier Examples:**",
		"product-9",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q", want)
		}
	}
	if !strings.HasSuffix(out, "Then use 'generate_chart' to plot them.") {
		t.Errorf("unexpected ending: %q", out)
	}
}

func TestAnomalies_Observations(t *testing.T) {
	wh := newWarehouse(t, false)
	tool := ScientistTools(wh).Get("detect_anomalies")

	tests := []struct {
		name   string
		args   map[string]interface{}
		want   string
		prefix bool
	}{
		{"no rows", map[string]interface{}{"sql_query": "SELECT amount FROM transactions WHERE amount < 0"},
			"Observation: No data returned from the query. Cannot run ML.", false},
		{"no numeric", map[string]interface{}{"sql_query": "SELECT region FROM transactions"},
			"Observation: No numeric columns found for anomaly detection.", false},
		{"uniform", map[string]interface{}{"sql_query": "SELECT amount FROM transactions"},
			"Observation: No significant anomalies detected.", false},
		{"bad query", map[string]interface{}{"sql_query": "SELECT nope FROM transactions"},
			"Observation: Anomaly Tool Error: ", true},
		{"bad contamination", map[string]interface{}{"sql_query": "SELECT amount FROM transactions", "contamination": 0.9},
			"Observation: Anomaly Tool Error: ", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, _ := tool.Execute(context.Background(), tt.args)
			if tt.prefix && !strings.HasPrefix(out, tt.want) || !tt.prefix && out != tt.want {
				t.Errorf("got %q, want %q", out, tt.want)
			}
		})
	}
}

func TestForecast_MonthEnds(t *testing.T) {
	points, err := Forecast(`[{"ds":"2024-03-31","y":30},{"ds":"2024-01-31","y":10},{"ds":"2024-02-29","y":20}]`, 3)
	if err != nil {
		t.Fatalf("forecast error: %v", err)
	}
	if len(points) != 3 {
		t.Fatalf("expected 3 points, got %d", len(points))
	}

	for i, want := range []string{"2024-04-30", "2024-05-31", "2024-06-30"} {
		if points[i].DS != want {
			t.Errorf("point %d: expected %s, got %s", i, want, points[i].DS)
		}
	}
	for i, p := range points {
		if p.Trend != "forecast" {
			t.Errorf("point %d: unexpected trend %q", i, p.Trend)
		}
		if p.YHat != math.Round(p.YHat*100)/100 {
			t.Errorf("point %d: y_hat %v not rounded to 2dp", i, p.YHat)
		}
		if i > 0 && p.YHat <= points[i-1].YHat {
			t.Errorf("point %d: expected rising trend", i)
		}
	}
	if math.Abs(points[0].YHat-40) > 1.5 {
		t.Errorf("expected about 40, got %v", points[0].YHat)
	}
}

func TestForecast_MidMonthAnchor(t *testing.T) {
	points, err := Forecast(`[{"ds":"2024-01-01","y":5},{"ds":"2024-01-15","y":5}]`, 1)
	if err != nil {
		t.Fatalf("forecast error: %v", err)
	}
	if len(points) != 1 || points[0].DS != "2024-02-29" || points[0].YHat != 5.0 {
		t.Errorf("unexpected points: %+v", points)
	}
}

func TestForecast_SinglePoint(t *testing.T) {
	points, err := Forecast(`[{"ds":"2024-12-31","y":42.123}]`, 2)
	if err != nil {
		t.Fatalf("forecast error: %v", err)
	}
	if points[0].DS != "2025-01-31" || points[0].YHat != 42.12 {
		t.Errorf("unexpected first point: %+v", points[0])
	}
}

func TestForecast_PeriodsBounded(t *testing.T) {
	data := `[{"ds":"2024-01-31","y":1},{"ds":"2024-02-29","y":2}]`

	for _, periods := range []int{0, -3, MaxForecastPeriods + 1} {
		if _, err := Forecast(data, periods); err == nil {
			t.Errorf("periods %d: expected error", periods)
		}
	}
	points, err := Forecast(data, MaxForecastPeriods)
	if err != nil {
		t.Fatalf("forecast error: %v", err)
	}
	if len(points) != MaxForecastPeriods {
		t.Errorf("expected %d points, got %d", MaxForecastPeriods, len(points))
	}

	out := execute(t, &forecastTool{}, map[string]interface{}{"data_json": data, "periods": 1e15})
	if !strings.HasPrefix(out, "Forecast Error: periods must be between 1 and 120") {
		t.Errorf("expected bounded periods observation, got %q", out)
	}
}

func TestForecast_ToolErrors(t *testing.T) {
	tool := &forecastTool{}

	out := execute(t, tool, map[string]interface{}{"data_json": `[{"date":"2024-01-01","value":1}]`})
	if !strings.HasPrefix(out, "Forecast Error: ") || !strings.HasSuffix(out, "Ensure data has 'ds' and 'y' columns.") {
		t.Errorf("unexpected error observation: %q", out)
	}

	out = execute(t, tool, map[string]interface{}{
		"data_json": `[{"ds":"2024-01-31","y":1}]`,
		"periods":   float64(2),
	})
	want := `[{"ds":"2024-02-29","y_hat":1,"trend":"forecast"},{"ds":"2024-03-31","y_hat":1,"trend":"forecast"}]`
	if out != want {
		t.Errorf("got %s", out)
	}
}
