package tools

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/stat"
)

const (
	// zThreshold is the |z| a row must exceed on some numeric column to be an outlier.
	zThreshold = 2.0

	anomalyMaxRows = 50000
	anomalyShown   = 5
)

// anomalyTool flags statistically unusual rows of a query result.
type anomalyTool struct {
	warehouse *Warehouse
}

func (t *anomalyTool) Name() string { return "detect_anomalies" }

func (t *anomalyTool) Description() string {
	return "Executes a SQL query on the warehouse and scores every row by its largest z-score across numeric columns " +
		"to find outliers. Returns baseline statistics and a markdown table of anomalies."
}

func (t *anomalyTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"sql_query": map[string]interface{}{
				"type":        "string",
				"description": "SQL returning the rows to analyze",
			},
			"contamination": map[string]interface{}{
				"type":        "number",
				"description": "Expected share of anomalous rows, between 0 and 0.5 (default 0.05)",
			},
		},
		"required": []string{"sql_query"},
	}
}

func (t *anomalyTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	raw, err := requireString(args, "sql_query")
	if err != nil {
		return "", err
	}
	contamination, err := floatArg(args, "contamination", 0.05)
	if err != nil {
		return "", err
	}
	if contamination <= 0 || contamination > 0.5 {
		return fmt.Sprintf("Observation: Anomaly Tool Error: contamination must be in (0, 0.5], got %g", contamination), nil
	}

	res, err := t.warehouse.Query(ctx, peelQuotes(raw), anomalyMaxRows)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, ErrTooManyRows) {
			return "", ctx.Err()
		}
		return fmt.Sprintf("Observation: Anomaly Tool Error: %v", err), nil
	}
	return detectAnomalies(res, contamination), nil
}

type scoredRow struct {
	index int
	score float64
}

func detectAnomalies(res *Result, contamination float64) string {
	if res.Len() == 0 {
		return "Observation: No data returned from the query. Cannot run ML."
	}

	numeric := numericColumns(res)
	if len(numeric) == 0 {
		return "Observation: No numeric columns found for anomaly detection."
	}

	series := make([][]float64, len(numeric))
	for i, col := range numeric {
		series[i] = columnFloats(res, col)
	}

	scores := make([]float64, res.Len())
	for _, xs := range series {
		mean, std := stat.MeanStdDev(xs, nil)
		if std == 0 || math.IsNaN(std) {
			continue
		}
		for r, x := range xs {
			if z := math.Abs((x - mean) / std); z > scores[r] {
				scores[r] = z
			}
		}
	}

	var flagged []scoredRow
	for r, s := range scores {
		if s > zThreshold {
			flagged = append(flagged, scoredRow{index: r, score: s})
		}
	}
	sort.SliceStable(flagged, func(i, j int) bool { return flagged[i].score > flagged[j].score })

	limit := int(math.Ceil(contamination * float64(res.Len())))
	if limit < 1 {
		limit = 1
	}
	if len(flagged) > limit {
		flagged = flagged[:limit]
	}
	if len(flagged) == 0 {
		return "Observation: No significant anomalies detected."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "### 🚨 Detected %d Anomalies\n\n", len(flagged))
	fmt.Fprintf(&b, "**Dataset Baseline Statistics (The 'Normal'):**\n%s\n\n", baselineTable(res, numeric, series))
	b.WriteString("**Top Outlier Examples:**\n")
	b.WriteString(outlierTable(res, flagged))
	b.WriteString("\n\nNOTE: You MUST explain WHY these are anomalies by comparing the outlier amounts to the " +
		"Baseline Statistics (e.g., 'These are 3x higher than the mean'). Then use 'generate_chart' to plot them.")
	return b.String()
}

// numericColumns returns the indexes of columns whose non-null values are all numbers.
func numericColumns(res *Result) []int {
	var cols []int
	for c := range res.Columns {
		seen := false
		numeric := true
		for _, row := range res.Rows {
			switch row[c].(type) {
			case nil:
			case int64, float64:
				seen = true
			default:
				numeric = false
			}
			if !numeric {
				break
			}
		}
		if numeric && seen {
			cols = append(cols, c)
		}
	}
	return cols
}

// columnFloats extracts a numeric column, treating nulls as zero.
func columnFloats(res *Result, col int) []float64 {
	xs := make([]float64, res.Len())
	for r, row := range res.Rows {
		switch v := row[col].(type) {
		case int64:
			xs[r] = float64(v)
		case float64:
			xs[r] = v
		}
	}
	return xs
}

func baselineTable(res *Result, numeric []int, series [][]float64) string {
	headers := []string{""}
	for _, c := range numeric {
		headers = append(headers, res.Columns[c])
	}

	sorted := make([][]float64, len(series))
	for i, xs := range series {
		s := append([]float64(nil), xs...)
		sort.Float64s(s)
		sorted[i] = s
	}

	stats := []struct {
		name string
		fn   func(xs, sorted []float64) float64
	}{
		{"count", func(xs, _ []float64) float64 { return float64(len(xs)) }},
		{"mean", func(xs, _ []float64) float64 { return stat.Mean(xs, nil) }},
		{"std", func(xs, _ []float64) float64 { return stat.StdDev(xs, nil) }},
		{"min", func(_, s []float64) float64 { return s[0] }},
		{"25%", func(_, s []float64) float64 { return stat.Quantile(0.25, stat.LinInterp, s, nil) }},
		{"50%", func(_, s []float64) float64 { return stat.Quantile(0.5, stat.LinInterp, s, nil) }},
		{"75%", func(_, s []float64) float64 { return stat.Quantile(0.75, stat.LinInterp, s, nil) }},
		{"max", func(_, s []float64) float64 { return s[len(s)-1] }},
	}

	var rows [][]string
	for _, st := range stats {
		row := []string{st.name}
		for i := range numeric {
			row = append(row, formatFloat(st.fn(series[i], sorted[i])))
		}
		rows = append(rows, row)
	}
	return markdownTable(headers, rows)
}

func outlierTable(res *Result, flagged []scoredRow) string {
	headers := append(append([]string{""}, res.Columns...), "z_score")
	var rows [][]string
	for i, f := range flagged {
		if i == anomalyShown {
			break
		}
		row := []string{strconv.Itoa(f.index)}
		for _, v := range res.Rows[f.index] {
			row = append(row, formatCell(v))
		}
		row = append(row, formatFloat(f.score))
		rows = append(rows, row)
	}
	return markdownTable(headers, rows)
}

func formatFloat(f float64) string {
	if math.IsNaN(f) {
		return "nan"
	}
	return strconv.FormatFloat(f, 'g', 6, 64)
}

func formatCell(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case float64:
		return formatFloat(x)
	case int64:
		return strconv.FormatInt(x, 10)
	default:
		return strings.ReplaceAll(fmt.Sprint(x), "|", `\|`)
	}
}

func markdownTable(headers []string, rows [][]string) string {
	var b strings.Builder
	b.WriteString("| " + strings.Join(headers, " | ") + " |\n")
	seps := make([]string, len(headers))
	for i := range seps {
		seps[i] = "---"
	}
	b.WriteString("|" + strings.Join(seps, "|") + "|")
	for _, row := range rows {
		b.WriteString("\n| " + strings.Join(row, " | ") + " |")
	}
	return b.String()
}
