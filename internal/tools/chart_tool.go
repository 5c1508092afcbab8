package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vinayprograms/datalens/internal/chart"
)

// chartTool builds Plotly-shaped figures from row data.
type chartTool struct{}

func (t *chartTool) Name() string { return "generate_chart" }

func (t *chartTool) Description() string {
	return "Generates a Plotly chart configuration. Pass data_json as a stringified list of dicts."
}

func (t *chartTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"data_json": map[string]interface{}{
				"type":        "string",
				"description": "Rows to plot, as a JSON array of objects",
			},
			"x_col": map[string]interface{}{
				"type":        "string",
				"description": "Column for the x axis (pie: slice labels)",
			},
			"y_col": map[string]interface{}{
				"description": "Column or list of columns for the y axis (pie: slice values)",
				"anyOf": []interface{}{
					map[string]interface{}{"type": "string"},
					map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
				},
			},
			"chart_type": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"bar", "pie", "scatter", "line"},
				"description": "Chart type (default bar)",
			},
			"title": map[string]interface{}{
				"type":        "string",
				"description": "Chart title (default Chart)",
			},
		},
		"required": []string{"data_json", "x_col", "y_col"},
	}
}

func (t *chartTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	raw, err := requireString(args, "data_json")
	if err != nil {
		return "", err
	}
	xCol, err := requireString(args, "x_col")
	if err != nil {
		return "", err
	}
	yCols := columnList(args["y_col"])
	if len(yCols) == 0 {
		return "", fmt.Errorf("y_col is required")
	}
	kind, _ := stringArg(args, "chart_type")
	if kind == "" {
		kind = "bar"
	}
	title, _ := stringArg(args, "title")
	if title == "" {
		title = "Chart"
	}

	fig, err := buildFigure(peelQuotes(raw), xCol, yCols, strings.ToLower(kind), title)
	if err != nil {
		return fmt.Sprintf("Chart Error: %v", err), nil
	}
	payload, err := fig.JSON()
	if err != nil {
		return fmt.Sprintf("Chart Error: %v", err), nil
	}
	return payload, nil
}

// columnList accepts a column name, a list of names, or a JSON-encoded list.
func columnList(v interface{}) []string {
	switch x := v.(type) {
	case string:
		s := strings.TrimSpace(x)
		if strings.HasPrefix(s, "[") {
			var cols []string
			if err := json.Unmarshal([]byte(s), &cols); err == nil {
				return cols
			}
		}
		if s == "" {
			return nil
		}
		return []string{s}
	case []interface{}:
		var cols []string
		for _, c := range x {
			if s, ok := c.(string); ok && s != "" {
				cols = append(cols, s)
			}
		}
		return cols
	case []string:
		return x
	}
	return nil
}

func buildFigure(data, xCol string, yCols []string, kind, title string) (*chart.Figure, error) {
	var rows []map[string]interface{}
	if err := json.Unmarshal([]byte(data), &rows); err != nil {
		return nil, fmt.Errorf("data_json must be a JSON array of objects: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("no rows to plot")
	}

	column := func(name string) ([]interface{}, error) {
		vals := make([]interface{}, len(rows))
		for i, row := range rows {
			v, ok := row[name]
			if !ok {
				return nil, fmt.Errorf("column %q not found", name)
			}
			vals[i] = v
		}
		return vals, nil
	}

	xs, err := column(xCol)
	if err != nil {
		return nil, err
	}

	fig := &chart.Figure{Layout: chart.Layout{Title: chart.Title{Text: title}}}

	if kind == "pie" {
		values, err := column(yCols[0])
		if err != nil {
			return nil, err
		}
		fig.Data = []chart.Trace{{Type: "pie", Labels: xs, Values: values}}
		return fig, nil
	}

	traceType, mode := "scatter", "lines"
	switch kind {
	case "bar":
		traceType, mode = "bar", ""
		fig.Layout.BarMode = "group"
	case "scatter":
		mode = "markers"
	}

	for _, y := range yCols {
		ys, err := column(y)
		if err != nil {
			return nil, err
		}
		fig.Data = append(fig.Data, chart.Trace{Type: traceType, Name: y, X: xs, Y: ys, Mode: mode})
	}

	yTitle := yCols[0]
	if len(yCols) > 1 {
		yTitle = "value"
	}
	fig.Layout.XAxis = &chart.Axis{Title: chart.Title{Text: xCol}}
	fig.Layout.YAxis = &chart.Axis{Title: chart.Title{Text: yTitle}}
	return fig, nil
}
