package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// sqlQueryTool runs read-only SQL against the warehouse.
type sqlQueryTool struct {
	warehouse *Warehouse
	maxRows   int
}

func (t *sqlQueryTool) Name() string { return "execute_sql_query" }

func (t *sqlQueryTool) Description() string {
	return "Executes SQL and prevents context window flooding. Always use CAST(date AS DATE) for monthly trends."
}

func (t *sqlQueryTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "The SQL query to execute",
			},
		},
		"required": []string{"query"},
	}
}

func (t *sqlQueryTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	raw, err := requireString(args, "query")
	if err != nil {
		return "", err
	}
	query := peelQuotes(raw)

	res, err := t.warehouse.Query(ctx, query, t.maxRows)
	if errors.Is(err, ErrTooManyRows) {
		return fmt.Sprintf("Error: Query returned > %d rows. REWRITE your query using LIMIT or aggregation (SUM, AVG) to be more specific.", t.maxRows), nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		// The error goes back to the model so it can correct the query.
		return fmt.Sprintf("DATABASE ERROR: %v\nPROCESSED QUERY: %s\n"+
			"INSTRUCTION: Do not apologize. Analyze the error (e.g., check column names or syntax), "+
			"correct the SQL query, and call %s again.", err, query, t.Name()), nil
	}

	data, err := json.Marshal(res)
	if err != nil {
		return "", fmt.Errorf("failed to encode rows: %w", err)
	}
	return string(data), nil
}
