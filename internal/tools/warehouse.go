package tools

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultMaxRows is the row ceiling for a single query result.
const DefaultMaxRows = 100

// ErrTooManyRows is returned when a query produces more rows than allowed.
var ErrTooManyRows = errors.New("query returned too many rows")

// Warehouse is the read-only analytical database the tools query.
type Warehouse struct {
	db      *sql.DB
	schema  string
	maxRows int
}

// WarehouseConfig configures OpenWarehouse.
type WarehouseConfig struct {
	Path    string
	Schema  string // schema description handed to the models
	MaxRows int
}

// OpenWarehouse opens the SQLite database at cfg.Path in read-only mode.
func OpenWarehouse(cfg WarehouseConfig) (*Warehouse, error) {
	if _, err := os.Stat(cfg.Path); err != nil {
		return nil, fmt.Errorf("warehouse not found: %w", err)
	}
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro", cfg.Path))
	if err != nil {
		return nil, fmt.Errorf("failed to open warehouse: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open warehouse: %w", err)
	}

	maxRows := cfg.MaxRows
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}
	return &Warehouse{db: db, schema: cfg.Schema, maxRows: maxRows}, nil
}

// Close closes the database.
func (w *Warehouse) Close() error {
	return w.db.Close()
}

// Schema returns the configured schema description.
func (w *Warehouse) Schema() string {
	if w == nil || w.schema == "" {
		return "Database schema unavailable."
	}
	return w.schema
}

// MaxRows returns the configured row ceiling.
func (w *Warehouse) MaxRows() int {
	return w.maxRows
}

// Result is a column-ordered query result.
type Result struct {
	Columns []string
	Rows    [][]interface{}
}

// Len returns the number of rows.
func (r *Result) Len() int {
	return len(r.Rows)
}

// MarshalJSON encodes the result as an array of row objects whose keys
// keep the column order of the query.
func (r *Result) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, row := range r.Rows {
		if i > 0 {
			buf.WriteString(", ")
		}
		buf.WriteByte('{')
		for j, col := range r.Columns {
			if j > 0 {
				buf.WriteString(", ")
			}
			key, _ := json.Marshal(col)
			val, err := json.Marshal(row[j])
			if err != nil {
				return nil, err
			}
			buf.Write(key)
			buf.WriteString(": ")
			buf.Write(val)
		}
		buf.WriteByte('}')
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// Query runs a statement and collects at most maxRows rows. It fails
// with ErrTooManyRows as soon as row maxRows+1 is seen.
func (w *Warehouse) Query(ctx context.Context, query string, maxRows int) (*Result, error) {
	rows, err := w.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	res := &Result{Columns: cols}
	for rows.Next() {
		if maxRows > 0 && len(res.Rows) == maxRows {
			return nil, fmt.Errorf("%w: more than %d", ErrTooManyRows, maxRows)
		}
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, v := range vals {
			vals[i] = normalize(v)
		}
		res.Rows = append(res.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

// normalize converts driver values into JSON-friendly values.
func normalize(v interface{}) interface{} {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case time.Time:
		if x.Hour() == 0 && x.Minute() == 0 && x.Second() == 0 && x.Nanosecond() == 0 {
			return x.Format("2006-01-02")
		}
		return x.Format("2006-01-02 15:04:05")
	default:
		return v
	}
}
