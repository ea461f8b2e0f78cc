package enumerate

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// sqlEnumerator runs a SELECT against a SQLite database; each result row
// becomes a payload. The query must return everything workers need, since
// workers never re-query the source.
type sqlEnumerator struct {
	connectionString string
	query            string
	idColumn         string
	params           []any
	limit            int
}

func newSQLEnumerator(config map[string]any) *sqlEnumerator {
	e := &sqlEnumerator{
		connectionString: strCfg(config, "connection_string", ""),
		query:            strCfg(config, "query", ""),
		idColumn:         strCfg(config, "id_column", ""),
		limit:            intCfg(config, "limit", 0),
	}
	if v, ok := config["params"].([]any); ok {
		e.params = v
	}
	return e
}

func (e *sqlEnumerator) Type() string { return "sql" }

// dbPath strips the optional sqlite:/// scheme.
func (e *sqlEnumerator) dbPath() string {
	p := e.connectionString
	for _, prefix := range []string{"sqlite:///", "sqlite://"} {
		if strings.HasPrefix(p, prefix) {
			return strings.TrimPrefix(p, prefix)
		}
	}
	return p
}

func (e *sqlEnumerator) Validate() error {
	if e.connectionString == "" {
		return fmt.Errorf("connection_string is required")
	}
	if e.query == "" {
		return fmt.Errorf("query is required")
	}
	if !strings.HasPrefix(strings.ToUpper(strings.TrimSpace(e.query)), "SELECT") {
		return fmt.Errorf("only SELECT queries are allowed")
	}
	if _, err := os.Stat(e.dbPath()); err != nil {
		return fmt.Errorf("database file not found: %s", e.dbPath())
	}
	return nil
}

func (e *sqlEnumerator) Enumerate(ctx context.Context) (*Result, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", e.dbPath())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, e.query, e.params...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("reading result columns: %w", err)
	}

	var items []map[string]any
	for idx := 0; rows.Next(); idx++ {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scanning row %d: %w", idx, err)
		}
		item := make(map[string]any, len(columns)+2)
		for i, col := range columns {
			v := values[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			item[col] = v
		}
		item["_row_index"] = idx
		if e.idColumn != "" {
			if v, ok := item[e.idColumn]; ok {
				item["_id"] = v
			}
		}
		items = append(items, item)
		if e.limit > 0 && len(items) >= e.limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	return &Result{
		Items: items,
		Metadata: map[string]any{
			"database":  e.dbPath(),
			"columns":   columns,
			"row_count": len(items),
		},
	}, nil
}

func (e *sqlEnumerator) SampleItem(ctx context.Context) (map[string]any, error) {
	return sampleViaEnumerate(ctx, e)
}

func (e *sqlEnumerator) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"connection_string": map[string]any{"type": "string", "description": "SQLite path, optionally with a sqlite:/// prefix"},
			"query":             map[string]any{"type": "string", "description": "SELECT query; each row becomes one item"},
			"id_column":         map[string]any{"type": "string", "description": "Column name to use as item identifier"},
			"params":            map[string]any{"type": "array", "description": "Positional query parameters"},
			"limit":             map[string]any{"type": "integer", "description": "Maximum number of rows to return", "minimum": 1},
		},
		"required": []string{"connection_string", "query"},
	}
}
