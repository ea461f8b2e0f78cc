package enumerate

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
)

// csvEnumerator turns each row of a delimited text file into a payload keyed
// by column name.
type csvEnumerator struct {
	filePath  string
	idColumn  string
	delimiter string
	hasHeader bool
	columns   []string
	limit     int
}

func newCSVEnumerator(config map[string]any) *csvEnumerator {
	return &csvEnumerator{
		filePath:  strCfg(config, "file_path", ""),
		idColumn:  strCfg(config, "id_column", ""),
		delimiter: strCfg(config, "delimiter", ","),
		hasHeader: boolCfg(config, "has_header", true),
		columns:   strSliceCfg(config, "columns"),
		limit:     intCfg(config, "limit", 0),
	}
}

func (e *csvEnumerator) Type() string { return "csv" }

func (e *csvEnumerator) Validate() error {
	if e.filePath == "" {
		return fmt.Errorf("file_path is required")
	}
	info, err := os.Stat(e.filePath)
	if err != nil {
		return fmt.Errorf("CSV file not found: %s", e.filePath)
	}
	if info.IsDir() {
		return fmt.Errorf("path is not a file: %s", e.filePath)
	}
	if !e.hasHeader && len(e.columns) == 0 {
		return fmt.Errorf("columns required when has_header is false")
	}
	if len([]rune(e.delimiter)) != 1 {
		return fmt.Errorf("delimiter must be a single character, got %q", e.delimiter)
	}
	return nil
}

func (e *csvEnumerator) Enumerate(ctx context.Context) (*Result, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	f, err := os.Open(e.filePath)
	if err != nil {
		return nil, fmt.Errorf("opening CSV file: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.Comma = []rune(e.delimiter)[0]
	reader.FieldsPerRecord = -1

	columns := e.columns
	if e.hasHeader {
		header, err := reader.Read()
		if err != nil {
			return nil, fmt.Errorf("reading CSV header: %w", err)
		}
		columns = header
	}

	var items []map[string]any
	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("CSV parsing error at row %d: %w", idx, err)
		}
		// Rows with a mismatched column count are skipped rather than
		// failing the whole enumeration.
		if len(row) != len(columns) {
			continue
		}
		item := make(map[string]any, len(columns)+2)
		for i, col := range columns {
			item[col] = row[i]
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

	return &Result{
		Items: items,
		Metadata: map[string]any{
			"file_path": e.filePath,
			"columns":   columns,
			"row_count": len(items),
		},
	}, nil
}

func (e *csvEnumerator) SampleItem(ctx context.Context) (map[string]any, error) {
	return sampleViaEnumerate(ctx, e)
}

func (e *csvEnumerator) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"file_path":  map[string]any{"type": "string", "description": "Path to CSV file"},
			"id_column":  map[string]any{"type": "string", "description": "Column name to use as item identifier"},
			"delimiter":  map[string]any{"type": "string", "description": "Field delimiter character", "default": ","},
			"has_header": map[string]any{"type": "boolean", "description": "Whether the file has a header row", "default": true},
			"columns":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Column names if no header row"},
			"limit":      map[string]any{"type": "integer", "description": "Maximum number of rows to return", "minimum": 1},
		},
		"required": []string{"file_path"},
	}
}
