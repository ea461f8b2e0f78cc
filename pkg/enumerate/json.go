package enumerate

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// jsonEnumerator reads items from a JSON document: either a file on disk or
// an inline array supplied directly in the configuration.
type jsonEnumerator struct {
	filePath  string
	inline    []any
	itemsPath string
	idField   string
	limit     int
}

func newJSONEnumerator(config map[string]any) *jsonEnumerator {
	e := &jsonEnumerator{
		filePath:  strCfg(config, "file_path", ""),
		itemsPath: strCfg(config, "items_path", ""),
		idField:   strCfg(config, "id_field", ""),
		limit:     intCfg(config, "limit", 0),
	}
	if v, ok := config["items"].([]any); ok {
		e.inline = v
	}
	return e
}

func (e *jsonEnumerator) Type() string { return "json" }

func (e *jsonEnumerator) Validate() error {
	if e.filePath == "" && e.inline == nil {
		return fmt.Errorf("either file_path or items is required")
	}
	if e.filePath != "" {
		info, err := os.Stat(e.filePath)
		if err != nil {
			return fmt.Errorf("JSON file not found: %s", e.filePath)
		}
		if info.IsDir() {
			return fmt.Errorf("path is not a file: %s", e.filePath)
		}
	}
	return nil
}

// itemsAt walks a dot-separated path into nested objects.
func itemsAt(data any, path string) (any, error) {
	if path == "" {
		return data, nil
	}
	current := data
	for _, key := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("cannot access %q on non-object", key)
		}
		current, ok = obj[key]
		if !ok {
			return nil, fmt.Errorf("key %q not found", key)
		}
	}
	return current, nil
}

func (e *jsonEnumerator) Enumerate(ctx context.Context) (*Result, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}

	var source string
	var list []any
	if e.inline != nil {
		source = "(inline)"
		list = e.inline
	} else {
		source = e.filePath
		raw, err := os.ReadFile(e.filePath)
		if err != nil {
			return nil, fmt.Errorf("reading JSON file: %w", err)
		}
		var data any
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, fmt.Errorf("JSON parsing error: %w", err)
		}
		located, err := itemsAt(data, e.itemsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to locate items at path %q: %w", e.itemsPath, err)
		}
		var ok bool
		list, ok = located.([]any)
		if !ok {
			return nil, fmt.Errorf("items at path %q is not an array", e.itemsPath)
		}
	}

	var items []map[string]any
	for idx, raw := range list {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var item map[string]any
		if obj, ok := raw.(map[string]any); ok {
			item = make(map[string]any, len(obj)+2)
			for k, v := range obj {
				item[k] = v
			}
		} else {
			// Scalars become single-field payloads.
			item = map[string]any{"value": raw}
		}
		item["_index"] = idx
		if e.idField != "" {
			if v, ok := item[e.idField]; ok {
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
			"source":     source,
			"items_path": e.itemsPath,
			"item_count": len(items),
		},
	}, nil
}

func (e *jsonEnumerator) SampleItem(ctx context.Context) (map[string]any, error) {
	return sampleViaEnumerate(ctx, e)
}

func (e *jsonEnumerator) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"file_path":  map[string]any{"type": "string", "description": "Path to JSON file (omit when items is given)"},
			"items":      map[string]any{"type": "array", "description": "Inline array of items"},
			"items_path": map[string]any{"type": "string", "description": "Dot-separated path to the items array (e.g. 'data.items'). Empty for a root array."},
			"id_field":   map[string]any{"type": "string", "description": "Field name to use as item identifier"},
			"limit":      map[string]any{"type": "integer", "description": "Maximum number of items to return", "minimum": 1},
		},
	}
}
