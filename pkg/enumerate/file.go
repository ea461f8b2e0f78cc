package enumerate

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// fileEnumerator walks the filesystem with a glob pattern. Each matching
// file becomes one payload carrying path, name, extension, and size.
type fileEnumerator struct {
	baseDirectory   string
	pattern         string
	excludePatterns []string
	includeHidden   bool
	limit           int
}

func newFileEnumerator(config map[string]any) *fileEnumerator {
	return &fileEnumerator{
		baseDirectory:   strCfg(config, "base_directory", "."),
		pattern:         strCfg(config, "pattern", "**/*"),
		excludePatterns: strSliceCfg(config, "exclude_patterns"),
		includeHidden:   boolCfg(config, "include_hidden", false),
		limit:           intCfg(config, "limit", 0),
	}
}

func (e *fileEnumerator) Type() string { return "file" }

func (e *fileEnumerator) Validate() error {
	info, err := os.Stat(e.baseDirectory)
	if err != nil {
		return fmt.Errorf("base directory does not exist: %s", e.baseDirectory)
	}
	if !info.IsDir() {
		return fmt.Errorf("base directory is not a directory: %s", e.baseDirectory)
	}
	if e.pattern == "" {
		return fmt.Errorf("pattern cannot be empty")
	}
	if !doublestar.ValidatePattern(e.pattern) {
		return fmt.Errorf("invalid glob pattern: %s", e.pattern)
	}
	return nil
}

func (e *fileEnumerator) Enumerate(ctx context.Context) (*Result, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	base, err := filepath.Abs(e.baseDirectory)
	if err != nil {
		return nil, fmt.Errorf("resolving base directory: %w", err)
	}

	var items []map[string]any
	extensions := map[string]int{}
	walkErr := doublestar.GlobWalk(os.DirFS(base), e.pattern, func(rel string, d fs.DirEntry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if !e.includeHidden && strings.HasPrefix(name, ".") {
			return nil
		}
		for _, excl := range e.excludePatterns {
			if ok, _ := doublestar.Match(excl, rel); ok {
				return nil
			}
			if ok, _ := doublestar.Match(excl, name); ok {
				return nil
			}
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(name))
		items = append(items, map[string]any{
			"file_path":      filepath.Join(base, rel),
			"relative_path":  rel,
			"file_name":      name,
			"file_extension": ext,
			"file_size":      info.Size(),
		})
		if ext == "" {
			ext = "(no extension)"
		}
		extensions[ext]++
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("file enumeration failed: %w", walkErr)
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i]["file_path"].(string) < items[j]["file_path"].(string)
	})
	if e.limit > 0 && len(items) > e.limit {
		items = items[:e.limit]
	}

	return &Result{
		Items: items,
		Metadata: map[string]any{
			"base_directory":           base,
			"pattern":                  e.pattern,
			"file_counts_by_extension": extensions,
		},
	}, nil
}

func (e *fileEnumerator) SampleItem(ctx context.Context) (map[string]any, error) {
	return sampleViaEnumerate(ctx, e)
}

func (e *fileEnumerator) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"base_directory":   map[string]any{"type": "string", "description": "Root directory to search for files"},
			"pattern":          map[string]any{"type": "string", "description": "Glob pattern to match files (e.g. '**/*.jpg')", "default": "**/*"},
			"exclude_patterns": map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Patterns to exclude from results"},
			"include_hidden":   map[string]any{"type": "boolean", "description": "Include hidden files (starting with .)", "default": false},
			"limit":            map[string]any{"type": "integer", "description": "Maximum number of files to enumerate", "minimum": 1},
		},
		"required": []string{"base_directory"},
	}
}
