package agent

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

var placeholderRe = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// RenderPrompt substitutes {key} placeholders in the template with payload
// values. It never fails: placeholders with no matching payload key are left
// in place and an error marker naming them is appended, so the agent sees
// what went wrong instead of the job aborting.
func RenderPrompt(template string, payload map[string]any) string {
	missing := map[string]struct{}{}
	rendered := placeholderRe.ReplaceAllStringFunc(template, func(m string) string {
		key := m[1 : len(m)-1]
		v, ok := payload[key]
		if !ok {
			missing[key] = struct{}{}
			return m
		}
		return stringify(v)
	})
	if len(missing) == 0 {
		return rendered
	}
	keys := make([]string, 0, len(missing))
	for k := range missing {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return rendered + fmt.Sprintf(
		"\n\n[TEMPLATE ERROR: payload is missing field(s): %s]",
		strings.Join(keys, ", "))
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case float64, float32, int, int64, bool:
		return fmt.Sprint(t)
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(raw)
	}
}

// PayloadDirs extracts filesystem directories the agent needs access to from
// a unit payload: the file's own directory plus any declared output
// directory.
func PayloadDirs(payload map[string]any) []string {
	seen := map[string]struct{}{}
	var dirs []string
	add := func(d string) {
		if d == "" || d == "." {
			return
		}
		if _, ok := seen[d]; ok {
			return
		}
		seen[d] = struct{}{}
		dirs = append(dirs, d)
	}

	if p, ok := payload["file_path"].(string); ok {
		add(filepath.Dir(p))
	}
	if ps, ok := payload["file_paths"].([]any); ok {
		for _, raw := range ps {
			if p, ok := raw.(string); ok {
				add(filepath.Dir(p))
			}
		}
	}
	if d, ok := payload["output_directory"].(string); ok {
		add(d)
	}
	return dirs
}
