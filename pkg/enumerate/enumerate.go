// Package enumerate turns data-source descriptions into ordered work-unit
// payloads. Enumeration runs server-side so the item list never travels
// through a conversation.
package enumerate

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// ErrPendingApproval marks a command enumerator whose program has not been
// approved by a human yet. Nothing is persisted until approval.
var ErrPendingApproval = errors.New("enumerator program requires approval")

// ApprovalRequired carries the program awaiting review back to the caller.
type ApprovalRequired struct {
	Command string
	Args    []string
}

func (a *ApprovalRequired) Error() string {
	return fmt.Sprintf("command enumerator %q requires approval before execution", a.Command)
}

func (a *ApprovalRequired) Unwrap() error { return ErrPendingApproval }

// Result is the outcome of a successful enumeration.
type Result struct {
	// Items are the work-unit payloads, in dispatch order.
	Items []map[string]any
	// Metadata describes the enumeration for display (source, counts).
	Metadata map[string]any
}

// Enumerator produces work-unit payloads from one data source.
type Enumerator interface {
	// Type returns the registry identifier.
	Type() string
	// Validate checks the configuration without enumerating.
	Validate() error
	// Enumerate produces all items.
	Enumerate(ctx context.Context) (*Result, error)
	// SampleItem returns a single item for test runs.
	SampleItem(ctx context.Context) (map[string]any, error)
	// Schema documents the expected configuration for tool listings.
	Schema() map[string]any
}

type factory func(config map[string]any) Enumerator

var registry = map[string]factory{
	"file":    func(c map[string]any) Enumerator { return newFileEnumerator(c) },
	"csv":     func(c map[string]any) Enumerator { return newCSVEnumerator(c) },
	"json":    func(c map[string]any) Enumerator { return newJSONEnumerator(c) },
	"sql":     func(c map[string]any) Enumerator { return newSQLEnumerator(c) },
	"command": func(c map[string]any) Enumerator { return newCommandEnumerator(c) },
}

// New creates an enumerator by type name.
func New(enumType string, config map[string]any) (Enumerator, error) {
	f, ok := registry[enumType]
	if !ok {
		return nil, fmt.Errorf("unknown enumerator type %q, available: %v", enumType, Types())
	}
	return f(config), nil
}

// Types lists registered enumerator type names, sorted.
func Types() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Schemas returns the configuration schema for every registered type.
func Schemas() map[string]any {
	schemas := make(map[string]any, len(registry))
	for name, f := range registry {
		schemas[name] = f(nil).Schema()
	}
	return schemas
}

// sampleViaEnumerate is the shared SampleItem implementation: enumerate with
// a limit of one and return the first item.
func sampleViaEnumerate(ctx context.Context, e Enumerator) (map[string]any, error) {
	res, err := e.Enumerate(ctx)
	if err != nil {
		return nil, err
	}
	if len(res.Items) == 0 {
		return nil, errors.New("enumeration produced no items")
	}
	return res.Items[0], nil
}

// --- config accessors ---

func strCfg(config map[string]any, key, def string) string {
	if v, ok := config[key].(string); ok && v != "" {
		return v
	}
	return def
}

func boolCfg(config map[string]any, key string, def bool) bool {
	if v, ok := config[key].(bool); ok {
		return v
	}
	return def
}

func intCfg(config map[string]any, key string, def int) int {
	switch v := config[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return def
}

func strSliceCfg(config map[string]any, key string) []string {
	var out []string
	switch v := config[key].(type) {
	case []string:
		return v
	case []any:
		for _, raw := range v {
			if s, ok := raw.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}
