package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/strandcrm/strand/pkg/models"
)

// MaxToolNameLength bounds model-supplied tool names before lookup.
const MaxToolNameLength = 256

// Registry holds the registered tools with thread-safe lookup by key and by
// model-facing name. Registration happens at startup; Freeze makes the set
// immutable afterwards.
type Registry struct {
	mu     sync.RWMutex
	byKey  map[string]*registered
	byName map[string]*registered
	frozen bool
}

type registered struct {
	tool   *Tool
	schema *jsonschema.Schema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byKey:  make(map[string]*registered),
		byName: make(map[string]*registered),
	}
}

// Register adds a tool. The tool's parameter schema is compiled here so a
// malformed schema fails at startup rather than mid-turn. Duplicate keys or
// names are rejected, as is registration after Freeze.
func (r *Registry) Register(tool *Tool) error {
	if tool == nil {
		return errors.New("tools: nil tool")
	}
	if tool.Key == "" || tool.Name == "" {
		return errors.New("tools: key and name are required")
	}
	if tool.Handler == nil {
		return fmt.Errorf("tools: %s has no handler", tool.Key)
	}

	schemaDoc := tool.Parameters
	if len(schemaDoc) == 0 {
		schemaDoc = []byte(`{"type":"object"}`)
	}
	schema, err := jsonschema.CompileString(tool.Key+".schema.json", string(schemaDoc))
	if err != nil {
		return fmt.Errorf("tools: invalid parameter schema for %s: %w", tool.Key, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("tools: registry is frozen, cannot register %s", tool.Key)
	}
	if _, ok := r.byKey[tool.Key]; ok {
		return fmt.Errorf("tools: duplicate key %s", tool.Key)
	}
	if _, ok := r.byName[tool.Name]; ok {
		return fmt.Errorf("tools: duplicate name %s", tool.Name)
	}

	entry := &registered{tool: tool, schema: schema}
	r.byKey[tool.Key] = entry
	r.byName[tool.Name] = entry
	return nil
}

// Freeze makes the registry immutable. Further Register calls fail.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// ByKey returns the tool registered under the given storage key.
func (r *Registry) ByKey(key string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.byKey[key]
	if !ok {
		return nil, false
	}
	return entry.tool, true
}

// ByName returns the tool with the given model-facing name. An unknown name
// yields *UnknownToolError so callers can tell hallucinated tools apart from
// execution failures.
func (r *Registry) ByName(name string) (*Tool, error) {
	if len(name) > MaxToolNameLength {
		return nil, &UnknownToolError{Name: name[:MaxToolNameLength]}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.byName[name]
	if !ok {
		return nil, &UnknownToolError{Name: name}
	}
	return entry.tool, nil
}

// Keys returns all registered storage keys, sorted.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.byKey))
	for key := range r.byKey {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// DefinitionsFor returns the model-facing definitions for the given storage
// keys. Keys that are not registered are skipped; a stale agent tool list
// must not break prompt assembly.
func (r *Registry) DefinitionsFor(keys []string) []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Definition, 0, len(keys))
	for _, key := range keys {
		entry, ok := r.byKey[key]
		if !ok {
			continue
		}
		params := entry.tool.Parameters
		if len(params) == 0 {
			params = []byte(`{"type":"object"}`)
		}
		defs = append(defs, Definition{
			Name:        entry.tool.Name,
			Description: entry.tool.Description,
			Parameters:  params,
		})
	}
	return defs
}

// Execute looks up a tool by model-facing name, validates the arguments
// against its schema, and runs the handler. Argument validation failures and
// handler errors both come back as *ToolExecutionError; an unknown name is
// *UnknownToolError.
func (r *Registry) Execute(ctx context.Context, name string, org models.OrgContext, args map[string]any) (string, error) {
	tool, err := r.ByName(name)
	if err != nil {
		return "", err
	}
	return r.ExecuteTool(ctx, tool, org, args)
}

// ExecuteTool validates and runs an already-resolved tool. Used by the
// approval handler, which holds the tool from the action log rather than a
// model-supplied name.
func (r *Registry) ExecuteTool(ctx context.Context, tool *Tool, org models.OrgContext, args map[string]any) (string, error) {
	r.mu.RLock()
	entry := r.byKey[tool.Key]
	r.mu.RUnlock()

	if args == nil {
		args = make(map[string]any)
	}

	if entry != nil && entry.schema != nil {
		if err := entry.schema.Validate(args); err != nil {
			return "", &ToolExecutionError{
				Tool:  tool.Name,
				Cause: fmt.Errorf("invalid arguments: %w", err),
			}
		}
	}

	output, err := tool.Handler(ctx, org, args)
	if err != nil {
		return "", &ToolExecutionError{Tool: tool.Name, Cause: err}
	}
	return output, nil
}
