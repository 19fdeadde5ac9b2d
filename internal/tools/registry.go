package tools

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/valethq/valet/internal/backend"
)

// Registration limits. Names beyond these are misconfigurations, not data.
const (
	MaxToolNameLength = 256
	MaxToolParamsSize = 10 << 20
)

type registered struct {
	spec      Spec
	schema    json.RawMessage
	validator *jsonschema.Schema
}

// Registry holds the registered tools and the schemas derived from them.
// Safe for concurrent use; descriptor lists are memoized until the next
// registration.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*registered

	describeOpenAI    []json.RawMessage
	describeAnthropic []json.RawMessage
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*registered)}
}

// Register adds a tool, deriving and compiling its parameter schema once.
// Idempotent by name: registering a name again replaces the earlier entry,
// so a reconnecting tool server can refresh its tools in place.
func (r *Registry) Register(spec Spec) error {
	if spec.Name == "" {
		return fmt.Errorf("tools: tool name is required")
	}
	if len(spec.Name) > MaxToolNameLength {
		return fmt.Errorf("tools: tool name exceeds %d bytes", MaxToolNameLength)
	}
	if spec.Handler == nil {
		return fmt.Errorf("tools: tool %s has no handler", spec.Name)
	}

	schema := spec.RawSchema
	if schema == nil {
		derived, err := buildSchema(spec.Params)
		if err != nil {
			return fmt.Errorf("tools: schema for %s: %w", spec.Name, err)
		}
		schema = derived
	}
	if len(schema) > MaxToolParamsSize {
		return fmt.Errorf("tools: schema for %s exceeds %d bytes", spec.Name, MaxToolParamsSize)
	}

	compiler := jsonschema.NewCompiler()
	resource := spec.Name + ".schema.json"
	if err := compiler.AddResource(resource, strings.NewReader(string(schema))); err != nil {
		return fmt.Errorf("tools: compile schema for %s: %w", spec.Name, err)
	}
	validator, err := compiler.Compile(resource)
	if err != nil {
		return fmt.Errorf("tools: compile schema for %s: %w", spec.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[spec.Name] = &registered{spec: spec, schema: schema, validator: validator}
	r.describeOpenAI = nil
	r.describeAnthropic = nil
	return nil
}

// Get returns the spec for name.
func (r *Registry) Get(name string) (Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tools[name]
	if !ok {
		return Spec{}, false
	}
	return reg.spec, true
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateArgs checks args against the tool's parameter schema and returns
// the decoded arguments with declared defaults applied.
func (r *Registry) ValidateArgs(name string, args json.RawMessage) (map[string]any, error) {
	r.mu.RLock()
	reg, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("tools: unknown tool %s", name)
	}

	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return nil, fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	if err := reg.validator.Validate(decoded); err != nil {
		return nil, err
	}

	argMap, ok := decoded.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("arguments must be a JSON object")
	}
	for _, p := range reg.spec.Params {
		if _, present := argMap[p.Name]; !present && p.Default != nil {
			argMap[p.Name] = p.Default
		}
	}
	return argMap, nil
}

// Schemas returns the neutral tool descriptors handed to backend adapters.
func (r *Registry) Schemas() []backend.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]backend.ToolSchema, 0, len(names))
	for _, name := range names {
		reg := r.tools[name]
		out = append(out, backend.ToolSchema{
			Name:        reg.spec.Name,
			Description: reg.spec.Description,
			Parameters:  reg.schema,
		})
	}
	return out
}

// DescribeOpenAI returns the function-call shaped descriptors:
// {"type":"function","function":{name, description, parameters}}.
// The list is memoized until the next registration.
func (r *Registry) DescribeOpenAI() []json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.describeOpenAI != nil {
		return r.describeOpenAI
	}
	for _, name := range r.sortedNamesLocked() {
		reg := r.tools[name]
		doc, err := json.Marshal(map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        reg.spec.Name,
				"description": reg.spec.Description,
				"parameters":  reg.schema,
			},
		})
		if err != nil {
			continue
		}
		r.describeOpenAI = append(r.describeOpenAI, doc)
	}
	return r.describeOpenAI
}

// DescribeAnthropic returns the input_schema shaped descriptors:
// {name, description, input_schema}. Memoized like DescribeOpenAI.
func (r *Registry) DescribeAnthropic() []json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.describeAnthropic != nil {
		return r.describeAnthropic
	}
	for _, name := range r.sortedNamesLocked() {
		reg := r.tools[name]
		doc, err := json.Marshal(map[string]any{
			"name":         reg.spec.Name,
			"description":  reg.spec.Description,
			"input_schema": reg.schema,
		})
		if err != nil {
			continue
		}
		r.describeAnthropic = append(r.describeAnthropic, doc)
	}
	return r.describeAnthropic
}

func (r *Registry) sortedNamesLocked() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// buildSchema derives the JSON-schema parameter object from the declared
// parameter list.
func buildSchema(params []Param) (json.RawMessage, error) {
	properties := make(map[string]any, len(params))
	var required []string
	for _, p := range params {
		if p.Name == "" || p.Type == "" {
			return nil, fmt.Errorf("parameter needs name and type")
		}
		prop := map[string]any{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}

	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return json.Marshal(schema)
}
