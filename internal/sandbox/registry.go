// Package sandbox mediates every tool invocation against the active
// security mode: path jail, command allowlist, and human confirmation in
// safe mode; pass-through in spicy mode. All failures surface as a failed
// ToolResult, never as a crash of the session lane.
package sandbox

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/clawgate/clawgate/pkg/models"
)

// ToolKind classifies a tool for policy purposes.
type ToolKind string

const (
	KindFilesystem ToolKind = "filesystem"
	KindShell      ToolKind = "shell"
	KindBrowser    ToolKind = "browser"
	KindOther      ToolKind = "other"
)

// Handler executes a tool call. env is a per-call environment overlay;
// handlers must not mutate the process environment.
type Handler func(ctx context.Context, call *models.ToolCall, env map[string]string) (*models.ToolResult, error)

// ToolSpec describes a registered tool.
type ToolSpec struct {
	Name                 string
	Kind                 ToolKind
	RequiresConfirmation bool

	// Schema optionally validates call arguments before any policy check.
	Schema *jsonschema.Schema

	Handler Handler
}

// Registry holds the tools the sandbox may dispatch to. The concrete
// tool set is owned by the embedder.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*ToolSpec
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*ToolSpec)}
}

// Register adds or replaces a tool.
func (r *Registry) Register(spec *ToolSpec) error {
	if spec == nil || strings.TrimSpace(spec.Name) == "" {
		return fmt.Errorf("tool name is required")
	}
	if spec.Handler == nil {
		return fmt.Errorf("tool %s: handler is required", spec.Name)
	}
	if spec.Kind == "" {
		spec.Kind = KindOther
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[spec.Name] = spec
	return nil
}

// Get returns the spec for name, or nil.
func (r *Registry) Get(name string) *ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Names returns the registered tool names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// CompileSchema compiles a JSON schema document for use in a ToolSpec.
func CompileSchema(name, schemaJSON string) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	resource := name + ".schema.json"
	if err := compiler.AddResource(resource, strings.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("add schema for %s: %w", name, err)
	}
	schema, err := compiler.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compile schema for %s: %w", name, err)
	}
	return schema, nil
}
