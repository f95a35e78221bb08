// Copyright (C) 2025 Kestrel Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package tools provides the capability registry, policy evaluation, and
// result cache for the tool-call loop.
//
// Tools are registered once at startup by name with a JSON argument schema
// and a risk classification. The loop treats handlers as opaque,
// timeout-bounded, possibly-failing functions; unknown names are rejected
// at policy evaluation rather than at call time.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/kestrel-labs/kestrel/services/llm"
)

// Risk classifies a tool's side-effect profile.
type Risk string

const (
	// RiskReadOnly tools have no side effects and may run concurrently.
	RiskReadOnly Risk = "read_only"

	// RiskSideEffecting tools mutate external state and always run
	// strictly sequentially.
	RiskSideEffecting Risk = "side_effecting"
)

// Handler executes one tool invocation.
type Handler interface {
	Execute(ctx context.Context, args map[string]any) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, args map[string]any) (any, error)

// Execute implements Handler.
func (f HandlerFunc) Execute(ctx context.Context, args map[string]any) (any, error) {
	return f(ctx, args)
}

// Definition describes one registered tool.
type Definition struct {
	Name        string
	Description string

	// Schema is the declared JSON argument schema, passed through to the
	// backend verbatim when tools are advertised natively.
	Schema json.RawMessage

	Risk    Risk
	Handler Handler
}

// Registry maps tool names to definitions.
//
// Thread Safety: Safe for concurrent use. Registration normally happens
// once at startup; reads dominate.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Definition)}
}

// Register adds a tool definition.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("tools: definition requires a name")
	}
	if def.Handler == nil {
		return fmt.Errorf("tools: %s requires a handler", def.Name)
	}
	if def.Risk == "" {
		def.Risk = RiskSideEffecting // unknown risk is treated as the risky kind
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("tools: %s already registered", def.Name)
	}
	r.tools[def.Name] = def
	return nil
}

// Get returns a tool definition by name.
func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tools[name]
	return def, ok
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Specs returns the tool specifications advertised to the backend, sorted
// by name.
func (r *Registry) Specs() []llm.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]llm.ToolSpec, 0, len(r.tools))
	for _, def := range r.tools {
		out = append(out, llm.ToolSpec{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.Schema,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
