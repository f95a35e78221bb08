// Copyright (C) 2025 Kestrel Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package catalog holds model capability metadata.
//
// The catalog is a static-plus-refreshable registry: entries are loaded
// wholesale from a Source and replaced atomically on refresh, never mutated
// in place. Capability matching is a pure predicate over the loaded
// metadata.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/kestrel-labs/kestrel/services/orchestrator/datatypes"
)

// Source supplies the full model list on load and refresh.
type Source interface {
	Load(ctx context.Context) ([]datatypes.ModelInfo, error)
}

// StaticSource is a fixed in-memory source.
type StaticSource []datatypes.ModelInfo

// Load implements Source.
func (s StaticSource) Load(context.Context) ([]datatypes.ModelInfo, error) {
	out := make([]datatypes.ModelInfo, len(s))
	copy(out, s)
	return out, nil
}

// Catalog is the model metadata registry.
//
// Thread Safety: Safe for concurrent use. Refresh swaps the whole map under
// the write lock; readers never observe a partially loaded catalog.
type Catalog struct {
	mu     sync.RWMutex
	models map[string]datatypes.ModelInfo

	source Source
	logger *slog.Logger
}

// New creates a catalog and performs the initial load.
func New(ctx context.Context, source Source, logger *slog.Logger) (*Catalog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Catalog{
		models: make(map[string]datatypes.ModelInfo),
		source: source,
		logger: logger,
	}
	if err := c.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("catalog: initial load failed: %w", err)
	}
	return c, nil
}

// Refresh reloads the catalog wholesale from the source.
func (c *Catalog) Refresh(ctx context.Context) error {
	models, err := c.source.Load(ctx)
	if err != nil {
		return fmt.Errorf("catalog: refresh failed: %w", err)
	}

	next := make(map[string]datatypes.ModelInfo, len(models))
	for _, m := range models {
		if m.ID == "" {
			continue
		}
		next[m.ID] = m
	}

	c.mu.Lock()
	c.models = next
	c.mu.Unlock()

	c.logger.Debug("catalog refreshed", "models", len(next))
	return nil
}

// Find looks up a model by id.
//
// Description:
//
//	When the id is absent and refreshIfMissing is set, the catalog reloads
//	once from its source and re-checks. The refreshed return value reports
//	whether that reload happened, regardless of whether it surfaced the
//	model.
//
// Outputs:
//
//	*datatypes.ModelInfo - The model, or nil when unknown.
//	bool - True if a refresh was triggered by this call.
func (c *Catalog) Find(ctx context.Context, id string, refreshIfMissing bool) (*datatypes.ModelInfo, bool) {
	if m, ok := c.lookup(id); ok {
		return m, false
	}
	if !refreshIfMissing {
		return nil, false
	}
	if err := c.Refresh(ctx); err != nil {
		c.logger.Warn("catalog refresh on miss failed", "model", id, "error", err)
		return nil, true
	}
	m, _ := c.lookup(id)
	return m, true
}

func (c *Catalog) lookup(id string) (*datatypes.ModelInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if m, ok := c.models[id]; ok {
		found := m
		return &found, true
	}
	return nil, false
}

// List returns all models sorted by id.
func (c *Catalog) List() []datatypes.ModelInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]datatypes.ModelInfo, 0, len(c.models))
	for _, m := range c.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Supports reports whether the model satisfies the requirements.
//
// Pure predicate: a vision requirement is satisfied by the explicit
// capability flag or by an image input modality; audio requirements
// likewise accept either the flag or the matching modality.
func Supports(model *datatypes.ModelInfo, req datatypes.Requirements) bool {
	if model == nil {
		return false
	}
	if req.Vision && !model.HasCapability(datatypes.CapVision) && !model.HasInputModality(datatypes.ModalityImage) {
		return false
	}
	if req.Search && !model.HasCapability(datatypes.CapSearch) {
		return false
	}
	if req.AudioIn && !model.HasCapability(datatypes.CapAudioIn) && !model.HasInputModality(datatypes.ModalityAudio) {
		return false
	}
	if req.AudioOut && !model.HasCapability(datatypes.CapAudioOut) && !model.HasOutputModality(datatypes.ModalityAudio) {
		return false
	}
	return true
}
