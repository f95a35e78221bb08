// Copyright (C) 2025 Kestrel Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package resolver selects a backend model for each chat turn.
//
// Resolution builds an ordered candidate list from route defaults and
// feature flags, filters by allowlist and capability, ranks the survivors
// by current health score, and always returns a usable model: when every
// candidate is rejected, the first pre-allowlist candidate is selected
// unconditionally. That fallback can pick a model that was never
// health-checked against the current request; tightening it is a policy
// decision deliberately out of scope here.
package resolver

import (
	"context"
	"log/slog"
	"strings"

	"github.com/kestrel-labs/kestrel/services/orchestrator/catalog"
	"github.com/kestrel-labs/kestrel/services/orchestrator/datatypes"
	"github.com/kestrel-labs/kestrel/services/orchestrator/health"
)

// Config controls candidate construction.
type Config struct {
	// RouteDefaults is the ordered candidate list per route. Routes without
	// an entry fall back to the chat route's list.
	RouteDefaults map[datatypes.Route][]string

	// AudioModel is appended when the turn requests audio output.
	AudioModel string

	// LinkModel is prepended when the request contains a URL and link
	// scraping is enabled.
	LinkModel string

	// StrictCatalog rejects candidates missing from the catalog. When
	// false, unlisted ids are accepted as unknown.
	StrictCatalog bool

	// RefreshOnMiss triggers one catalog reload when a candidate id is not
	// found.
	RefreshOnMiss bool
}

// DefaultConfig returns route defaults covering the built-in catalog.
func DefaultConfig() Config {
	return Config{
		RouteDefaults: map[datatypes.Route][]string{
			datatypes.RouteChat:     {"gpt-4o-mini", "gpt-4o", "llama-3.3-70b"},
			datatypes.RouteCoding:   {"gpt-4o", "llama-3.3-70b", "gpt-4o-mini"},
			datatypes.RouteSearch:   {"sonar-web", "gpt-4o", "gpt-4o-mini"},
			datatypes.RouteCreative: {"gpt-4o", "gpt-4o-mini"},
		},
		AudioModel:    "gpt-4o-audio",
		LinkModel:     "sonar-web",
		RefreshOnMiss: true,
	}
}

// Request carries everything resolution needs from one chat turn.
type Request struct {
	Route         datatypes.Route
	Messages      []datatypes.Message
	Flags         datatypes.FeatureFlags
	AllowedModels []string
}

// Result is the resolution outcome: the chosen model and one decision entry
// per candidate evaluated.
type Result struct {
	Model     string
	Decisions []datatypes.ResolutionDecision
}

// Resolver ranks and selects models.
//
// Thread Safety: Safe for concurrent use; all mutable state lives in the
// catalog and health tracker.
type Resolver struct {
	catalog *catalog.Catalog
	health  *health.Tracker
	cfg     Config
	logger  *slog.Logger
}

// New creates a resolver.
func New(cat *catalog.Catalog, tracker *health.Tracker, cfg Config, logger *slog.Logger) *Resolver {
	if cfg.RouteDefaults == nil {
		cfg.RouteDefaults = DefaultConfig().RouteDefaults
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{catalog: cat, health: tracker, cfg: cfg, logger: logger}
}

// Resolve picks a model for the request. It never fails: some candidate is
// always returned.
func (r *Resolver) Resolve(ctx context.Context, req Request) Result {
	candidates := r.buildCandidates(req)
	filtered := intersectAllowlist(candidates, req.AllowedModels)
	requirements := deriveRequirements(req)

	var decisions []datatypes.ResolutionDecision
	type accepted struct {
		model string
		score float64
		index int
	}
	var best *accepted

	for _, id := range filtered {
		decision := datatypes.ResolutionDecision{
			Model:       id,
			HealthScore: r.health.GetScore(id),
		}

		model, _ := r.catalog.Find(ctx, id, r.cfg.RefreshOnMiss)
		switch {
		case model == nil && r.cfg.StrictCatalog:
			decision.Reason = "catalog_miss"
		case model == nil:
			decision.Accepted = true
			decision.Reason = datatypes.DecisionCatalogMissAcceptUnknown
		case !catalog.Supports(model, requirements):
			decision.Reason = datatypes.DecisionCapabilityMismatch
		default:
			decision.Accepted = true
		}

		if decision.Accepted {
			// Highest health wins; strict > keeps ties on the earlier
			// candidate so ranking is stable.
			if best == nil || decision.HealthScore > best.score {
				best = &accepted{model: id, score: decision.HealthScore, index: len(decisions)}
			}
		}
		decisions = append(decisions, decision)
	}

	if best != nil {
		for i := range decisions {
			if !decisions[i].Accepted || decisions[i].Reason != "" {
				continue
			}
			if i == best.index {
				decisions[i].Reason = datatypes.DecisionSelected
			} else {
				decisions[i].Reason = datatypes.DecisionHealthOutranked
			}
		}
		return Result{Model: best.model, Decisions: decisions}
	}

	// Unconditional fallback: first candidate in the original pre-allowlist
	// order. Resolution never fails.
	fallback := candidates[0]
	decisions = append(decisions, datatypes.ResolutionDecision{
		Model:       fallback,
		Accepted:    true,
		Reason:      datatypes.DecisionFallbackFirstCandidate,
		HealthScore: r.health.GetScore(fallback),
	})
	r.logger.Warn("no candidate accepted, using fallback",
		"route", string(req.Route), "model", fallback)
	return Result{Model: fallback, Decisions: decisions}
}

// buildCandidates assembles the ordered pre-allowlist candidate list.
func (r *Resolver) buildCandidates(req Request) []string {
	defaults, ok := r.cfg.RouteDefaults[req.Route]
	if !ok {
		defaults = r.cfg.RouteDefaults[datatypes.RouteChat]
	}

	candidates := make([]string, 0, len(defaults)+2)

	// Link-capable model goes first when the request carries a URL and
	// scraping is on: it should win ties against the route default.
	if req.Flags.LinkScraping && r.cfg.LinkModel != "" && containsURL(req.Messages) {
		candidates = append(candidates, r.cfg.LinkModel)
	}
	candidates = append(candidates, defaults...)
	if req.Flags.AudioOutput && r.cfg.AudioModel != "" {
		candidates = append(candidates, r.cfg.AudioModel)
	}

	candidates = dedupe(candidates)
	if len(candidates) == 0 {
		// Misconfigured route table; resolution must still return something.
		candidates = DefaultConfig().RouteDefaults[datatypes.RouteChat]
	}
	return candidates
}

// deriveRequirements maps the request onto capability requirements.
func deriveRequirements(req Request) datatypes.Requirements {
	reqs := datatypes.Requirements{
		AudioOut: req.Flags.AudioOutput,
		Search:   req.Route == datatypes.RouteSearch,
	}
	if req.Flags.VisionRequired {
		reqs.Vision = true
	} else {
		for _, msg := range req.Messages {
			if len(msg.Images) > 0 {
				reqs.Vision = true
				break
			}
		}
	}
	return reqs
}

// intersectAllowlist filters candidates by the allowlist, preserving
// candidate order. An empty allowlist passes everything through.
func intersectAllowlist(candidates, allowed []string) []string {
	if len(allowed) == 0 {
		return candidates
	}
	allowedSet := make(map[string]bool, len(allowed))
	for _, id := range allowed {
		allowedSet[id] = true
	}
	out := make([]string, 0, len(candidates))
	for _, id := range candidates {
		if allowedSet[id] {
			out = append(out, id)
		}
	}
	return out
}

// containsURL reports whether any user message carries an http(s) URL.
func containsURL(messages []datatypes.Message) bool {
	for _, msg := range messages {
		if msg.Role != datatypes.RoleUser {
			continue
		}
		if strings.Contains(msg.Content, "http://") || strings.Contains(msg.Content, "https://") {
			return true
		}
	}
	return false
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
