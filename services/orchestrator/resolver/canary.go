// Copyright (C) 2025 Kestrel Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package resolver

import (
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/kestrel-labs/kestrel/services/orchestrator/datatypes"
	"github.com/kestrel-labs/kestrel/services/orchestrator/observability"
)

// CanaryConfig configures the agentic-path gate.
type CanaryConfig struct {
	// Percent of users admitted to the agentic path (0-100, default 100).
	Percent int

	// WindowSize bounds the rolling outcome window per route (default 50).
	// Oldest outcomes drop off.
	WindowSize int

	// MinSamples must accumulate before the failure-rate cutoff applies
	// (default 10).
	MinSamples int

	// FailureRateCutoff trips the gate when the windowed failure rate
	// reaches it (default 0.5).
	FailureRateCutoff float64

	// Cooldown is how long the gate stays tripped (default 5m).
	Cooldown time.Duration

	// Clock overrides time.Now for tests.
	Clock func() time.Time
}

// DefaultCanaryConfig returns sensible defaults.
func DefaultCanaryConfig() CanaryConfig {
	return CanaryConfig{
		Percent:           100,
		WindowSize:        50,
		MinSamples:        10,
		FailureRateCutoff: 0.5,
		Cooldown:          5 * time.Minute,
	}
}

// routeWindow is one route's rolling outcome state.
type routeWindow struct {
	outcomes  []bool // true = success; oldest first
	tripped   bool
	trippedAt time.Time
}

// CanaryGate decides per route whether the agentic (tool-enabled) path is
// allowed.
//
// Description:
//
//	Gating combines a stable percent rollout (FNV-1a hash of the user id,
//	so a user is consistently in or out of the cohort) with a rolling
//	per-route window of turn outcomes. Once the window holds at least
//	MinSamples outcomes and the failure rate reaches the cutoff, the gate
//	trips and stays closed for the cooldown, after which the window resets
//	and sampling starts over.
//
// Thread Safety: Safe for concurrent use.
type CanaryGate struct {
	cfg CanaryConfig
	now func() time.Time

	mu     sync.Mutex
	routes map[datatypes.Route]*routeWindow

	logger *slog.Logger
}

// NewCanaryGate creates a gate.
func NewCanaryGate(cfg CanaryConfig, logger *slog.Logger) *CanaryGate {
	def := DefaultCanaryConfig()
	if cfg.Percent <= 0 || cfg.Percent > 100 {
		cfg.Percent = def.Percent
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = def.MinSamples
	}
	if cfg.FailureRateCutoff <= 0 || cfg.FailureRateCutoff > 1 {
		cfg.FailureRateCutoff = def.FailureRateCutoff
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CanaryGate{
		cfg:    cfg,
		now:    now,
		routes: make(map[datatypes.Route]*routeWindow),
		logger: logger,
	}
}

// Allowed reports whether the agentic path is enabled for this route and
// user.
func (g *CanaryGate) Allowed(route datatypes.Route, userID string) bool {
	if !inRollout(userID, g.cfg.Percent) {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	w := g.windowLocked(route)
	if w.tripped {
		if g.now().Sub(w.trippedAt) < g.cfg.Cooldown {
			return false
		}
		// Cooldown over: reset and start sampling again.
		w.tripped = false
		w.outcomes = nil
		g.logger.Info("canary gate cooldown elapsed, re-enabling agentic path",
			"route", string(route))
	}
	return true
}

// Record feeds one turn outcome into the route's window and may trip the
// gate.
func (g *CanaryGate) Record(route datatypes.Route, success bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	w := g.windowLocked(route)
	if w.tripped {
		return
	}

	w.outcomes = append(w.outcomes, success)
	if len(w.outcomes) > g.cfg.WindowSize {
		w.outcomes = w.outcomes[len(w.outcomes)-g.cfg.WindowSize:]
	}

	if len(w.outcomes) < g.cfg.MinSamples {
		return
	}
	failures := 0
	for _, ok := range w.outcomes {
		if !ok {
			failures++
		}
	}
	rate := float64(failures) / float64(len(w.outcomes))
	if rate >= g.cfg.FailureRateCutoff {
		w.tripped = true
		w.trippedAt = g.now()
		if m := observability.DefaultMetrics; m != nil {
			m.CanaryTripsTotal.WithLabelValues(string(route)).Inc()
		}
		g.logger.Warn("canary gate tripped, disabling agentic path",
			"route", string(route),
			"failure_rate", rate,
			"samples", len(w.outcomes))
	}
}

// windowLocked returns the route's window, creating it lazily. Must be
// called with the lock held.
func (g *CanaryGate) windowLocked(route datatypes.Route) *routeWindow {
	w, ok := g.routes[route]
	if !ok {
		w = &routeWindow{}
		g.routes[route] = w
	}
	return w
}

// inRollout hashes the user id into a stable 0-99 bucket.
func inRollout(userID string, percent int) bool {
	if percent >= 100 {
		return true
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return int(h.Sum32()%100) < percent
}
