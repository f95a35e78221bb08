// Copyright (C) 2025 Kestrel Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package health tracks a smoothed health score per model id.
//
// Every completed provider call folds an outcome score into an exponential
// moving average per model. Scores stay in [0,1]; unseen models score 0.5.
// An optional durable store persists entries across restarts; any store
// failure logs once and permanently downgrades the tracker to memory-only
// for the remainder of the process.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// EWMA smoothing factor.
const Alpha = 0.2

// DefaultScore is returned for models with no recorded outcomes.
const DefaultScore = 0.5

// Latency grading boundaries for successful calls.
const (
	fastLatency = 30 * time.Second  // full credit at or below
	slowLatency = 120 * time.Second // floor credit at or above
	slowScore   = 0.6
)

// storeOpTimeout bounds every durable-store call so record/read paths never
// block indefinitely on a failing store.
const storeOpTimeout = 2 * time.Second

// Entry is one model's persisted health state.
type Entry struct {
	ModelID   string    `json:"model_id"`
	Score     float64   `json:"score"`
	Samples   int64     `json:"samples"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is the optional durable persistence collaborator.
type Store interface {
	// List returns persisted entries for the given model ids. Missing ids
	// are simply absent from the result.
	List(ctx context.Context, modelIDs []string) (map[string]Entry, error)

	// Upsert writes one entry.
	Upsert(ctx context.Context, entry Entry) error

	// Clear removes all entries.
	Clear(ctx context.Context) error
}

// Tracker maintains per-model EWMA health scores.
//
// Description:
//
//	Outcome scoring: failures score 0; successes score 1.0 up to 30s
//	latency, grading linearly down to 0.6 at 120s and beyond. The score is
//	folded into the per-model EWMA with factor Alpha and the sample count
//	incremented. Entries are never deleted except by Reset.
//
// Thread Safety: Safe for concurrent use. Updates are atomic per model id;
// different ids do not contend beyond the map lock.
type Tracker struct {
	mu      sync.RWMutex
	entries map[string]*Entry

	store    Store
	degraded bool
	degrade  sync.Once

	now    func() time.Time
	logger *slog.Logger
}

// NewTracker creates a tracker.
//
// Inputs:
//
//	store - Optional durable store; nil keeps the tracker memory-only.
//	clock - Overrides time.Now for tests; nil uses time.Now.
//	logger - Structured logger; nil uses slog.Default.
func NewTracker(store Store, clock func() time.Time, logger *slog.Logger) *Tracker {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		entries: make(map[string]*Entry),
		store:   store,
		now:     clock,
		logger:  logger,
	}
}

// Warm preloads persisted entries for the given model ids. Best effort: a
// store failure degrades to memory-only and Warm returns normally.
func (t *Tracker) Warm(ctx context.Context, modelIDs []string) {
	if !t.storeUsable() || len(modelIDs) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, storeOpTimeout)
	defer cancel()

	persisted, err := t.store.List(ctx, modelIDs)
	if err != nil {
		t.degradeStore(err)
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for id, entry := range persisted {
		if _, exists := t.entries[id]; !exists {
			e := entry
			t.entries[id] = &e
		}
	}
}

// RecordOutcome folds one provider-call outcome into the model's EWMA.
func (t *Tracker) RecordOutcome(model string, success bool, latency time.Duration) {
	if model == "" {
		return
	}
	score := outcomeScore(success, latency)

	t.mu.Lock()
	entry, exists := t.entries[model]
	if !exists {
		entry = &Entry{ModelID: model, Score: DefaultScore}
		t.entries[model] = entry
	}
	entry.Score = entry.Score*(1-Alpha) + score*Alpha
	entry.Samples++
	entry.UpdatedAt = t.now()
	snapshot := *entry
	t.mu.Unlock()

	t.persist(snapshot)
}

// GetScore returns the model's current health score, DefaultScore when
// unseen.
func (t *Tracker) GetScore(model string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if entry, exists := t.entries[model]; exists {
		return entry.Score
	}
	return DefaultScore
}

// Snapshot returns a copy of all entries, for diagnostics endpoints.
func (t *Tracker) Snapshot() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Entry, 0, len(t.entries))
	for _, entry := range t.entries {
		out = append(out, *entry)
	}
	return out
}

// Reset clears all health state, in memory and in the durable store.
func (t *Tracker) Reset(ctx context.Context) {
	t.mu.Lock()
	t.entries = make(map[string]*Entry)
	t.mu.Unlock()

	if !t.storeUsable() {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, storeOpTimeout)
	defer cancel()
	if err := t.store.Clear(ctx); err != nil {
		t.degradeStore(err)
	}
}

// Degraded reports whether the tracker has dropped to memory-only mode.
func (t *Tracker) Degraded() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.degraded
}

// persist writes one entry to the durable store, degrading on failure.
func (t *Tracker) persist(entry Entry) {
	if !t.storeUsable() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()
	if err := t.store.Upsert(ctx, entry); err != nil {
		t.degradeStore(err)
	}
}

func (t *Tracker) storeUsable() bool {
	if t.store == nil {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return !t.degraded
}

// degradeStore flips the tracker to memory-only mode. One-way: the store is
// never retried for the remainder of the process.
func (t *Tracker) degradeStore(err error) {
	t.degrade.Do(func() {
		t.mu.Lock()
		t.degraded = true
		t.mu.Unlock()
		t.logger.Error("health store failed, downgrading to in-memory only", "error", err)
	})
}

// outcomeScore maps one call outcome onto [0,1].
func outcomeScore(success bool, latency time.Duration) float64 {
	if !success {
		return 0
	}
	if latency <= fastLatency {
		return 1.0
	}
	if latency >= slowLatency {
		return slowScore
	}
	// Linear grade between the boundaries.
	frac := float64(latency-fastLatency) / float64(slowLatency-fastLatency)
	return 1.0 - frac*(1.0-slowScore)
}
