// Copyright (C) 2025 Kestrel Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package health

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestGetScoreUnseenModel(t *testing.T) {
	tr := NewTracker(nil, nil, nil)
	if got := tr.GetScore("never-seen"); got != DefaultScore {
		t.Errorf("GetScore(unseen) = %v, want %v", got, DefaultScore)
	}
}

func TestRecordOutcomeEWMA(t *testing.T) {
	tr := NewTracker(nil, nil, nil)

	// First success from the 0.5 baseline: 0.5*0.8 + 1.0*0.2 = 0.6
	tr.RecordOutcome("m", true, time.Second)
	if got := tr.GetScore("m"); !almostEqual(got, 0.6) {
		t.Errorf("score after one success = %v, want 0.6", got)
	}

	// Failure folds in a zero: 0.6*0.8 = 0.48
	tr.RecordOutcome("m", false, time.Second)
	if got := tr.GetScore("m"); !almostEqual(got, 0.48) {
		t.Errorf("score after failure = %v, want 0.48", got)
	}
}

func TestRecordOutcomeScoreStaysBounded(t *testing.T) {
	tr := NewTracker(nil, nil, nil)

	for i := 0; i < 100; i++ {
		tr.RecordOutcome("good", true, time.Second)
		tr.RecordOutcome("bad", false, 0)
	}
	if got := tr.GetScore("good"); got > 1.0 || got < 0.99 {
		t.Errorf("score after 100 successes = %v, want approaching 1.0", got)
	}
	if got := tr.GetScore("bad"); got < 0 || got > 0.01 {
		t.Errorf("score after 100 failures = %v, want approaching 0", got)
	}
}

func TestOutcomeScoreLatencyGrading(t *testing.T) {
	tests := []struct {
		name    string
		success bool
		latency time.Duration
		want    float64
	}{
		{"failure is zero regardless of latency", false, time.Second, 0},
		{"fast success full credit", true, 10 * time.Second, 1.0},
		{"boundary fast", true, 30 * time.Second, 1.0},
		{"midpoint grades linearly", true, 75 * time.Second, 0.8},
		{"boundary slow", true, 120 * time.Second, 0.6},
		{"beyond slow floors", true, 10 * time.Minute, 0.6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := outcomeScore(tt.success, tt.latency); !almostEqual(got, tt.want) {
				t.Errorf("outcomeScore(%v, %v) = %v, want %v", tt.success, tt.latency, got, tt.want)
			}
		})
	}
}

func TestRecordOutcomeIgnoresEmptyModel(t *testing.T) {
	tr := NewTracker(nil, nil, nil)
	tr.RecordOutcome("", true, time.Second)
	if snap := tr.Snapshot(); len(snap) != 0 {
		t.Errorf("Snapshot after empty-model record = %v, want empty", snap)
	}
}

// failingStore errors on every operation.
type failingStore struct {
	mu    sync.Mutex
	calls int
}

func (s *failingStore) bump() {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
}

func (s *failingStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *failingStore) List(context.Context, []string) (map[string]Entry, error) {
	s.bump()
	return nil, errors.New("store down")
}

func (s *failingStore) Upsert(context.Context, Entry) error {
	s.bump()
	return errors.New("store down")
}

func (s *failingStore) Clear(context.Context) error {
	s.bump()
	return errors.New("store down")
}

func TestTrackerDegradesOnceOnStoreFailure(t *testing.T) {
	store := &failingStore{}
	tr := NewTracker(store, nil, nil)

	tr.RecordOutcome("m", true, time.Second)
	if !tr.Degraded() {
		t.Fatal("tracker not degraded after store failure")
	}
	before := store.count()

	// Degradation is one-way: no further store traffic.
	tr.RecordOutcome("m", true, time.Second)
	tr.RecordOutcome("m", false, time.Second)
	tr.Reset(context.Background())
	if store.count() != before {
		t.Errorf("store called %d times after degradation, want 0 more", store.count()-before)
	}

	// Scoring keeps working in memory.
	tr.RecordOutcome("m", true, time.Second)
	if got := tr.GetScore("m"); got == DefaultScore {
		t.Error("in-memory scoring stopped after degradation")
	}
}

func TestTrackerWarmAndPersistRoundTrip(t *testing.T) {
	store, err := OpenBadgerStore(BadgerStoreConfig{InMemory: true})
	if err != nil {
		t.Fatalf("OpenBadgerStore: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	first := NewTracker(store, nil, nil)
	first.RecordOutcome("m1", true, time.Second)
	first.RecordOutcome("m1", true, time.Second)
	want := first.GetScore("m1")

	second := NewTracker(store, nil, nil)
	second.Warm(ctx, []string{"m1", "m2"})
	if got := second.GetScore("m1"); !almostEqual(got, want) {
		t.Errorf("warmed score = %v, want %v", got, want)
	}
	if got := second.GetScore("m2"); got != DefaultScore {
		t.Errorf("unpersisted model score = %v, want default", got)
	}
}

func TestTrackerResetClearsStore(t *testing.T) {
	store, err := OpenBadgerStore(BadgerStoreConfig{InMemory: true})
	if err != nil {
		t.Fatalf("OpenBadgerStore: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	tr := NewTracker(store, nil, nil)
	tr.RecordOutcome("m1", false, 0)
	tr.Reset(ctx)

	if got := tr.GetScore("m1"); got != DefaultScore {
		t.Errorf("score after Reset = %v, want default", got)
	}
	fresh := NewTracker(store, nil, nil)
	fresh.Warm(ctx, []string{"m1"})
	if got := fresh.GetScore("m1"); got != DefaultScore {
		t.Errorf("persisted score survived Reset: %v", got)
	}
}

func TestTrackerWarmDoesNotOverwriteLiveEntries(t *testing.T) {
	store, err := OpenBadgerStore(BadgerStoreConfig{InMemory: true})
	if err != nil {
		t.Fatalf("OpenBadgerStore: %v", err)
	}
	defer store.Close()

	if err := store.Upsert(context.Background(), Entry{ModelID: "m", Score: 0.1, Samples: 5}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	tr := NewTracker(store, nil, nil)
	tr.RecordOutcome("m", true, time.Second)
	live := tr.GetScore("m")

	tr.Warm(context.Background(), []string{"m"})
	if got := tr.GetScore("m"); !almostEqual(got, live) {
		t.Errorf("Warm overwrote a live entry: %v, want %v", got, live)
	}
}
