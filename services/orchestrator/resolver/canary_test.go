// Copyright (C) 2025 Kestrel Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package resolver

import (
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/kestrel-labs/kestrel/services/orchestrator/datatypes"
	"github.com/kestrel-labs/kestrel/services/orchestrator/observability"
)

type canaryClock struct {
	now time.Time
}

func (c *canaryClock) Now() time.Time          { return c.now }
func (c *canaryClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func testGate(cfg CanaryConfig) (*CanaryGate, *canaryClock) {
	clock := &canaryClock{now: time.Unix(1700000000, 0)}
	cfg.Clock = clock.Now
	return NewCanaryGate(cfg, nil), clock
}

func TestCanaryFullRolloutAllowsEveryone(t *testing.T) {
	gate, _ := testGate(CanaryConfig{Percent: 100})
	for i := 0; i < 20; i++ {
		if !gate.Allowed(datatypes.RouteChat, fmt.Sprintf("user-%d", i)) {
			t.Fatalf("user-%d rejected at 100%% rollout", i)
		}
	}
}

func TestCanaryRolloutIsStablePerUser(t *testing.T) {
	gate, _ := testGate(CanaryConfig{Percent: 50})

	for i := 0; i < 20; i++ {
		user := fmt.Sprintf("user-%d", i)
		first := gate.Allowed(datatypes.RouteChat, user)
		for j := 0; j < 5; j++ {
			if gate.Allowed(datatypes.RouteChat, user) != first {
				t.Fatalf("rollout decision for %s changed between calls", user)
			}
		}
	}
}

func TestCanaryRolloutSplitsUsers(t *testing.T) {
	gate, _ := testGate(CanaryConfig{Percent: 50})

	in := 0
	for i := 0; i < 200; i++ {
		if gate.Allowed(datatypes.RouteChat, fmt.Sprintf("user-%d", i)) {
			in++
		}
	}
	// FNV buckets are not exact, but 50% of 200 users lands well inside
	// this band.
	if in < 60 || in > 140 {
		t.Errorf("admitted %d/200 users at 50%% rollout", in)
	}
}

func TestCanaryTripsAtFailureCutoff(t *testing.T) {
	gate, _ := testGate(CanaryConfig{
		Percent:           100,
		WindowSize:        20,
		MinSamples:        5,
		FailureRateCutoff: 0.5,
		Cooldown:          5 * time.Minute,
	})

	// Below MinSamples nothing trips, even at 100% failure.
	for i := 0; i < 4; i++ {
		gate.Record(datatypes.RouteChat, false)
	}
	if !gate.Allowed(datatypes.RouteChat, "u") {
		t.Fatal("gate tripped before MinSamples")
	}

	gate.Record(datatypes.RouteChat, false)
	if gate.Allowed(datatypes.RouteChat, "u") {
		t.Fatal("gate open at 100% failure rate past MinSamples")
	}
}

func TestCanaryTripIsPerRoute(t *testing.T) {
	gate, _ := testGate(CanaryConfig{
		Percent: 100, WindowSize: 20, MinSamples: 5,
		FailureRateCutoff: 0.5, Cooldown: time.Minute,
	})

	for i := 0; i < 5; i++ {
		gate.Record(datatypes.RouteSearch, false)
	}
	if gate.Allowed(datatypes.RouteSearch, "u") {
		t.Error("search route should be tripped")
	}
	if !gate.Allowed(datatypes.RouteChat, "u") {
		t.Error("chat route tripped by search failures")
	}
}

func TestCanaryCooldownResetsWindow(t *testing.T) {
	gate, clock := testGate(CanaryConfig{
		Percent: 100, WindowSize: 20, MinSamples: 5,
		FailureRateCutoff: 0.5, Cooldown: 5 * time.Minute,
	})

	for i := 0; i < 5; i++ {
		gate.Record(datatypes.RouteChat, false)
	}
	if gate.Allowed(datatypes.RouteChat, "u") {
		t.Fatal("gate should be tripped")
	}

	clock.Advance(4 * time.Minute)
	if gate.Allowed(datatypes.RouteChat, "u") {
		t.Fatal("gate reopened before cooldown elapsed")
	}

	clock.Advance(2 * time.Minute)
	if !gate.Allowed(datatypes.RouteChat, "u") {
		t.Fatal("gate still closed after cooldown")
	}

	// The window restarted: old failures no longer count.
	for i := 0; i < 4; i++ {
		gate.Record(datatypes.RouteChat, false)
	}
	if !gate.Allowed(datatypes.RouteChat, "u") {
		t.Error("pre-cooldown outcomes leaked into the fresh window")
	}
}

func TestCanaryWindowSlides(t *testing.T) {
	gate, _ := testGate(CanaryConfig{
		Percent: 100, WindowSize: 10, MinSamples: 5,
		FailureRateCutoff: 0.5, Cooldown: time.Minute,
	})

	// Fill the window with successes, then add failures: the oldest
	// successes slide out, so 5 failures in a 10-wide window is exactly the
	// 0.5 cutoff.
	for i := 0; i < 10; i++ {
		gate.Record(datatypes.RouteChat, true)
	}
	for i := 0; i < 4; i++ {
		gate.Record(datatypes.RouteChat, false)
	}
	if !gate.Allowed(datatypes.RouteChat, "u") {
		t.Fatal("gate tripped at 40% failure rate")
	}
	gate.Record(datatypes.RouteChat, false)
	if gate.Allowed(datatypes.RouteChat, "u") {
		t.Error("gate open at the exact failure-rate cutoff")
	}
}

func TestCanaryTripRecordsMetric(t *testing.T) {
	if observability.DefaultMetrics == nil {
		observability.InitMetrics()
	}
	counter := observability.DefaultMetrics.CanaryTripsTotal.WithLabelValues(string(datatypes.RouteCoding))
	before := testutil.ToFloat64(counter)

	gate, _ := testGate(CanaryConfig{
		Percent:           100,
		WindowSize:        10,
		MinSamples:        2,
		FailureRateCutoff: 0.5,
		Cooldown:          time.Minute,
	})
	gate.Record(datatypes.RouteCoding, false)
	gate.Record(datatypes.RouteCoding, false)

	if gate.Allowed(datatypes.RouteCoding, "u1") {
		t.Fatal("gate did not trip")
	}
	if got := testutil.ToFloat64(counter) - before; got != 1 {
		t.Errorf("canary trips delta = %v, want 1", got)
	}

	// Further failures while tripped are ignored and must not re-count.
	gate.Record(datatypes.RouteCoding, false)
	if got := testutil.ToFloat64(counter) - before; got != 1 {
		t.Errorf("canary trips delta after tripped Record = %v, want still 1", got)
	}
}
