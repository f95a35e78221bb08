// Copyright (C) 2025 Kestrel Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides Prometheus metrics for the orchestrator.
//
// # Description
//
// Metrics cover the full turn pipeline: resolution decisions, provider and
// breaker behavior, tool-loop activity, critic verdicts, and canary state.
// Exposed via the /metrics endpoint; all operations are thread-safe via
// Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "kestrel"

const turnSubsystem = "turn"

// TurnMetrics holds all Prometheus metrics for chat-turn processing.
// Initialize once at startup via InitMetrics().
type TurnMetrics struct {
	// TurnsTotal counts completed turns.
	// Labels: route, status (success, error)
	TurnsTotal *prometheus.CounterVec

	// TurnDurationSeconds measures whole-turn latency.
	// Labels: route
	TurnDurationSeconds *prometheus.HistogramVec

	// ResolutionDecisionsTotal counts candidate decisions.
	// Labels: reason (selected, capability_mismatch, ...)
	ResolutionDecisionsTotal *prometheus.CounterVec

	// ProviderCallsTotal counts provider round trips.
	// Labels: model, status (success, error, breaker_open)
	ProviderCallsTotal *prometheus.CounterVec

	// BreakerTransitionsTotal counts circuit-breaker state changes.
	// Labels: to (open, half-open, closed)
	BreakerTransitionsTotal *prometheus.CounterVec

	// ToolRoundsTotal counts completed tool rounds.
	// Labels: route
	ToolRoundsTotal *prometheus.CounterVec

	// ToolCallsTotal counts individual tool invocations.
	// Labels: tool, outcome (success, cached, timeout, not_found,
	// rate_limited, validation, unknown)
	ToolCallsTotal *prometheus.CounterVec

	// CriticVerdictsTotal counts critic outcomes.
	// Labels: verdict (pass, revise)
	CriticVerdictsTotal *prometheus.CounterVec

	// CanaryTripsTotal counts canary gate trips.
	// Labels: route
	CanaryTripsTotal *prometheus.CounterVec

	// ActiveTurns tracks in-flight turns.
	ActiveTurns prometheus.Gauge
}

// DefaultMetrics is the singleton instance, set by InitMetrics().
var DefaultMetrics *TurnMetrics

// InitMetrics creates and registers all metrics. Call once at startup;
// calling twice panics on duplicate registration.
func InitMetrics() *TurnMetrics {
	DefaultMetrics = &TurnMetrics{
		TurnsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: turnSubsystem,
				Name:      "turns_total",
				Help:      "Total chat turns by route and status",
			},
			[]string{"route", "status"},
		),

		TurnDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: turnSubsystem,
				Name:      "duration_seconds",
				Help:      "Whole-turn latency in seconds",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"route"},
		),

		ResolutionDecisionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: turnSubsystem,
				Name:      "resolution_decisions_total",
				Help:      "Model resolution decisions by reason",
			},
			[]string{"reason"},
		),

		ProviderCallsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: turnSubsystem,
				Name:      "provider_calls_total",
				Help:      "Provider round trips by model and status",
			},
			[]string{"model", "status"},
		),

		BreakerTransitionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: turnSubsystem,
				Name:      "breaker_transitions_total",
				Help:      "Circuit breaker state transitions by target state",
			},
			[]string{"to"},
		),

		ToolRoundsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: turnSubsystem,
				Name:      "tool_rounds_total",
				Help:      "Completed tool rounds by route",
			},
			[]string{"route"},
		),

		ToolCallsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: turnSubsystem,
				Name:      "tool_calls_total",
				Help:      "Tool invocations by tool and outcome",
			},
			[]string{"tool", "outcome"},
		),

		CriticVerdictsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: turnSubsystem,
				Name:      "critic_verdicts_total",
				Help:      "Critic verdicts by outcome",
			},
			[]string{"verdict"},
		),

		CanaryTripsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: turnSubsystem,
				Name:      "canary_trips_total",
				Help:      "Canary gate trips by route",
			},
			[]string{"route"},
		),

		ActiveTurns: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: turnSubsystem,
				Name:      "active_turns",
				Help:      "Number of turns currently in flight",
			},
		),
	}

	return DefaultMetrics
}
