// Copyright (C) 2025 Kestrel Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package tools

// PolicyConfig controls which registered tools a turn may invoke.
type PolicyConfig struct {
	// Denylist names tools that are never callable regardless of risk.
	Denylist []string

	// AllowHighRisk enables side-effecting tools. Off by default.
	AllowHighRisk bool
}

// PolicyDecision is the outcome of evaluating one requested call.
type PolicyDecision struct {
	Allow  bool
	Risk   Risk
	Reason string
}

// Policy decision reasons.
const (
	PolicyAllowed         = "allowed"
	PolicyUnknownTool     = "unknown_tool"
	PolicyDenylisted      = "denylisted"
	PolicyHighRiskBlocked = "high_risk_blocked"
)

// Policy evaluates requested tool calls against the registry.
//
// Thread Safety: Safe for concurrent use; configuration is immutable after
// construction.
type Policy struct {
	registry *Registry
	cfg      PolicyConfig
	denied   map[string]bool
}

// NewPolicy creates a policy bound to a registry.
func NewPolicy(registry *Registry, cfg PolicyConfig) *Policy {
	denied := make(map[string]bool, len(cfg.Denylist))
	for _, name := range cfg.Denylist {
		denied[name] = true
	}
	return &Policy{registry: registry, cfg: cfg, denied: denied}
}

// Evaluate decides whether the named tool may be invoked. Unknown names are
// rejected here so the loop never dispatches to a missing handler.
func (p *Policy) Evaluate(name string) PolicyDecision {
	def, ok := p.registry.Get(name)
	if !ok {
		return PolicyDecision{Reason: PolicyUnknownTool}
	}
	if p.denied[name] {
		return PolicyDecision{Risk: def.Risk, Reason: PolicyDenylisted}
	}
	if def.Risk == RiskSideEffecting && !p.cfg.AllowHighRisk {
		return PolicyDecision{Risk: def.Risk, Reason: PolicyHighRiskBlocked}
	}
	return PolicyDecision{Allow: true, Risk: def.Risk, Reason: PolicyAllowed}
}
