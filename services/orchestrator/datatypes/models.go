// Copyright (C) 2025 Kestrel Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

// Capability is a discrete model capability flag.
type Capability string

const (
	CapVision    Capability = "vision"
	CapSearch    Capability = "search"
	CapAudioIn   Capability = "audio_in"
	CapAudioOut  Capability = "audio_out"
	CapReasoning Capability = "reasoning"
	CapCodeExec  Capability = "code_exec"
)

// Modality is an input or output channel a model understands.
type Modality string

const (
	ModalityText  Modality = "text"
	ModalityImage Modality = "image"
	ModalityAudio Modality = "audio"
)

// ContextClass buckets models by context window size.
type ContextClass string

const (
	ContextSmall  ContextClass = "small"  // 8K
	ContextMedium ContextClass = "medium" // 32K
	ContextLarge  ContextClass = "large"  // 128K
	ContextXLarge ContextClass = "xlarge" // 200K
)

// Tokens returns the context window size for the class. Unknown classes get
// the small window so budgeting stays conservative.
func (c ContextClass) Tokens() int {
	switch c {
	case ContextSmall:
		return 8_192
	case ContextMedium:
		return 32_768
	case ContextLarge:
		return 131_072
	case ContextXLarge:
		return 200_000
	default:
		return 8_192
	}
}

// ModelInfo describes one backend model's capabilities.
//
// Immutable once loaded; the catalog replaces entries wholesale on refresh
// rather than mutating them in place.
type ModelInfo struct {
	ID               string       `json:"id" yaml:"id"`
	Capabilities     []Capability `json:"capabilities" yaml:"capabilities"`
	InputModalities  []Modality   `json:"input_modalities" yaml:"input_modalities"`
	OutputModalities []Modality   `json:"output_modalities" yaml:"output_modalities"`
	ContextClass     ContextClass `json:"context_class" yaml:"context_class"`
}

// HasCapability reports whether the model declares the capability flag.
func (m *ModelInfo) HasCapability(c Capability) bool {
	for _, have := range m.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// HasInputModality reports whether the model accepts the modality as input.
func (m *ModelInfo) HasInputModality(mod Modality) bool {
	for _, have := range m.InputModalities {
		if have == mod {
			return true
		}
	}
	return false
}

// HasOutputModality reports whether the model can emit the modality.
func (m *ModelInfo) HasOutputModality(mod Modality) bool {
	for _, have := range m.OutputModalities {
		if have == mod {
			return true
		}
	}
	return false
}

// Requirements is the capability set a request demands from a model.
type Requirements struct {
	Vision   bool
	Search   bool
	AudioIn  bool
	AudioOut bool
}
