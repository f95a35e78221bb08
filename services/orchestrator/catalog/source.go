// Copyright (C) 2025 Kestrel Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package catalog

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kestrel-labs/kestrel/services/orchestrator/datatypes"
)

// FileSource loads the model list from a YAML file so deployments can ship
// their own catalogs.
//
// File shape:
//
//	models:
//	  - id: gpt-4o
//	    capabilities: [vision, search]
//	    input_modalities: [text, image]
//	    output_modalities: [text]
//	    context_class: large
type FileSource struct {
	Path string
}

type catalogFile struct {
	Models []datatypes.ModelInfo `yaml:"models"`
}

// Load implements Source.
func (f FileSource) Load(ctx context.Context) ([]datatypes.ModelInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to read %s: %w", f.Path, err)
	}
	var parsed catalogFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("catalog: failed to parse %s: %w", f.Path, err)
	}
	return parsed.Models, nil
}

// DefaultModels is the built-in seed catalog used when no file is
// configured. The list mirrors commonly deployed OpenAI-compatible
// backends; deployments override it with a catalog file.
var DefaultModels = []datatypes.ModelInfo{
	{
		ID:               "gpt-4o",
		Capabilities:     []datatypes.Capability{datatypes.CapVision, datatypes.CapSearch, datatypes.CapReasoning},
		InputModalities:  []datatypes.Modality{datatypes.ModalityText, datatypes.ModalityImage},
		OutputModalities: []datatypes.Modality{datatypes.ModalityText},
		ContextClass:     datatypes.ContextLarge,
	},
	{
		ID:               "gpt-4o-mini",
		Capabilities:     []datatypes.Capability{datatypes.CapVision},
		InputModalities:  []datatypes.Modality{datatypes.ModalityText, datatypes.ModalityImage},
		OutputModalities: []datatypes.Modality{datatypes.ModalityText},
		ContextClass:     datatypes.ContextLarge,
	},
	{
		ID:               "gpt-4o-audio",
		Capabilities:     []datatypes.Capability{datatypes.CapAudioIn, datatypes.CapAudioOut},
		InputModalities:  []datatypes.Modality{datatypes.ModalityText, datatypes.ModalityAudio},
		OutputModalities: []datatypes.Modality{datatypes.ModalityText, datatypes.ModalityAudio},
		ContextClass:     datatypes.ContextLarge,
	},
	{
		ID:               "llama-3.3-70b",
		Capabilities:     []datatypes.Capability{datatypes.CapReasoning, datatypes.CapCodeExec},
		InputModalities:  []datatypes.Modality{datatypes.ModalityText},
		OutputModalities: []datatypes.Modality{datatypes.ModalityText},
		ContextClass:     datatypes.ContextMedium,
	},
	{
		ID:               "llama-3.2-11b-vision",
		Capabilities:     []datatypes.Capability{datatypes.CapVision},
		InputModalities:  []datatypes.Modality{datatypes.ModalityText, datatypes.ModalityImage},
		OutputModalities: []datatypes.Modality{datatypes.ModalityText},
		ContextClass:     datatypes.ContextMedium,
	},
	{
		ID:               "sonar-web",
		Capabilities:     []datatypes.Capability{datatypes.CapSearch},
		InputModalities:  []datatypes.Modality{datatypes.ModalityText},
		OutputModalities: []datatypes.Modality{datatypes.ModalityText},
		ContextClass:     datatypes.ContextMedium,
	},
}
