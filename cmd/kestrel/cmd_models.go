// Copyright (C) 2025 Kestrel Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kestrel-labs/kestrel/services/orchestrator/datatypes"
	"github.com/kestrel-labs/kestrel/services/orchestrator/health"
)

// modelsCmd groups catalog and health inspection.
var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Inspect the model catalog and health scores",
	Run:   runModelsCommand,
}

var modelsHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show current model health scores",
	Run:   runModelsHealthCommand,
}

func init() {
	modelsCmd.AddCommand(modelsHealthCmd)
}

func getJSON(path string, out any) error {
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Get(serverURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, data)
	}
	if jsonOutput {
		fmt.Println(string(data))
		return nil
	}
	return json.Unmarshal(data, out)
}

func runModelsCommand(cmd *cobra.Command, args []string) {
	var payload struct {
		Models []datatypes.ModelInfo `json:"models"`
	}
	if err := getJSON("/v1/models", &payload); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list models: %v\n", err)
		os.Exit(1)
	}
	if jsonOutput {
		return
	}
	for _, m := range payload.Models {
		fmt.Printf("%-24s context=%-8s capabilities=%v\n",
			m.ID, string(m.ContextClass), m.Capabilities)
	}
}

func runModelsHealthCommand(cmd *cobra.Command, args []string) {
	var payload struct {
		Degraded bool           `json:"degraded"`
		Models   []health.Entry `json:"models"`
	}
	if err := getJSON("/v1/models/health", &payload); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to fetch health: %v\n", err)
		os.Exit(1)
	}
	if jsonOutput {
		return
	}
	if payload.Degraded {
		fmt.Println("health store degraded: scores are memory-only")
	}
	for _, e := range payload.Models {
		fmt.Printf("%-24s score=%.3f samples=%d\n", e.ModelID, e.Score, e.Samples)
	}
}
