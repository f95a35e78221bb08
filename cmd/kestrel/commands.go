// Copyright (C) 2025 Kestrel Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	serverURL  string
	jsonOutput bool

	rootCmd = &cobra.Command{
		Use:   "kestrel",
		Short: "A cli to interact with a running Kestrel orchestrator",
		Long: `Kestrel orchestrates LLM chat turns: model resolution, context
budgeting, tool calling, and draft evaluation. This cli talks to a
running orchestrator over its HTTP API.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server",
		"http://localhost:12210", "Base URL of the orchestrator")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Print raw JSON responses")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(modelsCmd)
}
