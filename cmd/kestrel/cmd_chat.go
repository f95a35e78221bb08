// Copyright (C) 2025 Kestrel Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kestrel-labs/kestrel/services/orchestrator/datatypes"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	chatUserID string // User id for per-user serialization
	chatRoute  string // Route hint (chat, coding, search, creative)
	chatCritic bool   // Run the critic on the draft reply
)

// =============================================================================
// COMMAND DEFINITION
// =============================================================================

// chatCmd sends one chat turn to the orchestrator.
//
// # Examples
//
//	kestrel chat "what is the capital of France?"
//	kestrel chat --route search "latest Go release notes"
//	kestrel chat --critic "summarize this design"
var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Send one chat turn to the orchestrator",
	Args:  cobra.MinimumNArgs(1),
	Run:   runChatCommand,
}

func init() {
	chatCmd.Flags().StringVar(&chatUserID, "user", "cli", "User id for the turn")
	chatCmd.Flags().StringVar(&chatRoute, "route", "chat",
		"Route hint: chat, coding, search, creative")
	chatCmd.Flags().BoolVar(&chatCritic, "critic", false,
		"Evaluate the draft reply before returning it")
}

func runChatCommand(cmd *cobra.Command, args []string) {
	req := datatypes.ChatTurnRequest{
		UserID: chatUserID,
		Route:  datatypes.Route(chatRoute),
		Messages: []datatypes.Message{
			{Role: datatypes.RoleUser, Content: strings.Join(args, " ")},
		},
		Flags: datatypes.FeatureFlags{Critic: chatCritic},
	}

	body, err := json.Marshal(&req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to encode request: %v\n", err)
		os.Exit(1)
	}

	client := &http.Client{Timeout: 5 * time.Minute}
	resp, err := client.Post(serverURL+"/v1/chat/turn", "application/json", bytes.NewReader(body))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read response: %v\n", err)
		os.Exit(1)
	}
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Server returned %d: %s\n", resp.StatusCode, data)
		os.Exit(1)
	}

	if jsonOutput {
		fmt.Println(string(data))
		return
	}

	var turn datatypes.ChatTurnResponse
	if err := json.Unmarshal(data, &turn); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse response: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(turn.Reply)
	fmt.Fprintf(os.Stderr, "\n[model=%s rounds=%d tools=%v trace=%s]\n",
		turn.Model, turn.Rounds, turn.ToolsUsed, turn.TraceID)
}
