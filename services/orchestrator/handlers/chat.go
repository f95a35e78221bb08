// Copyright (C) 2025 Kestrel Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers exposes the orchestration runtime over HTTP.
package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/kestrel-labs/kestrel/services/orchestrator/agent"
	"github.com/kestrel-labs/kestrel/services/orchestrator/datatypes"
)

var chatTracer = otel.Tracer("kestrel.orchestrator.handlers")

// HandleChatTurn runs one orchestrated chat turn.
func HandleChatTurn(orch *agent.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := chatTracer.Start(c.Request.Context(), "HandleChatTurn")
		defer span.End()

		var req datatypes.ChatTurnRequest
		if err := c.BindJSON(&req); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.Error("failed to parse chat turn request", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		req.Normalize()
		if err := req.Validate(); err != nil {
			span.RecordError(err)
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		resp, _ := orch.RunTurn(ctx, &req)
		c.JSON(http.StatusOK, resp)
	}
}
