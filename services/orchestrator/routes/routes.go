// Copyright (C) 2025 Kestrel Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kestrel-labs/kestrel/services/orchestrator/agent"
	"github.com/kestrel-labs/kestrel/services/orchestrator/catalog"
	"github.com/kestrel-labs/kestrel/services/orchestrator/handlers"
	"github.com/kestrel-labs/kestrel/services/orchestrator/health"
	"github.com/kestrel-labs/kestrel/services/orchestrator/middleware"
)

// SetupRoutes registers the HTTP surface. apiKey gates /v1 when non-empty;
// /health and /metrics stay open for probes and scrapers.
func SetupRoutes(router *gin.Engine, orch *agent.Orchestrator, cat *catalog.Catalog, tracker *health.Tracker, apiKey string) {
	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	v1.Use(middleware.APIKeyAuth(apiKey))
	{
		v1.POST("/chat/turn", handlers.HandleChatTurn(orch))

		models := v1.Group("/models")
		{
			models.GET("", handlers.ListModels(cat))
			models.POST("/refresh", handlers.RefreshCatalog(cat))
			models.GET("/health", handlers.ModelHealth(tracker))
			models.DELETE("/health", handlers.ResetModelHealth(tracker))
		}
	}
}
