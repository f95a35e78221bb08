// Copyright (C) 2025 Kestrel Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kestrel-labs/kestrel/services/orchestrator/catalog"
	"github.com/kestrel-labs/kestrel/services/orchestrator/health"
)

// ListModels returns the current model catalog.
func ListModels(cat *catalog.Catalog) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"models": cat.List()})
	}
}

// RefreshCatalog reloads the catalog from its source.
func RefreshCatalog(cat *catalog.Catalog) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := cat.Refresh(c.Request.Context()); err != nil {
			slog.Error("catalog refresh failed", "error", err)
			c.JSON(http.StatusBadGateway, gin.H{"error": "catalog refresh failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"models": len(cat.List())})
	}
}

// ModelHealth reports current health scores.
func ModelHealth(tracker *health.Tracker) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"degraded": tracker.Degraded(),
			"models":   tracker.Snapshot(),
		})
	}
}

// ResetModelHealth clears all health state.
func ResetModelHealth(tracker *health.Tracker) gin.HandlerFunc {
	return func(c *gin.Context) {
		tracker.Reset(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{"status": "reset"})
	}
}
