// Package handlers provides HTTP request handlers for the server.
// This file handles health check and account-status endpoints.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nullstream/antigravity-bridge/internal/auth"
	"github.com/nullstream/antigravity-bridge/internal/cloudcode/quota"
	"github.com/nullstream/antigravity-bridge/internal/config"
	"github.com/nullstream/antigravity-bridge/internal/store"
)

// HealthHandler handles health check and antigravity-status endpoints.
type HealthHandler struct {
	store   store.Store
	session *auth.Session
	pool    *quota.Pool
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(st store.Store, session *auth.Session, pool *quota.Pool) *HealthHandler {
	return &HealthHandler{store: st, session: session, pool: pool}
}

// Health handles GET /health - a cheap liveness/summary check.
func (h *HealthHandler) Health(c *gin.Context) {
	_, found, err := store.ActiveAccount(c.Request.Context(), h.store)
	available := err == nil && found

	c.JSON(http.StatusOK, gin.H{
		"ok": true,
		"antigravity": gin.H{
			"enabled":   true,
			"available": available,
		},
		"streaming": gin.H{
			"enabled": true,
		},
	})
}

// AntigravityStatus handles GET /antigravity-status - a point-in-time summary
// of the active account and endpoint pool. It never returns token material.
func (h *HealthHandler) AntigravityStatus(c *gin.Context) {
	ctx := c.Request.Context()

	acc, found, err := store.ActiveAccount(ctx, h.store)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"type":  "error",
			"error": gin.H{"type": "internal", "message": err.Error()},
		})
		return
	}
	if !found {
		c.JSON(http.StatusOK, gin.H{
			"loggedIn": false,
			"endpoints": endpointSummaries(h.pool),
		})
		return
	}

	tokenExpiry := ""
	lastError := ""
	if _, tokenErr := h.session.GetAccessToken(ctx, acc.Email); tokenErr != nil {
		lastError = tokenErr.Error()
	} else {
		tokenExpiry = time.Now().Add(time.Duration(config.TokenCacheTTLMs) * time.Millisecond).Format(time.RFC3339)
	}

	c.JSON(http.StatusOK, gin.H{
		"loggedIn":  true,
		"email":     acc.Email,
		"projectId": acc.ProjectID,
		"tier":      acc.Tier,
		"tokenExpiresAt": tokenExpiry,
		"lastError": lastError,
		"endpoints": endpointSummaries(h.pool),
	})
}

func endpointSummaries(pool *quota.Pool) []gin.H {
	endpoints := pool.Endpoints()
	summaries := make([]gin.H, 0, len(endpoints))
	for i, endpoint := range endpoints {
		summaries = append(summaries, gin.H{
			"endpoint": endpoint,
			"rank":     i,
		})
	}
	return summaries
}
