// Package handlers provides HTTP request handlers for the server.
// This file handles model listing endpoints.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nullstream/antigravity-bridge/internal/auth"
	"github.com/nullstream/antigravity-bridge/internal/cloudcode"
	"github.com/nullstream/antigravity-bridge/internal/store"
	"github.com/nullstream/antigravity-bridge/internal/utils"
)

// ModelsHandler handles model listing endpoints.
type ModelsHandler struct {
	store   store.Store
	session *auth.Session
}

// NewModelsHandler creates a new ModelsHandler.
func NewModelsHandler(st store.Store, session *auth.Session) *ModelsHandler {
	return &ModelsHandler{store: st, session: session}
}

// ListModels handles GET /v1/models - OpenAI-compatible format.
func (h *ModelsHandler) ListModels(c *gin.Context) {
	ctx := c.Request.Context()

	acc, found, err := store.ActiveAccount(ctx, h.store)
	if err != nil || !found {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"type":  "error",
			"error": gin.H{"type": "api_error", "message": "no account is logged in"},
		})
		return
	}

	token, err := h.session.GetAccessToken(ctx, acc.Email)
	if err != nil {
		utils.Error("[API] Error getting token for models: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"type":  "error",
			"error": gin.H{"type": "api_error", "message": err.Error()},
		})
		return
	}

	models, err := cloudcode.ListModels(ctx, token)
	if err != nil {
		utils.Error("[API] Error listing models: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"type":  "error",
			"error": gin.H{"type": "api_error", "message": err.Error()},
		})
		return
	}

	c.JSON(http.StatusOK, models)
}
