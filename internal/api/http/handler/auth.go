package handler

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/EternisAI/silo-telemetry/internal/api/http/dto"
	"github.com/EternisAI/silo-telemetry/internal/auth"
)

type AuthHandler struct {
	config auth.Config
	apiKey string
}

func NewAuthHandler(config auth.Config, apiKey string) *AuthHandler {
	return &AuthHandler{config: config, apiKey: apiKey}
}

// IssueToken exchanges the admin API key for a bearer token.
// POST /auth/token
func (h *AuthHandler) IssueToken(c *gin.Context) {
	if h.apiKey == "" || h.config.Secret == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "token issuance is not configured"})
		return
	}

	providedKey := c.GetHeader("X-API-Key")
	if providedKey == "" || subtle.ConstantTimeCompare([]byte(providedKey), []byte(h.apiKey)) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid API key"})
		return
	}

	var req dto.TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Role == "" {
		req.Role = "admin"
	}

	token, err := auth.GenerateToken(h.config, req.Subject, req.Role)
	if err != nil {
		slog.Error("Failed to generate token", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}

	c.JSON(http.StatusOK, dto.TokenResponse{Token: token})
}
