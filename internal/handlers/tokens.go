package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kartikbazzad/tabflow/internal/authz"
	"github.com/kartikbazzad/tabflow/internal/middleware"
	"github.com/kartikbazzad/tabflow/internal/services"
)

// TokenHandler handles API token management endpoints.
type TokenHandler struct {
	tokens *services.TokenService
	gate   *authz.Enforcer
}

// NewTokenHandler creates a new TokenHandler
func NewTokenHandler(tokens *services.TokenService, gate *authz.Enforcer) *TokenHandler {
	return &TokenHandler{tokens: tokens, gate: gate}
}

func (h *TokenHandler) allow(c *gin.Context) bool {
	p := middleware.GetPrincipal(c)
	if p == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return false
	}
	ok, err := h.gate.Check(p.Role, authz.ActionManageTokens, "")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return false
	}
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return false
	}
	return true
}

// CreateTokenRequest represents a token creation request
type CreateTokenRequest struct {
	Principal string `json:"principal"`
	Role      string `json:"role"`
	Name      string `json:"name"`
	TTLHours  int    `json:"ttl_hours,omitempty"`
}

// Create mints a new API token; the raw value is returned exactly once
func (h *TokenHandler) Create(c *gin.Context) {
	if !h.allow(c) {
		return
	}

	var req CreateTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	switch req.Role {
	case authz.RoleAdmin, authz.RoleOperator, authz.RoleWorker, authz.RoleViewer:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "role must be admin, operator, worker or viewer"})
		return
	}

	token, raw, err := h.tokens.CreateToken(c.Request.Context(), req.Principal, req.Role, req.Name, time.Duration(req.TTLHours)*time.Hour)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"token": token, "value": raw})
}

// List returns all tokens
func (h *TokenHandler) List(c *gin.Context) {
	if !h.allow(c) {
		return
	}
	tokens, err := h.tokens.ListTokens(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tokens)
}

// Revoke deletes a token by ID
func (h *TokenHandler) Revoke(c *gin.Context) {
	if !h.allow(c) {
		return
	}
	if err := h.tokens.RevokeToken(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": true})
}
