package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/coverpool/internal/validation"
)

// OwnerSource returns the current protocol owner account.
type OwnerSource interface {
	Owner(ctx context.Context) (string, error)
}

// Handler provides HTTP endpoints for account keys
type Handler struct {
	manager     *Manager
	owner       OwnerSource
	adminSecret string
	logger      *slog.Logger
}

// NewHandler creates a new auth handler
func NewHandler(m *Manager, owner OwnerSource, adminSecret string, logger *slog.Logger) *Handler {
	return &Handler{manager: m, owner: owner, adminSecret: adminSecret, logger: logger}
}

// RegisterRoutes sets up key issuance and management routes. The group
// must run Middleware.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/auth/info", h.Info)
	r.POST("/accounts", h.IssueKey)

	protected := r.Group("/auth")
	protected.Use(RequireAuth())
	protected.GET("/me", h.GetCurrentAccount)
	protected.GET("/keys", h.ListKeys)
	protected.POST("/keys", h.CreateKey)
	protected.DELETE("/keys/:keyId", h.RevokeKey)
}

// Info returns auth configuration info
func (h *Handler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"type":      "api_key",
		"header":    "Authorization: Bearer sk_...",
		"altHeader": "X-API-Key: sk_...",
		"note":      "Keys are issued by POST /v1/accounts. The owner account's key requires X-Admin-Secret.",
		"protectedEndpoints": []string{
			"POST /v1/policies",
			"POST /v1/claims",
			"POST /v1/stakes",
			"POST /v1/stakes/rewards",
			"POST /v1/stakes/unstake",
			"* /v1/admin/...",
		},
	})
}

// IssueKeyRequest is the request body for POST /v1/accounts.
type IssueKeyRequest struct {
	Account string `json:"account" binding:"required"`
	Name    string `json:"name"`
}

// IssueKey handles POST /v1/accounts. The first key for an account is
// open (except for the owner); further keys need that account's existing
// key or the admin secret.
func (h *Handler) IssueKey(c *gin.Context) {
	var req IssueKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "account is required"})
		return
	}
	if validation.Reject(c, validation.Validate(
		validation.ValidAddress("account", req.Account),
		validation.MaxLength("name", req.Name, 255),
	)) {
		return
	}
	account := strings.ToLower(strings.TrimSpace(req.Account))
	ctx := c.Request.Context()
	admin := IsAdminRequest(c, h.adminSecret)

	if h.owner != nil && !admin && h.adminSecret != "" {
		owner, err := h.owner.Owner(ctx)
		if err != nil {
			h.logger.Error("owner lookup failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to issue key"})
			return
		}
		if strings.EqualFold(owner, account) {
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "The owner account's key requires the X-Admin-Secret header.",
			})
			return
		}
	}

	if !admin && !strings.EqualFold(GetAuthenticatedAccount(c), account) {
		exists, err := h.manager.HasActiveKey(ctx, account)
		if err != nil {
			h.logger.Error("key lookup failed", "account", account, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to issue key"})
			return
		}
		if exists {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "account_registered",
				"message": "Account already has a key. Authenticate with it to create more.",
			})
			return
		}
	}

	name := validation.SanitizeString(req.Name, 255)
	if name == "" {
		name = "Default key"
	}
	rawKey, key, err := h.manager.GenerateKey(ctx, account, name)
	if err != nil {
		h.logger.Error("failed to generate API key", "account", account, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to issue key"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"account": key.Account,
		"apiKey":  rawKey,
		"keyId":   key.ID,
		"name":    key.Name,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// ListKeys returns API keys for the authenticated account
func (h *Handler) ListKeys(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	keys, err := h.manager.ListKeys(c.Request.Context(), key.Account)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list keys"})
		return
	}

	safeKeys := make([]gin.H, len(keys))
	for i, k := range keys {
		safeKeys[i] = gin.H{
			"id":        k.ID,
			"name":      k.Name,
			"createdAt": k.CreatedAt,
			"lastUsed":  k.LastUsed,
			"revoked":   k.Revoked,
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"keys":  safeKeys,
		"count": len(safeKeys),
	})
}

// CreateKeyRequest is the request body for creating a key
type CreateKeyRequest struct {
	Name string `json:"name"`
}

// CreateKey creates an additional key for the authenticated account
func (h *Handler) CreateKey(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req CreateKeyRequest
	_ = c.ShouldBindJSON(&req)
	name := validation.SanitizeString(req.Name, 255)
	if name == "" {
		name = "Additional key"
	}

	rawKey, newKey, err := h.manager.GenerateKey(c.Request.Context(), key.Account, name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to create API key"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"apiKey":  rawKey,
		"keyId":   newKey.ID,
		"name":    newKey.Name,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// RevokeKey revokes an API key
func (h *Handler) RevokeKey(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	keyID := c.Param("keyId")
	if keyID == key.ID {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "cannot_revoke_current",
			"message": "Cannot revoke the key you're using",
		})
		return
	}

	if err := h.manager.RevokeKey(c.Request.Context(), keyID, key.Account); err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "key_not_found",
			"message": "Key not found or already revoked",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Key revoked",
		"keyId":   keyID,
	})
}

// GetCurrentAccount returns info about the authenticated account
func (h *Handler) GetCurrentAccount(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"account":   key.Account,
		"keyId":     key.ID,
		"keyName":   key.Name,
		"createdAt": key.CreatedAt,
		"lastUsed":  key.LastUsed,
	})
}
