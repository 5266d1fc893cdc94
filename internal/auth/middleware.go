package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/coverpool/internal/logging"
)

// Gin context keys and headers.
const (
	ContextKeyAPIKey  = "apiKey"
	ContextKeyAccount = "authAccount"
	contextKeyAuthErr = "authError"

	APIKeyHeader      = "X-API-Key"
	AdminSecretHeader = "X-Admin-Secret"
)

// credential returns the raw key from Authorization or X-API-Key.
func credential(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		return h
	}
	return c.GetHeader(APIKeyHeader)
}

// Middleware resolves the caller from the request's API key. It never
// aborts: anonymous reads stay anonymous, and RequireAuth decides whether
// a route needs a caller.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := credential(c)
		if raw == "" {
			c.Next()
			return
		}
		key, err := m.ValidateKey(c.Request.Context(), raw)
		if err != nil {
			c.Set(contextKeyAuthErr, err)
			c.Next()
			return
		}
		c.Set(ContextKeyAPIKey, key)
		c.Set(ContextKeyAccount, key.Account)
		c.Request = c.Request.WithContext(logging.WithAccount(c.Request.Context(), key.Account))
		c.Next()
	}
}

func deny(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": code, "message": msg})
}

// RequireAuth rejects requests that Middleware could not attach a caller to.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if IsAuthenticated(c) {
			c.Next()
			return
		}
		if _, bad := c.Get(contextKeyAuthErr); bad {
			deny(c, http.StatusUnauthorized, "unauthorized", ErrInvalidAPIKey.Error())
			return
		}
		deny(c, http.StatusUnauthorized, "unauthorized", "API key required: send 'Authorization: Bearer sk_...'")
	}
}

// IsAdminRequest reports whether the request carries secret in the admin
// header. An empty secret never matches.
func IsAdminRequest(c *gin.Context, secret string) bool {
	if secret == "" {
		return false
	}
	got := strings.TrimSpace(c.GetHeader(AdminSecretHeader))
	return subtle.ConstantTimeCompare([]byte(got), []byte(secret)) == 1
}

// RequireAdmin gates operator routes on the admin secret. Without a
// configured secret any authenticated caller is let through.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		switch {
		case secret != "" && IsAdminRequest(c, secret):
		case secret != "":
			deny(c, http.StatusForbidden, "forbidden", "admin secret required")
			return
		case !IsAuthenticated(c):
			deny(c, http.StatusUnauthorized, "unauthorized", "API key required")
			return
		}
		c.Next()
	}
}

// GetAPIKey returns the caller's key metadata.
func GetAPIKey(c *gin.Context) (*APIKey, bool) {
	v, ok := c.Get(ContextKeyAPIKey)
	if !ok {
		return nil, false
	}
	key, ok := v.(*APIKey)
	return key, ok
}

// GetAuthenticatedAccount returns the caller's account, or "" when anonymous.
func GetAuthenticatedAccount(c *gin.Context) string {
	return c.GetString(ContextKeyAccount)
}

func IsAuthenticated(c *gin.Context) bool {
	_, ok := GetAPIKey(c)
	return ok
}
