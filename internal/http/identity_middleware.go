package http

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"orgchat/internal/domain"
)

const identityKey = "identity"

// Authenticator es el Identity Gate visto desde HTTP.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (domain.Identity, error)
}

// IdentityMiddleware autentica el handshake y guarda la identidad en el contexto.
// El token llega como "Authorization: Bearer" o, para clientes de navegador, en ?token=.
func IdentityMiddleware(gate Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if gate == nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
			c.Abort()
			return
		}

		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			token = strings.TrimSpace(c.Query("token"))
		}
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			c.Abort()
			return
		}

		identity, err := gate.Authenticate(c.Request.Context(), token)
		if err != nil {
			if errors.Is(err, domain.ErrTransient) {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporary failure, retry later"})
			} else {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			}
			c.Abort()
			return
		}

		c.Set(identityKey, identity)
		c.Next()
	}
}

// GetIdentity obtiene la identidad autenticada desde el contexto.
func GetIdentity(c *gin.Context) (domain.Identity, bool) {
	val, ok := c.Get(identityKey)
	if !ok {
		return domain.Identity{}, false
	}
	identity, ok := val.(domain.Identity)
	return identity, ok
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < len("Bearer ") || !strings.EqualFold(header[:len("Bearer ")], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[len("Bearer "):])
}
