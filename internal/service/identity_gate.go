package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"orgchat/internal/domain"
	"orgchat/internal/repository"
)

// TokenVerifier es el proveedor de identidad: valida la firma y devuelve los claims.
type TokenVerifier interface {
	ParseAccessToken(token string) (Claims, error)
}

// IdentityGate autentica una conexion antes de crear la sesion.
type IdentityGate struct {
	tokens TokenVerifier
	users  repository.UserRepository
	logger *zap.Logger
}

func NewIdentityGate(tokens TokenVerifier, users repository.UserRepository, logger *zap.Logger) *IdentityGate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IdentityGate{tokens: tokens, users: users, logger: logger}
}

// Authenticate solo confia en el uid del token; organizacion y rol se leen
// del registro actual del usuario.
func (g *IdentityGate) Authenticate(ctx context.Context, credential string) (domain.Identity, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return domain.Identity{}, fmt.Errorf("missing credential: %w", domain.ErrUnauthenticated)
	}
	claims, err := g.tokens.ParseAccessToken(credential)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%v: %w", err, domain.ErrUnauthenticated)
	}
	user, err := g.users.GetByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			g.logger.Warn("token for unknown user", zap.String("user_id", claims.UserID))
			return domain.Identity{}, fmt.Errorf("user %s: %w", claims.UserID, domain.ErrUnauthenticated)
		}
		return domain.Identity{}, domain.Transient(err)
	}
	return domain.IdentityFromUser(user), nil
}
