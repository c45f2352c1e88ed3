package controllers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/formaplus/automatisations/internal/auth"
	internaldomain "github.com/formaplus/automatisations/internal/domain"
	"github.com/formaplus/automatisations/internal/repository"
	"github.com/formaplus/automatisations/pkg/automatisations/core"
)

type ApiKeyRepo interface {
	FindByKeyID(ctx context.Context, keyID string) (*internaldomain.ApiKey, error)
	TouchLastUsed(ctx context.Context, id int64, ts time.Time) error
}

type KeyVerifier interface {
	Verify(key *internaldomain.ApiKey, secret string) bool
}

type AuthController struct {
	ApiKeyRepo ApiKeyRepo
	Verifier   KeyVerifier
	Clock      core.Clock
}

func NewBaseController(apiKeyRepo ApiKeyRepo, verifier KeyVerifier, clock core.Clock) *AuthController {
	return &AuthController{ApiKeyRepo: apiKeyRepo, Verifier: verifier, Clock: clock}
}

// RequireAuth authenticates the X-API-Key header and scopes the request to
// the key's tenant.
func (c *AuthController) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("X-API-Key")
		if token == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		keyID, secret, err := auth.ParseToken(token)
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		key, err := c.ApiKeyRepo.FindByKeyID(r.Context(), keyID)
		if err != nil {
			if repository.IsNotFound(err) {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			slog.ErrorContext(r.Context(), "Failed to load api key", "key_id", keyID, "error", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		if !c.Verifier.Verify(key, secret) {
			slog.WarnContext(r.Context(), "Rejected api key", "key_id", keyID)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		if err := c.ApiKeyRepo.TouchLastUsed(r.Context(), key.ID, c.Clock.Now()); err != nil {
			slog.WarnContext(r.Context(), "Failed to record api key usage", "key_id", keyID, "error", err)
		}
		ctx := core.WithTenant(r.Context(), key.TenantID)
		ctx = context.WithValue(ctx, core.CtxKeyApiKeyId, key.KeyID)
		next(w, r.WithContext(ctx))
	}
}

// tenantOf returns the tenant set by RequireAuth.
func tenantOf(r *http.Request) string {
	tenant, _ := core.TenantFromContext(r.Context())
	return tenant
}
