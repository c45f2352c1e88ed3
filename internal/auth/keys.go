// Package auth issues and checks the tenant API keys of the operator API.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/formaplus/automatisations/internal/domain"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var ErrMalformedToken = errors.New("malformed api key")

// NewApiKey creates a key for the tenant. The returned token is shown once;
// only the hash of its secret part is kept on the key.
func NewApiKey(tenantID, name string, now time.Time) (string, *domain.ApiKey, error) {
	if tenantID == "" {
		return "", nil, errors.New("tenant is required")
	}
	keyID := "ak_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, fmt.Errorf("generate secret: %w", err)
	}
	secret := base64.RawURLEncoding.EncodeToString(buf)
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, fmt.Errorf("hash secret: %w", err)
	}
	key := &domain.ApiKey{
		KeyID:      keyID,
		TenantID:   tenantID,
		Name:       name,
		SecretHash: string(hash),
		Enabled:    true,
		Created:    now.UTC(),
	}
	return keyID + "." + secret, key, nil
}

// ParseToken splits a presented token into key id and secret.
func ParseToken(token string) (keyID, secret string, err error) {
	keyID, secret, ok := strings.Cut(strings.TrimSpace(token), ".")
	if !ok || keyID == "" || secret == "" {
		return "", "", ErrMalformedToken
	}
	return keyID, secret, nil
}

// Verify reports whether secret belongs to the enabled key.
func Verify(key *domain.ApiKey, secret string) bool {
	if key == nil || !key.Enabled {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(key.SecretHash), []byte(secret)) == nil
}
