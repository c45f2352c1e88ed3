package domain

import (
	"database/sql"
	"time"
)

// ApiKey authenticates operator calls for exactly one tenant. The presented
// token is "<KeyID>.<secret>"; only the bcrypt hash of the secret is stored.
type ApiKey struct {
	ID         int64        `json:"id"`
	KeyID      string       `json:"keyId"`
	TenantID   string       `json:"tenantId"`
	Name       string       `json:"name"`
	SecretHash string       `json:"-"`
	Enabled    bool         `json:"enabled"`
	Created    time.Time    `json:"created"`
	LastUsed   sql.NullTime `json:"lastUsed"`
}
