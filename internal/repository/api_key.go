package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/formaplus/automatisations/internal/domain"
)

type ApiKeyRepository struct {
	db *sql.DB
}

func NewApiKeyRepository(db *sql.DB) *ApiKeyRepository {
	return &ApiKeyRepository{db: db}
}

const API_KEY_COLUMNS = ` id, key_id, tenant_id, name, secret_hash, enabled, created, last_used `

func (r *ApiKeyRepository) Save(ctx context.Context, k *domain.ApiKey) (int64, error) {
	base := `INSERT INTO api_keys (key_id, tenant_id, name, secret_hash, enabled, created) VALUES (` + placeholders(1, 6) + `)`
	id, err := insertReturningID(ctx, r.db, base, k.KeyID, k.TenantID, k.Name, k.SecretHash, k.Enabled, formatDateInDatabase(k.Created))
	if err != nil {
		return 0, err
	}
	k.ID = id
	return id, nil
}

// FindByKeyID returns the key regardless of its enabled flag; callers decide.
func (r *ApiKeyRepository) FindByKeyID(ctx context.Context, keyID string) (*domain.ApiKey, error) {
	keys, err := r.query(ctx, `SELECT `+API_KEY_COLUMNS+` FROM api_keys WHERE key_id = `+placeholder(1), keyID)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, ErrNotFound
	}
	return &keys[0], nil
}

func (r *ApiKeyRepository) FindAllByTenant(ctx context.Context, tenantID string) ([]domain.ApiKey, error) {
	return r.query(ctx, `SELECT `+API_KEY_COLUMNS+` FROM api_keys WHERE tenant_id = `+placeholder(1)+` ORDER BY id`, tenantID)
}

func (r *ApiKeyRepository) TouchLastUsed(ctx context.Context, id int64, ts time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE api_keys SET last_used = `+placeholder(1)+` WHERE id = `+placeholder(2), formatDateInDatabase(ts), id)
	return err
}

func (r *ApiKeyRepository) query(ctx context.Context, query string, args ...any) ([]domain.ApiKey, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []domain.ApiKey
	for rows.Next() {
		var k domain.ApiKey
		if err := rows.Scan(&k.ID, &k.KeyID, &k.TenantID, &k.Name, &k.SecretHash, &k.Enabled, &k.Created, &k.LastUsed); err != nil {
			return nil, err
		}
		k.Created = utc(k.Created)
		k.LastUsed = utcNull(k.LastUsed)
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
