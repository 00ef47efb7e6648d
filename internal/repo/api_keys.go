package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/google/uuid"

	"intakeline/internal/domain"
)

const apiKeyPrefix = "il_"

const apiKeyColumns = `id, actor_id, COALESCE(name,''), key_hash, created_at, last_used_at`

// HashAPIKey returns a stable SHA-256 hex digest for the provided key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// IssueAPIKey creates a key for an existing user. The raw key is returned once;
// only its hash is stored.
func (r Repo) IssueAPIKey(ctx context.Context, actorID, name, now string) (string, domain.APIKey, error) {
	if strings.TrimSpace(actorID) == "" {
		return "", domain.APIKey{}, errors.New("actor_id required")
	}
	if _, err := r.GetUser(ctx, actorID); err != nil {
		return "", domain.APIKey{}, err
	}
	raw := apiKeyPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   HashAPIKey(raw),
		CreatedAt: now,
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO api_keys(id, actor_id, name, key_hash, created_at) VALUES (?,?,?,?,?)`,
		key.ID, key.ActorID, nullable(key.Name), key.KeyHash, key.CreatedAt)
	if err != nil {
		return "", domain.APIKey{}, err
	}
	return raw, key, nil
}

func scanAPIKey(row rowScanner) (domain.APIKey, error) {
	var key domain.APIKey
	var lastUsed sql.NullString
	if err := row.Scan(&key.ID, &key.ActorID, &key.Name, &key.KeyHash, &key.CreatedAt, &lastUsed); err != nil {
		return domain.APIKey{}, err
	}
	key.LastUsedAt = stringPtr(lastUsed)
	return key, nil
}

// ListAPIKeys returns API keys, optionally filtered by owner.
func (r Repo) ListAPIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys`
	var args []any
	if actorID != "" {
		query += ` WHERE actor_id=?`
		args = append(args, actorID)
	}
	rows, err := r.DB.QueryContext(ctx, query+` ORDER BY created_at DESC, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []domain.APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// DeleteAPIKey revokes an API key by ID.
func (r Repo) DeleteAPIKey(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("id required")
	}
	res, err := r.DB.ExecContext(ctx, `DELETE FROM api_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ActorForAPIKey resolves a raw key to its owning user and stamps the key as
// used at now.
func (r Repo) ActorForAPIKey(ctx context.Context, rawKey, now string) (domain.User, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash=?`, HashAPIKey(rawKey))
	key, err := scanAPIKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.User{}, ErrNotFound
	}
	if err != nil {
		return domain.User{}, err
	}
	if _, err := r.DB.ExecContext(ctx, `UPDATE api_keys SET last_used_at=? WHERE id=?`, now, key.ID); err != nil {
		return domain.User{}, err
	}
	return r.GetUser(ctx, key.ActorID)
}
