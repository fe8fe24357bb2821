package repository

import (
	"context"
	"fmt"

	"marketdata-relay/pkg/keyvault"
)

type authRepository struct {
	db    DBTX
	vault *keyvault.Vault
}

func NewAuthRepository(db DBTX, vault *keyvault.Vault) AuthRepository {
	return &authRepository{db: db, vault: vault}
}

func (r *authRepository) APIKeyForUser(ctx context.Context, username string) (string, error) {
	var sealed string
	err := r.db.QueryRow(ctx, `SELECT api_key_encrypted FROM api_keys WHERE user_id = $1`, username).Scan(&sealed)
	if err != nil {
		if isNoRows(err) {
			return "", nil
		}
		return "", fmt.Errorf("get api key: %w", err)
	}

	apiKey, err := r.vault.Open(sealed)
	if err != nil {
		return "", fmt.Errorf("decrypt api key for %s: %w", username, err)
	}
	return apiKey, nil
}

func (r *authRepository) BrokerName(ctx context.Context, apiKey string) (string, error) {
	if apiKey == "" {
		return "", nil
	}

	var broker string
	err := r.db.QueryRow(ctx, `
        SELECT a.broker
        FROM api_keys k
        JOIN auth a ON a.name = k.user_id
        WHERE k.api_key_hash = $1 AND a.is_revoked = FALSE
    `, r.vault.Digest(apiKey)).Scan(&broker)
	if err != nil {
		if isNoRows(err) {
			return "", nil
		}
		return "", fmt.Errorf("get broker name: %w", err)
	}
	return broker, nil
}

func (r *authRepository) UpsertAPIKey(ctx context.Context, username, apiKey string) error {
	sealed, err := r.vault.Seal(apiKey)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `
        INSERT INTO api_keys (user_id, api_key_hash, api_key_encrypted)
        VALUES ($1, $2, $3)
        ON CONFLICT (user_id) DO UPDATE
        SET api_key_hash = EXCLUDED.api_key_hash,
            api_key_encrypted = EXCLUDED.api_key_encrypted,
            created_at = NOW()
    `, username, r.vault.Digest(apiKey), sealed)
	return err
}

func (r *authRepository) UpsertAuth(ctx context.Context, username, broker, authToken string) error {
	sealed, err := r.vault.Seal(authToken)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `
        INSERT INTO auth (name, auth, broker, is_revoked)
        VALUES ($1, $2, $3, FALSE)
        ON CONFLICT (name) DO UPDATE
        SET auth = EXCLUDED.auth, broker = EXCLUDED.broker, is_revoked = FALSE
    `, username, sealed, broker)
	return err
}

func (r *authRepository) RevokeAuth(ctx context.Context, username string) error {
	_, err := r.db.Exec(ctx, `UPDATE auth SET is_revoked = TRUE WHERE name = $1`, username)
	return err
}
