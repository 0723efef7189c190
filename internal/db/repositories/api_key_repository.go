// api_key_repository.go implements APIKeyRepository, providing database queries for
// API key creation, lookup by value or subscription, lifecycle updates, and
// expiry scanning for the background notifier job.
package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/apim-console/management/internal/db/models"
)

// APIKeyRepository handles API key database operations
type APIKeyRepository struct {
	db *sql.DB
}

// NewAPIKeyRepository creates a new APIKeyRepository
func NewAPIKeyRepository(db *sql.DB) *APIKeyRepository {
	return &APIKeyRepository{db: db}
}

const apiKeyColumns = `id, key, application_id, subscription_ids, paused, revoked, revoked_at,
		expire_at, days_to_expiration_on_last_notification, created_at, updated_at`

// CreateAPIKey creates a new API key
func (r *APIKeyRepository) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	if key.ID == "" {
		key.ID = uuid.New().String()
	}
	key.CreatedAt = time.Now()
	key.UpdatedAt = key.CreatedAt

	subsJSON, err := json.Marshal(key.SubscriptionIDs)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO api_keys (id, key, application_id, subscription_ids, paused, revoked, revoked_at,
			expire_at, days_to_expiration_on_last_notification, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err = r.db.ExecContext(ctx, query,
		key.ID,
		key.Key,
		key.ApplicationID,
		subsJSON,
		key.Paused,
		key.Revoked,
		key.RevokedAt,
		key.ExpireAt,
		key.DaysToExpirationOnLastNotification,
		key.CreatedAt,
		key.UpdatedAt,
	)

	return err
}

// GetAPIKey retrieves an API key by ID. Returns (nil, nil) when no key exists.
func (r *APIKeyRepository) GetAPIKey(ctx context.Context, id string) (*models.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE id = $1`

	row := r.db.QueryRowContext(ctx, query, id)
	key, err := scanAPIKey(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return key, nil
}

// FindAPIKeyByValue retrieves all keys carrying the given key value. Several
// records can share a value when the same custom key is reused across APIs.
func (r *APIKeyRepository) FindAPIKeyByValue(ctx context.Context, value string) ([]*models.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE key = $1 ORDER BY created_at ASC`
	return r.list(ctx, query, value)
}

// ListAPIKeysBySubscription retrieves all keys bound to a subscription
func (r *APIKeyRepository) ListAPIKeysBySubscription(ctx context.Context, subscriptionID string) ([]*models.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE subscription_ids @> $1 ORDER BY created_at DESC`
	param, err := json.Marshal([]string{subscriptionID})
	if err != nil {
		return nil, err
	}
	return r.list(ctx, query, param)
}

// ListAPIKeysByApplication retrieves all keys owned by an application
func (r *APIKeyRepository) ListAPIKeysByApplication(ctx context.Context, applicationID string) ([]*models.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE application_id = $1 ORDER BY created_at DESC`
	return r.list(ctx, query, applicationID)
}

// ListAPIKeysExpiringBefore retrieves active keys whose expire_at falls before
// the cutoff.
func (r *APIKeyRepository) ListAPIKeysExpiringBefore(ctx context.Context, cutoff time.Time) ([]*models.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + `
		FROM api_keys
		WHERE revoked = FALSE AND expire_at IS NOT NULL AND expire_at <= $1
		ORDER BY expire_at ASC`
	return r.list(ctx, query, cutoff)
}

// UpdateAPIKey persists all mutable API key fields
func (r *APIKeyRepository) UpdateAPIKey(ctx context.Context, key *models.APIKey) error {
	subsJSON, err := json.Marshal(key.SubscriptionIDs)
	if err != nil {
		return err
	}

	query := `
		UPDATE api_keys
		SET subscription_ids = $2, paused = $3, revoked = $4, revoked_at = $5, expire_at = $6,
			days_to_expiration_on_last_notification = $7, updated_at = $8
		WHERE id = $1
	`

	_, err = r.db.ExecContext(ctx, query,
		key.ID,
		subsJSON,
		key.Paused,
		key.Revoked,
		key.RevokedAt,
		key.ExpireAt,
		key.DaysToExpirationOnLastNotification,
		key.UpdatedAt,
	)

	return err
}

// DeleteAPIKeysBySubscription removes all keys bound only to the given
// subscription and detaches it from shared keys bound to several.
func (r *APIKeyRepository) DeleteAPIKeysBySubscription(ctx context.Context, subscriptionID string) error {
	keys, err := r.ListAPIKeysBySubscription(ctx, subscriptionID)
	if err != nil {
		return err
	}

	for _, key := range keys {
		remaining := make([]string, 0, len(key.SubscriptionIDs))
		for _, id := range key.SubscriptionIDs {
			if id != subscriptionID {
				remaining = append(remaining, id)
			}
		}

		if len(remaining) == 0 {
			if _, err := r.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = $1`, key.ID); err != nil {
				return err
			}
			continue
		}

		key.SubscriptionIDs = remaining
		key.UpdatedAt = time.Now()
		if err := r.UpdateAPIKey(ctx, key); err != nil {
			return err
		}
	}

	return nil
}

func (r *APIKeyRepository) list(ctx context.Context, query string, args ...interface{}) ([]*models.APIKey, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := make([]*models.APIKey, 0)
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}

	return keys, rows.Err()
}

func scanAPIKey(s scanner) (*models.APIKey, error) {
	key := &models.APIKey{}
	var subsJSON []byte

	err := s.Scan(
		&key.ID,
		&key.Key,
		&key.ApplicationID,
		&subsJSON,
		&key.Paused,
		&key.Revoked,
		&key.RevokedAt,
		&key.ExpireAt,
		&key.DaysToExpirationOnLastNotification,
		&key.CreatedAt,
		&key.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(subsJSON, &key.SubscriptionIDs); err != nil {
		return nil, err
	}

	return key, nil
}
