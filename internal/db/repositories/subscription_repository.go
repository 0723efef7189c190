// subscription_repository.go implements SubscriptionRepository, providing database
// queries for subscription creation, lookup by plan or application, lifecycle
// updates, and expiry scanning for the background notifier job.
package repositories

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/apim-console/management/internal/db/models"
)

// SubscriptionRepository handles subscription database operations
type SubscriptionRepository struct {
	db *sql.DB
}

// NewSubscriptionRepository creates a new SubscriptionRepository
func NewSubscriptionRepository(db *sql.DB) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

const subscriptionColumns = `id, plan_id, api_id, application_id, status, request, reason,
		subscribed_by, processed_by, processed_at, starting_at, ending_at, paused_at, closed_at,
		client_id, general_conditions_accepted, general_conditions_content_page_id,
		general_conditions_content_revision, days_to_expiration_on_last_notification,
		created_at, updated_at`

// CreateSubscription creates a new subscription
func (r *SubscriptionRepository) CreateSubscription(ctx context.Context, sub *models.Subscription) error {
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	sub.CreatedAt = time.Now()
	sub.UpdatedAt = sub.CreatedAt

	query := `
		INSERT INTO subscriptions (id, plan_id, api_id, application_id, status, request, reason,
			subscribed_by, processed_by, processed_at, starting_at, ending_at, paused_at, closed_at,
			client_id, general_conditions_accepted, general_conditions_content_page_id,
			general_conditions_content_revision, days_to_expiration_on_last_notification,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
	`

	_, err := r.db.ExecContext(ctx, query,
		sub.ID,
		sub.PlanID,
		sub.APIID,
		sub.ApplicationID,
		sub.Status,
		sub.Request,
		sub.Reason,
		sub.SubscribedBy,
		sub.ProcessedBy,
		sub.ProcessedAt,
		sub.StartingAt,
		sub.EndingAt,
		sub.PausedAt,
		sub.ClosedAt,
		sub.ClientID,
		sub.GeneralConditionsAccepted,
		sub.GeneralConditionsContentPageID,
		sub.GeneralConditionsContentRevision,
		sub.DaysToExpirationOnLastNotification,
		sub.CreatedAt,
		sub.UpdatedAt,
	)

	return err
}

// GetSubscription retrieves a subscription by ID. Returns (nil, nil) when no
// subscription exists.
func (r *SubscriptionRepository) GetSubscription(ctx context.Context, id string) (*models.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1`

	row := r.db.QueryRowContext(ctx, query, id)
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// ListSubscriptionsByPlan retrieves all subscriptions of a plan
func (r *SubscriptionRepository) ListSubscriptionsByPlan(ctx context.Context, planID string) ([]*models.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE plan_id = $1 ORDER BY created_at ASC`
	return r.list(ctx, query, planID)
}

// ListSubscriptionsByAPI retrieves all subscriptions across the plans of an API
func (r *SubscriptionRepository) ListSubscriptionsByAPI(ctx context.Context, apiID string) ([]*models.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE api_id = $1 ORDER BY created_at ASC`
	return r.list(ctx, query, apiID)
}

// ListSubscriptionsByApplication retrieves all subscriptions of an application
func (r *SubscriptionRepository) ListSubscriptionsByApplication(ctx context.Context, applicationID string) ([]*models.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE application_id = $1 ORDER BY created_at ASC`
	return r.list(ctx, query, applicationID)
}

// ListSubscriptionsExpiringBefore retrieves accepted or paused subscriptions
// whose ending_at falls before the cutoff.
func (r *SubscriptionRepository) ListSubscriptionsExpiringBefore(ctx context.Context, cutoff time.Time) ([]*models.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE status IN ('ACCEPTED', 'PAUSED') AND ending_at IS NOT NULL AND ending_at <= $1
		ORDER BY ending_at ASC`
	return r.list(ctx, query, cutoff)
}

// UpdateSubscription persists all mutable subscription fields
func (r *SubscriptionRepository) UpdateSubscription(ctx context.Context, sub *models.Subscription) error {
	query := `
		UPDATE subscriptions
		SET plan_id = $2, status = $3, request = $4, reason = $5, processed_by = $6, processed_at = $7,
			starting_at = $8, ending_at = $9, paused_at = $10, closed_at = $11, client_id = $12,
			general_conditions_accepted = $13, general_conditions_content_page_id = $14,
			general_conditions_content_revision = $15, days_to_expiration_on_last_notification = $16,
			updated_at = $17
		WHERE id = $1
	`

	_, err := r.db.ExecContext(ctx, query,
		sub.ID,
		sub.PlanID,
		sub.Status,
		sub.Request,
		sub.Reason,
		sub.ProcessedBy,
		sub.ProcessedAt,
		sub.StartingAt,
		sub.EndingAt,
		sub.PausedAt,
		sub.ClosedAt,
		sub.ClientID,
		sub.GeneralConditionsAccepted,
		sub.GeneralConditionsContentPageID,
		sub.GeneralConditionsContentRevision,
		sub.DaysToExpirationOnLastNotification,
		sub.UpdatedAt,
	)

	return err
}

// DeleteSubscription removes a subscription by ID
func (r *SubscriptionRepository) DeleteSubscription(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = $1`, id)
	return err
}

func (r *SubscriptionRepository) list(ctx context.Context, query string, args ...interface{}) ([]*models.Subscription, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	subs := make([]*models.Subscription, 0)
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}

	return subs, rows.Err()
}

func scanSubscription(s scanner) (*models.Subscription, error) {
	sub := &models.Subscription{}

	err := s.Scan(
		&sub.ID,
		&sub.PlanID,
		&sub.APIID,
		&sub.ApplicationID,
		&sub.Status,
		&sub.Request,
		&sub.Reason,
		&sub.SubscribedBy,
		&sub.ProcessedBy,
		&sub.ProcessedAt,
		&sub.StartingAt,
		&sub.EndingAt,
		&sub.PausedAt,
		&sub.ClosedAt,
		&sub.ClientID,
		&sub.GeneralConditionsAccepted,
		&sub.GeneralConditionsContentPageID,
		&sub.GeneralConditionsContentRevision,
		&sub.DaysToExpirationOnLastNotification,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	return sub, nil
}
