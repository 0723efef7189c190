// Package services implements the plan, subscription and API key lifecycle
// logic of the management console. Services depend on narrow store
// interfaces so they can be backed by the Postgres repositories in
// production and by in-memory fakes in tests.
package services

import (
	"context"
	"time"

	"github.com/apim-console/management/internal/db/models"
)

// PlanStore persists plans.
type PlanStore interface {
	GetPlan(ctx context.Context, id string) (*models.Plan, error)
	ListPlansByAPI(ctx context.Context, apiID string) ([]*models.Plan, error)
	CreatePlan(ctx context.Context, plan *models.Plan) error
	UpdatePlan(ctx context.Context, plan *models.Plan) error
	DeletePlan(ctx context.Context, id string) error
}

// APIStore reads the API records plans belong to.
type APIStore interface {
	GetAPI(ctx context.Context, id string) (*models.API, error)
}

// SubscriptionStore persists subscriptions.
type SubscriptionStore interface {
	GetSubscription(ctx context.Context, id string) (*models.Subscription, error)
	ListSubscriptionsByPlan(ctx context.Context, planID string) ([]*models.Subscription, error)
	ListSubscriptionsByAPI(ctx context.Context, apiID string) ([]*models.Subscription, error)
	ListSubscriptionsByApplication(ctx context.Context, applicationID string) ([]*models.Subscription, error)
	ListSubscriptionsExpiringBefore(ctx context.Context, cutoff time.Time) ([]*models.Subscription, error)
	CreateSubscription(ctx context.Context, sub *models.Subscription) error
	UpdateSubscription(ctx context.Context, sub *models.Subscription) error
	DeleteSubscription(ctx context.Context, id string) error
}

// APIKeyStore persists API keys.
type APIKeyStore interface {
	GetAPIKey(ctx context.Context, id string) (*models.APIKey, error)
	FindAPIKeyByValue(ctx context.Context, key string) ([]*models.APIKey, error)
	ListAPIKeysBySubscription(ctx context.Context, subscriptionID string) ([]*models.APIKey, error)
	ListAPIKeysByApplication(ctx context.Context, applicationID string) ([]*models.APIKey, error)
	ListAPIKeysExpiringBefore(ctx context.Context, cutoff time.Time) ([]*models.APIKey, error)
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	UpdateAPIKey(ctx context.Context, key *models.APIKey) error
	DeleteAPIKeysBySubscription(ctx context.Context, subscriptionID string) error
}

// ApplicationStore reads applications.
type ApplicationStore interface {
	GetApplication(ctx context.Context, id string) (*models.Application, error)
	UpdateApplication(ctx context.Context, app *models.Application) error
}

// PageStore reads documentation pages used as general conditions.
type PageStore interface {
	GetPage(ctx context.Context, id string) (*models.Page, error)
}

// AuditStore persists audit records.
type AuditStore interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}
