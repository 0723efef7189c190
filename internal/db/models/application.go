// Package models - application.go defines the Application model: a consumer
// identity that subscribes to plans.
package models

import "time"

// ApplicationStatus represents the lifecycle status of an application
type ApplicationStatus string

const (
	ApplicationStatusActive   ApplicationStatus = "ACTIVE"
	ApplicationStatusArchived ApplicationStatus = "ARCHIVED"
)

// APIKeyMode represents how an application shares API keys across its subscriptions
type APIKeyMode string

const (
	// APIKeyModeUnspecified means the application has not chosen a key mode yet.
	// The mode is settled on the first API key subscription.
	APIKeyModeUnspecified APIKeyMode = "UNSPECIFIED"
	// APIKeyModeExclusive gives each subscription its own dedicated key.
	APIKeyModeExclusive APIKeyMode = "EXCLUSIVE"
	// APIKeyModeShared reuses a single key across all API key subscriptions
	// of the application.
	APIKeyModeShared APIKeyMode = "SHARED"
)

// Application represents a consumer application
type Application struct {
	ID          string
	Name        string
	Description string
	Status      ApplicationStatus
	// ClientID is required to subscribe to OAuth2 and JWT plans.
	ClientID   *string
	APIKeyMode APIKeyMode
	Groups     []string // JSONB
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// HasSharedKeyMode reports whether the application shares one API key across
// its subscriptions.
func (a *Application) HasSharedKeyMode() bool {
	return a.APIKeyMode == APIKeyModeShared
}

// IsArchived reports whether the application is archived.
func (a *Application) IsArchived() bool {
	return a.Status == ApplicationStatusArchived
}
