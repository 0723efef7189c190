// Package models - api.go defines a minimal API record. Plans belong to an
// API; the lifecycle services only need its lifecycle state, full API
// management lives elsewhere.
package models

import "time"

// APILifecycleState is the lifecycle state of an API.
type APILifecycleState string

const (
	APILifecycleCreated    APILifecycleState = "CREATED"
	APILifecyclePublished  APILifecycleState = "PUBLISHED"
	APILifecycleDeprecated APILifecycleState = "DEPRECATED"
	APILifecycleArchived   APILifecycleState = "ARCHIVED"
)

// API represents the API a plan belongs to
type API struct {
	ID             string
	Name           string
	Description    string
	LifecycleState APILifecycleState
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IsDeprecated reports whether the API no longer accepts new plans.
func (a *API) IsDeprecated() bool {
	return a.LifecycleState == APILifecycleDeprecated
}
