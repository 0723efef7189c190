// Package models - subscription.go defines the Subscription model binding an
// application to a plan, with its processing metadata and validity window.
package models

import "time"

// SubscriptionStatus is the lifecycle state of a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusPending  SubscriptionStatus = "PENDING"
	SubscriptionStatusAccepted SubscriptionStatus = "ACCEPTED"
	SubscriptionStatusPaused   SubscriptionStatus = "PAUSED"
	SubscriptionStatusRejected SubscriptionStatus = "REJECTED"
	SubscriptionStatusClosed   SubscriptionStatus = "CLOSED"
)

// Subscription represents an application's binding to a plan
type Subscription struct {
	ID            string
	PlanID        string
	APIID         string // Denormalized from the plan at creation time
	ApplicationID string
	Status        SubscriptionStatus
	Request       string  // Free-text message from the subscriber
	Reason        *string // Free-text message from the reviewer
	SubscribedBy  string
	ProcessedBy   *string
	ProcessedAt   *time.Time
	StartingAt    *time.Time
	EndingAt      *time.Time
	PausedAt      *time.Time
	ClosedAt      *time.Time
	ClientID      *string // Required for OAuth2/JWT plans
	// General-conditions acceptance, pinned to a specific content revision
	GeneralConditionsAccepted        bool
	GeneralConditionsContentPageID   *string
	GeneralConditionsContentRevision *int
	// Set when the pre-expiration notification was sent, so each warning
	// threshold notifies exactly once. Reset whenever the validity window changes.
	DaysToExpirationOnLastNotification *int
	CreatedAt                          time.Time
	UpdatedAt                          time.Time
}

// IsLive reports whether the subscription counts against uniqueness rules
// (everything but the terminal REJECTED and CLOSED states).
func (s *Subscription) IsLive() bool {
	return s.Status != SubscriptionStatusRejected && s.Status != SubscriptionStatusClosed
}
