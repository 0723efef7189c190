// Package models - api_key.go defines the APIKey model: an opaque credential
// bound to one or more subscriptions of an application.
package models

import "time"

// APIKey represents an API key credential
type APIKey struct {
	ID            string
	Key           string // Opaque key value handed to the gateway
	ApplicationID string
	// SubscriptionIDs holds more than one entry only when the owning
	// application is in shared API key mode.
	SubscriptionIDs []string // JSONB
	Paused          bool
	Revoked         bool
	RevokedAt       *time.Time
	ExpireAt        *time.Time
	// Set when the pre-expiration notification was sent. Reset whenever the
	// expiration date changes.
	DaysToExpirationOnLastNotification *int
	CreatedAt                          time.Time
	UpdatedAt                          time.Time
}

// IsExpired reports whether the key's expiration date has passed at the given instant.
func (k *APIKey) IsExpired(now time.Time) bool {
	return k.ExpireAt != nil && now.After(*k.ExpireAt)
}

// IsActive reports whether the key is neither revoked nor expired at the given instant.
func (k *APIKey) IsActive(now time.Time) bool {
	return !k.Revoked && !k.IsExpired(now)
}

// HasSubscription reports whether the key is bound to the given subscription.
func (k *APIKey) HasSubscription(subscriptionID string) bool {
	for _, id := range k.SubscriptionIDs {
		if id == subscriptionID {
			return true
		}
	}
	return false
}
