// Package notifier fans out lifecycle hook events to configured webhook
// destinations. Delivery is asynchronous and best-effort: the business
// operation that triggered the hook never waits on, or fails because of,
// notification delivery.
package notifier

// Hook identifies a lifecycle event that can trigger notifications.
type Hook string

const (
	HookSubscriptionNew         Hook = "SUBSCRIPTION_NEW"
	HookSubscriptionAccepted    Hook = "SUBSCRIPTION_ACCEPTED"
	HookSubscriptionRejected    Hook = "SUBSCRIPTION_REJECTED"
	HookSubscriptionClosed      Hook = "SUBSCRIPTION_CLOSED"
	HookSubscriptionPaused      Hook = "SUBSCRIPTION_PAUSED"
	HookSubscriptionResumed     Hook = "SUBSCRIPTION_RESUMED"
	HookSubscriptionTransferred Hook = "SUBSCRIPTION_TRANSFERRED"
	HookSubscriptionExpired     Hook = "SUBSCRIPTION_EXPIRED"
	HookAPIKeyRenewed           Hook = "APIKEY_RENEWED"
	HookAPIKeyRevoked           Hook = "APIKEY_REVOKED"
	HookAPIKeyExpired           Hook = "APIKEY_EXPIRED"
)

// Scope identifies which side of a subscription a hook event addresses.
type Scope string

const (
	ScopeAPI         Scope = "API"
	ScopeApplication Scope = "APPLICATION"
)

// Event is the payload delivered to webhook destinations.
type Event struct {
	Hook        Hook              `json:"hook"`
	Scope       Scope             `json:"scope"`
	ReferenceID string            `json:"reference_id"`
	Params      map[string]string `json:"params,omitempty"`
}
