// Package models - audit_log.go defines the AuditLog model for lifecycle
// audit records attached to an API or an application.
package models

import "time"

// AuditReferenceType identifies the kind of entity an audit record is attached to
type AuditReferenceType string

const (
	AuditReferenceAPI         AuditReferenceType = "API"
	AuditReferenceApplication AuditReferenceType = "APPLICATION"
)

// Audit event names
const (
	AuditPlanCreated     = "PLAN_CREATED"
	AuditPlanUpdated     = "PLAN_UPDATED"
	AuditPlanPublished   = "PLAN_PUBLISHED"
	AuditPlanDeprecated  = "PLAN_DEPRECATED"
	AuditPlanClosed      = "PLAN_CLOSED"
	AuditPlanDeleted     = "PLAN_DELETED"
	AuditSubCreated      = "SUBSCRIPTION_CREATED"
	AuditSubUpdated      = "SUBSCRIPTION_UPDATED"
	AuditSubClosed       = "SUBSCRIPTION_CLOSED"
	AuditSubPaused       = "SUBSCRIPTION_PAUSED"
	AuditSubResumed      = "SUBSCRIPTION_RESUMED"
	AuditSubDeleted      = "SUBSCRIPTION_DELETED"
	AuditAPIKeyCreated   = "APIKEY_CREATED"
	AuditAPIKeyRenewed   = "APIKEY_RENEWED"
	AuditAPIKeyRevoked   = "APIKEY_REVOKED"
	AuditAPIKeyExpired   = "APIKEY_EXPIRED"
	AuditAPIKeyReactivated = "APIKEY_REACTIVATED"
)

// Audit property keys
const (
	AuditPropAPI         = "API"
	AuditPropApplication = "APPLICATION"
	AuditPropPlan        = "PLAN"
	AuditPropAPIKey      = "API_KEY"
)

// AuditLog represents a single audit record
type AuditLog struct {
	ID            string
	ReferenceType AuditReferenceType
	ReferenceID   string
	Event         string
	Properties    map[string]string // JSONB
	OldValue      []byte            // JSONB snapshot before the change
	NewValue      []byte            // JSONB snapshot after the change
	Actor         string
	CreatedAt     time.Time
}
