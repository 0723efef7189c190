// Package models defines the database model types for the management console.
// Each type corresponds to a database table. Models are pure data types —
// business logic belongs in the services layer, query logic belongs in the
// repositories layer.
package models

import "time"

// PlanSecurity is the authentication mechanism enforced by a plan.
type PlanSecurity string

const (
	PlanSecurityAPIKey  PlanSecurity = "API_KEY"
	PlanSecurityOAuth2  PlanSecurity = "OAUTH2"
	PlanSecurityJWT     PlanSecurity = "JWT"
	PlanSecurityKeyless PlanSecurity = "KEY_LESS"
)

// PlanValidation controls whether subscriptions to a plan need a manual review.
type PlanValidation string

const (
	PlanValidationAuto   PlanValidation = "AUTO"
	PlanValidationManual PlanValidation = "MANUAL"
)

// PlanStatus is the lifecycle state of a plan.
type PlanStatus string

const (
	PlanStatusStaging    PlanStatus = "STAGING"
	PlanStatusPublished  PlanStatus = "PUBLISHED"
	PlanStatusDeprecated PlanStatus = "DEPRECATED"
	PlanStatusClosed     PlanStatus = "CLOSED"
)

// Plan represents an access tier on an API
type Plan struct {
	ID          string
	APIID       string
	Name        string
	Description string
	Security    PlanSecurity
	Validation  PlanValidation
	Status      PlanStatus
	// Order is the display position among the published plans of the same
	// API; the services layer keeps it a dense 1..N sequence.
	Order             int
	ExcludedGroups    []string // JSONB: group ids not allowed to subscribe
	GeneralConditions *string  // Optional page id of the terms document
	Tags              []string // JSONB
	Characteristics   []string // JSONB
	CommentRequired   bool
	CommentMessage    *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	PublishedAt       *time.Time
	ClosedAt          *time.Time
}

// IsAlive reports whether the plan is visible to subscribers (published or deprecated).
func (p *Plan) IsAlive() bool {
	return p.Status == PlanStatusPublished || p.Status == PlanStatusDeprecated
}
